package session

import (
	"encoding/json"
	"net/http"
)

// Toast kinds.
const (
	ToastSuccess = "success"
	ToastError   = "error"
)

const toastKey = "toast"

// Toast is a one-shot notification shown on the next page render.
type Toast struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// SetToast returns a cookie carrying t.
func (m *Manager) SetToast(t Toast) (*http.Cookie, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	sess := m.Toast.New()
	sess.Set(toastKey, string(raw))
	return m.Toast.Commit(sess)
}

// PopToast reads the pending toast, if any. When one was present the
// returned cookie clears it so it is shown only once.
func (m *Manager) PopToast(r *http.Request) (*Toast, *http.Cookie) {
	sess := m.Toast.Get(r)
	if !sess.Has(toastKey) {
		return nil, nil
	}
	var t Toast
	if err := json.Unmarshal([]byte(sess.Get(toastKey)), &t); err != nil {
		return nil, m.Toast.Destroy()
	}
	return &t, m.Toast.Destroy()
}
