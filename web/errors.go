package web

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the JSON body of every error returned by the JSON routes.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func setCookies(w http.ResponseWriter, cookies ...*http.Cookie) {
	for _, c := range cookies {
		if c != nil {
			http.SetCookie(w, c)
		}
	}
}
