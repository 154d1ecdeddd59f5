package web

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	// contactMaxRequests is the number of submissions per IP before lockout.
	contactMaxRequests = 5
	// contactBaseLockout is the first lockout once the limit is reached.
	contactBaseLockout = 10 * time.Minute
	// contactMaxLockout caps the exponential backoff.
	contactMaxLockout = 2 * time.Hour
	// contactExpiry is how long a quiet IP keeps its record.
	contactExpiry = 1 * time.Hour

	limiterSweepInterval = 5 * time.Minute
)

type attemptRecord struct {
	count       int
	lastSeen    time.Time
	lockedUntil time.Time
}

// contactLimiter counts contact submissions per client IP. Every submission
// counts, valid or not, since each one may send mail.
type contactLimiter struct {
	mu       sync.Mutex
	requests map[string]*attemptRecord
	now      func() time.Time
}

func newContactLimiter() *contactLimiter {
	return &contactLimiter{
		requests: make(map[string]*attemptRecord),
		now:      time.Now,
	}
}

func (rl *contactLimiter) check(ip string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.requests[ip]
	if !ok {
		return false, 0
	}
	now := rl.now()
	if now.Sub(rec.lastSeen) > contactExpiry && !now.Before(rec.lockedUntil) {
		delete(rl.requests, ip)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

func (rl *contactLimiter) record(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.requests[ip]
	if !ok {
		rec = &attemptRecord{}
		rl.requests[ip] = rec
	}
	rec.count++
	rec.lastSeen = rl.now()

	if rec.count >= contactMaxRequests {
		lockout := contactBaseLockout
		for i := 0; i < rec.count-contactMaxRequests; i++ {
			lockout *= 2
			if lockout > contactMaxLockout {
				lockout = contactMaxLockout
				break
			}
		}
		rec.lockedUntil = rec.lastSeen.Add(lockout)
	}
}

func (rl *contactLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, rec := range rl.requests {
		if now.Sub(rec.lastSeen) > contactExpiry && !now.Before(rec.lockedUntil) {
			delete(rl.requests, ip)
		}
	}
}

func (rl *contactLimiter) len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.requests)
}

func retryAfterString(d time.Duration) string {
	return strconv.Itoa(max(1, int(d.Seconds())))
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(d))
}
