package security

import (
	"bytes"
	"io"
	"net/http"
)

// BodyLimit buffers request bodies up to Max bytes and rejects larger ones
// with an empty 413 response. Handlers behind it can read the body freely.
type BodyLimit struct {
	Max      int64
	OnReject func(r *http.Request, status int)
}

// Middleware enforces the limit. A non-positive Max disables it.
func (b BodyLimit) Middleware(next http.Handler) http.Handler {
	if b.Max <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}
		if r.ContentLength > b.Max {
			b.reject(w, r, http.StatusRequestEntityTooLarge)
			return
		}

		buf, err := io.ReadAll(io.LimitReader(r.Body, b.Max+1))
		_ = r.Body.Close()
		switch {
		case err != nil:
			b.reject(w, r, http.StatusBadRequest)
			return
		case int64(len(buf)) > b.Max:
			b.reject(w, r, http.StatusRequestEntityTooLarge)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(buf))
		r.ContentLength = int64(len(buf))
		next.ServeHTTP(w, r)
	})
}

func (b BodyLimit) reject(w http.ResponseWriter, r *http.Request, status int) {
	if b.OnReject != nil {
		b.OnReject(r, status)
	}
	w.WriteHeader(status)
}
