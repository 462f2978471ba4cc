package middleware

import (
	"log"
	"net/http"
	"strings"

	"github.com/psantana5/ensembled/pkg/auth"
)

// WorkerIDHeader names the header a worker sends alongside its bearer
// token so the token can be matched to the worker it was issued to.
const WorkerIDHeader = "X-Worker-ID"

// BearerAuth rejects requests that do not carry a valid bearer
// credential: either a shared API key or a per-worker token issued at
// registration. The /health endpoint is always allowed so load
// balancers can probe it.
func BearerAuth(keys *auth.APIKeyManager, tokens *auth.TokenManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				http.Error(w, "Authorization required", http.StatusUnauthorized)
				return
			}
			token := strings.TrimPrefix(header, "Bearer ")
			if token == header {
				http.Error(w, "Authorization required", http.StatusUnauthorized)
				return
			}

			if keys != nil && keys.ValidateAPIKey(token) {
				next.ServeHTTP(w, r)
				return
			}

			if workerID := r.Header.Get(WorkerIDHeader); workerID != "" && tokens != nil {
				if err := tokens.ValidateToken(workerID, token); err == nil {
					next.ServeHTTP(w, r)
					return
				}
			}

			log.Printf("Rejected request to %s: invalid credentials", r.URL.Path)
			http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		})
	}
}
