// Package auth guards operator routes with a bearer token checked against a bcrypt hash.
package auth

import (
	"context"
	"net/http"
	"strings"

	logger "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

type contextKey string

const OperatorKey contextKey = "operator"

// Operator identifies the caller of an authenticated route. Name comes from the
// optional X-Operator header and only labels audit records.
type Operator struct {
	Name string
}

func GetOperatorFromContext(ctx context.Context) (*Operator, bool) {
	op, ok := ctx.Value(OperatorKey).(*Operator)
	return op, ok
}

// OperatorName returns the caller's name or "operator" when unknown.
func OperatorName(ctx context.Context) string {
	if op, ok := GetOperatorFromContext(ctx); ok && op.Name != "" {
		return op.Name
	}
	return "operator"
}

// RequireOperator rejects requests whose bearer token does not match hash. An empty
// hash disables every guarded route.
func RequireOperator(hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hash == "" {
				http.Error(w, "operator token not configured", http.StatusServiceUnavailable)
				return
			}

			token, ok := bearer(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
				logger.WithFields(map[string]interface{}{
					"component": "auth",
					"path":      r.URL.Path,
					"remote":    r.RemoteAddr,
				}).Warn("operator token mismatch")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			op := &Operator{Name: strings.TrimSpace(r.Header.Get("X-Operator"))}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), OperatorKey, op)))
		})
	}
}

func bearer(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
