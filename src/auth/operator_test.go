package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestRequireOperator(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	var seen string
	h := RequireOperator(string(hash))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = OperatorName(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		header string
		who    string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic s3cret", "", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", "", http.StatusUnauthorized},
		{"ok", "Bearer s3cret", "", http.StatusNoContent},
		{"ok lowercase scheme", "bearer s3cret", "alice", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodPost, "/controls/halt", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if tc.who != "" {
				req.Header.Set("X-Operator", tc.who)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			assert.Equal(t, tc.want, rr.Code)
			if tc.want == http.StatusNoContent {
				want := tc.who
				if want == "" {
					want = "operator"
				}
				assert.Equal(t, want, seen)
			}
		})
	}
}

func TestRequireOperatorWithoutHash(t *testing.T) {
	h := RequireOperator("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))
	req := httptest.NewRequest(http.MethodPost, "/controls/halt", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
