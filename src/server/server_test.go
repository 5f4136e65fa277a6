package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func okHandler(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(name))
	})
}

func testRouter(t *testing.T) http.Handler {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("tok"), bcrypt.MinCost)
	require.NoError(t, err)
	return NewRouter(&Config{OpsTokenHash: string(hash)}, Routes{
		Halt:             okHandler("halt"),
		ValidateModule:   okHandler("validate"),
		PromoteCandidate: okHandler("promote"),
		ListCandidates:   okHandler("list"),
	})
}

func TestRouterPublicRoutes(t *testing.T) {
	r := testRouter(t)
	for _, tc := range []struct{ method, path, body string }{
		{http.MethodGet, "/healthcheck", "OK"},
		{http.MethodPost, "/modules/validate", "validate"},
	} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, http.StatusOK, rr.Code, tc.path)
		assert.Equal(t, tc.body, rr.Body.String())
	}

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "fund_halted")
}

func TestRouterOperatorRoutes(t *testing.T) {
	r := testRouter(t)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/controls/halt", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	for _, tc := range []struct{ method, path, body string }{
		{http.MethodPost, "/controls/halt", "halt"},
		{http.MethodPost, "/candidates/2/promote", "promote"},
		{http.MethodGet, "/candidates", "list"},
	} {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		req.Header.Set("Authorization", "Bearer tok")
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code, tc.path)
		assert.Equal(t, tc.body, rr.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/controls/resume", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServeStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, &Config{Port: "0", ShutdownTimeout: time.Second}, okHandler("x"))
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
