package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	logger "github.com/sirupsen/logrus"

	"fundengine/src/auth"
	"fundengine/src/metrics"
)

// Routes holds the handlers the router mounts. Nil handlers are not mounted.
type Routes struct {
	Status   http.Handler
	Analysis http.Handler

	Decisions http.Handler
	Capital   http.Handler

	Pause         http.Handler
	Resume        http.Handler
	Halt          http.Handler
	Release       http.Handler
	Reconcile     http.Handler
	EmergencyStop http.Handler
	AnalysisBegin http.Handler
	AnalysisEnd   http.Handler

	ValidateModule http.Handler
	DeployModule   http.Handler

	ListCandidates   http.Handler
	CreateCandidate  http.Handler
	CancelCandidate  http.Handler
	PromoteCandidate http.Handler
}

func mount(r chi.Router, method, pattern string, h http.Handler) {
	if h != nil {
		r.Method(method, pattern, h)
	}
}

// NewRouter builds the HTTP surface. Health, metrics and validation are public; every
// route that reads fund state or changes anything requires the operator token.
func NewRouter(cfg *Config, routes Routes) http.Handler {
	r := chi.NewRouter()
	// === Global Middleware ===
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.WithError(err).Error(" \"/health error")
		}
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	mount(r, http.MethodPost, "/modules/validate", routes.ValidateModule)

	// Operator routes
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireOperator(cfg.OpsTokenHash))

		mount(r, http.MethodGet, "/status", routes.Status)
		mount(r, http.MethodGet, "/analysis", routes.Analysis)
		mount(r, http.MethodPost, "/decisions", routes.Decisions)
		mount(r, http.MethodPost, "/capital", routes.Capital)

		r.Route("/controls", func(r chi.Router) {
			mount(r, http.MethodPost, "/pause", routes.Pause)
			mount(r, http.MethodPost, "/resume", routes.Resume)
			mount(r, http.MethodPost, "/halt", routes.Halt)
			mount(r, http.MethodPost, "/release", routes.Release)
			mount(r, http.MethodPost, "/reconcile", routes.Reconcile)
			mount(r, http.MethodPost, "/emergency-stop", routes.EmergencyStop)
			mount(r, http.MethodPost, "/analysis/begin", routes.AnalysisBegin)
			mount(r, http.MethodPost, "/analysis/end", routes.AnalysisEnd)
		})

		mount(r, http.MethodPost, "/modules/deploy", routes.DeployModule)

		r.Route("/candidates", func(r chi.Router) {
			mount(r, http.MethodGet, "/", routes.ListCandidates)
			mount(r, http.MethodPost, "/", routes.CreateCandidate)
			mount(r, http.MethodPost, "/{slot}/cancel", routes.CancelCandidate)
			mount(r, http.MethodPost, "/{slot}/promote", routes.PromoteCandidate)
		})
	})
	return r
}

// Serve listens until ctx is canceled, then shuts down gracefully.
func Serve(ctx context.Context, cfg *Config, handler http.Handler) error {
	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down gracefully...")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.WithError(err).Error("Shutdown error")
		return err
	}
	return nil
}
