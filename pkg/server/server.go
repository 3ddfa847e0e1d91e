// Package server implements the HTTP Server Frame (C9): it binds the
// listener, wires the Inbound Call Pipeline behind the shared
// gorilla/mux router, assigns/propagates trace IDs, opens an
// OpenTelemetry span per route, and owns graceful shutdown — grounded
// on the teacher's pkg/webui/server.go Start/Stop/Close pattern.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kestrelctl/a2arelay/pkg/logger"
	"github.com/kestrelctl/a2arelay/pkg/pipeline"
	"github.com/kestrelctl/a2arelay/pkg/reqcontext"
	"github.com/kestrelctl/a2arelay/pkg/telemetry"
)

// Server binds the /api/a2a/ routes to a Pipeline and owns the listener
// lifecycle.
type Server struct {
	router     *mux.Router
	listenAddr string
	pipeline   *pipeline.Pipeline
	httpServer *http.Server
}

// New constructs a Server wired to pipeline, listening on listenAddr
// (e.g. ":8088").
func New(listenAddr string, p *pipeline.Pipeline) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		listenAddr: listenAddr,
		pipeline:   p,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/a2a").Subrouter()
	api.HandleFunc("/ping", s.pipeline.Ping).Methods(http.MethodGet)
	api.HandleFunc("/status", s.pipeline.Status).Methods(http.MethodGet)
	api.HandleFunc("/invoke", s.pipeline.Invoke).Methods(http.MethodPost)
	api.HandleFunc("/end", s.pipeline.End).Methods(http.MethodPost)

	s.router.Use(s.traceMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.tracingMiddleware)
}

// traceMiddleware assigns or accepts a trace_id (x-trace-id header) and
// generates a request_id, per spec.md §4.5 step 1; both are echoed on
// the response and threaded into the request context for the pipeline
// and every log event it writes.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("x-trace-id")
		if traceID == "" {
			traceID = "trace_" + uuid.NewString()
		}
		requestID := "req_" + uuid.NewString()

		w.Header().Set("x-trace-id", traceID)

		ctx := reqcontext.WithIDs(r.Context(), traceID, requestID)
		ctx = logger.WithLogger(ctx, logger.G(ctx).WithFields(map[string]any{
			"trace_id":   traceID,
			"request_id": requestID,
		}))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// tracingMiddleware opens an OpenTelemetry span named after the route
// template and tags it with this request's trace_id, per SPEC_FULL.md §7
// "trace-to-span correlation".
func (s *Server) tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := mux.CurrentRoute(r)
		name := r.URL.Path
		if route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				name = tmpl
			}
		}

		ctx := r.Context()
		err := telemetry.WithSpan(ctx, name, func(spanCtx context.Context) error {
			telemetry.SetAttributes(spanCtx, attribute.String("trace_id", reqcontext.TraceID(spanCtx)))
			next.ServeHTTP(w, r.WithContext(spanCtx))
			return nil
		})
		if err != nil {
			logger.G(ctx).WithError(err).Error("request handler returned an error to the tracing span")
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		logger.G(r.Context()).WithFields(map[string]any{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start),
		}).Info("http request")
	})
}

// Start binds the listener and serves until ctx is cancelled, then
// shuts down gracefully within 30s.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.listenAddr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return errors.Wrap(err, "http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Stop forcibly closes the listener without waiting for in-flight requests.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

// Addr reports the configured listen address, for operator logging.
func (s *Server) Addr() string {
	return s.listenAddr
}
