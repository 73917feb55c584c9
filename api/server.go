// Package api exposes the knowledge base over HTTP.
//
// Endpoints:
//
//	GET    /health               liveness probe
//	GET    /ready                readiness probe (database ping)
//	POST   /api/documents        upload a document for ingestion
//	POST   /api/urls             submit a URL for crawl ingestion
//	GET    /api/ingestions/{id}  ingestion run status
//	DELETE /api/ingestions/{id}  cancel a running ingestion
//	POST   /api/retrieve         similarity search over the corpus
//	POST   /api/export           export accepted QA pairs as JSONL
//	PATCH  /api/qa/{id}          review a QA pair (accept/reject)
//
// File structure:
//   - server.go: HTTP server setup and lifecycle
//   - middleware.go: HTTP middleware (logging, recovery)
//   - health.go: health check endpoints
//   - ingest.go: ingestion endpoints
//   - retrieve.go: retrieval endpoint
//   - export.go: training data export and QA review endpoints
//   - response.go: JSON response helpers
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campuskb/campuskb/internal/log"
)

const (
	// DefaultAddr is the default address for the HTTP server.
	DefaultAddr = "127.0.0.1:3500"

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout bounds header reads to keep slow clients from
	// pinning connections.
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is generous because document uploads can be large.
	ReadTimeout = 120 * time.Second

	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout = 60 * time.Second

	// IdleTimeout is the keep-alive limit between requests.
	IdleTimeout = 120 * time.Second
)

// Server is the HTTP server for the knowledge base API.
type Server struct {
	mux    *http.ServeMux
	logger log.Logger

	health   *HealthHandler
	ingest   *IngestHandler
	retrieve *RetrieveHandler
	export   *ExportHandler
}

// NewServer creates an HTTP server with all routes registered.
func NewServer(
	pool *pgxpool.Pool,
	ingest IngestService,
	retriever RetrieveService,
	exporter ExportService,
	qa QAReviewStore,
	logger log.Logger,
) *Server {
	mux := http.NewServeMux()

	s := &Server{
		mux:      mux,
		logger:   logger,
		health:   NewHealthHandler(pool, logger),
		ingest:   NewIngestHandler(ingest, logger),
		retrieve: NewRetrieveHandler(retriever, logger),
		export:   NewExportHandler(exporter, qa, logger),
	}

	s.health.RegisterRoutes(mux)
	s.ingest.RegisterRoutes(mux)
	s.retrieve.RegisterRoutes(mux)
	s.export.RegisterRoutes(mux)

	return s
}

// Handler returns the HTTP handler with middleware applied.
// Middleware order: recovery → logging → handler
func (s *Server) Handler() http.Handler {
	return chain(s.mux, recoveryMiddleware(s.logger), loggingMiddleware(s.logger))
}

// Run starts the HTTP server and blocks until the context is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
