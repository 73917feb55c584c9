// Package app provides application initialization and dependency wiring.
//
// App is the container that assembles the ingestion pipeline, the vector
// index, the retriever and the exporter on top of a shared PostgreSQL pool
// and a Genkit instance. Setup builds everything in dependency order and
// Close releases it.
package app

import (
	"log/slog"

	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campuskb/campuskb/internal/config"
	"github.com/campuskb/campuskb/internal/corpus"
	"github.com/campuskb/campuskb/internal/export"
	"github.com/campuskb/campuskb/internal/index"
	"github.com/campuskb/campuskb/internal/pipeline"
	"github.com/campuskb/campuskb/internal/retrieve"
)

// App is the core application container.
type App struct {
	Config *config.Config

	Genkit *genkit.Genkit
	DBPool *pgxpool.Pool

	Store     *corpus.Store
	Index     *index.Index
	Pipeline  *pipeline.Pipeline
	Retriever *retrieve.Retriever
	Exporter  *export.Exporter

	dbCleanup func()
}

// Close gracefully shuts down all resources. The pipeline drains first so
// in-flight runs finish their bookkeeping before the pool goes away.
func (a *App) Close() error {
	slog.Info("shutting down application")

	if a.Pipeline != nil {
		a.Pipeline.Close()
	}
	if a.dbCleanup != nil {
		a.dbCleanup()
		slog.Info("database pool closed")
	}
	return nil
}
