// Package infra opens the storage and source backends named by the config.
package infra

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/afero"

	"github.com/dvloznov/finance-pipeline/internal/config"
	"github.com/dvloznov/finance-pipeline/internal/infra/bigquery"
	"github.com/dvloznov/finance-pipeline/internal/infra/duckdb"
	"github.com/dvloznov/finance-pipeline/internal/infra/memory"
	"github.com/dvloznov/finance-pipeline/internal/objectstore"
	"github.com/dvloznov/finance-pipeline/internal/warehouse"
)

// Warehouse is a storage backend that owns connections.
type Warehouse interface {
	warehouse.Warehouse
	io.Closer
}

// OpenWarehouse opens the backend selected by cfg.Driver. DuckDB and BigQuery
// backends create their schema when missing (DuckDB) or expect the migrations
// to have been applied (BigQuery).
func OpenWarehouse(ctx context.Context, cfg config.WarehouseConfig) (Warehouse, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		return memory.New(), nil
	case config.DriverDuckDB:
		store, err := duckdb.Open(ctx, cfg.DuckDBPath)
		if err != nil {
			return nil, fmt.Errorf("OpenWarehouse: %w", err)
		}
		return store, nil
	case config.DriverBigQuery:
		store, err := bigquery.NewStore(ctx, bigquery.Dataset{ProjectID: cfg.ProjectID, DatasetID: cfg.Dataset})
		if err != nil {
			return nil, fmt.Errorf("OpenWarehouse: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("OpenWarehouse: unknown driver %q", cfg.Driver)
	}
}

// Sources is a scheme router plus the clients it opened.
type Sources struct {
	*objectstore.Router
	closers []io.Closer
}

// Close releases every client opened for the router.
func (s *Sources) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// OpenSources builds a router that always serves file:// URIs and opens cloud
// clients only for the scheme of uri, so a local setup needs no credentials.
func OpenSources(ctx context.Context, uri string, s3 config.S3Config) (*Sources, error) {
	return openSources(ctx, uri, s3, afero.NewOsFs())
}

func openSources(ctx context.Context, uri string, s3 config.S3Config, fs afero.Fs) (*Sources, error) {
	sources := &Sources{Router: objectstore.NewRouter()}
	sources.Register(objectstore.SchemeFile, objectstore.NewLocalSource(fs))

	if uri == "" {
		return sources, nil
	}
	loc, err := objectstore.ParseURI(uri)
	if err != nil {
		return nil, fmt.Errorf("OpenSources: %w", err)
	}

	switch loc.Scheme {
	case objectstore.SchemeGCS:
		gcs, err := objectstore.NewGCSSource(ctx)
		if err != nil {
			return nil, fmt.Errorf("OpenSources: %w", err)
		}
		sources.Register(objectstore.SchemeGCS, gcs)
		sources.closers = append(sources.closers, gcs)
	case objectstore.SchemeS3:
		src, err := objectstore.NewS3Source(ctx, objectstore.S3Options{
			Region:       s3.Region,
			Endpoint:     s3.Endpoint,
			UsePathStyle: s3.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("OpenSources: %w", err)
		}
		sources.Register(objectstore.SchemeS3, src)
	}
	return sources, nil
}
