package objectstore

import (
	"context"
	"fmt"
	"io"
)

// Router dispatches to a Source by URI scheme so one loader can read from
// several stores. Schemes without a registered source return an error.
type Router struct {
	sources map[string]Source
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{sources: make(map[string]Source)}
}

// Register binds a scheme ("gs", "s3", "file") to a source.
func (r *Router) Register(scheme string, src Source) *Router {
	r.sources[scheme] = src
	return r
}

func (r *Router) sourceFor(uri string) (Source, error) {
	loc, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	src, ok := r.sources[loc.Scheme]
	if !ok {
		return nil, fmt.Errorf("no object source registered for scheme %q", loc.Scheme)
	}
	return src, nil
}

// List implements Source.
func (r *Router) List(ctx context.Context, prefixURI string) ([]Object, error) {
	src, err := r.sourceFor(prefixURI)
	if err != nil {
		return nil, fmt.Errorf("Router.List: %w", err)
	}
	return src.List(ctx, prefixURI)
}

// Open implements Source.
func (r *Router) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	src, err := r.sourceFor(uri)
	if err != nil {
		return nil, fmt.Errorf("Router.Open: %w", err)
	}
	return src.Open(ctx, uri)
}

var (
	_ Source = (*GCSSource)(nil)
	_ Source = (*S3Source)(nil)
	_ Source = (*LocalSource)(nil)
	_ Source = (*Router)(nil)
)
