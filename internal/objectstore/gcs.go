package objectstore

import (
	"context"
	"fmt"
	"io"
	"sort"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSSource reads batch files from Google Cloud Storage. It holds a shared
// storage client; call Close when done.
type GCSSource struct {
	client *storage.Client
}

// NewGCSSource creates a GCS source using Application Default Credentials.
func NewGCSSource(ctx context.Context) (*GCSSource, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("NewGCSSource: creating storage client: %w", err)
	}
	return &GCSSource{client: client}, nil
}

// Close closes the storage client.
func (s *GCSSource) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// List returns all objects under a gs://bucket/prefix URI.
func (s *GCSSource) List(ctx context.Context, prefixURI string) ([]Object, error) {
	loc, err := ParseURI(prefixURI)
	if err != nil {
		return nil, fmt.Errorf("GCSSource.List: %w", err)
	}
	if loc.Scheme != "gs" {
		return nil, fmt.Errorf("GCSSource.List: not a GCS URI: %s", prefixURI)
	}

	it := s.client.Bucket(loc.Bucket).Objects(ctx, &storage.Query{Prefix: loc.Key})

	var objects []Object
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("GCSSource.List: iterating %s: %w", prefixURI, err)
		}
		// Skip "directory" placeholder objects.
		if attrs.Size == 0 && len(attrs.Name) > 0 && attrs.Name[len(attrs.Name)-1] == '/' {
			continue
		}
		objects = append(objects, Object{
			URI:       fmt.Sprintf("gs://%s/%s", loc.Bucket, attrs.Name),
			Size:      attrs.Size,
			UpdatedAt: attrs.Updated,
		})
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].URI < objects[j].URI })
	return objects, nil
}

// Open returns a reader for a gs://bucket/object URI.
func (s *GCSSource) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	loc, err := ParseURI(uri)
	if err != nil {
		return nil, fmt.Errorf("GCSSource.Open: %w", err)
	}
	if loc.Scheme != "gs" || loc.Key == "" {
		return nil, fmt.Errorf("GCSSource.Open: invalid GCS URI (no object path): %s", uri)
	}

	rc, err := s.client.Bucket(loc.Bucket).Object(loc.Key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("GCSSource.Open: reading object %s/%s: %w", loc.Bucket, loc.Key, err)
	}
	return rc, nil
}
