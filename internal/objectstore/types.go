package objectstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// URI schemes understood by ParseURI.
const (
	SchemeGCS  = "gs"
	SchemeS3   = "s3"
	SchemeFile = "file"
)

// Object describes one immutable batch file in a bucket or directory.
type Object struct {
	URI       string
	Size      int64
	UpdatedAt time.Time
}

// Source lists and reads batch files from an object store.
type Source interface {
	// List returns the objects under the given URI prefix, sorted by URI.
	List(ctx context.Context, prefixURI string) ([]Object, error)

	// Open returns a reader for a single object.
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// Location is a parsed object URI.
type Location struct {
	Scheme string // gs, s3 or file
	Bucket string // empty for file
	Key    string // object key or filesystem path
}

// ParseURI splits gs://bucket/key, s3://bucket/key and plain filesystem paths.
func ParseURI(uri string) (Location, error) {
	for _, scheme := range []string{SchemeGCS, SchemeS3} {
		prefix := scheme + "://"
		if !strings.HasPrefix(uri, prefix) {
			continue
		}
		trimmed := strings.TrimPrefix(uri, prefix)
		parts := strings.SplitN(trimmed, "/", 2)
		if parts[0] == "" {
			return Location{}, fmt.Errorf("invalid %s URI (no bucket): %s", scheme, uri)
		}
		loc := Location{Scheme: scheme, Bucket: parts[0]}
		if len(parts) == 2 {
			loc.Key = parts[1]
		}
		return loc, nil
	}

	if uri == "" {
		return Location{}, fmt.Errorf("empty object URI")
	}
	return Location{Scheme: SchemeFile, Key: strings.TrimPrefix(uri, "file://")}, nil
}

// String renders the location back into URI form.
func (l Location) String() string {
	if l.Scheme == SchemeFile {
		return l.Key
	}
	return fmt.Sprintf("%s://%s/%s", l.Scheme, l.Bucket, l.Key)
}

// Filename extracts the base name of an object URI.
// e.g., "gs://bucket/folder/file.csv" → "file.csv"
func Filename(uri string) string {
	loc, err := ParseURI(uri)
	if err != nil || loc.Key == "" {
		return uri
	}
	return path.Base(loc.Key)
}
