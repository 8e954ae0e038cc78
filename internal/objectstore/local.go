package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// LocalSource reads batch files from a filesystem directory. Tests use an
// in-memory filesystem.
type LocalSource struct {
	fs afero.Fs
}

// NewLocalSource creates a source backed by the given filesystem; nil means the OS filesystem.
func NewLocalSource(fs afero.Fs) *LocalSource {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &LocalSource{fs: fs}
}

// List walks the directory (or matches the path prefix) and returns regular files.
func (s *LocalSource) List(ctx context.Context, prefixURI string) ([]Object, error) {
	loc, err := ParseURI(prefixURI)
	if err != nil {
		return nil, fmt.Errorf("LocalSource.List: %w", err)
	}
	if loc.Scheme != SchemeFile {
		return nil, fmt.Errorf("LocalSource.List: not a filesystem path: %s", prefixURI)
	}

	root := loc.Key
	if info, err := s.fs.Stat(root); err != nil || !info.IsDir() {
		// Treat a non-directory as a file-name prefix within its parent.
		root = parentDir(loc.Key)
	}

	var objects []Object
	err = afero.Walk(s.fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info.IsDir() || !strings.HasPrefix(p, loc.Key) {
			return nil
		}
		objects = append(objects, Object{URI: p, Size: info.Size(), UpdatedAt: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("LocalSource.List: walking %s: %w", root, err)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].URI < objects[j].URI })
	return objects, nil
}

// Open opens a single file.
func (s *LocalSource) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	loc, err := ParseURI(uri)
	if err != nil {
		return nil, fmt.Errorf("LocalSource.Open: %w", err)
	}
	f, err := s.fs.Open(loc.Key)
	if err != nil {
		return nil, fmt.Errorf("LocalSource.Open: %w", err)
	}
	return f, nil
}

func parentDir(p string) string {
	i := strings.LastIndex(p, "/")
	switch {
	case i < 0:
		return "."
	case i == 0:
		return "/"
	default:
		return p[:i]
	}
}
