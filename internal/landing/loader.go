package landing

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/dvloznov/finance-pipeline/internal/logger"
	"github.com/dvloznov/finance-pipeline/internal/objectstore"
	"github.com/dvloznov/finance-pipeline/internal/warehouse"
)

// Store is the part of the warehouse the loader writes to.
type Store interface {
	warehouse.RawLog
	warehouse.LandedFiles
}

// Loader copies batch files from an object store into the raw log.
type Loader struct {
	source objectstore.Source
	store  Store
	format FileFormat
}

// NewLoader creates a loader reading files in the given format.
func NewLoader(source objectstore.Source, store Store, format FileFormat) *Loader {
	return &Loader{
		source: source,
		store:  store,
		format: format,
	}
}

// FileResult describes the outcome of landing one object.
type FileResult struct {
	URI      string
	Checksum string
	// Skipped is true when a file with the same checksum already landed.
	Skipped  bool
	Rows     int
	Rejected []RowError
	FirstSeq int64
	LastSeq  int64
}

// Report summarizes a LandPrefix call.
type Report struct {
	FilesSeen    int
	FilesLanded  int
	FilesSkipped int
	RowsLanded   int
	RowsRejected int
	Files        []FileResult
}

// LandObject lands a single object. A file whose checksum is already in the
// load history is skipped. If recording the load history fails after the
// rows were appended, the file can land again on the next attempt.
func (l *Loader) LandObject(ctx context.Context, obj objectstore.Object) (FileResult, error) {
	log := logger.FromContext(ctx)
	result := FileResult{URI: obj.URI}

	rc, err := l.source.Open(ctx, obj.URI)
	if err != nil {
		return result, fmt.Errorf("LandObject: opening %s: %w", obj.URI, err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return result, fmt.Errorf("LandObject: reading %s: %w", obj.URI, err)
	}

	result.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))

	existing, err := l.store.FindLandedFile(ctx, result.Checksum)
	if err != nil {
		return result, fmt.Errorf("LandObject: checking load history: %w", err)
	}
	if existing != nil {
		log.Info().
			Str("uri", obj.URI).
			Str("checksum", result.Checksum).
			Str("landed_as", existing.URI).
			Msg("File already landed, skipping")
		result.Skipped = true
		return result, nil
	}

	parsed, err := Parse(bytes.NewReader(data), l.format)
	if err != nil {
		return result, fmt.Errorf("LandObject: parsing %s: %w", obj.URI, err)
	}
	result.Rejected = parsed.Rejected
	for _, rej := range parsed.Rejected {
		log.Warn().
			Str("uri", obj.URI).
			Int("line", rej.Line).
			Str("reason", rej.Reason).
			Msg("Rejected row")
	}

	if len(parsed.Rows) > 0 {
		ids, err := l.store.Append(ctx, obj.URI, parsed.Rows)
		if err != nil {
			return result, fmt.Errorf("LandObject: appending rows from %s: %w", obj.URI, err)
		}
		result.Rows = len(ids)
		result.FirstSeq = ids[0]
		result.LastSeq = ids[len(ids)-1]
	}

	if err := l.store.RecordLandedFile(ctx, warehouse.LandedFile{
		URI:      obj.URI,
		Checksum: result.Checksum,
		Rows:     result.Rows,
		Rejected: len(result.Rejected),
		FirstSeq: result.FirstSeq,
		LastSeq:  result.LastSeq,
		LandedAt: time.Now().UTC(),
	}); err != nil {
		return result, fmt.Errorf("LandObject: recording load history for %s: %w", obj.URI, err)
	}

	log.Info().
		Str("uri", obj.URI).
		Int("rows", result.Rows).
		Int("rejected", len(result.Rejected)).
		Int64("first_seq", result.FirstSeq).
		Int64("last_seq", result.LastSeq).
		Msg("File landed")

	return result, nil
}

// LandPrefix lands every object under prefixURI in URI order. It stops at
// the first file that fails to land; files landed before it stay landed.
func (l *Loader) LandPrefix(ctx context.Context, prefixURI string) (Report, error) {
	var report Report

	objects, err := l.source.List(ctx, prefixURI)
	if err != nil {
		return report, fmt.Errorf("LandPrefix: listing %s: %w", prefixURI, err)
	}

	for _, obj := range objects {
		report.FilesSeen++
		res, err := l.LandObject(ctx, obj)
		if err != nil {
			return report, fmt.Errorf("LandPrefix: %w", err)
		}
		report.Files = append(report.Files, res)
		if res.Skipped {
			report.FilesSkipped++
			continue
		}
		report.FilesLanded++
		report.RowsLanded += res.Rows
		report.RowsRejected += len(res.Rejected)
	}

	return report, nil
}
