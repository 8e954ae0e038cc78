package landing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-pipeline/internal/infra/memory"
	"github.com/dvloznov/finance-pipeline/internal/landing"
	"github.com/dvloznov/finance-pipeline/internal/objectstore"
	"github.com/dvloznov/finance-pipeline/internal/warehouse"
)

const csvHeader = "transaction_date,account_id,amount,transaction_type,description,category,merchant,location,currency,status,channel,remarks\n"

func writeFile(t *testing.T, fs afero.Fs, path, body string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, []byte(body), 0o644))
}

func TestLoader_LandPrefix(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/landing/2024-01-05.csv", csvHeader+
		"2024-01-05,A1,10.00,purchase,,,Amazon,Seattle,USD,completed,online,\n"+
		"2024-01-05,A2,5.00,purchase,,,Tesco,London,GBP,completed,store,\n")
	writeFile(t, fs, "/landing/2024-01-06.csv", csvHeader+
		"2024-01-06,A1,3.50\n"+
		"2024-01-06,A1,7.25,purchase,,,Uber,NYC,USD,completed,app,\n")

	store := memory.New()
	loader := landing.NewLoader(objectstore.NewLocalSource(fs), store, landing.DefaultFileFormat)

	report, err := loader.LandPrefix(ctx, "/landing")
	require.NoError(t, err)
	assert.Equal(t, 2, report.FilesSeen)
	assert.Equal(t, 2, report.FilesLanded)
	assert.Equal(t, 0, report.FilesSkipped)
	assert.Equal(t, 3, report.RowsLanded)
	assert.Equal(t, 1, report.RowsRejected)

	recs, err := store.Scan(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{recs[0].SeqID, recs[1].SeqID, recs[2].SeqID})
	assert.Equal(t, "/landing/2024-01-05.csv", recs[0].SourceFile)
	assert.Equal(t, "Uber", recs[2].Fields[6])
}

func TestLoader_SkipsAlreadyLandedFiles(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	body := csvHeader + "2024-01-05,A1,10.00,purchase,,,Amazon,Seattle,USD,completed,online,\n"
	writeFile(t, fs, "/landing/a.csv", body)

	store := memory.New()
	loader := landing.NewLoader(objectstore.NewLocalSource(fs), store, landing.DefaultFileFormat)

	_, err := loader.LandPrefix(ctx, "/landing")
	require.NoError(t, err)

	// A re-delivered copy under another name has the same checksum.
	writeFile(t, fs, "/landing/a-copy.csv", body)
	report, err := loader.LandPrefix(ctx, "/landing")
	require.NoError(t, err)
	assert.Equal(t, 2, report.FilesSeen)
	assert.Equal(t, 0, report.FilesLanded)
	assert.Equal(t, 2, report.FilesSkipped)

	recs, err := store.Scan(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestLoader_LandObjectRecordsHistory(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/landing/a.csv", csvHeader+"2024-01-05,A1,10.00,purchase,,,Amazon,Seattle,USD,completed,online,\n")

	store := memory.New()
	loader := landing.NewLoader(objectstore.NewLocalSource(fs), store, landing.DefaultFileFormat)

	res, err := loader.LandObject(ctx, objectstore.Object{URI: "/landing/a.csv"})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Len(t, res.Checksum, 64)

	landed, err := store.FindLandedFile(ctx, res.Checksum)
	require.NoError(t, err)
	require.NotNil(t, landed)
	assert.Equal(t, "/landing/a.csv", landed.URI)
	assert.Equal(t, 1, landed.Rows)
	assert.Equal(t, int64(1), landed.FirstSeq)
	assert.Equal(t, int64(1), landed.LastSeq)
}

func TestLoader_HeaderOnlyFileLandsNothing(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/landing/empty.csv", csvHeader)

	store := memory.New()
	loader := landing.NewLoader(objectstore.NewLocalSource(fs), store, landing.DefaultFileFormat)

	report, err := loader.LandPrefix(ctx, "/landing")
	require.NoError(t, err)
	assert.Equal(t, 1, report.FilesLanded)
	assert.Equal(t, 0, report.RowsLanded)
}

type failingStore struct {
	*memory.Store
}

func (failingStore) Append(ctx context.Context, sourceFile string, rows [][]string) ([]int64, error) {
	return nil, errors.New("warehouse unavailable")
}

func TestLoader_AppendFailureDoesNotRecordHistory(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/landing/a.csv", csvHeader+"2024-01-05,A1,10.00,purchase,,,Amazon,Seattle,USD,completed,online,\n")

	store := failingStore{Store: memory.New()}
	loader := landing.NewLoader(objectstore.NewLocalSource(fs), store, landing.DefaultFileFormat)

	res, err := loader.LandObject(ctx, objectstore.Object{URI: "/landing/a.csv"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warehouse unavailable")

	landed, err := store.FindLandedFile(ctx, res.Checksum)
	require.NoError(t, err)
	assert.Nil(t, landed)
}

var _ landing.Store = (warehouse.Warehouse)(nil)
