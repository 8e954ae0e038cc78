package infra

import (
	"context"
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-pipeline/internal/config"
	"github.com/dvloznov/finance-pipeline/internal/infra/memory"
)

func TestOpenWarehouse_Memory(t *testing.T) {
	wh, err := OpenWarehouse(context.Background(), config.WarehouseConfig{Driver: config.DriverMemory})
	require.NoError(t, err)
	defer wh.Close()

	_, ok := wh.(*memory.Store)
	assert.True(t, ok)
}

func TestOpenWarehouse_UnknownDriver(t *testing.T) {
	_, err := OpenWarehouse(context.Background(), config.WarehouseConfig{Driver: "snowflake"})
	assert.ErrorContains(t, err, `unknown driver "snowflake"`)
}

func TestOpenSources_File(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/in/batch-1.csv", []byte("a,b\n"), 0o644))

	sources, err := openSources(context.Background(), "/data/in", config.S3Config{}, fs)
	require.NoError(t, err)
	defer sources.Close()

	objects, err := sources.List(context.Background(), "/data/in")
	require.NoError(t, err)
	require.Len(t, objects, 1)

	rc, err := sources.Open(context.Background(), objects[0].URI)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n", string(body))

	// No client is opened for schemes the configured URI does not use.
	_, err = sources.List(context.Background(), "s3://bucket/in")
	assert.ErrorContains(t, err, `no object source registered for scheme "s3"`)
}

func TestOpenSources_InvalidURI(t *testing.T) {
	_, err := openSources(context.Background(), "gs:///no-bucket", config.S3Config{}, afero.NewMemMapFs())
	assert.Error(t, err)
}
