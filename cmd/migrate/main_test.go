package main

import (
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationFilenamePattern(t *testing.T) {
	tests := []struct {
		filename string
		valid    bool
		version  string
		name     string
	}{
		{"0001_init_pipeline.sql", true, "0001", "init_pipeline"},
		{"0002_star_schema.sql", true, "0002", "star_schema"},
		{"001_invalid.sql", false, "", ""},
		{"0001_test", false, "", ""},
		{"0001.sql", false, "", ""},
		{"invalid_0001_test.sql", false, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			matches := migrationPattern.FindStringSubmatch(tt.filename)
			if !tt.valid {
				assert.Nil(t, matches)
				return
			}
			require.Len(t, matches, 3)
			assert.Equal(t, tt.version, matches[1])
			assert.Equal(t, tt.name, matches[2])
		})
	}
}

func TestReadMigrations(t *testing.T) {
	fs := afero.NewMemMapFs()
	initSQL := []byte("CREATE TABLE `{{PROJECT_ID}}.{{DATASET_ID}}.raw_records` (seq_id INT64);")
	require.NoError(t, afero.WriteFile(fs, "migrations/0002_star_schema.sql", []byte("SELECT 2;"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "migrations/0001_init_pipeline.sql", initSQL, 0o644))
	require.NoError(t, afero.WriteFile(fs, "migrations/README.md", []byte("docs"), 0o644))
	require.NoError(t, fs.MkdirAll("migrations/0003_dir.sql", 0o755))

	migrations, err := readMigrations(fs, "migrations", "proj", "finance", zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, migrations, 2)

	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "init_pipeline", migrations[0].Name)
	assert.Equal(t, "CREATE TABLE `proj.finance.raw_records` (seq_id INT64);", migrations[0].SQL)
	assert.Equal(t, fmt.Sprintf("%x", sha256.Sum256(initSQL)), migrations[0].Checksum)
	assert.Equal(t, 2, migrations[1].Version)
}

func TestReadMigrations_ChecksumIgnoresPlaceholders(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "m/0001_init.sql", []byte("SELECT * FROM `{{PROJECT_ID}}.{{DATASET_ID}}.t`"), 0o644))

	a, err := readMigrations(fs, "m", "proj-a", "ds", zerolog.Nop())
	require.NoError(t, err)
	b, err := readMigrations(fs, "m", "proj-b", "ds", zerolog.Nop())
	require.NoError(t, err)

	assert.NotEqual(t, a[0].SQL, b[0].SQL)
	assert.Equal(t, a[0].Checksum, b[0].Checksum)
}

func TestReadMigrations_MissingDir(t *testing.T) {
	_, err := readMigrations(afero.NewMemMapFs(), "nope", "p", "d", zerolog.Nop())
	assert.Error(t, err)
}

func TestPending(t *testing.T) {
	migrations := []Migration{
		{Version: 1, Name: "init_pipeline", Checksum: "aaa"},
		{Version: 2, Name: "star_schema", Checksum: "bbb"},
		{Version: 3, Name: "indexes", Checksum: "ccc"},
	}
	applied := []AppliedMigration{
		{Version: 1, Checksum: "aaa"},
		{Version: 2, Checksum: "changed"},
	}

	todo := pending(migrations, applied, zerolog.Nop())
	require.Len(t, todo, 1)
	assert.Equal(t, 3, todo[0].Version)

	assert.Len(t, pending(migrations, nil, zerolog.Nop()), 3)
}
