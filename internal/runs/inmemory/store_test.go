package inmemory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-pipeline/internal/domain"
	"github.com/dvloznov/finance-pipeline/internal/runs"
)

func TestStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	run := runs.NewRun("transactions", 10)
	require.NoError(t, store.StartRun(ctx, run))

	got, err := store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, got.Status)
	assert.Nil(t, got.FinishedAt)

	run.CursorTo = 25
	run.Counts = domain.RowCounts{Raw: 15, Facts: 14, Filtered: 1}
	require.NoError(t, store.MarkRunSucceeded(ctx, run))

	got, err = store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, got.Status)
	assert.Equal(t, int64(10), got.CursorFrom)
	assert.Equal(t, int64(25), got.CursorTo)
	assert.Equal(t, 14, got.Counts.Facts)
	assert.NotNil(t, got.FinishedAt)
}

func TestStore_MarkRunFailed(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	run := runs.NewRun("transactions", 0)
	require.NoError(t, store.StartRun(ctx, run))

	store.MarkRunFailed(ctx, run, errors.New(strings.Repeat("x", 5000)))

	got, err := store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, got.Status)
	assert.Len(t, got.Error, 2000)
	assert.Equal(t, int64(0), got.CursorTo)
}

func TestStore_Errors(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	assert.Error(t, store.StartRun(ctx, domain.Run{}))

	_, err := store.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, runs.ErrRunNotFound)

	err = store.MarkRunSucceeded(ctx, domain.Run{RunID: "missing"})
	assert.ErrorIs(t, err, runs.ErrRunNotFound)

	run := runs.NewRun("transactions", 0)
	require.NoError(t, store.StartRun(ctx, run))
	assert.Error(t, store.StartRun(ctx, run))
}

func TestStore_ListRuns(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, name := range []string{"transactions", "transactions", "other", "transactions"} {
		run := runs.NewRun(name, 0)
		run.StartedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, store.StartRun(ctx, run))
		if i == 1 {
			store.MarkRunFailed(ctx, run, errors.New("boom"))
		}
	}

	all, err := store.ListRuns(ctx, runs.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.True(t, all[0].StartedAt.After(all[1].StartedAt))

	tx, err := store.ListRuns(ctx, runs.Filter{Pipeline: "transactions"})
	require.NoError(t, err)
	assert.Len(t, tx, 3)

	failed, err := store.ListRuns(ctx, runs.Filter{Status: domain.RunStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "boom", failed[0].Error)

	page, err := store.ListRuns(ctx, runs.Filter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, all[1].RunID, page[0].RunID)

	empty, err := store.ListRuns(ctx, runs.Filter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)
}
