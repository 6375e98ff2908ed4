//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "sonaris/pkg/logx"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sonaris.sqlite")
	st, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.SaveJobs(ctx, map[string]JobRecord{
		"a": {ID: "a", Task: "toggle_output", ScheduleTime: at, Kwargs: map[string]any{"channel": 2}, Status: "Scheduled"},
	}))
	require.NoError(t, st.SaveArchive(ctx, map[string]ArchiveRecord{
		"b": {Task: "press_auto", Result: false, ErrorDetail: "boom", FinishedAt: at},
	}))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	jobs, err := st.LoadJobs(ctx)
	require.NoError(t, err)
	require.Contains(t, jobs, "a")
	assert.Equal(t, json.Number("2"), jobs["a"].Kwargs["channel"])
	assert.True(t, jobs["a"].ScheduleTime.Equal(at))

	arch, err := st.LoadArchive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "boom", arch["b"].ErrorDetail)

	// replace semantics
	require.NoError(t, st.SaveJobs(ctx, map[string]JobRecord{}))
	jobs, err = st.LoadJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
