package ledger

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T, path, version string, logger zerolog.Logger) *Ledger {
	t.Helper()
	l, err := Open(path, version, logger)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndRecent(t *testing.T) {
	l := openTest(t, filepath.Join(t.TempDir(), "db", "runs.db"), "v1.2.0", zerolog.Nop())
	ctx := context.Background()

	end := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	first := &Run{Status: StatusSuccess, Fetched: 10, Enriched: 10, Stored: 10, WindowEnd: end, Years: JoinYears([]string{"2023", "2024"})}
	require.NoError(t, l.Record(ctx, first))
	assert.NotEmpty(t, first.RunID)
	assert.Equal(t, "v1.2.0", first.ToolVersion)

	require.NoError(t, l.Record(ctx, &Run{RunID: "fixed", Status: StatusNoData}))

	runs, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "fixed", runs[0].RunID)
	assert.Equal(t, StatusNoData, runs[0].Status)
	assert.Equal(t, "2023,2024", runs[1].Years)
	assert.True(t, runs[1].WindowEnd.Equal(end))

	runs, err = l.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestDuplicateRunID(t *testing.T) {
	l := openTest(t, filepath.Join(t.TempDir(), "runs.db"), "v1.0.0", zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, &Run{RunID: "same"}))
	assert.Error(t, l.Record(ctx, &Run{RunID: "same"}))
}

func TestOpenWarnsOnNewerLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")

	newer, err := Open(path, "v2.0.0", zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, newer.Record(context.Background(), &Run{Status: StatusSuccess}))
	require.NoError(t, newer.Close())

	var buf bytes.Buffer
	openTest(t, path, "1.4.0", zerolog.New(&buf))
	assert.Contains(t, buf.String(), "newer release")
}

func TestVersionHelpers(t *testing.T) {
	assert.Equal(t, "v1.2.3", Canonical("1.2.3"))
	assert.Equal(t, "v1.2.0", Canonical("v1.2"))
	assert.Equal(t, "", Canonical("dev"))

	assert.True(t, NewerThan("v2.0.0", "1.9.9"))
	assert.False(t, NewerThan("v1.0.0", "v1.0.0"))
	assert.False(t, NewerThan("dev", "v1.0.0"))
	assert.False(t, NewerThan("v9.0.0", "dev"))
}
