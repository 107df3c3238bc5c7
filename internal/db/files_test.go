package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/releasehealth/internal/health"
)

func TestIngestFileRecordsState(t *testing.T) {
	d := testDB(t)

	_, ok, err := d.GetFileState("/data/a.jsonl")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.IngestFile("/data/a.jsonl",
		FileState{Offset: 120, Mtime: 1},
		[]SessionEvent{newEvent("s1", "foo@1.0.0", health.StatusOK)}))
	require.NoError(t, d.IngestFile("/data/a.jsonl",
		FileState{Offset: 240, Lines: 2, Mtime: 2},
		[]SessionEvent{newEvent("s2", "foo@1.0.0", health.StatusOK)}))

	got, ok, err := d.GetFileState("/data/a.jsonl")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, FileState{Offset: 240, Lines: 2, Mtime: 2}, got)

	stats, err := d.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.EventCount)

	require.NoError(t, d.ForgetFiles())
	_, ok, err = d.GetFileState("/data/a.jsonl")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIngestFileFailsOnClosedDB(t *testing.T) {
	d := testDB(t)
	require.NoError(t, d.Close())

	err := d.IngestFile("/data/a.jsonl", FileState{Offset: 1},
		[]SessionEvent{newEvent("s1", "foo@1.0.0", health.StatusOK)})
	assert.Error(t, err)
}
