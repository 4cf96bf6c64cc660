package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d-sense/event-playback/pkg/models"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), DefaultFileName))
	require.NoError(t, err)
	return store
}

func writeCheckpointFile(t *testing.T, store *FileStore, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(store.Path(), []byte(content), 0o644))
}

func TestFileStoreLoadOneEntry(t *testing.T) {
	store := newTestFileStore(t)
	writeCheckpointFile(t, store, `{
		"version": 1,
		"checkpoints": [
			{"identity": "serverA", "timestamp": 1415906575128, "events": []}
		]
	}`)

	slices, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, slices, 1)
	assert.Equal(t, int64(1415906575128), slices["serverA"].Timestamp)
	assert.Empty(t, slices["serverA"].Events)
}

func TestFileStoreLoadMissingFile(t *testing.T) {
	store := newTestFileStore(t)

	slices, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, slices)
	assert.Empty(t, slices)
}

type malformedFileTestCase struct {
	name        string
	content     string
	description string
}

func TestFileStoreLoadMalformed(t *testing.T) {
	tests := []malformedFileTestCase{
		{
			name:        "Truncated JSON",
			content:     `{"version": 1, "checkpoints": [{"identity": "serverA", "timest`,
			description: "Should fail on a partially written document",
		},
		{
			name:        "Legacy Map Layout",
			content:     `{"serverA": {"timestamp": 1415906575128, "events": []}}`,
			description: "Should reject documents keyed by server name",
		},
		{
			name:        "Missing Timestamp",
			content:     `{"version": 1, "checkpoints": [{"identity": "serverA", "events": []}]}`,
			description: "Should reject records without a timestamp",
		},
		{
			name:        "Wrong Version",
			content:     `{"version": 2, "checkpoints": []}`,
			description: "Should reject unknown document versions",
		},
		{
			name: "Duplicate Identity",
			content: `{"version": 1, "checkpoints": [
				{"identity": "serverA", "timestamp": 1000, "events": []},
				{"identity": "serverA", "timestamp": 2000, "events": []}
			]}`,
			description: "Should reject two checkpoints for one identity",
		},
		{
			name:        "Empty File",
			content:     ``,
			description: "Should fail on an empty document",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestFileStore(t)
			writeCheckpointFile(t, store, tt.content)

			slices, err := store.Load(context.Background())
			assert.Error(t, err, tt.description)
			assert.Nil(t, slices)
			assert.True(t, errors.Is(err, ErrPersistence), tt.description)

			var persistenceErr *PersistenceError
			require.True(t, errors.As(err, &persistenceErr))
			assert.Equal(t, "load", persistenceErr.Op)
			assert.Equal(t, store.Path(), persistenceErr.Location)
		})
	}
}

func TestFileStoreSaveAndLoad(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	expected := map[string]EventTimeSlice{
		"serverA": *NewEventTimeSlice(1415906575000, key("I1", "1"), key("I2", "3")),
		"serverB": *NewEventTimeSlice(1415906576000),
	}
	require.NoError(t, store.Save(ctx, expected))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, expected["serverA"], loaded["serverA"])
	assert.Equal(t, expected["serverB"].Timestamp, loaded["serverB"].Timestamp)
	assert.Empty(t, loaded["serverB"].Events)
}

func TestFileStoreSaveWritesRecordList(t *testing.T) {
	store := newTestFileStore(t)
	require.NoError(t, store.Save(context.Background(), map[string]EventTimeSlice{
		"zeta":  *NewEventTimeSlice(2000),
		"alpha": *NewEventTimeSlice(1000, key("I1", "1")),
	}))

	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)

	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, 1, doc.Version)
	require.Len(t, doc.Checkpoints, 2)
	assert.Equal(t, "alpha", doc.Checkpoints[0].Identity)
	assert.Equal(t, "zeta", doc.Checkpoints[1].Identity)
	assert.Equal(t, []models.EventKey{key("I1", "1")}, doc.Checkpoints[0].Events)
	assert.NotNil(t, doc.Checkpoints[1].Events)
}

func TestFileStoreSaveLeavesNoTempFiles(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Save(ctx, map[string]EventTimeSlice{
			"serverA": *NewEventTimeSlice(int64(1000 * (i + 1))),
		}))
	}

	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), ".tmp-")
	}
}

func TestFileStoreSaveCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state", DefaultFileName)
	store, err := NewFileStore(path)
	require.NoError(t, err)

	require.NoError(t, store.Save(context.Background(), map[string]EventTimeSlice{}))
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestFileStoreSaveFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	store, err := NewFileStore(filepath.Join(blocker, DefaultFileName))
	require.NoError(t, err)

	err = store.Save(context.Background(), map[string]EventTimeSlice{"serverA": *NewEventTimeSlice(1000)})
	assert.True(t, errors.Is(err, ErrPersistence))
	assert.Error(t, store.HealthCheck(context.Background()))
}

func TestNewFileStoreRequiresPath(t *testing.T) {
	_, err := NewFileStore("  ")
	assert.Error(t, err)
}
