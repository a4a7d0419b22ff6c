package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barrhawk/labcore/core"
)

func newTestStore(t *testing.T, retention int) (*SnapshotStore, string) {
	t.Helper()
	toolsDir := t.TempDir()
	store, err := NewSnapshotStore(t.TempDir(), toolsDir, retention, &core.NoOpLogger{})
	require.NoError(t, err)
	return store, toolsDir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestSnapshotCreateRestoreRoundTrip(t *testing.T) {
	store, toolsDir := newTestStore(t, 10)
	writeFile(t, toolsDir, "greet.lua", "-- greeting tool\n")
	writeFile(t, toolsDir, "fill.lua", "-- fill tool\n")

	snap, err := store.Create(SnapshotManual, "before-change")
	require.NoError(t, err)
	assert.Equal(t, 2, snap.ToolCount)
	assert.NotEmpty(t, snap.ID)

	// Mutate the tools dir, then restore.
	writeFile(t, toolsDir, "rogue.lua", "-- should disappear\n")
	require.NoError(t, os.Remove(filepath.Join(toolsDir, "greet.lua")))

	require.NoError(t, store.Restore(snap.ID))

	entries, err := os.ReadDir(toolsDir)
	require.NoError(t, err)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	assert.ElementsMatch(t, []string{"greet.lua", "fill.lua"}, names)

	content, err := os.ReadFile(filepath.Join(toolsDir, "greet.lua"))
	require.NoError(t, err)
	assert.Equal(t, "-- greeting tool\n", string(content))
}

func TestSnapshotListNewestFirst(t *testing.T) {
	store, toolsDir := newTestStore(t, 10)
	writeFile(t, toolsDir, "a.lua", "a")

	first, err := store.Create(SnapshotAuto, "")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	writeFile(t, toolsDir, "b.lua", "b")
	second, err := store.Create(SnapshotAuto, "")
	require.NoError(t, err)

	snaps, err := store.List()
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, second.ID, snaps[0].ID)
	assert.Equal(t, first.ID, snaps[1].ID)
}

func TestSnapshotRetention(t *testing.T) {
	store, toolsDir := newTestStore(t, 3)
	_, err := store.Create(SnapshotInitial, "")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		time.Sleep(5 * time.Millisecond)
		writeFile(t, toolsDir, "t.lua", time.Now().String())
		_, err := store.Create(SnapshotAuto, "")
		require.NoError(t, err)
	}

	snaps, err := store.List()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(snaps), 4, "ring of 3 plus the never-evicted initial")
	assert.True(t, store.HasInitial(), "initial snapshot survives retention")
}

func TestEnsureInitial(t *testing.T) {
	store, toolsDir := newTestStore(t, 10)
	writeFile(t, toolsDir, "a.lua", "a")

	snap, err := store.EnsureInitial()
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, SnapshotInitial, snap.Kind)

	// Second call is a no-op.
	snap, err = store.EnsureInitial()
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestSnapshotContentAddressedIDs(t *testing.T) {
	store, toolsDir := newTestStore(t, 10)
	writeFile(t, toolsDir, "a.lua", "same content")

	first, err := store.Create(SnapshotManual, "")
	require.NoError(t, err)
	second, err := store.Create(SnapshotManual, "")
	require.NoError(t, err)

	// Same content, same hash prefix; the timestamp suffix distinguishes.
	assert.Equal(t, first.ID[:12], second.ID[:12])
}

func TestRestoreUnknownSnapshot(t *testing.T) {
	store, _ := newTestStore(t, 10)
	assert.Error(t, store.Restore("no-such-snapshot"))
}
