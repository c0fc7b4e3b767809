package snapshot

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEngine_CreateAndRollbackRestoresFileContent(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(target, []byte("original"), 0o644))

	snapRoot := t.TempDir()
	eng := NewEngine(testLogger(), snapRoot)

	id, err := eng.CreateSnapshot("rm config.yaml", dir, "", 0, []string{target}, nil)
	require.NoError(t, err)
	require.Len(t, id, 16)

	require.NoError(t, os.WriteFile(target, []byte("mutated"), 0o644))

	res, err := eng.RollbackSnapshot(id)
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, 1, res.Successes)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "original", string(data))
}

func TestEngine_RollbackRemovesFileThatDidNotExistBefore(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "newfile.txt")

	snapRoot := t.TempDir()
	eng := NewEngine(testLogger(), snapRoot)

	id, err := eng.CreateSnapshot("touch newfile.txt", dir, "", 0, []string{target}, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(target, []byte("created after snapshot"), 0o644))

	res, err := eng.RollbackSnapshot(id)
	require.NoError(t, err)
	require.True(t, res.OK)

	_, statErr := os.Stat(target)
	require.True(t, os.IsNotExist(statErr))
}

func TestEngine_DeleteRemovesBackupAndMetadata(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	snapRoot := t.TempDir()
	eng := NewEngine(testLogger(), snapRoot)

	id, err := eng.CreateSnapshot("del a.txt", dir, "", 0, []string{target}, nil)
	require.NoError(t, err)
	require.NoError(t, eng.Delete(id))

	_, ok := eng.Get(id)
	require.False(t, ok)

	_, statErr := os.Stat(eng.metaPath(id))
	require.True(t, os.IsNotExist(statErr))
}

func TestEngine_BatchRollbackAppliesInReverseOrder(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "counter.txt")
	require.NoError(t, os.WriteFile(target, []byte("0"), 0o644))

	snapRoot := t.TempDir()
	eng := NewEngine(testLogger(), snapRoot)

	id1, err := eng.CreateSnapshot("echo 1 > counter.txt", dir, "batch-1", 0, []string{target}, nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(target, []byte("1"), 0o644))

	id2, err := eng.CreateSnapshot("echo 2 > counter.txt", dir, "batch-1", 1, []string{target}, nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(target, []byte("2"), 0o644))

	result, err := eng.RollbackBatch("batch-1")
	require.NoError(t, err)
	require.True(t, result.OK)
	require.Len(t, result.Results, 2)
	require.Equal(t, id2, result.Results[0].SnapshotID)
	require.Equal(t, id1, result.Results[1].SnapshotID)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "0", string(data))
}

func TestEngine_RecoverRebuildsIndexFromDisk(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(target, []byte("v1"), 0o644))

	snapRoot := t.TempDir()
	eng := NewEngine(testLogger(), snapRoot)
	id, err := eng.CreateSnapshot("rm f.txt", dir, "", 0, []string{target}, nil)
	require.NoError(t, err)

	fresh := NewEngine(testLogger(), snapRoot)
	require.NoError(t, fresh.Recover())

	snap, ok := fresh.Get(id)
	require.True(t, ok)
	require.Equal(t, "rm f.txt", snap.Command)
}

func TestEngine_CollectExpiredDeletesOldSnapshots(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(target, []byte("v1"), 0o644))

	snapRoot := t.TempDir()
	eng := NewEngine(testLogger(), snapRoot)
	id, err := eng.CreateSnapshot("rm f.txt", dir, "", 0, []string{target}, nil)
	require.NoError(t, err)

	snap, _ := eng.Get(id)
	snap.CreatedAt = snap.CreatedAt.Add(-48 * time.Hour)

	eng.collectExpired(24 * time.Hour)

	_, ok := eng.Get(id)
	require.False(t, ok)
}

func TestDeriveMonitoredPaths_DeleteAddsParentDir(t *testing.T) {
	paths := deriveMonitoredPaths("rm -rf /var/log/app", "/home/op")
	require.Contains(t, paths, "/home/op")
	require.Contains(t, paths, "/var/log")
}

func TestDeriveMonitoredPaths_CdAddsTargetDir(t *testing.T) {
	paths := deriveMonitoredPaths("cd /srv/releases/v2", "/home/op")
	require.Contains(t, paths, "/srv/releases/v2")
}

func TestDeriveSnapshotID_Is16HexChars(t *testing.T) {
	id := deriveSnapshotID("2026-07-31T00:00:00Z", "rm foo", "batch-1")
	require.Len(t, id, 16)
	for _, c := range id {
		require.Contains(t, "0123456789abcdef", string(c))
	}
}
