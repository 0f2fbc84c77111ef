package catalog

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PieroV/mirror-to-onedrive/internal/drive"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "items.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func fileItem(id, name, parentID string) *drive.Item {
	return &drive.Item{
		RemoteID:    id,
		Name:        name,
		Existing:    true,
		Size:        42,
		MTime:       time.Unix(1_700_000_000, 0),
		ContentHash: "aGFzaA==",
		ParentID:    parentID,
	}
}

func TestOpen_MissingDirectory(t *testing.T) {
	_, err := Open("/nonexistent/dir/items.db", testLogger())
	require.Error(t, err)
}

func TestUpsertAndRoot(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	root := &drive.Item{
		RemoteID:  "root-1",
		Name:      "Docs",
		LocalPath: "/home/user/docs",
		Existing:  true,
		IsFolder:  true,
	}
	require.NoError(t, s.Upsert(ctx, root))

	got, err := s.Root(ctx, "Docs")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "root-1", got.RemoteID)
	assert.Equal(t, "/home/user/docs", got.LocalPath)
	assert.True(t, got.IsFolder)
	assert.Empty(t, got.ParentID)

	missing, err := s.Root(ctx, "Pictures")
	require.NoError(t, err)
	assert.Nil(t, missing, "an unknown root is an answer, not an error")
}

func TestUpsert_RequiresRemoteID(t *testing.T) {
	s := openTestStore(t)

	err := s.Upsert(context.Background(), &drive.Item{Name: "nameless"})
	require.Error(t, err)
}

func TestUpsert_ReplacesByRemoteID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	item := fileItem("a1", "a.txt", "")
	require.NoError(t, s.Upsert(ctx, item))

	item.Size = 99
	item.Name = "renamed.txt"
	require.NoError(t, s.Upsert(ctx, item))

	roots, err := s.Children(ctx, "")
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, int64(99), roots[0].Size)
	assert.Equal(t, "renamed.txt", roots[0].Name)
}

func TestUpsert_NormalizesFolderRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	folder := &drive.Item{
		RemoteID:    "f1",
		Name:        "Sub",
		Existing:    true,
		IsFolder:    true,
		Size:        123,
		MTime:       time.Unix(1_700_000_000, 0),
		ContentHash: "bogus",
	}
	require.NoError(t, s.Upsert(ctx, folder))

	roots, err := s.Children(ctx, "")
	require.NoError(t, err)
	require.Len(t, roots, 1)

	assert.Zero(t, roots[0].Size)
	assert.True(t, roots[0].MTime.IsZero())
	assert.Empty(t, roots[0].ContentHash)

	// The caller's value stays intact.
	assert.Equal(t, int64(123), folder.Size)
	assert.Equal(t, "bogus", folder.ContentHash)
}

func TestUpsert_DuplicateLocalPathRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := fileItem("a1", "a.txt", "p1")
	first.LocalPath = "/data/a.txt"
	require.NoError(t, s.Upsert(ctx, first))

	second := fileItem("a2", "other.txt", "p1")
	second.LocalPath = "/data/a.txt"

	err := s.Upsert(ctx, second)
	require.Error(t, err, "two rows must never claim the same local file")

	// Unpaired rows are exempt from the uniqueness rule.
	third := fileItem("a3", "third.txt", "p1")
	require.NoError(t, s.Upsert(ctx, third))
}

func TestChildren(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, &drive.Item{RemoteID: "p1", Name: "Docs", Existing: true, IsFolder: true}))
	require.NoError(t, s.Upsert(ctx, fileItem("a1", "a.txt", "p1")))
	require.NoError(t, s.Upsert(ctx, &drive.Item{RemoteID: "d1", Name: "Sub", Existing: true, IsFolder: true, ParentID: "p1"}))

	children, err := s.Children(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, children, 2)

	roots, err := s.Children(ctx, "")
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, "p1", roots[0].RemoteID)

	folders, err := s.Children(ctx, "p1", func(it drive.Item) bool { return it.IsFolder })
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "d1", folders[0].RemoteID)

	empty, err := s.Children(ctx, "no-such-parent")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, fileItem("a1", "a.txt", "p1")))
	require.NoError(t, s.Upsert(ctx, fileItem("a2", "b.txt", "p1")))

	require.NoError(t, s.Delete(ctx), "no ids is a no-op")
	require.NoError(t, s.Delete(ctx, "a1", "never-existed"))

	children, err := s.Children(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "a2", children[0].RemoteID)
}

func TestMarkAndSweep(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, fileItem("a1", "a.txt", "p1")))
	require.NoError(t, s.Upsert(ctx, fileItem("a2", "b.txt", "p1")))
	require.NoError(t, s.Upsert(ctx, fileItem("a3", "c.txt", "p1")))

	require.NoError(t, s.MarkAllNotExisting(ctx))

	// A refresh re-observing an item upserts it with Existing true.
	require.NoError(t, s.Upsert(ctx, fileItem("a2", "b.txt", "p1")))

	require.NoError(t, s.SweepNotExisting(ctx))

	children, err := s.Children(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "a2", children[0].RemoteID)
	assert.True(t, children[0].Existing)
}

func TestSessionReadsUncommittedWrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, fileItem("a1", "a.txt", "p1")))

	children, err := s.Children(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, children, 1, "the session must see its own writes before commit")
}

func TestCloseDiscardsUncommittedWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.db")
	ctx := context.Background()

	s, err := Open(path, testLogger())
	require.NoError(t, err)

	require.NoError(t, s.Upsert(ctx, fileItem("a1", "a.txt", "")))
	require.NoError(t, s.Close())

	s, err = Open(path, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	roots, err := s.Children(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, roots, "a crash rewinds the catalog to the last commit")
}

func TestCommitSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.db")
	ctx := context.Background()

	s, err := Open(path, testLogger())
	require.NoError(t, err)

	require.NoError(t, s.Upsert(ctx, fileItem("a1", "a.txt", "")))
	require.NoError(t, s.Commit())

	// Writes after the commit stay usable.
	require.NoError(t, s.Upsert(ctx, fileItem("a2", "b.txt", "")))
	require.NoError(t, s.Close())

	s, err = Open(path, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	roots, err := s.Children(ctx, "")
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, "a1", roots[0].RemoteID)
}

func TestCompactPreservesData(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, fileItem("a1", "a.txt", "")))
	require.NoError(t, s.Compact(ctx))

	// Compaction committed the session; the next session reads and writes.
	roots, err := s.Children(ctx, "")
	require.NoError(t, err)
	assert.Len(t, roots, 1)

	require.NoError(t, s.Upsert(ctx, fileItem("a2", "b.txt", "")))
	require.NoError(t, s.Commit())
}

func TestMTimeRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mtime := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	item := fileItem("a1", "a.txt", "p1")
	item.MTime = mtime
	require.NoError(t, s.Upsert(ctx, item))

	zero := fileItem("a2", "b.txt", "p1")
	zero.MTime = time.Time{}
	require.NoError(t, s.Upsert(ctx, zero))

	children, err := s.Children(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, children, 2)

	byID := map[string]drive.Item{}
	for _, c := range children {
		byID[c.RemoteID] = c
	}

	assert.True(t, byID["a1"].MTime.Equal(mtime), "mtime stores unix seconds")
	assert.True(t, byID["a2"].MTime.IsZero(), "the zero time round-trips as zero")
}
