package e2e

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PieroV/mirror-to-onedrive/internal/graph"
	"github.com/PieroV/mirror-to-onedrive/testutil"
)

func TestRemoteDeletion_SweptOnRefresh(t *testing.T) {
	e := newEnv(t, "Docs")

	e.writeLocal("a.txt", []byte("content a"))
	e.refresh()
	e.mirror(false)
	require.Equal(t, 2, e.catalogRows())

	// Another device deletes the file remotely.
	require.True(t, e.fake.Remove("Docs/a.txt"))

	e.refresh()
	assert.Equal(t, 1, e.catalogRows(), "the swept row is gone, the root survives")

	// The next mirror restores the drive from the local tree.
	assert.Equal(t, 1, e.mutations(func() { e.mirror(false) }))

	got, ok := e.fake.Stat("Docs/a.txt")
	require.True(t, ok)
	assert.Equal(t, []byte("content a"), got.Content)
}

func TestRefresh_FollowsPagination(t *testing.T) {
	e := newEnv(t, "Docs")
	e.fake.SetPageSize(1)

	for i := 0; i < 5; i++ {
		e.fake.AddFile(fmt.Sprintf("Docs/file-%d.txt", i), []byte{byte('a' + i)}, time.Now())
	}

	e.refresh()
	assert.Equal(t, 6, e.catalogRows(), "all five files plus the root, across five pages")
}

func TestRefresh_ThrottledListingRetries(t *testing.T) {
	e := newEnv(t, "Docs")
	e.fake.AddFile("Docs/a.txt", []byte("aa"), time.Now())

	e.fake.ThrottleNext(testutil.OpListChildren, 1, 1)

	start := time.Now()
	e.refresh()

	assert.GreaterOrEqual(t, time.Since(start), time.Second,
		"the refresh must wait out Retry-After before relisting")
	assert.Equal(t, 2, e.catalogRows())
}

func TestRefresh_MissingRemoteRootFails(t *testing.T) {
	e := newEnv(t, "Docs")
	require.True(t, e.fake.Remove("Docs"))

	err := e.engine.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrNotFound)
}

// A refresh rebuilds rows from listings, which know nothing about local
// paths. The next mirror must re-pair every file by name without
// uploading anything.
func TestRefreshThenMirror_RepairsPairings(t *testing.T) {
	e := newEnv(t, "Docs")

	e.writeLocal("a.txt", []byte("aaa"))
	e.writeLocal("sub/b.txt", []byte("bbb"))
	e.refresh()
	e.mirror(false)

	e.refresh()

	assert.Equal(t, 0, e.mutations(func() { e.mirror(false) }),
		"re-pairing is catalog work, not drive work")
	assert.Equal(t, 4, e.catalogRows())
}
