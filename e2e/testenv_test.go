// Package e2e exercises the full mirror pipeline end to end: a real
// graph.Client speaking HTTP to an in-memory drive, a real SQLite
// catalog, and the mirror engine between them. Only the drive itself
// is a fake; every byte on the wire is the production protocol, so
// these tests need no credentials and run with the rest of the suite.
package e2e

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PieroV/mirror-to-onedrive/internal/catalog"
	"github.com/PieroV/mirror-to-onedrive/internal/config"
	"github.com/PieroV/mirror-to-onedrive/internal/graph"
	"github.com/PieroV/mirror-to-onedrive/internal/mirror"
	"github.com/PieroV/mirror-to-onedrive/testutil"
)

// staticToken satisfies graph.TokenSource with a fixed bearer token.
type staticToken string

func (s staticToken) Token() (string, error) { return string(s), nil }

// env is one hermetic mirror setup: a fake drive, an open catalog, and
// an engine mirroring localDir to the remote folder named by root.
type env struct {
	t        *testing.T
	fake     *testutil.FakeDrive
	store    *catalog.Store
	engine   *mirror.Engine
	localDir string
	root     string
}

// newEnv builds the pipeline for one mapping. The remote root folder
// is created on the fake drive up front, as the real service requires.
func newEnv(t *testing.T, remoteRoot string) *env {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	fake := testutil.NewFakeDrive()
	t.Cleanup(fake.Close)
	fake.AddFolder(remoteRoot)

	store, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	client := graph.NewClient(fake.URL(), nil, staticToken("e2e-token"), logger)

	// Same liveness probe the service runs before starting a cycle.
	drives, err := client.Drives(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, drives)

	localDir := t.TempDir()
	engine := mirror.NewEngine(client, store,
		[]config.Mapping{{Remote: remoteRoot, Local: localDir}}, logger)

	return &env{
		t:        t,
		fake:     fake,
		store:    store,
		engine:   engine,
		localDir: localDir,
		root:     remoteRoot,
	}
}

// writeLocal creates a file under the mirror's local directory,
// creating parent directories as needed, and returns its full path.
func (e *env) writeLocal(relPath string, content []byte) string {
	e.t.Helper()

	full := filepath.Join(e.localDir, filepath.FromSlash(relPath))
	require.NoError(e.t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(e.t, os.WriteFile(full, content, 0o644))

	return full
}

func (e *env) refresh() {
	e.t.Helper()
	require.NoError(e.t, e.engine.Refresh(context.Background()))
}

// mirror runs one mirror pass and checkpoints the catalog, the same
// sequence a service cycle performs.
func (e *env) mirror(checkHash bool) {
	e.t.Helper()
	require.NoError(e.t, e.engine.Mirror(context.Background(), checkHash))
	require.NoError(e.t, e.engine.Commit())
}

// mutations runs fn and returns how many drive mutations it caused.
func (e *env) mutations(fn func()) int {
	before := e.fake.Counts().Mutations()
	fn()

	return e.fake.Counts().Mutations() - before
}

// catalogRows counts every catalog row reachable from the sync roots,
// the roots included.
func (e *env) catalogRows() int {
	e.t.Helper()

	ctx := context.Background()

	queue, err := e.store.Children(ctx, "")
	require.NoError(e.t, err)

	count := 0

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		count++

		if !item.IsFolder {
			continue
		}

		children, err := e.store.Children(ctx, item.RemoteID)
		require.NoError(e.t, err)

		queue = append(queue, children...)
	}

	return count
}
