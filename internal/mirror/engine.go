package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/PieroV/mirror-to-onedrive/internal/catalog"
	"github.com/PieroV/mirror-to-onedrive/internal/config"
	"github.com/PieroV/mirror-to-onedrive/internal/drive"
)

// defaultCheckpointEvery bounds the remote mutations a crash can lose
// track of. Replaying them is safe, just wasteful.
const defaultCheckpointEvery = 1000

// Client is the remote drive surface the mirror needs.
type Client interface {
	ListChildren(ctx context.Context, itemID string) ([]drive.Item, error)
	GetByPath(ctx context.Context, remotePath string) (*drive.Item, error)
	CreateFolder(ctx context.Context, parentID, name string) (*drive.Item, error)
	Delete(ctx context.Context, itemID string) error
	Upload(ctx context.Context, localPath, target, parentID string, targetIsID bool) (*drive.Item, error)
}

// Engine drives the one-way mirror: Refresh rebuilds the catalog from
// the remote tree, Mirror walks the local tree depth-first and pushes
// differences to the drive.
type Engine struct {
	client   Client
	store    *catalog.Store
	mappings []config.Mapping
	logger   *slog.Logger

	checkpointEvery int
	sleep           func(ctx context.Context, d time.Duration) error
}

// NewEngine wires an engine over an open catalog and a drive client.
// The caller keeps ownership of the store.
func NewEngine(client Client, store *catalog.Store, mappings []config.Mapping, logger *slog.Logger) *Engine {
	return &Engine{
		client:          client,
		store:           store,
		mappings:        mappings,
		logger:          logger,
		checkpointEvery: defaultCheckpointEvery,
		sleep:           sleepContext,
	}
}

// Mirror walks every mapping depth-first and pushes local state to the
// drive. With checkHash, files whose size and mtime look unchanged have
// their content digest verified too.
//
// A node that fails is logged and abandoned along with its subtree; the
// walk carries on with its siblings. The catalog is checkpointed after
// every checkpointEvery remote mutations so a crash replays little.
func (e *Engine) Mirror(ctx context.Context, checkHash bool) error {
	queries := 0

	for _, m := range e.mappings {
		root, err := e.store.Root(ctx, m.Remote)
		if err != nil {
			return err
		}

		if root == nil {
			return fmt.Errorf("mirror: no catalog root for %q, refresh the catalog first", m.Remote)
		}

		e.logger.Info("mirroring",
			slog.String("local", m.Local),
			slog.String("remote", m.Remote),
		)

		stack := []*node{{
			path:       m.Local,
			item:       root,
			engine:     e,
			remotePath: m.Remote,
		}}

		for len(stack) > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}

			n := stack[0]
			stack = stack[1:]

			if err := n.act(ctx, checkHash); err != nil {
				if ctx.Err() != nil {
					return err
				}

				e.logger.Error("abandoning subtree for this cycle",
					slog.String("path", n.path),
					slog.String("error", err.Error()),
				)

				continue
			}

			children, err := n.children(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return err
				}

				e.logger.Error("could not reconcile directory",
					slog.String("path", n.path),
					slog.String("error", err.Error()),
				)

				continue
			}

			// Depth-first: children go in front of the node's siblings.
			stack = append(children, stack...)

			queries += n.queries
			if queries > e.checkpointEvery {
				if err := e.store.Commit(); err != nil {
					return err
				}

				e.logger.Debug("checkpointed catalog", slog.Int("queries", queries))
				queries = 0
			}
		}
	}

	return nil
}

// Commit checkpoints the catalog session.
func (e *Engine) Commit() error { return e.store.Commit() }

// Compact reclaims free space in the catalog.
func (e *Engine) Compact(ctx context.Context) error { return e.store.Compact(ctx) }

// Close releases the catalog. Uncommitted work is rolled back.
func (e *Engine) Close() error { return e.store.Close() }
