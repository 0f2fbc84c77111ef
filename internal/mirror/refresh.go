package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/PieroV/mirror-to-onedrive/internal/graph"
)

// Refresh rebuilds the catalog from the remote tree, breadth-first from
// every sync root. Rows not seen during the walk are swept afterwards,
// so a finished refresh leaves the catalog matching the remote exactly.
//
// Throttled listings wait out the advertised delay and retry the same
// folder. Any other failure aborts the refresh; the session transaction
// rolls the catalog back to the last checkpoint, which is safe because
// marks and upserts are idempotent.
func (e *Engine) Refresh(ctx context.Context) error {
	e.logger.Info("refreshing catalog")

	if err := e.store.MarkAllNotExisting(ctx); err != nil {
		return err
	}

	var queue []string

	for _, m := range e.mappings {
		item, err := e.client.GetByPath(ctx, m.Remote)
		if err != nil {
			return fmt.Errorf("mirror: resolving sync root %q: %w", m.Remote, err)
		}

		// Roots are looked up by the configured remote path, which for
		// nested folders differs from the remote leaf name.
		item.Name = m.Remote
		item.LocalPath = m.Local
		item.ParentID = ""

		if err := e.store.Upsert(ctx, item); err != nil {
			return err
		}

		if item.IsFolder {
			queue = append(queue, item.RemoteID)
		}
	}

	if err := e.store.Commit(); err != nil {
		return err
	}

	upserts := 0

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		id := queue[0]

		children, err := e.client.ListChildren(ctx, id)
		if err != nil {
			if errors.Is(err, graph.ErrThrottled) {
				wait := graph.RetryAfter(err)

				e.logger.Warn("listing throttled",
					slog.String("item_id", id),
					slog.Duration("retry_after", wait),
				)

				if err := e.sleep(ctx, wait); err != nil {
					return err
				}

				// Retry the same folder; the partial page is discarded
				// and re-listing re-upserts the same rows.
				continue
			}

			return fmt.Errorf("mirror: listing children of %s: %w", id, err)
		}

		queue = queue[1:]

		for i := range children {
			child := &children[i]

			if err := e.store.Upsert(ctx, child); err != nil {
				// Drop the row and keep the refresh alive; the next
				// refresh re-creates it.
				e.logger.Error("could not store item",
					slog.String("item_id", child.RemoteID),
					slog.String("name", child.Name),
					slog.String("error", err.Error()),
				)

				continue
			}

			if child.IsFolder {
				queue = append(queue, child.RemoteID)
			}

			upserts++
			if upserts >= e.checkpointEvery {
				if err := e.store.Commit(); err != nil {
					return err
				}

				upserts = 0
			}
		}
	}

	if err := e.store.SweepNotExisting(ctx); err != nil {
		return err
	}

	if err := e.store.Commit(); err != nil {
		return err
	}

	return e.store.Compact(ctx)
}
