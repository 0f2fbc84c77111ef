package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/PieroV/mirror-to-onedrive/internal/drive"
)

// mtimeTolerance absorbs filesystems that round modification times, FAT
// being the worst at two-second granularity.
const mtimeTolerance = 2 * time.Second

// node is one unit of mirror work: a local path, the catalog item
// paired with it, or both. The engine pops nodes off its stack, acts on
// them, and pushes their children.
type node struct {
	path string      // local path; empty for deletes
	item *drive.Item // catalog row; nil for creates

	parent *node
	engine *Engine

	// remotePath is the drive-relative path of this item, set for
	// folders once their remote identity is known. File creates below a
	// folder upload to remotePath plus the leaf name.
	remotePath string

	// queries counts the remote mutations this node issued. The engine
	// sums them to decide when to checkpoint the catalog.
	queries int
}

// act brings the remote side of this node in line with the local side.
func (n *node) act(ctx context.Context, checkHash bool) error {
	switch {
	case n.path != "" && n.item != nil:
		return n.update(ctx, checkHash)
	case n.path != "":
		return n.create(ctx)
	case n.item != nil:
		return n.remove(ctx)
	}

	return nil
}

// update refreshes an existing pairing: persists moves, replaces items
// whose kind flipped, and re-uploads files whose content drifted.
func (n *node) update(ctx context.Context, checkHash bool) error {
	fi, err := os.Stat(n.path)
	if err != nil {
		return fmt.Errorf("mirror: stat %s: %w", n.path, err)
	}

	if fi.IsDir() != n.item.IsFolder {
		n.engine.logger.Warn("replacing item whose kind changed",
			slog.String("path", n.path),
			slog.Bool("was_folder", n.item.IsFolder),
		)

		if err := n.remove(ctx); err != nil {
			return err
		}

		return n.create(ctx)
	}

	if n.item.LocalPath != n.path {
		n.item.LocalPath = n.path
		// Sync roots keep the configured remote path as their name.
		if n.parent != nil {
			n.item.Name = filepath.Base(n.path)
		}

		if err := n.engine.store.Upsert(ctx, n.item); err != nil {
			// Likely two items claiming one path; drop the pairing and
			// let the next cycle sort it out.
			n.engine.logger.Error("could not persist pairing",
				slog.String("path", n.path),
				slog.String("item_id", n.item.RemoteID),
				slog.String("error", err.Error()),
			)
		} else {
			n.engine.logger.Info("paired item with moved local path",
				slog.String("path", n.path),
				slog.String("item_id", n.item.RemoteID),
			)
		}
	}

	if n.item.IsFolder {
		if n.parent != nil {
			n.remotePath = n.parent.remotePath + "/" + n.item.Name
		}

		return nil
	}

	current, err := n.upToDate(fi, checkHash)
	if err != nil {
		return err
	}

	if current {
		return nil
	}

	if fi.Size() == 0 {
		n.engine.logger.Warn("ignoring empty file", slog.String("path", n.path))
		return nil
	}

	item, err := n.engine.client.Upload(ctx, n.path, n.item.RemoteID, n.item.ParentID, true)
	if err != nil {
		return fmt.Errorf("mirror: re-uploading %s: %w", n.path, err)
	}

	if item == nil {
		return nil
	}

	n.queries++

	if err := n.engine.store.Upsert(ctx, item); err != nil {
		n.engine.logger.Error("could not store uploaded file",
			slog.String("path", n.path),
			slog.String("error", err.Error()),
		)

		return nil
	}

	n.item = item

	return nil
}

// upToDate reports whether the local file already matches the catalog
// row: equal size and a modification time within tolerance. With
// checkHash the content digest is verified as well, catching edits that
// preserved size and mtime.
func (n *node) upToDate(fi os.FileInfo, checkHash bool) (bool, error) {
	if fi.Size() != n.item.Size {
		return false, nil
	}

	delta := fi.ModTime().Sub(n.item.MTime)
	if delta < 0 {
		delta = -delta
	}

	if delta >= mtimeTolerance {
		return false, nil
	}

	if !checkHash || n.item.ContentHash == "" {
		return true, nil
	}

	digest, err := HashFile(n.path)
	if err != nil {
		return false, fmt.Errorf("mirror: verifying %s: %w", n.path, err)
	}

	if digest != n.item.ContentHash {
		n.engine.logger.Warn("content hash mismatch",
			slog.String("path", n.path),
			slog.String("item_id", n.item.RemoteID),
		)

		return false, nil
	}

	return true, nil
}

// create pushes a new local entry to the drive and records it in the
// catalog. Zero-byte and irregular files are skipped with a warning.
func (n *node) create(ctx context.Context) error {
	if n.parent == nil || n.parent.item == nil {
		return fmt.Errorf("mirror: no remote parent for %s", n.path)
	}

	fi, err := os.Stat(n.path)
	if err != nil {
		return fmt.Errorf("mirror: stat %s: %w", n.path, err)
	}

	name := filepath.Base(n.path)

	switch {
	case fi.IsDir():
		item, err := n.engine.client.CreateFolder(ctx, n.parent.item.RemoteID, name)
		if err != nil {
			return fmt.Errorf("mirror: creating folder %s: %w", n.path, err)
		}

		n.queries++

		item.LocalPath = n.path
		n.item = item
		// The service may have renamed the folder on collision; build
		// the remote path from the name it actually got.
		n.remotePath = n.parent.remotePath + "/" + item.Name

		if err := n.engine.store.Upsert(ctx, item); err != nil {
			n.engine.logger.Error("could not store new folder",
				slog.String("path", n.path),
				slog.String("error", err.Error()),
			)
		}

		return nil

	case fi.Mode().IsRegular():
		item, err := n.engine.client.Upload(ctx, n.path, n.parent.remotePath+"/"+name, n.parent.item.RemoteID, false)
		if err != nil {
			return fmt.Errorf("mirror: uploading %s: %w", n.path, err)
		}

		if item == nil {
			// Zero-byte file, skipped by the client.
			return nil
		}

		n.queries++
		n.item = item

		if err := n.engine.store.Upsert(ctx, item); err != nil {
			n.engine.logger.Error("could not store uploaded file",
				slog.String("path", n.path),
				slog.String("error", err.Error()),
			)

			n.item = nil
		}

		return nil

	default:
		n.engine.logger.Warn("skipping irregular file", slog.String("path", n.path))
		return nil
	}
}

// remove deletes the remote item and, only once that succeeded, its
// catalog row. A failed delete keeps the row so the next cycle retries.
func (n *node) remove(ctx context.Context) error {
	if err := n.engine.client.Delete(ctx, n.item.RemoteID); err != nil {
		return fmt.Errorf("mirror: deleting %s: %w", n.item.Name, err)
	}

	n.queries++

	if err := n.engine.store.Delete(ctx, n.item.RemoteID); err != nil {
		return err
	}

	n.engine.logger.Info("deleted remote item",
		slog.String("item_id", n.item.RemoteID),
		slog.String("name", n.item.Name),
	)

	n.item = nil

	return nil
}

// children reconciles a paired directory and returns its work list.
// Deletes, creates, and plain files have none.
func (n *node) children(ctx context.Context) ([]*node, error) {
	if n.path == "" || n.item == nil || !n.item.IsFolder {
		return nil, nil
	}

	items, err := n.engine.store.Children(ctx, n.item.RemoteID)
	if err != nil {
		return nil, err
	}

	matches, err := reconcile(n.path, items, n.engine.logger)
	if err != nil {
		return nil, err
	}

	nodes := make([]*node, 0, len(matches))
	for _, m := range matches {
		nodes = append(nodes, &node{
			path:   m.path,
			item:   m.item,
			parent: n,
			engine: n.engine,
		})
	}

	return nodes, nil
}
