// Package catalog persists the mirror's view of the remote drive in a
// local SQLite database. One table holds every known remote item keyed
// by its remote id; sync roots are the rows with a NULL parent.
//
// A Store keeps one transaction open at all times: Open begins it,
// Commit makes the batch durable and begins the next one, Close rolls
// back whatever was never committed. A crash therefore rewinds the
// catalog to the last checkpoint, and the next cycle redoes the lost
// work, which is safe because every mirror operation is idempotent.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/PieroV/mirror-to-onedrive/internal/drive"
)

// busyTimeoutMS bounds lock waits; with a single connection it only
// matters when an external tool holds the file.
const busyTimeoutMS = 5000

// journalSizeLimit caps the WAL file at 64 MiB between checkpoints.
const journalSizeLimit = 64 * 1024 * 1024

// itemColumns is the scan order shared by every SELECT.
const itemColumns = "remote_id, name, local_path, existing, is_folder, size, mtime, content_hash, parent_id"

const upsertSQL = `
INSERT INTO items (remote_id, name, local_path, existing, is_folder, size, mtime, content_hash, parent_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (remote_id) DO UPDATE SET
	name = excluded.name,
	local_path = excluded.local_path,
	existing = excluded.existing,
	is_folder = excluded.is_folder,
	size = excluded.size,
	mtime = excluded.mtime,
	content_hash = excluded.content_hash,
	parent_id = excluded.parent_id`

// Store is the durable catalog of remote items.
//
// Reads and writes run on the session transaction over a single
// connection, so reads between commits observe the session's own
// uncommitted writes. Not safe for concurrent use; the service confines
// each Store to its cycle.
type Store struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// Open opens (and on first use creates) the catalog database, applies
// pending schema migrations, and begins the session transaction.
func Open(path string, logger *slog.Logger) (*Store, error) {
	logger.Debug("opening catalog", slog.String("path", path))

	// The pragmas ride on the DSN so they re-apply if the pool ever
	// replaces its connection.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(%d)&_pragma=journal_size_limit(%d)",
		path, busyTimeoutMS, journalSizeLimit,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: opening %s: %w", path, err)
	}

	// Sole writer. Also pins the session transaction and every read to
	// the same connection.
	db.SetMaxOpenConns(1)

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger}

	if err := s.begin(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) begin() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("catalog: beginning session transaction: %w", err)
	}

	s.tx = tx

	return nil
}

// Commit makes the session's writes durable and begins the next session.
// Called by long operations as a checkpoint so a crash replays a bounded
// amount of work.
func (s *Store) Commit() error {
	if err := s.tx.Commit(); err != nil {
		return fmt.Errorf("catalog: committing session: %w", err)
	}

	return s.begin()
}

// Compact commits the session, reclaims free pages, and begins a new
// session. VACUUM cannot run inside a transaction.
func (s *Store) Compact(ctx context.Context) error {
	if err := s.tx.Commit(); err != nil {
		return fmt.Errorf("catalog: committing before compaction: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("catalog: compacting: %w", err)
	}

	s.logger.Info("catalog compacted")

	return s.begin()
}

// Close rolls back the uncommitted tail of the session and closes the
// database.
func (s *Store) Close() error {
	if s.tx != nil {
		if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Warn("rolling back catalog session", slog.String("error", err.Error()))
		}

		s.tx = nil
	}

	return s.db.Close()
}

// Upsert inserts or replaces the row for item.RemoteID. Folder rows are
// normalized on the way in: no size, no mtime, no content hash. The
// caller's value is not modified.
//
// A constraint violation (two rows claiming one local path) is returned
// for the caller to log and drop; it must not abort the cycle.
func (s *Store) Upsert(ctx context.Context, item *drive.Item) error {
	if item.RemoteID == "" {
		return errors.New("catalog: cannot upsert an item without a remote id")
	}

	row := *item
	row.NormalizeFolder()

	_, err := s.tx.ExecContext(ctx, upsertSQL,
		row.RemoteID,
		row.Name,
		nullable(row.LocalPath),
		row.Existing,
		row.IsFolder,
		row.Size,
		unixOrZero(row.MTime),
		nullable(row.ContentHash),
		nullable(row.ParentID),
	)
	if err != nil {
		return fmt.Errorf("catalog: upserting %s (%s): %w", item.RemoteID, item.Name, err)
	}

	return nil
}

// Delete removes the rows for the given ids. Absent ids are not an
// error; deletion is about the end state.
func (s *Store) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	_, err := s.tx.ExecContext(ctx, "DELETE FROM items WHERE remote_id IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("catalog: deleting %d items: %w", len(ids), err)
	}

	return nil
}

// Filter narrows a Children listing.
type Filter func(drive.Item) bool

// Children returns the items whose parent is parentID; the empty string
// selects the sync roots (NULL parent). Filters are applied in order.
func (s *Store) Children(ctx context.Context, parentID string, filters ...Filter) ([]drive.Item, error) {
	query := "SELECT " + itemColumns + " FROM items WHERE parent_id = ?"
	args := []any{parentID}

	if parentID == "" {
		query = "SELECT " + itemColumns + " FROM items WHERE parent_id IS NULL"
		args = nil
	}

	rows, err := s.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing children of %q: %w", parentID, err)
	}
	defer rows.Close()

	var items []drive.Item

next:
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: scanning child of %q: %w", parentID, err)
		}

		for _, keep := range filters {
			if !keep(item) {
				continue next
			}
		}

		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: listing children of %q: %w", parentID, err)
	}

	return items, nil
}

// Root returns the sync root with the given name, or nil when the
// catalog has no such root (a refresh has not ingested it yet).
func (s *Store) Root(ctx context.Context, name string) (*drive.Item, error) {
	row := s.tx.QueryRowContext(ctx,
		"SELECT "+itemColumns+" FROM items WHERE parent_id IS NULL AND name = ?", name)

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // absence is a valid answer here
	}

	if err != nil {
		return nil, fmt.Errorf("catalog: looking up root %q: %w", name, err)
	}

	return &item, nil
}

// MarkAllNotExisting clears the liveness mark on every row. Phase one of
// the refresh's two-phase sweep; re-upserting an item sets it back.
func (s *Store) MarkAllNotExisting(ctx context.Context) error {
	if _, err := s.tx.ExecContext(ctx, "UPDATE items SET existing = 0"); err != nil {
		return fmt.Errorf("catalog: marking items not existing: %w", err)
	}

	return nil
}

// SweepNotExisting deletes every row the refresh did not re-observe.
// Phase two; only safe to call after a complete remote walk.
func (s *Store) SweepNotExisting(ctx context.Context) error {
	res, err := s.tx.ExecContext(ctx, "DELETE FROM items WHERE existing = 0")
	if err != nil {
		return fmt.Errorf("catalog: sweeping items: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Info("swept items gone from the remote", slog.Int64("count", n))
	}

	return nil
}

// nullable maps the empty string to NULL so the partial unique index on
// local_path sees true absence instead of colliding empties.
func nullable(s string) any {
	if s == "" {
		return nil
	}

	return s
}

// unixOrZero converts a time to unix seconds, mapping the zero time to 0.
func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.Unix()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (drive.Item, error) {
	var (
		item      drive.Item
		localPath sql.NullString
		hash      sql.NullString
		parentID  sql.NullString
		mtime     int64
	)

	err := row.Scan(
		&item.RemoteID,
		&item.Name,
		&localPath,
		&item.Existing,
		&item.IsFolder,
		&item.Size,
		&mtime,
		&hash,
		&parentID,
	)
	if err != nil {
		return drive.Item{}, err
	}

	item.LocalPath = localPath.String
	item.ContentHash = hash.String
	item.ParentID = parentID.String

	if mtime != 0 {
		item.MTime = time.Unix(mtime, 0)
	}

	return item, nil
}
