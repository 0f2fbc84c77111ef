package mirror

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"golang.org/x/exp/maps"

	"github.com/PieroV/mirror-to-onedrive/internal/drive"
)

// match pairs a local path with a catalog item. Either side may be
// absent: path-only matches become creates, item-only matches become
// deletes.
type match struct {
	path string
	item *drive.Item
}

// reconcile matches the catalog children of one directory against its
// local entries and emits the directory's work list: paired matches
// first, then surviving orphans (deletes), then new paths (creates).
// Deletes precede creates so a replaced name is gone before its
// successor is uploaded.
//
// Items are matched to paths in three rounds: by recorded local path, by
// case-folded name (a moved file usually keeps its name), and finally by
// content digest (a renamed file keeps its bytes). The digest rounds hash
// a local file at most once.
func reconcile(dirPath string, items []drive.Item, logger *slog.Logger) ([]match, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, fmt.Errorf("mirror: listing %s: %w", dirPath, err)
	}

	var out []match

	// Round one: recorded pairings that still hold. A recorded path that
	// vanished is cleared so name and content matching can reclaim the
	// item; the remote store is case-insensitive, so folded names are
	// unique among siblings.
	pairedNames := make(map[string]bool)
	orphans := make(map[string]*drive.Item)

	for i := range items {
		item := &items[i]

		if item.LocalPath != "" {
			if _, err := os.Stat(item.LocalPath); err == nil {
				pairedNames[filepath.Base(item.LocalPath)] = true
				out = append(out, match{path: item.LocalPath, item: item})

				continue
			}

			item.LocalPath = ""
		}

		orphans[foldName(item.Name)] = item
	}

	// Bucket the unpaired local entries by folded name. ReadDir sorts,
	// so downstream order is deterministic.
	buckets := make(map[string][]string)

	var bucketOrder []string

	for _, entry := range entries {
		name := entry.Name()
		if pairedNames[name] {
			continue
		}

		key := foldName(name)
		if _, seen := buckets[key]; !seen {
			bucketOrder = append(bucketOrder, key)
		}

		buckets[key] = append(buckets[key], filepath.Join(dirPath, name))
	}

	// Round two: name matching.
	var conflicts, pending []string

	for _, key := range bucketOrder {
		orphan, ok := orphans[key]

		switch {
		case !ok:
			// No orphan under this name; content matching may still
			// reclaim one.
			pending = append(pending, key)

		case len(buckets[key]) == 1:
			out = append(out, match{path: buckets[key][0], item: orphan})
			delete(orphans, key)

		default:
			conflicts = append(conflicts, key)
		}
	}

	// Round three: content matching. Same-name conflicts pair the first
	// candidate whose digest equals the orphan's hash; the rest are new.
	var creates []string

	for _, key := range conflicts {
		orphan := orphans[key]

		for _, path := range buckets[key] {
			if orphan != nil && orphan.ContentHash != "" && hashMatches(path, orphan.ContentHash, logger) {
				out = append(out, match{path: path, item: orphan})
				delete(orphans, key)
				orphan = nil

				continue
			}

			creates = append(creates, path)
		}
	}

	// Unmatched names are hashed against the remaining file orphans: a
	// rename changes the name but not the bytes, and re-pairing here
	// saves a full re-upload.
	renamed, leftover := matchByContent(pending, buckets, orphans, logger)

	out = append(out, renamed...)
	creates = append(creates, leftover...)

	orphanKeys := maps.Keys(orphans)
	slices.Sort(orphanKeys)

	for _, key := range orphanKeys {
		out = append(out, match{item: orphans[key]})
	}

	for _, path := range creates {
		out = append(out, match{path: path})
	}

	return out, nil
}

// matchByContent pairs pending local paths with the remaining file
// orphans by content digest. Paths that match nothing come back as
// leftovers, which are genuinely new. A size prefilter keeps the
// function from hashing files that cannot possibly match.
func matchByContent(pending []string, buckets map[string][]string, orphans map[string]*drive.Item, logger *slog.Logger) (matches []match, leftover []string) {
	byDigest := make(map[string]string, len(orphans))
	sizes := make(map[int64]bool, len(orphans))

	for key, orphan := range orphans {
		if !orphan.IsFolder && orphan.ContentHash != "" {
			byDigest[orphan.ContentHash] = key
			sizes[orphan.Size] = true
		}
	}

	for _, key := range pending {
		for _, path := range buckets[key] {
			if len(byDigest) == 0 {
				leftover = append(leftover, path)
				continue
			}

			fi, err := os.Stat(path)
			if err != nil || !fi.Mode().IsRegular() || fi.Size() == 0 || !sizes[fi.Size()] {
				leftover = append(leftover, path)
				continue
			}

			digest, err := HashFile(path)
			if err != nil {
				logger.Warn("could not hash rename candidate",
					slog.String("path", path),
					slog.String("error", err.Error()),
				)

				leftover = append(leftover, path)

				continue
			}

			orphanKey, ok := byDigest[digest]
			if !ok {
				leftover = append(leftover, path)
				continue
			}

			orphan := orphans[orphanKey]

			delete(orphans, orphanKey)
			delete(byDigest, digest)

			matches = append(matches, match{path: path, item: orphan})

			logger.Debug("content digest reclaimed a renamed file",
				slog.String("path", path),
				slog.String("item_id", orphan.RemoteID),
			)
		}
	}

	return matches, leftover
}

// hashMatches reports whether the regular file at path digests to want.
// Unreadable or irregular candidates never match.
func hashMatches(path, want string, logger *slog.Logger) bool {
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}

	digest, err := HashFile(path)
	if err != nil {
		logger.Warn("could not hash conflict candidate",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return false
	}

	return digest == want
}

// foldName lowercases ASCII letters only. The remote is
// case-insensitive for ASCII; locale-aware folding would merge names it
// keeps distinct.
func foldName(name string) string {
	b := []byte(name)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}

	return string(b)
}
