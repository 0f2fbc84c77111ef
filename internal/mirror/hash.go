// Package mirror implements the one-way local-to-remote mirror: the
// per-directory reconciler, the depth-first engine that executes
// create/update/delete against the drive, the catalog refresh, and the
// scheduler that runs them as a service.
package mirror

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"github.com/PieroV/mirror-to-onedrive/pkg/quickxorhash"
)

const hashBufSize = 4096

// HashFile computes the base64 quickXorHash digest of a file's content,
// the same value the drive reports in file.hashes.quickXorHash.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("mirror: opening %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := quickxorhash.New()

	if _, err := io.CopyBuffer(h, f, make([]byte, hashBufSize)); err != nil {
		return "", fmt.Errorf("mirror: hashing %s: %w", path, err)
	}

	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}
