package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestFile creates a file with the given content in a temp dir and
// returns its path.
func writeTestFile(t *testing.T, name string, content []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	return path
}

// sessionURL builds the pre-authenticated upload URL a handler hands back
// from createUploadSession, pointing at the same test server.
func sessionURL(r *http.Request) string {
	return "http://" + r.Host + "/upload-session/xyz"
}

func isSessionCreate(r *http.Request) bool {
	return r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/createUploadSession")
}

func isChunkPut(r *http.Request) bool {
	return r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/upload-session/")
}

func TestUpload_SkipsEmptyFile(t *testing.T) {
	path := writeTestFile(t, "empty.txt", nil)

	c := newTestClient(t, http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("empty files must not reach the service")
	}))

	item, err := c.Upload(context.Background(), path, "Docs/empty.txt", "parent-1", false)
	require.NoError(t, err)
	assert.Nil(t, item, "skipped uploads yield no item")
}

func TestUpload_SingleChunk(t *testing.T) {
	content := bytes.Repeat([]byte{0xAB}, uploadChunkSize)
	path := writeTestFile(t, "big.bin", content)

	var (
		gotRange  atomic.Value
		gotAuth   atomic.Value
		bodyBytes atomic.Int64
	)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case isSessionCreate(r):
			fmt.Fprintf(w, `{"uploadUrl": %q, "expirationDateTime": "2030-01-01T00:00:00Z"}`, sessionURL(r))

		case isChunkPut(r):
			gotRange.Store(r.Header.Get("Content-Range"))
			gotAuth.Store(r.Header.Get("Authorization"))

			n, err := io.Copy(io.Discard, r.Body)
			require.NoError(t, err)
			bodyBytes.Store(n)

			w.WriteHeader(http.StatusCreated)
			io.WriteString(w, `{"id": "up-1", "name": "big.bin", "size": 10485760,
				"file": {"hashes": {"quickXorHash": "aGFzaA=="}},
				"fileSystemInfo": {"lastModifiedDateTime": "2024-05-01T10:00:00Z"}}`) //nolint:errcheck

		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	})

	c := newTestClient(t, handler)

	item, err := c.Upload(context.Background(), path, "Docs/big.bin", "parent-1", false)
	require.NoError(t, err)
	require.NotNil(t, item)

	assert.Equal(t, "bytes 0-10485759/10485760", gotRange.Load())
	assert.Equal(t, "", gotAuth.Load(), "session URLs are pre-authenticated")
	assert.Equal(t, int64(uploadChunkSize), bodyBytes.Load())

	assert.Equal(t, "up-1", item.RemoteID)
	assert.Equal(t, path, item.LocalPath)
	assert.Equal(t, "parent-1", item.ParentID)
	assert.Equal(t, "aGFzaA==", item.ContentHash)
}

func TestUpload_SplitsIntoChunks(t *testing.T) {
	content := bytes.Repeat([]byte{0xCD}, uploadChunkSize+1)
	path := writeTestFile(t, "bigger.bin", content)

	var ranges []string

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case isSessionCreate(r):
			fmt.Fprintf(w, `{"uploadUrl": %q, "expirationDateTime": "2030-01-01T00:00:00Z"}`, sessionURL(r))

		case isChunkPut(r):
			// The client uploads chunks sequentially, so appends are ordered.
			ranges = append(ranges, r.Header.Get("Content-Range"))

			if len(ranges) == 1 {
				w.WriteHeader(http.StatusAccepted)
				io.WriteString(w, `{"nextExpectedRanges": ["10485760-"]}`) //nolint:errcheck

				return
			}

			w.WriteHeader(http.StatusCreated)
			io.WriteString(w, `{"id": "up-2", "name": "bigger.bin", "size": 10485761, "file": {}}`) //nolint:errcheck

		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	})

	c := newTestClient(t, handler)

	item, err := c.Upload(context.Background(), path, "Docs/bigger.bin", "parent-1", false)
	require.NoError(t, err)
	require.NotNil(t, item)

	assert.Equal(t, []string{
		"bytes 0-10485759/10485761",
		"bytes 10485760-10485760/10485761",
	}, ranges)
	assert.Equal(t, "up-2", item.RemoteID)
}

func TestUpload_SessionRequest(t *testing.T) {
	path := writeTestFile(t, "a.txt", []byte("hello"))

	mtime := time.Date(2024, 3, 10, 8, 30, 15, 500_000_000, time.UTC)
	require.NoError(t, os.Chtimes(path, mtime, mtime))

	type sessionBody struct {
		Item struct {
			ConflictBehavior string `json:"@microsoft.graph.conflictBehavior"`
			Name             string `json:"name"`
			FileSystemInfo   struct {
				CreatedDateTime      string `json:"createdDateTime"`
				LastModifiedDateTime string `json:"lastModifiedDateTime"`
			} `json:"fileSystemInfo"`
		} `json:"item"`
	}

	var (
		gotPath atomic.Value
		gotBody atomic.Value
	)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case isSessionCreate(r):
			gotPath.Store(r.URL.EscapedPath())

			var body sessionBody
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			gotBody.Store(body)

			fmt.Fprintf(w, `{"uploadUrl": %q, "expirationDateTime": "2030-01-01T00:00:00Z"}`, sessionURL(r))

		case isChunkPut(r):
			w.WriteHeader(http.StatusCreated)
			io.WriteString(w, `{"id": "up-3", "name": "a.txt", "size": 5, "file": {}}`) //nolint:errcheck

		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	})

	c := newTestClient(t, handler)

	_, err := c.Upload(context.Background(), path, "My Docs/a.txt", "parent-1", false)
	require.NoError(t, err)

	assert.Equal(t, "/me/drive/root:/My%20Docs/a.txt:/createUploadSession", gotPath.Load())

	body, ok := gotBody.Load().(sessionBody)
	require.True(t, ok, "session create request must carry a JSON body")

	assert.Equal(t, "rename", body.Item.ConflictBehavior)
	assert.Equal(t, "a.txt", body.Item.Name)
	assert.Equal(t, "2024-03-10T08:30:15.500Z", body.Item.FileSystemInfo.LastModifiedDateTime)
	assert.Regexp(t,
		regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`),
		body.Item.FileSystemInfo.CreatedDateTime,
	)
}

func TestUpload_ByItemID(t *testing.T) {
	path := writeTestFile(t, "a.txt", []byte("hello"))

	var (
		gotPath atomic.Value
		gotBody atomic.Value
	)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case isSessionCreate(r):
			gotPath.Store(r.URL.Path)

			raw, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			gotBody.Store(string(raw))

			fmt.Fprintf(w, `{"uploadUrl": %q, "expirationDateTime": "2030-01-01T00:00:00Z"}`, sessionURL(r))

		case isChunkPut(r):
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, `{"id": "item-42", "name": "a.txt", "size": 5, "file": {}}`) //nolint:errcheck

		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	})

	c := newTestClient(t, handler)

	item, err := c.Upload(context.Background(), path, "item-42", "parent-1", true)
	require.NoError(t, err)

	assert.Equal(t, "/me/drive/items/item-42/createUploadSession", gotPath.Load())

	body, ok := gotBody.Load().(string)
	require.True(t, ok)
	assert.NotContains(t, body, `"name"`, "replacing content by id must not rename the item")

	assert.Equal(t, "item-42", item.RemoteID)
}

func TestUpload_FailedChunkCancelsSession(t *testing.T) {
	path := writeTestFile(t, "a.txt", []byte("hello"))

	var canceled atomic.Bool

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case isSessionCreate(r):
			fmt.Fprintf(w, `{"uploadUrl": %q, "expirationDateTime": "2030-01-01T00:00:00Z"}`, sessionURL(r))

		case isChunkPut(r):
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, `{"error":{"code":"generalException"}}`) //nolint:errcheck

		case r.Method == http.MethodDelete:
			canceled.Store(true)
			w.WriteHeader(http.StatusNoContent)

		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	})

	c := newTestClient(t, handler)

	_, err := c.Upload(context.Background(), path, "Docs/a.txt", "parent-1", false)
	require.ErrorIs(t, err, ErrServerError)
	assert.True(t, canceled.Load(), "a failed upload must abandon its session")
}

func TestUpload_MissingFile(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("no request expected for an unreadable file")
	}))

	_, err := c.Upload(context.Background(), filepath.Join(t.TempDir(), "no-such-file"), "Docs/x", "p", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
