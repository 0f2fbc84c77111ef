package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"

	"github.com/dustin/go-humanize"

	"github.com/PieroV/mirror-to-onedrive/internal/drive"
)

// uploadChunkSize is the fixed size of upload session chunks: 10 MiB,
// a multiple of the 320 KiB alignment the upload API requires for every
// chunk except the last.
const uploadChunkSize = 10 * 1024 * 1024

// uploadTimestampFormat renders fileSystemInfo timestamps with millisecond
// precision in UTC, the shape the Graph API echoes back on listings.
const uploadTimestampFormat = "2006-01-02T15:04:05.000Z"

// Upload session request/response types for Graph API JSON serialization.
type createUploadSessionRequest struct {
	Item uploadSessionItem `json:"item"`
}

type uploadSessionItem struct {
	ConflictBehavior string       `json:"@microsoft.graph.conflictBehavior"` //nolint:tagliatelle // Graph API annotation key
	FileSystemInfo   uploadFSInfo `json:"fileSystemInfo"`
	Name             string       `json:"name,omitempty"`
}

// uploadFSInfo preserves local timestamps on upload, preventing the
// service from stamping the file with server-side receipt time.
type uploadFSInfo struct {
	CreatedDateTime      string `json:"createdDateTime"`
	LastModifiedDateTime string `json:"lastModifiedDateTime"`
}

type uploadSessionResponse struct {
	UploadURL          string `json:"uploadUrl"`
	ExpirationDateTime string `json:"expirationDateTime"`
}

// Upload sends a local file's content to the drive through an upload
// session, in sequential 10 MiB chunks.
//
// target is either a drive-relative path for new files (targetIsID false;
// collisions are renamed by the service) or the remote item id when
// replacing content (targetIsID true). parentID is stamped onto the
// returned item, since upload responses are not asked for parent data.
//
// Zero-length files are skipped with a warning and a (nil, nil) return:
// the upload session API cannot transfer empty content.
func (c *Client) Upload(ctx context.Context, localPath, target, parentID string, targetIsID bool) (*drive.Item, error) {
	fi, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("graph: stat %s: %w", localPath, err)
	}

	if fi.Size() == 0 {
		c.logger.Warn("ignoring empty file", slog.String("path", localPath))
		return nil, nil //nolint:nilnil // deliberate skip, not an error
	}

	uploadURL, err := c.createUploadSession(ctx, fi, target, targetIsID)
	if err != nil {
		return nil, err
	}

	c.logger.Info("uploading file",
		slog.String("path", localPath),
		slog.String("size", humanize.Bytes(uint64(fi.Size()))), //nolint:gosec // stat size is non-negative
	)

	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("graph: opening %s: %w", localPath, err)
	}
	defer f.Close()

	total := fi.Size()

	var final driveItemResponse

	for sent := int64(0); sent < total; {
		upper := min(sent+uploadChunkSize, total)
		chunk := io.NewSectionReader(f, sent, upper-sent)

		resp, err := c.uploadChunk(ctx, uploadURL, chunk, sent, upper-sent, total)
		if err != nil {
			return nil, err
		}

		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		default:
			body, _ := io.ReadAll(resp.Body) //nolint:errcheck // best-effort read for error message
			resp.Body.Close()
			c.cancelUploadSession(ctx, uploadURL)

			return nil, &GraphError{
				StatusCode: resp.StatusCode,
				RequestID:  resp.Header.Get("request-id"),
				Message:    string(body),
				Err:        classifyStatus(resp.StatusCode),
			}
		}

		if upper == total {
			// The final chunk's response body is the finished item.
			err = json.NewDecoder(resp.Body).Decode(&final)
			resp.Body.Close()

			if err != nil {
				return nil, fmt.Errorf("graph: decoding final chunk response: %w", err)
			}
		} else {
			drain(resp)
			c.logger.Debug("chunk accepted",
				slog.String("path", localPath),
				slog.Int64("sent", upper),
				slog.Int64("total", total),
			)
		}

		sent = upper
	}

	item, ok := final.toItem(parentID, c.logger)
	if !ok {
		return nil, fmt.Errorf("graph: upload of %s returned an unusable item", localPath)
	}

	item.LocalPath = localPath

	c.logger.Debug("upload complete",
		slog.String("item_id", item.RemoteID),
		slog.String("name", item.Name),
	)

	return &item, nil
}

// createUploadSession opens an upload session and returns its
// pre-authenticated URL. The request carries the local created/modified
// timestamps so the service preserves them on the finished item.
func (c *Client) createUploadSession(ctx context.Context, fi os.FileInfo, target string, targetIsID bool) (string, error) {
	ctime, mtime := fileTimes(fi)

	item := uploadSessionItem{
		ConflictBehavior: conflictBehaviorRename,
		FileSystemInfo: uploadFSInfo{
			CreatedDateTime:      ctime.UTC().Format(uploadTimestampFormat),
			LastModifiedDateTime: mtime.UTC().Format(uploadTimestampFormat),
		},
	}

	var apiPath string
	if targetIsID {
		apiPath = fmt.Sprintf("/me/drive/items/%s/createUploadSession", target)
	} else {
		apiPath = fmt.Sprintf("/me/drive/root:/%s:/createUploadSession", encodePathSegments(target))
		item.Name = path.Base(target)
	}

	bodyBytes, err := json.Marshal(createUploadSessionRequest{Item: item})
	if err != nil {
		return "", fmt.Errorf("graph: marshaling upload session request: %w", err)
	}

	resp, err := c.Do(ctx, http.MethodPost, apiPath, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("graph: creating upload session for %s: %w", target, err)
	}
	defer resp.Body.Close()

	var usr uploadSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&usr); err != nil {
		return "", fmt.Errorf("graph: decoding upload session response: %w", err)
	}

	if usr.UploadURL == "" {
		return "", fmt.Errorf("graph: upload session for %s has no upload URL", target)
	}

	return usr.UploadURL, nil
}

// uploadChunk PUTs one chunk to the session URL. The URL is
// pre-authenticated, so no Authorization header is sent.
func (c *Client) uploadChunk(ctx context.Context, uploadURL string, chunk io.Reader, offset, length, total int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, chunk)
	if err != nil {
		return nil, fmt.Errorf("graph: creating chunk upload request: %w", err)
	}

	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, total))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("User-Agent", userAgent)
	req.ContentLength = length

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph: chunk upload at offset %d: %w", offset, err)
	}

	return resp, nil
}

// cancelUploadSession abandons a session after a failed chunk so the
// service does not hold the partial upload until expiry. Best effort.
func (c *Client) cancelUploadSession(ctx context.Context, uploadURL string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, uploadURL, http.NoBody)
	if err != nil {
		return
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("canceling upload session failed", slog.String("error", err.Error()))
		return
	}

	drain(resp)
}
