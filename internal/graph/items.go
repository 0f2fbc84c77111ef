package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PieroV/mirror-to-onedrive/internal/drive"
)

// childSelect trims listing responses to the fields the catalog stores.
const childSelect = "id,name,file,folder,size,fileSystemInfo"

// conflictBehaviorRename asks the service to disambiguate name collisions
// by appending a suffix instead of failing the request.
const conflictBehaviorRename = "rename"

// encodePathSegments URL-encodes each segment of a slash-separated path.
// Characters like #, ?, %, and spaces are encoded per-segment so the
// resulting path is safe for interpolation into Graph API URLs.
func encodePathSegments(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	return strings.Join(segments, "/")
}

// driveItemResponse mirrors the Graph API driveItem JSON exactly.
// Unexported; callers see drive.Item via toItem() normalization.
type driveItemResponse struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Size           int64            `json:"size"`
	File           *fileFacet       `json:"file"`
	Folder         *json.RawMessage `json:"folder"`
	FileSystemInfo *fsInfoFacet     `json:"fileSystemInfo"`
}

type fileFacet struct {
	Hashes *hashFacet `json:"hashes"`
}

type hashFacet struct {
	QuickXorHash string `json:"quickXorHash"`
}

type fsInfoFacet struct {
	LastModifiedDateTime string `json:"lastModifiedDateTime"`
}

type listChildrenResponse struct {
	Value    []driveItemResponse `json:"value"`
	NextLink string              `json:"@odata.nextLink"` //nolint:tagliatelle // OData annotation key
}

type createFolderRequest struct {
	Name             string   `json:"name"`
	Folder           struct{} `json:"folder"`
	ConflictBehavior string   `json:"@microsoft.graph.conflictBehavior"` //nolint:tagliatelle // Graph API annotation key
}

// toItem normalizes a Graph API driveItem into the catalog model.
// parentID is assigned by the caller: a listing knows which folder it was
// iterating, so parentReference is never requested over the wire.
// Returns false for items that are neither file nor folder (OneNote
// packages and the like), which the mirror skips entirely.
func (d *driveItemResponse) toItem(parentID string, logger *slog.Logger) (drive.Item, bool) {
	item := drive.Item{
		RemoteID: d.ID,
		Name:     d.Name,
		Existing: true,
		IsFolder: d.Folder != nil,
		ParentID: parentID,
	}

	switch {
	case d.Folder != nil:
		return item, true
	case d.File != nil:
		item.Size = d.Size
		if d.File.Hashes != nil {
			item.ContentHash = d.File.Hashes.QuickXorHash
		}

		item.MTime = parseModified(d, logger)

		return item, true
	default:
		logger.Warn("skipping item that is neither file nor folder",
			slog.String("item_id", d.ID),
			slog.String("name", d.Name),
		)

		return drive.Item{}, false
	}
}

// parseModified reads the fileSystemInfo modification timestamp. A missing
// or malformed value degrades to the zero time, which makes the file look
// stale and re-uploads it, the safe direction for a mirror.
func parseModified(d *driveItemResponse, logger *slog.Logger) time.Time {
	if d.FileSystemInfo == nil || d.FileSystemInfo.LastModifiedDateTime == "" {
		logger.Warn("file has no fileSystemInfo timestamp", slog.String("item_id", d.ID))
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339, d.FileSystemInfo.LastModifiedDateTime)
	if err != nil {
		logger.Warn("invalid lastModifiedDateTime",
			slog.String("item_id", d.ID),
			slog.String("raw", d.FileSystemInfo.LastModifiedDateTime),
			slog.String("error", err.Error()),
		)

		return time.Time{}
	}

	return t
}

// ListChildren returns the children of a folder, following pagination.
//
// On throttling it returns the children fetched so far together with an
// error wrapping ErrThrottled; the caller is expected to sleep for
// RetryAfter(err) and re-issue the listing. Any other API rejection is
// logged and the partial list is returned without an error; the caller
// treats children it did not see as unknown. Transport and decode
// failures surface as errors.
func (c *Client) ListChildren(ctx context.Context, itemID string) ([]drive.Item, error) {
	path := fmt.Sprintf("/me/drive/items/%s/children?select=%s", url.PathEscape(itemID), childSelect)

	var items []drive.Item

	for path != "" {
		resp, err := c.Do(ctx, http.MethodGet, path, nil)
		if err != nil {
			if errors.Is(err, ErrThrottled) {
				return items, fmt.Errorf("graph: listing children of %s: %w", itemID, err)
			}

			var graphErr *GraphError
			if errors.As(err, &graphErr) {
				c.logger.Error("could not list children",
					slog.String("item_id", itemID),
					slog.Int("status", graphErr.StatusCode),
					slog.String("request_id", graphErr.RequestID),
					slog.String("body", graphErr.Message),
				)

				return items, nil
			}

			return items, fmt.Errorf("graph: listing children of %s: %w", itemID, err)
		}

		var page listChildrenResponse

		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()

		if err != nil {
			return items, fmt.Errorf("graph: decoding children of %s: %w", itemID, err)
		}

		for i := range page.Value {
			item, ok := page.Value[i].toItem(itemID, c.logger)
			if !ok {
				continue
			}

			items = append(items, item)
		}

		if page.NextLink == "" {
			break
		}

		path, err = c.stripBaseURL(page.NextLink)
		if err != nil {
			return items, err
		}
	}

	return items, nil
}

// stripBaseURL removes the client's base URL prefix from a full URL,
// returning the path + query string for use with Do().
func (c *Client) stripBaseURL(fullURL string) (string, error) {
	if !strings.HasPrefix(fullURL, c.baseURL) {
		return "", fmt.Errorf("graph: nextLink URL %q does not match base URL %q", fullURL, c.baseURL)
	}

	return fullURL[len(c.baseURL):], nil
}

// GetByPath retrieves an item by its drive-relative path. Used to resolve
// the configured sync roots at the start of a refresh.
func (c *Client) GetByPath(ctx context.Context, remotePath string) (*drive.Item, error) {
	apiPath := fmt.Sprintf("/me/drive/root:/%s:", encodePathSegments(remotePath))

	resp, err := c.Do(ctx, http.MethodGet, apiPath, nil)
	if err != nil {
		return nil, fmt.Errorf("graph: getting %s: %w", remotePath, err)
	}
	defer resp.Body.Close()

	var dir driveItemResponse
	if err := json.NewDecoder(resp.Body).Decode(&dir); err != nil {
		return nil, fmt.Errorf("graph: decoding item %s: %w", remotePath, err)
	}

	item, ok := dir.toItem("", c.logger)
	if !ok {
		return nil, fmt.Errorf("graph: %s is neither file nor folder", remotePath)
	}

	return &item, nil
}

// CreateFolder creates a folder under the given parent. Name collisions
// are resolved by the service (conflictBehavior "rename"); the returned
// item carries whatever name the service settled on. Throttling is
// absorbed here: the call sleeps out the Retry-After wait and reissues.
func (c *Client) CreateFolder(ctx context.Context, parentID, name string) (*drive.Item, error) {
	reqBody := createFolderRequest{Name: name, ConflictBehavior: conflictBehaviorRename}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("graph: marshaling create folder request: %w", err)
	}

	path := fmt.Sprintf("/me/drive/items/%s/children", url.PathEscape(parentID))

	for {
		resp, err := c.Do(ctx, http.MethodPost, path, bytes.NewReader(bodyBytes))
		if err != nil {
			if errors.Is(err, ErrThrottled) {
				wait := RetryAfter(err)
				c.logger.Warn("folder creation throttled",
					slog.String("name", name),
					slog.Duration("retry_after", wait),
				)

				if sleepErr := c.sleepFunc(ctx, wait); sleepErr != nil {
					return nil, sleepErr
				}

				continue
			}

			return nil, fmt.Errorf("graph: creating folder %s under %s: %w", name, parentID, err)
		}

		var dir driveItemResponse

		err = json.NewDecoder(resp.Body).Decode(&dir)
		resp.Body.Close()

		if err != nil {
			return nil, fmt.Errorf("graph: decoding create folder response: %w", err)
		}

		item, ok := dir.toItem(parentID, c.logger)
		if !ok {
			return nil, fmt.Errorf("graph: create folder %s returned an unusable item", name)
		}

		if item.Name != name {
			c.logger.Warn("service renamed new folder to avoid a collision",
				slog.String("requested", name),
				slog.String("created", item.Name),
			)
		}

		return &item, nil
	}
}

// Delete removes an item. A 404 is success: the item is already in the
// state deletion was meant to produce. Throttling is absorbed here.
func (c *Client) Delete(ctx context.Context, itemID string) error {
	path := fmt.Sprintf("/me/drive/items/%s", url.PathEscape(itemID))

	for {
		resp, err := c.Do(ctx, http.MethodDelete, path, nil)

		switch {
		case err == nil:
			drain(resp)
			return nil

		case errors.Is(err, ErrNotFound):
			c.logger.Debug("item already absent on delete", slog.String("item_id", itemID))
			return nil

		case errors.Is(err, ErrThrottled):
			wait := RetryAfter(err)
			c.logger.Warn("deletion throttled",
				slog.String("item_id", itemID),
				slog.Duration("retry_after", wait),
			)

			if sleepErr := c.sleepFunc(ctx, wait); sleepErr != nil {
				return sleepErr
			}

		default:
			return fmt.Errorf("graph: deleting item %s: %w", itemID, err)
		}
	}
}
