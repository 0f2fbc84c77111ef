package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dustin/go-humanize"
)

// Drive summarizes one drive accessible to the authenticated user.
// The service uses Drives() as a liveness probe at the start of each
// cycle, so only identity and quota survive normalization.
type Drive struct {
	ID         string
	Name       string
	DriveType  string // "personal", "business", "documentLibrary"
	QuotaUsed  int64
	QuotaTotal int64
}

// driveResponse mirrors the Graph API drive JSON response.
// Unexported: callers use Drive via toDrive() normalization.
type driveResponse struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	DriveType string      `json:"driveType"`
	Quota     *quotaFacet `json:"quota"`
}

// quotaFacet represents the quota block in a Graph API drive response.
type quotaFacet struct {
	Used  int64 `json:"used"`
	Total int64 `json:"total"`
}

// drivesListResponse wraps the value array from GET /me/drives.
type drivesListResponse struct {
	Value []driveResponse `json:"value"`
}

// toDrive normalizes a Graph API drive response. Nil-safe for the
// optional quota facet.
func (d *driveResponse) toDrive() Drive {
	dr := Drive{
		ID:        d.ID,
		Name:      d.Name,
		DriveType: d.DriveType,
	}

	if d.Quota != nil {
		dr.QuotaUsed = d.Quota.Used
		dr.QuotaTotal = d.Quota.Total
	}

	return dr
}

// Drives returns all drives accessible to the authenticated user.
func (c *Client) Drives(ctx context.Context) ([]Drive, error) {
	resp, err := c.Do(ctx, http.MethodGet, "/me/drives", nil)
	if err != nil {
		return nil, fmt.Errorf("graph: listing drives: %w", err)
	}
	defer resp.Body.Close()

	var dlr drivesListResponse
	if err := json.NewDecoder(resp.Body).Decode(&dlr); err != nil {
		return nil, fmt.Errorf("graph: decoding drives response: %w", err)
	}

	drives := make([]Drive, 0, len(dlr.Value))
	for i := range dlr.Value {
		d := dlr.Value[i].toDrive()
		drives = append(drives, d)

		c.logger.Debug("drive available",
			slog.String("id", d.ID),
			slog.String("type", d.DriveType),
			slog.String("used", humanize.Bytes(uint64(max(d.QuotaUsed, 0)))),
			slog.String("total", humanize.Bytes(uint64(max(d.QuotaTotal, 0)))),
		)
	}

	return drives, nil
}
