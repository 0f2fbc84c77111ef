// Package graph provides an HTTP client for the Microsoft Graph API
// drive endpoints: folder listing, folder creation, chunked uploads,
// deletion, and OAuth2 authentication.
package graph

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// defaultRetryAfter is the wait applied when a 429 response carries no
// usable Retry-After header.
const defaultRetryAfter = 5 * time.Second

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, graph.ErrThrottled) to check.
var (
	ErrAuth          = errors.New("graph: authentication rejected")
	ErrNotFound      = errors.New("graph: not found")
	ErrThrottled     = errors.New("graph: throttled")
	ErrServerError   = errors.New("graph: server error")
	ErrRequestFailed = errors.New("graph: request failed")
)

// GraphError wraps a sentinel error with the HTTP status code, the
// service's request ID, and the API error message body for debugging.
// Throttled responses additionally carry the server-requested wait.
type GraphError struct {
	StatusCode int
	RequestID  string
	RetryAfter time.Duration // only set for 429 responses
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *GraphError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("graph: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("graph: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *GraphError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch {
	case code >= http.StatusOK && code < http.StatusMultipleChoices:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrAuth
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusTooManyRequests:
		return ErrThrottled
	case code >= http.StatusInternalServerError:
		return ErrServerError
	default:
		return ErrRequestFailed
	}
}

// RetryAfter extracts the server-requested wait from a throttled error.
// Falls back to defaultRetryAfter when the error carries none, so callers
// can always sleep on the returned value.
func RetryAfter(err error) time.Duration {
	var graphErr *GraphError
	if errors.As(err, &graphErr) && graphErr.RetryAfter > 0 {
		return graphErr.RetryAfter
	}

	return defaultRetryAfter
}

// parseRetryAfter reads the Retry-After header of a 429 response.
// Graph sends whole seconds; anything missing or malformed falls back to
// defaultRetryAfter rather than hammering the service.
func parseRetryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return defaultRetryAfter
	}

	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return defaultRetryAfter
	}

	return time.Duration(seconds) * time.Second
}
