// Package httputil interprets upstream HTTP failures for the sync
// pipeline: which statuses are worth retrying, how long the upstream
// asked us to wait, and how much of an error body is safe to carry in
// an error chain.
package httputil

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// MaxErrorBodySize bounds how much upstream error body an error message
// carries. Error chains end up in logs and execution records; Strava's
// fault payloads are small, anything bigger is an HTML error page.
const MaxErrorBodySize = 500

// HTTPError is an upstream 4xx/5xx with enough context to classify it.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
	URL        string
	// RetryAfter is the upstream's requested wait from a Retry-After
	// header, zero when absent. Strava sends it on 429 when the 15
	// minute rate limit window is exhausted.
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s (status %d): %s", e.Status, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s (status %d)", e.Status, e.StatusCode)
}

// Retryable reports whether a request hitting this error may be retried
// after a backoff.
func (e *HTTPError) Retryable() bool {
	return RetryableStatus(e.StatusCode)
}

// RetryableStatus classifies an upstream status for retry purposes:
// rate limiting and server faults clear on their own, everything else
// (auth, bad request, not found) does not.
func RetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// truncate truncates a string to maxLen, adding "..." if truncated
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// parseRetryAfter reads the delay-seconds form of Retry-After. The
// HTTP-date form is rare enough upstream that it is treated as absent.
func parseRetryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// ParseErrorResponse checks if the response is an error (4xx/5xx) and returns
// a rich HTTPError containing the response body. Returns nil for success responses.
// The response body is re-wrapped so the caller can still read it.
func ParseErrorResponse(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	resp.Body.Close()

	// Re-wrap body so caller can still read it if needed
	resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	bodyStr := ""
	if err == nil && len(bodyBytes) > 0 {
		bodyStr = truncate(string(bodyBytes), MaxErrorBodySize)
	}

	return &HTTPError{
		StatusCode: resp.StatusCode,
		Status:     http.StatusText(resp.StatusCode),
		Body:       bodyStr,
		URL:        resp.Request.URL.String(),
		RetryAfter: parseRetryAfter(resp),
	}
}

// WrapResponseError reads the response body and returns a formatted error.
// Unlike ParseErrorResponse, this does not re-wrap the body (for simple error cases).
func WrapResponseError(resp *http.Response, message string) error {
	bodyBytes, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	bodyStr := truncate(string(bodyBytes), MaxErrorBodySize)
	if bodyStr != "" {
		return fmt.Errorf("%s (status %d): %s", message, resp.StatusCode, bodyStr)
	}
	return fmt.Errorf("%s (status %d)", message, resp.StatusCode)
}
