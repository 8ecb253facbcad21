package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	httputil "github.com/ripixel/stridesync-server/pkg/infrastructure/http"
	"github.com/ripixel/stridesync-server/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func pageCursor(page, perPage int) *types.Cursor {
	return &types.Cursor{Mode: types.CursorModePage, Page: page, PerPage: perPage}
}

func activityJSON(id int, actType string, lat, lng float64) string {
	return fmt.Sprintf(`{
		"id": %d,
		"name": "Morning Run %d",
		"type": "%s",
		"sport_type": "%s",
		"distance": 5000.5,
		"moving_time": 1500,
		"elapsed_time": 1600,
		"start_date": "2026-03-01T08:00:00Z",
		"start_latlng": [%f, %f],
		"end_latlng": [%f, %f]
	}`, id, id, actType, actType, lat, lng, lat, lng)
}

func TestFetchPageFiltersToRunnableWithCoords(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/athlete/activities" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("page") != "1" || r.URL.Query().Get("per_page") != "5" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		fmt.Fprintf(w, `[%s, %s, %s, %s, %s]`,
			activityJSON(1, "Run", 51.5, -0.12),
			activityJSON(2, "Ride", 51.5, -0.12),      // wrong type
			activityJSON(3, "Run", 0, 0),              // null island
			activityJSON(4, "TrailRun", 53.4, -2.99),
			activityJSON(5, "VirtualRun", 40.7, -74.0),
		)
	}))
	defer server.Close()

	f := NewFetcher(server.URL, server.Client(), 0)
	page, err := f.FetchPage(context.Background(), discardLogger(), pageCursor(1, 5))
	if err != nil {
		t.Fatalf("FetchPage failed: %v", err)
	}

	if page.RawCount != 5 {
		t.Errorf("RawCount = %d, want 5 (unfiltered)", page.RawCount)
	}
	if len(page.Items) != 3 {
		t.Fatalf("Items = %d, want 3 qualifying", len(page.Items))
	}
	if page.Items[0].SourceID != "1" || page.Items[1].SourceID != "4" || page.Items[2].SourceID != "5" {
		t.Errorf("unexpected item order: %s, %s, %s",
			page.Items[0].SourceID, page.Items[1].SourceID, page.Items[2].SourceID)
	}
	if !page.Items[0].HasCoords {
		t.Error("qualifying item must have HasCoords set")
	}
	if page.LastStart.IsZero() {
		t.Error("LastStart must be taken from the raw page")
	}
}

func TestFetchPage401IsAuthError(t *testing.T) {
	// The OAuth transport has already used its single force-refresh retry
	// by the time the fetcher sees a 401.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	f := NewFetcher(server.URL, server.Client(), 3)
	f.Backoff = time.Millisecond

	_, err := f.FetchPage(context.Background(), discardLogger(), pageCursor(1, 50))

	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if IsRetryable(err) {
		t.Error("auth failures must not be retryable")
	}
}

func TestFetchPageRetries429ThenSucceeds(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprintf(w, `[%s]`, activityJSON(1, "Run", 51.5, -0.12))
	}))
	defer server.Close()

	f := NewFetcher(server.URL, server.Client(), 3)
	f.Backoff = time.Millisecond

	page, err := f.FetchPage(context.Background(), discardLogger(), pageCursor(1, 50))
	if err != nil {
		t.Fatalf("FetchPage failed after retries: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (two 429s then success)", calls)
	}
	if len(page.Items) != 1 {
		t.Errorf("Items = %d, want 1", len(page.Items))
	}
}

func TestFetchPageExhaustsRetryBudget(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	f := NewFetcher(server.URL, server.Client(), 2)
	f.Backoff = time.Millisecond

	_, err := f.FetchPage(context.Background(), discardLogger(), pageCursor(1, 50))

	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want 503", upErr.StatusCode)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (initial + 2 retries)", calls)
	}
}

func TestFetchPage404IsNotRetried(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, `{"message":"Record Not Found"}`, http.StatusNotFound)
	}))
	defer server.Close()

	f := NewFetcher(server.URL, server.Client(), 3)
	f.Backoff = time.Millisecond

	_, err := f.FetchPage(context.Background(), discardLogger(), pageCursor(1, 50))

	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upErr.Retryable() {
		t.Error("404 must not be retryable")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryDelayHonoursRetryAfterHint(t *testing.T) {
	f := NewFetcher("http://example", nil, 3)
	f.Backoff = time.Second

	hinted := &UpstreamError{
		StatusCode: 429,
		Err:        &httputil.HTTPError{StatusCode: 429, RetryAfter: 30 * time.Second},
	}
	if got := f.retryDelay(hinted, 0); got != 30*time.Second {
		t.Errorf("retryDelay with hint = %s, want 30s", got)
	}

	unhinted := &UpstreamError{StatusCode: 503}
	if got := f.retryDelay(unhinted, 0); got != time.Second {
		t.Errorf("retryDelay attempt 0 = %s, want 1s", got)
	}
	if got := f.retryDelay(unhinted, 2); got != 4*time.Second {
		t.Errorf("retryDelay attempt 2 = %s, want 4s", got)
	}
}

func TestFetchPageEmptyPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	}))
	defer server.Close()

	f := NewFetcher(server.URL, server.Client(), 0)
	page, err := f.FetchPage(context.Background(), discardLogger(), pageCursor(1, 50))
	if err != nil {
		t.Fatalf("FetchPage failed: %v", err)
	}
	if page.RawCount != 0 || len(page.Items) != 0 {
		t.Errorf("expected empty page, got raw=%d items=%d", page.RawCount, len(page.Items))
	}
}

func TestFetchPageMalformedPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"not":"an array"}`)
	}))
	defer server.Close()

	f := NewFetcher(server.URL, server.Client(), 0)
	if _, err := f.FetchPage(context.Background(), discardLogger(), pageCursor(1, 50)); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestFetchPageMissingCoordsFiltered(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Treadmill runs come back with an empty start_latlng.
		fmt.Fprint(w, `[{
			"id": 7,
			"name": "Treadmill",
			"sport_type": "Run",
			"distance": 3000,
			"moving_time": 900,
			"elapsed_time": 900,
			"start_date": "2026-03-01T08:00:00Z",
			"start_latlng": []
		}]`)
	}))
	defer server.Close()

	f := NewFetcher(server.URL, server.Client(), 0)
	page, err := f.FetchPage(context.Background(), discardLogger(), pageCursor(1, 50))
	if err != nil {
		t.Fatalf("FetchPage failed: %v", err)
	}
	if page.RawCount != 1 {
		t.Errorf("RawCount = %d, want 1", page.RawCount)
	}
	if len(page.Items) != 0 {
		t.Errorf("Items = %d, want 0", len(page.Items))
	}
}
