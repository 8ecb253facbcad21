package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	httputil "github.com/ripixel/stridesync-server/pkg/infrastructure/http"
	"github.com/ripixel/stridesync-server/pkg/types"
)

// runnableTypes are the upstream activity types the pipeline stores.
var runnableTypes = map[string]bool{
	"Run":        true,
	"TrailRun":   true,
	"VirtualRun": true,
}

// Page is one fetched page. RawCount is the unfiltered page length and is
// the only valid termination signal; Items holds just the qualifying
// activities. LastStart is the start time of the final raw item, used to
// advance window-mode cursors.
type Page struct {
	Items     []types.RawActivity
	RawCount  int
	LastStart time.Time
	RawBody   []byte
}

// Fetcher retrieves one page of activities per call from the upstream API.
// The HTTP client is expected to carry the OAuth transport, so a 401 seen
// here means the single force-refresh retry already failed.
type Fetcher struct {
	BaseURL  string
	Client   *http.Client
	RetryMax int
	// Backoff is the first retry delay; it doubles per attempt.
	Backoff time.Duration
}

func NewFetcher(baseURL string, client *http.Client, retryMax int) *Fetcher {
	return &Fetcher{
		BaseURL:  baseURL,
		Client:   client,
		RetryMax: retryMax,
		Backoff:  time.Second,
	}
}

// stravaActivity is the subset of the upstream summary representation we
// consume.
type stravaActivity struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	SportType   string    `json:"sport_type"`
	Distance    float64   `json:"distance"`
	MovingTime  int       `json:"moving_time"`
	ElapsedTime int       `json:"elapsed_time"`
	StartDate   time.Time `json:"start_date"`
	StartLatLng []float64 `json:"start_latlng"`
	EndLatLng   []float64 `json:"end_latlng"`
}

// FetchPage issues one paginated request for the given cursor, retrying
// retryable upstream failures with exponential backoff up to the budget.
func (f *Fetcher) FetchPage(ctx context.Context, logger *slog.Logger, cursor *types.Cursor) (*Page, error) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		page, err := f.fetchOnce(ctx, cursor)
		if err == nil {
			return page, nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt >= f.RetryMax {
			return nil, lastErr
		}

		delay := f.retryDelay(err, attempt)
		logger.Warn("Upstream fetch failed, backing off",
			"attempt", attempt+1,
			"delay", delay.String(),
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// retryDelay is the exponential backoff for the attempt, unless the
// upstream sent a Retry-After hint, which wins.
func (f *Fetcher) retryDelay(err error, attempt int) time.Duration {
	var httpErr *httputil.HTTPError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
		return httpErr.RetryAfter
	}
	return f.Backoff << attempt
}

func (f *Fetcher) fetchOnce(ctx context.Context, cursor *types.Cursor) (*Page, error) {
	reqURL := f.BaseURL + "/athlete/activities?" + CursorQuery(cursor).Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, &UpstreamError{StatusCode: http.StatusBadGateway, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		// The OAuth transport already retried once after a force refresh.
		return nil, &AuthError{Reason: "upstream rejected token after refresh"}
	}
	if resp.StatusCode >= 400 {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Err: httputil.ParseErrorResponse(resp)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamError{StatusCode: http.StatusBadGateway, Err: err}
	}

	var raw []stravaActivity
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Err: fmt.Errorf("malformed page payload: %w", err)}
	}

	page := &Page{
		RawCount: len(raw),
		RawBody:  body,
	}
	if len(raw) > 0 {
		page.LastStart = raw[len(raw)-1].StartDate
	}

	for _, a := range raw {
		item, ok := mapActivity(a)
		if !ok {
			continue
		}
		page.Items = append(page.Items, item)
	}

	return page, nil
}

// mapActivity filters to runnable activities with valid start coordinates
// and maps them into the transient RawActivity form.
func mapActivity(a stravaActivity) (types.RawActivity, bool) {
	actType := a.SportType
	if actType == "" {
		actType = a.Type
	}
	if !runnableTypes[actType] {
		return types.RawActivity{}, false
	}
	if len(a.StartLatLng) < 2 {
		return types.RawActivity{}, false
	}
	lat, lng := a.StartLatLng[0], a.StartLatLng[1]
	if lat == 0 && lng == 0 {
		return types.RawActivity{}, false
	}

	item := types.RawActivity{
		SourceID:     fmt.Sprintf("%d", a.ID),
		Name:         a.Name,
		Type:         actType,
		DistanceM:    a.Distance,
		MovingTimeS:  a.MovingTime,
		ElapsedTimeS: a.ElapsedTime,
		StartTime:    a.StartDate,
		StartLat:     lat,
		StartLng:     lng,
		HasCoords:    true,
	}
	if len(a.EndLatLng) >= 2 {
		item.EndLat = a.EndLatLng[0]
		item.EndLng = a.EndLatLng[1]
	}
	return item, true
}
