package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ripixel/stridesync-server/pkg/types"
)

// Enricher augments activities with point-in-time weather and a
// reverse-geocoded location, best-effort. Every lookup failure yields a
// nil field, never an error: weather and location are supplementary, not
// required for storage.
type Enricher struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
	// Workers bounds the per-page fan-out.
	Workers int
	// Limiter throttles calls to the provider across both endpoints.
	Limiter *rate.Limiter

	// Reverse-geocode results barely change across nearby points; cache
	// them per rounded coordinate for the life of the instance.
	geoCache   map[string]*types.Location
	geoCacheMu sync.RWMutex
}

func NewEnricher(baseURL, apiKey string, client *http.Client, workers int) *Enricher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if workers <= 0 {
		workers = 4
	}
	return &Enricher{
		BaseURL:  baseURL,
		APIKey:   apiKey,
		Client:   client,
		Workers:  workers,
		Limiter:  rate.NewLimiter(rate.Limit(5), 5),
		geoCache: make(map[string]*types.Location),
	}
}

// Enrich processes one page's qualifying activities with bounded
// parallelism, preserving input order. Items without coordinates pass
// through untouched.
func (e *Enricher) Enrich(ctx context.Context, logger *slog.Logger, items []types.RawActivity) []types.EnrichedActivity {
	results := make([]types.EnrichedActivity, len(items))

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < e.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = e.enrichOne(ctx, logger, items[i])
			}
		}()
	}

	for i := range items {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}

func (e *Enricher) enrichOne(ctx context.Context, logger *slog.Logger, item types.RawActivity) types.EnrichedActivity {
	out := types.EnrichedActivity{Activity: item}

	if !item.HasCoords {
		logger.Debug("No coordinates, passing through unenriched", "source_id", item.SourceID)
		return out
	}

	weather, err := e.lookupWeather(ctx, item.StartLat, item.StartLng, item.StartTime)
	if err != nil {
		logger.Warn("Weather lookup failed, storing without weather",
			"source_id", item.SourceID,
			"error", err,
		)
	} else {
		out.Weather = weather
	}

	place, err := e.lookupPlace(ctx, item.StartLat, item.StartLng)
	if err != nil {
		logger.Warn("Reverse geocode failed, storing without location",
			"source_id", item.SourceID,
			"error", err,
		)
	} else {
		out.Place = place
	}

	return out
}

// weatherResponse is the provider's time-indexed observation payload.
type weatherResponse struct {
	Data []struct {
		Temp      float64 `json:"temp"`
		Humidity  int     `json:"humidity"`
		WindSpeed float64 `json:"wind_speed"`
		Weather   []struct {
			ID   int    `json:"id"`
			Main string `json:"main"`
		} `json:"weather"`
	} `json:"data"`
}

func (e *Enricher) lookupWeather(ctx context.Context, lat, lng float64, at time.Time) (*types.WeatherSnapshot, error) {
	if err := e.Limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/data/3.0/onecall/timemachine?lat=%.6f&lon=%.6f&dt=%d&units=metric&appid=%s",
		e.BaseURL, lat, lng, at.Unix(), e.APIKey)

	var parsed weatherResponse
	if err := e.getJSON(ctx, url, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("no observation for timestamp %d", at.Unix())
	}

	obs := parsed.Data[0]
	snapshot := &types.WeatherSnapshot{
		TemperatureC: obs.Temp,
		Humidity:     obs.Humidity,
		// Provider reports metres per second
		WindSpeedKmh: obs.WindSpeed * 3.6,
	}
	if len(obs.Weather) > 0 {
		snapshot.ConditionCode = obs.Weather[0].ID
		snapshot.Condition = obs.Weather[0].Main
	}
	return snapshot, nil
}

// geoResponse is the provider's reverse geocode payload.
type geoResponse []struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Country string `json:"country"`
}

func (e *Enricher) lookupPlace(ctx context.Context, lat, lng float64) (*types.Location, error) {
	cacheKey := fmt.Sprintf("%.4f,%.4f", lat, lng)
	e.geoCacheMu.RLock()
	cached, ok := e.geoCache[cacheKey]
	e.geoCacheMu.RUnlock()
	if ok {
		return cached, nil
	}

	if err := e.Limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/geo/1.0/reverse?lat=%.6f&lon=%.6f&limit=1&appid=%s",
		e.BaseURL, lat, lng, e.APIKey)

	var parsed geoResponse
	if err := e.getJSON(ctx, url, &parsed); err != nil {
		return nil, err
	}
	if len(parsed) == 0 {
		return nil, fmt.Errorf("no place for %.4f,%.4f", lat, lng)
	}

	place := &types.Location{
		City:    parsed[0].Name,
		State:   parsed[0].State,
		Country: parsed[0].Country,
	}

	e.geoCacheMu.Lock()
	e.geoCache[cacheKey] = place
	e.geoCacheMu.Unlock()

	return place, nil
}

func (e *Enricher) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("malformed provider payload: %w", err)
	}
	return nil
}
