package sync

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/ripixel/stridesync-server/pkg/types"
)

func testActivity(id string, lat, lng float64) types.RawActivity {
	return types.RawActivity{
		SourceID:  id,
		Name:      "Run " + id,
		Type:      "Run",
		StartTime: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		StartLat:  lat,
		StartLng:  lng,
		HasCoords: lat != 0 || lng != 0,
	}
}

func newTestEnricher(baseURL string, client *http.Client) *Enricher {
	e := NewEnricher(baseURL, "test-key", client, 4)
	// Tests should not sit in the limiter
	e.Limiter = rate.NewLimiter(rate.Inf, 1)
	return e
}

const weatherBody = `{"data":[{"temp":12.5,"humidity":80,"wind_speed":5.0,"weather":[{"id":500,"main":"Rain"}]}]}`
const geoBody = `[{"name":"London","state":"England","country":"GB"}]`

func TestEnrichAddsWeatherAndPlace(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/data/3.0/onecall/timemachine"):
			if r.URL.Query().Get("appid") != "test-key" {
				t.Errorf("missing api key: %s", r.URL.RawQuery)
			}
			fmt.Fprint(w, weatherBody)
		case strings.HasPrefix(r.URL.Path, "/geo/1.0/reverse"):
			fmt.Fprint(w, geoBody)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	e := newTestEnricher(server.URL, server.Client())
	out := e.Enrich(context.Background(), discardLogger(), []types.RawActivity{
		testActivity("1", 51.5074, -0.1278),
	})

	if len(out) != 1 {
		t.Fatalf("got %d results, want 1", len(out))
	}
	if out[0].Weather == nil {
		t.Fatal("expected weather snapshot")
	}
	if out[0].Weather.TemperatureC != 12.5 {
		t.Errorf("TemperatureC = %v, want 12.5", out[0].Weather.TemperatureC)
	}
	// Provider reports m/s, stored as km/h
	if out[0].Weather.WindSpeedKmh != 18.0 {
		t.Errorf("WindSpeedKmh = %v, want 18.0", out[0].Weather.WindSpeedKmh)
	}
	if out[0].Weather.Condition != "Rain" || out[0].Weather.ConditionCode != 500 {
		t.Errorf("condition = %s/%d", out[0].Weather.Condition, out[0].Weather.ConditionCode)
	}
	if out[0].Place == nil {
		t.Fatal("expected place")
	}
	if out[0].Place.City != "London" || out[0].Place.Country != "GB" {
		t.Errorf("place = %+v", out[0].Place)
	}
}

func TestEnrichWeatherFailureIsIsolated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/data/3.0") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, geoBody)
	}))
	defer server.Close()

	e := newTestEnricher(server.URL, server.Client())
	out := e.Enrich(context.Background(), discardLogger(), []types.RawActivity{
		testActivity("1", 51.5, -0.12),
	})

	if out[0].Weather != nil {
		t.Error("expected nil weather after provider failure")
	}
	if out[0].Place == nil {
		t.Error("geocode must still succeed when weather fails")
	}
}

func TestEnrichGeocodeFailureIsIsolated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/geo/") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, weatherBody)
	}))
	defer server.Close()

	e := newTestEnricher(server.URL, server.Client())
	out := e.Enrich(context.Background(), discardLogger(), []types.RawActivity{
		testActivity("1", 51.5, -0.12),
	})

	if out[0].Weather == nil {
		t.Error("weather must still succeed when geocode fails")
	}
	if out[0].Place != nil {
		t.Error("expected nil place after provider failure")
	}
}

func TestEnrichNoCoordsPassesThrough(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	e := newTestEnricher(server.URL, server.Client())
	out := e.Enrich(context.Background(), discardLogger(), []types.RawActivity{
		testActivity("1", 0, 0),
	})

	if out[0].Weather != nil || out[0].Place != nil {
		t.Error("activity without coordinates must pass through unenriched")
	}
	if out[0].Activity.SourceID != "1" {
		t.Error("activity data must be preserved")
	}
	if calls.Load() != 0 {
		t.Errorf("provider called %d times for a coordinate-less activity", calls.Load())
	}
}

func TestEnrichPreservesOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/geo/") {
			fmt.Fprint(w, geoBody)
			return
		}
		fmt.Fprint(w, weatherBody)
	}))
	defer server.Close()

	items := make([]types.RawActivity, 20)
	for i := range items {
		items[i] = testActivity(fmt.Sprintf("%d", i), 51.5+float64(i)*0.01, -0.12)
	}

	e := newTestEnricher(server.URL, server.Client())
	out := e.Enrich(context.Background(), discardLogger(), items)

	if len(out) != len(items) {
		t.Fatalf("got %d results, want %d", len(out), len(items))
	}
	for i, item := range out {
		if item.Activity.SourceID != fmt.Sprintf("%d", i) {
			t.Fatalf("result %d has SourceID %s; order not preserved", i, item.Activity.SourceID)
		}
	}
}

func TestEnrichGeoCacheAvoidsRepeatLookups(t *testing.T) {
	var geoCalls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/geo/") {
			geoCalls.Add(1)
			fmt.Fprint(w, geoBody)
			return
		}
		fmt.Fprint(w, weatherBody)
	}))
	defer server.Close()

	e := newTestEnricher(server.URL, server.Client())
	e.Workers = 1 // serialize so the second lookup sees the first's cache write

	// Same rounded coordinates, different activities
	out := e.Enrich(context.Background(), discardLogger(), []types.RawActivity{
		testActivity("1", 51.50740, -0.12780),
		testActivity("2", 51.50741, -0.12781),
	})

	if out[0].Place == nil || out[1].Place == nil {
		t.Fatal("both activities should have a place")
	}
	if geoCalls.Load() != 1 {
		t.Errorf("geo lookups = %d, want 1 (second served from cache)", geoCalls.Load())
	}
}
