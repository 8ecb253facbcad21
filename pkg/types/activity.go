package types

import "time"

// RawActivity is the upstream API's summary representation of one activity.
// It is immutable once fetched and discarded after mapping into an
// EnrichedActivity; only PersistedRun is stored.
type RawActivity struct {
	SourceID     string    `json:"source_id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	DistanceM    float64   `json:"distance_m"`
	MovingTimeS  int       `json:"moving_time_s"`
	ElapsedTimeS int       `json:"elapsed_time_s"`
	StartTime    time.Time `json:"start_time"`
	StartLat     float64   `json:"start_lat"`
	StartLng     float64   `json:"start_lng"`
	EndLat       float64   `json:"end_lat"`
	EndLng       float64   `json:"end_lng"`
	HasCoords    bool      `json:"has_coords"`
}

// WeatherSnapshot is a point-in-time weather observation at the activity's
// start location and start time.
type WeatherSnapshot struct {
	TemperatureC  float64 `json:"temperature_c"`
	Humidity      int     `json:"humidity"`
	WindSpeedKmh  float64 `json:"wind_speed_kmh"`
	ConditionCode int     `json:"condition_code"`
	Condition     string  `json:"condition"`
}

// Location is a reverse-geocoded place for the activity's start coordinates.
type Location struct {
	City    string `json:"city"`
	State   string `json:"state"`
	Country string `json:"country"`
}

// EnrichedActivity is a RawActivity plus best-effort supplementary data.
// Weather and Place are independently nullable: a failed lookup for one
// never blocks the other, and neither blocks persistence.
type EnrichedActivity struct {
	Activity RawActivity      `json:"activity"`
	Weather  *WeatherSnapshot `json:"weather,omitempty"`
	Place    *Location        `json:"place,omitempty"`
}

// PersistedRun is the canonical stored entity. At most one exists per
// (user, source activity id) pair; the run document ID is the source id.
type PersistedRun struct {
	SourceID     string           `json:"source_id"`
	UserID       string           `json:"user_id"`
	Name         string           `json:"name"`
	Type         string           `json:"type"`
	DistanceM    float64          `json:"distance_m"`
	MovingTimeS  int              `json:"moving_time_s"`
	ElapsedTimeS int              `json:"elapsed_time_s"`
	StartTime    time.Time        `json:"start_time"`
	StartLat     float64          `json:"start_lat"`
	StartLng     float64          `json:"start_lng"`
	Weather      *WeatherSnapshot `json:"weather,omitempty"`
	Place        *Location        `json:"place,omitempty"`
	SyncedAt     time.Time        `json:"synced_at"`
}

// NewPersistedRun maps an enriched activity into its stored form.
func NewPersistedRun(userID string, e EnrichedActivity, syncedAt time.Time) *PersistedRun {
	return &PersistedRun{
		SourceID:     e.Activity.SourceID,
		UserID:       userID,
		Name:         e.Activity.Name,
		Type:         e.Activity.Type,
		DistanceM:    e.Activity.DistanceM,
		MovingTimeS:  e.Activity.MovingTimeS,
		ElapsedTimeS: e.Activity.ElapsedTimeS,
		StartTime:    e.Activity.StartTime,
		StartLat:     e.Activity.StartLat,
		StartLng:     e.Activity.StartLng,
		Weather:      e.Weather,
		Place:        e.Place,
		SyncedAt:     syncedAt,
	}
}
