package firestore

import (
	"time"

	"github.com/ripixel/stridesync-server/pkg/types"
)

// Helper to safely get string from map
func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Helper to safely get bool from map
func getBool(m map[string]interface{}, key string) bool {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

// Helper to safely get int from map (Firestore numbers come back as int64)
func getInt(m map[string]interface{}, key string) int {
	if v, ok := m[key]; ok {
		switch n := v.(type) {
		case int64:
			return int(n)
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return 0
}

func getInt64(m map[string]interface{}, key string) int64 {
	if v, ok := m[key]; ok {
		switch n := v.(type) {
		case int64:
			return n
		case int:
			return int64(n)
		case float64:
			return int64(n)
		}
	}
	return 0
}

func getFloat(m map[string]interface{}, key string) float64 {
	if v, ok := m[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int64:
			return float64(n)
		}
	}
	return 0
}

// Helper to safely get time from map (handles time.Time from Firestore)
func getTime(m map[string]interface{}, key string) time.Time {
	if v, ok := m[key]; ok {
		if t, ok := v.(time.Time); ok {
			return t
		}
	}
	return time.Time{}
}

func getTimePtr(m map[string]interface{}, key string) *time.Time {
	t := getTime(m, key)
	if t.IsZero() {
		return nil
	}
	return &t
}

func getMap(m map[string]interface{}, key string) map[string]interface{} {
	if v, ok := m[key]; ok {
		if sub, ok := v.(map[string]interface{}); ok {
			return sub
		}
	}
	return nil
}

// --- UserRecord Converters ---

func UserToFirestore(u *types.UserRecord) map[string]interface{} {
	m := map[string]interface{}{
		"user_id":    u.UserID,
		"created_at": u.CreatedAt,
	}
	if u.Email != "" {
		m["email"] = u.Email
	}
	if len(u.FcmTokens) > 0 {
		m["fcm_tokens"] = u.FcmTokens
	}

	if u.Strava != nil {
		strava := map[string]interface{}{
			"enabled":       u.Strava.Enabled,
			"access_token":  u.Strava.AccessToken,
			"refresh_token": u.Strava.RefreshToken,
		}
		if u.Strava.ExpiresAt != nil {
			strava["expires_at"] = *u.Strava.ExpiresAt
		}
		if u.Strava.LastUsedAt != nil {
			strava["last_used_at"] = *u.Strava.LastUsedAt
		}
		m["integrations"] = map[string]interface{}{"strava": strava}
	}

	return m
}

func FirestoreToUser(m map[string]interface{}) *types.UserRecord {
	u := &types.UserRecord{
		UserID:    getString(m, "user_id"),
		Email:     getString(m, "email"),
		CreatedAt: getTime(m, "created_at"),
	}

	if v, ok := m["fcm_tokens"]; ok {
		if list, ok := v.([]interface{}); ok {
			for _, item := range list {
				if s, ok := item.(string); ok {
					u.FcmTokens = append(u.FcmTokens, s)
				}
			}
		}
	}

	if integrations := getMap(m, "integrations"); integrations != nil {
		if strava := getMap(integrations, "strava"); strava != nil {
			u.Strava = &types.StravaCredentials{
				Enabled:      getBool(strava, "enabled"),
				AccessToken:  getString(strava, "access_token"),
				RefreshToken: getString(strava, "refresh_token"),
				ExpiresAt:    getTimePtr(strava, "expires_at"),
				LastUsedAt:   getTimePtr(strava, "last_used_at"),
			}
		}
	}

	return u
}

// --- SyncSession Converters ---

func SessionToFirestore(s *types.SyncSession) map[string]interface{} {
	m := map[string]interface{}{
		"session_id":       s.SessionID,
		"user_id":          s.UserID,
		"status":           string(s.Status),
		"pages_done":       s.PagesDone,
		"cancel_requested": s.CancelRequested,
		"created_at":       s.CreatedAt,
		"updated_at":       s.UpdatedAt,
		"counters": map[string]interface{}{
			"fetched":  s.Counters.Fetched,
			"enriched": s.Counters.Enriched,
			"saved":    s.Counters.Saved,
			"skipped":  s.Counters.Skipped,
			"failed":   s.Counters.Failed,
		},
	}
	if s.Cursor != nil {
		m["cursor"] = CursorToFirestore(s.Cursor)
	}
	if s.FailedStage != "" {
		m["failed_stage"] = s.FailedStage
	}
	if s.FailureReason != "" {
		m["failure_reason"] = s.FailureReason
	}
	return m
}

func FirestoreToSession(m map[string]interface{}) *types.SyncSession {
	s := &types.SyncSession{
		SessionID:       getString(m, "session_id"),
		UserID:          getString(m, "user_id"),
		Status:          types.SessionStatus(getString(m, "status")),
		PagesDone:       getInt(m, "pages_done"),
		FailedStage:     getString(m, "failed_stage"),
		FailureReason:   getString(m, "failure_reason"),
		CancelRequested: getBool(m, "cancel_requested"),
		CreatedAt:       getTime(m, "created_at"),
		UpdatedAt:       getTime(m, "updated_at"),
	}

	if counters := getMap(m, "counters"); counters != nil {
		s.Counters = types.SessionCounters{
			Fetched:  getInt(counters, "fetched"),
			Enriched: getInt(counters, "enriched"),
			Saved:    getInt(counters, "saved"),
			Skipped:  getInt(counters, "skipped"),
			Failed:   getInt(counters, "failed"),
		}
	}

	if cursor := getMap(m, "cursor"); cursor != nil {
		s.Cursor = FirestoreToCursor(cursor)
	}

	return s
}

func CursorToFirestore(c *types.Cursor) map[string]interface{} {
	return map[string]interface{}{
		"mode":     string(c.Mode),
		"page":     c.Page,
		"per_page": c.PerPage,
		"after":    c.After,
		"before":   c.Before,
	}
}

func FirestoreToCursor(m map[string]interface{}) *types.Cursor {
	return &types.Cursor{
		Mode:    types.CursorMode(getString(m, "mode")),
		Page:    getInt(m, "page"),
		PerPage: getInt(m, "per_page"),
		After:   getInt64(m, "after"),
		Before:  getInt64(m, "before"),
	}
}

// --- PersistedRun Converters ---

func RunToFirestore(r *types.PersistedRun) map[string]interface{} {
	m := map[string]interface{}{
		"source_id":      r.SourceID,
		"user_id":        r.UserID,
		"name":           r.Name,
		"type":           r.Type,
		"distance_m":     r.DistanceM,
		"moving_time_s":  r.MovingTimeS,
		"elapsed_time_s": r.ElapsedTimeS,
		"start_time":     r.StartTime,
		"start_lat":      r.StartLat,
		"start_lng":      r.StartLng,
		"synced_at":      r.SyncedAt,
	}
	if r.Weather != nil {
		m["weather"] = map[string]interface{}{
			"temperature_c":  r.Weather.TemperatureC,
			"humidity":       r.Weather.Humidity,
			"wind_speed_kmh": r.Weather.WindSpeedKmh,
			"condition_code": r.Weather.ConditionCode,
			"condition":      r.Weather.Condition,
		}
	}
	if r.Place != nil {
		m["place"] = map[string]interface{}{
			"city":    r.Place.City,
			"state":   r.Place.State,
			"country": r.Place.Country,
		}
	}
	return m
}

func FirestoreToRun(m map[string]interface{}) *types.PersistedRun {
	r := &types.PersistedRun{
		SourceID:     getString(m, "source_id"),
		UserID:       getString(m, "user_id"),
		Name:         getString(m, "name"),
		Type:         getString(m, "type"),
		DistanceM:    getFloat(m, "distance_m"),
		MovingTimeS:  getInt(m, "moving_time_s"),
		ElapsedTimeS: getInt(m, "elapsed_time_s"),
		StartTime:    getTime(m, "start_time"),
		StartLat:     getFloat(m, "start_lat"),
		StartLng:     getFloat(m, "start_lng"),
		SyncedAt:     getTime(m, "synced_at"),
	}

	if weather := getMap(m, "weather"); weather != nil {
		r.Weather = &types.WeatherSnapshot{
			TemperatureC:  getFloat(weather, "temperature_c"),
			Humidity:      getInt(weather, "humidity"),
			WindSpeedKmh:  getFloat(weather, "wind_speed_kmh"),
			ConditionCode: getInt(weather, "condition_code"),
			Condition:     getString(weather, "condition"),
		}
	}
	if place := getMap(m, "place"); place != nil {
		r.Place = &types.Location{
			City:    getString(place, "city"),
			State:   getString(place, "state"),
			Country: getString(place, "country"),
		}
	}

	return r
}

// --- ExecutionRecord Converters ---

func ExecutionToFirestore(e *types.ExecutionRecord) map[string]interface{} {
	m := map[string]interface{}{
		"execution_id": e.ExecutionID,
		"service":      e.Service,
		"trigger_type": e.TriggerType,
		"status":       string(e.Status),
		"started_at":   e.StartedAt,
	}
	if e.UserID != "" {
		m["user_id"] = e.UserID
	}
	if e.Error != "" {
		m["error"] = e.Error
	}
	if e.OutputsJSON != "" {
		m["outputs_json"] = e.OutputsJSON
	}
	if e.FinishedAt != nil {
		m["finished_at"] = *e.FinishedAt
	}
	return m
}

func FirestoreToExecution(m map[string]interface{}) *types.ExecutionRecord {
	return &types.ExecutionRecord{
		ExecutionID: getString(m, "execution_id"),
		Service:     getString(m, "service"),
		UserID:      getString(m, "user_id"),
		TriggerType: getString(m, "trigger_type"),
		Status:      types.ExecutionStatus(getString(m, "status")),
		Error:       getString(m, "error"),
		OutputsJSON: getString(m, "outputs_json"),
		StartedAt:   getTime(m, "started_at"),
		FinishedAt:  getTimePtr(m, "finished_at"),
	}
}
