package types

import "time"

// StravaCredentials is the OAuth token pair for the upstream activity API,
// scoped to one user. Mutated only by the token source on refresh.
type StravaCredentials struct {
	Enabled      bool       `json:"enabled"`
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}

// UserRecord is the stored user document. Only the fields the sync
// pipeline reads are modelled here.
type UserRecord struct {
	UserID    string             `json:"user_id"`
	Email     string             `json:"email,omitempty"`
	Strava    *StravaCredentials `json:"strava,omitempty"`
	FcmTokens []string           `json:"fcm_tokens,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}
