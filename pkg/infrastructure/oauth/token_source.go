package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ripixel/stridesync-server/pkg/bootstrap"
)

// ErrReauthRequired signals that the stored refresh token was rejected
// and the user must re-connect the integration. Not retryable.
var ErrReauthRequired = errors.New("refresh token rejected; user must re-connect strava")

// Token represents the OAuth token pair we care about
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// TokenSource returns a valid token.
// It is safe for concurrent use by multiple goroutines.
type TokenSource interface {
	Token(context.Context) (*Token, error)
	ForceRefresh(context.Context) (*Token, error)
}

// FirestoreTokenSource reads the user's Strava credential set from the
// database and refreshes it if necessary.
type FirestoreTokenSource struct {
	svc    *bootstrap.Service
	userID string
	mu     sync.Mutex
}

func NewFirestoreTokenSource(svc *bootstrap.Service, userID string) *FirestoreTokenSource {
	return &FirestoreTokenSource{
		svc:    svc,
		userID: userID,
	}
}

// ForceRefresh forcibly refreshes the token regardless of expiry.
func (s *FirestoreTokenSource) ForceRefresh(ctx context.Context) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Fetch refresh token explicitly from DB again to be safe
	userData, err := s.svc.DB.GetUser(ctx, s.userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if userData.Strava == nil || !userData.Strava.Enabled {
		return nil, fmt.Errorf("strava not linked/enabled: %w", ErrReauthRequired)
	}
	if userData.Strava.RefreshToken == "" {
		return nil, fmt.Errorf("missing refresh token: %w", ErrReauthRequired)
	}

	return s.refreshToken(ctx, userData.Strava.RefreshToken)
}

// Token returns a token, refreshing it if necessary.
func (s *FirestoreTokenSource) Token(ctx context.Context) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 1. Fetch current token from Firestore
	userData, err := s.svc.DB.GetUser(ctx, s.userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if userData.Strava == nil || !userData.Strava.Enabled {
		return nil, fmt.Errorf("strava not linked/enabled: %w", ErrReauthRequired)
	}

	accessToken := userData.Strava.AccessToken
	refreshToken := userData.Strava.RefreshToken

	var expiry time.Time
	if userData.Strava.ExpiresAt != nil {
		expiry = *userData.Strava.ExpiresAt
	}

	if accessToken == "" {
		return nil, fmt.Errorf("missing access token: %w", ErrReauthRequired)
	}
	if refreshToken == "" {
		return nil, fmt.Errorf("missing refresh token: %w", ErrReauthRequired)
	}

	// 2. Check Expiry (Proactive Refresh)
	// Refresh if expired or expiring in the next minute
	if !expiry.IsZero() && time.Now().Add(1*time.Minute).After(expiry) {
		return s.refreshToken(ctx, refreshToken)
	}

	return &Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Expiry:       expiry,
	}, nil
}

// refreshToken performs the HTTP exchange to get a new token pair and
// persists it before returning.
func (s *FirestoreTokenSource) refreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	cfg := s.svc.Config
	if cfg.StravaClientID == "" || cfg.StravaClientSecret == "" {
		return nil, fmt.Errorf("strava client credentials not configured")
	}

	// Strava requires client_id/secret in the form body
	data := url.Values{}
	data.Set("client_id", cfg.StravaClientID)
	data.Set("client_secret", cfg.StravaClientSecret)
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, "POST", cfg.StravaTokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	// 400/401 from the token endpoint means the refresh token itself is
	// invalid or revoked; anything else is a transient upstream problem.
	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("refresh denied with status %d: %w", resp.StatusCode, ErrReauthRequired)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("refresh failed with status: %d", resp.StatusCode)
	}

	// Parse Response
	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		ExpiresAt    int64  `json:"expires_at"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode refresh response: %w", err)
	}

	newExpiry := time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	if result.ExpiresAt != 0 {
		newExpiry = time.Unix(result.ExpiresAt, 0)
	}

	// Update Firestore using dotted paths to avoid overwriting the entire
	// integration sub-object (which would wipe enabled etc.)
	updateData := map[string]interface{}{
		"integrations.strava.access_token": result.AccessToken,
		"integrations.strava.expires_at":   newExpiry,
		"integrations.strava.last_used_at": time.Now(),
	}
	// Only update refresh_token if the provider returned a new one.
	if result.RefreshToken != "" {
		updateData["integrations.strava.refresh_token"] = result.RefreshToken
	}

	if err := s.svc.DB.UpdateUser(ctx, s.userID, updateData); err != nil {
		return nil, fmt.Errorf("failed to persist new tokens: %w", err)
	}

	// Preserve the original refresh token if the provider didn't rotate it
	newRefreshToken := result.RefreshToken
	if newRefreshToken == "" {
		newRefreshToken = refreshToken
	}

	return &Token{
		AccessToken:  result.AccessToken,
		RefreshToken: newRefreshToken,
		Expiry:       newExpiry,
	}, nil
}
