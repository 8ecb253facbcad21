package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ripixel/stridesync-server/pkg/bootstrap"
	"github.com/ripixel/stridesync-server/pkg/testing/mocks"
	"github.com/ripixel/stridesync-server/pkg/types"
)

func testService(db *mocks.MockDatabase, tokenURL string) *bootstrap.Service {
	return &bootstrap.Service{
		DB: db,
		Config: &bootstrap.Config{
			StravaTokenURL:     tokenURL,
			StravaClientID:     "client-id",
			StravaClientSecret: "client-secret",
		},
	}
}

func userWithToken(access, refresh string, expiry time.Time) *types.UserRecord {
	return &types.UserRecord{
		UserID: "user-1",
		Strava: &types.StravaCredentials{
			Enabled:      true,
			AccessToken:  access,
			RefreshToken: refresh,
			ExpiresAt:    &expiry,
		},
	}
}

func TestTokenReturnsValidTokenWithoutRefresh(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("token endpoint must not be called for a valid token")
	}))
	defer server.Close()

	db := &mocks.MockDatabase{
		GetUserFunc: func(ctx context.Context, id string) (*types.UserRecord, error) {
			return userWithToken("valid-token", "refresh-1", time.Now().Add(time.Hour)), nil
		},
	}

	source := NewFirestoreTokenSource(testService(db, server.URL), "user-1")
	token, err := source.Token(context.Background())
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if token.AccessToken != "valid-token" {
		t.Errorf("AccessToken = %s", token.AccessToken)
	}
}

func TestTokenProactivelyRefreshesNearExpiry(t *testing.T) {
	var updated map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "refresh-1" {
			t.Errorf("unexpected form: %v", r.Form)
		}
		if r.Form.Get("client_id") != "client-id" || r.Form.Get("client_secret") != "client-secret" {
			t.Errorf("client credentials missing from form: %v", r.Form)
		}
		fmt.Fprintf(w, `{"access_token":"new-token","refresh_token":"refresh-2","expires_at":%d}`,
			time.Now().Add(6*time.Hour).Unix())
	}))
	defer server.Close()

	db := &mocks.MockDatabase{
		GetUserFunc: func(ctx context.Context, id string) (*types.UserRecord, error) {
			// Expires in 30s, inside the one minute skew
			return userWithToken("stale-token", "refresh-1", time.Now().Add(30*time.Second)), nil
		},
		UpdateUserFunc: func(ctx context.Context, id string, data map[string]interface{}) error {
			updated = data
			return nil
		},
	}

	source := NewFirestoreTokenSource(testService(db, server.URL), "user-1")
	token, err := source.Token(context.Background())
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if token.AccessToken != "new-token" {
		t.Errorf("AccessToken = %s, want new-token", token.AccessToken)
	}
	if token.RefreshToken != "refresh-2" {
		t.Errorf("RefreshToken = %s, want rotated refresh-2", token.RefreshToken)
	}

	// Persisted via dotted paths so the rest of the integration object survives
	if updated == nil {
		t.Fatal("new token pair not persisted")
	}
	if updated["integrations.strava.access_token"] != "new-token" {
		t.Errorf("persisted access token = %v", updated["integrations.strava.access_token"])
	}
	if updated["integrations.strava.refresh_token"] != "refresh-2" {
		t.Errorf("persisted refresh token = %v", updated["integrations.strava.refresh_token"])
	}
}

func TestTokenKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	var updated map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"access_token":"new-token","expires_at":%d}`, time.Now().Add(6*time.Hour).Unix())
	}))
	defer server.Close()

	db := &mocks.MockDatabase{
		GetUserFunc: func(ctx context.Context, id string) (*types.UserRecord, error) {
			return userWithToken("stale-token", "refresh-1", time.Now().Add(-time.Minute)), nil
		},
		UpdateUserFunc: func(ctx context.Context, id string, data map[string]interface{}) error {
			updated = data
			return nil
		},
	}

	source := NewFirestoreTokenSource(testService(db, server.URL), "user-1")
	token, err := source.Token(context.Background())
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if token.RefreshToken != "refresh-1" {
		t.Errorf("RefreshToken = %s, want original preserved", token.RefreshToken)
	}
	if _, ok := updated["integrations.strava.refresh_token"]; ok {
		t.Error("un-rotated refresh token must not be overwritten in storage")
	}
}

func TestRefreshDenialRequiresReauth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Bad Request"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	db := &mocks.MockDatabase{
		GetUserFunc: func(ctx context.Context, id string) (*types.UserRecord, error) {
			return userWithToken("stale-token", "revoked-refresh", time.Now().Add(-time.Minute)), nil
		},
	}

	source := NewFirestoreTokenSource(testService(db, server.URL), "user-1")
	_, err := source.Token(context.Background())
	if !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("expected ErrReauthRequired, got %v", err)
	}
}

func TestTokenRequiresLinkedIntegration(t *testing.T) {
	db := &mocks.MockDatabase{
		GetUserFunc: func(ctx context.Context, id string) (*types.UserRecord, error) {
			return &types.UserRecord{UserID: "user-1"}, nil
		},
	}

	source := NewFirestoreTokenSource(testService(db, "http://unused"), "user-1")
	_, err := source.Token(context.Background())
	if !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("expected ErrReauthRequired for unlinked user, got %v", err)
	}
}

func TestTransportRetriesOnceAfter401(t *testing.T) {
	var apiCalls int
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiCalls++
		if r.Header.Get("Authorization") == "Bearer fresh-token" {
			fmt.Fprint(w, `[]`)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer api.Close()

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"access_token":"fresh-token","expires_at":%d}`, time.Now().Add(6*time.Hour).Unix())
	}))
	defer tokenServer.Close()

	db := &mocks.MockDatabase{
		GetUserFunc: func(ctx context.Context, id string) (*types.UserRecord, error) {
			// Looks valid by expiry, but the upstream rejects it
			return userWithToken("revoked-token", "refresh-1", time.Now().Add(time.Hour)), nil
		},
		UpdateUserFunc: func(ctx context.Context, id string, data map[string]interface{}) error {
			return nil
		},
	}

	source := NewFirestoreTokenSource(testService(db, tokenServer.URL), "user-1")
	client := NewHTTPClient(source)

	resp, err := client.Get(api.URL + "/athlete/activities")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 after transparent refresh", resp.StatusCode)
	}
	if apiCalls != 2 {
		t.Errorf("api calls = %d, want 2 (401 then retry)", apiCalls)
	}
}

func TestTransportSecond401IsNotRetried(t *testing.T) {
	var apiCalls int
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiCalls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer api.Close()

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"access_token":"fresh-token","expires_at":%d}`, time.Now().Add(6*time.Hour).Unix())
	}))
	defer tokenServer.Close()

	db := &mocks.MockDatabase{
		GetUserFunc: func(ctx context.Context, id string) (*types.UserRecord, error) {
			return userWithToken("revoked-token", "refresh-1", time.Now().Add(time.Hour)), nil
		},
		UpdateUserFunc: func(ctx context.Context, id string, data map[string]interface{}) error {
			return nil
		},
	}

	source := NewFirestoreTokenSource(testService(db, tokenServer.URL), "user-1")
	client := NewHTTPClient(source)

	resp, err := client.Get(api.URL + "/athlete/activities")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	// The second 401 is surfaced to the caller; classification happens there
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if apiCalls != 2 {
		t.Errorf("api calls = %d, want exactly 2", apiCalls)
	}
}
