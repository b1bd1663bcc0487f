package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/notesphere/collab/internal/auth"
	"github.com/notesphere/collab/internal/feed"
	"github.com/notesphere/collab/internal/presence"
	"github.com/notesphere/collab/internal/profile"
)

type testEnvironment struct {
	server  *httptest.Server
	tokens  *auth.TokenIssuer
	db      *gorm.DB
	dispose func()
}

func newTestEnvironment(t *testing.T) *testEnvironment {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&presence.Record{}, &profile.Profile{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "collab-auth",
		Audience:      "collab-api",
		TokenTTL:      time.Minute,
	})

	dispatcher := feed.NewDispatcher()
	presenceService, err := presence.NewService(presence.ServiceConfig{
		Database: db,
		Feed:     dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to create presence service: %v", err)
	}
	profileService, err := profile.NewService(profile.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create profile service: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager:    tokenIssuer,
		PresenceService: presenceService,
		ProfileService:  profileService,
		Feed:            dispatcher,
		Logger:          zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	return &testEnvironment{
		server:  server,
		tokens:  tokenIssuer,
		db:      db,
		dispose: server.Close,
	}
}

func (env *testEnvironment) tokenFor(t *testing.T, subject string) string {
	t.Helper()
	token, _, err := env.tokens.IssueToken(context.Background(), subject)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (env *testEnvironment) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var payload *bytes.Buffer
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		payload = bytes.NewBuffer(encoded)
	} else {
		payload = bytes.NewBuffer(nil)
	}

	request, err := http.NewRequest(method, env.server.URL+path, payload)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return response
}

func TestPresenceEndpointsRequireAuthorization(t *testing.T) {
	env := newTestEnvironment(t)
	t.Cleanup(env.dispose)

	response := env.request(t, http.MethodPost, "/presence/note/note-1/join", "", nil)
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", response.StatusCode)
	}

	response = env.request(t, http.MethodGet, "/presence/note/note-1", "not-a-token", nil)
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", response.StatusCode)
	}
}

func TestPresenceJoinListLeaveFlow(t *testing.T) {
	env := newTestEnvironment(t)
	t.Cleanup(env.dispose)

	aliceToken := env.tokenFor(t, "alice")
	bobToken := env.tokenFor(t, "bob")

	response := env.request(t, http.MethodPut, "/profiles/me", aliceToken, map[string]string{
		"nickname": "Alice",
		"color":    "#ff0000",
	})
	if response.StatusCode != http.StatusOK {
		t.Fatalf("profile update failed with status %d", response.StatusCode)
	}
	response.Body.Close()

	response = env.request(t, http.MethodPost, "/presence/note/note-1/join", aliceToken, nil)
	if response.StatusCode != http.StatusNoContent {
		t.Fatalf("join failed with status %d", response.StatusCode)
	}
	response.Body.Close()

	response = env.request(t, http.MethodPost, "/presence/note/note-1/activity", aliceToken, map[string]any{
		"cursor": map[string]float64{"x": 120, "y": 80},
	})
	if response.StatusCode != http.StatusNoContent {
		t.Fatalf("activity write failed with status %d", response.StatusCode)
	}
	response.Body.Close()

	response = env.request(t, http.MethodGet, "/presence/note/note-1", bobToken, nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("listing failed with status %d", response.StatusCode)
	}
	var listing struct {
		Users []struct {
			UserID   string  `json:"user_id"`
			Nickname string  `json:"nickname"`
			Color    string  `json:"color"`
			Cursor   *struct{ X, Y float64 } `json:"cursor"`
		} `json:"users"`
	}
	if err := json.NewDecoder(response.Body).Decode(&listing); err != nil {
		t.Fatalf("failed to decode listing: %v", err)
	}
	response.Body.Close()
	if len(listing.Users) != 1 {
		t.Fatalf("expected one active user for bob, got %d", len(listing.Users))
	}
	if listing.Users[0].UserID != "alice" || listing.Users[0].Nickname != "Alice" || listing.Users[0].Color != "#ff0000" {
		t.Fatalf("unexpected listing entry: %#v", listing.Users[0])
	}
	if listing.Users[0].Cursor == nil || listing.Users[0].Cursor.X != 120 {
		t.Fatalf("expected cursor in listing: %#v", listing.Users[0].Cursor)
	}

	// The requester's own row is excluded from the listing.
	response = env.request(t, http.MethodGet, "/presence/note/note-1", aliceToken, nil)
	if err := json.NewDecoder(response.Body).Decode(&listing); err != nil {
		t.Fatalf("failed to decode listing: %v", err)
	}
	response.Body.Close()
	if len(listing.Users) != 0 {
		t.Fatalf("expected alice's own presence excluded, got %d entries", len(listing.Users))
	}

	response = env.request(t, http.MethodDelete, "/presence/note/note-1", aliceToken, nil)
	if response.StatusCode != http.StatusNoContent {
		t.Fatalf("leave failed with status %d", response.StatusCode)
	}
	response.Body.Close()

	response = env.request(t, http.MethodGet, "/presence/note/note-1", bobToken, nil)
	if err := json.NewDecoder(response.Body).Decode(&listing); err != nil {
		t.Fatalf("failed to decode listing: %v", err)
	}
	response.Body.Close()
	if len(listing.Users) != 0 {
		t.Fatalf("expected empty listing after leave, got %d entries", len(listing.Users))
	}
}

func TestPresenceRejectsUnknownResourceKind(t *testing.T) {
	env := newTestEnvironment(t)
	t.Cleanup(env.dispose)

	token := env.tokenFor(t, "alice")
	response := env.request(t, http.MethodPost, "/presence/board/b-1/join", token, nil)
	defer response.Body.Close()
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %d", response.StatusCode)
	}
}

func TestDevTokenEndpointIssuesUsableToken(t *testing.T) {
	env := newTestEnvironment(t)
	t.Cleanup(env.dispose)

	response := env.request(t, http.MethodPost, "/auth/dev-token", "", map[string]string{"subject": "carol"})
	if response.StatusCode != http.StatusOK {
		t.Fatalf("dev token issuance failed with status %d", response.StatusCode)
	}
	var issued struct {
		AccessToken string `json:"access_token"`
		Subject     string `json:"subject"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(response.Body).Decode(&issued); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	response.Body.Close()
	if issued.Subject != "carol" || issued.TokenType != "Bearer" {
		t.Fatalf("unexpected token payload: %#v", issued)
	}

	joined := env.request(t, http.MethodPost, "/presence/note/note-1/join", issued.AccessToken, nil)
	defer joined.Body.Close()
	if joined.StatusCode != http.StatusNoContent {
		t.Fatalf("expected issued token to authorize join, got %d", joined.StatusCode)
	}
}

func TestSettingsEndpointReportsClientPacing(t *testing.T) {
	env := newTestEnvironment(t)
	t.Cleanup(env.dispose)

	response := env.request(t, http.MethodGet, "/settings", "", nil)
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", response.StatusCode)
	}

	token := env.tokenFor(t, "alice")
	response = env.request(t, http.MethodGet, "/settings", token, nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("settings lookup failed with status %d", response.StatusCode)
	}
	var settings struct {
		DebounceMs       int64 `json:"debounce_ms"`
		HeartbeatMs      int64 `json:"heartbeat_ms"`
		ActivityGraceMs  int64 `json:"activity_grace_ms"`
		OnlineThresholdS int64 `json:"online_threshold_s"`
	}
	if err := json.NewDecoder(response.Body).Decode(&settings); err != nil {
		t.Fatalf("failed to decode settings: %v", err)
	}
	response.Body.Close()
	if settings.DebounceMs != 50 {
		t.Fatalf("unexpected debounce window %dms", settings.DebounceMs)
	}
	if settings.HeartbeatMs != 5000 {
		t.Fatalf("unexpected heartbeat interval %dms", settings.HeartbeatMs)
	}
	if settings.ActivityGraceMs != 1000 {
		t.Fatalf("unexpected activity grace %dms", settings.ActivityGraceMs)
	}
	if settings.OnlineThresholdS != 300 {
		t.Fatalf("unexpected online threshold %ds", settings.OnlineThresholdS)
	}
}

func TestProfileLookupFallsBackToDefaults(t *testing.T) {
	env := newTestEnvironment(t)
	t.Cleanup(env.dispose)

	token := env.tokenFor(t, "alice")
	response := env.request(t, http.MethodGet, "/profiles/stranger", token, nil)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("profile lookup failed with status %d", response.StatusCode)
	}
	var payload struct {
		Nickname string `json:"nickname"`
		Color    string `json:"color"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode profile: %v", err)
	}
	response.Body.Close()
	if payload.Nickname != presence.DefaultNickname || payload.Color != presence.DefaultColor {
		t.Fatalf("expected default identity, got %#v", payload)
	}
}
