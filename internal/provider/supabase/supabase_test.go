package supabase

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heartbeat_bot/internal/config"
	"heartbeat_bot/internal/model"
	"heartbeat_bot/internal/provider"
)

const testAPIKey = "anon-key"

type capturedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   map[string]any
}

type fakeBackend struct {
	t        *testing.T
	mu       sync.Mutex
	requests []capturedRequest
	handler  func(w http.ResponseWriter, r *http.Request)
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	assert.NoError(b.t, err)
	var body map[string]any
	if len(raw) > 0 {
		assert.NoError(b.t, json.Unmarshal(raw, &body))
	}
	b.mu.Lock()
	b.requests = append(b.requests, capturedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Header: r.Header.Clone(),
		Body:   body,
	})
	b.mu.Unlock()
	b.handler(w, r)
}

func (b *fakeBackend) last() capturedRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(b.t, b.requests)
	return b.requests[len(b.requests)-1]
}

func newTestProvider(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*SupabaseProvider, *fakeBackend) {
	t.Helper()
	backend := &fakeBackend{t: t, handler: handler}
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	p := New(config.APIConfig{
		BaseURL:    srv.URL + "/mock",
		APIKey:     testAPIKey,
		ClientInfo: "supabase-js-node/2.39.1",
	}, nil)
	return p, backend
}

func reply(status int, body string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func testAccount() model.Account {
	return model.Account{
		Email:        "a@x.com",
		Password:     "pw1",
		InstallID:    "inst-1",
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		UserID:       "user-1",
	}
}

func TestLogin(t *testing.T) {
	p, backend := newTestProvider(t, reply(http.StatusOK,
		`{"access_token":"at","refresh_token":"rt","expires_in":3600,"token_type":"bearer","user":{"id":"u-1"}}`))

	grant, err := p.Login(context.Background(), testAccount())
	require.NoError(t, err)
	assert.Equal(t, provider.TokenGrant{AccessToken: "at", RefreshToken: "rt", ExpiresIn: 3600, UserID: "u-1"}, grant)

	req := backend.last()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/mock/auth/v1/token", req.Path)
	assert.Equal(t, "grant_type=password", req.Query)
	assert.Equal(t, testAPIKey, req.Header.Get("apikey"))
	assert.Equal(t, "Bearer "+testAPIKey, req.Header.Get("Authorization"))
	assert.Contains(t, req.Header.Get("Content-Type"), "application/json")
	assert.Equal(t, "a@x.com", req.Body["email"])
	assert.Equal(t, "pw1", req.Body["password"])
	assert.Equal(t, map[string]any{}, req.Body["gotrue_meta_security"])
}

func TestLogin_StatusError(t *testing.T) {
	p, _ := newTestProvider(t, reply(http.StatusBadRequest, `{"error":"invalid_grant"}`))

	_, err := p.Login(context.Background(), testAccount())
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrStatus)

	var se *provider.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Status)
}

func TestLogin_MissingAccessToken(t *testing.T) {
	p, _ := newTestProvider(t, reply(http.StatusOK, `{"refresh_token":"rt"}`))

	_, err := p.Login(context.Background(), testAccount())
	assert.Error(t, err)
}

func TestRefresh(t *testing.T) {
	p, backend := newTestProvider(t, reply(http.StatusOK,
		`{"access_token":"at2","refresh_token":"rt2","expires_in":1800,"user":{"id":"u-1"}}`))

	grant, err := p.Refresh(context.Background(), testAccount())
	require.NoError(t, err)
	assert.Equal(t, "at2", grant.AccessToken)
	assert.Equal(t, "rt2", grant.RefreshToken)
	assert.Equal(t, int64(1800), grant.ExpiresIn)
	assert.Empty(t, grant.UserID)

	req := backend.last()
	assert.Equal(t, "/mock/auth/v1/token", req.Path)
	assert.Equal(t, "grant_type=refresh_token", req.Query)
	assert.Equal(t, "Bearer "+testAPIKey, req.Header.Get("Authorization"))
	assert.Equal(t, map[string]any{"refresh_token": "refresh-1"}, req.Body)
}

func TestInstallID(t *testing.T) {
	p, backend := newTestProvider(t, reply(http.StatusOK, `{"installId":"inst-42"}`))

	id, err := p.InstallID(context.Background(), testAccount())
	require.NoError(t, err)
	assert.Equal(t, "inst-42", id)

	req := backend.last()
	assert.Equal(t, "/mock/rest/v1/rpc/get_install_id", req.Path)
	assert.Equal(t, "Bearer access-1", req.Header.Get("Authorization"))
	assert.Equal(t, testAPIKey, req.Header.Get("apikey"))
	assert.Equal(t, map[string]any{"p_user_id": "user-1"}, req.Body)
}

func TestInstallID_EmptyOrFailed(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"missing field", http.StatusOK, `{}`},
		{"blank value", http.StatusOK, `{"installId":"  "}`},
		{"unauthorized", http.StatusUnauthorized, `{"message":"JWT expired"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestProvider(t, reply(tt.status, tt.body))
			id, err := p.InstallID(context.Background(), testAccount())
			assert.Error(t, err)
			assert.Empty(t, id)
		})
	}
}

func TestHeartbeat(t *testing.T) {
	p, backend := newTestProvider(t, reply(http.StatusOK, `{"ok":true}`))

	status, err := p.Heartbeat(context.Background(), testAccount())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	req := backend.last()
	assert.Equal(t, "/mock/functions/v1/heartbeat", req.Path)
	assert.Equal(t, "Bearer access-1", req.Header.Get("Authorization"))
	assert.Equal(t, "*/*", req.Header.Get("Accept"))
	assert.Equal(t, "supabase-js-node/2.39.1", req.Header.Get("x-client-info"))
	assert.Equal(t, map[string]any{"installId": "inst-1"}, req.Body)
}

func TestHeartbeat_NonSuccessStatusIsNotAnError(t *testing.T) {
	p, _ := newTestProvider(t, reply(http.StatusInternalServerError, `{"error":"boom"}`))

	status, err := p.Heartbeat(context.Background(), testAccount())
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, status)
}

func TestHeartbeat_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := New(config.APIConfig{BaseURL: url, APIKey: testAPIKey}, nil)
	_, err := p.Heartbeat(context.Background(), testAccount())
	assert.Error(t, err)
}

func TestEarnings(t *testing.T) {
	p, backend := newTestProvider(t, reply(http.StatusOK, `[{"total_points":7}]`+"\n"))

	payload, err := p.Earnings(context.Background(), testAccount())
	require.NoError(t, err)
	assert.Equal(t, `[{"total_points":7}]`, string(payload))

	req := backend.last()
	assert.Equal(t, "/mock/rest/v1/rpc/get_user_earnings_last_24h", req.Path)
	assert.Equal(t, "internal", req.Header.Get("content-profile"))
	assert.Equal(t, "*/*", req.Header.Get("Accept"))
	assert.Equal(t, "Bearer access-1", req.Header.Get("Authorization"))
	assert.Equal(t, map[string]any{"p_user_id": "user-1"}, req.Body)
}

func TestEarnings_Failure(t *testing.T) {
	p, _ := newTestProvider(t, reply(http.StatusUnauthorized, `{"message":"JWT expired"}`))

	payload, err := p.Earnings(context.Background(), testAccount())
	assert.ErrorIs(t, err, provider.ErrStatus)
	assert.Nil(t, payload)
}

func TestPassthrough(t *testing.T) {
	assert.Nil(t, passthrough([]byte("  ")))
	assert.Equal(t, `{"a":1}`, string(passthrough([]byte(` {"a":1} `))))
	assert.Equal(t, `"plain text"`, string(passthrough([]byte("plain text"))))
}
