package main

import (
	crand "crypto/rand"
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
)

// mockBackend imitates the auth, rpc and function endpoints the bot talks
// to. Passwords starting with "bad" are rejected.
type mockBackend struct {
	ttl time.Duration

	mu       sync.Mutex
	users    map[string]string    // email -> user id
	access   map[string]time.Time // access token -> expiry
	refresh  map[string]string    // refresh token -> user id
	installs map[string]string    // user id -> install id
}

func main() {
	addr := pflag.String("addr", ":8080", "listen address")
	ttl := pflag.Duration("ttl", time.Hour, "access token lifetime")
	pflag.Parse()

	b := &mockBackend{
		ttl:      *ttl,
		users:    make(map[string]string),
		access:   make(map[string]time.Time),
		refresh:  make(map[string]string),
		installs: make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/mock/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("/mock/auth/v1/token", post(b.handleToken))
	mux.HandleFunc("/mock/rest/v1/rpc/get_install_id", post(b.handleInstallID))
	mux.HandleFunc("/mock/functions/v1/heartbeat", post(b.handleHeartbeat))
	mux.HandleFunc("/mock/rest/v1/rpc/get_user_earnings_last_24h", post(b.handleEarnings))

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("mock listening on %s (token ttl %s)", *addr, *ttl)
	log.Fatal(srv.ListenAndServe())
}

func post(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func (b *mockBackend) handleToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email        string `json:"email"`
		Password     string `json:"password"`
		RefreshToken string `json:"refresh_token"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	b.mu.Lock()
	defer b.mu.Unlock()

	var userID string
	switch r.URL.Query().Get("grant_type") {
	case "password":
		if body.Email == "" || strings.HasPrefix(body.Password, "bad") {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant", "error_description": "Invalid login credentials"})
			return
		}
		userID = b.users[body.Email]
		if userID == "" {
			userID = uuid.NewString()
			b.users[body.Email] = userID
		}
	case "refresh_token":
		userID = b.refresh[body.RefreshToken]
		if userID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant", "error_description": "Invalid Refresh Token"})
			return
		}
		delete(b.refresh, body.RefreshToken)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unsupported_grant_type"})
		return
	}

	access := "mock_access_" + randString(16)
	refresh := randString(12)
	b.access[access] = time.Now().Add(b.ttl)
	b.refresh[refresh] = userID

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"token_type":    "bearer",
		"expires_in":    int64(b.ttl / time.Second),
		"refresh_token": refresh,
		"user":          map[string]any{"id": userID, "email": body.Email},
	})
}

func (b *mockBackend) handleInstallID(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "JWT expired"})
		return
	}
	var body struct {
		UserID string `json:"p_user_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	b.mu.Lock()
	id := b.installs[body.UserID]
	if id == "" {
		id = "inst_" + randString(10)
		b.installs[body.UserID] = id
	}
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"installId": id})
}

func (b *mockBackend) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "JWT expired"})
		return
	}
	var body struct {
		InstallID string `json:"installId"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.InstallID == "" || body.InstallID == "UNKNOWN" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "installId required"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "at": time.Now().UnixMilli()})
}

func (b *mockBackend) handleEarnings(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "JWT expired"})
		return
	}
	writeJSON(w, http.StatusOK, []map[string]any{
		{"total_points": rand.Intn(5000), "uptime_minutes": rand.Intn(1440)},
	})
}

func (b *mockBackend) authorized(r *http.Request) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	b.mu.Lock()
	defer b.mu.Unlock()
	exp, ok := b.access[token]
	return ok && time.Now().Before(exp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func randString(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	if n <= 0 {
		return ""
	}
	raw := make([]byte, n)
	_, _ = crand.Read(raw)
	out := make([]byte, n)
	for i := range out {
		out[i] = letters[int(raw[i])%len(letters)]
	}
	return string(out)
}
