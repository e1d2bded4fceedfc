package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"heartbeat_bot/internal/logbus"
	"heartbeat_bot/internal/model"
	"heartbeat_bot/internal/provider"
)

// ErrAuthFailed is returned when an account could not obtain a session,
// whatever the underlying transport or status error was.
var ErrAuthFailed = errors.New("authentication failed")

type Options struct {
	Provider        provider.Provider
	Bus             *logbus.Bus
	DefaultTokenTTL time.Duration
	Now             func() time.Time
}

// Manager runs the login / refresh / install-id steps for one account at a
// time. Failed calls never leave an account half updated.
type Manager struct {
	provider   provider.Provider
	bus        *logbus.Bus
	defaultTTL time.Duration
	now        func() time.Time
}

func New(opts Options) *Manager {
	ttl := opts.DefaultTokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		provider:   opts.Provider,
		bus:        opts.Bus,
		defaultTTL: ttl,
		now:        now,
	}
}

func (m *Manager) Now() time.Time { return m.now() }

// Login performs a password grant and, when the account has no install id
// yet, resolves one. Resolution failures leave the id at UNKNOWN and do not
// undo the login.
func (m *Manager) Login(ctx context.Context, acc *model.Account) error {
	grant, err := m.provider.Login(ctx, *acc)
	if err != nil {
		m.log("warn", "login failed", map[string]any{"email": acc.Email, "error": err.Error()})
		return fmt.Errorf("login %s: %w: %w", acc.Email, ErrAuthFailed, err)
	}

	acc.AccessToken = grant.AccessToken
	acc.RefreshToken = grant.RefreshToken
	acc.UserID = grant.UserID
	acc.ExpiresAt = m.expiry(grant)
	m.log("info", "logged in", map[string]any{"email": acc.Email, "expiresAt": acc.ExpiresAt.Format(time.RFC3339)})

	if !acc.InstallIDResolved() {
		acc.InstallID = m.ResolveInstallID(ctx, *acc)
		m.log("info", "install id fetched", map[string]any{"email": acc.Email, "installId": acc.InstallID})
	}
	return nil
}

// Refresh trades the refresh token for a new access token. Any refresh
// failure falls back to exactly one Login and returns its result.
func (m *Manager) Refresh(ctx context.Context, acc *model.Account) error {
	if acc.RefreshToken == "" {
		m.log("info", "no refresh token, logging in", map[string]any{"email": acc.Email})
		return m.Login(ctx, acc)
	}

	grant, err := m.provider.Refresh(ctx, *acc)
	if err != nil {
		m.log("warn", "refresh failed, logging in again", map[string]any{"email": acc.Email, "error": err.Error()})
		return m.Login(ctx, acc)
	}

	acc.AccessToken = grant.AccessToken
	if grant.RefreshToken != "" {
		acc.RefreshToken = grant.RefreshToken
	}
	acc.ExpiresAt = m.expiry(grant)
	m.log("info", "token refreshed", map[string]any{"email": acc.Email, "expiresAt": acc.ExpiresAt.Format(time.RFC3339)})
	return nil
}

// Ensure refreshes the session only when the access token is missing or expired.
func (m *Manager) Ensure(ctx context.Context, acc *model.Account) error {
	if !acc.NeedsAuth(m.now()) {
		return nil
	}
	return m.Refresh(ctx, acc)
}

// ResolveInstallID looks the install id up with the account's current
// session. It returns the existing id untouched when one is already
// resolved, and UNKNOWN when the lookup fails in any way.
func (m *Manager) ResolveInstallID(ctx context.Context, acc model.Account) string {
	if acc.InstallIDResolved() {
		return acc.InstallID
	}
	id, err := m.provider.InstallID(ctx, acc)
	if err != nil {
		m.log("warn", "install id lookup failed", map[string]any{"email": acc.Email, "error": err.Error()})
		return model.UnknownInstallID
	}
	if id == "" {
		return model.UnknownInstallID
	}
	return id
}

// maxExpiresIn is the largest expires_in, in seconds, that fits a time.Duration.
const maxExpiresIn = int64(math.MaxInt64 / time.Second)

func (m *Manager) expiry(grant provider.TokenGrant) time.Time {
	now := m.now()
	if grant.ExpiresIn > 0 && grant.ExpiresIn <= maxExpiresIn {
		if exp := now.Add(time.Duration(grant.ExpiresIn) * time.Second); exp.After(now) {
			return exp
		}
	}
	if exp, ok := tokenExpiry(grant.AccessToken); ok && exp.After(now) {
		return exp
	}
	return now.Add(m.defaultTTL)
}

// tokenExpiry reads the exp claim of a JWT access token without verifying
// its signature. The backend is the only party that can verify it.
func tokenExpiry(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

func (m *Manager) log(level, msg string, fields map[string]any) {
	if m.bus != nil {
		m.bus.Log(level, msg, fields)
	}
}
