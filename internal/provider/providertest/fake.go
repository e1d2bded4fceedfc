// Package providertest has an in-memory provider.Provider for tests.
package providertest

import (
	"context"
	"encoding/json"
	"sync"

	"heartbeat_bot/internal/model"
	"heartbeat_bot/internal/provider"
)

const (
	MethodLogin     = "login"
	MethodRefresh   = "refresh"
	MethodInstallID = "installId"
	MethodHeartbeat = "heartbeat"
	MethodEarnings  = "earnings"
)

// Call is one recorded provider call with the account as it was passed in.
type Call struct {
	Method  string
	Account model.Account
}

// Fake answers every call successfully unless the matching hook is set.
type Fake struct {
	LoginFunc     func(model.Account) (provider.TokenGrant, error)
	RefreshFunc   func(model.Account) (provider.TokenGrant, error)
	InstallIDFunc func(model.Account) (string, error)
	HeartbeatFunc func(model.Account) (int, error)
	EarningsFunc  func(model.Account) (json.RawMessage, error)

	mu    sync.Mutex
	calls []Call
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Login(_ context.Context, acc model.Account) (provider.TokenGrant, error) {
	f.record(MethodLogin, acc)
	if f.LoginFunc != nil {
		return f.LoginFunc(acc)
	}
	return Grant(acc.Email), nil
}

func (f *Fake) Refresh(_ context.Context, acc model.Account) (provider.TokenGrant, error) {
	f.record(MethodRefresh, acc)
	if f.RefreshFunc != nil {
		return f.RefreshFunc(acc)
	}
	g := Grant(acc.Email)
	g.AccessToken = "refreshed-" + acc.Email
	g.UserID = ""
	return g, nil
}

func (f *Fake) InstallID(_ context.Context, acc model.Account) (string, error) {
	f.record(MethodInstallID, acc)
	if f.InstallIDFunc != nil {
		return f.InstallIDFunc(acc)
	}
	return "install-" + acc.Email, nil
}

func (f *Fake) Heartbeat(_ context.Context, acc model.Account) (int, error) {
	f.record(MethodHeartbeat, acc)
	if f.HeartbeatFunc != nil {
		return f.HeartbeatFunc(acc)
	}
	return 200, nil
}

func (f *Fake) Earnings(_ context.Context, acc model.Account) (json.RawMessage, error) {
	f.record(MethodEarnings, acc)
	if f.EarningsFunc != nil {
		return f.EarningsFunc(acc)
	}
	return json.RawMessage(`{"total":1}`), nil
}

// Grant is the default successful password grant for email.
func Grant(email string) provider.TokenGrant {
	return provider.TokenGrant{
		AccessToken:  "access-" + email,
		RefreshToken: "refresh-" + email,
		ExpiresIn:    3600,
		UserID:       "user-" + email,
	}
}

func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Count returns how many times method was called for email. An empty email
// counts calls for every account.
func (f *Fake) Count(method, email string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Method == method && (email == "" || c.Account.Email == email) {
			n++
		}
	}
	return n
}

func (f *Fake) Reset() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

func (f *Fake) record(method string, acc model.Account) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Method: method, Account: acc})
	f.mu.Unlock()
}
