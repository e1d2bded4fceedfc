package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"heartbeat_bot/internal/model"
)

// ErrStatus is matched by every *StatusError.
var ErrStatus = errors.New("unexpected http status")

// StatusError is returned when the backend answered with a non-2xx status.
type StatusError struct {
	Op     string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: http status %d", e.Op, e.Status)
}

func (e *StatusError) Is(target error) bool { return target == ErrStatus }

// TokenGrant is what both token endpoints hand back. UserID is empty for
// refresh grants.
type TokenGrant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	UserID       string `json:"-"`
}

type Provider interface {
	Name() string

	Login(ctx context.Context, account model.Account) (TokenGrant, error)
	Refresh(ctx context.Context, account model.Account) (TokenGrant, error)
	InstallID(ctx context.Context, account model.Account) (string, error)

	// Heartbeat returns the raw status of any completed response; the error
	// is reserved for requests that never got one.
	Heartbeat(ctx context.Context, account model.Account) (int, error)
	Earnings(ctx context.Context, account model.Account) (json.RawMessage, error)
}
