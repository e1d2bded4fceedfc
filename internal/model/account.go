package model

import "time"

// UnknownInstallID marks an install id that has not been resolved yet, or
// that the backend could not resolve.
const UnknownInstallID = "UNKNOWN"

type Account struct {
	Email     string `json:"email"`
	Password  string `json:"-"`
	InstallID string `json:"installId"`

	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	UserID       string    `json:"userId,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// NeedsAuth reports whether the access token is absent or no longer valid at now.
func (a Account) NeedsAuth(now time.Time) bool {
	return a.AccessToken == "" || !now.Before(a.ExpiresAt)
}

// InstallIDResolved reports whether InstallID holds a real identifier.
func (a Account) InstallIDResolved() bool {
	return a.InstallID != "" && a.InstallID != UnknownInstallID
}

// AccountStatus is the secret-free view of an account exposed by the status API.
type AccountStatus struct {
	Email         string    `json:"email"`
	InstallID     string    `json:"installId"`
	UserID        string    `json:"userId,omitempty"`
	Authenticated bool      `json:"authenticated"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

func (a Account) Status(now time.Time) AccountStatus {
	return AccountStatus{
		Email:         a.Email,
		InstallID:     a.InstallID,
		UserID:        a.UserID,
		Authenticated: !a.NeedsAuth(now),
		ExpiresAt:     a.ExpiresAt,
	}
}
