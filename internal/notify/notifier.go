package notify

import "context"

type AuthFailedEvent struct {
	At        int64  `json:"atMs"`
	CycleID   string `json:"cycleId,omitempty"`
	Email     string `json:"email"`
	InstallID string `json:"installId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type Notifier interface {
	NotifyAuthFailed(ctx context.Context, evt AuthFailedEvent)
}
