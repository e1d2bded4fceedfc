package model

import (
	"encoding/json"
	"time"
)

// Report is the outcome of one account's turn in a cycle.
type Report struct {
	ID              string          `json:"id"`
	CycleID         string          `json:"cycleId"`
	Email           string          `json:"email"`
	InstallID       string          `json:"installId"`
	Authenticated   bool            `json:"authenticated"`
	HeartbeatStatus *int            `json:"heartbeatStatus"`
	Earnings        json.RawMessage `json:"earnings"`
	CreatedAt       time.Time       `json:"createdAt"`
}

type EngineState struct {
	Running     bool            `json:"running"`
	Cycles      int64           `json:"cycles"`
	LastCycleID string          `json:"lastCycleId,omitempty"`
	LastCycleAt time.Time       `json:"lastCycleAt"`
	Accounts    []AccountStatus `json:"accounts"`
}
