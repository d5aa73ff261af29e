package model

import "time"

type SyncOutcome string

const (
	OutcomeConfirmed  SyncOutcome = "confirmed"
	OutcomeRolledBack SyncOutcome = "rolled_back"
	OutcomeAbandoned  SyncOutcome = "abandoned"
)

// SyncRecord is one settled mutation in the local journal.
type SyncRecord struct {
	ID         int64       `json:"id"`
	Kind       string      `json:"kind"`
	EntityKeys []string    `json:"entity_keys"`
	Outcome    SyncOutcome `json:"outcome"`
	Detail     string      `json:"detail,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}
