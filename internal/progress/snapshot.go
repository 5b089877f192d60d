// Package progress publishes live snapshots of executions, by pull and by
// subscription.
package progress

import (
	"time"

	"github.com/google/uuid"

	"suiteplane/internal/store"
)

// Snapshot is the progress view of one execution at one version.
type Snapshot struct {
	ExecutionID     uuid.UUID             `json:"execution_id"`
	Status          store.ExecutionStatus `json:"status"`
	Counts          store.Counts          `json:"counts"`
	Total           int                   `json:"total"`
	PercentComplete float64               `json:"percent_complete"`
	PassRate        float64               `json:"pass_rate"`
	CancelRequested bool                  `json:"cancel_requested"`
	Reason          string                `json:"reason,omitempty"`
	Version         int64                 `json:"version"`
	UpdatedAt       time.Time             `json:"updated_at"`
	Terminal        bool                  `json:"terminal"`
}

// FromExecution builds a snapshot of e as read at now.
func FromExecution(e *store.Execution, now time.Time) Snapshot {
	reason := e.Reason
	if reason == "" && e.CancelRequested {
		reason = e.CancelReason
	}
	return Snapshot{
		ExecutionID:     e.ID,
		Status:          e.Status,
		Counts:          e.Counts,
		Total:           e.Counts.Total,
		PercentComplete: e.Counts.PercentComplete(),
		PassRate:        e.Counts.PassRate(),
		CancelRequested: e.CancelRequested,
		Reason:          reason,
		Version:         e.Version,
		UpdatedAt:       now.UTC(),
		Terminal:        e.Status.Terminal(),
	}
}

// fresh reports whether s can be served without re-reading the store.
func (s Snapshot) fresh(now time.Time, maxAge time.Duration) bool {
	return s.Terminal || now.Sub(s.UpdatedAt) < maxAge
}
