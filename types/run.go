package types

import (
	"time"

	"github.com/google/uuid"
)

// RunRecord is the outcome of one scheduler trigger.
type RunRecord struct {
	ID            uuid.UUID              `json:"id"`
	Trigger       string                 `json:"trigger"` // "schedule", "startup", "retry" or "manual"
	TriggerTime   time.Time              `json:"triggerTime"`
	FinishedAt    time.Time              `json:"finishedAt"`
	Attempted     []BiddingArea          `json:"attempted"`
	Succeeded     []BiddingArea          `json:"succeeded"`
	Failed        map[BiddingArea]string `json:"failed"` // Area -> reason
	Skipped       []BiddingArea          `json:"skipped,omitempty"`
	NextScheduled time.Time              `json:"nextScheduled"`
}

func (r RunRecord) OK() bool {
	return len(r.Failed) == 0
}
