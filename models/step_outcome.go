package models

import (
	"time"

	"gorm.io/gorm"
)

// StepOutcome result values.
const (
	OutcomeSent         = "sent"
	OutcomeOpened       = "opened"
	OutcomeBounced      = "bounced"
	OutcomeUnsubscribed = "unsubscribed"
	OutcomeFailed       = "failed"
)

// StepOutcome records the result of one step of one execution: the immediate
// send result plus any asynchronous delivery events reported later by the
// mailer webhook. The unique index makes aggregation idempotent per
// (execution, step, result).
type StepOutcome struct {
	gorm.Model
	ExecutionID uint   `gorm:"not null;index;uniqueIndex:idx_step_outcomes_dedup" json:"execution_id"`
	StepIndex   int    `gorm:"not null;uniqueIndex:idx_step_outcomes_dedup" json:"step_index"`
	Result      string `gorm:"not null;uniqueIndex:idx_step_outcomes_dedup" json:"result"`

	// Denormalized for per-automation aggregate queries.
	AutomationID uint `gorm:"not null;index" json:"automation_id"`

	// MessageID is the send dedup key (executionID:stepIndex); webhook events
	// correlate back to the step through it.
	MessageID  string    `gorm:"index" json:"message_id"`
	OccurredAt time.Time `gorm:"not null" json:"occurred_at"`
}
