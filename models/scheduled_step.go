package models

import (
	"time"

	"gorm.io/gorm"
)

// ScheduledStep is a pending wait. Created when an execution enters a wait
// step and deleted once the scheduler has handed control back to the state
// machine (at-least-once delivery). An execution has at most one pending wait
// at a time.
type ScheduledStep struct {
	gorm.Model
	ExecutionID uint `gorm:"not null;uniqueIndex" json:"execution_id"`
	StepIndex   int  `gorm:"not null" json:"step_index"`

	// FireAt is absolute: the delay is converted to a single timestamp when
	// the step is scheduled, so host clock changes never re-apply it.
	FireAt time.Time `gorm:"not null;index" json:"fire_at"`

	AttemptCount int        `gorm:"default:0" json:"attempt_count"`
	ClaimedAt    *time.Time `json:"claimed_at"`
}
