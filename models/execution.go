package models

import (
	"time"

	"gorm.io/gorm"
)

// Execution state values.
const (
	ExecutionStateActive      = "active"
	ExecutionStateWaitingStep = "waiting_step"
	ExecutionStateCompleted   = "completed"
	ExecutionStateFailed      = "failed"
)

// Execution is one run of one automation for one lead, spawned by one
// triggering event. The unique index over (automation_id, lead_id,
// trigger_event_id) is the idempotency guard: delivering the same
// membership-change event twice creates at most one row.
type Execution struct {
	gorm.Model
	AutomationID   uint   `gorm:"not null;index;uniqueIndex:idx_executions_dedup" json:"automation_id"`
	LeadID         uint   `gorm:"not null;index;uniqueIndex:idx_executions_dedup" json:"lead_id"`
	TriggerEventID string `gorm:"not null;uniqueIndex:idx_executions_dedup" json:"trigger_event_id"`

	CurrentStepIndex int    `gorm:"default:0" json:"current_step_index"`
	State            string `gorm:"default:'active';index" json:"state"`
	FailureReason    string `json:"failure_reason,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// Terminal reports whether the execution has finished, successfully or not.
func (e *Execution) Terminal() bool {
	return e.State == ExecutionStateCompleted || e.State == ExecutionStateFailed
}
