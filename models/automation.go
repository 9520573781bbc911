package models

import (
	"gorm.io/gorm"
)

// Automation status values.
const (
	AutomationStatusInactive = "inactive"
	AutomationStatusActive   = "active"
	AutomationStatusPaused   = "paused"
)

// Trigger kinds. "belongs" is evaluated once at activation time; the other two
// listen for membership-change events.
const (
	TriggerSegmentEnter   = "segment_enter"
	TriggerSegmentExit    = "segment_exit"
	TriggerSegmentBelongs = "segment_belongs"
)

// Action kinds.
const (
	ActionSendEmail = "send_email"
	ActionWait      = "wait"
)

// Wait units.
const (
	WaitUnitMinutes = "minutes"
	WaitUnitHours   = "hours"
	WaitUnitDays    = "days"
)

// Automation is a client-defined workflow: one trigger plus an ordered list of
// actions run for every lead the trigger matches.
type Automation struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Status      string `gorm:"default:'inactive';index" json:"status"`

	// Structural fields: immutable while Status is active.
	Trigger          string `gorm:"column:trigger_type;not null" json:"trigger"`
	TriggerSegmentID uint   `gorm:"not null;index" json:"trigger_segment_id"`
	Actions          []Action `gorm:"type:jsonb;serializer:json" json:"actions"`

	// Denormalized metrics, written only by the metrics aggregator.
	ExecutionCount int     `gorm:"default:0" json:"execution_count"`
	SuccessRate    float64 `gorm:"default:0" json:"success_rate"`

	// Optimistic concurrency guard: every write checks and bumps the version
	// so a concurrent status toggle and structural edit cannot both apply.
	Version int `gorm:"default:1" json:"version"`
}

// Action is one unit of an automation. Kind selects which fields apply; the
// list is decoded once at the registry boundary into this tagged form instead
// of being re-parsed from raw JSON at each use site.
type Action struct {
	Kind string `json:"kind"` // send_email, wait

	// send_email
	EmailID uint `json:"email_id,omitempty"`

	// wait
	Duration int    `json:"duration,omitempty"`
	Unit     string `json:"unit,omitempty"` // minutes, hours, days
}
