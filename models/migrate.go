package models

import "gorm.io/gorm"

// Migrate creates or updates every table the service owns. The unique index
// on executions (automation_id, lead_id, trigger_event_id) is the one
// constraint external code must never work around.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Segment{},
		&Lead{},
		&SegmentMembership{},
		&Template{},
		&Automation{},
		&Execution{},
		&ScheduledStep{},
		&StepOutcome{},
	)
}
