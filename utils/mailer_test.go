package utils

import (
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"leadloop/models"
)

func TestSendSkipsAlreadyDeliveredKey(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:mailer_test?mode=memory&cache=shared"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap test db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := models.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	outcome := models.StepOutcome{
		ExecutionID:  9,
		StepIndex:    0,
		Result:       models.OutcomeSent,
		AutomationID: 1,
		MessageID:    "9:0",
		OccurredAt:   time.Now(),
	}
	if err := db.Create(&outcome).Error; err != nil {
		t.Fatalf("seed sent outcome: %v", err)
	}

	// No SMTP server is reachable in tests; a duplicate key must short-circuit
	// before dialing and report success.
	m := &SMTPMailer{DB: db, Host: "smtp.invalid", Port: 587}
	if err := m.Send("lead@example.com", "hi", "<p>hi</p>", "9:0"); err != nil {
		t.Fatalf("duplicate send: %v", err)
	}
}
