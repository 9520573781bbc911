package utils

import (
	"fmt"

	"gopkg.in/gomail.v2"
	"gorm.io/gorm"

	"leadloop/config"
	"leadloop/models"
)

// SMTPMailer delivers automation emails over SMTP. The engine executes steps
// at-least-once, so the transport owns deduplication: a dedup key that already
// produced a sent outcome is silently skipped, and the key travels on the
// message for downstream ESP dedup as well.
type SMTPMailer struct {
	DB *gorm.DB

	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
	BaseURL   string
}

// NewSMTPMailer builds the mailer from the loaded application config.
func NewSMTPMailer(db *gorm.DB) *SMTPMailer {
	return &SMTPMailer{
		DB:        db,
		Host:      config.AppConfig.SMTPHost,
		Port:      config.AppConfig.SMTPPort,
		Username:  config.AppConfig.SMTPUsername,
		Password:  config.AppConfig.SMTPPassword,
		FromEmail: config.AppConfig.FromEmail,
		FromName:  config.AppConfig.FromName,
		BaseURL:   config.AppConfig.AppBaseURL,
	}
}

// Send delivers one email, deduplicated by key.
func (m *SMTPMailer) Send(toEmail, subject, htmlBody, dedupKey string) error {
	var delivered int64
	err := m.DB.Model(&models.StepOutcome{}).
		Where("message_id = ? AND result = ?", dedupKey, models.OutcomeSent).
		Count(&delivered).Error
	if err != nil {
		return err
	}
	if delivered > 0 {
		// A previous attempt already went out for this step.
		return nil
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", fmt.Sprintf("%s <%s>", m.FromName, m.FromEmail))
	msg.SetHeader("To", toEmail)
	msg.SetHeader("Subject", subject)
	msg.SetHeader("X-Leadloop-Dedup-Key", dedupKey)
	msg.SetBody("text/html", InjectTracking(htmlBody, m.BaseURL, dedupKey))

	d := gomail.NewDialer(m.Host, m.Port, m.Username, m.Password)
	if err := d.DialAndSend(msg); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}
	return nil
}
