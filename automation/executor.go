package automation

import (
	"errors"
	"fmt"

	"github.com/badoux/checkmail"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadloop/models"
)

// Mailer is the delivery transport. Implementations must deduplicate by the
// dedup key: sending twice with the same key delivers at most one message.
// That contract is what makes at-least-once step execution safe.
type Mailer interface {
	Send(toEmail, subject, htmlBody, dedupKey string) error
}

// StepExecutor performs the side effect of a single send-email step and
// returns the message ID (the dedup key) used for webhook correlation.
type StepExecutor interface {
	ExecuteSendEmail(exec *models.Execution, action models.Action) (string, error)
}

type mailerExecutor struct {
	db     *gorm.DB
	mailer Mailer
	log    *logrus.Entry
}

// NewStepExecutor builds the production executor over the template store and
// the mailer transport.
func NewStepExecutor(db *gorm.DB, mailer Mailer) StepExecutor {
	return &mailerExecutor{
		db:     db,
		mailer: mailer,
		log:    logrus.WithField("component", "step_executor"),
	}
}

// DedupKey derives the idempotency key for one step of one execution.
func DedupKey(executionID uint, stepIndex int) string {
	return fmt.Sprintf("%d:%d", executionID, stepIndex)
}

func (x *mailerExecutor) ExecuteSendEmail(exec *models.Execution, action models.Action) (string, error) {
	var lead models.Lead
	if err := x.db.First(&lead, exec.LeadID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("lead %d not found", exec.LeadID)
		}
		return "", err
	}

	if lead.IsUnsubscribed {
		return "", fmt.Errorf("lead %d is unsubscribed", lead.ID)
	}
	if lead.IsBounced {
		return "", fmt.Errorf("lead %d previously hard-bounced", lead.ID)
	}
	if err := checkmail.ValidateFormat(lead.Email); err != nil {
		return "", fmt.Errorf("invalid recipient address %q: %w", lead.Email, err)
	}

	var template models.Template
	if err := x.db.First(&template, action.EmailID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("email template %d not found", action.EmailID)
		}
		return "", err
	}

	dedupKey := DedupKey(exec.ID, exec.CurrentStepIndex)
	if err := x.mailer.Send(lead.Email, template.Subject, template.HTMLContent, dedupKey); err != nil {
		return "", err
	}

	x.log.WithFields(logrus.Fields{
		"execution_id": exec.ID,
		"step_index":   exec.CurrentStepIndex,
		"lead_id":      lead.ID,
		"template_id":  template.ID,
	}).Info("step email sent")

	return dedupKey, nil
}
