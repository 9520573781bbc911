package controller

import (
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"leadloop/automation"
	"leadloop/models"
	"leadloop/utils"
)

// WebhookController ingests delivery events from the mail provider and serves
// the open-tracking pixel. Both endpoints are unauthenticated and idempotent:
// providers redeliver, and the outcome dedup index absorbs the repeats.
type WebhookController struct {
	DB      *gorm.DB
	Metrics *automation.MetricsAggregator
	Logger  *log.Logger
}

func NewWebhookController(db *gorm.DB, engine *automation.Engine, logger *log.Logger) *WebhookController {
	return &WebhookController{
		DB:      db,
		Metrics: engine.Metrics,
		Logger:  logger,
	}
}

// HandleMailerEvent processes a provider callback. The dedup key we stamped on
// the outgoing message comes back here and correlates the event to its step.
func (wc *WebhookController) HandleMailerEvent(c *fiber.Ctx) error {
	var payload struct {
		EventType string `json:"event_type"`
		DedupKey  string `json:"dedup_key"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid payload",
		})
	}

	result, ok := map[string]string{
		"open":        models.OutcomeOpened,
		"bounce":      models.OutcomeBounced,
		"unsubscribe": models.OutcomeUnsubscribed,
	}[payload.EventType]
	if !ok {
		// Unknown event types are acknowledged so the provider stops retrying.
		wc.Logger.Printf("Ignoring mailer event type %q", payload.EventType)
		return c.SendStatus(fiber.StatusOK)
	}

	occurredAt := time.Now()
	if payload.Timestamp > 0 {
		occurredAt = time.Unix(payload.Timestamp, 0)
	}

	if err := wc.recordDeliveryEvent(payload.DedupKey, result, occurredAt); err != nil {
		wc.Logger.Printf("Error recording mailer event %s for %s: %v", payload.EventType, payload.DedupKey, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to record event",
		})
	}

	return c.SendStatus(fiber.StatusOK)
}

// TrackOpen serves the transparent pixel and records the open. Failures still
// return the pixel; a tracking miss must never break mail rendering.
func (wc *WebhookController) TrackOpen(c *fiber.Ctx) error {
	messageID := c.Params("messageID")
	if messageID != "" {
		if err := wc.recordDeliveryEvent(messageID, models.OutcomeOpened, time.Now()); err != nil {
			wc.Logger.Printf("Error recording open for %s: %v", messageID, err)
		}
	}

	c.Set("Content-Type", "image/gif")
	c.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	return c.Send(utils.TransparentPixel())
}

// recordDeliveryEvent resolves the dedup key back to its sent outcome and
// records the follow-up result against the same execution step. Bounces and
// unsubscribes also suppress the lead for future sends.
func (wc *WebhookController) recordDeliveryEvent(dedupKey, result string, occurredAt time.Time) error {
	var sent models.StepOutcome
	err := wc.DB.Where("message_id = ? AND result = ?", dedupKey, models.OutcomeSent).
		First(&sent).Error
	if err != nil {
		// An event for a message we never sent; log and acknowledge.
		wc.Logger.Printf("Delivery event for unknown message %s", dedupKey)
		return nil
	}

	outcome := models.StepOutcome{
		ExecutionID:  sent.ExecutionID,
		StepIndex:    sent.StepIndex,
		Result:       result,
		AutomationID: sent.AutomationID,
		MessageID:    dedupKey,
		OccurredAt:   occurredAt,
	}
	if err := wc.Metrics.RecordOutcome(&outcome); err != nil {
		return err
	}

	if result == models.OutcomeBounced || result == models.OutcomeUnsubscribed {
		return wc.suppressLead(sent.ExecutionID, result)
	}
	return nil
}

func (wc *WebhookController) suppressLead(executionID uint, result string) error {
	var exec models.Execution
	if err := wc.DB.First(&exec, executionID).Error; err != nil {
		return err
	}

	column := "is_bounced"
	if result == models.OutcomeUnsubscribed {
		column = "is_unsubscribed"
	}
	return wc.DB.Model(&models.Lead{}).
		Where("id = ?", exec.LeadID).
		UpdateColumn(column, true).Error
}
