package controller

import (
	"context"
	"errors"
	"log"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"leadloop/automation"
	"leadloop/config"
	"leadloop/models"
)

// SegmentController manages segments and their memberships. Every membership
// change is published on the shared Redis channel so the trigger side sees it;
// the database write and the publish are not atomic, which is why the trigger
// side treats delivery as at-least-once.
type SegmentController struct {
	DB     *gorm.DB
	Redis  *redis.Client
	Logger *log.Logger
}

func NewSegmentController(db *gorm.DB, rdb *redis.Client, logger *log.Logger) *SegmentController {
	return &SegmentController{
		DB:     db,
		Redis:  rdb,
		Logger: logger,
	}
}

func (sc *SegmentController) CreateSegment(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if input.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Segment name is required",
		})
	}

	segment := models.Segment{
		UserID:      user.ID,
		Name:        input.Name,
		Description: input.Description,
	}
	if err := sc.DB.Create(&segment).Error; err != nil {
		sc.Logger.Printf("Error creating segment: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create segment",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(segment)
}

func (sc *SegmentController) GetSegments(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var segments []models.Segment
	if err := sc.DB.Where("user_id = ?", user.ID).Order("created_at DESC").Find(&segments).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch segments",
		})
	}

	return c.JSON(fiber.Map{
		"segments": segments,
		"count":    len(segments),
	})
}

func (sc *SegmentController) GetSegment(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	segmentID := c.Params("id")

	var segment models.Segment
	if err := sc.DB.Where("id = ? AND user_id = ?", segmentID, user.ID).First(&segment).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Segment not found",
		})
	}

	var leadIDs []uint
	if err := sc.DB.Model(&models.SegmentMembership{}).
		Where("segment_id = ?", segment.ID).
		Pluck("lead_id", &leadIDs).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch members",
		})
	}

	return c.JSON(fiber.Map{
		"segment":  segment,
		"lead_ids": leadIDs,
	})
}

func (sc *SegmentController) DeleteSegment(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	segmentID := c.Params("id")

	var segment models.Segment
	if err := sc.DB.Where("id = ? AND user_id = ?", segmentID, user.ID).First(&segment).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Segment not found",
		})
	}

	err := sc.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("segment_id = ?", segment.ID).Delete(&models.SegmentMembership{}).Error; err != nil {
			return err
		}
		return tx.Delete(&segment).Error
	})
	if err != nil {
		sc.Logger.Printf("Error deleting segment %d: %v", segment.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete segment",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Segment deleted",
	})
}

// AddLeadToSegment creates the membership row and announces the entry on the
// membership channel. Re-adding an existing member is a no-op and publishes
// nothing.
func (sc *SegmentController) AddLeadToSegment(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	sid, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid segment ID",
		})
	}

	var input struct {
		LeadID uint `json:"lead_id"`
	}
	if err := c.BodyParser(&input); err != nil || input.LeadID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "lead_id is required",
		})
	}

	var segment models.Segment
	if err := sc.DB.Where("id = ? AND user_id = ?", sid, user.ID).First(&segment).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Segment not found",
		})
	}
	var lead models.Lead
	if err := sc.DB.Where("id = ? AND user_id = ?", input.LeadID, user.ID).First(&lead).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Lead not found",
		})
	}

	membership := models.SegmentMembership{
		SegmentID: segment.ID,
		LeadID:    lead.ID,
	}
	if err := sc.DB.Create(&membership).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return c.JSON(fiber.Map{
				"message": "Lead already in segment",
			})
		}
		sc.Logger.Printf("Error adding lead %d to segment %d: %v", lead.ID, segment.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to add lead",
		})
	}

	sc.publishChange(segment.ID, lead.ID, automation.ChangeEnter)

	return c.Status(fiber.StatusCreated).JSON(membership)
}

// RemoveLeadFromSegment deletes the membership row and announces the exit.
func (sc *SegmentController) RemoveLeadFromSegment(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	sid, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid segment ID",
		})
	}
	lid, err := c.ParamsInt("leadID")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid lead ID",
		})
	}

	var segment models.Segment
	if err := sc.DB.Where("id = ? AND user_id = ?", sid, user.ID).First(&segment).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Segment not found",
		})
	}

	res := sc.DB.Where("segment_id = ? AND lead_id = ?", segment.ID, lid).
		Delete(&models.SegmentMembership{})
	if res.Error != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to remove lead",
		})
	}
	if res.RowsAffected == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Lead is not in this segment",
		})
	}

	sc.publishChange(segment.ID, uint(lid), automation.ChangeExit)

	return c.JSON(fiber.Map{
		"message": "Lead removed from segment",
	})
}

func (sc *SegmentController) publishChange(segmentID, leadID uint, changeType string) {
	if sc.Redis == nil {
		return
	}
	ev := automation.MembershipEvent{
		SegmentID:  segmentID,
		LeadID:     leadID,
		ChangeType: changeType,
		EventID:    uuid.NewString(),
	}
	err := automation.PublishMembershipChange(context.Background(),
		sc.Redis, config.AppConfig.Redis.MembershipChannel, ev)
	if err != nil {
		sc.Logger.Printf("Error publishing membership %s for lead %d: %v", changeType, leadID, err)
	}
}
