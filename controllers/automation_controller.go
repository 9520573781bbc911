package controller

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"leadloop/automation"
	"leadloop/models"
)

// AutomationController is the HTTP surface over the automation registry. The
// registry owns all the rules; the controller only decodes, dispatches and
// maps errors to status codes.
type AutomationController struct {
	DB       *gorm.DB
	Registry *automation.AutomationRegistry
	Metrics  *automation.MetricsAggregator
	Logger   *log.Logger
}

func NewAutomationController(db *gorm.DB, engine *automation.Engine, logger *log.Logger) *AutomationController {
	return &AutomationController{
		DB:       db,
		Registry: engine.Registry,
		Metrics:  engine.Metrics,
		Logger:   logger,
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var conflict *automation.ConflictError
	var invalid *automation.InvalidStateError
	var notFound *automation.NotFoundError
	switch {
	case errors.As(err, &notFound):
		return fiber.StatusNotFound
	case errors.As(err, &conflict):
		return fiber.StatusConflict
	case errors.As(err, &invalid):
		return fiber.StatusUnprocessableEntity
	default:
		return fiber.StatusInternalServerError
	}
}

func (ac *AutomationController) CreateAutomation(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input automation.CreateAutomationInput
	if err := c.BodyParser(&input); err != nil {
		ac.Logger.Printf("Error parsing automation body: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
	}
	input.UserID = user.ID

	auto, err := ac.Registry.Create(input)
	if err != nil {
		// Validation failures surface as 400; nothing was written.
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "Invalid automation",
			"details": err.Error(),
		})
	}

	return c.Status(fiber.StatusCreated).JSON(auto)
}

func (ac *AutomationController) GetAutomations(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	status := c.Query("status")

	autos, err := ac.Registry.List(user.ID, status)
	if err != nil {
		ac.Logger.Printf("Error listing automations: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch automations",
		})
	}

	return c.JSON(fiber.Map{
		"automations": autos,
		"count":       len(autos),
	})
}

func (ac *AutomationController) GetAutomation(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	id, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid automation ID",
		})
	}

	auto, err := ac.Registry.Get(uint(id), user.ID)
	if err != nil {
		return c.Status(statusFor(err)).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(auto)
}

func (ac *AutomationController) UpdateAutomation(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	id, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid automation ID",
		})
	}

	var input automation.UpdateAutomationInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
	}

	auto, err := ac.Registry.Update(uint(id), user.ID, input)
	if err != nil {
		status := statusFor(err)
		if status == fiber.StatusInternalServerError {
			// Field-level validation problems rather than infrastructure ones.
			status = fiber.StatusBadRequest
		}
		return c.Status(status).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(auto)
}

// SetAutomationStatus drives the lifecycle: activate, pause, deactivate.
// Activating a segment_belongs automation kicks off the catch-up scan before
// this returns the updated row.
func (ac *AutomationController) SetAutomationStatus(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	id, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid automation ID",
		})
	}

	var input struct {
		Status string `json:"status"`
	}
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	auto, err := ac.Registry.SetStatus(uint(id), user.ID, input.Status)
	if err != nil {
		return c.Status(statusFor(err)).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(auto)
}

func (ac *AutomationController) DeleteAutomation(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	id, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid automation ID",
		})
	}

	if err := ac.Registry.Delete(uint(id), user.ID); err != nil {
		return c.Status(statusFor(err)).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"message": "Automation deleted",
	})
}

// PreviewAutomation returns the automation definition together with fresh
// execution and delivery counters. The client asks when it wants numbers;
// nothing is pushed.
func (ac *AutomationController) PreviewAutomation(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	id, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid automation ID",
		})
	}

	auto, err := ac.Registry.Get(uint(id), user.ID)
	if err != nil {
		return c.Status(statusFor(err)).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	metrics, err := ac.Metrics.Preview(auto.ID)
	if err != nil {
		ac.Logger.Printf("Error computing preview for automation %d: %v", auto.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to compute metrics",
		})
	}

	return c.JSON(fiber.Map{
		"automation": auto,
		"flow":       auto.Actions,
		"metrics":    metrics,
	})
}
