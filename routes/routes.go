package routes

import (
	"log"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"gorm.io/gorm"

	"leadloop/automation"
	controller "leadloop/controllers"
	"leadloop/middleware"
)

// SetupRoutes wires the HTTP surface. Everything under /api/v1 requires a
// valid token; the tracking pixel and the mailer webhook are public because
// mail clients and providers cannot authenticate.
func SetupRoutes(app *fiber.App, db *gorm.DB, rdb *redis.Client, engine *automation.Engine) {
	apiLogger := log.New(os.Stdout, "API: ", log.Ldate|log.Ltime|log.Lshortfile)

	automationCtrl := controller.NewAutomationController(db, engine, apiLogger)
	webhookCtrl := controller.NewWebhookController(db, engine, apiLogger)
	segmentCtrl := controller.NewSegmentController(db, rdb, apiLogger)
	leadCtrl := controller.NewLeadController(db, apiLogger)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
		})
	})

	// Public endpoints hit by mail clients and the provider.
	app.Get("/track/open/:messageID", webhookCtrl.TrackOpen)
	app.Post("/webhooks/mailer", webhookCtrl.HandleMailerEvent)

	api := app.Group("/api/v1", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}), middleware.Protected(), middleware.APIRateLimiter())

	automations := api.Group("/automations")
	automations.Post("/", automationCtrl.CreateAutomation)
	automations.Get("/", automationCtrl.GetAutomations)
	automations.Get("/:id", automationCtrl.GetAutomation)
	automations.Put("/:id", automationCtrl.UpdateAutomation)
	automations.Delete("/:id", automationCtrl.DeleteAutomation)
	automations.Put("/:id/status", automationCtrl.SetAutomationStatus)
	automations.Get("/:id/preview", automationCtrl.PreviewAutomation)

	segments := api.Group("/segments")
	segments.Post("/", segmentCtrl.CreateSegment)
	segments.Get("/", segmentCtrl.GetSegments)
	segments.Get("/:id", segmentCtrl.GetSegment)
	segments.Delete("/:id", segmentCtrl.DeleteSegment)
	segments.Post("/:id/leads", segmentCtrl.AddLeadToSegment)
	segments.Delete("/:id/leads/:leadID", segmentCtrl.RemoveLeadFromSegment)

	leads := api.Group("/leads")
	leads.Post("/", leadCtrl.CreateLead)
	leads.Get("/", leadCtrl.GetLeads)
	leads.Get("/:id", leadCtrl.GetLead)
	leads.Delete("/:id", leadCtrl.DeleteLead)

	apiLogger.Println("Routes initialized successfully")
}
