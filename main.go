package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/sirupsen/logrus"

	"leadloop/automation"
	"leadloop/config"
	"leadloop/routes"
	"leadloop/utils"
	"leadloop/worker"
)

func main() {
	// Initialize logger
	logger := log.New(os.Stdout, "LEADLOOP: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if config.AppConfig.Environment == "production" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	// Error reporting
	if config.AppConfig.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		})
		if err != nil {
			logger.Fatalf("Failed to initialize sentry: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Redis carries the segment membership stream and the shared rate-limit
	// counters.
	rdb := redis.NewClient(&redis.Options{
		Addr:     config.AppConfig.Redis.Address,
		Password: config.AppConfig.Redis.Password,
		DB:       config.AppConfig.Redis.DB,
	})

	// Assemble the automation engine
	oracle := automation.NewSegmentOracle(config.DB, rdb, config.AppConfig.Redis.MembershipChannel)
	mailer := utils.NewSMTPMailer(config.DB)
	engine := automation.NewEngine(config.DB, oracle, mailer, automation.SystemClock(), automation.EngineConfig{
		Tick:              time.Duration(config.AppConfig.SchedulerTickSeconds) * time.Second,
		MaxResumeAttempts: config.AppConfig.SchedulerMaxAttempts,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Delay scheduler: resumes waiting executions when their wait elapses.
	go engine.Scheduler.Run(ctx)

	// Membership worker: feeds segment enter/exit events to the triggers.
	if config.AppConfig.Redis.Enabled {
		membershipWorker := worker.NewMembershipWorker(engine.Oracle, engine.Evaluator,
			log.New(os.Stdout, "MEMBERSHIP: ", log.LstdFlags))
		go membershipWorker.Start(ctx)
	} else {
		logger.Println("Redis disabled; membership events will not be consumed")
	}

	// Create Fiber app
	app := fiber.New()
	app.Use(cors.New())

	// Setup routes
	routes.SetupRoutes(app, config.DB, rdb, engine)

	// Start server
	logger.Printf("Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
