package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"coach-sync-system/handlers"
	"coach-sync-system/middleware"
	"coach-sync-system/models"
	"coach-sync-system/services"
	"coach-sync-system/utils"
	"coach-sync-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	app := fiber.New(fiber.Config{})

	// 🔐 GLOBAL: every request must carry the service token
	app.Use(middleware.GatewayAuthMiddleware())

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:3000"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.Coach{},
		&models.Competitor{},
		&models.Team{},
		&models.TeamMember{},
		&models.SyncState{},
		&models.SyncRun{},
		&models.ChallengeSolve{},
		&models.FlashCtfEvent{},
		&models.CompetitorStats{},
		&models.Job{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	if enabled, err := utils.InitR2(); err != nil {
		log.Fatal("failed to initialize R2 client:", err)
	} else if enabled {
		log.Println("✅ R2 report archiving enabled")
	} else {
		log.Println("⚠️  R2 not configured — sync run reports will not be archived")
	}

	client, err := services.NewMetaCTFClient(
		os.Getenv("METACTF_BASE_URL"),
		services.StaticToken(os.Getenv("METACTF_API_TOKEN")),
	)
	if err != nil {
		log.Fatal("failed to construct MetaCTF client:", err)
	}

	statsService := services.NewStatsSyncService(db, client)
	if n := envInt("FLASH_CTF_FORCE_FULL_EVERY_N_RUNS", statsService.FlashCtfForceEveryN); n >= 0 {
		statsService.FlashCtfForceEveryN = n
	}
	onboardingService := services.NewOnboardingService(db, client, statsService, acceptedCoachStatuses())
	totalsService := services.NewTotalsService(db, client)

	queue := workers.NewQueue(db)
	taskHandlers := workers.NewTaskHandlers(queue, onboardingService, statsService, totalsService)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pollInterval := time.Duration(envInt("QUEUE_POLL_INTERVAL_SECONDS", 5)) * time.Second
	workerCount := envInt("QUEUE_WORKERS", 2)
	for i := 0; i < workerCount; i++ {
		worker := workers.NewWorker(queue, pollInterval)
		taskHandlers.RegisterAll(worker)
		go worker.Run(ctx)
	}

	sched, err := workers.StartSyncScheduler(queue)
	if err != nil {
		log.Fatal("failed to start sync scheduler:", err)
	}
	defer func() { _ = sched.Shutdown() }()

	handlers.SetupSyncRoutes(app, db, queue, client)

	go func() {
		if err := app.Listen(":5300"); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Println("✅ Server running on http://localhost:5300")
	log.Printf("✅ %d queue worker(s) polling every %v", workerCount, pollInterval)
	log.Println("✅ Sync scheduler running")

	<-ctx.Done()
	log.Println("Shutting down server...")
	_ = app.Shutdown()
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("⚠️  Invalid %s=%q, using default %d", key, raw, fallback)
		return fallback
	}
	return n
}

func acceptedCoachStatuses() []string {
	raw := os.Getenv("METACTF_ACCEPTED_COACH_STATUSES")
	if raw == "" {
		return nil // service default applies
	}
	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
