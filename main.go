package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"weekly-tournament-system/handlers"
	"weekly-tournament-system/middleware"
	"weekly-tournament-system/models"
	"weekly-tournament-system/services"
	"weekly-tournament-system/utils"
	"weekly-tournament-system/workers"

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

	app := fiber.New(fiber.Config{
		BodyLimit: 1 * 1024 * 1024, // 1MB — JSON API only
	})

	// 🔐❗ GLOBAL: Only Gateway requests allowed — no exceptions
	app.Use(middleware.GatewayAuthMiddleware())

	allowedOriginsEnv := os.Getenv("ALLOWED_ORIGINS")
	if allowedOriginsEnv == "" {
		log.Println("⚠️  ALLOWED_ORIGINS environment variable not set, using default: http://localhost:3000")
		allowedOriginsEnv = "http://localhost:3000"
	}
	allowedOriginsList := strings.Split(allowedOriginsEnv, ",")
	for i, origin := range allowedOriginsList {
		allowedOriginsList[i] = strings.TrimSpace(origin)
	}
	allowedOriginsString := strings.Join(allowedOriginsList, ",")

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOriginsString,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, User-Agent, Cache-Control, X-User-ID, X-User-Roles, X-Device-ID",
		ExposeHeaders:    "Content-Length, Content-Type, Authorization, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400, // 24 hours
	}))

	app.Use(middleware.GeneralRateLimit())

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.Tournament{},
		&models.ParticipantEntry{},
		&models.Payout{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	rdb := utils.NewRedisClient()

	// Wiring order matters: the stats service installs itself as the
	// coordinator's rewarm hook, so it must exist before anything
	// invalidates with rewarm=true.
	responseCache := services.NewResponseCache(rdb)
	coordinator := services.NewCacheCoordinator(responseCache, rdb)
	rankedStore := services.NewLeaderboardStore(rdb)
	lifecycleService := services.NewLifecycleService(db, rdb, rankedStore, coordinator)
	scoreService := services.NewScoreService(db, rdb, rankedStore, coordinator, lifecycleService)
	statsService := services.NewStatsService(db, responseCache, rankedStore, coordinator, lifecycleService)
	streamService := services.NewStreamService(rdb, lifecycleService)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Make sure a tournament exists before taking traffic.
	if _, err := lifecycleService.EnsureCurrentTournament(ctx); err != nil {
		log.Printf("⚠️  startup tournament ensure failed (scheduler will retry): %v", err)
	}

	lifecycleService.StartScheduler()

	warmWorker := workers.NewCacheWarmWorker(lifecycleService, statsService, 30*time.Second)
	go warmWorker.Start(ctx)

	handlers.SetupTournamentRoutes(app, scoreService, statsService, streamService)

	port := os.Getenv("PORT")
	if port == "" {
		port = "5300"
		log.Println("⚠️  PORT not set, defaulting to 5300")
	}

	go func() {
		if err := app.Listen(":" + port); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Server running on http://localhost:%s", port)
	log.Println("✅ Weekly tournament scheduler running")
	log.Println("✅ Cache warm worker running (every 30s)")
	log.Println("✅ GatewayAuthMiddleware enforced globally — all requests must come from Gateway")
	log.Printf("✅ CORS configured for origins: %s", allowedOriginsString)

	<-ctx.Done()
	log.Println("Shutting down server...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
