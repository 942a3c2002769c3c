package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/stemsplit/api/internal/config"
	"github.com/stemsplit/api/internal/engine"
	"github.com/stemsplit/api/internal/enhance"
	"github.com/stemsplit/api/internal/flagger"
	"github.com/stemsplit/api/internal/handler"
	"github.com/stemsplit/api/internal/middleware"
	"github.com/stemsplit/api/internal/scheduler"
	"github.com/stemsplit/api/internal/service"
	"github.com/stemsplit/api/internal/store"
	"github.com/stemsplit/api/internal/sweeper"
	"github.com/stemsplit/api/internal/worker"
	ws "github.com/stemsplit/api/internal/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Core components
	st := store.New(redisClient)
	separator := engine.NewFFmpegSeparator(cfg.Engine)
	if !separator.Available(ctx) {
		log.Println("Warning: separation engine not available")
	}

	fl := flagger.New(cfg.Quality)
	enhancer := enhance.New(st, fl, separator, cfg.Quality, cfg.Loop.MaxAttempts)
	sw := sweeper.New(st, time.Duration(cfg.Loop.GraceHours)*time.Hour)
	sched := scheduler.New(st, fl, enhancer, sw, cfg.Loop.Interval)

	// Initialize services
	separationService := service.NewSeparationService(st, asynqClient, cfg.Storage, cfg.Server.PublicURL)
	feedbackService := service.NewFeedbackService(st, cfg.Quality)

	// Initialize handlers
	separationHandler := handler.NewSeparationHandler(separationService, cfg.Storage.MaxUploadMB)
	feedbackHandler := handler.NewFeedbackHandler(feedbackService, validate)
	adminHandler := handler.NewAdminHandler(sched)

	// Initialize middleware
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    cfg.Server.BodyLimitMB * 1024 * 1024,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		engineOK := separator.Available(c.Context())
		redisOK := st.Ping(c.Context()) == nil

		status := "ok"
		if !engineOK || !redisOK {
			status = "degraded"
		}
		return c.JSON(fiber.Map{
			"status":          status,
			"engine":          engineOK,
			"redis":           redisOK,
			"rebuildInterval": cfg.Loop.Interval.String(),
		})
	})

	// API routes
	api := app.Group("/api")

	separate := api.Group("/separate")
	separate.Post("/", rateLimiter.SeparateLimit(cfg.RateLimit.SeparatePerHour), separationHandler.Separate)
	separate.Get("/status/:jobId", separationHandler.Status)
	separate.Get("/result/:jobId", separationHandler.Result)
	separate.Post("/cancel/:jobId", separationHandler.Cancel)

	api.Post("/feedback", rateLimiter.FeedbackLimit(cfg.RateLimit.FeedbackPerMin), feedbackHandler.Submit)

	// Admin routes
	app.Post("/admin/rebuild", adminHandler.Rebuild)

	// Static stem serving
	app.Static("/stems", cfg.Storage.OutputsDir())

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")
		hub.HandleConnection(c, jobID)
	}))

	// Start Asynq worker server and the self-learning loop
	go startWorkerServer(cfg, st, separator, hub)

	loopCtx, stopLoop := context.WithCancel(ctx)
	go sched.Run(loopCtx)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		stopLoop()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func startWorkerServer(cfg *config.Config, st *store.Store, separator engine.Separator, hub *ws.Hub) {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: cfg.Loop.WorkerConcurrency,
			Queues: map[string]int{
				"separate": 10,
			},
		},
	)

	separateWorker := worker.NewSeparateWorker(st, separator, cfg.Storage, cfg.Loop.RetentionDays, hub)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeSeparate, separateWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
