package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"allocation-service/config"
	"allocation-service/internal/api"
	"allocation-service/internal/broker"
	"allocation-service/internal/lock"
	"allocation-service/internal/redisclient"
	"allocation-service/internal/service"
	"allocation-service/internal/store"
	"allocation-service/internal/util"
	"allocation-service/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting allocation service")

	tp, err := util.InitTracer("allocation-service", cfg.Server.Env, cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicAllocation)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	lockManager := lock.NewManager(redisClient,
		cfg.Lock.WaitTimeout, cfg.Lock.LeaseTimeout, cfg.Lock.RetryInterval)

	inventoryService := service.NewInventoryService(db, eventPublisher)
	couponService := service.NewCouponService(db, redisClient, lockManager, eventPublisher)
	queueService := service.NewQueueService(db, redisClient, lockManager, eventPublisher, cfg.Queue.DefaultEntryTTL)

	// Rebuild the coupon cache before accepting traffic: a cold cache must
	// never cause over-issuance.
	bootstrapCtx, bootstrapCancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := couponService.BootstrapSync(bootstrapCtx); err != nil {
		log.Printf("Coupon cache bootstrap failed: %v", err)
	}
	bootstrapCancel()

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	admitter := worker.NewAdmitter(queueService, cfg.Queue.AdmitterTick)
	go func() {
		if err := admitter.Start(workerCtx); err != nil && err != context.Canceled {
			log.Printf("Admitter error: %v", err)
		}
	}()

	sweeper := worker.NewSweeper(couponService, queueService, cfg.Coupon.SweepInterval, cfg.Queue.SweepInterval)
	go func() {
		if err := sweeper.Start(workerCtx); err != nil && err != context.Canceled {
			log.Printf("Sweeper error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(inventoryService, couponService, queueService)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()

	log.Println("Server exited")
}
