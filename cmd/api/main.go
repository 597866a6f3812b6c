package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/wenwu/saas-platform/voucher-service/internal/client"
	"github.com/wenwu/saas-platform/voucher-service/internal/config"
	"github.com/wenwu/saas-platform/voucher-service/internal/db"
	"github.com/wenwu/saas-platform/voucher-service/internal/http"
	"github.com/wenwu/saas-platform/voucher-service/internal/models"
	"github.com/wenwu/saas-platform/voucher-service/internal/ratelimit"
	"github.com/wenwu/saas-platform/voucher-service/internal/repository"
	"github.com/wenwu/saas-platform/voucher-service/internal/repository/memstore"
	"github.com/wenwu/saas-platform/voucher-service/internal/service"
)

// auditStore both records and serves audit events.
type auditStore interface {
	service.AuditSink
	http.AuditReader
}

func main() {
	log.Println("Starting Voucher Service...")

	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		if cfg.Server.Mode == gin.ReleaseMode {
			log.Fatalf("Invalid configuration: %v", err)
		}
		log.Printf("[config] WARNING: %v (allowed outside release mode)", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	var (
		plans    service.PlanCatalog
		vouchers service.VoucherStore
		sessions service.CoinSessionStore
		devices  service.DeviceStore
		audit    auditStore
	)
	switch cfg.Database.Driver {
	case config.StoreDriverMemory:
		store := memstore.New()
		seedDemoPlans(store)
		plans, vouchers, sessions, audit = store.Plans(), store.Vouchers(), store.CoinSessions(), store.Audit()
		devices = store.Devices()
		log.Println("[store] Using in-memory store; data is lost on restart")
	default:
		database, err := db.New(ctx, cfg)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer database.Close()

		if cfg.Database.AutoMigrate {
			if err := database.EnsureSchema(ctx); err != nil {
				log.Fatalf("Failed to apply schema: %v", err)
			}
		}

		plans = repository.NewPlanRepository(database.Pool)
		vouchers = repository.NewVoucherRepository(database.Pool)
		sessions = repository.NewCoinSessionRepository(database.Pool)
		devices = repository.NewDeviceRepository(database.Pool)
		audit = repository.NewAuditRepository(database.Pool)
	}

	// Remote plan catalog overrides the local plans table
	if cfg.PlanCatalog.Source == config.PlanSourceRemote {
		plans = client.NewPlanCatalogClient(cfg.PlanCatalog.URL, cfg.InternalSecret, cfg.PlanCatalog.Timeout)
		log.Printf("[plans] Using remote plan catalog at %s", cfg.PlanCatalog.URL)
	}

	// Rate limiting: Redis when configured, in-process counters otherwise
	local := ratelimit.NewMemoryLimiter(nil)
	local.StartJanitor(ctx, time.Minute)

	var shared ratelimit.Limiter
	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Printf("[redis] Ping failed, rate limits degrade to in-process counters until it recovers: %v", err)
		} else {
			log.Printf("[redis] Connected to %s", cfg.Redis.Addr)
		}
		cancel()

		shared = ratelimit.NewRedisLimiter(rdb, ratelimit.WithKeyPrefix("voucher:rl"))
	}
	guard := ratelimit.NewGuard(ratelimit.NewFallback(shared, local), nil)

	throttle := ratelimit.NewTokenBuckets(cfg.RateLimit.APIRPS, cfg.RateLimit.APIBurst, 15*time.Minute)
	throttle.StartJanitor(ctx, 5*time.Minute)

	// Initialize services
	sweeper := service.NewSweeper(cfg, plans, vouchers, sessions, audit, nil)
	voucherService := service.NewVoucherService(cfg, plans, vouchers, sweeper, audit, nil)
	coinService := service.NewCoinService(cfg, plans, sessions, audit, nil)
	deviceService := service.NewDeviceService(cfg, plans, devices, voucherService, audit, nil)

	sweeper.Start(ctx)

	// Initialize HTTP server
	handler := http.NewHandler(voucherService, coinService, deviceService, sweeper, audit, guard, http.RulesFromConfig(cfg))
	server := http.NewServer(cfg, handler, throttle)

	// Start server in goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Server.Port)
		log.Printf("Server starting on %s", addr)
		if err := server.Run(addr); err != nil {
			log.Printf("Server failed: %v", err)
			stop()
		}
	}()

	// Graceful shutdown
	<-ctx.Done()
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}

	log.Println("Server exited")
}

// seedDemoPlans gives the memory store something to sell.
func seedDemoPlans(store *memstore.Store) {
	thirty, hour := 30, 60
	capMB := int64(500)
	now := time.Now()

	store.PutPlan(&models.Plan{ID: "demo-free-30m", Name: "Free 30 minutes", PriceCents: 0, DurationMinutes: &thirty, CreatedAt: now})
	store.PutPlan(&models.Plan{ID: "demo-1h-500mb", Name: "1 hour / 500 MB", PriceCents: 500, DurationMinutes: &hour, DataCapMB: &capMB, CreatedAt: now})
	log.Println("[store] Seeded demo plans: demo-free-30m, demo-1h-500mb")
}
