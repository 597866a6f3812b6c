package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/wenwu/saas-platform/voucher-service/internal/config"
	"github.com/wenwu/saas-platform/voucher-service/internal/ratelimit"
)

type Server struct {
	router   *gin.Engine
	handler  *Handler
	cfg      *config.Config
	throttle *ratelimit.TokenBuckets
	srv      *http.Server
}

// RulesFromConfig builds the fixed-window rules used by the handlers.
func RulesFromConfig(cfg *config.Config) Rules {
	rl := cfg.RateLimit
	return Rules{
		RedeemIP:     ratelimit.Rule{Scope: "redeem", Window: rl.RedeemIP.Window, Max: rl.RedeemIP.Max},
		RedeemIPCode: ratelimit.Rule{Scope: "redeem", Window: rl.RedeemIPCode.Window, Max: rl.RedeemIPCode.Max},
		CoinCreateIP: ratelimit.Rule{Scope: "coin_create", Window: rl.CoinCreateIP.Window, Max: rl.CoinCreateIP.Max},
		Admin:        ratelimit.Rule{Scope: "admin", Window: rl.Admin.Window, Max: rl.Admin.Max},
	}
}

func NewServer(cfg *config.Config, handler *Handler, throttle *ratelimit.TokenBuckets) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(gin.Logger())
	if origins := cfg.Server.CORSOrigins; len(origins) > 0 {
		router.Use(corsMiddleware(origins))
	}

	s := &Server{
		router:   router,
		handler:  handler,
		cfg:      cfg,
		throttle: throttle,
		srv: &http.Server{
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	s.setupRoutes()
	return s
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cc := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "X-API-Key"},
		ExposeHeaders: []string{"Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cc.AllowAllOrigins = true
			return cors.New(cc)
		}
	}
	cc.AllowOrigins = origins
	return cors.New(cc)
}

func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"service": "voucher-service",
			"store":   s.cfg.Database.Driver,
		})
	})

	// Public API - captive portal, no authentication
	public := s.router.Group("/api/v1")
	if s.throttle != nil {
		public.Use(ThrottleMiddleware(s.throttle))
	}
	{
		public.POST("/vouchers/redeem", s.handler.RedeemVoucher)
		public.GET("/vouchers/:code", s.handler.GetVoucher)

		public.POST("/coin/sessions", s.handler.CreateCoinSession)
		public.GET("/coin/sessions/:code", s.handler.GetCoinSession)
		public.GET("/coin/sessions/:code/qr", s.handler.CoinSessionQR)
		public.POST("/coin/sessions/:code/cancel", s.handler.CancelCoinSession)
	}

	// Machine API - called by coin machines and access points
	machine := s.router.Group("/api/machine")
	machine.Use(InternalAuthMiddleware(s.cfg.InternalSecret))
	{
		machine.POST("/coin/claim", s.handler.ClaimCoinSession)
		machine.POST("/coin/deposit", s.handler.Deposit)
		machine.POST("/usage", s.handler.RecordUsage)
	}

	// Device API - vending devices authenticate with their own API key
	devices := s.router.Group("/api/devices")
	if s.throttle != nil {
		devices.Use(ThrottleMiddleware(s.throttle))
	}
	{
		devices.POST("/:id/heartbeat", s.handler.DeviceHeartbeat)
		devices.POST("/:id/credit", s.handler.DeviceCredit)
	}

	// Admin API - requires JWT with role=admin
	admin := s.router.Group("/api/admin")
	admin.Use(JWTAuthMiddleware(s.cfg.JWT.SecretKey))
	admin.Use(RequireAdmin())
	admin.Use(RateLimitMiddleware(s.handler.guard, s.handler.rules.Admin))
	{
		admin.POST("/vouchers", s.handler.GenerateVouchers)
		admin.GET("/vouchers", s.handler.ListVouchers)
		admin.POST("/vouchers/revoke", s.handler.RevokeVoucher)
		admin.POST("/vouchers/expire-sweep", s.handler.ExpireSweep)
		admin.POST("/sweep", s.handler.Sweep)

		admin.POST("/devices", s.handler.RegisterDevice)
		admin.GET("/devices", s.handler.ListDevices)
		admin.POST("/devices/:id/rotate-key", s.handler.RotateDeviceKey)
		admin.POST("/devices/:id/deactivate", s.handler.DeactivateDevice)
		admin.GET("/audit/:targetType/:targetId", s.handler.AuditHistory)
	}
}

// Handler exposes the router for http.Server and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until Shutdown is called.
func (s *Server) Run(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
