package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// 不安全的默认值列表 (生产环境不应使用)
var insecureDefaults = map[string]bool{
	"your-secret-key-change-in-production": true,
	"internal-secret":                      true,
	"internal-service-secret":              true,
	"":                                     true,
}

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	PlanSourceDB     = "db"
	PlanSourceRemote = "remote"
)

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Redis          RedisConfig
	JWT            JWTConfig
	Voucher        VoucherConfig
	Coin           CoinConfig
	Sweep          SweepConfig
	RateLimit      RateLimitConfig
	PlanCatalog    PlanCatalogConfig
	Device         DeviceConfig
	InternalSecret string
}

type ServerConfig struct {
	Port        string
	Mode        string
	CORSOrigins []string
}

type DatabaseConfig struct {
	Driver      string
	Host        string
	Port        string
	User        string
	Password    string
	DBName      string
	Schema      string
	SSLMode     string
	AutoMigrate bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a shared rate-limit store is configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type JWTConfig struct {
	SecretKey string
}

type VoucherConfig struct {
	DefaultCodeLength int
	MaxBatch          int
}

type CoinConfig struct {
	ClaimWindow       time.Duration
	RequestCodeLength int
}

type SweepConfig struct {
	Interval  time.Duration
	Throttle  time.Duration
	BatchSize int
}

// RuleConfig is one fixed-window quota.
type RuleConfig struct {
	Window time.Duration
	Max    int
}

type RateLimitConfig struct {
	RedeemIP     RuleConfig
	RedeemIPCode RuleConfig
	CoinCreateIP RuleConfig
	Admin        RuleConfig

	// per-client token bucket in front of the public API
	APIRPS   float64
	APIBurst int
}

type PlanCatalogConfig struct {
	Source  string
	URL     string
	Timeout time.Duration
}

// DeviceConfig covers vending devices that authenticate with their own API key.
type DeviceConfig struct {
	KeyPepper  string
	BcryptCost int
}

func Load() *Config {
	// .env is optional; real environment variables take precedence
	if err := godotenv.Load(); err == nil {
		log.Printf("[config] Loaded .env file")
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:        getEnv("SERVER_PORT", "8005"),
			Mode:        getEnv("GIN_MODE", "release"), // 默认为 release 模式
			CORSOrigins: getEnvList("CORS_ORIGINS", nil),
		},
		Database: DatabaseConfig{
			Driver:      getEnv("STORE_DRIVER", StoreDriverPostgres),
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        getEnv("DB_PORT", "5432"),
			User:        getEnv("DB_USER", "saas_user"),
			Password:    getEnv("DB_PASSWORD", "saas_pass"),
			DBName:      getEnv("DB_NAME", "saas_db"),
			Schema:      getEnv("DB_SCHEMA", "voucher"),
			SSLMode:     getEnv("DB_SSLMODE", "disable"),
			AutoMigrate: getEnvBool("DB_AUTO_MIGRATE", false),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			SecretKey: getEnv("JWT_SECRET_KEY", ""),
		},
		Voucher: VoucherConfig{
			DefaultCodeLength: getEnvInt("VOUCHER_CODE_LENGTH", 10),
			MaxBatch:          getEnvInt("VOUCHER_MAX_BATCH", 500),
		},
		Coin: CoinConfig{
			ClaimWindow:       getEnvDuration("COIN_CLAIM_WINDOW", 120*time.Second),
			RequestCodeLength: getEnvInt("COIN_REQUEST_CODE_LENGTH", 6),
		},
		Sweep: SweepConfig{
			Interval:  getEnvDuration("SWEEP_INTERVAL", 60*time.Second),
			Throttle:  getEnvDuration("SWEEP_THROTTLE", 60*time.Second),
			BatchSize: getEnvInt("SWEEP_BATCH_SIZE", 200),
		},
		RateLimit: RateLimitConfig{
			RedeemIP:     RuleConfig{Window: getEnvDuration("RL_REDEEM_IP_WINDOW", time.Minute), Max: getEnvInt("RL_REDEEM_IP_MAX", 30)},
			RedeemIPCode: RuleConfig{Window: getEnvDuration("RL_REDEEM_CODE_WINDOW", time.Minute), Max: getEnvInt("RL_REDEEM_CODE_MAX", 5)},
			CoinCreateIP: RuleConfig{Window: getEnvDuration("RL_COIN_CREATE_WINDOW", time.Minute), Max: getEnvInt("RL_COIN_CREATE_MAX", 10)},
			Admin:        RuleConfig{Window: getEnvDuration("RL_ADMIN_WINDOW", time.Minute), Max: getEnvInt("RL_ADMIN_MAX", 60)},
			APIRPS:       getEnvFloat("RL_API_RPS", 20),
			APIBurst:     getEnvInt("RL_API_BURST", 40),
		},
		PlanCatalog: PlanCatalogConfig{
			Source:  getEnv("PLAN_SOURCE", PlanSourceDB),
			URL:     getEnv("PLAN_SERVICE_URL", "http://localhost:8003"),
			Timeout: getEnvDuration("PLAN_SERVICE_TIMEOUT", 5*time.Second),
		},
		Device: DeviceConfig{
			KeyPepper:  getEnv("DEVICE_API_PEPPER", ""),
			BcryptCost: getEnvInt("DEVICE_KEY_BCRYPT_COST", 12),
		},
		InternalSecret: getEnv("INTERNAL_SECRET", ""),
	}

	// 日志脱敏: 不记录敏感配置
	log.Printf("[config] Voucher Service loaded: port=%s store=%s db=%s/%s.%s redis=%t plans=%s",
		cfg.Server.Port, cfg.Database.Driver, cfg.Database.Host, cfg.Database.DBName, cfg.Database.Schema,
		cfg.Redis.Enabled(), cfg.PlanCatalog.Source)

	return cfg
}

// Validate 验证配置有效性，生产环境必须设置安全的密钥
func (c *Config) Validate() error {
	// 检查 JWT 密钥
	if insecureDefaults[c.JWT.SecretKey] {
		return fmt.Errorf("JWT_SECRET_KEY must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 characters long")
	}

	// 检查内部服务密钥
	if insecureDefaults[c.InternalSecret] {
		return fmt.Errorf("INTERNAL_SECRET must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.InternalSecret) < 32 {
		return fmt.Errorf("INTERNAL_SECRET must be at least 32 characters long")
	}

	switch c.Database.Driver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, c.Database.Driver)
	}
	switch c.PlanCatalog.Source {
	case PlanSourceDB:
		if c.Database.Driver == StoreDriverMemory {
			log.Printf("[config] PLAN_SOURCE=db with the memory store serves only seeded plans")
		}
	case PlanSourceRemote:
		if c.PlanCatalog.URL == "" {
			return fmt.Errorf("PLAN_SERVICE_URL is required when PLAN_SOURCE=remote")
		}
	default:
		return fmt.Errorf("PLAN_SOURCE must be %q or %q, got %q", PlanSourceDB, PlanSourceRemote, c.PlanCatalog.Source)
	}

	if n := c.Voucher.DefaultCodeLength; n < 6 || n > 24 {
		return fmt.Errorf("VOUCHER_CODE_LENGTH must be between 6 and 24, got %d", n)
	}
	if n := c.Voucher.MaxBatch; n < 1 || n > 500 {
		return fmt.Errorf("VOUCHER_MAX_BATCH must be between 1 and 500, got %d", n)
	}
	if n := c.Coin.RequestCodeLength; n < 4 || n > 8 {
		return fmt.Errorf("COIN_REQUEST_CODE_LENGTH must be between 4 and 8, got %d", n)
	}
	if c.Coin.ClaimWindow <= 0 {
		return fmt.Errorf("COIN_CLAIM_WINDOW must be positive")
	}
	if c.Sweep.BatchSize < 1 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be positive")
	}
	// bcrypt only reads the first 72 bytes; keys are 32 characters
	if len(c.Device.KeyPepper) > 40 {
		return fmt.Errorf("DEVICE_API_PEPPER must be at most 40 bytes")
	}
	if n := c.Device.BcryptCost; n < 4 || n > 16 {
		return fmt.Errorf("DEVICE_KEY_BCRYPT_COST must be between 4 and 16, got %d", n)
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return "postgres://" + c.User + ":" + c.Password + "@" + c.Host + ":" + c.Port + "/" + c.DBName + "?sslmode=" + c.SSLMode
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s", "2m") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
