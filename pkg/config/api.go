package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment        string
	Addr               string
	LogLevel           string
	StoreDriver        string
	DatabaseURL        string
	MigrationsDir      string
	JWTSecret          string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	QueueDriver        string
	AMQPURL            string
	AMQPBuildsQueue    string
	AMQPEventsExchange string
	WSSendBuffer       int
	HubBroadcastBuffer int
	BuildTimeout       time.Duration
	BuildSweepEvery    time.Duration
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	// TrustedProxies lists the addresses or CIDRs whose X-Forwarded-For is honored.
	TrustedProxies []string
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":3333"),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		StoreDriver:        GetString("STORE_DRIVER", "postgres"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://statikk:statikk@db:5432/statikk?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		JWTSecret:          GetString("JWT_SECRET", "secret"),
		AccessTokenTTL:     time.Duration(GetInt("ACCESS_TOKEN_TTL_MIN", 15)) * time.Minute,
		RefreshTokenTTL:    time.Duration(GetInt("REFRESH_TOKEN_TTL_HOURS", 24)) * time.Hour,
		QueueDriver:        GetString("QUEUE_DRIVER", "amqp"),
		AMQPURL:            GetString("AMQP_CONNECTION_URL", ""),
		AMQPBuildsQueue:    GetString("AMQP_BUILDS_QUEUE", "builds"),
		AMQPEventsExchange: GetString("AMQP_EVENTS_EXCHANGE", "build-events"),
		WSSendBuffer:       GetInt("WS_SEND_BUFFER", 64),
		HubBroadcastBuffer: GetInt("HUB_BROADCAST_BUFFER", 256),
		BuildTimeout:       time.Duration(GetInt("BUILD_TIMEOUT_MIN", 60)) * time.Minute,
		BuildSweepEvery:    time.Duration(GetInt("BUILD_SWEEP_SECONDS", 60)) * time.Second,
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		TrustedProxies:     GetList("TRUSTED_PROXIES", nil),
	}
}

// Validate reports configuration that cannot start the API.
func (c APIConfig) Validate() error {
	var errs []error
	switch strings.ToLower(c.StoreDriver) {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER: unknown driver %q", c.StoreDriver))
	}
	switch strings.ToLower(c.QueueDriver) {
	case "amqp", "memory", "none":
	default:
		errs = append(errs, fmt.Errorf("QUEUE_DRIVER: unknown driver %q", c.QueueDriver))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET must be set"))
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		errs = append(errs, errors.New("token TTLs must be positive"))
	}
	if c.WSSendBuffer <= 0 || c.HubBroadcastBuffer <= 0 {
		errs = append(errs, errors.New("WS_SEND_BUFFER and HUB_BROADCAST_BUFFER must be positive"))
	}
	for _, entry := range c.TrustedProxies {
		if _, err := ParsePrefix(entry); err != nil {
			errs = append(errs, fmt.Errorf("TRUSTED_PROXIES: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ParsePrefix accepts a CIDR or a bare address, which is taken as a single host.
func ParsePrefix(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, err
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
