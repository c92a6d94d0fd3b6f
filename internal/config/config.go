package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	redisclient "github.com/hackgods/clinical-scheduling-engine/internal/redis"
)

type Config struct {
	Env             string // dev, prod
	HTTPPort        string // default 8080
	LogLevel        string // zerolog level name
	PostgresDSN     string // required
	PGMaxConns      int32
	MigrateOnStart  bool          // apply embedded migrations at startup
	RedisAddr       string        // host:port
	RedisUsername   string        // redis username
	RedisPassword   string        // redis password
	AMQPURL         string        // notifications go to the log gateway when empty
	AMQPExchange    string        // exchange for notification messages
	LockTTL         time.Duration // how long a Redis lock key lives
	LockWait        time.Duration // how long to keep retrying a busy lock
	ShutdownTimeout time.Duration // graceful shutdown timeout
	Location        *time.Location

	// slot allocation
	HoldTTL       time.Duration // lifetime of an unconfirmed hold
	SweepInterval time.Duration // how often expired holds are reaped

	// appointment policy
	CancelNotice          time.Duration // free cancellation until start - notice
	RescheduleNotice      time.Duration // rescheduling allowed until start - notice
	BookingGrace          time.Duration // minimum free-cancel window after booking
	AllowLateCancellation bool
	LifecycleInterval     time.Duration // how often session windows are checked

	// compliance
	QuotaMax                   int
	QuotaCountLateCancellation bool
	BillingItemPattern         string
	ServiceCacheSize           int

	// registration monitoring
	RegistrationInterval    time.Duration
	RegistrationWarningDays int

	// sessions
	VideoSigningKey  string
	CredentialTTL    time.Duration
	SessionJoinEarly time.Duration
	BindAttempts     int
	BindBackoff      time.Duration

	// reminders
	ReminderOffsets []time.Duration
	ReminderRefresh time.Duration // how often the pending queue is reloaded from the store
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Env:             getEnv("APP_ENV", "dev"),
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		PostgresDSN:     os.Getenv("POSTGRES_DSN"),
		PGMaxConns:      int32(getInt("PG_MAX_CONNS", 10)),
		MigrateOnStart:  getBool("MIGRATE_ON_START", false),
		AMQPURL:         os.Getenv("AMQP_URL"),
		AMQPExchange:    getEnv("AMQP_EXCHANGE", "clinic.notifications"),
		LockTTL:         getDuration("LOCK_TTL", 5*time.Second),
		LockWait:        getDuration("LOCK_WAIT", 2*time.Second),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),

		HoldTTL:       getDuration("HOLD_TTL", 30*time.Second),
		SweepInterval: getDuration("SWEEP_INTERVAL", 15*time.Second),

		CancelNotice:          getDuration("CANCEL_NOTICE", 24*time.Hour),
		RescheduleNotice:      getDuration("RESCHEDULE_NOTICE", 24*time.Hour),
		BookingGrace:          getDuration("BOOKING_GRACE", time.Hour),
		AllowLateCancellation: getBool("ALLOW_LATE_CANCELLATION", true),
		LifecycleInterval:     getDuration("LIFECYCLE_INTERVAL", 30*time.Second),

		QuotaMax:                   getInt("QUOTA_MAX", 10),
		QuotaCountLateCancellation: getBool("QUOTA_COUNT_LATE_CANCELLATIONS", true),
		BillingItemPattern:         getEnv("BILLING_ITEM_PATTERN", `^[0-9]{1,5}$`),
		ServiceCacheSize:           getInt("SERVICE_CACHE_SIZE", 256),

		RegistrationInterval:    getDuration("REGISTRATION_INTERVAL", 24*time.Hour),
		RegistrationWarningDays: getInt("REGISTRATION_WARNING_DAYS", 30),

		VideoSigningKey:  os.Getenv("VIDEO_SIGNING_KEY"),
		CredentialTTL:    getDuration("CREDENTIAL_TTL", 2*time.Hour),
		SessionJoinEarly: getDuration("SESSION_JOIN_EARLY", 10*time.Minute),
		BindAttempts:     getInt("BIND_ATTEMPTS", 3),
		BindBackoff:      getDuration("BIND_BACKOFF", 500*time.Millisecond),

		ReminderRefresh: getDuration("REMINDER_REFRESH", time.Minute),
	}

	if cfg.PostgresDSN == "" {
		return Config{}, errors.New("POSTGRES_DSN is required")
	}

	loc, err := time.LoadLocation(getEnv("TIMEZONE", "UTC"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid TIMEZONE: %w", err)
	}
	cfg.Location = loc

	offsets, err := parseDurations(getEnv("REMINDER_OFFSETS", "24h,1h,15m"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid REMINDER_OFFSETS: %w", err)
	}
	cfg.ReminderOffsets = offsets

	redisURL := os.Getenv("REDIS_URL")
	if redisURL != "" {
		addr, username, password, err := redisclient.ParseURL(redisURL)
		if err != nil {
			return Config{}, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		cfg.RedisAddr = addr
		cfg.RedisUsername = username
		cfg.RedisPassword = password
	} else {
		cfg.RedisAddr = getEnv("REDIS_ADDR", "127.0.0.1:6379")
		cfg.RedisUsername = getEnv("REDIS_USERNAME", "")
		cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate rejects policy combinations the engine cannot run with.
func (c Config) Validate() error {
	if c.QuotaMax <= 0 {
		return fmt.Errorf("QUOTA_MAX must be > 0, got %d", c.QuotaMax)
	}
	if c.HoldTTL <= 0 {
		return errors.New("HOLD_TTL must be > 0")
	}
	if c.BindAttempts <= 0 {
		return fmt.Errorf("BIND_ATTEMPTS must be > 0, got %d", c.BindAttempts)
	}
	if c.RegistrationWarningDays < 0 {
		return errors.New("REGISTRATION_WARNING_DAYS must not be negative")
	}
	if _, err := regexp.Compile(c.BillingItemPattern); err != nil {
		return fmt.Errorf("invalid BILLING_ITEM_PATTERN: %w", err)
	}
	if c.Env == "prod" && c.VideoSigningKey == "" {
		return errors.New("VIDEO_SIGNING_KEY is required in prod")
	}
	return nil
}

// WarningWindow is the registration warning window as a duration.
func (c Config) WarningWindow() time.Duration {
	return time.Duration(c.RegistrationWarningDays) * 24 * time.Hour
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		fmt.Fprintf(os.Stderr, "invalid duration for %s=%q, using default %s\n", key, v, def)
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		fmt.Fprintf(os.Stderr, "invalid int for %s=%q, using default %d\n", key, v, def)
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		fmt.Fprintf(os.Stderr, "invalid bool for %s=%q, using default %t\n", key, v, def)
	}
	return def
}

func parseDurations(raw string) ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("offset %s must be positive", part)
		}
		out = append(out, d)
	}
	return out, nil
}
