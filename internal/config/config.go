package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        string
	DatabaseURL string

	JWTSecret     string
	InternalToken string

	PollInterval    time.Duration
	BatchSize       int
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	AdapterTimeout  time.Duration
	DispatchWorkers int

	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	SendBuffer       int

	AccessTTL time.Duration

	EmailProvider       string
	SMSProvider         string
	PushProvider        string
	InAppRequireReceipt bool

	RateLimitPerMinute int
	RateLimitBurst     int
}

func Load() Config {
	port := os.Getenv("NOTIFY_PORT")
	if port == "" {
		port = "8086"
	}

	return Config{
		Port:        port,
		DatabaseURL: os.Getenv("DB_DSN"),

		JWTSecret:     os.Getenv("NOTIFY_JWT_SECRET"),
		InternalToken: os.Getenv("NOTIFY_INTERNAL_TOKEN"),

		PollInterval:    readDurationSeconds("NOTIFY_POLL_SECONDS", 5),
		BatchSize:       readInt("NOTIFY_BATCH_SIZE", 50),
		MaxRetries:      readInt("NOTIFY_MAX_RETRIES", 3),
		BackoffBase:     readDurationSeconds("NOTIFY_BACKOFF_BASE_SECONDS", 30),
		BackoffCap:      readDurationSeconds("NOTIFY_BACKOFF_CAP_SECONDS", 900),
		AdapterTimeout:  readDurationSeconds("NOTIFY_ADAPTER_TIMEOUT_SECONDS", 10),
		DispatchWorkers: readInt("NOTIFY_DISPATCH_WORKERS", 8),

		HeartbeatTimeout: readDurationSeconds("NOTIFY_HEARTBEAT_TIMEOUT_SECONDS", 60),
		SweepInterval:    readDurationSeconds("NOTIFY_SWEEP_SECONDS", 10),
		SendBuffer:       readInt("NOTIFY_SEND_BUFFER", 16),

		AccessTTL: readDurationSeconds("NOTIFY_ACCESS_TTL_SECONDS", 300),

		EmailProvider:       os.Getenv("NOTIFY_EMAIL_PROVIDER"),
		SMSProvider:         os.Getenv("NOTIFY_SMS_PROVIDER"),
		PushProvider:        os.Getenv("NOTIFY_PUSH_PROVIDER"),
		InAppRequireReceipt: os.Getenv("NOTIFY_INAPP_REQUIRE_RECEIPT") == "true",

		RateLimitPerMinute: readInt("NOTIFY_RATE_LIMIT_PER_MINUTE", 120),
		RateLimitBurst:     readInt("NOTIFY_RATE_LIMIT_BURST", 30),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
