package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"

	"github.com/example/ride-dispatch/internal/models"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers        []string
	KafkaHeartbeatTopic string
	KafkaEventPrefix    string

	WebhookURL string
	WebhookKey string

	PGDSN string

	JWTSecret string
	JWTIssuer string

	DriverStaleAfter time.Duration
	GeoCellDegrees   float64

	DispatchRadiusM     float64
	DispatchRadiusStepM float64
	DispatchMaxRadiusM  float64
	DispatchCandidates  int
	DispatchAttempts    int
	DispatchRetryDelay  time.Duration
	DispatchMaxDelay    time.Duration

	PendingRideTimeout time.Duration
	SweepInterval      time.Duration

	NotifyQueueSize int
	NotifyWorkers   int

	FareCurrency string
	Tariffs      map[models.VehicleClass]Tariff

	LogLevel      string
	RunMigrations bool
}

// Tariff mirrors rides.Tariff so config does not import rides.
type Tariff struct {
	Base    int64
	PerKm   int64
	Minimum int64
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisGeoKey:         "drivers_geo",
		KafkaHeartbeatTopic: "driver-locations",
		KafkaEventPrefix:    "ride",
		JWTIssuer:           "ride-dispatch",
		DriverStaleAfter:    60 * time.Second,
		GeoCellDegrees:      0.01,
		DispatchRadiusM:     3000,
		DispatchRadiusStepM: 2000,
		DispatchMaxRadiusM:  10000,
		DispatchCandidates:  10,
		DispatchAttempts:    3,
		DispatchRetryDelay:  2 * time.Second,
		DispatchMaxDelay:    10 * time.Second,
		PendingRideTimeout:  10 * time.Minute,
		SweepInterval:       30 * time.Second,
		NotifyQueueSize:     1024,
		NotifyWorkers:       2,
		FareCurrency:        "USD",
		Tariffs: map[models.VehicleClass]Tariff{
			models.VehicleBike:   {Base: 100, PerKm: 60, Minimum: 200},
			models.VehicleAuto:   {Base: 150, PerKm: 90, Minimum: 300},
			models.VehicleCar:    {Base: 250, PerKm: 150, Minimum: 500},
			models.VehicleSUV:    {Base: 400, PerKm: 220, Minimum: 800},
			models.VehicleLuxury: {Base: 700, PerKm: 350, Minimum: 1500},
		},
		LogLevel: "info",
	}
}

// LoadDotEnv loads KEY=value pairs from the given files (".env" when none)
// without overriding variables already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaHeartbeatTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaEventPrefix, "KAFKA_EVENT_PREFIX")

	cfg.WebhookURL = strings.TrimSpace(os.Getenv("WEBHOOK_URL"))
	cfg.WebhookKey = os.Getenv("WEBHOOK_KEY")

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setStringFromEnv(&cfg.JWTIssuer, "JWT_ISSUER")

	setDurationFromEnv(&cfg.DriverStaleAfter, "DRIVER_STALE_AFTER", &errs)
	setFloatFromEnv(&cfg.GeoCellDegrees, "GEO_CELL_DEGREES", &errs)

	setFloatFromEnv(&cfg.DispatchRadiusM, "DISPATCH_RADIUS_M", &errs)
	setFloatFromEnv(&cfg.DispatchRadiusStepM, "DISPATCH_RADIUS_STEP_M", &errs)
	setFloatFromEnv(&cfg.DispatchMaxRadiusM, "DISPATCH_MAX_RADIUS_M", &errs)
	setIntFromEnv(&cfg.DispatchCandidates, "DISPATCH_CANDIDATES", &errs)
	setIntFromEnv(&cfg.DispatchAttempts, "DISPATCH_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.DispatchRetryDelay, "DISPATCH_RETRY_DELAY", &errs)
	setDurationFromEnv(&cfg.DispatchMaxDelay, "DISPATCH_MAX_RETRY_DELAY", &errs)

	setDurationFromEnv(&cfg.PendingRideTimeout, "PENDING_RIDE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)

	setIntFromEnv(&cfg.NotifyQueueSize, "NOTIFY_QUEUE_SIZE", &errs)
	setIntFromEnv(&cfg.NotifyWorkers, "NOTIFY_WORKERS", &errs)

	setStringFromEnv(&cfg.FareCurrency, "FARE_CURRENCY")
	for class, t := range cfg.Tariffs {
		prefix := "FARE_" + strings.ToUpper(string(class)) + "_"
		setInt64FromEnv(&t.Base, prefix+"BASE", &errs)
		setInt64FromEnv(&t.PerKm, prefix+"PER_KM", &errs)
		setInt64FromEnv(&t.Minimum, prefix+"MIN", &errs)
		cfg.Tariffs[class] = t
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	setBoolFromEnv(&cfg.RunMigrations, "MIGRATE", &errs)

	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}
	if cfg.DriverStaleAfter <= 0 {
		errs = append(errs, fmt.Errorf("DRIVER_STALE_AFTER must be > 0"))
	}
	if cfg.GeoCellDegrees <= 0 || cfg.GeoCellDegrees > 1 {
		errs = append(errs, fmt.Errorf("GEO_CELL_DEGREES must be in (0,1]"))
	}
	if cfg.DispatchRadiusM <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_M must be > 0"))
	}
	if cfg.DispatchMaxRadiusM < cfg.DispatchRadiusM {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_RADIUS_M must be >= DISPATCH_RADIUS_M"))
	}
	if cfg.DispatchAttempts <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_ATTEMPTS must be > 0"))
	}
	if cfg.DispatchMaxDelay < cfg.DispatchRetryDelay {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_RETRY_DELAY must be >= DISPATCH_RETRY_DELAY"))
	}
	if cfg.NotifyQueueSize <= 0 || cfg.NotifyWorkers <= 0 {
		errs = append(errs, fmt.Errorf("NOTIFY_QUEUE_SIZE and NOTIFY_WORKERS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// HeartbeatsOverBus reports whether driver heartbeats should go through
// Kafka. The consumer writes them to Redis, so the bus is only useful when
// this process reads driver state from the same Redis.
func (c ServerConfig) HeartbeatsOverBus() bool {
	return len(c.KafkaBrokers) > 0 && c.RedisAddr != ""
}

// ConsumerConfig is the heartbeat consumer's configuration.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	StaleAfter    time.Duration
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-locations",
		KafkaGroup:   "ride-dispatch-heartbeats",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "drivers_geo",
		StaleAfter:   60 * time.Second,
		LogLevel:     "info",
	}
	var errs []error
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setDurationFromEnv(&cfg.StaleAfter, "DRIVER_STALE_AFTER", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := cast.ToFloat64E(strings.TrimSpace(v))
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := cast.ToIntE(strings.TrimSpace(v))
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := cast.ToInt64E(strings.TrimSpace(v))
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := cast.ToBoolE(strings.TrimSpace(v))
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
