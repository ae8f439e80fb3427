package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup. Every backing
// service is optional: without it the server falls back to memory.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaEventsTopic   string

	AMQPURL      string
	AMQPExchange string

	PGDSN     string
	WalletDSN string

	DispatchRadiusKm      float64
	DispatchSlackKm       float64
	DispatchMaxDrivers    int
	DispatchTTL           time.Duration
	DispatchSweepInterval time.Duration
	DisconnectTimeout     time.Duration
	DefaultSpeedMps       float64

	CommissionRate float64
	AdminUserID    string
	SurgeEnabled   bool
	SurgeMax       float64
	Currency       string

	StripeAPIKey        string
	StripeWebhookSecret string

	PushEndpoint string
	PushKey      string

	OSRMEndpoint     string
	GoogleMapsAPIKey string
	ETACacheTTL      time.Duration

	PricingRulesFile string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:              ":8080",
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           120 * time.Second,
		ShutdownTimeout:       15 * time.Second,
		RedisGeoKey:           "drivers_geo",
		KafkaLocationTopic:    "driver-locations",
		KafkaEventsTopic:      "booking-events",
		AMQPExchange:          "ride.events",
		DispatchRadiusKm:      5,
		DispatchSlackKm:       2,
		DispatchMaxDrivers:    50,
		DispatchTTL:           24 * time.Hour,
		DispatchSweepInterval: 10 * time.Minute,
		DisconnectTimeout:     60 * time.Second,
		DefaultSpeedMps:       10,
		CommissionRate:        15,
		AdminUserID:           "admin",
		SurgeMax:              2.0,
		Currency:              "usd",
		ETACacheTTL:           30 * time.Second,
		LogLevel:              "info",
	}
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
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.WalletDSN = cfg.PGDSN
	setStringFromEnv(&cfg.WalletDSN, "WALLET_DSN")

	setFloatFromEnv(&cfg.DispatchRadiusKm, "DISPATCH_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.DispatchSlackKm, "DISPATCH_SEARCH_SLACK_KM", &errs)
	setIntFromEnv(&cfg.DispatchMaxDrivers, "DISPATCH_MAX_DRIVERS", &errs)
	setDurationFromEnv(&cfg.DispatchTTL, "DISPATCH_TTL", &errs)
	setDurationFromEnv(&cfg.DispatchSweepInterval, "DISPATCH_SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.DisconnectTimeout, "DISCONNECT_TIMEOUT", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)

	setFloatFromEnv(&cfg.CommissionRate, "COMMISSION_RATE", &errs)
	setStringFromEnv(&cfg.AdminUserID, "ADMIN_USER_ID")
	setBoolFromEnv(&cfg.SurgeEnabled, "SURGE_ENABLED", &errs)
	setFloatFromEnv(&cfg.SurgeMax, "SURGE_MAX", &errs)
	setStringFromEnv(&cfg.Currency, "CURRENCY")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	cfg.StripeWebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")
	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.PushKey = os.Getenv("PUSH_KEY")
	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	cfg.GoogleMapsAPIKey = os.Getenv("GOOGLE_MAPS_API_KEY")
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)
	cfg.PricingRulesFile = strings.TrimSpace(os.Getenv("PRICING_RULES_FILE"))

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.DispatchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_KM must be > 0"))
	}
	if cfg.DispatchSlackKm < 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_SEARCH_SLACK_KM must be >= 0"))
	}
	if cfg.DispatchMaxDrivers <= 0 || cfg.DispatchMaxDrivers > 200 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_DRIVERS must be in 1..200"))
	}
	if cfg.CommissionRate < 0 || cfg.CommissionRate > 100 {
		errs = append(errs, fmt.Errorf("COMMISSION_RATE must be in 0..100"))
	}
	if cfg.DispatchTTL <= 0 || cfg.DisconnectTimeout <= 0 || cfg.DispatchSweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("dispatch durations must be > 0"))
	}
	if cfg.SurgeMax < 1 {
		errs = append(errs, fmt.Errorf("SURGE_MAX must be >= 1"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig is the location consumer's configuration.
type ConsumerConfig struct {
	KafkaBrokers []string
	Topic        string
	GroupID      string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	MetricsAddr string
	LogLevel    string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		Topic:        "driver-locations",
		GroupID:      "ride-dispatch-consumer",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "drivers_geo",
		MetricsAddr:  ":2112",
		LogLevel:     "info",
	}
	var errs []error

	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.Topic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.GroupID, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
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
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
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
