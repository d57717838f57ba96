package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/team-noonchissaum/IgLoo-sub001/libs/config"
	"github.com/spf13/viper"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaTopics struct {
	BidsAccepted    string
	OrdersCompleted string
	Notifications   string
	DeadLetter      string
}

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
}

// BiddingConfig carries the timing knobs of the acceptance path.
type BiddingConfig struct {
	LockWait           time.Duration
	LockLease          time.Duration
	ExtensionIncrement time.Duration
	IdempotencyTTL     time.Duration
	PendingSweepEvery  time.Duration
	PendingMaxAge      time.Duration
}

type LifecycleConfig struct {
	ExposeEvery       time.Duration
	MarkImminentEvery time.Duration
	EndEvery          time.Duration
	ImminentMinMin    int
	ImminentMaxMin    int
	BatchSize         int
}

type AuthConfig struct {
	JWTSecret string
}

type Config struct {
	App       base.AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Bidding   BiddingConfig
	Lifecycle LifecycleConfig
	Auth      AuthConfig
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("NSM_CONFIG"))
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("NSM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := os.Getenv("NSM_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "auction-service")
	v.SetDefault("kafka.topics.bids_accepted", "bids.accepted")
	v.SetDefault("kafka.topics.orders_completed", "orders.completed")
	v.SetDefault("kafka.topics.notifications", "auction.notifications")
	v.SetDefault("kafka.topics.dead_letter", "auction.dead_letter")

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "auction_core"),
			User:     envString("POSTGRES_USER", "auction"),
			Password: envString("POSTGRES_PASSWORD", "auction"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", "localhost:6379"),
			Password: envString("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			Topics: KafkaTopics{
				BidsAccepted:    envString("KAFKA_BIDS_TOPIC", v.GetString("kafka.topics.bids_accepted")),
				OrdersCompleted: envString("KAFKA_ORDERS_TOPIC", v.GetString("kafka.topics.orders_completed")),
				Notifications:   envString("KAFKA_NOTIFICATIONS_TOPIC", v.GetString("kafka.topics.notifications")),
				DeadLetter:      envString("KAFKA_DEAD_LETTER_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
		},
		Bidding: BiddingConfig{
			LockWait:           envDuration("BID_LOCK_WAIT", 3*time.Second),
			LockLease:          envDuration("BID_LOCK_LEASE", 10*time.Second),
			ExtensionIncrement: envDuration("BID_EXTENSION_INCREMENT", 3*time.Minute),
			IdempotencyTTL:     envDuration("BID_IDEMPOTENCY_TTL", 24*time.Hour),
			PendingSweepEvery:  envDuration("PENDING_SWEEP_INTERVAL", 5*time.Minute),
			PendingMaxAge:      envDuration("PENDING_MAX_AGE", 5*time.Minute),
		},
		Lifecycle: LifecycleConfig{
			ExposeEvery:       envDuration("LIFECYCLE_EXPOSE_INTERVAL", 5*time.Minute),
			MarkImminentEvery: envDuration("LIFECYCLE_IMMINENT_INTERVAL", 30*time.Second),
			EndEvery:          envDuration("LIFECYCLE_END_INTERVAL", time.Minute),
			ImminentMinMin:    envInt("LIFECYCLE_IMMINENT_MIN_MINUTES", 5),
			ImminentMaxMin:    envInt("LIFECYCLE_IMMINENT_MAX_MINUTES", 8),
			BatchSize:         envInt("LIFECYCLE_BATCH_SIZE", 100),
		},
		Auth: AuthConfig{
			JWTSecret: envString("JWT_SECRET", ""),
		},
	}

	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if cfg.Kafka.ConsumerGroup == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if cfg.Kafka.Topics.BidsAccepted == "" {
		return nil, fmt.Errorf("kafka bids topic required")
	}
	if cfg.Bidding.LockWait <= 0 || cfg.Bidding.LockLease <= 0 {
		return nil, fmt.Errorf("bid lock wait and lease must be positive")
	}
	if cfg.Lifecycle.ImminentMinMin <= 0 || cfg.Lifecycle.ImminentMaxMin < cfg.Lifecycle.ImminentMinMin {
		return nil, fmt.Errorf("imminent minute bounds invalid")
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET required")
	}

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
