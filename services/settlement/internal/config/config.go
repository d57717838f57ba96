package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
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

type KafkaTopics struct {
	OrdersCompleted string
	DeadLetter      string
}

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
}

// SettlementConfig carries the fee policy. FeeRate is a fraction of the
// gross, floored to whole units when applied.
type SettlementConfig struct {
	FeeRate decimal.Decimal
}

type AuthConfig struct {
	JWTSecret string
}

type Config struct {
	App        base.AppConfig
	DB         DBConfig
	Kafka      KafkaConfig
	Settlement SettlementConfig
	Auth       AuthConfig
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
	v.SetDefault("kafka.consumer_group", "settlement")
	v.SetDefault("kafka.topics.orders_completed", "orders.completed")
	v.SetDefault("kafka.topics.dead_letter", "auction.dead_letter")
	v.SetDefault("settlement.fee_rate", "0.10")

	feeRate, err := decimal.NewFromString(envString("FEE_RATE", v.GetString("settlement.fee_rate")))
	if err != nil {
		return nil, fmt.Errorf("parse fee rate: %w", err)
	}
	if feeRate.IsNegative() || feeRate.GreaterThanOrEqual(decimal.New(1, 0)) {
		return nil, fmt.Errorf("fee rate must be in [0,1): %s", feeRate)
	}

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:     envString("DB_HOST", "localhost"),
			Port:     envInt("DB_PORT", 5432),
			Name:     envString("DB_NAME", "auction_core"),
			User:     envString("DB_USER", "auction"),
			Password: envString("DB_PASSWORD", "auction"),
			SSLMode:  envString("DB_SSLMODE", "disable"),
		},
		Kafka: KafkaConfig{
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			Topics: KafkaTopics{
				OrdersCompleted: envString("KAFKA_ORDERS_TOPIC", v.GetString("kafka.topics.orders_completed")),
				DeadLetter:      envString("KAFKA_DEAD_LETTER_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
		},
		Settlement: SettlementConfig{FeeRate: feeRate},
		Auth: AuthConfig{
			JWTSecret: envString("JWT_SECRET", ""),
		},
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
