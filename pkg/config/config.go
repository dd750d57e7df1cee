package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Boxes      BoxesConfig      `mapstructure:"boxes"`
	Recorder   RecorderConfig   `mapstructure:"recorder"`
	FakeBroker FakeBrokerConfig `mapstructure:"fakebroker"`
	Logger     LoggerConfig     `mapstructure:"logger"`
}

type AppConfig struct {
	Port string `mapstructure:"port"`
	Env  string `mapstructure:"env"` // e.g., "local", "prod"
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// BrokerConfig points at the upstream brokerage REST and streaming hosts.
type BrokerConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	StreamURL         string        `mapstructure:"stream_url"`
	CandleChunk       int           `mapstructure:"candle_chunk"`
	CandleCount       int           `mapstructure:"candle_count"`
	Granularity       string        `mapstructure:"granularity"`
	SafetyBuffer      time.Duration `mapstructure:"safety_buffer"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	ConnectAttempts   int           `mapstructure:"connect_attempts"`
}

type GatewayConfig struct {
	IdleTTL          time.Duration `mapstructure:"idle_ttl"`
	WriteWait        time.Duration `mapstructure:"write_wait"`
	PongWait         time.Duration `mapstructure:"pong_wait"`
	PingPeriod       time.Duration `mapstructure:"ping_period"`
	SendBuffer       int           `mapstructure:"send_buffer"`
	ResubscribeDelay time.Duration `mapstructure:"resubscribe_delay"`
	MaxResubscribe   time.Duration `mapstructure:"max_resubscribe_delay"`
	StableAfter      time.Duration `mapstructure:"stable_after"`
}

type BoxesConfig struct {
	DefaultProfile  string        `mapstructure:"default_profile"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	RefreshWorkers  int           `mapstructure:"refresh_workers"`
}

type RecorderConfig struct {
	NumWorkers  int           `mapstructure:"num_workers"`
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
}

type FakeBrokerConfig struct {
	Port        string   `mapstructure:"port"`
	Token       string   `mapstructure:"token"`
	Instruments []string `mapstructure:"instruments"`
}

type LoggerConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"` // "json" or "console"
}

// LoadConfig reads configuration from .env file, environment variables, and defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Load .env file into System Environment (if it exists)
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, relying on System Env Vars")
	}

	// 2. Set Defaults
	setDefaults(v)

	// 3. Configure Viper to read Environment Variables ("broker.stream_url" -> "BROKER_STREAM_URL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Explicitly Bind Env Vars to Keys so flat env vars reach nested structs
	bindEnv(v, "app.port", "app.env")
	bindEnv(v, "redis.addr", "redis.password", "redis.db")
	bindEnv(v, "kafka.enabled", "kafka.brokers", "kafka.topic", "kafka.group_id")
	bindEnv(v, "broker.base_url", "broker.stream_url", "broker.candle_chunk", "broker.candle_count",
		"broker.granularity", "broker.safety_buffer", "broker.requests_per_second", "broker.connect_attempts")
	bindEnv(v, "gateway.idle_ttl", "gateway.write_wait", "gateway.pong_wait", "gateway.ping_period",
		"gateway.send_buffer", "gateway.resubscribe_delay", "gateway.max_resubscribe_delay", "gateway.stable_after")
	bindEnv(v, "boxes.default_profile", "boxes.refresh_interval", "boxes.refresh_workers")
	bindEnv(v, "recorder.num_workers", "recorder.snapshot_ttl")
	bindEnv(v, "fakebroker.port", "fakebroker.token", "fakebroker.instruments")
	bindEnv(v, "logger.level", "logger.encoding")

	// 5. Unmarshal into Struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	// 6. Basic Validation
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", ":8080")
	v.SetDefault("app.env", "local")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "fx_ticks")
	v.SetDefault("kafka.group_id", "tick-recorder-group")

	v.SetDefault("broker.base_url", "https://api-fxpractice.oanda.com/v3")
	v.SetDefault("broker.stream_url", "https://stream-fxpractice.oanda.com/v3")
	v.SetDefault("broker.candle_chunk", 500)
	v.SetDefault("broker.candle_count", 6000)
	v.SetDefault("broker.granularity", "M1")
	v.SetDefault("broker.safety_buffer", time.Minute)
	v.SetDefault("broker.requests_per_second", 20.0)
	v.SetDefault("broker.connect_attempts", 4)

	v.SetDefault("gateway.idle_ttl", 30*time.Second)
	v.SetDefault("gateway.write_wait", 5*time.Second)
	v.SetDefault("gateway.pong_wait", 60*time.Second)
	v.SetDefault("gateway.ping_period", 50*time.Second)
	v.SetDefault("gateway.send_buffer", 256)
	v.SetDefault("gateway.resubscribe_delay", 5*time.Second)
	v.SetDefault("gateway.max_resubscribe_delay", 2*time.Minute)
	v.SetDefault("gateway.stable_after", time.Minute)

	v.SetDefault("boxes.default_profile", "d")
	v.SetDefault("boxes.refresh_interval", time.Minute)
	v.SetDefault("boxes.refresh_workers", 4)

	v.SetDefault("recorder.num_workers", 4)
	v.SetDefault("recorder.snapshot_ttl", time.Hour)

	v.SetDefault("fakebroker.port", ":8090")
	v.SetDefault("fakebroker.token", "dev-token")
	v.SetDefault("fakebroker.instruments", []string{"EUR_USD", "GBP_USD", "USD_JPY", "AUD_USD"})

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "json")
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers cannot be empty when kafka is enabled")
	}
	if c.Broker.CandleChunk <= 0 {
		return fmt.Errorf("broker.candle_chunk must be positive, got %d", c.Broker.CandleChunk)
	}
	if c.Broker.CandleCount <= 0 {
		return fmt.Errorf("broker.candle_count must be positive, got %d", c.Broker.CandleCount)
	}
	if c.Gateway.SendBuffer <= 0 {
		return fmt.Errorf("gateway.send_buffer must be positive, got %d", c.Gateway.SendBuffer)
	}
	return nil
}

// bindEnv is a helper to bind multiple keys at once
func bindEnv(v *viper.Viper, keys ...string) {
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			log.Printf("Could not bind env var for key %s: %v", key, err)
		}
	}
}
