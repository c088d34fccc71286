package config

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	HTTPPort int

	Store string

	DBConfig struct {
		Host              string
		Port              int
		User              string
		Password          string
		Name              string
		SSLMode           string
		MaxOpenConns      int
		MaxIdleConns      int
		ConnectRetries    int
		ConnectRetryDelay time.Duration
	}

	TxIsolation sql.IsolationLevel
	LockTimeout time.Duration

	TransferMaxAttempts    int
	TransferRetryBaseDelay time.Duration
	TransferRetryMaxDelay  time.Duration

	IdentityHeader     string
	CORSAllowedOrigins []string
	InternalToken      string

	KafkaEnabled             bool
	KafkaBrokerURL           string
	KafkaUserEventsTopic     string
	KafkaTransferEventsTopic string
	KafkaConsumerGroup       string

	OutboxPollInterval time.Duration
	OutboxPollTimeout  time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int

	ShutdownTimeout time.Duration
	LogLevel        string
}

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() (*Config, error) {
	return load(".env")
}

func load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	cfg := &Config{}

	cfg.HTTPPort = getEnvAsInt("HTTP_PORT", 8080)
	cfg.Store = strings.ToLower(getEnvOrDefault("LEDGER_STORE", StorePostgres))

	cfg.DBConfig.Host = getEnvOrDefault("LEDGER_DB_HOST", "localhost")
	cfg.DBConfig.Port = getEnvAsInt("LEDGER_DB_PORT", 5432)
	cfg.DBConfig.User = getEnvOrDefault("LEDGER_DB_USER", "user")
	cfg.DBConfig.Password = getEnvOrDefault("LEDGER_DB_PASSWORD", "password")
	cfg.DBConfig.Name = getEnvOrDefault("LEDGER_DB_NAME", "ledger_db")
	cfg.DBConfig.SSLMode = getEnvOrDefault("LEDGER_DB_SSLMODE", "disable")
	cfg.DBConfig.MaxOpenConns = getEnvAsInt("LEDGER_DB_MAX_OPEN_CONNS", 25)
	cfg.DBConfig.MaxIdleConns = getEnvAsInt("LEDGER_DB_MAX_IDLE_CONNS", 10)
	cfg.DBConfig.ConnectRetries = getEnvAsInt("LEDGER_DB_CONNECT_RETRIES", 10)
	cfg.DBConfig.ConnectRetryDelay = getEnvAsDuration("LEDGER_DB_CONNECT_RETRY_DELAY", 5*time.Second)

	isolation, err := parseIsolation(getEnvOrDefault("LEDGER_TX_ISOLATION", "read_committed"))
	if err != nil {
		return nil, err
	}
	cfg.TxIsolation = isolation
	cfg.LockTimeout = getEnvAsDuration("LEDGER_LOCK_TIMEOUT", 2*time.Second)

	cfg.TransferMaxAttempts = getEnvAsInt("TRANSFER_MAX_ATTEMPTS", 4)
	cfg.TransferRetryBaseDelay = getEnvAsDuration("TRANSFER_RETRY_BASE_DELAY", 10*time.Millisecond)
	cfg.TransferRetryMaxDelay = getEnvAsDuration("TRANSFER_RETRY_MAX_DELAY", 250*time.Millisecond)

	cfg.IdentityHeader = getEnvOrDefault("IDENTITY_HEADER", "X-User-ID")
	cfg.CORSAllowedOrigins = splitList(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:5173"))
	cfg.InternalToken = getEnvOrDefault("LEDGER_INTERNAL_TOKEN", "")

	cfg.KafkaEnabled = getEnvAsBool("KAFKA_ENABLED", false)
	cfg.KafkaBrokerURL = getEnvOrDefault("KAFKA_BROKER_URL", "localhost:9092")
	cfg.KafkaUserEventsTopic = getEnvOrDefault("KAFKA_USER_EVENTS_TOPIC", "user_registered")
	cfg.KafkaTransferEventsTopic = getEnvOrDefault("KAFKA_TRANSFER_EVENTS_TOPIC", "transfer_completed")
	cfg.KafkaConsumerGroup = getEnvOrDefault("KAFKA_CONSUMER_GROUP", "ledger-user-events")

	cfg.OutboxPollInterval = getEnvAsDuration("OUTBOX_POLL_INTERVAL", 1*time.Second)
	cfg.OutboxPollTimeout = getEnvAsDuration("OUTBOX_POLL_TIMEOUT", 500*time.Millisecond)
	cfg.OutboxBatchSize = getEnvAsInt("OUTBOX_BATCH_SIZE", 50)
	cfg.OutboxMaxAttempts = getEnvAsInt("OUTBOX_MAX_ATTEMPTS", 10)

	cfg.ShutdownTimeout = getEnvAsDuration("SHUTDOWN_TIMEOUT", 15*time.Second)
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.Store != StorePostgres && c.Store != StoreMemory {
		errs = append(errs, fmt.Errorf("LEDGER_STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store))
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("HTTP_PORT out of range: %d", c.HTTPPort))
	}
	if c.TransferMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("TRANSFER_MAX_ATTEMPTS must be at least 1, got %d", c.TransferMaxAttempts))
	}
	if c.TransferRetryMaxDelay < c.TransferRetryBaseDelay {
		errs = append(errs, errors.New("TRANSFER_RETRY_MAX_DELAY must not be below TRANSFER_RETRY_BASE_DELAY"))
	}
	if c.IdentityHeader == "" {
		errs = append(errs, errors.New("IDENTITY_HEADER must not be empty"))
	}
	if c.KafkaEnabled && len(c.GetKafkaBrokers()) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKER_URL is required when KAFKA_ENABLED is set"))
	}
	return errors.Join(errs...)
}

func (c *Config) GetKafkaBrokers() []string {
	return splitList(c.KafkaBrokerURL)
}

func parseIsolation(v string) (sql.IsolationLevel, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "read_committed", "read committed":
		return sql.LevelReadCommitted, nil
	case "repeatable_read", "repeatable read":
		return sql.LevelRepeatableRead, nil
	case "serializable":
		return sql.LevelSerializable, nil
	default:
		return sql.LevelDefault, fmt.Errorf("unsupported LEDGER_TX_ISOLATION %q", v)
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnvOrDefault(key, strconv.Itoa(defaultValue))
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnvOrDefault(key, defaultValue.String())
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnvOrDefault(key, strconv.FormatBool(defaultValue))
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
