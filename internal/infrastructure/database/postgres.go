package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string

	MaxOpenConns int
	MaxIdleConns int

	ConnectRetries    int
	ConnectRetryDelay time.Duration
}

func (c DBConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, sslMode)
}

// NewPostgresDB opens a pool and verifies it with a ping.
func NewPostgresDB(ctx context.Context, cfg DBConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenConns
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return db, nil
}

// Pool owns the process-wide connection pool. It is opened once at startup, injected into the
// repositories and closed on shutdown.
type Pool struct {
	cfg    DBConfig
	logger *zap.Logger
	db     *sql.DB
}

func NewPool(cfg DBConfig, logger *zap.Logger) *Pool {
	return &Pool{cfg: cfg, logger: logger}
}

// Open connects with retries and applies pending migrations.
func (p *Pool) Open(ctx context.Context) error {
	if p.db != nil {
		return nil
	}

	retries := p.cfg.ConnectRetries
	if retries <= 0 {
		retries = 1
	}

	var (
		db  *sql.DB
		err error
	)
	for i := 0; i < retries; i++ {
		db, err = NewPostgresDB(ctx, p.cfg)
		if err == nil {
			break
		}
		p.logger.Warn("Failed to connect to database, retrying",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", retries),
			zap.Duration("retry_delay", p.cfg.ConnectRetryDelay),
			zap.Error(err))
		if i == retries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("database connect cancelled: %w", ctx.Err())
		case <-time.After(p.cfg.ConnectRetryDelay):
		}
	}
	if err != nil {
		return fmt.Errorf("could not connect to database after %d attempts: %w", retries, err)
	}
	p.logger.Info("Connected to PostgreSQL", zap.String("host", p.cfg.Host), zap.String("database", p.cfg.DBName))

	if err := RunMigrations(db, p.cfg.DBName, p.logger); err != nil {
		db.Close()
		return err
	}

	p.db = db
	return nil
}

// DB returns the open pool; it panics if Open has not succeeded.
func (p *Pool) DB() *sql.DB {
	if p.db == nil {
		panic("database: Pool.DB called before Open")
	}
	return p.db
}

func (p *Pool) Close() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	if err != nil {
		return fmt.Errorf("failed to close database pool: %w", err)
	}
	p.logger.Info("Database connection closed.")
	return nil
}
