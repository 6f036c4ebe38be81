// Package postgres owns the database connections of a service: a primary for
// writes, an optional replica for reads, schema migrations and the single
// transaction boundary helper every atomic unit goes through.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/phojnacki/inventory-sync/internal/log"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	ErrPrimaryDSNRequired = errors.New("postgres primary dsn is required")
	ErrNotConnected       = errors.New("postgres client is not connected")
	ErrInvalidDBName      = errors.New("invalid database name")

	dbNamePattern      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
	credentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
)

// Config describes the connections of one service database.
type Config struct {
	PrimaryDSN string
	// ReplicaDSN defaults to PrimaryDSN.
	ReplicaDSN   string
	DatabaseName string
	// MigrationsPath is a directory of golang-migrate files; empty skips migrations.
	MigrationsPath string
	MaxOpenConns   int
	MaxIdleConns   int
	Logger         log.Logger
}

// Client is safe for concurrent use after Connect.
type Client struct {
	cfg      Config
	mu       sync.RWMutex
	primary  *sql.DB
	replica  *sql.DB
	resolver dbresolver.DB
}

// New validates cfg and returns an unconnected client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.PrimaryDSN) == "" {
		return nil, ErrPrimaryDSNRequired
	}

	if strings.TrimSpace(cfg.ReplicaDSN) == "" {
		cfg.ReplicaDSN = cfg.PrimaryDSN
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = defaultMaxOpenConns
	}

	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = defaultMaxIdleConns
	}

	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}

	return &Client{cfg: cfg}, nil
}

// Connect opens both pools, runs pending migrations on the primary and pings.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver != nil {
		return nil
	}

	logger := c.cfg.Logger

	primary, err := open(c.cfg.PrimaryDSN, c.cfg)
	if err != nil {
		return fmt.Errorf("open primary: %s", redact(err))
	}

	replica, err := open(c.cfg.ReplicaDSN, c.cfg)
	if err != nil {
		_ = primary.Close()

		return fmt.Errorf("open replica: %s", redact(err))
	}

	resolver := dbresolver.New(
		dbresolver.WithPrimaryDBs(primary),
		dbresolver.WithReplicaDBs(replica),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)

	if err := resolver.PingContext(ctx); err != nil {
		_ = resolver.Close()

		return fmt.Errorf("ping database: %s", redact(err))
	}

	if c.cfg.MigrationsPath != "" {
		if err := runMigrations(primary, c.cfg.MigrationsPath, c.cfg.DatabaseName, logger); err != nil {
			_ = resolver.Close()

			return err
		}
	}

	c.primary, c.replica, c.resolver = primary, replica, resolver

	logger.Log(ctx, log.LevelInfo, "connected to postgres", log.String("database", c.cfg.DatabaseName))

	return nil
}

func open(dsn string, cfg Config) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	return db, nil
}

// Primary returns the write pool.
func (c *Client) Primary() (*sql.DB, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.primary == nil {
		return nil, ErrNotConnected
	}

	return c.primary, nil
}

// Resolver returns the read/write splitting handle; queries go to the replica.
func (c *Client) Resolver() (dbresolver.DB, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.resolver == nil {
		return nil, ErrNotConnected
	}

	return c.resolver, nil
}

// Close releases both pools.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver == nil {
		return nil
	}

	err := c.resolver.Close()
	c.primary, c.replica, c.resolver = nil, nil, nil

	return err
}

func runMigrations(db *sql.DB, path, dbName string, logger log.Logger) error {
	if !dbNamePattern.MatchString(dbName) {
		return fmt.Errorf("%w: %q", ErrInvalidDBName, dbName)
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("resolve migrations path: %w", err)
	}

	source := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{DatabaseName: dbName, SchemaName: "public"})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(source.String(), dbName, driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	err = m.Up()

	var dirty migrate.ErrDirty

	switch {
	case err == nil:
		logger.Log(context.Background(), log.LevelInfo, "migrations applied", log.String("path", abs))
	case errors.Is(err, migrate.ErrNoChange):
		logger.Log(context.Background(), log.LevelInfo, "no new migrations")
	case errors.Is(err, os.ErrNotExist):
		logger.Log(context.Background(), log.LevelWarn, "no migration files found", log.String("path", abs))
	case errors.As(err, &dirty):
		return fmt.Errorf("migration failed: dirty database version %d", dirty.Version)
	default:
		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}

func redact(err error) string {
	return credentialsPattern.ReplaceAllString(err.Error(), "://***@")
}
