package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver
)

// Config defines standard SQLite operational parameters.
type Config struct {
	BusyTimeout  time.Duration
	MaxOpenConns int // Set to 1 for writing safety, or larger for WAL reading

	// TxLock, when set, selects the transaction start behavior for every
	// transaction on the pool ("deferred", "immediate" or "exclusive").
	// Stores that claim rows under a write transaction use "immediate" so
	// the database lock is taken up front instead of on first write.
	TxLock string
}

// DefaultConfig returns the recommended pool configuration.
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 25, // database/sql will manage the pool
	}
}

// Open initializes a SQLite connection pool with mandatory PRAGMAs.
// WAL mode and busy_timeout are part of the DSN so they apply to every
// connection in the pool, not only the first one.
func Open(dbPath string, cfg Config) (*sql.DB, error) {
	// Format: file:path?_pragma=foo(bar)&_pragma=baz(qux)
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, cfg.BusyTimeout.Milliseconds())
	if cfg.TxLock != "" {
		dsn += "&_txlock=" + cfg.TxLock
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}

	// Connection pool invariants
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(1 * time.Hour)

	// Connectivity check
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	return db, nil
}
