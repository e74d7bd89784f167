// SPDX-License-Identifier: MIT

package queue

import (
	"fmt"

	"github.com/harmonyhub/harmony/internal/config"
	hpostgres "github.com/harmonyhub/harmony/internal/persistence/postgres"
	hsqlite "github.com/harmonyhub/harmony/internal/persistence/sqlite"
)

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// Open initializes the configured queue backend.
func Open(cfg config.QueueConfig, opts Options) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		pcfg := hsqlite.DefaultConfig()
		// Claims run under write transactions; take the database lock up
		// front instead of deadlocking on lock upgrades.
		pcfg.TxLock = "immediate"
		db, err := hsqlite.Open(cfg.Path, pcfg)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(db, opts)
	case "postgres":
		db, err := hpostgres.Open(cfg.DSN, hpostgres.DefaultConfig())
		if err != nil {
			return nil, err
		}
		return NewPostgresStore(db, opts)
	default:
		return nil, fmt.Errorf("queue: unsupported driver %q (supported: sqlite, postgres)", cfg.Driver)
	}
}
