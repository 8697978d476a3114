package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // registers the "postgres" database/sql driver
	"github.com/sirupsen/logrus"

	"github.com/orderforge/workorder/internal/store"
)

// DB is the Postgres-backed implementation of store.Store. Connection
// lifecycle mirrors jordigilh-kubernaut's database.Connect: validate
// config, open, apply pool settings, ping.
type DB struct {
	sqlx *sqlx.DB
	log  *logrus.Entry
	iso  sql.IsolationLevel
}

// Connect opens a pooled Postgres connection per cfg.
func Connect(cfg *Config, log *logrus.Entry) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	conn, err := sqlx.Connect("postgres", cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	iso := sql.LevelReadCommitted
	if cfg.IsolationLevel == "serializable" {
		iso = sql.LevelSerializable
	}

	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log.WithFields(logrus.Fields{"host": cfg.Host, "database": cfg.Database}).Info("connected to postgres store")

	return &DB{sqlx: conn, log: log, iso: iso}, nil
}

// Close releases the underlying connection pool.
func (d *DB) Close() error { return d.sqlx.Close() }

// SqlxDB exposes the underlying pooled connection for backends that need to
// share it, such as the pglock lease backend's advisory locks.
func (d *DB) SqlxDB() *sqlx.DB { return d.sqlx }

// WithTx runs fn inside one database transaction at the configured
// isolation level, committing on success and rolling back on any error or
// panic — the mechanism that makes invariant I5 (one event per state
// write, same atomic unit) hold for the Postgres backend.
func (d *DB) WithTx(ctx context.Context, fn func(store.Tx) error) (err error) {
	sqlTx, err := d.sqlx.BeginTxx(ctx, &sql.TxOptions{Isolation: d.iso})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil {
				d.log.WithError(rbErr).Error("rollback failed after transaction error")
			}
			return
		}
		err = sqlTx.Commit()
	}()

	err = fn(&tx{tx: sqlTx})
	return err
}
