package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	maxTxAttempts = 5
	txBackoff     = 10 * time.Millisecond
)

type PgStoryRepository struct {
	conn *sql.DB
}

func NewPgStoryRepository(dsn string) (*PgStoryRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PgStoryRepository{conn: db}, nil
}

func (db *PgStoryRepository) Ping() error {
	return db.conn.Ping()
}

func (db *PgStoryRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Migrate applies every pending embedded migration.
func (db *PgStoryRepository) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	driver, err := migratepg.WithInstance(db.conn, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("new migrate: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	return nil
}

// RunInTx runs fn in a serializable transaction. Serialization failures and
// deadlocks abort the attempt and the whole of fn is run again, so fn must
// not keep state across attempts.
func (db *PgStoryRepository) RunInTx(ctx context.Context, fn func(tx TurnTx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = db.runOnce(ctx, fn)
		if err == nil || !isRetryable(err) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * txBackoff):
		}
	}

	return fmt.Errorf("transaction failed after %d attempts: %w", maxTxAttempts, err)
}

func (db *PgStoryRepository) runOnce(ctx context.Context, fn func(tx TurnTx) error) (err error) {
	tx, err := db.conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	return tx.Commit()
}
