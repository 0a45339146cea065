package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"lotwatch/internal/store"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3" // Required by the library implementation.
)

// Database is a store.Backend keeping each collection snapshot in one row.
type Database struct {
	db  *sql.DB
	log *slog.Logger
}

//go:embed migrations/*.sql
var migrationsFS embed.FS

func New(ctx context.Context, dbPath string, log *slog.Logger) (*Database, error) {
	dbFile, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open DB file: %w", err)
	}

	// A single connection keeps SQLite writers from tripping over each other.
	dbFile.SetMaxOpenConns(1)

	dbInstance, err := sqlite3.WithInstance(dbFile, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("create DB instance: %w", err)
	}

	srcInstance, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("create source instance: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", srcInstance, "sqlite3", dbInstance)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}

	migrateErr := m.Up()

	version, dirty, versionErr := m.Version()
	fields := []any{
		"dbPath", dbPath,
	}

	if versionErr == nil {
		fields = append(fields, "version", version, "dirty", dirty)
	} else if !errors.Is(versionErr, migrate.ErrNilVersion) {
		log.WarnContext(ctx, "Failed to fetch migration version",
			"error", versionErr,
			"dbPath", dbPath)
	}

	if migrateErr != nil {
		if !errors.Is(migrateErr, migrate.ErrNoChange) {
			return nil, fmt.Errorf("apply migrations: %w", migrateErr)
		}

		log.InfoContext(ctx, "No migrations to apply", fields...)
	} else {
		log.InfoContext(ctx, "DB is migrated", fields...)
	}

	return &Database{db: dbFile, log: log}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Read(ctx context.Context, kind store.Kind) ([]byte, error) {
	query := "select payload from collections where kind = ?"

	var payload []byte
	err := d.db.QueryRowContext(ctx, query, string(kind)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}

	return payload, nil
}

// Write replaces the snapshot in a single statement, which SQLite applies atomically.
func (d *Database) Write(ctx context.Context, kind store.Kind, data []byte) error {
	query := `insert into collections (kind, payload, updated_at)
	values (?, ?, current_timestamp)
	on conflict (kind) do update
	set payload = excluded.payload, updated_at = excluded.updated_at`

	if _, err := d.db.ExecContext(ctx, query, string(kind), data); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}

	return nil
}

func (d *Database) Quarantine(ctx context.Context, kind store.Kind) (string, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			d.log.ErrorContext(ctx, "Failed to rollback tx",
				"error", rollbackErr,
				"kind", string(kind),
				"operation", "Quarantine")
		}
	}()

	res, err := tx.ExecContext(ctx,
		`insert into quarantined_collections (kind, payload)
		select kind, payload from collections where kind = ?`,
		string(kind))
	if err != nil {
		return "", fmt.Errorf("copy snapshot: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("get quarantine id: %w", err)
	}

	if _, err = tx.ExecContext(ctx, "delete from collections where kind = ?", string(kind)); err != nil {
		return "", fmt.Errorf("delete snapshot: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}

	return fmt.Sprintf("quarantined_collections#%d", id), nil
}
