package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// Migrator drives schema migrations through goose's provider API. The pgx
// pool only serves connectivity checks; goose needs its own database/sql
// handle, opened per command from the same DSN.
type Migrator struct {
	pool *pgxpool.Pool
	dsn  string
	dir  string
	log  *slog.Logger
}

// New validates inputs and returns a Migrator for the given migrations dir.
func New(pool *pgxpool.Pool, dsn, dir string, log *slog.Logger) (*Migrator, error) {
	if pool == nil {
		return nil, errors.New("nil pool provided")
	}
	if dsn == "" {
		return nil, errors.New("empty database dsn")
	}
	if dir == "" {
		return nil, errors.New("empty migrations directory")
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("locate migrations dir: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Migrator{pool: pool, dsn: dsn, dir: dir, log: log}, nil
}

// Ensure applies all pending migrations.
func (m *Migrator) Ensure(ctx context.Context) error {
	return m.withProvider(ctx, func(ctx context.Context, p *goose.Provider) error {
		results, err := p.Up(ctx)
		if err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		for _, res := range results {
			m.log.Info("migration applied",
				"version", res.Source.Version,
				"path", res.Source.Path,
				"duration_ms", res.Duration.Milliseconds(),
			)
		}
		if len(results) == 0 {
			m.log.Info("schema already up to date")
		}
		return nil
	})
}

// Status logs the state of every known migration.
func (m *Migrator) Status(ctx context.Context) error {
	return m.withProvider(ctx, func(ctx context.Context, p *goose.Provider) error {
		statuses, err := p.Status(ctx)
		if err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		for _, st := range statuses {
			fields := []any{
				"version", st.Source.Version,
				"path", st.Source.Path,
				"state", string(st.State),
			}
			if !st.AppliedAt.IsZero() {
				fields = append(fields, "applied_at", st.AppliedAt.Format(time.RFC3339))
			}
			m.log.Info("migration", fields...)
		}
		return nil
	})
}

// Down rolls back a single migration, or down to targetVersion when positive.
func (m *Migrator) Down(ctx context.Context, targetVersion int64) error {
	return m.withProvider(ctx, func(ctx context.Context, p *goose.Provider) error {
		if targetVersion > 0 {
			results, err := p.DownTo(ctx, targetVersion)
			if err != nil {
				return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
			}
			for _, res := range results {
				m.log.Info("migration rolled back", "version", res.Source.Version, "path", res.Source.Path)
			}
			return nil
		}
		res, err := p.Down(ctx)
		if err != nil {
			return fmt.Errorf("rollback latest migration: %w", err)
		}
		m.log.Info("migration rolled back", "version", res.Source.Version, "path", res.Source.Path)
		return nil
	})
}

// Ping ensures the database connection is alive.
func (m *Migrator) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close releases underlying connections.
func (m *Migrator) Close() {
	m.pool.Close()
}

func (m *Migrator) withProvider(ctx context.Context, fn func(context.Context, *goose.Provider) error) error {
	db, err := sql.Open("pgx", m.dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, os.DirFS(m.dir))
	if err != nil {
		return fmt.Errorf("configure migrations: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	return fn(runCtx, provider)
}
