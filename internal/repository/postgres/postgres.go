package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gantry-sh/gantry/internal/domain"
	"github.com/gantry-sh/gantry/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New wraps a pgx pool.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateLaunch inserts a new launch record.
func (r *Repository) CreateLaunch(ctx context.Context, launch *domain.Launch) error {
	const query = `INSERT INTO launches (id, app, source, app_object, image, status, stage, message, error, host_addr, exit_code, metadata, started_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := r.pool.Exec(ctx, query,
		launch.ID,
		launch.App,
		launch.Source,
		launch.AppObject,
		launch.Image,
		launch.Status,
		launch.Stage,
		launch.Message,
		launch.Error,
		launch.HostAddr,
		launch.ExitCode,
		launch.Metadata,
		launch.StartedAt,
		launch.CompletedAt,
		launch.UpdatedAt,
	)
	return err
}

// UpdateLaunchStatus applies mutable launch fields. Rows already in a
// terminal state are left untouched: the first terminal transition wins.
func (r *Repository) UpdateLaunchStatus(ctx context.Context, update domain.LaunchStatusUpdate) error {
	const query = `UPDATE launches
		SET status = COALESCE($2, status),
			stage = COALESCE($3, stage),
			message = COALESCE($4, message),
			error = COALESCE($5, error),
			host_addr = COALESCE($6, host_addr),
			exit_code = COALESCE($7, exit_code),
			metadata = COALESCE($8, metadata),
			completed_at = COALESCE($9, completed_at),
			updated_at = NOW()
		WHERE id = $1
		  AND status NOT IN ('stopped', 'crashed', 'failed', 'cancelled')`
	tag, err := r.pool.Exec(ctx, query,
		update.LaunchID,
		emptyToNil(update.Status),
		emptyToNil(update.Stage),
		emptyToNil(update.Message),
		emptyToNil(update.Error),
		emptyToNil(update.HostAddr),
		update.ExitCode,
		update.Metadata,
		update.CompletedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Zero rows means either a missing launch or one the guard skipped.
		var status string
		err := r.pool.QueryRow(ctx, `SELECT status FROM launches WHERE id = $1`, update.LaunchID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		if err != nil {
			return err
		}
		return nil
	}
	return nil
}

// GetLaunchByID fetches a single launch.
func (r *Repository) GetLaunchByID(ctx context.Context, launchID string) (*domain.Launch, error) {
	const query = `SELECT id, app, source, app_object, image, status, stage, message, error, host_addr, exit_code, metadata, started_at, completed_at, updated_at
		FROM launches WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, launchID)
	var l domain.Launch
	var completedAt sql.NullTime
	var exitCode sql.NullInt64
	if err := row.Scan(&l.ID, &l.App, &l.Source, &l.AppObject, &l.Image, &l.Status, &l.Stage, &l.Message, &l.Error, &l.HostAddr, &exitCode, &l.Metadata, &l.StartedAt, &completedAt, &l.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if completedAt.Valid {
		value := completedAt.Time
		l.CompletedAt = &value
	}
	if exitCode.Valid {
		value := exitCode.Int64
		l.ExitCode = &value
	}
	return &l, nil
}

// ListLaunchesByApp returns recent launches for an application.
func (r *Repository) ListLaunchesByApp(ctx context.Context, app string, limit int) ([]domain.Launch, error) {
	const query = `SELECT id, app, source, app_object, image, status, stage, message, error, host_addr, exit_code, metadata, started_at, completed_at, updated_at
		FROM launches WHERE app = $1 ORDER BY started_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, app, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var launches []domain.Launch
	for rows.Next() {
		var l domain.Launch
		var completedAt sql.NullTime
		var exitCode sql.NullInt64
		if err := rows.Scan(&l.ID, &l.App, &l.Source, &l.AppObject, &l.Image, &l.Status, &l.Stage, &l.Message, &l.Error, &l.HostAddr, &exitCode, &l.Metadata, &l.StartedAt, &completedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			value := completedAt.Time
			l.CompletedAt = &value
		}
		if exitCode.Valid {
			value := exitCode.Int64
			l.ExitCode = &value
		}
		launches = append(launches, l)
	}
	return launches, rows.Err()
}

// DeleteLaunch removes a launch and its logs.
func (r *Repository) DeleteLaunch(ctx context.Context, launchID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM launches WHERE id = $1`, launchID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// AppendLog inserts a launch log line.
func (r *Repository) AppendLog(ctx context.Context, log domain.LaunchLog) error {
	const query = `INSERT INTO launch_logs (launch_id, source, level, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, log.LaunchID, log.Source, log.Level, log.Message, log.Metadata, log.CreatedAt)
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "22P02":
			return repository.ErrInvalidArgument
		case "23503":
			return repository.ErrNotFound
		}
	}
	return err
}

// ListLogsByLaunch returns persisted logs for a launch, newest first.
func (r *Repository) ListLogsByLaunch(ctx context.Context, launchID string, limit, offset int) ([]domain.LaunchLog, error) {
	const query = `SELECT id, launch_id, source, level, message, metadata, created_at
		FROM launch_logs WHERE launch_id = $1 ORDER BY id DESC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, launchID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.LaunchLog
	for rows.Next() {
		var l domain.LaunchLog
		if err := rows.Scan(&l.ID, &l.LaunchID, &l.Source, &l.Level, &l.Message, &l.Metadata, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func emptyToNil(value string) any {
	if value == "" {
		return nil
	}
	return value
}
