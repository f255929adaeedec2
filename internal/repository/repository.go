package repository

import (
	"context"

	"github.com/gantry-sh/gantry/internal/domain"
)

// LaunchRepository stores launch history.
//
// UpdateLaunchStatus returns ErrNotFound for unknown launches. Updates to a
// launch already in a terminal state are dropped without error: the first
// terminal transition wins and later ones (a cancel racing the exit watcher,
// for example) must not rewrite the outcome.
type LaunchRepository interface {
	CreateLaunch(ctx context.Context, launch *domain.Launch) error
	UpdateLaunchStatus(ctx context.Context, update domain.LaunchStatusUpdate) error
	GetLaunchByID(ctx context.Context, launchID string) (*domain.Launch, error)
	ListLaunchesByApp(ctx context.Context, app string, limit int) ([]domain.Launch, error)
	DeleteLaunch(ctx context.Context, launchID string) error
}

// LogRepository handles log persistence and retrieval.
type LogRepository interface {
	AppendLog(ctx context.Context, log domain.LaunchLog) error
	ListLogsByLaunch(ctx context.Context, launchID string, limit, offset int) ([]domain.LaunchLog, error)
}
