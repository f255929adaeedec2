package logs

import (
	"context"

	"log/slog"

	"github.com/gantry-sh/gantry/internal/domain"
	"github.com/gantry-sh/gantry/internal/repository"
	"github.com/gantry-sh/gantry/internal/ws"
)

// Service handles log persistence and streaming.
type Service struct {
	repo   repository.LogRepository
	hub    *ws.Hub
	logger *slog.Logger
}

// New constructs a log service.
func New(repo repository.LogRepository, hub *ws.Hub, logger *slog.Logger) Service {
	return Service{repo: repo, hub: hub, logger: logger}
}

// Append stores a log entry and publishes it to attached streams. Entries
// that fail to persist are not streamed.
func (s Service) Append(ctx context.Context, entry domain.LaunchLog) error {
	entry.CreatedAt = entry.CreatedAt.UTC()
	if err := s.repo.AppendLog(ctx, entry); err != nil {
		return err
	}
	s.hub.Publish(entry)
	return nil
}

// List returns logs for a launch.
func (s Service) List(ctx context.Context, launchID string, limit, offset int) ([]domain.LaunchLog, error) {
	return s.repo.ListLogsByLaunch(ctx, launchID, limit, offset)
}

// Hub returns the streaming hub (useful for HTTP handlers).
func (s Service) Hub() *ws.Hub {
	return s.hub
}
