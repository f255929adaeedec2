package logs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/gantry-sh/gantry/internal/domain"
	"github.com/gantry-sh/gantry/internal/ws"
)

type memoryLogRepo struct {
	mu      sync.Mutex
	entries []domain.LaunchLog
	fail    bool
}

func (m *memoryLogRepo) AppendLog(_ context.Context, entry domain.LaunchLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("append failed")
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memoryLogRepo) ListLogsByLaunch(_ context.Context, launchID string, _, _ int) ([]domain.LaunchLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.LaunchLog
	for _, entry := range m.entries {
		if entry.LaunchID == launchID {
			out = append(out, entry)
		}
	}
	return out, nil
}

type captureSubscriber struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (c *captureSubscriber) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, payload)
	return nil
}

func (c *captureSubscriber) Close() {}

func (c *captureSubscriber) last() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.payloads) == 0 {
		return nil
	}
	return c.payloads[len(c.payloads)-1]
}

func TestAppendPersistsAndPublishes(t *testing.T) {
	repo := &memoryLogRepo{}
	svc := New(repo, ws.NewHub(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	sub := &captureSubscriber{}
	svc.Hub().Register("launch-a", sub)

	entry := domain.LaunchLog{
		LaunchID:  "launch-a",
		Source:    "gantry",
		Level:     "info",
		Message:   "container is running",
		CreatedAt: time.Now(),
	}
	if err := svc.Append(context.Background(), entry); err != nil {
		t.Fatalf("append: %v", err)
	}

	stored, err := svc.List(context.Background(), "launch-a", 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("stored = %d", len(stored))
	}
	if stored[0].CreatedAt.Location() != time.UTC {
		t.Fatal("timestamps must be normalized to UTC")
	}

	payload := sub.last()
	if payload == nil {
		t.Fatal("publish never reached subscriber")
	}
	var decoded domain.LaunchLog
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.LaunchID != "launch-a" || decoded.Message != "container is running" {
		t.Fatalf("payload = %+v", decoded)
	}
}

func TestAppendFailureSkipsPublish(t *testing.T) {
	repo := &memoryLogRepo{fail: true}
	svc := New(repo, ws.NewHub(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	sub := &captureSubscriber{}
	svc.Hub().Register("launch-a", sub)

	err := svc.Append(context.Background(), domain.LaunchLog{LaunchID: "launch-a", Message: "x"})
	if err == nil {
		t.Fatal("expected append error")
	}
	if sub.last() != nil {
		t.Fatal("failed append must not publish")
	}
}
