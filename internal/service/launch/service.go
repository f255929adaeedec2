package launch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"log/slog"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"github.com/gantry-sh/gantry/internal/config"
	"github.com/gantry-sh/gantry/internal/docker"
	"github.com/gantry-sh/gantry/internal/domain"
	"github.com/gantry-sh/gantry/internal/git"
	"github.com/gantry-sh/gantry/internal/imagespec"
	"github.com/gantry-sh/gantry/internal/manifest"
	"github.com/gantry-sh/gantry/internal/repository"
	"github.com/gantry-sh/gantry/internal/service/logs"
	"github.com/gantry-sh/gantry/internal/workspace"
)

// ErrUnavailable marks failures of the launch infrastructure itself (the
// container engine, the workspace root, the launch store) as opposed to a
// bad request.
var ErrUnavailable = errors.New("launch backend unavailable")

// ErrActive marks operations that need the launch to be finished first.
var ErrActive = errors.New("launch is still active")

// Engine is the container backend the launcher drives. *docker.Client
// implements it; tests substitute their own.
type Engine interface {
	Ping(ctx context.Context) error
	BuildImage(ctx context.Context, dir, tag string, pull bool, buildArgs map[string]*string, onOutput docker.BuildOutputCallback) error
	RunContainer(ctx context.Context, name, image string, cmd, env []string, ports nat.PortMap) (docker.ContainerInfo, error)
	RemoveContainer(ctx context.Context, name string) error
	WaitForStop(ctx context.Context, containerID string) (int64, error)
	StreamLogs(ctx context.Context, containerID string, follow bool, onLine docker.LogLineCallback) error
}

// Request contains launch parameters from the API.
type Request struct {
	LaunchID       string   `json:"launch_id"`
	App            string   `json:"app"`
	SourcePath     string   `json:"source_path"`
	GitURL         string   `json:"git_url"`
	GitRef         string   `json:"git_ref"`
	AppObject      string   `json:"app_object"`
	ManifestFile   string   `json:"manifest_file"`
	BaseImage      string   `json:"base_image"`
	SystemPackages []string `json:"system_packages"`
}

// Result summarizes the accepted launch.
type Result struct {
	LaunchID  string    `json:"launch_id"`
	Status    string    `json:"status"`
	Image     string    `json:"image"`
	Timestamp time.Time `json:"timestamp"`
}

// Service coordinates build and run operations against a container engine.
type Service struct {
	engine    Engine
	workspace *workspace.Manager
	launches  repository.LaunchRepository
	logs      logs.Service
	logger    *slog.Logger
	cfg       config.Config
}

// New creates a launch service.
func New(engine Engine, ws *workspace.Manager, launches repository.LaunchRepository, logSvc logs.Service, logger *slog.Logger, cfg config.Config) Service {
	return Service{
		engine:    engine,
		workspace: ws,
		launches:  launches,
		logs:      logSvc,
		logger:    logger,
		cfg:       cfg,
	}
}

// Handle validates and queues the launch workflow.
func (s Service) Handle(ctx context.Context, req Request) (Result, error) {
	if req.LaunchID == "" {
		req.LaunchID = uuid.NewString()
	}
	req = s.applyDefaults(req)
	if err := s.validateRequest(req); err != nil {
		return Result{}, err
	}
	if _, err := imagespec.ParseAppRef(req.AppObject); err != nil {
		return Result{}, err
	}
	if s.engine == nil {
		return Result{}, fmt.Errorf("%w: no container engine", ErrUnavailable)
	}
	if err := s.engine.Ping(ctx); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if s.workspace == nil {
		return Result{}, fmt.Errorf("%w: workspace manager not initialised", ErrUnavailable)
	}
	s.logger.Info("launch received", "launch_id", req.LaunchID, "app", req.App, "app_object", req.AppObject)

	imageTag := s.imageTag(req)
	record := &domain.Launch{
		ID:        req.LaunchID,
		App:       req.App,
		Source:    req.source(),
		AppObject: req.AppObject,
		Image:     imageTag,
		Status:    domain.StatusQueued,
		Stage:     "queued",
		Message:   "launch queued",
		StartedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.launches.CreateLaunch(ctx, record); err != nil {
		return Result{}, fmt.Errorf("%w: persist launch: %v", ErrUnavailable, err)
	}
	s.emitLog(req.LaunchID, "info", "launch queued", map[string]any{"app": req.App, "image": imageTag})

	go s.execute(context.Background(), req, imageTag)

	return Result{
		LaunchID:  req.LaunchID,
		Status:    domain.StatusQueued,
		Image:     imageTag,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Status fetches the current launch record.
func (s Service) Status(ctx context.Context, launchID string) (*domain.Launch, error) {
	if strings.TrimSpace(launchID) == "" {
		return nil, fmt.Errorf("launch id required")
	}
	return s.launches.GetLaunchByID(ctx, launchID)
}

// List returns recent launches for an application, newest first.
func (s Service) List(ctx context.Context, app string, limit int) ([]domain.Launch, error) {
	app = strings.TrimSpace(app)
	if app == "" {
		return nil, fmt.Errorf("app name required")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.launches.ListLaunchesByApp(ctx, app, limit)
}

// Health verifies launcher dependencies are reachable.
func (s Service) Health(ctx context.Context) error {
	if s.engine == nil {
		return fmt.Errorf("%w: no container engine", ErrUnavailable)
	}
	return s.engine.Ping(ctx)
}

// Cancel stops an active launch. Cancellation is abrupt: the container
// process is terminated, not asked. The cancelled status is persisted before
// the container is removed so the exit watcher's own terminal update, which
// the removal unblocks, loses the race deterministically. Unknown launches
// surface repository.ErrNotFound; already-finished ones are a no-op.
func (s Service) Cancel(ctx context.Context, launchID string) error {
	id := strings.TrimSpace(launchID)
	if id == "" {
		return fmt.Errorf("launch id required")
	}
	record, err := s.launches.GetLaunchByID(ctx, id)
	if err != nil {
		return err
	}
	if record.Terminal() {
		return nil
	}
	if s.engine == nil {
		return fmt.Errorf("%w: no container engine", ErrUnavailable)
	}
	s.transition(ctx, id, domain.LaunchStatusUpdate{
		Status:  domain.StatusCancelled,
		Stage:   "cancelled",
		Message: "launch cancelled",
	}, true)
	if err := s.engine.RemoveContainer(ctx, id); err != nil {
		return err
	}
	if s.workspace != nil {
		if err := s.workspace.CleanupByID(id); err != nil {
			s.logger.Warn("workspace cleanup failed", "launch_id", id, "error", err)
			return err
		}
	}
	s.emitLog(id, "info", "launch cancelled", nil)
	return nil
}

// Delete purges a finished launch and its logs from history.
func (s Service) Delete(ctx context.Context, launchID string) error {
	id := strings.TrimSpace(launchID)
	if id == "" {
		return fmt.Errorf("launch id required")
	}
	record, err := s.launches.GetLaunchByID(ctx, id)
	if err != nil {
		return err
	}
	if !record.Terminal() {
		return ErrActive
	}
	return s.launches.DeleteLaunch(ctx, id)
}

func (s Service) applyDefaults(req Request) Request {
	if strings.TrimSpace(req.ManifestFile) == "" {
		req.ManifestFile = manifest.DefaultFile
	}
	if strings.TrimSpace(req.BaseImage) == "" {
		req.BaseImage = s.cfg.BaseImage
	}
	if len(req.SystemPackages) == 0 {
		req.SystemPackages = s.cfg.SystemPackages
	}
	if strings.TrimSpace(req.App) == "" {
		req.App = "default"
	}
	return req
}

func (s Service) validateRequest(req Request) error {
	hasPath := strings.TrimSpace(req.SourcePath) != ""
	hasGit := strings.TrimSpace(req.GitURL) != ""
	if hasPath == hasGit {
		return fmt.Errorf("exactly one of source_path or git_url is required")
	}
	if strings.TrimSpace(req.GitRef) != "" && !hasGit {
		return fmt.Errorf("git_ref requires git_url")
	}
	if strings.TrimSpace(req.AppObject) == "" {
		return fmt.Errorf("application object reference required")
	}
	return nil
}

func (req Request) source() string {
	if strings.TrimSpace(req.GitURL) != "" {
		return req.GitURL
	}
	return req.SourcePath
}

func (s Service) execute(rootCtx context.Context, req Request, imageTag string) {
	ctx, cancel := context.WithTimeout(rootCtx, s.cfg.BuildTimeout)
	defer cancel()

	s.transition(ctx, req.LaunchID, domain.LaunchStatusUpdate{
		Status:  domain.StatusBuilding,
		Stage:   "workspace",
		Message: "preparing workspace",
	}, false)

	workdir, err := s.workspace.Prepare(req.LaunchID)
	if err != nil {
		s.fail(ctx, req, "workspace", err)
		return
	}
	defer func() {
		if err := s.workspace.Cleanup(workdir); err != nil {
			s.logger.Error("workspace cleanup failed", "launch_id", req.LaunchID, "error", err)
		}
	}()

	if strings.TrimSpace(req.GitURL) != "" {
		s.transition(ctx, req.LaunchID, domain.LaunchStatusUpdate{
			Status:  domain.StatusBuilding,
			Stage:   "clone",
			Message: "cloning repository",
		}, false)
		gitCtx, cancelGit := context.WithTimeout(ctx, s.cfg.GitTimeout)
		defer cancelGit()
		if err := git.Clone(gitCtx, req.GitURL, req.GitRef, workdir); err != nil {
			s.fail(ctx, req, "clone", err)
			return
		}
	} else {
		s.transition(ctx, req.LaunchID, domain.LaunchStatusUpdate{
			Status:  domain.StatusBuilding,
			Stage:   "stage",
			Message: "staging source tree",
		}, false)
		if err := s.workspace.Stage(req.SourcePath, workdir); err != nil {
			s.fail(ctx, req, "stage", err)
			return
		}
	}

	// The manifest check runs before anything touches the Docker daemon:
	// a missing manifest aborts with no install step executed.
	mf, err := manifest.Load(workdir, req.ManifestFile)
	if err != nil {
		s.fail(ctx, req, "manifest", err)
		return
	}
	if unpinned := mf.Unpinned(); len(unpinned) > 0 {
		s.emitLog(req.LaunchID, "warn", "manifest entries without exact pins", map[string]any{
			"entries": unpinned,
		})
	}

	ref, err := imagespec.ParseAppRef(req.AppObject)
	if err != nil {
		s.fail(ctx, req, "app_object", err)
		return
	}
	if err := ref.Resolve(workdir); err != nil {
		s.fail(ctx, req, "app_object", err)
		return
	}

	spec := imagespec.Spec{
		BaseImage:      req.BaseImage,
		SystemPackages: req.SystemPackages,
		ManifestFile:   req.ManifestFile,
		App:            ref,
		Port:           s.cfg.AppPort,
	}
	generated, err := ensureDescriptor(workdir, spec)
	if err != nil {
		s.fail(ctx, req, "descriptor", err)
		return
	}
	if generated {
		s.emitLog(req.LaunchID, "info", "build descriptor generated", map[string]any{
			"base_image": spec.BaseImage,
			"manifest":   spec.ManifestFile,
		})
	} else {
		s.emitLog(req.LaunchID, "info", "using repository build descriptor", nil)
	}

	s.transition(ctx, req.LaunchID, domain.LaunchStatusUpdate{
		Status:  domain.StatusBuilding,
		Stage:   "image_build",
		Message: "building container image",
	}, false)
	aggregator := newBuildLogAggregator(func(msg string) {
		s.logger.Debug("image build output", "launch_id", req.LaunchID, "line", msg)
		s.emitLog(req.LaunchID, "info", "image build output", map[string]any{
			"stage": "image_build",
			"line":  msg,
		})
	})
	buildLog := func(line string) {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			return
		}
		aggregator.Add(truncateForMetadata(trimmed))
	}
	if err := s.engine.BuildImage(ctx, workdir, imageTag, s.cfg.BuildPull, nil, buildLog); err != nil {
		aggregator.Flush()
		if tail := aggregator.Snapshot(40); len(tail) > 0 {
			s.emitLog(req.LaunchID, "error", "image build tail", map[string]any{
				"stage": "image_build",
				"lines": tail,
			})
		}
		s.fail(ctx, req, "image_build", err)
		return
	}
	aggregator.Flush()
	s.emitLog(req.LaunchID, "info", "image built", map[string]any{"image": imageTag})

	if err := s.engine.RemoveContainer(ctx, req.LaunchID); err != nil {
		s.logger.Warn("remove existing container failed", "launch_id", req.LaunchID, "error", err)
	}

	appPort := nat.Port(fmt.Sprintf("%d/tcp", s.cfg.AppPort))
	ports := nat.PortMap{
		appPort: []nat.PortBinding{{HostIP: s.cfg.HostBindIP, HostPort: ""}},
	}

	s.transition(ctx, req.LaunchID, domain.LaunchStatusUpdate{
		Status:  domain.StatusStarting,
		Stage:   "container",
		Message: "starting container",
	}, false)

	// The image CMD already carries the runtime entrypoint; only repository
	// descriptors fall back to whatever command they define themselves.
	info, err := s.engine.RunContainer(ctx, req.LaunchID, imageTag, nil, nil, ports)
	if err != nil {
		s.fail(ctx, req, "container_start", err)
		return
	}
	startedAt := time.Now().UTC()

	hostAddr := s.resolveHostAddr(info, appPort)
	s.logger.Info("launch running", "launch_id", req.LaunchID, "image", imageTag, "host_addr", hostAddr)
	s.transition(ctx, req.LaunchID, domain.LaunchStatusUpdate{
		Status:   domain.StatusRunning,
		Stage:    "ready",
		Message:  "container is running",
		HostAddr: hostAddr,
	}, false)
	s.emitLog(req.LaunchID, "info", "container is running", map[string]any{
		"container_id": info.ID,
		"host_addr":    hostAddr,
	})

	if strings.TrimSpace(info.ID) != "" {
		go s.watchContainer(req, info.ID, startedAt)
	}
}

func (s Service) imageTag(req Request) string {
	registry := strings.TrimSuffix(s.cfg.Registry, "/")
	if registry == "" {
		registry = "local" // deterministic fallback
	}
	return filepath.ToSlash(fmt.Sprintf("%s/%s:%s", registry, req.App, req.LaunchID))
}

// watchContainer streams process output and blocks until exit, recording the
// container's exit code verbatim as the launch outcome.
func (s Service) watchContainer(req Request, containerID string, startedAt time.Time) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		err := s.engine.StreamLogs(ctx, containerID, true, func(stream, line string) {
			s.emitLog(req.LaunchID, streamLevel(stream), line, map[string]any{"stream": stream})
		})
		if err != nil && ctx.Err() == nil && !errors.Is(err, docker.ErrNotFound) {
			s.logger.Warn("container log stream ended", "launch_id", req.LaunchID, "error", err)
		}
	}()

	exitCode, err := s.engine.WaitForStop(ctx, containerID)
	if err != nil {
		s.logger.Warn("container wait failed", "launch_id", req.LaunchID, "container_id", containerID, "error", err)
		s.transition(ctx, req.LaunchID, domain.LaunchStatusUpdate{
			Status:  domain.StatusFailed,
			Stage:   "container_exit",
			Message: "failed to monitor container",
			Error:   err.Error(),
		}, true)
		return
	}

	uptimeSeconds := int64(0)
	if !startedAt.IsZero() {
		uptimeSeconds = int64(time.Since(startedAt).Seconds())
		if uptimeSeconds < 0 {
			uptimeSeconds = 0
		}
	}
	status := domain.StatusStopped
	level := "info"
	if exitCode != 0 {
		status = domain.StatusCrashed
		level = "error"
	}
	update := domain.LaunchStatusUpdate{
		Status:   status,
		Stage:    "container_exit",
		Message:  fmt.Sprintf("container exited with status %d", exitCode),
		ExitCode: &exitCode,
	}
	if exitCode != 0 {
		update.Error = update.Message
	}
	s.transition(ctx, req.LaunchID, update, true)
	s.emitLog(req.LaunchID, level, "container exited", map[string]any{
		"container_id":   containerID,
		"exit_code":      exitCode,
		"uptime_seconds": uptimeSeconds,
	})
	if err := s.engine.RemoveContainer(ctx, containerID); err != nil {
		s.logger.Warn("post-exit container cleanup failed", "launch_id", req.LaunchID, "container_id", containerID, "error", err)
	}
}

// ensureDescriptor writes the rendered Dockerfile unless the source tree
// already ships one, mirroring how repository-provided descriptors win.
func ensureDescriptor(workdir string, spec imagespec.Spec) (bool, error) {
	entries, err := os.ReadDir(workdir)
	if err != nil {
		return false, fmt.Errorf("read workspace: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(entry.Name(), "Dockerfile") {
			return false, nil
		}
	}
	content, err := spec.Render()
	if err != nil {
		return false, err
	}
	path := filepath.Join(workdir, "Dockerfile")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write dockerfile: %w", err)
	}
	return true, nil
}

func (s Service) resolveHostAddr(info docker.ContainerInfo, appPort nat.Port) string {
	if info.PortBinding == nil {
		return ""
	}
	bindings := info.PortBinding[appPort]
	if len(bindings) == 0 {
		return ""
	}
	binding := bindings[0]
	host := binding.HostIP
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	if binding.HostPort == "" {
		return ""
	}
	return fmt.Sprintf("http://%s:%s", host, binding.HostPort)
}

func (s Service) fail(ctx context.Context, req Request, stage string, err error) {
	s.logger.Error("launch stage failed", "launch_id", req.LaunchID, "stage", stage, "error", err)
	s.transition(ctx, req.LaunchID, domain.LaunchStatusUpdate{
		Status:  domain.StatusFailed,
		Stage:   stage,
		Message: fmt.Sprintf("%s failed", stage),
		Error:   err.Error(),
	}, true)
	s.emitLog(req.LaunchID, "error", fmt.Sprintf("%s failed: %v", stage, err), map[string]any{
		"stage": stage,
		"error": err.Error(),
	})
}

func (s Service) transition(ctx context.Context, launchID string, update domain.LaunchStatusUpdate, terminal bool) {
	update.LaunchID = launchID
	if terminal && update.CompletedAt == nil {
		now := time.Now().UTC()
		update.CompletedAt = &now
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	persistCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.launches.UpdateLaunchStatus(persistCtx, update); err != nil {
		s.logger.Warn("launch status persist failed", "launch_id", launchID, "status", update.Status, "error", err)
	}
}

func (s Service) emitLog(launchID, level, message string, metadata map[string]any) {
	entry := domain.LaunchLog{
		LaunchID:  launchID,
		Source:    "gantry",
		Level:     level,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	if len(metadata) > 0 {
		if payload, err := json.Marshal(metadata); err == nil {
			entry.Metadata = json.RawMessage(payload)
		} else {
			s.logger.Warn("log metadata marshal failed", "launch_id", launchID, "error", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.logs.Append(ctx, entry); err != nil {
		s.logger.Warn("launch log append failed", "launch_id", launchID, "error", err)
	}
}

func streamLevel(stream string) string {
	if stream == "stderr" {
		return "error"
	}
	return "info"
}

func truncateForMetadata(s string) string {
	s = strings.TrimSpace(s)
	const limit = 4096
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..." + fmt.Sprintf(" (%d bytes truncated)", len(s)-limit)
}
