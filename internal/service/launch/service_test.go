package launch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"

	"github.com/gantry-sh/gantry/internal/config"
	"github.com/gantry-sh/gantry/internal/docker"
	"github.com/gantry-sh/gantry/internal/imagespec"
)

func testService() Service {
	return Service{cfg: config.Config{
		Registry:       "gantry",
		BaseImage:      "python:3.11-slim",
		SystemPackages: []string{"build-essential", "libpq-dev"},
		AppPort:        8000,
		HostBindIP:     "127.0.0.1",
		GitTimeout:     time.Minute,
		BuildTimeout:   10 * time.Minute,
	}}
}

func TestValidateRequest(t *testing.T) {
	s := testService()

	t.Run("source path only", func(t *testing.T) {
		err := s.validateRequest(Request{SourcePath: "/srv/app", AppObject: "app.main:app"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("git url only", func(t *testing.T) {
		err := s.validateRequest(Request{GitURL: "https://example.com/app.git", AppObject: "app.main:app"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("both sources rejected", func(t *testing.T) {
		err := s.validateRequest(Request{SourcePath: "/srv/app", GitURL: "https://example.com/app.git", AppObject: "app.main:app"})
		if err == nil {
			t.Fatal("expected error for both source_path and git_url")
		}
	})

	t.Run("no source rejected", func(t *testing.T) {
		if err := s.validateRequest(Request{AppObject: "app.main:app"}); err == nil {
			t.Fatal("expected error for missing source")
		}
	})

	t.Run("missing app object rejected", func(t *testing.T) {
		if err := s.validateRequest(Request{SourcePath: "/srv/app"}); err == nil {
			t.Fatal("expected error for missing app object")
		}
	})

	t.Run("git ref needs git url", func(t *testing.T) {
		err := s.validateRequest(Request{SourcePath: "/srv/app", GitRef: "v1.2.0", AppObject: "app.main:app"})
		if err == nil {
			t.Fatal("expected error for git_ref without git_url")
		}
		err = s.validateRequest(Request{GitURL: "https://example.com/app.git", GitRef: "v1.2.0", AppObject: "app.main:app"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestApplyDefaults(t *testing.T) {
	s := testService()

	req := s.applyDefaults(Request{SourcePath: "/srv/app", AppObject: "app.main:app"})
	if req.ManifestFile != "requirements.txt" {
		t.Fatalf("manifest default = %q, want requirements.txt", req.ManifestFile)
	}
	if req.BaseImage != "python:3.11-slim" {
		t.Fatalf("base image default = %q", req.BaseImage)
	}
	if len(req.SystemPackages) != 2 {
		t.Fatalf("system packages default = %v", req.SystemPackages)
	}
	if req.App != "default" {
		t.Fatalf("app default = %q", req.App)
	}

	custom := s.applyDefaults(Request{
		App:            "shop",
		SourcePath:     "/srv/shop",
		AppObject:      "shop.api:app",
		ManifestFile:   "requirements-prod.txt",
		BaseImage:      "python:3.12-slim",
		SystemPackages: []string{"libxml2-dev"},
	})
	if custom.ManifestFile != "requirements-prod.txt" || custom.BaseImage != "python:3.12-slim" {
		t.Fatal("explicit request values must win over defaults")
	}
	if len(custom.SystemPackages) != 1 || custom.SystemPackages[0] != "libxml2-dev" {
		t.Fatalf("system packages = %v", custom.SystemPackages)
	}
}

func TestImageTag(t *testing.T) {
	s := testService()
	tag := s.imageTag(Request{App: "shop", LaunchID: "launch-123"})
	if tag != "gantry/shop:launch-123" {
		t.Fatalf("imageTag = %q", tag)
	}

	noRegistry := Service{cfg: config.Config{}}
	tag = noRegistry.imageTag(Request{App: "shop", LaunchID: "launch-123"})
	if tag != "local/shop:launch-123" {
		t.Fatalf("imageTag fallback = %q", tag)
	}
}

func TestEnsureDescriptor(t *testing.T) {
	spec := imagespec.Spec{
		BaseImage:      "python:3.11-slim",
		SystemPackages: []string{"build-essential"},
		ManifestFile:   "requirements.txt",
		App:            imagespec.AppRef{Module: "app.main", Attribute: "app"},
		Port:           8000,
	}

	t.Run("generates when absent", func(t *testing.T) {
		dir := t.TempDir()
		generated, err := ensureDescriptor(dir, spec)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !generated {
			t.Fatal("expected descriptor to be generated")
		}
		data, err := os.ReadFile(filepath.Join(dir, "Dockerfile"))
		if err != nil {
			t.Fatalf("read dockerfile: %v", err)
		}
		content := string(data)
		if !strings.Contains(content, "FROM python:3.11-slim") {
			t.Fatalf("descriptor missing base image:\n%s", content)
		}
		if !strings.Contains(content, `"app.main:app"`) {
			t.Fatalf("descriptor missing app reference:\n%s", content)
		}
	})

	t.Run("repository descriptor wins", func(t *testing.T) {
		dir := t.TempDir()
		original := "FROM scratch\n"
		if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(original), 0o644); err != nil {
			t.Fatalf("write dockerfile: %v", err)
		}
		generated, err := ensureDescriptor(dir, spec)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if generated {
			t.Fatal("existing descriptor must not be replaced")
		}
		data, err := os.ReadFile(filepath.Join(dir, "Dockerfile"))
		if err != nil {
			t.Fatalf("read dockerfile: %v", err)
		}
		if string(data) != original {
			t.Fatal("existing descriptor content changed")
		}
	})

	t.Run("invalid spec surfaces render error", func(t *testing.T) {
		dir := t.TempDir()
		bad := spec
		bad.BaseImage = "python:latest"
		if _, err := ensureDescriptor(dir, bad); err == nil {
			t.Fatal("expected error for floating base image")
		}
	})
}

func TestResolveHostAddr(t *testing.T) {
	s := testService()
	appPort := nat.Port("8000/tcp")

	t.Run("published port", func(t *testing.T) {
		info := docker.ContainerInfo{PortBinding: nat.PortMap{
			appPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "49321"}},
		}}
		addr := s.resolveHostAddr(info, appPort)
		if addr != "http://127.0.0.1:49321" {
			t.Fatalf("resolveHostAddr = %q", addr)
		}
	})

	t.Run("no bindings", func(t *testing.T) {
		if addr := s.resolveHostAddr(docker.ContainerInfo{}, appPort); addr != "" {
			t.Fatalf("resolveHostAddr = %q, want empty", addr)
		}
	})

	t.Run("missing host port", func(t *testing.T) {
		info := docker.ContainerInfo{PortBinding: nat.PortMap{
			appPort: []nat.PortBinding{{HostIP: "127.0.0.1"}},
		}}
		if addr := s.resolveHostAddr(info, appPort); addr != "" {
			t.Fatalf("resolveHostAddr = %q, want empty", addr)
		}
	})
}

func TestStreamLevel(t *testing.T) {
	if streamLevel("stderr") != "error" {
		t.Fatal("stderr must map to error level")
	}
	if streamLevel("stdout") != "info" {
		t.Fatal("stdout must map to info level")
	}
}

func TestBuildLogAggregator(t *testing.T) {
	var emitted []string
	agg := newBuildLogAggregator(func(msg string) { emitted = append(emitted, msg) })

	for i := 0; i < aggregatorBatchSize-1; i++ {
		agg.Add("line")
	}
	if len(emitted) != 0 {
		t.Fatalf("batch emitted early: %d", len(emitted))
	}
	agg.Add("line")
	if len(emitted) != 1 {
		t.Fatalf("expected one batch, got %d", len(emitted))
	}
	if got := len(strings.Split(emitted[0], "\n")); got != aggregatorBatchSize {
		t.Fatalf("batch size = %d", got)
	}

	agg.Add("tail-line")
	agg.Flush()
	if len(emitted) != 2 {
		t.Fatalf("flush did not emit pending batch: %d", len(emitted))
	}
	agg.Flush()
	if len(emitted) != 2 {
		t.Fatal("empty flush must not emit")
	}

	tail := agg.Snapshot(5)
	if len(tail) != 5 {
		t.Fatalf("snapshot length = %d", len(tail))
	}
	if tail[len(tail)-1] != "tail-line" {
		t.Fatalf("snapshot tail = %q", tail[len(tail)-1])
	}
	if agg.Snapshot(0) != nil {
		t.Fatal("snapshot of zero must be nil")
	}
}

func TestTruncateForMetadata(t *testing.T) {
	short := truncateForMetadata("  hello  ")
	if short != "hello" {
		t.Fatalf("truncateForMetadata = %q", short)
	}
	long := truncateForMetadata(strings.Repeat("x", 5000))
	if len(long) >= 5000 {
		t.Fatalf("long value not truncated: %d bytes", len(long))
	}
	if !strings.Contains(long, "truncated") {
		t.Fatal("truncated value must be marked")
	}
}
