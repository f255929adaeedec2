package imagespec

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validSpec() Spec {
	return Spec{
		BaseImage:      "python:3.11-slim",
		SystemPackages: []string{"build-essential", "libpq-dev"},
		ManifestFile:   "requirements.txt",
		App:            AppRef{Module: "app.main", Attribute: "app"},
		Port:           8000,
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		if err := validSpec().Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	cases := []struct {
		name   string
		mutate func(*Spec)
	}{
		{"empty base image", func(s *Spec) { s.BaseImage = "" }},
		{"untagged base image", func(s *Spec) { s.BaseImage = "python" }},
		{"latest tag", func(s *Spec) { s.BaseImage = "python:latest" }},
		{"empty manifest", func(s *Spec) { s.ManifestFile = "" }},
		{"whitespace manifest", func(s *Spec) { s.ManifestFile = "my requirements.txt" }},
		{"missing app", func(s *Spec) { s.App = AppRef{} }},
		{"port zero", func(s *Spec) { s.Port = 0 }},
		{"port too large", func(s *Spec) { s.Port = 70000 }},
		{"shell metacharacter in package", func(s *Spec) { s.SystemPackages = []string{"curl; rm -rf /"} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := validSpec()
			tc.mutate(&spec)
			if err := spec.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidateBaseImagePinning(t *testing.T) {
	valid := []string{
		"python:3.11-slim",
		"registry.example.com:5000/python:3.11-slim",
		"python@sha256:0123456789abcdef",
	}
	for _, image := range valid {
		if err := validateBaseImage(image); err != nil {
			t.Errorf("validateBaseImage(%q) = %v, want nil", image, err)
		}
	}
	invalid := []string{
		"",
		"python",
		"python:latest",
		"registry.example.com:5000/python",
	}
	for _, image := range invalid {
		if err := validateBaseImage(image); err == nil {
			t.Errorf("validateBaseImage(%q) = nil, want error", image)
		}
	}
}

func TestRender(t *testing.T) {
	content, err := validSpec().Render()
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	t.Run("base and workdir", func(t *testing.T) {
		if !strings.Contains(content, "FROM python:3.11-slim\n") {
			t.Fatalf("missing base image:\n%s", content)
		}
		if !strings.Contains(content, "WORKDIR /app\n") {
			t.Fatalf("missing workdir:\n%s", content)
		}
	})

	t.Run("package install purges index in same layer", func(t *testing.T) {
		idx := strings.Index(content, "apt-get install")
		if idx < 0 {
			t.Fatalf("missing install step:\n%s", content)
		}
		layer := content[idx:]
		if end := strings.Index(layer, "\n\n"); end >= 0 {
			layer = layer[:end]
		}
		if !strings.Contains(layer, "rm -rf /var/lib/apt/lists/*") {
			t.Fatalf("index purge not in install layer:\n%s", layer)
		}
	})

	t.Run("manifest copied and installed before source copy", func(t *testing.T) {
		manifestCopy := strings.Index(content, "COPY requirements.txt ./")
		install := strings.Index(content, "pip install --no-cache-dir -r requirements.txt")
		sourceCopy := strings.Index(content, "COPY . ./")
		if manifestCopy < 0 || install < 0 || sourceCopy < 0 {
			t.Fatalf("missing layer:\n%s", content)
		}
		if !(manifestCopy < install && install < sourceCopy) {
			t.Fatalf("layer order wrong: manifest=%d install=%d source=%d", manifestCopy, install, sourceCopy)
		}
	})

	t.Run("entrypoint", func(t *testing.T) {
		if !strings.Contains(content, `CMD ["uvicorn","app.main:app","--host","0.0.0.0","--port","8000"]`) {
			t.Fatalf("missing entrypoint:\n%s", content)
		}
		if !strings.Contains(content, "EXPOSE 8000\n") {
			t.Fatalf("missing expose:\n%s", content)
		}
	})

	t.Run("no package layer when none requested", func(t *testing.T) {
		spec := validSpec()
		spec.SystemPackages = nil
		out, err := spec.Render()
		if err != nil {
			t.Fatalf("render: %v", err)
		}
		if strings.Contains(out, "apt-get") {
			t.Fatalf("unexpected install layer:\n%s", out)
		}
	})
}

func TestCommand(t *testing.T) {
	got := validSpec().Command()
	want := []string{"uvicorn", "app.main:app", "--host", "0.0.0.0", "--port", "8000"}
	if len(got) != len(want) {
		t.Fatalf("command = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("command[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestParseAppRef(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		ref, err := ParseAppRef("app.main:app")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ref.Module != "app.main" || ref.Attribute != "app" {
			t.Fatalf("ref = %+v", ref)
		}
		if ref.String() != "app.main:app" {
			t.Fatalf("String() = %q", ref.String())
		}
	})

	invalid := []string{
		"",
		"app.main",
		"app.main:app:extra",
		":app",
		"app.main:",
		"app-main:app",
		"app.main:my app",
		"1app:app",
		"app..main:app",
	}
	for _, value := range invalid {
		if _, err := ParseAppRef(value); err == nil {
			t.Errorf("ParseAppRef(%q) = nil, want error", value)
		}
	}
}

func TestAppRefResolve(t *testing.T) {
	write := func(t *testing.T, dir, rel string) {
		t.Helper()
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte("app = object()\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	t.Run("module file", func(t *testing.T) {
		dir := t.TempDir()
		write(t, dir, "app/main.py")
		ref := AppRef{Module: "app.main", Attribute: "app"}
		if err := ref.Resolve(dir); err != nil {
			t.Fatalf("resolve: %v", err)
		}
	})

	t.Run("package init", func(t *testing.T) {
		dir := t.TempDir()
		write(t, dir, "app/__init__.py")
		ref := AppRef{Module: "app", Attribute: "app"}
		if err := ref.Resolve(dir); err != nil {
			t.Fatalf("resolve: %v", err)
		}
	})

	t.Run("missing module", func(t *testing.T) {
		dir := t.TempDir()
		ref := AppRef{Module: "app.main", Attribute: "app"}
		if err := ref.Resolve(dir); err == nil {
			t.Fatal("expected error for missing module")
		}
	})
}
