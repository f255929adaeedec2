// Package imagespec produces the build descriptor for an ASGI application
// image. The descriptor orders layers so that the least-frequently-changing
// inputs (base image, system packages, dependency manifest) come before the
// application source, keeping the expensive dependency-install layer cacheable
// across source-only changes.
package imagespec

import (
	"fmt"
	"strings"
)

// Defaults for the runtime entrypoint contract. Changing the bind host, port
// or server program is a breaking interface change.
const (
	DefaultBaseImage = "python:3.11-slim"
	DefaultPort      = 8000
	bindHost         = "0.0.0.0"
	serverProgram    = "uvicorn"
)

// Spec describes one immutable image: base runtime reference, system package
// set, dependency manifest and the runtime entrypoint.
type Spec struct {
	BaseImage      string
	SystemPackages []string
	ManifestFile   string
	App            AppRef
	Port           int
}

// Validate rejects descriptors that could not produce a reproducible image.
func (s Spec) Validate() error {
	if err := validateBaseImage(s.BaseImage); err != nil {
		return err
	}
	if strings.TrimSpace(s.ManifestFile) == "" {
		return fmt.Errorf("manifest file cannot be empty")
	}
	if strings.ContainsAny(s.ManifestFile, " \t") {
		return fmt.Errorf("manifest file %q must not contain whitespace", s.ManifestFile)
	}
	if s.App.Module == "" || s.App.Attribute == "" {
		return fmt.Errorf("application reference is required")
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("invalid port %d", s.Port)
	}
	for _, pkg := range s.SystemPackages {
		if strings.TrimSpace(pkg) == "" || strings.ContainsAny(pkg, " \t;&|") {
			return fmt.Errorf("invalid system package name %q", pkg)
		}
	}
	return nil
}

// Render emits the Dockerfile content for the spec.
func (s Spec) Render() (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM " + s.BaseImage + "\n")
	b.WriteString("WORKDIR /app\n\n")
	if len(s.SystemPackages) > 0 {
		// Install and purge the package index in the same layer so transient
		// metadata never reaches the final image.
		b.WriteString("RUN apt-get update && apt-get install -y --no-install-recommends \\\n")
		b.WriteString("  " + strings.Join(s.SystemPackages, " ") + " \\\n")
		b.WriteString("  && rm -rf /var/lib/apt/lists/*\n\n")
	}
	b.WriteString("COPY " + s.ManifestFile + " ./\n")
	b.WriteString("RUN pip install --no-cache-dir -r " + s.ManifestFile + "\n\n")
	b.WriteString("COPY . ./\n\n")
	b.WriteString(fmt.Sprintf("EXPOSE %d\n", s.Port))
	b.WriteString(fmt.Sprintf("CMD [\"%s\",\"%s\",\"--host\",\"%s\",\"--port\",\"%d\"]\n",
		serverProgram, s.App.String(), bindHost, s.Port))
	return b.String(), nil
}

// Command returns the runtime entrypoint as an argument vector.
func (s Spec) Command() []string {
	return []string{
		serverProgram,
		s.App.String(),
		"--host", bindHost,
		"--port", fmt.Sprintf("%d", s.Port),
	}
}

func validateBaseImage(image string) error {
	image = strings.TrimSpace(image)
	if image == "" {
		return fmt.Errorf("base image cannot be empty")
	}
	if strings.ContainsAny(image, " \t") {
		return fmt.Errorf("invalid base image reference %q", image)
	}
	// Digest-pinned references are always acceptable.
	if strings.Contains(image, "@") {
		return nil
	}
	tag := ""
	if idx := strings.LastIndex(image, ":"); idx >= 0 {
		// A colon before the last slash belongs to a registry port, not a tag.
		if slash := strings.LastIndex(image, "/"); idx > slash {
			tag = image[idx+1:]
		}
	}
	if tag == "" {
		return fmt.Errorf("base image %q must be pinned to an explicit tag", image)
	}
	if tag == "latest" {
		return fmt.Errorf("base image %q must not use the latest tag", image)
	}
	return nil
}
