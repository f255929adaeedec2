package imagespec

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AppRef names the importable application object a server process loads:
// a dotted module path plus an attribute, e.g. "app.main:app".
type AppRef struct {
	Module    string
	Attribute string
}

// ParseAppRef validates and splits a "module.path:attribute" reference.
func ParseAppRef(value string) (AppRef, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return AppRef{}, fmt.Errorf("application reference cannot be empty")
	}
	parts := strings.Split(value, ":")
	if len(parts) != 2 {
		return AppRef{}, fmt.Errorf("application reference %q must be module:attribute", value)
	}
	ref := AppRef{Module: strings.TrimSpace(parts[0]), Attribute: strings.TrimSpace(parts[1])}
	if ref.Module == "" || ref.Attribute == "" {
		return AppRef{}, fmt.Errorf("application reference %q must be module:attribute", value)
	}
	for _, segment := range strings.Split(ref.Module, ".") {
		if !validIdentifier(segment) {
			return AppRef{}, fmt.Errorf("invalid module segment %q in application reference", segment)
		}
	}
	if !validIdentifier(ref.Attribute) {
		return AppRef{}, fmt.Errorf("invalid attribute %q in application reference", ref.Attribute)
	}
	return ref, nil
}

// String renders the reference in module:attribute form.
func (r AppRef) String() string {
	return r.Module + ":" + r.Attribute
}

// Resolve checks that the module path maps to a python file inside dir.
// The attribute itself is opaque here; the server process resolves it at
// startup and its failure surfaces as a non-zero exit code.
func (r AppRef) Resolve(dir string) error {
	rel := filepath.Join(strings.Split(r.Module, ".")...)
	candidates := []string{
		rel + ".py",
		filepath.Join(rel, "__init__.py"),
	}
	for _, candidate := range candidates {
		info, err := os.Stat(filepath.Join(dir, candidate))
		if err == nil && !info.IsDir() {
			return nil
		}
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("resolve application module: %w", err)
		}
	}
	return fmt.Errorf("application module %q not found in source tree", r.Module)
}

func validIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
