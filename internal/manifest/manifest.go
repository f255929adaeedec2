package manifest

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultFile is the conventional manifest name for python applications.
const DefaultFile = "requirements.txt"

// ErrNotFound indicates the manifest file is absent from the source tree.
var ErrNotFound = errors.New("manifest: file not found")

// Entry is a single declared dependency.
type Entry struct {
	Name    string
	Version string
	Raw     string
}

// Pinned reports whether the entry carries an exact version.
func (e Entry) Pinned() bool {
	return e.Version != ""
}

// Manifest is the parsed dependency manifest.
type Manifest struct {
	Path    string
	Entries []Entry
}

// Unpinned returns the names of entries without an exact version pin.
func (m Manifest) Unpinned() []string {
	var names []string
	for _, entry := range m.Entries {
		if !entry.Pinned() {
			names = append(names, entry.Name)
		}
	}
	return names
}

// Load reads and parses the manifest at dir/name. A missing file is reported
// as ErrNotFound so callers can abort before any install step runs.
func Load(dir, name string) (Manifest, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultFile
	}
	path := filepath.Join(dir, name)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return Manifest{}, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	m := Manifest{Path: name}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// Option and include lines (-r other.txt, --index-url ...) are passed
		// through to the installer untouched.
		if strings.HasPrefix(line, "-") {
			continue
		}
		if idx := strings.Index(line, " #"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		m.Entries = append(m.Entries, parseEntry(line))
	}
	if err := scanner.Err(); err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	return m, nil
}

func parseEntry(line string) Entry {
	entry := Entry{Raw: line}
	name := line
	if idx := strings.Index(line, "=="); idx >= 0 {
		name = line[:idx]
		entry.Version = strings.TrimSpace(line[idx+2:])
	} else {
		for _, op := range []string{">=", "<=", "~=", "!=", ">", "<"} {
			if idx := strings.Index(line, op); idx >= 0 {
				name = line[:idx]
				break
			}
		}
	}
	// Strip extras markers like uvicorn[standard].
	if idx := strings.Index(name, "["); idx >= 0 {
		name = name[:idx]
	}
	entry.Name = strings.TrimSpace(name)
	return entry
}
