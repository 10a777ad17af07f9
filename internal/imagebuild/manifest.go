package imagebuild

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/krystofrezac/stevedore/internal/failure"
)

const (
	DefaultBaseManifest = "requirements.txt"
	DefaultDevManifest  = "requirements.dev.txt"
)

// Requirement is one line of a pip requirements manifest.
type Requirement struct {
	Name string
	Spec string
}

// Manifest is a requirements file relative to the build context.
type Manifest struct {
	Path         string
	Data         []byte
	Requirements []Requirement
}

// Manifests are the dependency sets available to a build. Dev is nil when
// the context has no development manifest.
type Manifests struct {
	Base Manifest
	Dev  *Manifest
}

// ParseManifest reads requirement lines. Blank lines, comments and pip
// options ("-r other.txt", "--index-url ...") are skipped.
func ParseManifest(path string, data []byte) (Manifest, error) {
	manifest := Manifest{Path: path, Data: data}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := scanner.Text()
		if comment := strings.Index(line, "#"); comment >= 0 {
			line = line[:comment]
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-") {
			continue
		}

		name := line
		if end := strings.IndexAny(line, "=<>!~[; "); end >= 0 {
			name = line[:end]
		}
		if name == "" {
			return Manifest{}, fmt.Errorf("%w: %s:%d: requirement %q has no package name",
				failure.ErrBuildDependency, path, lineNumber, line)
		}
		manifest.Requirements = append(manifest.Requirements, Requirement{Name: name, Spec: line})
	}
	if err := scanner.Err(); err != nil {
		return Manifest{}, fmt.Errorf("%w: read %s: %w", failure.ErrBuildDependency, path, err)
	}

	return manifest, nil
}

// LoadManifests reads the base and dev manifests from the build context
// directory. A missing base manifest is an error, a missing dev manifest
// is not.
func LoadManifests(contextDir, base, dev string) (Manifests, error) {
	baseManifest, err := loadManifest(contextDir, base)
	if err != nil {
		return Manifests{}, err
	}
	manifests := Manifests{Base: baseManifest}

	if dev == "" {
		return manifests, nil
	}
	devManifest, err := loadManifest(contextDir, dev)
	if errors.Is(err, fs.ErrNotExist) {
		return manifests, nil
	}
	if err != nil {
		return Manifests{}, err
	}
	manifests.Dev = &devManifest

	return manifests, nil
}

func loadManifest(contextDir, path string) (Manifest, error) {
	if filepath.IsAbs(path) || !filepath.IsLocal(path) {
		return Manifest{}, fmt.Errorf("%w: manifest %s must be inside the build context", failure.ErrBuildDependency, path)
	}

	data, err := os.ReadFile(filepath.Join(contextDir, path))
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %w", failure.ErrBuildDependency, err)
	}
	return ParseManifest(filepath.ToSlash(path), data)
}
