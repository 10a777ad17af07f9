// Package layout describes the unprivileged execution identity and the
// persistent storage directories of the application image. The image
// builder provisions them, the entrypoint verifies them before anything
// else runs.
package layout

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/krystofrezac/stevedore/internal/failure"
	"golang.org/x/sys/unix"
)

// Identity is the non-root user and group every runtime process runs as.
type Identity struct {
	Name    string
	UserID  int
	GroupID int
}

var DefaultIdentity = Identity{
	Name:    "app-user",
	UserID:  1000,
	GroupID: 1000,
}

// Storage is the set of directories mounted as durable volumes. Root is the
// mount point, Dirs live below it.
type Storage struct {
	Root string
	Dirs []string
	Mode fs.FileMode
}

var DefaultStorage = Storage{
	Root: "/vol/web",
	Dirs: []string{"/vol/web/static", "/vol/web/media"},
	Mode: 0o755,
}

func (i Identity) Validate() error {
	if i.Name == "" || i.Name == "root" {
		return fmt.Errorf("%w: execution identity needs a non-root name", failure.ErrBuildDependency)
	}
	if i.UserID <= 0 || i.GroupID <= 0 {
		return fmt.Errorf("%w: execution identity %s needs non-zero uid and gid (got %d:%d)",
			failure.ErrBuildDependency, i.Name, i.UserID, i.GroupID)
	}
	return nil
}

func (s Storage) Validate() error {
	if !path.IsAbs(s.Root) {
		return fmt.Errorf("%w: storage root %q must be absolute", failure.ErrBuildDependency, s.Root)
	}
	for _, dir := range s.Dirs {
		cleaned := path.Clean(dir)
		if cleaned != s.Root && !strings.HasPrefix(cleaned, s.Root+"/") {
			return fmt.Errorf("%w: storage dir %q is outside root %q", failure.ErrBuildDependency, dir, s.Root)
		}
	}
	return nil
}

// Checker verifies the runtime side of the layout.
type Checker struct {
	Geteuid func() int
	Stat    func(name string) (fs.FileInfo, error)
	Access  func(path string, mode uint32) error
}

func NewChecker() Checker {
	return Checker{
		Geteuid: os.Geteuid,
		Stat:    os.Stat,
		Access:  unix.Access,
	}
}

// Verify fails when the process runs as root or any of dirs is missing or
// not writable by the current identity.
func (c Checker) Verify(dirs []string) error {
	if c.Geteuid() == 0 {
		return fmt.Errorf("%w: refusing to run as root, the image must switch to its unprivileged user", failure.ErrConfiguration)
	}

	var problems []error
	for _, dir := range dirs {
		info, err := c.Stat(dir)
		if err != nil {
			problems = append(problems, fmt.Errorf("storage dir %s: %w", dir, err))
			continue
		}
		if !info.IsDir() {
			problems = append(problems, fmt.Errorf("storage dir %s is not a directory", dir))
			continue
		}
		if err := c.Access(dir, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
			problems = append(problems, fmt.Errorf("storage dir %s is not writable by uid %d: %w", dir, c.Geteuid(), err))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", failure.ErrConfiguration, errors.Join(problems...))
	}
	return nil
}
