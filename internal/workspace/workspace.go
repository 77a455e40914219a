// Package workspace lays out per-job working directories on disk.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	ErrBadRepo = errors.New("workspace: repository must be owner/name")
	ErrBadKey  = errors.New("workspace: invalid key")
)

var segment = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

type Manager struct {
	Root string
}

// Prepare creates <root>/<owner>__<name>/<key> and returns its path.
func (m *Manager) Prepare(repo, key string) (string, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || !validSegment(owner) || !validSegment(name) {
		return "", fmt.Errorf("%w: %q", ErrBadRepo, repo)
	}
	if !validSegment(key) {
		return "", fmt.Errorf("%w: %q", ErrBadKey, key)
	}

	dir := filepath.Join(m.Root, owner+"__"+name, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("prepare workspace: %w", err)
	}
	return dir, nil
}

func validSegment(s string) bool {
	return segment.MatchString(s) && !strings.Contains(s, "..")
}

type Stats struct {
	Root         string `json:"root"`
	Repositories int    `json:"repositories"`
	Workspaces   int    `json:"workspaces"`
	Bytes        int64  `json:"bytes"`
}

func (m *Manager) Stats() (Stats, error) {
	st := Stats{Root: m.Root}
	err := filepath.WalkDir(m.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == m.Root {
				return fs.SkipAll
			}
			return err
		}
		rel, _ := filepath.Rel(m.Root, path)
		depth := 0
		if rel != "." {
			depth = strings.Count(rel, string(filepath.Separator)) + 1
		}
		switch {
		case d.IsDir() && depth == 1:
			st.Repositories++
		case d.IsDir() && depth == 2:
			st.Workspaces++
		case d.Type().IsRegular():
			if info, err := d.Info(); err == nil {
				st.Bytes += info.Size()
			}
		}
		return nil
	})
	return st, err
}
