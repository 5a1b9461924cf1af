package storage

import (
	"os"
	"path/filepath"
	"strings"
)

func within(root string, p string) bool {
	return p == root || strings.HasPrefix(p, root+string(filepath.Separator))
}

// JoinWithinRoot joins rel onto root and verifies the result is contained
// in root, both lexically and after resolving symlinks of the deepest
// existing ancestor.
func JoinWithinRoot(root string, rel string) (string, error) {
	rootClean := filepath.Clean(root)
	p := filepath.Join(rootClean, rel)
	if !within(rootClean, p) {
		return "", ErrForbidden
	}

	realRoot, err := filepath.EvalSymlinks(rootClean)
	if err != nil {
		return p, nil
	}

	existing := p
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return p, nil
		}
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err == nil && !within(realRoot, resolved) {
		return "", ErrForbidden
	}
	return p, nil
}

// CreateFile creates a new file at p for writing, creating any missing
// parent directories. It fails if p already exists.
func CreateFile(p string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
}
