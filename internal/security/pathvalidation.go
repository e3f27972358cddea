// Package security guards the filesystem and header surfaces the daemon
// exposes: replay files named on the command line and download filenames
// built from user-chosen encounter names.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxFilenameLen bounds names produced by SanitizeFilename.
const maxFilenameLen = 128

// canonical resolves p to an absolute path with symlinks evaluated. When p
// does not exist yet, the deepest existing ancestor is resolved instead so a
// symlinked parent cannot smuggle the path elsewhere.
func canonical(p string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", p, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	for dir := filepath.Dir(abs); ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rest, _ := filepath.Rel(dir, abs)
			return filepath.Join(resolved, rest), nil
		}
		if dir == filepath.Dir(dir) {
			return abs, nil
		}
	}
}

// WithinDir reports an error unless path resolves inside dir.
func WithinDir(path, dir string) error {
	p, err := canonical(path)
	if err != nil {
		return err
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}
	d, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}
	rel, err := filepath.Rel(d, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("path %s escapes %s", path, dir)
	}
	return nil
}

// WithinAnyDir accepts path when it lies inside at least one of dirs.
func WithinAnyDir(path string, dirs []string) error {
	if len(dirs) == 0 {
		return fmt.Errorf("no allowed directories configured")
	}
	for _, dir := range dirs {
		if WithinDir(path, dir) == nil {
			return nil
		}
	}
	return fmt.Errorf("path must be within one of %v", dirs)
}

// ValidateReplayPath confines a replay file to the working directory or the
// system temp directory, the places captures are normally dropped.
func ValidateReplayPath(path string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}
	return WithinAnyDir(path, []string{cwd, os.TempDir()})
}

// SanitizeFilename turns an encounter name into something safe to put in a
// Content-Disposition filename. Runs of other characters collapse to a
// single underscore.
func SanitizeFilename(s string) string {
	var b strings.Builder
	underscore := false
	for _, r := range s {
		if b.Len() >= maxFilenameLen {
			break
		}
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '.' || r == '_' || r == '-'
		switch {
		case ok:
			b.WriteRune(r)
			underscore = r == '_'
		case !underscore:
			b.WriteByte('_')
			underscore = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
