// Package sandbox confines writes to a directory tree.
//
// Archives unpacked onto a host come from the build bucket, but an entry
// such as "../../etc/cron.d/x" must still never land outside the unpack
// directory. Every path is resolved through existing symlinks before the
// containment check.
package sandbox

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ValidatePath checks that relPath, joined to root, stays inside root once
// symlinks are resolved. It returns the resolved absolute path.
func ValidatePath(root, relPath string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving root: %w", err)
	}
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", fmt.Errorf("resolving root symlinks: %w", err)
	}

	candidate := filepath.Clean(filepath.Join(realRoot, relPath))

	resolved, err := resolveExistingPath(candidate)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}

	rootPrefix := realRoot + string(filepath.Separator)
	if resolved != realRoot && !strings.HasPrefix(resolved, rootPrefix) {
		return "", fmt.Errorf("path '%s' resolves to '%s' which is outside the root '%s'", relPath, resolved, realRoot)
	}

	return resolved, nil
}

// resolveExistingPath resolves symlinks for the longest existing prefix of
// path and appends the remainder.
func resolveExistingPath(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if dir == path {
		return path, nil
	}

	resolvedDir, err := resolveExistingPath(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedDir, base), nil
}

// WriteFile streams r into relPath under root, creating parent directories.
// The file is written to a temp name and renamed into place.
func WriteFile(root, relPath string, r io.Reader, perm os.FileMode) error {
	resolved, err := ValidatePath(root, relPath)
	if err != nil {
		return err
	}
	if _, err := ValidatePath(root, filepath.Dir(relPath)); err != nil {
		return fmt.Errorf("parent directory escapes root: %w", err)
	}

	dir := filepath.Dir(resolved)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".eddie-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("writing %s: %w", relPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpPath, resolved); err != nil {
		return fmt.Errorf("renaming temp file to %s: %w", resolved, err)
	}

	success = true
	return nil
}

// MkdirAll creates relPath under root.
func MkdirAll(root, relPath string, perm os.FileMode) error {
	resolved, err := ValidatePath(root, relPath)
	if err != nil {
		return err
	}
	return os.MkdirAll(resolved, perm)
}

// Symlink creates a link at relPath pointing to target. Absolute targets and
// targets that would resolve outside root are refused.
func Symlink(root, relPath, target string) error {
	if filepath.IsAbs(target) {
		return fmt.Errorf("symlink '%s' has absolute target '%s'", relPath, target)
	}
	linkPath, err := ValidatePath(root, relPath)
	if err != nil {
		return err
	}
	realRoot, err := ValidatePath(root, ".")
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(realRoot, filepath.Join(filepath.Dir(linkPath), target))
	if err != nil {
		return fmt.Errorf("resolving symlink target: %w", err)
	}
	if _, err := ValidatePath(root, rel); err != nil {
		return fmt.Errorf("symlink '%s': %w", relPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(linkPath), 0755); err != nil {
		return fmt.Errorf("creating directory for symlink: %w", err)
	}
	return os.Symlink(target, linkPath)
}
