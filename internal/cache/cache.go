// Package cache manages the unpacked builds kept on a host.
//
// Each retained build is a directory named after its artifact
// ("shoebox-20240102-0900-master-bbb222") directly under the cache root.
// Builds displaced by pruning are moved to a holding area, suffixed with the
// time they were moved, and kept there briefly in case of rollback.
package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kifi/eddie/internal/artifact"
)

const (
	DefaultKeep        = 5
	DefaultHoldingKeep = 2
)

// ErrNotFound is returned when no local build matches a lookup.
var ErrNotFound = errors.New("not found in local cache")

// NotFoundError describes a failed local lookup.
type NotFoundError struct {
	Kind      string
	Ref       string
	Available int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s version %s not found locally (%d available)", e.Kind, e.Ref, e.Available)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// Cache is the set of unpacked builds on this host.
type Cache struct {
	dir        string
	holdingDir string
	now        func() time.Time
}

// New opens a cache rooted at dir with its holding area at holdingDir.
// Both directories are created if they do not exist.
func New(dir, holdingDir string) (*Cache, error) {
	for _, d := range []string{dir, holdingDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("creating cache directory %s: %w", d, err)
		}
	}
	return &Cache{dir: dir, holdingDir: holdingDir, now: time.Now}, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string {
	return c.dir
}

// HoldingDir returns the holding area.
func (c *Cache) HoldingDir() string {
	return c.holdingDir
}

// Path returns where the build with the given name is (or would be) unpacked.
func (c *Cache) Path(name string) string {
	return filepath.Join(c.dir, name)
}

// List returns the retained builds of kind, newest first.
func (c *Cache) List(kind string) ([]artifact.Artifact, error) {
	return scan(c.dir, kind, false)
}

// Held returns the builds of kind in the holding area, newest first.
func (c *Cache) Held(kind string) ([]artifact.Artifact, error) {
	return scan(c.holdingDir, kind, true)
}

// scan parses the directory entries of dir. Entries that are not
// directories or do not parse are ignored. Outside the holding area an
// entry with an extension (such as an in-progress ".partial" unpack) is
// not a build.
func scan(dir, kind string, holding bool) ([]artifact.Artifact, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}

	var out []artifact.Artifact
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		a, err := artifact.Parse(e.Name())
		if err != nil {
			continue
		}
		if a.Ext != "" && !holding {
			continue
		}
		if kind != "" && a.Kind != kind {
			continue
		}
		out = append(out, a)
	}
	artifact.SortNewestFirst(out)
	return out, nil
}

// Contains reports whether a build with the given name is unpacked locally.
func (c *Cache) Contains(name string) bool {
	info, err := os.Stat(c.Path(name))
	return err == nil && info.IsDir()
}

// ResolveRelative returns the build offset versions back from the newest:
// 0 is the newest, -1 the one before it, and so on.
func (c *Cache) ResolveRelative(kind string, offset int) (artifact.Artifact, error) {
	if offset > 0 {
		return artifact.Artifact{}, fmt.Errorf("relative version must not be positive, got %d", offset)
	}
	list, err := c.List(kind)
	if err != nil {
		return artifact.Artifact{}, err
	}
	idx := -offset
	if idx >= len(list) {
		return artifact.Artifact{}, &NotFoundError{Kind: kind, Ref: strconv.Itoa(offset), Available: len(list)}
	}
	return list[idx], nil
}

// ResolveByHash returns the newest local build of kind from the given commit.
func (c *Cache) ResolveByHash(kind, hash string) (artifact.Artifact, error) {
	list, err := c.List(kind)
	if err != nil {
		return artifact.Artifact{}, err
	}
	a, ok := artifact.FindHash(list, hash)
	if !ok {
		return artifact.Artifact{}, &NotFoundError{Kind: kind, Ref: hash, Available: len(list)}
	}
	return a, nil
}

// PruneResult lists what a prune moved and deleted.
type PruneResult struct {
	Retired []string // moved to the holding area
	Deleted []string // removed from the holding area
}

// PruneToNewest keeps the keep newest builds of kind and moves the rest to
// the holding area, which is then trimmed to holdingKeep entries. Builds
// named in protect are never moved.
func (c *Cache) PruneToNewest(kind string, keep, holdingKeep int, protect ...string) (*PruneResult, error) {
	if keep < 0 || holdingKeep < 0 {
		return nil, fmt.Errorf("retention counts must not be negative (keep=%d, holding=%d)", keep, holdingKeep)
	}

	list, err := c.List(kind)
	if err != nil {
		return nil, err
	}

	protected := make(map[string]bool, len(protect))
	for _, p := range protect {
		protected[p] = true
	}

	result := &PruneResult{}
	if len(list) > keep {
		stamp := strconv.FormatInt(c.now().UnixNano(), 10)
		for _, a := range list[keep:] {
			name := a.Name()
			if protected[name] {
				continue
			}
			dst := filepath.Join(c.holdingDir, name+"."+stamp)
			if err := os.Rename(c.Path(name), dst); err != nil {
				return result, fmt.Errorf("retiring %s: %w", name, err)
			}
			result.Retired = append(result.Retired, name)
		}
	}

	held, err := c.Held(kind)
	if err != nil {
		return result, err
	}
	if len(held) > holdingKeep {
		for _, a := range held[holdingKeep:] {
			if err := os.RemoveAll(filepath.Join(c.holdingDir, a.Key)); err != nil {
				return result, fmt.Errorf("deleting %s: %w", a.Key, err)
			}
			result.Deleted = append(result.Deleted, a.Key)
		}
	}

	return result, nil
}

// ActivationTarget returns the directory an activation link for name should
// point at: the single top-level directory of the unpacked archive if there
// is exactly one, otherwise the build directory itself.
func (c *Cache) ActivationTarget(name string) (string, error) {
	dir := c.Path(name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", dir, err)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(dir, entries[0].Name()), nil
	}
	return dir, nil
}

// Active returns the name of the build the activation link of kind points
// into, or "" if there is no link.
func (c *Cache) Active(kind string) (string, error) {
	target, err := os.Readlink(filepath.Join(c.dir, kind))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading activation link of %s: %w", kind, err)
	}
	if filepath.IsAbs(target) {
		rel, err := filepath.Rel(c.dir, target)
		if err != nil {
			return "", fmt.Errorf("activation link of %s points outside the cache: %s", kind, target)
		}
		target = rel
	}
	name := strings.SplitN(filepath.ToSlash(filepath.Clean(target)), "/", 2)[0]
	if name == ".." || name == "." {
		return "", fmt.Errorf("activation link of %s points outside the cache: %s", kind, target)
	}
	return name, nil
}
