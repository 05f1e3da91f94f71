// Package resolve turns a version reference into a build that is present in
// the local cache, downloading it from the store when needed.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/kifi/eddie/internal/artifact"
	"github.com/kifi/eddie/internal/cache"
	"github.com/kifi/eddie/internal/store"
)

// ErrVersionNotFound is returned when a reference matches no build.
var ErrVersionNotFound = errors.New("version not found")

// NotFoundError describes a reference that matched no build.
type NotFoundError struct {
	Kind string
	Ref  Ref
	Err  error // underlying lookup failure, if any
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("no %s build matches version %s", e.Kind, e.Ref)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrVersionNotFound
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// Remote is the store side of resolution.
type Remote interface {
	List(ctx context.Context, kind string) ([]artifact.Artifact, error)
	Lookup(ctx context.Context, kind, hash string) (artifact.Artifact, error)
	Fetch(ctx context.Context, a artifact.Artifact, workDir, destDir string) error
}

// Resolver resolves references against a local cache and a remote store.
type Resolver struct {
	Local   *cache.Cache
	Remote  Remote
	WorkDir string // scratch directory for downloads
	Logger  *zap.Logger
}

func (r *Resolver) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// Resolve returns the build selected by ref, fetching it into the cache if
// it is not already there.
//
// Latest compares the newest remote build with the newest local one and
// prefers the local build only if it is strictly newer. Relative references
// only ever consult the cache. Hashes are looked up locally first.
func (r *Resolver) Resolve(ctx context.Context, kind string, ref Ref) (artifact.Artifact, error) {
	if err := ref.Validate(); err != nil {
		return artifact.Artifact{}, err
	}

	switch ref.Kind {
	case Relative:
		a, err := r.Local.ResolveRelative(kind, ref.Offset)
		if err != nil {
			return artifact.Artifact{}, r.notFound(kind, ref, err)
		}
		return a, nil

	case Hash:
		if a, err := r.Local.ResolveByHash(kind, ref.Hash); err == nil {
			r.logger().Debug("found build locally", zap.String("artifact", a.Name()))
			return a, nil
		} else if !errors.Is(err, cache.ErrNotFound) {
			return artifact.Artifact{}, err
		}
		a, err := r.Remote.Lookup(ctx, kind, ref.Hash)
		if err != nil {
			return artifact.Artifact{}, r.notFound(kind, ref, err)
		}
		return r.ensure(ctx, a)

	default:
		return r.resolveLatest(ctx, kind)
	}
}

func (r *Resolver) resolveLatest(ctx context.Context, kind string) (artifact.Artifact, error) {
	remote, err := r.Remote.List(ctx, kind)
	if err != nil {
		return artifact.Artifact{}, err
	}
	local, err := r.Local.List(kind)
	if err != nil {
		return artifact.Artifact{}, err
	}

	switch {
	case len(remote) == 0 && len(local) == 0:
		return artifact.Artifact{}, &NotFoundError{Kind: kind, Ref: LatestRef}
	case len(remote) == 0:
		return local[0], nil
	case len(local) > 0 && local[0].Built.After(remote[0].Built):
		r.logger().Info("local build is newer than the store",
			zap.String("local", local[0].Name()), zap.String("remote", remote[0].Name()))
		return local[0], nil
	}
	return r.ensure(ctx, remote[0])
}

// ensure makes sure a remote build is unpacked in the cache.
func (r *Resolver) ensure(ctx context.Context, a artifact.Artifact) (artifact.Artifact, error) {
	name := a.Name()
	if r.Local.Contains(name) {
		r.logger().Debug("build already cached", zap.String("artifact", name))
		return a, nil
	}
	r.logger().Info("downloading build", zap.String("artifact", name), zap.String("key", a.Key))
	if err := r.Remote.Fetch(ctx, a, r.workDir(), r.Local.Path(name)); err != nil {
		return artifact.Artifact{}, err
	}
	return a, nil
}

func (r *Resolver) workDir() string {
	if r.WorkDir == "" {
		return filepath.Join(r.Local.Dir(), ".work")
	}
	return r.WorkDir
}

func (r *Resolver) notFound(kind string, ref Ref, err error) error {
	if errors.Is(err, cache.ErrNotFound) || errors.Is(err, store.ErrNotFound) {
		return &NotFoundError{Kind: kind, Ref: ref, Err: err}
	}
	return err
}

// Version is one entry of an availability listing.
type Version struct {
	Artifact artifact.Artifact
	Ref      string // reference that selects this build, e.g. "latest" or "-2"
	Local    bool
	Remote   bool
}

// Available merges the remote and local builds of kind, newest first. Local
// builds carry the relative reference that selects them; the newest overall
// is labelled "latest". When remote is false the store is not consulted.
func (r *Resolver) Available(ctx context.Context, kind string, remote bool) ([]Version, error) {
	local, err := r.Local.List(kind)
	if err != nil {
		return nil, err
	}

	var remoteList []artifact.Artifact
	if remote {
		remoteList, err = r.Remote.List(ctx, kind)
		if err != nil {
			return nil, err
		}
	}

	byName := make(map[string]*Version)
	var order []artifact.Artifact
	for _, a := range remoteList {
		if _, ok := byName[a.Name()]; ok {
			continue
		}
		byName[a.Name()] = &Version{Artifact: a, Remote: true}
		order = append(order, a)
	}
	for i, a := range local {
		v, ok := byName[a.Name()]
		if !ok {
			v = &Version{Artifact: a}
			byName[a.Name()] = v
			order = append(order, a)
		}
		v.Local = true
		v.Ref = strconv.Itoa(-i)
	}

	artifact.SortNewestFirst(order)
	out := make([]Version, 0, len(order))
	for i, a := range order {
		v := *byName[a.Name()]
		if i == 0 {
			v.Ref = "latest"
		}
		out = append(out, v)
	}
	return out, nil
}
