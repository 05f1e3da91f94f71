// Package store reads and writes build artifacts in remote object storage.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/kifi/eddie/internal/artifact"
	"github.com/kifi/eddie/internal/unpack"
)

// ErrNotFound is returned when no artifact matches a lookup.
var ErrNotFound = errors.New("artifact not found in store")

// Object is one entry of a bucket listing.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Backend lists and downloads objects.
type Backend interface {
	ListObjects(ctx context.Context) ([]Object, error)
	Download(ctx context.Context, key string, w io.Writer) error
}

// FetchError reports a failure to download or unpack an artifact.
type FetchError struct {
	Key       string
	Operation string
	Err       error
	Hint      string
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("%s: %s failed: %s", e.Key, e.Operation, e.Err)
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Client resolves artifacts against a Backend.
type Client struct {
	Backend Backend
	Logger  *zap.Logger
}

func (c *Client) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// ListAll returns every parseable artifact in the store, in listing order.
// Keys that do not follow the naming convention are skipped without error.
func (c *Client) ListAll(ctx context.Context) ([]artifact.Artifact, error) {
	objects, err := c.Backend.ListObjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}

	out := make([]artifact.Artifact, 0, len(objects))
	for _, obj := range objects {
		a, err := artifact.Parse(obj.Key)
		if err != nil {
			c.logger().Debug("skipping object", zap.String("key", obj.Key), zap.Error(err))
			continue
		}
		a.Size = obj.Size
		out = append(out, a)
	}
	return out, nil
}

// List returns the artifacts of one kind, newest first.
func (c *Client) List(ctx context.Context, kind string) ([]artifact.Artifact, error) {
	all, err := c.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	list := artifact.FilterKind(all, kind)
	artifact.SortNewestFirst(list)
	return list, nil
}

// Lookup finds the newest artifact of kind built from the given commit.
func (c *Client) Lookup(ctx context.Context, kind, hash string) (artifact.Artifact, error) {
	list, err := c.List(ctx, kind)
	if err != nil {
		return artifact.Artifact{}, err
	}
	a, ok := artifact.FindHash(list, hash)
	if !ok {
		return artifact.Artifact{}, fmt.Errorf("%s commit %s: %w", kind, hash, ErrNotFound)
	}
	return a, nil
}

// Fetch downloads a into workDir and unpacks it into destDir.
//
// workDir is emptied first and must hold exactly one file once the download
// finishes. The archive is unpacked next to destDir and renamed into place,
// so destDir only ever appears complete.
func (c *Client) Fetch(ctx context.Context, a artifact.Artifact, workDir, destDir string) error {
	if err := resetDir(workDir); err != nil {
		return &FetchError{Key: a.Key, Operation: "prepare", Err: err}
	}

	target := filepath.Join(workDir, filepath.Base(a.Key))
	f, err := os.Create(target)
	if err != nil {
		return &FetchError{Key: a.Key, Operation: "download", Err: err}
	}
	dlErr := c.Backend.Download(ctx, a.Key, f)
	closeErr := f.Close()
	if dlErr != nil {
		return &FetchError{Key: a.Key, Operation: "download", Err: dlErr, Hint: "check bucket access and network connectivity"}
	}
	if closeErr != nil {
		return &FetchError{Key: a.Key, Operation: "download", Err: closeErr}
	}

	entries, err := os.ReadDir(workDir)
	if err != nil {
		return &FetchError{Key: a.Key, Operation: "download", Err: err}
	}
	if len(entries) != 1 {
		return &FetchError{Key: a.Key, Operation: "download", Err: fmt.Errorf("expected exactly one file in %s, found %d", workDir, len(entries))}
	}
	archive := filepath.Join(workDir, entries[0].Name())

	partial := destDir + ".partial"
	if err := os.RemoveAll(partial); err != nil {
		return &FetchError{Key: a.Key, Operation: "unpack", Err: err}
	}
	if err := unpack.Unpack(ctx, archive, partial); err != nil {
		_ = os.RemoveAll(partial)
		return &FetchError{Key: a.Key, Operation: "unpack", Err: err}
	}
	if err := os.RemoveAll(destDir); err != nil {
		_ = os.RemoveAll(partial)
		return &FetchError{Key: a.Key, Operation: "unpack", Err: err}
	}
	if err := os.Rename(partial, destDir); err != nil {
		_ = os.RemoveAll(partial)
		return &FetchError{Key: a.Key, Operation: "unpack", Err: err}
	}

	c.logger().Info("fetched artifact", zap.String("artifact", a.Name()), zap.String("dir", destDir))
	return nil
}

// Download copies the raw archive for a into dir without unpacking it.
func (c *Client) Download(ctx context.Context, a artifact.Artifact, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", &FetchError{Key: a.Key, Operation: "download", Err: err}
	}
	target := filepath.Join(dir, filepath.Base(a.Key))
	f, err := os.Create(target)
	if err != nil {
		return "", &FetchError{Key: a.Key, Operation: "download", Err: err}
	}
	if err := c.Backend.Download(ctx, a.Key, f); err != nil {
		f.Close()
		_ = os.Remove(target)
		return "", &FetchError{Key: a.Key, Operation: "download", Err: err}
	}
	if err := f.Close(); err != nil {
		return "", &FetchError{Key: a.Key, Operation: "download", Err: err}
	}
	return target, nil
}

func resetDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", dir, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("clearing %s: %w", dir, err)
		}
	}
	return nil
}
