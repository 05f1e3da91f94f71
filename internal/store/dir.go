package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const uploadsDir = ".uploads"

// DirBackend stores artifacts as plain files in a directory, such as a
// mounted build share.
type DirBackend struct {
	Root string
}

func (d *DirBackend) ListObjects(ctx context.Context) ([]Object, error) {
	entries, err := os.ReadDir(d.Root)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", d.Root, err)
	}

	var out []Object
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Object{Key: e.Name(), Size: info.Size(), LastModified: info.ModTime()})
	}
	return out, nil
}

func (d *DirBackend) Download(ctx context.Context, key string, w io.Writer) error {
	f, err := os.Open(d.objectPath(key))
	if err != nil {
		return fmt.Errorf("opening %s: %w", key, err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("reading %s: %w", key, err)
	}
	return nil
}

func (d *DirBackend) CreateMultipart(ctx context.Context, key, contentType string) (string, error) {
	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Join(d.Root, uploadsDir, id), 0755); err != nil {
		return "", fmt.Errorf("initiating upload of %s: %w", key, err)
	}
	return id, nil
}

func (d *DirBackend) UploadPart(ctx context.Context, key, uploadID string, part int32, body io.ReadSeeker, size int64) (string, error) {
	path := filepath.Join(d.Root, uploadsDir, uploadID, strconv.Itoa(int(part)))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	n, err := io.Copy(f, body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", err
	}
	if n != size {
		return "", fmt.Errorf("part %d: wrote %d bytes, expected %d", part, n, size)
	}
	return fmt.Sprintf("%s-%d", uploadID, part), nil
}

func (d *DirBackend) CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) error {
	sorted := append([]Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	tmp, err := os.CreateTemp(d.Root, ".complete-*")
	if err != nil {
		return fmt.Errorf("completing upload of %s: %w", key, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	for _, p := range sorted {
		f, err := os.Open(filepath.Join(d.Root, uploadsDir, uploadID, strconv.Itoa(int(p.Number))))
		if err != nil {
			tmp.Close()
			return fmt.Errorf("completing upload of %s: %w", key, err)
		}
		_, err = io.Copy(tmp, f)
		f.Close()
		if err != nil {
			tmp.Close()
			return fmt.Errorf("completing upload of %s: %w", key, err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("completing upload of %s: %w", key, err)
	}
	if err := os.Rename(tmpPath, d.objectPath(key)); err != nil {
		return fmt.Errorf("completing upload of %s: %w", key, err)
	}
	return os.RemoveAll(filepath.Join(d.Root, uploadsDir, uploadID))
}

func (d *DirBackend) AbortMultipart(ctx context.Context, key, uploadID string) error {
	return os.RemoveAll(filepath.Join(d.Root, uploadsDir, uploadID))
}

func (d *DirBackend) objectPath(key string) string {
	return filepath.Join(d.Root, filepath.Base(key))
}
