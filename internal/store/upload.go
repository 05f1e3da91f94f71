package store

import (
	"context"
	"fmt"
	"io"
	"math"
	"mime"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// MinChunkSize is the smallest part S3 accepts, except for the last one.
	MinChunkSize int64 = 5 * 1024 * 1024

	DefaultUploadWorkers    = 4
	DefaultUploadRetries    = 10
	DefaultUploadRetryDelay = time.Second
)

// Part is one uploaded chunk of a multipart upload.
type Part struct {
	Number int32
	ETag   string
}

// MultipartBackend supports chunked uploads.
type MultipartBackend interface {
	CreateMultipart(ctx context.Context, key, contentType string) (string, error)
	UploadPart(ctx context.Context, key, uploadID string, part int32, body io.ReadSeeker, size int64) (string, error)
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) error
	AbortMultipart(ctx context.Context, key, uploadID string) error
}

// UploadError reports a multipart upload that was aborted.
type UploadError struct {
	Key      string
	Uploaded int
	Expected int
	Err      error
}

func (e *UploadError) Error() string {
	msg := fmt.Sprintf("upload of %s aborted: %d of %d parts uploaded", e.Key, e.Uploaded, e.Expected)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// Uploader performs parallel multipart uploads.
type Uploader struct {
	Backend    MultipartBackend
	Workers    int
	Retries    int // per part; 0 means DefaultUploadRetries, negative disables retries
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// ChunkSize returns the part size for a file: the geometric mean of the
// minimum part size and the file size, but never below the minimum.
func ChunkSize(size int64) int64 {
	scaled := int64(math.Sqrt(float64(MinChunkSize) * float64(size)))
	if scaled < MinChunkSize {
		return MinChunkSize
	}
	return scaled
}

// ChunkCount returns how many parts a file of the given size is split into.
func ChunkCount(size, chunk int64) int {
	if size <= 0 {
		return 1
	}
	return int((size + chunk - 1) / chunk)
}

// Upload sends the file at path to key. If any part still fails after its
// retries, the multipart upload is aborted rather than left dangling.
func (u *Uploader) Upload(ctx context.Context, path, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	size := info.Size()
	chunk := ChunkSize(size)
	count := ChunkCount(size, chunk)

	log := u.logger().With(zap.String("key", key))
	uploadID, err := u.Backend.CreateMultipart(ctx, key, contentType(key))
	if err != nil {
		return err
	}
	log.Info("multipart upload started", zap.Int64("size", size), zap.Int64("chunk", chunk), zap.Int("parts", count))

	parts := make([]Part, count)
	var uploaded atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.workers())
	for i := 0; i < count; i++ {
		offset := int64(i) * chunk
		length := min(chunk, size-offset)
		number := int32(i + 1)
		g.Go(func() error {
			section := io.NewSectionReader(f, offset, length)
			etag, err := u.uploadPart(gctx, key, uploadID, number, section, length)
			if err != nil {
				log.Warn("part failed", zap.Int32("part", number), zap.Error(err))
				return fmt.Errorf("part %d: %w", number, err)
			}
			parts[number-1] = Part{Number: number, ETag: etag}
			uploaded.Add(1)
			log.Debug("uploaded part", zap.Int32("part", number))
			return nil
		})
	}
	waitErr := g.Wait()

	if waitErr != nil || int(uploaded.Load()) != count {
		if abortErr := u.Backend.AbortMultipart(context.WithoutCancel(ctx), key, uploadID); abortErr != nil {
			log.Error("abort failed", zap.Error(abortErr))
		}
		return &UploadError{Key: key, Uploaded: int(uploaded.Load()), Expected: count, Err: waitErr}
	}

	if err := u.Backend.CompleteMultipart(ctx, key, uploadID, parts); err != nil {
		_ = u.Backend.AbortMultipart(context.WithoutCancel(ctx), key, uploadID)
		return &UploadError{Key: key, Uploaded: count, Expected: count, Err: err}
	}
	log.Info("multipart upload complete")
	return nil
}

func (u *Uploader) uploadPart(ctx context.Context, key, uploadID string, number int32, section *io.SectionReader, length int64) (string, error) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(u.retryDelay()), uint64(u.retries())),
		ctx,
	)

	var etag string
	err := backoff.Retry(func() error {
		if _, err := section.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(err)
		}
		var err error
		etag, err = u.Backend.UploadPart(ctx, key, uploadID, number, section, length)
		return err
	}, policy)
	return etag, err
}

func (u *Uploader) workers() int {
	if u.Workers <= 0 {
		return DefaultUploadWorkers
	}
	return u.Workers
}

func (u *Uploader) retries() int {
	if u.Retries < 0 {
		return 0
	}
	if u.Retries == 0 {
		return DefaultUploadRetries
	}
	return u.Retries
}

func (u *Uploader) retryDelay() time.Duration {
	if u.RetryDelay <= 0 {
		return DefaultUploadRetryDelay
	}
	return u.RetryDelay
}

func (u *Uploader) logger() *zap.Logger {
	if u.Logger == nil {
		return zap.NewNop()
	}
	return u.Logger
}

func contentType(key string) string {
	if t := mime.TypeByExtension(filepath.Ext(key)); t != "" {
		return t
	}
	return "application/octet-stream"
}
