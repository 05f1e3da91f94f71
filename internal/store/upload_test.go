package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeMultipart struct {
	mu        sync.Mutex
	parts     map[int32][]byte
	attempts  map[int32]int
	failTimes map[int32]int // part -> number of failures before success; -1 = always
	completed bool
	aborted   bool
}

func newFakeMultipart() *fakeMultipart {
	return &fakeMultipart{
		parts:     make(map[int32][]byte),
		attempts:  make(map[int32]int),
		failTimes: make(map[int32]int),
	}
}

func (f *fakeMultipart) CreateMultipart(ctx context.Context, key, contentType string) (string, error) {
	return "upload-1", nil
}

func (f *fakeMultipart) UploadPart(ctx context.Context, key, uploadID string, part int32, body io.ReadSeeker, size int64) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[part]++
	if n, ok := f.failTimes[part]; ok && (n < 0 || f.attempts[part] <= n) {
		return "", errors.New("transient failure")
	}
	if int64(len(data)) != size {
		return "", errors.New("short body")
	}
	f.parts[part] = data
	return "etag", nil
}

func (f *fakeMultipart) CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = true
	return nil
}

func (f *fakeMultipart) AbortMultipart(ctx context.Context, key, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = true
	return nil
}

func writeSizedFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := bytes.Repeat([]byte("0123456789abcdef"), size/16+1)[:size]
	path := filepath.Join(t.TempDir(), "asset.zip")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path, data
}

func TestChunkSize(t *testing.T) {
	tests := []struct {
		size int64
		want int64
	}{
		{0, MinChunkSize},
		{1024, MinChunkSize},
		{MinChunkSize, MinChunkSize},
		{4 * MinChunkSize, 2 * MinChunkSize},
		{100 * MinChunkSize, 10 * MinChunkSize},
	}
	for _, tt := range tests {
		if got := ChunkSize(tt.size); got != tt.want {
			t.Errorf("ChunkSize(%d) = %d, want %d", tt.size, got, tt.want)
		}
	}
}

func TestChunkCount(t *testing.T) {
	if got := ChunkCount(0, MinChunkSize); got != 1 {
		t.Errorf("ChunkCount(0) = %d, want 1", got)
	}
	if got := ChunkCount(MinChunkSize, MinChunkSize); got != 1 {
		t.Errorf("exact multiple = %d, want 1", got)
	}
	if got := ChunkCount(MinChunkSize+1, MinChunkSize); got != 2 {
		t.Errorf("one byte over = %d, want 2", got)
	}
}

func TestUploadAssemblesAllParts(t *testing.T) {
	size := int(4*MinChunkSize) + 100
	path, data := writeSizedFile(t, size)
	fake := newFakeMultipart()

	u := &Uploader{Backend: fake, Workers: 3, RetryDelay: time.Millisecond}
	if err := u.Upload(context.Background(), path, "asset.zip"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !fake.completed || fake.aborted {
		t.Fatalf("completed=%v aborted=%v", fake.completed, fake.aborted)
	}

	chunk := ChunkSize(int64(size))
	count := ChunkCount(int64(size), chunk)
	var joined []byte
	for i := 1; i <= count; i++ {
		joined = append(joined, fake.parts[int32(i)]...)
	}
	if !bytes.Equal(joined, data) {
		t.Error("reassembled parts differ from the source file")
	}
}

func TestUploadRetriesTransientFailures(t *testing.T) {
	path, _ := writeSizedFile(t, 1024)
	fake := newFakeMultipart()
	fake.failTimes[1] = 3

	u := &Uploader{Backend: fake, RetryDelay: time.Millisecond}
	if err := u.Upload(context.Background(), path, "asset.zip"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if fake.attempts[1] != 4 {
		t.Errorf("attempts = %d, want 4", fake.attempts[1])
	}
	if !fake.completed {
		t.Error("upload should complete")
	}
}

func TestUploadAbortsAfterRetriesExhausted(t *testing.T) {
	path, _ := writeSizedFile(t, 1024)
	fake := newFakeMultipart()
	fake.failTimes[1] = -1

	u := &Uploader{Backend: fake, RetryDelay: time.Millisecond}
	err := u.Upload(context.Background(), path, "asset.zip")

	var ue *UploadError
	if !errors.As(err, &ue) {
		t.Fatalf("expected *UploadError, got %v", err)
	}
	if ue.Uploaded != 0 || ue.Expected != 1 {
		t.Errorf("Uploaded=%d Expected=%d", ue.Uploaded, ue.Expected)
	}
	if fake.attempts[1] != DefaultUploadRetries+1 {
		t.Errorf("attempts = %d, want %d", fake.attempts[1], DefaultUploadRetries+1)
	}
	if !fake.aborted || fake.completed {
		t.Errorf("completed=%v aborted=%v", fake.completed, fake.aborted)
	}
}

func TestUploadToDirBackend(t *testing.T) {
	path, data := writeSizedFile(t, int(MinChunkSize)+10)
	root := t.TempDir()

	u := &Uploader{Backend: &DirBackend{Root: root}}
	if err := u.Upload(context.Background(), path, "svc-20240101-0900-x-aaa111.zip"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(root, "svc-20240101-0900-x-aaa111.zip"))
	if err != nil {
		t.Fatalf("reading uploaded object: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("uploaded object differs from source")
	}
	if _, err := os.Stat(filepath.Join(root, uploadsDir)); err == nil {
		entries, _ := os.ReadDir(filepath.Join(root, uploadsDir))
		if len(entries) != 0 {
			t.Errorf("upload staging not cleaned: %d entries", len(entries))
		}
	}
}

func TestContentType(t *testing.T) {
	if got := contentType("x.json"); got != "application/json" {
		t.Errorf("json content type = %s", got)
	}
	if got := contentType("x.unknownext"); got != "application/octet-stream" {
		t.Errorf("fallback content type = %s", got)
	}
}
