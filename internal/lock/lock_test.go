package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
)

func TestTryLockExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc.lock")
	a := New(path)
	b := New(path)

	if err := a.TryLock(); err != nil {
		t.Fatalf("first TryLock: %v", err)
	}
	err := b.TryLock()
	if !errors.Is(err, ErrContended) {
		t.Fatalf("second TryLock: expected ErrContended, got %v", err)
	}
	if b.Held() {
		t.Error("contended lock reports held")
	}

	if err := a.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := b.TryLock(); err != nil {
		t.Fatalf("TryLock after release: %v", err)
	}
	_ = b.Unlock()
}

func TestTryLockConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc.lock")

	const n = 8
	locks := make([]*FileLock, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range locks {
		locks[i] = New(path)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = locks[i].TryLock()
		}(i)
	}
	wg.Wait()

	won := 0
	for i, err := range errs {
		switch {
		case err == nil:
			won++
			defer locks[i].Unlock()
		case !errors.Is(err, ErrContended):
			t.Errorf("unexpected error: %v", err)
		}
	}
	if won != 1 {
		t.Errorf("%d holders, want exactly 1", won)
	}
}

func TestTryLockTwiceSameHandle(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "svc.lock"))
	if err := l.TryLock(); err != nil {
		t.Fatal(err)
	}
	defer l.Unlock()
	if err := l.TryLock(); err == nil {
		t.Error("expected error re-acquiring a held lock")
	}
}

func TestUnlockNotHeld(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "svc.lock"))
	if err := l.Unlock(); err != nil {
		t.Errorf("Unlock on unheld lock: %v", err)
	}
}

func TestForKindCreatesDirAndRecordsPID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "locks")
	l := ForKind(dir, "shoebox")
	if l.Path() != filepath.Join(dir, "shoebox.lock") {
		t.Errorf("Path = %s", l.Path())
	}
	if err := l.TryLock(); err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	defer l.Unlock()

	data, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != strconv.Itoa(os.Getpid()) {
		t.Errorf("lock file content = %q", data)
	}
}
