package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kifi/eddie/internal/lock"
)

// setupHost writes a config whose store and cache live under a temp dir and
// points the global configPath at it.
func setupHost(t *testing.T) (run, holding, lockDir string) {
	t.Helper()
	t.Setenv("EDDIE_NO_INHERIT", "1")

	dir := t.TempDir()
	run = filepath.Join(dir, "run")
	holding = filepath.Join(dir, "old")
	lockDir = filepath.Join(dir, "locks")
	builds := filepath.Join(dir, "builds")
	if err := os.MkdirAll(builds, 0755); err != nil {
		t.Fatal(err)
	}

	cfgPath := filepath.Join(dir, "eddie.yaml")
	content := fmt.Sprintf(`version: 1
store:
  type: dir
  path: %s
paths:
  work: %s
  run: %s
  holding: %s
  lock_dir: %s
retention:
  active: 2
  holding: 1
registry:
  type: static
  hosts:
    - name: b01
      service: svc
`, builds, filepath.Join(dir, "work"), run, holding, lockDir)
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	old := configPath
	configPath = cfgPath
	t.Cleanup(func() { configPath = old })
	return run, holding, lockDir
}

func makeBuilds(t *testing.T, run string, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := os.MkdirAll(filepath.Join(run, n, "app"), 0755); err != nil {
			t.Fatal(err)
		}
	}
}

func TestPruneKeepsActiveBuild(t *testing.T) {
	run, holding, _ := setupHost(t)
	makeBuilds(t, run,
		"svc-20240101-0900-x-aaa111",
		"svc-20240102-0900-x-bbb222",
		"svc-20240103-0900-x-ccc333",
		"svc-20240104-0900-x-ddd444",
	)
	// Running an old build after a rollback.
	if err := os.Symlink("svc-20240101-0900-x-aaa111/app", filepath.Join(run, "svc")); err != nil {
		t.Fatal(err)
	}

	if err := pruneCmd.RunE(pruneCmd, []string{"svc"}); err != nil {
		t.Fatalf("prune: %v", err)
	}

	for _, keep := range []string{"svc-20240101-0900-x-aaa111", "svc-20240103-0900-x-ccc333", "svc-20240104-0900-x-ddd444"} {
		if _, err := os.Stat(filepath.Join(run, keep)); err != nil {
			t.Errorf("%s should still be in the cache: %v", keep, err)
		}
	}
	if _, err := os.Stat(filepath.Join(run, "svc-20240102-0900-x-bbb222")); !os.IsNotExist(err) {
		t.Error("bbb222 should have been retired")
	}

	held, err := os.ReadDir(holding)
	if err != nil {
		t.Fatal(err)
	}
	if len(held) != 1 || !strings.HasPrefix(held[0].Name(), "svc-20240102-0900-x-bbb222.") {
		t.Errorf("holding area = %v, want the retired bbb222", held)
	}
}

func TestPruneRefusesDuringDeploy(t *testing.T) {
	_, _, lockDir := setupHost(t)

	l := lock.ForKind(lockDir, "svc")
	if err := l.TryLock(); err != nil {
		t.Fatal(err)
	}
	defer l.Unlock()

	err := pruneCmd.RunE(pruneCmd, []string{"svc"})
	if err == nil || !strings.Contains(err.Error(), "in progress") {
		t.Errorf("expected lock contention error, got %v", err)
	}
}
