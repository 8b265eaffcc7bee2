package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/sysaudio/internal/config"
)

const (
	watcherValidYAML = `
server:
  log_level: info
capture:
  backend: pulse
reference:
  lag: 30ms
`
	watcherUpdatedYAML = `
server:
  log_level: debug
capture:
  backend: miniaudio
reference:
  lag: 50ms
`
	watcherInvalidYAML = `
server:
  log_level: bananas
`
)

// change records the arguments of one ChangeFunc call.
type change struct {
	old, new *config.Config
	diff     config.ConfigDiff
}

// newWatcher writes content to a fresh file and watches it. Changes are
// delivered on the returned channel.
func newWatcher(t *testing.T, content string) (*config.Watcher, string, <-chan change) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sysaudio.yaml")
	writeFile(t, path, content)

	changes := make(chan change, 4)
	w, err := config.NewWatcher(path, func(old, new *config.Config, diff config.ConfigDiff) {
		changes <- change{old, new, diff}
	}, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	return w, path, changes
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

// bumpMtime moves the mtime forward so coarse filesystem timestamps cannot
// hide a rewrite.
func bumpMtime(t *testing.T, path string) {
	t.Helper()
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("touch %q: %v", path, err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _, _ := newWatcher(t, watcherValidYAML)

	cfg := w.Current()
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Stream.Buffer != config.DefaultStreamBuffer {
		t.Errorf("defaults not applied: buffer=%d", cfg.Stream.Buffer)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for non-existent file")
	}
}

func TestWatcher_ReloadAppliesChange(t *testing.T) {
	t.Parallel()
	w, path, changes := newWatcher(t, watcherValidYAML)
	writeFile(t, path, watcherUpdatedYAML)

	applied, err := w.Reload()
	if err != nil || !applied {
		t.Fatalf("Reload = %v, %v; want true, nil", applied, err)
	}

	c := <-changes
	if c.old.Server.LogLevel != config.LogInfo || c.new.Server.LogLevel != config.LogDebug {
		t.Errorf("log levels: old=%q new=%q", c.old.Server.LogLevel, c.new.Server.LogLevel)
	}
	if !c.diff.LogLevelChanged || !c.diff.ReferenceLagChanged {
		t.Errorf("diff missing hot-reloadable changes: %+v", c.diff)
	}
	if len(c.diff.RestartRequired) != 1 || c.diff.RestartRequired[0] != "capture.backend" {
		t.Errorf("RestartRequired = %v, want [capture.backend]", c.diff.RestartRequired)
	}
	if w.Current() != c.new {
		t.Error("Current does not return the applied config")
	}
	if w.Reloads() != 1 {
		t.Errorf("Reloads = %d, want 1", w.Reloads())
	}
}

func TestWatcher_ReloadUnchangedContent(t *testing.T) {
	t.Parallel()
	w, path, changes := newWatcher(t, watcherValidYAML)
	bumpMtime(t, path)

	applied, err := w.Reload()
	if err != nil || applied {
		t.Fatalf("Reload = %v, %v; want false, nil", applied, err)
	}
	if len(changes) != 0 || w.Reloads() != 0 {
		t.Errorf("touch-only reload applied a change")
	}
}

func TestWatcher_ReloadInvalidKeepsOldConfig(t *testing.T) {
	t.Parallel()
	w, path, changes := newWatcher(t, watcherValidYAML)
	before := w.Current()
	writeFile(t, path, watcherInvalidYAML)

	applied, err := w.Reload()
	if err == nil || applied {
		t.Fatalf("Reload = %v, %v; want false and an error", applied, err)
	}
	if len(changes) != 0 {
		t.Error("callback fired for an invalid file")
	}
	if w.Current() != before {
		t.Error("invalid file replaced the current config")
	}

	// Fixing the file is picked up on the next reload.
	writeFile(t, path, watcherUpdatedYAML)
	if applied, err := w.Reload(); err != nil || !applied {
		t.Fatalf("Reload after fix = %v, %v", applied, err)
	}
}

func TestWatcher_RunPollsUntilCancelled(t *testing.T) {
	t.Parallel()
	w, path, changes := newWatcher(t, watcherValidYAML)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeFile(t, path, watcherUpdatedYAML)
	bumpMtime(t, path)

	select {
	case c := <-changes:
		if c.new.Capture.Backend != "miniaudio" {
			t.Errorf("backend = %q, want miniaudio", c.new.Capture.Backend)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not pick up the change")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
