package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/studyloop/pulse/internal/store"
	"github.com/studyloop/pulse/pkg/models"
)

// PreferenceFile syncs a PreferenceStore with a JSON document on disk: a
// flat array of preference objects keyed by identity. Load reads it once;
// Watch keeps the store in sync while the file is edited, replacing the
// whole set atomically on every change.
type PreferenceFile struct {
	path     string
	store    store.PreferenceStore
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPreferenceFile wires a loader for the JSON document at path.
func NewPreferenceFile(path string, st store.PreferenceStore, logger *slog.Logger) *PreferenceFile {
	if logger == nil {
		logger = slog.Default()
	}
	return &PreferenceFile{
		path:     filepath.Clean(path),
		store:    st,
		logger:   logger,
		debounce: 250 * time.Millisecond,
	}
}

// Load reads the file and replaces the store's contents with it. A missing
// file clears the store, so every identity falls back to the defaults;
// entries with no identity or unparseable quiet hours are skipped with a
// warning. A file that fails to read or parse leaves the store untouched.
func (f *PreferenceFile) Load(ctx context.Context) error {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			f.logger.Info("preference file absent, using defaults", "path", f.path)
			return f.store.Replace(ctx, nil)
		}
		return fmt.Errorf("read %s: %w", f.path, err)
	}

	var prefs []*models.Preference
	if err := json.Unmarshal(raw, &prefs); err != nil {
		return fmt.Errorf("parse %s: %w", f.path, err)
	}

	valid := make([]*models.Preference, 0, len(prefs))
	for _, p := range prefs {
		if p == nil || p.Identity == "" {
			f.logger.Warn("skipping preference with no identity", "path", f.path)
			continue
		}
		if err := p.ValidateQuietHours(); err != nil {
			f.logger.Warn("skipping preference with bad quiet hours", "identity", p.Identity, "error", err)
			continue
		}
		valid = append(valid, p)
	}
	if err := f.store.Replace(ctx, valid); err != nil {
		return fmt.Errorf("replace preferences: %w", err)
	}
	f.logger.Info("preferences loaded", "path", f.path, "count", len(valid))
	return nil
}

// Watch starts following the file for changes. Edits are debounced and
// reloaded in the background until ctx is cancelled or Close is called.
// Calling Watch twice is a no-op.
func (f *PreferenceFile) Watch(ctx context.Context) error {
	f.mu.Lock()
	if f.watcher != nil {
		f.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		f.mu.Unlock()
		return err
	}
	// Watch the directory, not the file: editors and atomic writers
	// replace the file by rename, which would orphan a file-level watch.
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		f.mu.Unlock()
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(f.path), err)
	}
	f.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.mu.Unlock()

	f.wg.Add(1)
	go f.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops the watcher and waits for the watch loop to exit.
func (f *PreferenceFile) Close() error {
	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	watcher := f.watcher
	f.watcher = nil
	f.mu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	f.wg.Wait()
	return nil
}

func (f *PreferenceFile) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer f.wg.Done()

	debounce := f.debounce
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			if err := f.Load(context.Background()); err != nil {
				f.logger.Warn("preference reload failed, keeping previous set", "error", err)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn("preference watch error", "error", err)
		}
	}
}
