package devloop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher monitors the project source tree using filesystem events or
// polling. Changes are debounced before onChanged fires.
type Watcher struct {
	watcher      *fsnotify.Watcher
	debouncer    *Debouncer
	root         string
	pollingMode  bool
	pollInterval time.Duration
	lastScan     treeState
	log          *zap.Logger
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// treeState summarizes a polling scan; any difference counts as a change.
type treeState struct {
	files   int
	lastMod time.Time
}

// skipDir filters directories that never hold user source.
func skipDir(name string) bool {
	return strings.HasPrefix(name, ".") || name == "node_modules" || name == "__pycache__" || name == "dist"
}

// NewWatcher creates a watcher over root. onChanged fires after the quiet
// interval. Falls back to polling when fsnotify is unavailable, unless
// MOOSE_WATCHER_FALLBACK is disabled.
func NewWatcher(root string, quiet time.Duration, onChanged func(), log *zap.Logger) (*Watcher, error) {
	w := &Watcher{
		root:         root,
		debouncer:    NewDebouncer(quiet, onChanged),
		pollInterval: 5 * time.Second,
		log:          log,
	}

	fallbackEnv := os.Getenv("MOOSE_WATCHER_FALLBACK")
	fallbackDisabled := fallbackEnv == "false" || fallbackEnv == "0"

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		if fallbackDisabled {
			return nil, fmt.Errorf("fsnotify unavailable and MOOSE_WATCHER_FALLBACK is disabled: %w", err)
		}
		log.Warn("fsnotify unavailable, falling back to polling",
			zap.Error(err), zap.Duration("interval", w.pollInterval))
		w.pollingMode = true
		w.lastScan = w.scanTree()
		return w, nil
	}
	w.watcher = fsw

	if err := w.addTree(root); err != nil {
		_ = fsw.Close()
		if fallbackDisabled {
			return nil, fmt.Errorf("watching %s failed and MOOSE_WATCHER_FALLBACK is disabled: %w", root, err)
		}
		log.Warn("watching source tree failed, falling back to polling",
			zap.Error(err), zap.Duration("interval", w.pollInterval))
		w.watcher = nil
		w.pollingMode = true
		w.lastScan = w.scanTree()
	}
	return w, nil
}

// addTree watches root and every non-skipped subdirectory. fsnotify watches
// are not recursive.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && skipDir(d.Name()) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

// Start begins monitoring until ctx is cancelled. Call once.
func (w *Watcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	if w.pollingMode {
		w.startPolling(ctx)
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				base := filepath.Base(event.Name)
				if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
					continue
				}
				// A created directory needs its own watch before events from
				// inside it arrive.
				if event.Op&fsnotify.Create != 0 {
					if stat, err := os.Stat(event.Name); err == nil && stat.IsDir() {
						if !skipDir(base) {
							_ = w.watcher.Add(event.Name)
						}
						continue
					}
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					w.log.Debug("source change detected", zap.String("path", event.Name))
					w.debouncer.Trigger()
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.log.Warn("watcher error", zap.Error(err))
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (w *Watcher) startPolling(ctx context.Context) {
	w.log.Info("polling source tree", zap.Duration("interval", w.pollInterval))
	ticker := time.NewTicker(w.pollInterval)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if scan := w.scanTree(); scan != w.lastScan {
					w.lastScan = scan
					w.log.Debug("source change detected (polling)")
					w.debouncer.Trigger()
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// scanTree walks the source tree collecting file count and newest mod time.
func (w *Watcher) scanTree() treeState {
	var state treeState
	_ = filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != w.root && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		state.files++
		if info, err := d.Info(); err == nil && info.ModTime().After(state.lastMod) {
			state.lastMod = info.ModTime()
		}
		return nil
	})
	return state
}

// Close stops the watcher and waits for its goroutines.
func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.debouncer.Cancel()
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
