package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadDebounce absorbs the write bursts editors and config management
// tools produce when rewriting a file.
const reloadDebounce = 250 * time.Millisecond

// Watcher reloads the configuration file when it changes on disk and hands
// each valid reload to a callback. Invalid intermediate states are logged
// and skipped, so the running daemon never picks up a broken config.
type Watcher struct {
	path     string
	logger   *zap.Logger
	onChange func(*Config)

	watcher *fsnotify.Watcher

	mu       sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher for path. onChange runs on the watcher
// goroutine for every successful reload.
func NewWatcher(path string, logger *zap.Logger, onChange func(*Config)) *Watcher {
	return &Watcher{
		path:     path,
		logger:   logger,
		onChange: onChange,
	}
}

// Start begins watching. The parent directory is watched rather than the
// file itself so atomic rename-over-the-top rewrites are seen.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return err
	}

	w.mu.Lock()
	w.watcher = fw
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.run(fw)

	w.logger.Info("Watching config file", zap.String("path", w.path))
	return nil
}

// Stop stops the watcher. Safe to call multiple times.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		fw, done := w.watcher, w.done
		w.mu.Unlock()
		if fw != nil {
			fw.Close()
		}
		if done != nil {
			<-done
		}
	})
}

func (w *Watcher) run(fw *fsnotify.Watcher) {
	defer close(w.done)

	var (
		pending bool
		timer   = time.NewTimer(reloadDebounce)
	)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending && !timer.Stop() {
				<-timer.C
			}
			pending = true
			timer.Reset(reloadDebounce)

		case <-timer.C:
			pending = false
			w.reload()

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("Ignoring config reload", zap.Error(err))
		return
	}
	w.logger.Info("Config reloaded",
		zap.String("path", w.path),
		zap.Int("profiles", len(cfg.Profiles)),
	)
	w.onChange(cfg)
}
