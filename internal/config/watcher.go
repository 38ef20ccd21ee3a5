package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const debounceDelay = 100 * time.Millisecond

// Watcher reloads the config file when it changes and hands the new config
// to registered callbacks. Only settings read by callbacks take effect; the
// running process does not rebuild its backends or its scoring pipeline.
type Watcher struct {
	path     string
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	onChange []func(*domain.Config)
	ctx      context.Context
	cancel   context.CancelFunc
	errChan  chan error
}

// NewWatcher creates a watcher for path. Call Start to begin watching.
func NewWatcher(path string) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		path:    path,
		ctx:     ctx,
		cancel:  cancel,
		errChan: make(chan error, 1),
	}
}

// OnChange registers a callback invoked with each valid reloaded config.
func (w *Watcher) OnChange(cb func(*domain.Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, cb)
}

// Start watches the directory containing the config file, so editors that
// replace the file by rename are still observed.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	w.watcher = fw

	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	var debounce *time.Timer

	for {
		select {
		case <-w.ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.report(err)
		}
	}
}

// reload applies a changed file. An invalid file is reported and ignored.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Warn("config reload rejected", "path", w.path, "error", err)
		w.report(fmt.Errorf("reload config: %w", err))
		return
	}

	w.mu.Lock()
	callbacks := append([]func(*domain.Config){}, w.onChange...)
	w.mu.Unlock()

	for _, cb := range callbacks {
		cb(cfg)
	}
	slog.Info("config reloaded", "path", w.path)
}

func (w *Watcher) report(err error) {
	select {
	case w.errChan <- err:
	default:
	}
}

// Errors returns reload and watch errors. Errors are dropped while the
// channel is full.
func (w *Watcher) Errors() <-chan error {
	return w.errChan
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.cancel()
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
