package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of filesystem events an editor
// emits when saving a file into one reload.
const reloadDebounce = 500 * time.Millisecond

// Watcher reloads the config file when it changes on disk. A reload
// that fails to parse or validate is logged and discarded; the holder
// keeps the last good config.
type Watcher struct {
	holder   *Holder
	onReload func(*Config)
	logger   *slog.Logger

	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a watcher over the holder's config path. onReload
// runs after each successful reload with the new snapshot; it may be
// nil.
func NewWatcher(holder *Holder, onReload func(*Config), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{holder: holder, onReload: onReload, logger: logger}
}

// Start begins watching. It watches the containing directory rather
// than the file itself because editors typically replace the file,
// which drops a watch registered on the old inode.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: creating watcher: %w", err)
	}

	dir := filepath.Dir(w.holder.Path())
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("config: watching %s: %w", dir, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.fsw = fsw
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.run(ctx)

	return nil
}

// Stop ends the watch and waits for the loop to exit.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}

	w.cancel()
	<-w.done
	_ = w.fsw.Close()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	var (
		debounce *time.Timer
		fire     <-chan time.Time
	)

	target := filepath.Clean(w.holder.Path())

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != target {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				debounce.Reset(reloadDebounce)
			}

			fire = debounce.C

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}

			w.logger.Warn("config watcher error", slog.String("error", err.Error()))

		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.holder.Path())
	if err != nil {
		w.logger.Error("config reload failed, keeping previous config",
			slog.String("path", w.holder.Path()),
			slog.String("error", err.Error()),
		)

		return
	}

	w.holder.Update(cfg)
	w.logger.Info("config reloaded", slog.String("path", w.holder.Path()))

	if w.onReload != nil {
		w.onReload(cfg)
	}
}
