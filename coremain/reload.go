package coremain

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDelay = 500 * time.Millisecond

// configWatcher calls reload after the config file was changed. Editors
// often replace files on save, so the directory is watched instead of the
// file itself.
type configWatcher struct {
	file    string
	delay   time.Duration
	reload  func(file string) error
	logger  *zap.Logger
	watcher *fsnotify.Watcher
}

func newConfigWatcher(file string, reload func(file string) error, lg *zap.Logger) (*configWatcher, error) {
	abs, err := filepath.Abs(file)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher, %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s, %w", filepath.Dir(abs), err)
	}
	return &configWatcher{
		file:    abs,
		delay:   reloadDelay,
		reload:  reload,
		logger:  lg,
		watcher: w,
	}, nil
}

// run blocks until ctx is done. Bursts of events are merged into one
// reload.
func (w *configWatcher) run(ctx context.Context) error {
	defer w.watcher.Close()

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case e, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(e.Name) != w.file || e.Has(fsnotify.Chmod) {
				continue
			}
			timer.Reset(w.delay)

		case <-timer.C:
			if err := w.reload(w.file); err != nil {
				w.logger.Error("failed to reload config, keeping the current one", zap.String("file", w.file), zap.Error(err))
				continue
			}
			w.logger.Info("config reloaded", zap.String("file", w.file))

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", zap.Error(err))

		case <-ctx.Done():
			return nil
		}
	}
}
