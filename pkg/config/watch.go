package config

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/petec4244/ai3orchestrator/pkg/logger"
	"github.com/petec4244/ai3orchestrator/pkg/registry"
)

// Watcher hot-reloads a capabilities file into a registry whenever the
// file is written. It watches the file's containing directory rather
// than the file itself, since editors and atomic config pushers often
// replace a file via rename rather than an in-place write, which a
// direct file watch misses once the original inode is gone.
type Watcher struct {
	path    string
	reg     *registry.Registry
	log     logger.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchCapabilities starts watching path's directory and swaps reg's
// capability table in on every write or create event naming path. The
// returned Watcher must be closed to stop the background goroutine.
func WatchCapabilities(path string, reg *registry.Registry, log logger.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: creating watcher: %v", ErrConfig, err)
	}

	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("%w: watching %s: %v", ErrConfig, dir, err)
	}

	w := &Watcher{path: filepath.Clean(path), reg: reg, log: log, watcher: fsw, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := w.reload(); err != nil {
				w.log.Warn("capabilities hot-reload failed", logger.Field{Key: "path", Value: w.path}, logger.Field{Key: "error", Value: err.Error()})
				continue
			}
			w.log.Info("capabilities hot-reloaded", logger.Field{Key: "path", Value: w.path})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("capabilities watcher error", logger.Field{Key: "error", Value: err.Error()})
		}
	}
}

func (w *Watcher) reload() error {
	capsFile, err := LoadCapabilities(w.path)
	if err != nil {
		return err
	}
	order, err := ModelOrder(w.path)
	if err != nil {
		return err
	}
	w.reg.Load(capsFile.Models, order)
	return nil
}

// Close stops the watcher and waits for its background goroutine to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
