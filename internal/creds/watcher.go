package creds

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch invokes fn with freshly loaded credentials whenever the credential
// file is rewritten. The parent directory is watched rather than the file
// itself so the rename-into-place that Save performs keeps being observed.
// The returned stop function releases the watcher.
func (s *Store) Watch(log *zap.Logger, fn func(*Credentials)) (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		w.Close()
		return nil, err
	}
	go func() {
		var last time.Time
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				// Editors and atomic writers fire several events per save.
				if time.Since(last) < 200*time.Millisecond {
					continue
				}
				last = time.Now()
				c, err := s.Load()
				if err != nil {
					log.Warn("credential file changed but is unreadable", zap.Error(err))
					continue
				}
				log.Info("credential file changed", zap.String("path", s.path))
				fn(c)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("credential watcher error", zap.Error(err))
			}
		}
	}()
	return func() { _ = w.Close() }, nil
}
