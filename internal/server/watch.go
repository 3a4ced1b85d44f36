package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// settle is how long the checkpoint must stay quiet before a reload.
const settle = 200 * time.Millisecond

// Watch reloads the predictor whenever the checkpoint file is created,
// written or renamed into place. It returns when ctx is done.
func (s *Server) Watch(ctx context.Context) error {
	path, err := filepath.Abs(s.cfg.Train.CheckpointPath)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("server: watch %s: %w", dir, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("server: watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("server: watch %s: %w", dir, err)
	}
	s.log.Info("watching checkpoint", zap.String("path", path))

	timer := time.NewTimer(settle)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename) {
				timer.Reset(settle)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("watcher error", zap.Error(err))
		case <-timer.C:
			if err := s.Reload(); err != nil {
				s.log.Error("reload failed, keeping previous model", zap.Error(err))
			}
		}
	}
}
