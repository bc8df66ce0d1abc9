package vcpu

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ImageWatcher reloads the CPU whenever the image file is rewritten.
type ImageWatcher struct {
	w        *fsnotify.Watcher
	cpu      *CPU
	path     string
	logger   *slog.Logger
	reloaded chan error
	done     chan struct{}
}

// WatchImage watches the directory holding path so that editors and linkers
// replacing the file are noticed too.
func WatchImage(cpu *CPU, path string, logger *slog.Logger) (*ImageWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	iw := &ImageWatcher{
		w:        w,
		cpu:      cpu,
		path:     abs,
		logger:   logger.With("component", "image-watcher", "path", abs),
		reloaded: make(chan error, 16),
		done:     make(chan struct{}),
	}
	go iw.loop()
	return iw, nil
}

func (iw *ImageWatcher) loop() {
	defer close(iw.done)
	for {
		select {
		case ev, ok := <-iw.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != iw.path || ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			data, err := os.ReadFile(iw.path)
			if err == nil && len(data) == 0 {
				// truncated, the write follows
				continue
			}
			if err == nil {
				err = iw.cpu.LoadBytes(data)
			}
			if err != nil {
				iw.logger.Warn("image reload failed", "err", err)
			} else {
				iw.logger.Info("image reloaded", "bytes", len(data))
			}
			select {
			case iw.reloaded <- err:
			default:
			}
		case err, ok := <-iw.w.Errors:
			if !ok {
				return
			}
			iw.logger.Warn("watch error", "err", err)
		}
	}
}

// Reloaded reports the outcome of each reload attempt. Outcomes are dropped
// when nobody drains the channel.
func (iw *ImageWatcher) Reloaded() <-chan error { return iw.reloaded }

// Close stops watching.
func (iw *ImageWatcher) Close() error {
	err := iw.w.Close()
	<-iw.done
	return err
}
