// Package watch reloads the guard manifest when it changes on disk.
package watch

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce collapses bursts of writes into one reload.
const DefaultDebounce = 500 * time.Millisecond

// ReloadFunc is called after the watched file settles.
type ReloadFunc func(path string) error

// FileWatcher watches one file through its directory, so replacing the file
// by rename is seen too.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	path     string
	reload   ReloadFunc
	debounce time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	timer *time.Timer
	done  chan struct{}
	wg    sync.WaitGroup
}

// New starts watching path. reload runs on its own goroutine, never
// concurrently with itself.
func New(path string, debounce time.Duration, reload ReloadFunc, logger *zap.Logger) (*FileWatcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch directory: %w", err)
	}

	fw := &FileWatcher{
		watcher:  w,
		path:     filepath.Clean(path),
		reload:   reload,
		debounce: debounce,
		logger:   logger,
		done:     make(chan struct{}),
	}
	fw.wg.Add(1)
	go fw.watch()
	return fw, nil
}

// Close stops watching and waits for an in-flight reload.
func (fw *FileWatcher) Close() error {
	close(fw.done)
	err := fw.watcher.Close()
	fw.mu.Lock()
	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.mu.Unlock()
	fw.wg.Wait()
	return err
}

func (fw *FileWatcher) watch() {
	defer fw.wg.Done()
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if fw.shouldHandle(event) {
				fw.schedule()
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error("watcher error", zap.Error(err))

		case <-fw.done:
			return
		}
	}
}

func (fw *FileWatcher) shouldHandle(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != fw.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

func (fw *FileWatcher) schedule() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.timer != nil {
		fw.timer.Reset(fw.debounce)
		return
	}
	fw.timer = time.AfterFunc(fw.debounce, fw.fire)
}

func (fw *FileWatcher) fire() {
	select {
	case <-fw.done:
		return
	default:
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	// Close may have run while this timer waited for the lock.
	select {
	case <-fw.done:
		return
	default:
	}
	if err := fw.reload(fw.path); err != nil {
		fw.logger.Warn("reload failed, keeping previous state",
			zap.String("path", fw.path),
			zap.Error(err),
		)
		return
	}
	fw.logger.Info("reloaded", zap.String("path", fw.path))
}
