package watch

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestFileWatcher_DebouncedReload(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	dir := t.TempDir()
	path := filepath.Join(dir, "result.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	reloaded := make(chan string, 10)
	fw, err := New(path, 50*time.Millisecond, func(p string) error {
		calls.Add(1)
		reloaded <- p
		return nil
	}, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer fw.Close()

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte(`{"tools":{}}`), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case p := <-reloaded:
		if p != filepath.Clean(path) {
			t.Fatalf("unexpected path %s", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected a reload")
	}

	time.Sleep(200 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected 1 debounced reload, got %d", n)
	}
}

func TestFileWatcher_NoReloadAfterClose(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	path := filepath.Join(t.TempDir(), "result.json")

	var calls atomic.Int32
	fw, err := New(path, time.Hour, func(string) error {
		calls.Add(1)
		return nil
	}, logger)
	if err != nil {
		t.Fatal(err)
	}

	// A timer that fired just before Close waits on the lock Close takes.
	fw.mu.Lock()
	fired := make(chan struct{})
	go func() {
		fw.fire()
		close(fired)
	}()
	time.Sleep(50 * time.Millisecond)
	closed := make(chan struct{})
	go func() {
		_ = fw.Close()
		close(closed)
	}()
	time.Sleep(50 * time.Millisecond)
	fw.mu.Unlock()

	<-closed
	<-fired
	if n := calls.Load(); n != 0 {
		t.Fatalf("expected no reload after Close, got %d", n)
	}
}

func TestFileWatcher_IgnoresOtherFiles(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	dir := t.TempDir()

	var calls atomic.Int32
	fw, err := New(filepath.Join(dir, "result.json"), 20*time.Millisecond, func(string) error {
		calls.Add(1)
		return nil
	}, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer fw.Close()

	if err := os.WriteFile(filepath.Join(dir, "spec_book_reservation.json"), []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Fatalf("expected no reload, got %d", n)
	}
}

func TestFileWatcher_ReloadErrorKeepsWatching(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	path := filepath.Join(t.TempDir(), "result.json")

	attempts := make(chan struct{}, 10)
	fw, err := New(path, 20*time.Millisecond, func(string) error {
		attempts <- struct{}{}
		return errors.New("no guard linked for tool")
	}, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer fw.Close()

	for i := 0; i < 2; i++ {
		if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
			t.Fatal(err)
		}
		select {
		case <-attempts:
		case <-time.After(3 * time.Second):
			t.Fatalf("expected reload attempt %d", i+1)
		}
	}
}

func TestNew_MissingDirectory(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	_, err := New(filepath.Join(t.TempDir(), "missing", "result.json"), 0, func(string) error { return nil }, logger)
	if err == nil {
		t.Fatal("expected error for a missing directory")
	}
}
