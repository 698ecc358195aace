package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgeproxy/edgeproxy/internal/configstore"
)

func TestFileChangeSourceRebuildsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatalf("writing initial config: %v", err)
	}

	src, err := NewFileChangeSource(path, func() *configstore.Bundle { return nil })
	if err != nil {
		t.Fatalf("NewFileChangeSource: %v", err)
	}
	defer src.Close()

	done := make(chan struct{})
	var bundle *configstore.Bundle
	var nextErr error
	go func() {
		bundle, nextErr = src.Next(context.Background())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond) // let the watcher establish before the write
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for FileChangeSource to observe the write")
	}

	if nextErr != nil {
		t.Fatalf("Next returned error: %v", nextErr)
	}
	if bundle == nil {
		t.Fatal("expected a rebuilt bundle")
	}
}

func TestFileChangeSourceStopsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatalf("writing initial config: %v", err)
	}

	src, err := NewFileChangeSource(path, nil)
	if err != nil {
		t.Fatalf("NewFileChangeSource: %v", err)
	}
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := src.Next(ctx); err == nil {
		t.Fatal("expected Next to return an error when ctx is already cancelled")
	}
}
