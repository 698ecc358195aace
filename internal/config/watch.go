package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/edgeproxy/edgeproxy/internal/configstore"
)

// FileChangeSource implements configstore.ChangeSource by watching a
// config file on disk with fsnotify and rebuilding the Bundle on every
// write/create event. Next never returns the already-loaded initial
// bundle, only bundles built after a later file event; callers should seed
// the Store with an initial Build() result and pass FileChangeSource only
// to Watch for subsequent reloads.
type FileChangeSource struct {
	path    string
	watcher *fsnotify.Watcher

	// prevBundle returns the store's current bundle, so a reload can carry
	// its subscription cache and retry budget forward rather than rebuild
	// them from scratch.
	prevBundle func() *configstore.Bundle
}

// NewFileChangeSource creates a FileChangeSource watching path's directory
// (watching the directory, not the file, survives editors that replace the
// file via rename-on-save rather than in-place write).
func NewFileChangeSource(path string, prevBundle func() *configstore.Bundle) (*FileChangeSource, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching config directory %q: %w", dir, err)
	}
	return &FileChangeSource{path: path, watcher: watcher, prevBundle: prevBundle}, nil
}

// Close releases the underlying filesystem watch.
func (s *FileChangeSource) Close() error {
	return s.watcher.Close()
}

// Next blocks until a write/create event targets the watched file, then
// rebuilds and returns the new Bundle. Returns an error (without swapping
// the bundle) when the new file content fails to parse or validate.
func (s *FileChangeSource) Next(ctx context.Context) (*configstore.Bundle, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case event, ok := <-s.watcher.Events:
			if !ok {
				return nil, fmt.Errorf("config watcher closed")
			}
			if !sameFile(event.Name, s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			return s.rebuild()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil, fmt.Errorf("config watcher closed")
			}
			return nil, fmt.Errorf("config watcher: %w", err)
		}
	}
}

func (s *FileChangeSource) rebuild() (*configstore.Bundle, error) {
	cfg, err := Load(s.path)
	if err != nil {
		return nil, err
	}
	var prev *configstore.Bundle
	if s.prevBundle != nil {
		prev = s.prevBundle()
	}
	return Build(cfg, prev)
}

func sameFile(a, b string) bool {
	return a == b || filepath.Base(a) == filepath.Base(b)
}
