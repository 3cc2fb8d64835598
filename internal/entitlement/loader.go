package entitlement

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"

	"github.com/mozaiks/core/pkg/runtime"
)

// FileLoader watches a directory of per-app_id manifest JSON files and
// syncs them into a Store on startup and on every write/create event,
// for self-host deployments with no platform push channel.
type FileLoader struct {
	Dir     string
	Store   *Store
	Logger  *slog.Logger
	watcher *fsnotify.Watcher
}

// LoadAll reads every *.json file in Dir and syncs it into the store.
func (l *FileLoader) LoadAll(ctx context.Context) error {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		return fmt.Errorf("entitlement: read manifest dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := l.loadFile(ctx, l.Dir+"/"+entry.Name()); err != nil {
			l.log().Warn("skipping invalid manifest file", "file", entry.Name(), "error", err)
		}
	}
	return nil
}

func (l *FileLoader) loadFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	manifest := &runtime.Manifest{}
	if err := json.Unmarshal(data, manifest); err != nil {
		return fmt.Errorf("decode manifest: %w", err)
	}
	manifest.Source = runtime.SourceFile
	return l.Store.Sync(ctx, manifest)
}

// Watch starts a background fsnotify watch on Dir, reloading any
// changed manifest file until ctx is cancelled.
func (l *FileLoader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("entitlement: start manifest watcher: %w", err)
	}
	l.watcher = watcher
	if err := watcher.Add(l.Dir); err != nil {
		watcher.Close()
		return fmt.Errorf("entitlement: watch manifest dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := l.loadFile(ctx, event.Name); err != nil {
					l.log().Warn("failed to reload manifest", "file", event.Name, "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.log().Warn("manifest watcher error", "error", err)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher if one is running.
func (l *FileLoader) Close() error {
	if l.watcher == nil {
		return nil
	}
	return l.watcher.Close()
}

func (l *FileLoader) log() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}
