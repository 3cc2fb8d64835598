package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/mozaiks/core/pkg/runtime"
)

// Compiled pairs a loaded bundle with its structured-output validator,
// the unit cached per (app_id, workflow_name).
type Compiled struct {
	Bundle    *runtime.Bundle
	Validator *Validator
	modTime   int64
}

type cacheKey struct {
	appID string
	name  string
}

// Cache resolves workflow bundles from a directory tree laid out as
// <root>/<app_id>/<workflow_name>.yaml, keeping compiled bundles warm
// until the backing file's mtime changes or the entry is explicitly
// invalidated.
type Cache struct {
	root string

	mu      sync.RWMutex
	entries map[cacheKey]*Compiled

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewCache creates a Cache rooted at dir. Call Watch to pick up
// filesystem changes automatically; without it, callers must call
// Invalidate themselves.
func NewCache(dir string) *Cache {
	return &Cache{root: dir, entries: make(map[cacheKey]*Compiled)}
}

func (c *Cache) path(appID, name string) string {
	return filepath.Join(c.root, appID, name+".yaml")
}

// Get returns the compiled bundle for (appID, name), reloading from
// disk if uncached or if the file's mtime has advanced since the last
// compile.
func (c *Cache) Get(appID, name string) (*Compiled, error) {
	key := cacheKey{appID: appID, name: name}
	path := c.path(appID, name)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("workflow: stat bundle %s/%s: %w", appID, name, err)
	}
	mtime := info.ModTime().UnixNano()

	c.mu.RLock()
	cached, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && cached.modTime == mtime {
		return cached, nil
	}

	bundle, err := Load(path)
	if err != nil {
		return nil, err
	}
	validator, err := CompileValidator(bundle)
	if err != nil {
		return nil, fmt.Errorf("workflow: compile schemas for %s/%s: %w", appID, name, err)
	}
	compiled := &Compiled{Bundle: bundle, Validator: validator, modTime: mtime}

	c.mu.Lock()
	c.entries[key] = compiled
	c.mu.Unlock()

	return compiled, nil
}

// List returns the workflow names available under appID's bundle
// directory, derived from its *.yaml/*.yml file names, for the
// workflows-available HTTP endpoint.
func (c *Cache) List(appID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(c.root, appID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("workflow: list bundles for %s: %w", appID, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, e.Name()[:len(e.Name())-len(ext)])
	}
	return names, nil
}

// Invalidate drops a single cached entry, forcing the next Get to
// reload from disk.
func (c *Cache) Invalidate(appID, name string) {
	c.mu.Lock()
	delete(c.entries, cacheKey{appID: appID, name: name})
	c.mu.Unlock()
}

// InvalidateAll clears the entire cache.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[cacheKey]*Compiled)
	c.mu.Unlock()
}

// Watch starts an fsnotify watch over the cache root, invalidating the
// affected (app_id, name) entry whenever its YAML file is written,
// created, removed, or renamed. The watch runs until ctx-independent
// Close is called; it does not take a context because fsnotify.Watcher
// has no cancellation hook of its own.
func (c *Cache) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("workflow: new watcher: %w", err)
	}
	if err := w.Add(c.root); err != nil {
		_ = w.Close()
		return fmt.Errorf("workflow: watch %s: %w", c.root, err)
	}
	// Also watch existing app_id subdirectories; new ones require a
	// cache restart to pick up, a known limitation of a flat fsnotify
	// watch list.
	entries, err := os.ReadDir(c.root)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				_ = w.Add(filepath.Join(c.root, e.Name()))
			}
		}
	}

	c.watcher = w
	c.done = make(chan struct{})
	go c.watchLoop()
	return nil
}

func (c *Cache) watchLoop() {
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			appID, name, ok := splitBundlePath(c.root, ev.Name)
			if ok {
				c.Invalidate(appID, name)
			}
		case _, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
		case <-c.done:
			return
		}
	}
}

func splitBundlePath(root, path string) (appID, name string, ok bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", "", false
	}
	dir, file := filepath.Split(rel)
	dir = filepath.Clean(dir)
	if dir == "." || dir == "" {
		return "", "", false
	}
	ext := filepath.Ext(file)
	if ext != ".yaml" && ext != ".yml" {
		return "", "", false
	}
	return dir, file[:len(file)-len(ext)], true
}

// Close stops the filesystem watch, if running.
func (c *Cache) Close() error {
	if c.watcher == nil {
		return nil
	}
	close(c.done)
	return c.watcher.Close()
}
