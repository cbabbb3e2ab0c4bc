// Package reload detects edits to the configuration files a processor was
// started from.
package reload

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/timzifer/keystate/config"
)

type fileState struct {
	modTime time.Time
	size    int64
}

// Watcher snapshots the configuration sources of a loaded config and reports
// the ones that changed since. When the config was loaded from a directory
// the directory listing is tracked too, so added YAML files count as changes.
type Watcher struct {
	mu    sync.Mutex
	files map[string]fileState
	dirs  map[string][]string
}

// NewWatcher builds a watcher for cfg, loaded from root.
func NewWatcher(root string, cfg *config.Config) (*Watcher, error) {
	watcher := &Watcher{}
	if err := watcher.Update(root, cfg); err != nil {
		return nil, err
	}
	return watcher, nil
}

// Update replaces the snapshot with the sources of cfg.
func (w *Watcher) Update(root string, cfg *config.Config) error {
	if w == nil {
		return nil
	}
	paths := config.SourceFiles(cfg)
	dirs := make(map[string][]string)
	if root = strings.TrimSpace(root); root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			if info, err := os.Stat(abs); err == nil {
				if info.IsDir() {
					dirs[abs] = listYAML(abs)
				} else {
					paths = append(paths, abs)
				}
			}
		}
	}
	states := make(map[string]fileState, len(paths))
	for _, path := range uniquePaths(paths) {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		states[path] = fileState{modTime: info.ModTime(), size: info.Size()}
	}
	w.mu.Lock()
	w.files = states
	w.dirs = dirs
	w.mu.Unlock()
	return nil
}

// Check reports the files that changed, disappeared or were added to a
// watched directory since the last Update.
func (w *Watcher) Check() ([]string, error) {
	if w == nil {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	changed := make([]string, 0)
	for path, state := range w.files {
		info, err := os.Stat(path)
		if err != nil {
			changed = append(changed, path)
			continue
		}
		if info.ModTime().After(state.modTime) || info.Size() != state.size {
			changed = append(changed, path)
		}
	}
	for dir, known := range w.dirs {
		seen := make(map[string]struct{}, len(known))
		for _, name := range known {
			seen[name] = struct{}{}
		}
		for _, name := range listYAML(dir) {
			if _, ok := seen[name]; !ok {
				changed = append(changed, name)
			}
		}
	}
	sort.Strings(changed)
	return uniquePaths(changed), nil
}

// Len returns the number of tracked files.
func (w *Watcher) Len() int {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.files)
}

func listYAML(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml":
			out = append(out, filepath.Join(dir, entry.Name()))
		}
	}
	return out
}

func uniquePaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	result := make([]string, 0, len(paths))
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		result = append(result, path)
	}
	return result
}
