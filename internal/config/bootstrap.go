package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/consus-energy/edge-agent/internal/state"
	"github.com/consus-energy/edge-agent/internal/telemetry/logging"
)

// requiredBootstrapKeys mirrors edge_bootstrap.py's validation list for the
// locally cached snapshot: the fields the agent must have on hand to run
// without reaching `/edge/init` after a restart.
var requiredBootstrapKeys = []string{
	"group_id",
	"edge_status",
	"units",
}

// BootstrapSnapshot is the locally-cached copy of the last-known settings
// and unit roster, read at startup and re-read whenever the cache file
// changes on disk (see Watch) or is rewritten through Save.
type BootstrapSnapshot struct {
	GroupID  string               `yaml:"group_id"`
	Settings state.GlobalSettings `yaml:"settings"`
	Units    []state.UnitConfig   `yaml:"units"`
}

func (s BootstrapSnapshot) validate() error {
	var missing []string
	if s.GroupID == "" {
		missing = append(missing, "group_id")
	}
	if s.Settings.EdgeStatus == "" {
		missing = append(missing, "edge_status")
	}
	if s.Units == nil {
		missing = append(missing, "units")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: bootstrap snapshot missing required keys: %v", missing)
	}
	return nil
}

// BootstrapCache holds an immutable snapshot, swapped under a mutex whenever
// the backing YAML file changes on disk. Reloads are checksum-gated: a write
// that leaves the file's content unchanged (a rewrite-in-place with the same
// bytes, common with atomic-rename save patterns) is not a second reload.
type BootstrapCache struct {
	path string
	log  logging.Logger

	mu       sync.RWMutex
	snapshot BootstrapSnapshot
	sum      [32]byte
	loaded   bool
}

// LoadBootstrapCache reads path once synchronously, populating the initial
// snapshot. Call Watch to keep it current.
func LoadBootstrapCache(path string, log logging.Logger) (*BootstrapCache, error) {
	c := &BootstrapCache{path: path, log: log}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Snapshot returns the current immutable snapshot.
func (c *BootstrapCache) Snapshot() BootstrapSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

func (c *BootstrapCache) reload() error {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("config: read bootstrap cache %s: %w", c.path, err)
	}
	sum := sha256.Sum256(raw)

	c.mu.Lock()
	unchanged := c.loaded && sum == c.sum
	c.mu.Unlock()
	if unchanged {
		return nil
	}

	var snap BootstrapSnapshot
	if err := yaml.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("config: parse bootstrap cache %s: %w", c.path, err)
	}
	if err := snap.validate(); err != nil {
		return err
	}

	c.mu.Lock()
	c.snapshot = snap
	c.sum = sum
	c.loaded = true
	c.mu.Unlock()
	return nil
}

// Save writes snap to the cache file, for use after a fresh `/edge/init`
// response so a future restart has it without network access.
func (c *BootstrapCache) Save(snap BootstrapSnapshot) error {
	if err := snap.validate(); err != nil {
		return err
	}
	raw, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("config: marshal bootstrap cache: %w", err)
	}
	if err := os.WriteFile(c.path, raw, 0o644); err != nil {
		return fmt.Errorf("config: write bootstrap cache %s: %w", c.path, err)
	}
	return c.reload()
}

// Watch starts an fsnotify watcher on the cache file's directory and
// reloads on every Write or Create event naming the file, until ctx is
// canceled.
// Reload errors are logged and do not stop the watch.
func (c *BootstrapCache) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: new watcher: %w", err)
	}
	dir := dirOf(c.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(c.path) || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := c.reload(); err != nil && c.log != nil {
					c.log.WarnCtx(ctx, "config: bootstrap cache reload failed", "error", err)
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if c.log != nil {
					c.log.WarnCtx(ctx, "config: watcher error", "error", werr)
				}
			}
		}
	}()
	return nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
