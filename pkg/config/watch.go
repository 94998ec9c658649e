package config

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	debounceDelay = 100 * time.Millisecond
	pollInterval  = 2 * time.Second
)

// Watch reloads the config file whenever it changes and passes each
// successfully loaded config to fn. Load errors are logged and the previous
// config stays in effect. Watch falls back to polling the file's mtime when
// fsnotify is unavailable. It returns when ctx ends.
func Watch(ctx context.Context, p *Paths, logger *log.Logger, fn func(Config)) error {
	if logger == nil {
		logger = log.Default()
	}
	reload := func() {
		cfg, err := Load(p)
		if err != nil {
			logger.Printf("config: reload %s: %v", p.ConfigPath, err)
			return
		}
		fn(cfg)
	}

	watcher := initWatcher(filepath.Dir(p.ConfigPath), logger)
	if watcher == nil {
		return pollFile(ctx, p.ConfigPath, reload)
	}
	defer func() { _ = watcher.Close() }()

	name := filepath.Clean(p.ConfigPath)
	debounce := time.NewTimer(debounceDelay)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// The directory is watched so editor rename-on-save is seen.
			if filepath.Clean(event.Name) != name {
				continue
			}
			debounce.Reset(debounceDelay)
		case <-debounce.C:
			reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Printf("fsnotify: watcher error: %v", err)
		}
	}
}

// initWatcher returns nil when the directory cannot be watched.
func initWatcher(dir string, logger *log.Logger) *fsnotify.Watcher {
	if _, err := os.Stat(dir); err != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Printf("fsnotify: failed to create watcher: %v (falling back to polling)", err)
		return nil
	}

	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		logger.Printf("fsnotify: failed to watch %s: %v (falling back to polling)", dir, err)
		return nil
	}

	return watcher
}

func pollFile(ctx context.Context, path string, reload func()) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	last := modTime(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if mt := modTime(path); !mt.Equal(last) {
				last = mt
				reload()
			}
		}
	}
}

func modTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
