package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the burst of fsnotify events an editor save
// produces (truncate, write, chmod, atomic rename) into a single reload.
const debounceWindow = 250 * time.Millisecond

// Watch monitors the config file at path and calls onChange with the newly
// loaded Config whenever a hot-reloadable setting changes. Only the updates
// section takes effect at runtime; the gateway, cache, and server are built
// once at startup, so edits to those sections are logged and skipped until
// the next restart. Runs until ctx is cancelled.
//
// A rewrite that fails to parse or validate keeps the previous config and
// never reaches onChange.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	current, err := Load(path)
	if err != nil {
		return err
	}

	slog.Info("config: watching for changes", "path", path)

	debounce := time.NewTimer(debounceWindow)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Write covers in-place saves; Create catches editors that save
			// by renaming a temp file over the original.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(debounceWindow)

		case <-debounce.C:
			cfg, err := Load(path)
			if err != nil {
				slog.Error("config: reload failed, keeping previous config",
					"path", path, "err", err)
				continue
			}

			// An atomic save replaces the inode, so the watch must be
			// re-established on the new file.
			_ = watcher.Add(path)

			changed := diffUpdates(current, cfg)
			current = cfg
			if len(changed) == 0 {
				slog.Debug("config: file changed, no runtime settings affected", "path", path)
				continue
			}

			slog.Info("config: reloaded", "path", path, "changed", changed)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}

// diffUpdates lists the hot-reloadable settings that differ between two
// configs, by their YAML paths.
func diffUpdates(old, cur *Config) []string {
	var changed []string
	if old.Updates.PollingInterval != cur.Updates.PollingInterval {
		changed = append(changed, "updates.polling_interval")
	}
	if old.Updates.MaxActiveSubscriptions != cur.Updates.MaxActiveSubscriptions {
		changed = append(changed, "updates.max_active_subscriptions")
	}
	if old.Updates.IncrementalFetch != cur.Updates.IncrementalFetch {
		changed = append(changed, "updates.incremental_fetch")
	}
	if old.Updates.BackgroundRefresh != cur.Updates.BackgroundRefresh {
		changed = append(changed, "updates.background_refresh")
	}
	return changed
}
