package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch watches the config file for writes and reloads it in place,
// logging the new retention/channel set on every change. It runs until
// stop is closed or the watcher errors out.
func (c *Config) Watch(stop <-chan struct{}) error {
	if c.Path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(c.Path); err != nil {
		// Config file may not exist yet; nothing to watch.
		return nil
	}

	for {
		select {
		case <-stop:
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := c.Reload(); err != nil {
				slog.Warn("config reload failed", "error", err)
				continue
			}
			slog.Info("config reloaded", "retention", c.RetentionView(), "channels", len(c.Channels))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watch error", "error", err)
		}
	}
}
