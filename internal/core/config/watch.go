package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the aggregation overlay at path whenever it changes and passes the
// result to onChange. A reload that fails to parse or validate is logged and the
// previous settings stay active. It runs until ctx is cancelled.
func Watch(ctx context.Context, path string, base Aggregation, log *slog.Logger, onChange func(Aggregation)) error {
	if log == nil {
		log = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher: %w", err)
	}
	defer watcher.Close()

	// watch the directory so atomic saves that replace the file are seen
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}
	target := filepath.Clean(path)

	log.InfoContext(ctx, "config: watching for changes", "path", path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			agg, err := LoadFile(path, base)
			if err != nil {
				log.ErrorContext(ctx, "config: reload failed, keeping previous settings", "path", path, "err", err)
				continue
			}
			log.InfoContext(ctx, "config: reloaded", "path", path,
				"breakpoints", fmt.Sprint(agg.Breakpoints),
				"sample_size", agg.SampleSize,
				"freshness_ttl", agg.FreshnessTTL.String(),
			)
			onChange(agg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.ErrorContext(ctx, "config: watcher error", "err", err)
		}
	}
}
