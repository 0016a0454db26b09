package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchOptions tunes FileSource.Watch.
type WatchOptions struct {
	// Debounce is the quiet period after the last change before rules are
	// reloaded. Default: 250ms.
	Debounce time.Duration

	// Extensions limits reloads to files with these suffixes.
	// Default: .yaml and .yml.
	Extensions []string
}

func (o WatchOptions) withDefaults() WatchOptions {
	if o.Debounce <= 0 {
		o.Debounce = 250 * time.Millisecond
	}
	if len(o.Extensions) == 0 {
		o.Extensions = []string{".yaml", ".yml"}
	}
	return o
}

// Watch loads the rules once, then reloads them after the files change
// until ctx is cancelled. A failed reload is logged and the previous rule
// set stays in force.
func (f *FileSource) Watch(ctx context.Context, opts WatchOptions) error {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "rules.watcher", "path", f.Path)
	opts = opts.withDefaults()

	if _, err := f.Load(ctx); err != nil {
		return fmt.Errorf("initial rule load failed: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rules watcher: %w", err)
	}
	defer fw.Close()

	dirs, err := watchDirs(f.Path)
	if err != nil {
		return fmt.Errorf("rules watcher: %w", err)
	}
	for _, d := range dirs {
		if err := fw.Add(d); err != nil {
			return fmt.Errorf("rules watcher: watch %s: %w", d, err)
		}
	}
	logger.Info("watching rule files", "directories", len(dirs), "debounce", opts.Debounce)

	return watchLoop(ctx, fw.Events, fw.Errors, opts, logger, func() error {
		_, err := f.Load(ctx)
		return err
	})
}

// watchDirs lists the directories to subscribe to. A single file is covered
// through its parent so editors that save by rename are still seen.
func watchDirs(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{filepath.Dir(path)}, nil
	}

	var dirs []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != path && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		dirs = append(dirs, p)
		return nil
	})
	return dirs, err
}

func ruleFileEvent(ev fsnotify.Event, exts []string) bool {
	if ev.Op == fsnotify.Chmod || strings.HasPrefix(filepath.Base(ev.Name), ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(ev.Name))
	return slices.ContainsFunc(exts, func(e string) bool { return strings.ToLower(e) == ext })
}

// watchLoop calls reload once per burst of rule file events.
func watchLoop(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error, opts WatchOptions, logger *slog.Logger, reload func() error) error {
	var (
		timer   *time.Timer
		fire    <-chan time.Time
		changed []string
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				return errors.New("rules watcher: event stream closed")
			}
			if !ruleFileEvent(ev, opts.Extensions) {
				continue
			}
			logger.Debug("rule file changed", "file", ev.Name, "op", ev.Op.String())
			if !slices.Contains(changed, ev.Name) {
				changed = append(changed, ev.Name)
			}
			if timer == nil {
				timer = time.NewTimer(opts.Debounce)
			} else {
				timer.Reset(opts.Debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			logger.Info("reloading rules", "changed", changed)
			changed = changed[:0]
			if err := reload(); err != nil {
				logger.Error("rule reload failed, keeping previous rules", "error", err)
			}

		case err, ok := <-errs:
			if !ok {
				return errors.New("rules watcher: error stream closed")
			}
			logger.Warn("rules watcher error", "error", err)
		}
	}
}
