// Package watch monitors function source trees and invalidates registry
// entries on debounced changes. A change under one function's root
// invalidates that entry only; a change to a shared workspace path
// invalidates every function.
package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/localfn/localfn/pkg/build"
	"github.com/localfn/localfn/pkg/metadata"
)

// Invalidator is the slice of the registry the watcher needs.
type Invalidator interface {
	Invalidate(name string)
	InvalidateAll()
}

type Watcher struct {
	functions    []metadata.FunctionData
	sharedPaths  []string
	debounce     time.Duration
	pollInterval time.Duration
	inv          Invalidator
	logger       *slog.Logger
}

func New(functions []metadata.FunctionData, sharedPaths []string, debounce, pollInterval time.Duration, inv Invalidator, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Watcher{
		functions:    functions,
		sharedPaths:  sharedPaths,
		debounce:     debounce,
		pollInterval: pollInterval,
		inv:          inv,
		logger:       logger,
	}
}

// Run watches until ctx is cancelled. Watcher failures degrade to fingerprint
// polling rather than bringing the tool down.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("filesystem notifications unavailable, falling back to polling", "error", err)
		return w.pollLoop(ctx)
	}
	defer fsw.Close()

	for _, fn := range w.functions {
		if err := addRecursive(fsw, fn.Root); err != nil {
			w.logger.Warn("cannot watch function root, falling back to polling",
				"function", fn.Name, "root", fn.Root, "error", err)
			return w.pollLoop(ctx)
		}
	}
	for _, p := range w.sharedPaths {
		if err := fsw.Add(p); err != nil {
			w.logger.Warn("cannot watch shared path", "path", p, "error", err)
		}
	}
	w.logger.Info("watching for source changes",
		"functions", len(w.functions), "debounce", w.debounce)

	// time-windowed buffer: collect raw events, flush after a quiet period
	changed := make(map[string]struct{})
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return w.pollLoop(ctx)
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// newly created directories join the subscription
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = addRecursive(fsw, ev.Name)
				}
			}
			changed[ev.Name] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-timerC:
			w.flush(changed)
			changed = make(map[string]struct{})
			timer = nil
			timerC = nil

		case err, ok := <-fsw.Errors:
			if !ok {
				return w.pollLoop(ctx)
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// flush maps a burst of changed paths onto registry invalidations.
func (w *Watcher) flush(changed map[string]struct{}) {
	all := false
	names := make(map[string]struct{})

	for path := range changed {
		if w.isShared(path) {
			all = true
			break
		}
		if name, ok := w.functionFor(path); ok {
			names[name] = struct{}{}
		}
	}

	if all {
		w.inv.InvalidateAll()
		return
	}
	for name := range names {
		w.inv.Invalidate(name)
	}
}

func (w *Watcher) isShared(path string) bool {
	for _, p := range w.sharedPaths {
		if path == p || strings.HasPrefix(path, p+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// functionFor maps a path to the owning function by longest matching root, so
// nested roots resolve to the innermost function.
func (w *Watcher) functionFor(path string) (string, bool) {
	best := ""
	bestLen := -1
	for _, fn := range w.functions {
		if path == fn.Root || strings.HasPrefix(path, fn.Root+string(filepath.Separator)) {
			if len(fn.Root) > bestLen {
				best = fn.Name
				bestLen = len(fn.Root)
			}
		}
	}
	return best, bestLen >= 0
}

// pollLoop compares source fingerprints on an interval. Slower than event
// subscription but keeps reloads working when the OS watcher is gone.
func (w *Watcher) pollLoop(ctx context.Context) error {
	w.logger.Info("polling for source changes", "interval", w.pollInterval)

	last := make(map[string]string, len(w.functions))
	snapshot := func(fn metadata.FunctionData) bool {
		fp, err := build.Fingerprint(fn.Root)
		if err != nil {
			return false
		}
		prev, seen := last[fn.Name]
		last[fn.Name] = fp
		return seen && prev != fp
	}

	for _, fn := range w.functions {
		snapshot(fn)
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, fn := range w.functions {
				if snapshot(fn) {
					w.inv.Invalidate(fn.Name)
				}
			}
		}
	}
}

func addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}
