// Package reload watches a compiled artifact file for changes and loads
// it into a running Cycle without a restart, grounded in the teacher
// pack's HotReloadSystem (99souls-ariadne's runtime.go): an fsnotify
// watcher on the artifact's directory, gated on a checksum comparison so
// a spurious write event (editors, network filesystems) that leaves the
// bytes unchanged never triggers a reload.
package reload

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/aegisshield/telemetry-rules-engine/internal/emit"
)

// Target receives a newly loaded artifact; normally scheduler.Cycle's
// SetArtifact, kept as an interface so tests can swap in a stub.
type Target interface {
	SetArtifact(art *emit.Artifact)
}

// Watcher watches a single artifact path and pushes reloads to a Target.
type Watcher struct {
	path     string
	target   Target
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	lastSum  string
}

// New builds a Watcher for the artifact at path, recording its current
// checksum so the first filesystem event after startup is only acted on
// if the bytes actually differ from what was already loaded.
func New(path string, target Target, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	sum, err := emit.Checksum(path)
	if err != nil {
		// The artifact may not exist yet on first boot; that's not fatal,
		// just means the next write will be treated as a genuine change.
		sum = ""
	}
	return &Watcher{path: path, target: target, logger: logger, watcher: fw, lastSum: sum}, nil
}

// Run watches path's directory (fsnotify does not support watching a
// single file reliably across editors that write-then-rename) until ctx
// is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch directory %s: %w", dir, err)
	}
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(e.Name) != filepath.Clean(w.path) {
				continue
			}
			if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.maybeReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("artifact watcher error", "error", err)
		}
	}
}

func (w *Watcher) maybeReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	sum, err := emit.Checksum(w.path)
	if err != nil {
		w.logger.Warn("failed to checksum artifact after change notification", "error", err)
		return
	}
	if sum == w.lastSum {
		return
	}
	art, err := emit.Load(w.path)
	if err != nil {
		w.logger.Warn("failed to load artifact after change notification", "error", err)
		return
	}
	w.lastSum = sum
	w.target.SetArtifact(art)
	w.logger.Info("reloaded rule artifact", "ruleset_version", art.RulesetVersion, "rules", len(art.Manifest.Rules))
}
