// ABOUTME: fsnotify watcher on the corpus directory with debounce
// ABOUTME: Bursts of log writes collapse into one onChange call

package retrieval

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/clock"
)

// Watcher calls onChange after the corpus tree has been quiet for the
// debounce interval.
type Watcher struct {
	dir      string
	debounce time.Duration
	clock    clock.Clock
	onChange func()
	logger   *slog.Logger
}

// NewWatcher creates a Watcher. It does nothing until Run.
func NewWatcher(dir string, debounce time.Duration, clk clock.Clock, onChange func(), logger *slog.Logger) *Watcher {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		clock:    clk,
		onChange: onChange,
		logger:   logger.With("component", "corpus-watcher", "dir", dir),
	}
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0750); err != nil {
		return fmt.Errorf("creating corpus dir: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	// fsnotify is not recursive; add every directory explicitly.
	err = filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fw.Add(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watching corpus: %w", err)
	}
	w.logger.Info("watching corpus for changes")

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if strings.HasPrefix(filepath.Base(ev.Name), ".") {
				continue
			}
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := fw.Add(ev.Name); err != nil {
						w.logger.Warn("watching new directory", "path", ev.Name, "error", err)
					}
				}
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			pending = w.clock.After(w.debounce)

		case <-pending:
			pending = nil
			w.logger.Debug("corpus changed")
			w.onChange()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}
