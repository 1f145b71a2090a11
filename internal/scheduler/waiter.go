package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Waiter is the loop's only blocking point. It returns ctx.Err() when the
// context is cancelled and nil otherwise, possibly before d has elapsed.
type Waiter interface {
	Wait(ctx context.Context, d time.Duration) error
}

// SleepWaiter waits for the full interval.
type SleepWaiter struct{}

func (SleepWaiter) Wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CommandWatcher ends a wait early when the command file changes.
// It watches the parent directory since the file is replaced by rename.
type CommandWatcher struct {
	watcher *fsnotify.Watcher
	name    string
	logger  zerolog.Logger
}

func NewCommandWatcher(commandsPath string, logger zerolog.Logger) (*CommandWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(commandsPath)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(commandsPath), err)
	}
	return &CommandWatcher{watcher: w, name: filepath.Base(commandsPath), logger: logger}, nil
}

func (c *CommandWatcher) Wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case event, ok := <-c.watcher.Events:
			if !ok {
				return SleepWaiter{}.Wait(ctx, d)
			}
			if filepath.Base(event.Name) != c.name {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				c.logger.Debug().Str("op", event.Op.String()).Msg("command_file_changed")
				return nil
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return SleepWaiter{}.Wait(ctx, d)
			}
			c.logger.Warn().Err(err).Msg("fsnotify_error")
		}
	}
}

func (c *CommandWatcher) Close() error {
	return c.watcher.Close()
}
