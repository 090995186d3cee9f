package queue

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/boshu2/gyoshu/internal/dbglog"
)

// WaitBarrier polls BarrierWait until it reports complete, the context is
// cancelled, or the deadline passes. The queue itself never blocks; this
// helper lives on the dispatcher side and uses a filesystem watch to wake
// early when the document changes, falling back to the poll interval.
func (q *Queue) WaitBarrier(ctx context.Context, stageID string, pollEvery time.Duration, deadline time.Time) (*BarrierSnapshot, error) {
	if pollEvery <= 0 {
		pollEvery = time.Second
	}

	var wake <-chan fsnotify.Event
	var watchErrs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer func() { _ = watcher.Close() }()
		// Watch the directory: atomic writes rename a temp file into
		// place, so the document inode changes on every update.
		if err := watcher.Add(filepath.Dir(q.Path())); err != nil {
			dbglog.Ignored("queue: watch add", err)
		} else {
			wake = watcher.Events
			// Errors must be drained or the watcher stalls event delivery.
			watchErrs = watcher.Errors
		}
	} else {
		dbglog.Ignored("queue: watcher init", err)
	}

	for {
		snap, err := q.BarrierWait(ctx, stageID)
		if err != nil {
			return nil, err
		}
		if snap.Complete {
			return snap, nil
		}
		if !deadline.IsZero() && !q.now().Before(deadline) {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-wake:
		case err := <-watchErrs:
			dbglog.Ignored("queue: watch", err)
		case <-time.After(pollEvery):
		}
	}
}
