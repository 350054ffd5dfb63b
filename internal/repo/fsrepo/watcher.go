package fsrepo

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rjeczalik/notify"
)

const (
	eventBufferSize        = 64
	defaultDebounceTimeout = 100 * time.Millisecond
)

// watch calls onChange, debounced, whenever anything under dir changes. It
// returns once ctx is done.
func watch(ctx context.Context, dir string, clock clockwork.Clock, debounce time.Duration, onChange func()) error {
	events := make(chan notify.EventInfo, eventBufferSize)
	if err := notify.Watch(filepath.Join(dir, "..."), events, notify.All); err != nil {
		return err
	}

	go func() {
		defer notify.Stop(events)
		debounceEvents(ctx, clock, debounce, events, onChange)
	}()
	return nil
}

func debounceEvents(ctx context.Context, clock clockwork.Clock, debounce time.Duration, events <-chan notify.EventInfo, onChange func()) {
	var timer clockwork.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			slog.Debug("file watcher", "event", event.Event(), "path", event.Path())
			// on linux a single write is a burst of events
			if timer != nil {
				timer.Stop()
			}
			timer = clock.AfterFunc(debounce, onChange)
		}
	}
}
