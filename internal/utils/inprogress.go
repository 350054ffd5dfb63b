package utils

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// InProgress tracks cleanups for partially written artifacts so they can be
// removed if the process is interrupted before they are committed.
var InProgress = NewCleanupRegistry()

type CleanupRegistry struct {
	mu       sync.Mutex
	cleanups map[string]cleanup
}

type cleanup struct {
	name string
	fn   func() error
}

func NewCleanupRegistry() *CleanupRegistry {
	return &CleanupRegistry{cleanups: make(map[string]cleanup)}
}

// Track registers fn and returns a release function to call once the artifact
// was either committed or already cleaned up.
func (r *CleanupRegistry) Track(name string, fn func() error) (release func()) {
	id := uuid.NewString()
	r.mu.Lock()
	r.cleanups[id] = cleanup{name: name, fn: fn}
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.cleanups, id)
		r.mu.Unlock()
	}
}

func (r *CleanupRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cleanups)
}

// RunAll executes and forgets every pending cleanup.
func (r *CleanupRegistry) RunAll() {
	r.mu.Lock()
	pending := r.cleanups
	r.cleanups = make(map[string]cleanup)
	r.mu.Unlock()

	for _, c := range pending {
		if err := c.fn(); err != nil {
			slog.Warn("cleanup failed", "name", c.name, "error", err)
		} else {
			slog.Debug("cleanup", "name", c.name)
		}
	}
}
