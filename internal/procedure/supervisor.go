package procedure

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrAlreadyRunning = errors.New("procedure already running")

// Supervisor refuses to launch a second job under a key whose previous job
// has not finished yet.
type Supervisor struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func NewSupervisor() *Supervisor {
	return &Supervisor{jobs: make(map[string]*Job)}
}

func (s *Supervisor) Launch(ctx context.Context, key string, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.jobs[key]; ok && !IsFinished(current.State()) {
		slog.Warn("procedure already running", "key", key, "job", current.ID)
		return ErrAlreadyRunning
	}
	if err := job.Launch(ctx); err != nil {
		return err
	}
	s.jobs[key] = job
	return nil
}

func (s *Supervisor) Job(key string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[key]
	return job, ok
}

// CancelAll cancels every job that is still running.
func (s *Supervisor) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		job.Cancel()
	}
}
