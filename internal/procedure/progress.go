package procedure

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/openmined/syftkeep/internal/stream"
)

// historySize bounds how many finished operations feed the velocity average.
const historySize = 32

type OperationProgress struct {
	ID      string
	Name    string
	Copied  int64
	Total   int64
	Started time.Time
	// Velocity is in bytes per second, zero while unknown.
	Velocity float64
}

type Progress struct {
	InFlight    []OperationProgress
	TotalBytes  int64
	CopiedBytes int64
	Elapsed     time.Duration
	Velocity    float64

	TimeRemaining time.Duration
	HasEstimate   bool
}

func (p Progress) Fraction() float64 {
	if p.TotalBytes <= 0 {
		return 0
	}
	return min(1, float64(p.CopiedBytes)/float64(p.TotalBytes))
}

// Tracker aggregates progress reports of concurrently running operations.
type Tracker struct {
	clock   clockwork.Clock
	started time.Time

	mu             sync.Mutex
	inFlight       map[string]*OperationProgress
	history        []float64
	totalBytes     int64
	completedBytes int64

	out *stream.Var[Progress]
}

func NewTracker(clock clockwork.Clock) *Tracker {
	return &Tracker{
		clock:    clock,
		started:  clock.Now(),
		inFlight: make(map[string]*OperationProgress),
		out:      stream.NewVar(Progress{}),
	}
}

func (t *Tracker) Stream() stream.Observable[Progress] {
	return t.out
}

func (t *Tracker) Current() Progress {
	return t.out.Get()
}

// AddTotal announces bytes that will be copied, for the time estimate.
func (t *Tracker) AddTotal(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalBytes += bytes
	t.publish()
}

func (t *Tracker) begin(name string) *Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	op := &Operation{tracker: t, id: uuid.NewString()}
	t.inFlight[op.id] = &OperationProgress{ID: op.id, Name: name, Started: t.clock.Now()}
	t.publish()
	return op
}

func (t *Tracker) report(id string, copied, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.inFlight[id]
	if !ok {
		return
	}
	p.Copied = copied
	p.Total = total
	if elapsed := t.clock.Since(p.Started); elapsed > 0 {
		p.Velocity = float64(copied) / elapsed.Seconds()
	}
	t.publish()
}

func (t *Tracker) end(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.inFlight[id]
	if !ok {
		return
	}
	delete(t.inFlight, id)
	t.completedBytes += p.Copied
	if p.Velocity > 0 {
		t.history = append(t.history, p.Velocity)
		if len(t.history) > historySize {
			t.history = t.history[len(t.history)-historySize:]
		}
	}
	t.publish()
}

func (t *Tracker) publish() {
	ops := make([]OperationProgress, 0, len(t.inFlight))
	copied := t.completedBytes
	for _, p := range t.inFlight {
		ops = append(ops, *p)
		copied += p.Copied
	}
	slices.SortFunc(ops, func(a, b OperationProgress) int {
		return a.Started.Compare(b.Started)
	})

	progress := Progress{
		InFlight:    ops,
		TotalBytes:  t.totalBytes,
		CopiedBytes: copied,
		Elapsed:     t.clock.Since(t.started),
		Velocity:    t.velocity(ops),
	}
	if progress.Velocity > 0 && progress.TotalBytes > 0 {
		remaining := max(0, progress.TotalBytes-progress.CopiedBytes)
		progress.TimeRemaining = time.Duration(float64(remaining) / progress.Velocity * float64(time.Second))
		progress.HasEstimate = true
	}
	t.out.Set(progress)
}

// velocity is a weighted mean where later operations weigh more.
func (t *Tracker) velocity(inFlight []OperationProgress) float64 {
	samples := slices.Clone(t.history)
	for _, p := range inFlight {
		samples = append(samples, p.Velocity)
	}

	var weightSum, valueSum float64
	for i, v := range samples {
		if v <= 0 {
			continue
		}
		weight := float64(i + 1)
		weightSum += weight
		valueSum += weight * v
	}
	if weightSum == 0 {
		return 0
	}
	return valueSum / weightSum
}

// Operation is the handle a running leaf operation reports through. A nil
// Operation accepts and ignores reports.
type Operation struct {
	tracker *Tracker
	id      string
}

func (o *Operation) Report(copied, total int64) {
	if o == nil || o.tracker == nil {
		return
	}
	o.tracker.report(o.id, copied, total)
}
