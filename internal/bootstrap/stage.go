package bootstrap

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/krystofrezac/stevedore/internal/readiness"
)

type Stage int

const (
	StagePending Stage = iota
	StagePreflight
	StageProbing
	StageMigrating
	StageServing
	StageStopped
	StageFailed
)

var stageNames = [...]string{
	StagePending:   "pending",
	StagePreflight: "preflight",
	StageProbing:   "probing",
	StageMigrating: "migrating",
	StageServing:   "serving",
	StageStopped:   "stopped",
	StageFailed:    "failed",
}

// Stages lists every stage in sequence order.
var Stages = []Stage{StagePending, StagePreflight, StageProbing, StageMigrating, StageServing, StageStopped, StageFailed}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}

// Snapshot is the published progress of a startup sequence.
type Snapshot struct {
	Stage     Stage
	Since     time.Time
	Attempt   int
	LastError string
}

// Observer is notified of every stage change and probe attempt, on the
// sequence goroutine.
type Observer interface {
	StageChanged(from, to Stage, spent time.Duration)
	ProbeAttempted(state readiness.State)
}

// Tracker publishes the current Snapshot for concurrent readers. Writes
// come from the sequence goroutine only.
type Tracker struct {
	current   atomic.Pointer[Snapshot]
	mu        sync.Mutex
	observers []Observer
	now       func() time.Time
}

func NewTracker(observers ...Observer) *Tracker {
	t := &Tracker{observers: observers, now: time.Now}
	t.current.Store(&Snapshot{Stage: StagePending, Since: t.now()})
	return t
}

func (t *Tracker) Snapshot() Snapshot {
	return *t.current.Load()
}

func (t *Tracker) Stage() Stage {
	return t.current.Load().Stage
}

// Enter moves the sequence to stage.
func (t *Tracker) Enter(stage Stage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	previous := t.current.Load()
	now := t.now()
	next := *previous
	next.Stage = stage
	next.Since = now
	t.current.Store(&next)

	for _, observer := range t.observers {
		observer.StageChanged(previous.Stage, stage, now.Sub(previous.Since))
	}
}

// ProbeAttempted records a readiness attempt. It matches the callback of
// readiness.Prober.OnAttempt.
func (t *Tracker) ProbeAttempted(state readiness.State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := *t.current.Load()
	next.Attempt = state.Attempt
	next.LastError = ""
	if state.LastError != nil {
		next.LastError = state.LastError.Error()
	}
	t.current.Store(&next)

	for _, observer := range t.observers {
		observer.ProbeAttempted(state)
	}
}
