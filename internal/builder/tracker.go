package builder

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/alvesdmateus/app-packager/internal/builder/buildtypes"
)

// State is the lifecycle state of a builder invocation
type State string

const (
	StatePending   State = "pending"
	StateBuilding  State = "building"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// ErrInvalidTransition is returned for a state change the lifecycle forbids
var ErrInvalidTransition = errors.New("invalid build state transition")

// Invocation records one builder invocation
type Invocation struct {
	ID         uuid.UUID
	Workload   string
	Language   buildtypes.Language
	State      State
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Log        string
	Err        error
}

// Tracker keeps the state of builder invocations in memory
type Tracker struct {
	mu          sync.Mutex
	invocations map[uuid.UUID]*Invocation
	logger      zerolog.Logger
}

// NewTracker creates a new build tracker
func NewTracker(logger zerolog.Logger) *Tracker {
	return &Tracker{
		invocations: make(map[uuid.UUID]*Invocation),
		logger:      logger.With().Str("component", "build-tracker").Logger(),
	}
}

// Create registers a pending invocation
func (t *Tracker) Create(workload string, lang buildtypes.Language) uuid.UUID {
	inv := &Invocation{
		ID:        uuid.New(),
		Workload:  workload,
		Language:  lang,
		State:     StatePending,
		CreatedAt: time.Now(),
	}

	t.mu.Lock()
	t.invocations[inv.ID] = inv
	t.mu.Unlock()

	return inv.ID
}

// StartBuild moves an invocation from pending to building
func (t *Tracker) StartBuild(id uuid.UUID) error {
	return t.transition(id, StateBuilding, func(inv *Invocation, now time.Time) {
		inv.StartedAt = &now
	}, StatePending)
}

// CompleteBuild marks a building invocation as succeeded
func (t *Tracker) CompleteBuild(id uuid.UUID, log string) error {
	return t.transition(id, StateSucceeded, func(inv *Invocation, now time.Time) {
		inv.FinishedAt = &now
		inv.Log = log
	}, StateBuilding)
}

// FailBuild marks a pending or building invocation as failed
func (t *Tracker) FailBuild(id uuid.UUID, err error) error {
	return t.transition(id, StateFailed, func(inv *Invocation, now time.Time) {
		inv.FinishedAt = &now
		inv.Err = err
	}, StatePending, StateBuilding)
}

// Get returns a copy of an invocation
func (t *Tracker) Get(id uuid.UUID) (Invocation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	inv, ok := t.invocations[id]
	if !ok {
		return Invocation{}, false
	}
	return *inv, true
}

// Forget drops a finished invocation
func (t *Tracker) Forget(id uuid.UUID) {
	t.mu.Lock()
	delete(t.invocations, id)
	t.mu.Unlock()
}

// Active returns the number of invocations that have not finished
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, inv := range t.invocations {
		if inv.State == StatePending || inv.State == StateBuilding {
			n++
		}
	}
	return n
}

func (t *Tracker) transition(id uuid.UUID, to State, apply func(*Invocation, time.Time), from ...State) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	inv, ok := t.invocations[id]
	if !ok {
		return fmt.Errorf("build not found: %s", id)
	}

	allowed := false
	for _, s := range from {
		if inv.State == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inv.State, to)
	}

	inv.State = to
	apply(inv, time.Now())

	t.logger.Debug().
		Str("buildId", id.String()).
		Str("workload", inv.Workload).
		Str("state", string(to)).
		Msg("Build state changed")

	return nil
}
