// Package trials records the history of objective evaluations. The store is
// append-only: trials move from PENDING to OK or FAILED exactly once.
package trials

import (
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/copyleftdev/parzen/internal/errors"
	"github.com/copyleftdev/parzen/internal/optimization/space"
)

const component = "trials"

// Status is the lifecycle state of a trial.
type Status string

const (
	StatusPending Status = "pending"
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
)

// Terminal reports whether s is OK or FAILED.
func (s Status) Terminal() bool {
	return s == StatusOK || s == StatusFailed
}

// Trial is one evaluation attempt.
type Trial struct {
	ID     int
	Config space.Configuration
	Status Status
	// Loss is meaningful only when Status is StatusOK.
	Loss float64
	// Err describes why a FAILED trial failed.
	Err         string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Duration is the time between creation and completion, or zero while pending.
func (t Trial) Duration() time.Duration {
	if t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.CreatedAt)
}

// clone detaches t from the store's copy of its configuration.
func (t Trial) clone() Trial {
	t.Config = t.Config.Clone()
	return t
}

// History is the read-only view of a store that strategies consume.
type History interface {
	// Len is the number of trials issued so far.
	Len() int
	// Terminated is the number of trials that reached OK or FAILED.
	Terminated() int
	// CompletedOK yields the OK trials present at call time, in id order.
	CompletedOK() iter.Seq[Trial]
}

// Store is an append-only sequence of trials. It is safe for concurrent
// readers while a single writer drives the optimization.
type Store struct {
	mu         sync.RWMutex
	trials     []Trial
	terminated int
	ok         int
	now        func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{now: time.Now}
}

// Begin appends a PENDING trial for cfg and returns its id. Ids start at 0
// and increase by one.
func (s *Store) Begin(cfg space.Configuration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := len(s.trials)
	s.trials = append(s.trials, Trial{
		ID:        id,
		Config:    cfg.Clone(),
		Status:    StatusPending,
		CreatedAt: s.now(),
	})
	return id
}

// Complete moves a pending trial to OK with the given loss.
func (s *Store) Complete(id int, loss float64) error {
	return s.finish(id, StatusOK, loss, "")
}

// Fail moves a pending trial to FAILED, recording cause if non-nil.
func (s *Store) Fail(id int, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.finish(id, StatusFailed, 0, msg)
}

func (s *Store) finish(id int, status Status, loss float64, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id < 0 || id >= len(s.trials) {
		return errors.Wrapf(errors.ErrUnknownTrial, "trial %d", id).
			WithComponent(component).WithOperation(string(status))
	}
	t := &s.trials[id]
	if t.Status.Terminal() {
		return errors.Wrapf(errors.ErrInvalidStateTransition, "trial %d is already %s", id, t.Status).
			WithComponent(component).WithOperation(string(status))
	}

	t.Status = status
	t.Loss = loss
	t.Err = msg
	t.CompletedAt = s.now()
	s.terminated++
	if status == StatusOK {
		s.ok++
	}
	return nil
}

// Len is the number of trials issued so far.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.trials)
}

// Terminated is the number of trials that reached OK or FAILED.
func (s *Store) Terminated() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.terminated
}

// CountOK is the number of OK trials.
func (s *Store) CountOK() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ok
}

// Get returns the trial with the given id.
func (s *Store) Get(id int) (Trial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id < 0 || id >= len(s.trials) {
		return Trial{}, errors.Wrapf(errors.ErrUnknownTrial, "trial %d", id).
			WithComponent(component).WithOperation("get")
	}
	return s.trials[id].clone(), nil
}

// CompletedOK returns a restartable sequence over the OK trials present at
// call time. Trials completed afterwards are not visible to it.
func (s *Store) CompletedOK() iter.Seq[Trial] {
	s.mu.RLock()
	snapshot := make([]Trial, 0, s.ok)
	for _, t := range s.trials {
		if t.Status == StatusOK {
			snapshot = append(snapshot, t.clone())
		}
	}
	s.mu.RUnlock()

	return func(yield func(Trial) bool) {
		for _, t := range snapshot {
			if !yield(t) {
				return
			}
		}
	}
}

// All returns a copy of the full history in id order. Configurations are
// copied too, so callers may modify them freely.
func (s *Store) All() []Trial {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Trial, len(s.trials))
	for i, t := range s.trials {
		out[i] = t.clone()
	}
	return out
}

// Best returns the OK trial with minimal loss; ties go to the earliest id.
func (s *Store) Best() (Trial, bool) {
	var best Trial
	found := false
	for t := range s.CompletedOK() {
		if !found || t.Loss < best.Loss {
			best, found = t, true
		}
	}
	return best, found
}

// Ranked returns the OK trials sorted by ascending loss, ties by id.
func Ranked(seq iter.Seq[Trial]) []Trial {
	var out []Trial
	for t := range seq {
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Loss < out[j].Loss
	})
	return out
}
