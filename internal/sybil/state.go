package sybil

import (
	"sort"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// tracker holds the risk handling state of every non-normal user.
// Escalation is immediate. Demotion needs a run of consecutive analyses that
// all classify lower, and lands on the highest state seen during the run.
// Suspended users only leave through reset.
// The state is per process. Suspension also goes to the user store, which is
// the only part other nodes see.
type tracker struct {
	mu     sync.Mutex
	passes int
	users  map[string]*riskEntry
}

type riskEntry struct {
	state     domain.RiskState
	streak    int
	streakMax domain.RiskState
}

func newTracker(passes int) *tracker {
	if passes <= 0 {
		passes = 1
	}
	return &tracker{passes: passes, users: make(map[string]*riskEntry)}
}

// observe folds a fresh classification into the user's state and returns the
// state before and after. A user the store already lists as suspended is
// held in Suspended.
func (t *tracker) observe(userID string, classified domain.RiskState, suspended bool) (prev, next domain.RiskState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.users[userID]
	if !ok {
		e = &riskEntry{state: domain.RiskStateNormal}
	}
	prev = e.state

	switch {
	case suspended || prev == domain.RiskStateSuspended:
		e.state = domain.RiskStateSuspended
		e.streak = 0
	case classified.Rank() >= prev.Rank():
		e.state = classified
		e.streak = 0
	default:
		if e.streak == 0 || classified.Rank() > e.streakMax.Rank() {
			e.streakMax = classified
		}
		e.streak++
		if e.streak >= t.passes {
			e.state = e.streakMax
			e.streak = 0
		}
	}

	if e.state == domain.RiskStateNormal && e.streak == 0 {
		delete(t.users, userID)
	} else {
		t.users[userID] = e
	}
	return prev, e.state
}

func (t *tracker) state(userID string) domain.RiskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.users[userID]; ok {
		return e.state
	}
	return domain.RiskStateNormal
}

func (t *tracker) reset(userID string) {
	t.mu.Lock()
	delete(t.users, userID)
	t.mu.Unlock()
}

// monitored returns the Elevated and HighRisk users, sorted.
func (t *tracker) monitored() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, e := range t.users {
		if e.state == domain.RiskStateElevated || e.state == domain.RiskStateHighRisk {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
