// Package health tracks component liveness. Components register once and
// heartbeat every few seconds; the registry grades each one by beat age and
// sticky error status, serves the aggregate on /healthz, and gives the
// supervisor the same view for restart decisions.
package health

import (
	"sort"
	"sync"
	"time"

	"tradecore/internal/core"
)

// Grading thresholds. Every component heartbeats on a 10 s ticker, so
// degraded means two consecutive beats missed and down means the component
// has been silent for over a minute.
const (
	DefaultDegradedAfter = 30 * time.Second
	DefaultDownAfter     = 90 * time.Second
)

// State is one component's liveness grade.
type State string

const (
	StateOK       State = "ok"
	StateDegraded State = "degraded"
	StateDown     State = "down"
)

// ComponentHealth is one component's entry in the health snapshot.
type ComponentHealth struct {
	Component string    `json:"component"`
	State     State     `json:"state"`
	LastBeat  time.Time `json:"last_beat"`
	Error     string    `json:"error,omitempty"`
}

type componentState struct {
	lastBeat time.Time
	err      error
}

// Registry implements core.IHealthRegistry over heartbeat bookkeeping.
type Registry struct {
	logger        core.ILogger
	now           func() time.Time
	degradedAfter time.Duration
	downAfter     time.Duration

	mu    sync.RWMutex
	comps map[string]*componentState
}

var _ core.IHealthRegistry = (*Registry)(nil)

// NewRegistry creates a registry with the default grading thresholds.
func NewRegistry(logger core.ILogger) *Registry {
	return &Registry{
		logger:        logger.WithField("component", "health_registry"),
		now:           time.Now,
		degradedAfter: DefaultDegradedAfter,
		downAfter:     DefaultDownAfter,
		comps:         make(map[string]*componentState),
	}
}

// Register adds a component; registration counts as its first beat. Calling
// it again resets the entry, which is what a restarted component wants.
func (r *Registry) Register(component string) {
	r.mu.Lock()
	r.comps[component] = &componentState{lastBeat: r.now()}
	r.mu.Unlock()
	r.logger.Debug("Component registered", "name", component)
}

// Beat records a liveness heartbeat. Unregistered components are added so a
// beat that races registration is never lost.
func (r *Registry) Beat(component string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.comps[component]
	if !ok {
		cs = &componentState{}
		r.comps[component] = cs
	}
	cs.lastBeat = r.now()
}

// SetStatus records a component's sticky error. A non-nil err grades the
// component degraded while it keeps beating; nil clears it.
func (r *Registry) SetStatus(component string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.comps[component]
	if !ok {
		cs = &componentState{lastBeat: r.now()}
		r.comps[component] = cs
	}
	cs.err = err
}

func (r *Registry) grade(cs *componentState, now time.Time) State {
	age := now.Sub(cs.lastBeat)
	switch {
	case age > r.downAfter:
		return StateDown
	case age > r.degradedAfter || cs.err != nil:
		return StateDegraded
	default:
		return StateOK
	}
}

// Snapshot returns every component's current grade, sorted by name.
func (r *Registry) Snapshot() []ComponentHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	out := make([]ComponentHealth, 0, len(r.comps))
	for name, cs := range r.comps {
		ch := ComponentHealth{
			Component: name,
			State:     r.grade(cs, now),
			LastBeat:  cs.lastBeat,
		}
		if cs.err != nil {
			ch.Error = cs.err.Error()
		}
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

// Overall folds the snapshot into one platform grade: down if anything is
// down, degraded if anything is degraded, ok otherwise.
func Overall(snap []ComponentHealth) State {
	overall := StateOK
	for _, ch := range snap {
		switch ch.State {
		case StateDown:
			return StateDown
		case StateDegraded:
			overall = StateDegraded
		}
	}
	return overall
}

// Ready reports whether the platform should serve: every component is still
// beating. Degraded components are alive and count as ready.
func (r *Registry) Ready() bool {
	return Overall(r.Snapshot()) != StateDown
}
