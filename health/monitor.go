// Package health runs periodic probes across a set of subjects (typically
// one per game server) and turns consecutive-failure and healthy-fraction
// thresholds into serverDown/criticalFailure/systemDegraded events.
package health

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ProbeFunc reports whether subject id is currently healthy, plus a reason
// string used in Sample.Reason and in degraded/critical log lines.
type ProbeFunc func(id string) (healthy bool, reason string)

// Sample is one subject's outcome from a single tick.
type Sample struct {
	ID      string
	Healthy bool
	Reason  string
	At      time.Time
}

// EventKind distinguishes the three event types Monitor emits.
type EventKind int

const (
	EventServerDown EventKind = iota
	EventCriticalFailure
	EventSystemDegraded
)

// Event is sent on the events channel passed to New: EventServerDown once
// per run of MaxFailures consecutive failures of a subject, and
// EventCriticalFailure/EventSystemDegraded on every accounting pass whose
// healthy fraction is at or below the respective threshold.
type Event struct {
	Kind   EventKind
	Subject string // empty for EventCriticalFailure/EventSystemDegraded, which are system-wide
	Reason string
	At     time.Time
}

// Tuning carries the knobs named in §4.5.
type Tuning struct {
	Interval          time.Duration
	MaxFailures       int
	CriticalThreshold float64
	HealthThreshold   float64
}

func (t Tuning) withDefaults() Tuning {
	if t.Interval <= 0 {
		t.Interval = 60 * time.Second
	}
	if t.MaxFailures <= 0 {
		t.MaxFailures = 3
	}
	if t.CriticalThreshold <= 0 {
		t.CriticalThreshold = 0.3
	}
	if t.HealthThreshold <= 0 {
		t.HealthThreshold = 0.8
	}
	return t
}

// Monitor runs probe on every registered subject every Interval, and also
// on demand via Check. All accounting (failure counters, event emission)
// is shared between ticked and forced checks.
type Monitor struct {
	probe  ProbeFunc
	tuning Tuning
	log    zerolog.Logger

	mu       sync.Mutex
	subjects []string
	failures map[string]int
	down     map[string]bool // subjects for which serverDown has already fired

	events chan Event

	stop chan struct{}
	done chan struct{}
}

// New constructs a Monitor over subjects, probing with probe. events may be
// nil, in which case emitted events are only logged.
func New(subjects []string, probe ProbeFunc, tuning Tuning, log zerolog.Logger, events chan Event) *Monitor {
	return &Monitor{
		probe:    probe,
		tuning:   tuning.withDefaults(),
		log:      log,
		subjects: subjects,
		failures: make(map[string]int),
		down:     make(map[string]bool),
		events:   events,
	}
}

// Run starts the ticked probe loop in its own goroutine and returns
// immediately; the loop runs until Stop is called. Calling Run while the
// loop is already running does nothing.
func (m *Monitor) Run() {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop := m.stop
	done := m.done
	interval := m.tuning.Interval
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.healthCheck()
			}
		}
	}()
}

// Stop halts the ticked probe loop. Forced Check calls remain valid after
// Stop; only the interval-driven loop is torn down.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop := m.stop
	m.stop = nil
	m.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// Check forces an immediate probe of id, bypassing the interval but sharing
// the same failure-counter and event accounting as the ticked loop.
func (m *Monitor) Check(id string) Sample {
	healthy, reason := m.probe(id)
	sample := Sample{ID: id, Healthy: healthy, Reason: reason, At: time.Now()}
	m.account([]Sample{sample})
	return sample
}

// healthCheck probes every registered subject and emits any threshold
// events. The per-tick results are only logged (as a debug count); they are
// not sent as an event of their own.
func (m *Monitor) healthCheck() {
	m.mu.Lock()
	subjects := append([]string(nil), m.subjects...)
	m.mu.Unlock()

	samples := make([]Sample, 0, len(subjects))
	for _, id := range subjects {
		healthy, reason := m.probe(id)
		samples = append(samples, Sample{ID: id, Healthy: healthy, Reason: reason, At: time.Now()})
	}

	m.log.Debug().Int("count", len(samples)).Msg("health check tick")
	m.account(samples)
}

func (m *Monitor) account(samples []Sample) {
	m.mu.Lock()

	var downEvents []Event
	for _, s := range samples {
		if s.Healthy {
			m.failures[s.ID] = 0
			m.down[s.ID] = false
			continue
		}
		m.failures[s.ID]++
		if m.failures[s.ID] == m.tuning.MaxFailures && !m.down[s.ID] {
			m.down[s.ID] = true
			downEvents = append(downEvents, Event{Kind: EventServerDown, Subject: s.ID, Reason: s.Reason, At: s.At})
		}
	}

	total := len(m.subjects)
	healthyCount := 0
	for _, id := range m.subjects {
		if m.failures[id] == 0 {
			healthyCount++
		}
	}
	m.mu.Unlock()

	for _, e := range downEvents {
		m.log.Warn().Str("subject", e.Subject).Msg("subject reported down")
		m.emit(e)
	}

	if total == 0 {
		return
	}
	fraction := float64(healthyCount) / float64(total)
	now := time.Now()
	switch {
	case fraction <= m.tuning.CriticalThreshold:
		m.log.Error().Float64("healthy_fraction", fraction).Msg("critical failure")
		m.emit(Event{Kind: EventCriticalFailure, Reason: "healthy fraction at or below critical threshold", At: now})
	case fraction <= m.tuning.HealthThreshold:
		m.log.Warn().Float64("healthy_fraction", fraction).Msg("system degraded")
		m.emit(Event{Kind: EventSystemDegraded, Reason: "healthy fraction at or below health threshold", At: now})
	}
}

func (m *Monitor) emit(e Event) {
	if m.events == nil {
		return
	}
	select {
	case m.events <- e:
	default:
		m.log.Warn().Msg("health event channel full, dropping event")
	}
}
