package health

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProbe replays a fixed sequence of (healthy, reason) results for one
// subject, one per probe call; once a subject's script is exhausted it
// reports healthy.
type scriptedProbe struct {
	mu      sync.Mutex
	results map[string][]bool
}

func (p *scriptedProbe) probe(id string) (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rs := p.results[id]
	if len(rs) == 0 {
		return true, "no more scripted results, defaulting healthy"
	}
	next := rs[0]
	p.results[id] = rs[1:]
	if next {
		return true, "ok"
	}
	return false, "probe failed"
}

func TestServerDownFiresExactlyOnceAfterMaxFailures(t *testing.T) {
	probe := &scriptedProbe{results: map[string][]bool{
		"s1": {false, false, false, false}, // 3 fail -> down, 4th fail -> no new event
	}}

	events := make(chan Event, 10)
	m := New([]string{"s1"}, probe.probe, Tuning{MaxFailures: 3}, zerolog.Nop(), events)

	var downCount int
	for i := 0; i < 4; i++ {
		m.Check("s1")
	}
	close(events)
	for e := range events {
		if e.Kind == EventServerDown {
			downCount++
		}
	}
	assert.Equal(t, 1, downCount)
}

func TestServerDownNeverFiresBeforeMaxFailures(t *testing.T) {
	probe := &scriptedProbe{results: map[string][]bool{
		"s1": {false, false},
	}}
	events := make(chan Event, 10)
	m := New([]string{"s1"}, probe.probe, Tuning{MaxFailures: 3}, zerolog.Nop(), events)

	m.Check("s1")
	m.Check("s1")
	close(events)
	var downCount int
	for e := range events {
		if e.Kind == EventServerDown {
			downCount++
		}
	}
	assert.Zero(t, downCount)
}

func TestFailureCounterResetsOnFirstHealthyProbe(t *testing.T) {
	probe := &scriptedProbe{results: map[string][]bool{
		"s1": {false, false, true, false, false, false},
	}}
	events := make(chan Event, 10)
	m := New([]string{"s1"}, probe.probe, Tuning{MaxFailures: 3}, zerolog.Nop(), events)

	for i := 0; i < 6; i++ {
		m.Check("s1")
		if i == 2 {
			assert.Zero(t, m.failures["s1"], "the healthy 3rd probe resets the failure counter")
		}
	}
	close(events)
	var downCount int
	for e := range events {
		if e.Kind == EventServerDown {
			downCount++
		}
	}
	// After the reset at the 3rd (healthy) probe, the run of 3 failures
	// afterward reaches maxFailures on its own fresh count and fires
	// exactly one serverDown.
	assert.Equal(t, 1, downCount)
}

func TestCriticalFailureFiresBelowCriticalThreshold(t *testing.T) {
	probe := &scriptedProbe{results: map[string][]bool{
		"s1": {false},
		"s2": {false},
		"s3": {false},
	}}
	events := make(chan Event, 10)
	m := New([]string{"s1", "s2", "s3"}, probe.probe, Tuning{MaxFailures: 1, CriticalThreshold: 0.3, HealthThreshold: 0.8}, zerolog.Nop(), events)

	m.healthCheck()
	close(events)

	var sawCritical bool
	for e := range events {
		if e.Kind == EventCriticalFailure {
			sawCritical = true
		}
	}
	assert.True(t, sawCritical)
}

func TestSystemDegradedFiresBetweenThresholds(t *testing.T) {
	probe := &scriptedProbe{results: map[string][]bool{
		"s1": {true},
		"s2": {false},
		"s3": {true},
		"s4": {true},
	}}
	events := make(chan Event, 10)
	m := New([]string{"s1", "s2", "s3", "s4"}, probe.probe, Tuning{MaxFailures: 1, CriticalThreshold: 0.3, HealthThreshold: 0.8}, zerolog.Nop(), events)

	m.healthCheck() // 3/4 healthy = 0.75, between 0.3 and 0.8
	close(events)

	var kinds []EventKind
	for e := range events {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, EventSystemDegraded)
	assert.NotContains(t, kinds, EventCriticalFailure)
}

func TestRunAndStopCancelTickedLoop(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	probeFn := func(id string) (bool, string) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return true, "ok"
	}

	m := New([]string{"s1"}, probeFn, Tuning{Interval: 5 * time.Millisecond, MaxFailures: 3}, zerolog.Nop(), nil)
	m.Run()
	time.Sleep(30 * time.Millisecond)
	m.Stop()

	mu.Lock()
	afterStop := calls
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, afterStop, calls, "no further ticks after Stop")
	require.Greater(t, calls, 0)
}
