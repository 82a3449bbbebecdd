package friendconnect

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/fennecdev/friendconnect/auth"
	"github.com/fennecdev/friendconnect/config"
	"github.com/fennecdev/friendconnect/session"
	"github.com/fennecdev/friendconnect/social"
)

func TestHealthCheckNotInitializedTakesPriority(t *testing.T) {
	s := &ServerSupervisor{log: zerolog.Nop()}
	healthy, reason := s.HealthCheck()
	assert.False(t, healthy)
	assert.Equal(t, "not initialized", reason)
}

func TestHealthCheckFailedFlagTakesPriorityOverActivity(t *testing.T) {
	s := &ServerSupervisor{
		log:          zerolog.Nop(),
		initialized:  true,
		failed:       true,
		lastActivity: time.Now().Add(-time.Hour),
	}
	healthy, reason := s.HealthCheck()
	assert.False(t, healthy)
	assert.Equal(t, "supervisor failed", reason)
}

func TestHealthCheckInactivityTakesPriorityOverSubsystems(t *testing.T) {
	s := &ServerSupervisor{
		log:           zerolog.Nop(),
		initialized:   true,
		maxInactivity: time.Minute,
		lastActivity:  time.Now().Add(-time.Hour),
	}
	healthy, reason := s.HealthCheck()
	assert.False(t, healthy)
	assert.Equal(t, "no recent activity", reason)
}

func TestHealthCheckPropagatesSessionReasonBeforeGraph(t *testing.T) {
	ctrl := session.New(nil, session.ServerInfo{ID: "srv"}, session.Tuning{}, zerolog.Nop(), nil)
	// Two identities with no established edges: the graph is unhealthy too.
	graph := social.New(nil, []auth.Identity{{XUID: "a"}, {XUID: "b"}}, 5, time.Millisecond, zerolog.Nop(), nil)
	s := &ServerSupervisor{
		log:           zerolog.Nop(),
		initialized:   true,
		maxInactivity: time.Hour,
		lastActivity:  time.Now(),
		sessionCtrl:   ctrl,
		graph:         graph,
	}
	healthy, reason := s.HealthCheck()
	assert.False(t, healthy)
	assert.Contains(t, reason, "session:")
}

func TestHealthCheckHealthyWhenEverythingPasses(t *testing.T) {
	s := &ServerSupervisor{
		log:           zerolog.Nop(),
		initialized:   true,
		maxInactivity: time.Hour,
		lastActivity:  time.Now(),
	}
	healthy, reason := s.HealthCheck()
	assert.True(t, healthy)
	assert.Equal(t, "healthy", reason)
}

// TestRecoverIsReentrantNoOp verifies a Recover call made while a previous
// Recover is still in flight returns immediately without touching s.auth —
// if it did not early-return, the nil auth pipeline below would panic.
func TestRecoverIsReentrantNoOp(t *testing.T) {
	s := &ServerSupervisor{
		log:        zerolog.Nop(),
		recovering: true,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Recover(context.Background(), session.Tuning{}, config.FriendTuning{})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Recover did not return promptly for a re-entrant call")
	}

	s.mu.Lock()
	stillRecovering := s.recovering
	s.mu.Unlock()
	assert.True(t, stillRecovering, "a re-entrant call must not clear the in-flight recovery flag")
}
