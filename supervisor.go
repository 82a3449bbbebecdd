package friendconnect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fennecdev/friendconnect/auth"
	"github.com/fennecdev/friendconnect/config"
	"github.com/fennecdev/friendconnect/mpsdclient"
	"github.com/fennecdev/friendconnect/session"
	"github.com/fennecdev/friendconnect/social"
)

// ServerSupervisor owns the auth pipeline, friendship graph, and session
// controller for one configured game server.
type ServerSupervisor struct {
	ServerID string

	cfg    config.Server
	auth   *auth.Pipeline
	client *mpsdclient.Client
	log    zerolog.Logger

	maxInactivity time.Duration

	mu           sync.Mutex
	initialized  bool
	recovering   bool
	failed       bool
	lastActivity time.Time
	identities   []auth.Identity
	graph        *social.Graph
	sessionCtrl  *session.Controller

	pollStop chan struct{}
	pollDone chan struct{}

	events chan Event
}

// incomingPollInterval is how often ServerSupervisor reaps incoming follow
// requests on behalf of its identities.
const incomingPollInterval = 5 * time.Minute

// NewServerSupervisor constructs a ServerSupervisor for one server entry.
func NewServerSupervisor(srv config.Server, pipeline *auth.Pipeline, client *mpsdclient.Client, monitor config.MonitorTuning, log zerolog.Logger, events chan Event) *ServerSupervisor {
	return &ServerSupervisor{
		ServerID:      srv.ID,
		cfg:           srv,
		auth:          pipeline,
		client:        client,
		log:           log.With().Str("server", srv.ID).Logger(),
		maxInactivity: monitor.MaxInactivityTime,
		events:        events,
	}
}

// Initialize runs Auth → FriendGraph.EstablishAll → SessionController.Create,
// strictly in that order (§5's ordering guarantee).
func (s *ServerSupervisor) Initialize(ctx context.Context, sessionTuning session.Tuning, friendTuning config.FriendTuning) error {
	identities := make([]auth.Identity, 0, len(s.cfg.IdentityEmails))
	for _, email := range s.cfg.IdentityEmails {
		id, err := s.auth.Authenticate(ctx, email)
		if err != nil {
			var perm *auth.PermanentAuthFailure
			if errors.As(err, &perm) {
				s.log.Error().Err(err).Str("email", email).Msg("identity cannot authenticate, continuing without it")
				continue
			}
			return fmt.Errorf("supervisor %s: authenticating %s: %w", s.ServerID, email, err)
		}
		identities = append(identities, id)

		s.auth.ScheduleRefresh(ctx, id, func(next auth.Identity) {
			s.swapIdentity(next)
		})
	}
	if len(identities) == 0 {
		return fmt.Errorf("supervisor %s: no identity could authenticate", s.ServerID)
	}

	socialEvents := make(chan social.Event, 64)
	go forwardSocial(s.ServerID, socialEvents, s.events)

	graph := social.New(s.client, identities, friendTuning.MaxConcurrentRequests, friendTuning.RequestDelay, s.log, socialEvents)
	if err := graph.EstablishAll(ctx); err != nil {
		return fmt.Errorf("supervisor %s: establishing friendship graph: %w", s.ServerID, err)
	}

	info := session.ServerInfo{
		ID:         s.cfg.ID,
		HostName:   s.cfg.HostName,
		WorldName:  s.cfg.WorldName,
		Address:    s.cfg.Address,
		Port:       s.cfg.Port,
		Protocol:   s.cfg.Protocol,
		Version:    s.cfg.Version,
		MaxPlayers: s.cfg.MaxPlayers,
	}
	sessionEvents := make(chan session.Event, 64)
	go forwardSession(s.ServerID, sessionEvents, s.events)

	ctrl := session.New(s.client, info, sessionTuning, s.log, sessionEvents)
	if err := ctrl.Create(ctx, identities); err != nil {
		return fmt.Errorf("supervisor %s: creating session: %w", s.ServerID, err)
	}

	s.mu.Lock()
	s.identities = identities
	s.graph = graph
	s.sessionCtrl = ctrl
	s.initialized = true
	s.failed = false
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.startIncomingPoll()

	return nil
}

// startIncomingPoll starts the ticked incoming-follow-request reaper.
// Any previous ticker is stopped first, so Recover can call this safely too.
func (s *ServerSupervisor) startIncomingPoll() {
	s.mu.Lock()
	if s.pollStop != nil {
		close(s.pollStop)
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	s.pollStop = stop
	s.pollDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(incomingPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.mu.Lock()
				graph := s.graph
				s.mu.Unlock()
				if graph == nil {
					continue
				}
				if err := graph.PollIncoming(context.Background()); err != nil {
					s.log.Warn().Err(err).Msg("polling incoming follow requests failed")
				}
			}
		}
	}()
}

func (s *ServerSupervisor) swapIdentity(next auth.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, id := range s.identities {
		if id.Email == next.Email {
			s.identities[i] = next
			return
		}
	}
}

// Recover implements §4.6: if not already recovering, stop the session,
// refresh tokens, re-establish friendships, and create a new session. A
// re-entrant call while recovery is in progress is a no-op.
func (s *ServerSupervisor) Recover(ctx context.Context, sessionTuning session.Tuning, friendTuning config.FriendTuning) {
	s.mu.Lock()
	if s.recovering {
		s.mu.Unlock()
		return
	}
	s.recovering = true
	ctrl := s.sessionCtrl
	graph := s.graph
	identities := append([]auth.Identity(nil), s.identities...)
	s.mu.Unlock()

	s.emit(Event{Kind: EventSupervisorRecovering, ServerID: s.ServerID, At: time.Now()})

	if ctrl != nil {
		ctrl.Stop(ctx)
	}

	refreshed := make([]auth.Identity, 0, len(identities))
	var recoverErr error
	for _, id := range identities {
		next, err := s.auth.Authenticate(ctx, id.Email)
		if err != nil {
			var perm *auth.PermanentAuthFailure
			if errors.As(err, &perm) {
				s.log.Error().Err(err).Str("email", id.Email).Msg("identity cannot re-authenticate, continuing without it")
				continue
			}
			recoverErr = err
			break
		}
		refreshed = append(refreshed, next)
	}

	if recoverErr == nil && graph != nil {
		graph.Refresh(ctx)
		s.startIncomingPoll()
	}

	if recoverErr == nil {
		info := session.ServerInfo{
			ID:         s.cfg.ID,
			HostName:   s.cfg.HostName,
			WorldName:  s.cfg.WorldName,
			Address:    s.cfg.Address,
			Port:       s.cfg.Port,
			Protocol:   s.cfg.Protocol,
			Version:    s.cfg.Version,
			MaxPlayers: s.cfg.MaxPlayers,
		}
		sessionEvents := make(chan session.Event, 64)
		go forwardSession(s.ServerID, sessionEvents, s.events)

		newCtrl := session.New(s.client, info, sessionTuning, s.log, sessionEvents)
		if err := newCtrl.Create(ctx, refreshed); err != nil {
			recoverErr = err
		} else {
			s.mu.Lock()
			s.sessionCtrl = newCtrl
			s.identities = refreshed
			s.lastActivity = time.Now()
			s.mu.Unlock()
		}
	}

	s.mu.Lock()
	s.recovering = false
	if recoverErr != nil {
		s.failed = true
	}
	s.mu.Unlock()

	if recoverErr != nil {
		s.emit(Event{Kind: EventRecoveryFailed, ServerID: s.ServerID, Reason: recoverErr.Error(), At: time.Now()})
		s.log.Error().Err(recoverErr).Msg("recovery failed")
		return
	}
	s.emit(Event{Kind: EventSupervisorRecovered, ServerID: s.ServerID, At: time.Now()})
}

// HealthCheck reports unhealthy if not initialized, if too long since the
// last recorded activity, or if the session/friendship subsystems report
// unhealthy, propagating the first unhealthy reason.
func (s *ServerSupervisor) HealthCheck() (healthy bool, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return false, "not initialized"
	}
	if s.failed {
		return false, "supervisor failed"
	}

	maxInactivity := s.maxInactivity
	if maxInactivity <= 0 {
		maxInactivity = 5 * time.Minute
	}
	if time.Since(s.lastActivity) > maxInactivity {
		return false, "no recent activity"
	}

	if s.sessionCtrl != nil {
		sample := s.sessionCtrl.HealthCheck()
		if !sample.Healthy {
			return false, "session: " + sample.Reason
		}
	}
	if s.graph != nil {
		if healthy, reason := s.graph.HealthCheck(); !healthy {
			return false, "friend graph: " + reason
		}
	}

	return true, "healthy"
}

// Stop tears down the incoming-poll ticker and session in reverse order.
func (s *ServerSupervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	ctrl := s.sessionCtrl
	s.initialized = false
	if s.pollStop != nil {
		close(s.pollStop)
		s.pollStop = nil
		s.pollDone = nil
	}
	s.mu.Unlock()

	if ctrl != nil {
		ctrl.Stop(ctx)
	}
}

func (s *ServerSupervisor) emit(e Event) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- e:
	default:
		s.log.Warn().Msg("supervisor event channel full, dropping event")
	}
}

// probe adapts HealthCheck into the health.ProbeFunc shape so RootCoordinator
// can wire ServerSupervisors directly into a health.Monitor.
func (s *ServerSupervisor) probe(_ string) (bool, string) {
	return s.HealthCheck()
}
