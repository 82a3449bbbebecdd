package friendconnect

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fennecdev/friendconnect/auth"
	"github.com/fennecdev/friendconnect/config"
	"github.com/fennecdev/friendconnect/health"
	"github.com/fennecdev/friendconnect/mpsdclient"
	"github.com/fennecdev/friendconnect/session"
)

// RootCoordinator fans out one ServerSupervisor per configured server, wires
// a health.Monitor across all of them, and applies the restart/continue
// policy named in §4.7.
type RootCoordinator struct {
	cfg *config.Config
	log zerolog.Logger

	events  chan Event
	monitor *health.Monitor

	mu          sync.Mutex
	supervisors map[string]*ServerSupervisor
	down        StringSet

	statsStop chan struct{}
	statsDone chan struct{}

	// HTTPClient overrides the transport every Pipeline and mpsdclient.Client
	// is built with. Left nil in production; tests set it to point every
	// outbound call at a stub transport instead of the real Xbox Live/MSA
	// hosts.
	HTTPClient *http.Client
}

// New constructs a RootCoordinator from a validated configuration.
func New(cfg *config.Config, log zerolog.Logger) *RootCoordinator {
	return &RootCoordinator{
		cfg:         cfg,
		log:         log,
		events:      make(chan Event, 256),
		supervisors: make(map[string]*ServerSupervisor),
	}
}

// Events returns the aggregated event channel every supervisor and the
// health monitor forward onto.
func (r *RootCoordinator) Events() <-chan Event { return r.events }

// Start instantiates and initializes one ServerSupervisor per configured
// server, honoring ContinueOnServerFailure, then starts the HealthMonitor
// and stats reporting loop.
func (r *RootCoordinator) Start(ctx context.Context) error {
	store, err := auth.NewStore(r.cfg.Auth.TokenPath)
	if err != nil {
		return fmt.Errorf("root coordinator: opening token store: %w", err)
	}

	pipeline := auth.NewPipeline(r.cfg.ClientID, r.cfg.Auth.Title, store, &auth.StdoutPresenter{}, r.log)
	pipeline.MaxRetries = r.cfg.Auth.MaxRetries
	pipeline.RetryBase = r.cfg.Auth.RetryDelay
	pipeline.Deadline = r.cfg.Auth.Deadline

	httpClient := r.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	} else {
		pipeline.HTTP = httpClient
	}

	if r.cfg.DemoMode {
		r.log.Warn().Msg("demo mode: seeding fake identities and stubbing transport, no Xbox Live calls will be made")
		for _, srv := range r.cfg.Servers {
			for _, email := range srv.IdentityEmails {
				if err := seedDemoIdentity(store, email, r.cfg.Auth.Title); err != nil {
					return fmt.Errorf("root coordinator: seeding demo identity %s: %w", email, err)
				}
			}
		}
		httpClient.Transport = demoTransport{}
		pipeline.HTTP = httpClient
	}

	client := mpsdclient.New(httpClient)

	sessionTuning := session.Tuning{
		MaxReconnectAttempts: r.cfg.Session.MaxReconnectAttempts,
		ReconnectDelay:       r.cfg.Session.ReconnectDelay,
		HeartbeatInterval:    r.cfg.Session.HeartbeatInterval,
		AutoReconnect:        r.cfg.Session.AutoReconnect,
	}

	var firstErr error
	for _, srv := range r.cfg.Servers {
		sup := NewServerSupervisor(srv, pipeline, client, r.cfg.Monitor, r.log, r.events)

		if err := sup.Initialize(ctx, sessionTuning, r.cfg.Friend); err != nil {
			r.log.Error().Err(err).Str("server", srv.ID).Msg("server initialization failed")
			if !r.cfg.ContinueOnServerFailure {
				r.stopSupervisorsLocked(ctx)
				return err
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		r.mu.Lock()
		r.supervisors[srv.ID] = sup
		r.mu.Unlock()
	}

	if len(r.supervisors) == 0 && firstErr != nil {
		return firstErr
	}

	r.startHealthMonitor(sessionTuning)
	r.startStatsLoop(ctx)

	return nil
}

// stopSupervisorsLocked tears down every supervisor started so far and
// clears the map. Used when Start aborts partway through because one
// server's Initialize failed and ContinueOnServerFailure is false — without
// this, earlier servers' heartbeat and incoming-poll goroutines would leak
// past the failed Start call.
func (r *RootCoordinator) stopSupervisorsLocked(ctx context.Context) {
	r.mu.Lock()
	supervisors := make([]*ServerSupervisor, 0, len(r.supervisors))
	for _, sup := range r.supervisors {
		supervisors = append(supervisors, sup)
	}
	r.supervisors = make(map[string]*ServerSupervisor)
	r.mu.Unlock()

	for _, sup := range supervisors {
		sup.Stop(ctx)
	}
}

func (r *RootCoordinator) startHealthMonitor(sessionTuning session.Tuning) {
	r.mu.Lock()
	subjects := make([]string, 0, len(r.supervisors))
	probes := make(map[string]*ServerSupervisor, len(r.supervisors))
	for id, sup := range r.supervisors {
		subjects = append(subjects, id)
		probes[id] = sup
	}
	r.mu.Unlock()

	probe := func(id string) (bool, string) {
		sup, ok := probes[id]
		if !ok {
			return false, "unknown subject"
		}
		return sup.HealthCheck()
	}

	tuning := health.Tuning{
		Interval:          r.cfg.Monitor.CheckInterval,
		MaxFailures:       r.cfg.Monitor.MaxFailures,
		CriticalThreshold: r.cfg.Monitor.CriticalThreshold,
		HealthThreshold:   r.cfg.Monitor.HealthThreshold,
	}

	healthEvents := make(chan health.Event, 64)
	r.monitor = health.New(subjects, probe, tuning, r.log, healthEvents)
	r.monitor.Run()

	go func() {
		for e := range healthEvents {
			if e.Kind == health.EventServerDown {
				r.down.Add(e.Subject)
				if r.cfg.Session.AutoRecover {
					if sup, ok := r.supervisor(e.Subject); ok {
						go sup.Recover(context.Background(), sessionTuning, r.cfg.Friend)
					}
				}
			}
			r.events <- fromHealthEvent(e.Subject, e)

			if e.Kind == health.EventCriticalFailure && r.cfg.Monitor.RestartOnCriticalFailure {
				go r.restart(sessionTuning)
			}
		}
	}()
}

// supervisor looks up the currently running supervisor for id, matching
// §4.6/§4.7's expectation that health-driven recovery always acts on the
// live supervisor set rather than a snapshot taken at monitor start.
func (r *RootCoordinator) supervisor(id string) (*ServerSupervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sup, ok := r.supervisors[id]
	return sup, ok
}

// restart performs a full Stop/Start cycle in response to a critical
// failure, per §4.7's restart policy.
func (r *RootCoordinator) restart(sessionTuning session.Tuning) {
	r.log.Warn().Msg("critical failure observed, performing full restart")
	ctx := context.Background()
	r.Stop(ctx)

	if err := r.Start(ctx); err != nil {
		r.log.Error().Err(err).Msg("restart failed")
	}
}

func (r *RootCoordinator) startStatsLoop(ctx context.Context) {
	interval := r.cfg.Monitor.StatsInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	r.statsStop = make(chan struct{})
	r.statsDone = make(chan struct{})
	stop := r.statsStop
	done := r.statsDone

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.reportStats()
			}
		}
	}()
}

func (r *RootCoordinator) reportStats() {
	r.mu.Lock()
	total := len(r.supervisors)
	downIDs := r.down.Get()
	r.mu.Unlock()

	r.log.Info().
		Int("servers", total).
		Int("down", len(downIDs)).
		Strs("down_ids", downIDs).
		Msg("periodic stats report")
}

// Stop halts the stats loop and the health monitor, then stops the
// supervisors one after another, in no particular order.
func (r *RootCoordinator) Stop(ctx context.Context) {
	if r.statsStop != nil {
		close(r.statsStop)
		r.statsStop = nil
	}
	if r.monitor != nil {
		r.monitor.Stop()
	}

	r.stopSupervisorsLocked(ctx)
}
