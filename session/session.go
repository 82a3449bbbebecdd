// Package session owns the single MPSD session for one game server: its
// creation, member join, heartbeat, and bounded-backoff reconnect ladder.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fennecdev/friendconnect/auth"
	"github.com/fennecdev/friendconnect/mpsdclient"
)

// State is a SessionController lifecycle state (§4.4 state machine).
type State int

const (
	Offline State = iota
	Registered
	Active
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Offline:
		return "offline"
	case Registered:
		return "registered"
	case Active:
		return "active"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

const serviceConfigID = "4fc10100-5f7a-4470-899b-280835760c07"

// sessionDirectoryBaseURL is a var, not a const, so tests can redirect MPSD
// calls at an httptest.Server instead of sessiondirectory.xboxlive.com.
var sessionDirectoryBaseURL = "https://sessiondirectory.xboxlive.com"

// ServerInfo is the display/address information a session advertises.
type ServerInfo struct {
	ID         string
	HostName   string
	WorldName  string
	Address    string
	Port       int
	Protocol   int
	Version    string
	MaxPlayers int
}

// HealthSample is the bounded snapshot HealthCheck returns.
type HealthSample struct {
	Healthy bool
	Reason  string
	At      time.Time
}

// Tuning carries the knobs named in §6's session tuning block.
type Tuning struct {
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	HeartbeatInterval    time.Duration
	AutoReconnect        bool
}

// Controller owns one MPSD session for one server. All public operations
// are serialized through mu: Create, Heartbeat, Stop, and the reconnect
// ladder never run concurrently for one controller, matching §5's ordering
// guarantee.
type Controller struct {
	mu sync.Mutex

	client *mpsdclient.Client
	server ServerInfo
	tuning Tuning
	log    zerolog.Logger

	state          State
	sessionName    string
	host           auth.Identity
	members        []auth.Identity
	subscriptionID string
	lastHeartbeat  time.Time
	attempts       int
	running        bool
	raknetGUID     string
	connectionGUID string

	cancelBackoff context.CancelFunc
	heartbeatStop chan struct{}
	heartbeatDone chan struct{}

	events chan Event
}

// New constructs a Controller for server, using client for MPSD calls.
// events may be nil; if set, it should be buffered or drained promptly, the
// same contract social.New and health.New already carry.
func New(client *mpsdclient.Client, server ServerInfo, tuning Tuning, log zerolog.Logger, events chan Event) *Controller {
	return &Controller{
		client: client,
		server: server,
		tuning: tuning,
		log:    log,
		state:  Offline,
		events: events,
	}
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Create builds the session body and PUTs it to MPSD, then joins every
// non-host identity. It is idempotent: if already Active, it stops and
// recreates. identities[0] is always the host, per the §4.4 invariant.
func (c *Controller) Create(ctx context.Context, identities []auth.Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Active {
		c.stopLocked(ctx)
	}

	if len(identities) == 0 {
		return fmt.Errorf("session: cannot create with zero identities")
	}

	c.host = identities[0]
	c.members = identities[1:]
	c.sessionName = fmt.Sprintf("FriendConnect-%s-%d", c.server.ID, time.Now().UnixNano())
	c.subscriptionID = uuid.NewString()
	c.raknetGUID = uuid.NewString()
	c.connectionGUID = uuid.NewString()
	c.running = true
	c.attempts = 0

	if err := c.createLocked(ctx); err != nil {
		c.state = Reconnecting
		go c.attemptReconnectAsync()
		return err
	}

	c.state = Active
	c.lastHeartbeat = time.Now()
	c.startHeartbeatLocked()
	return nil
}

func (c *Controller) createLocked(ctx context.Context) error {
	body := c.buildSessionBody(len(c.members) + 1)
	url := c.sessionURL()

	_, err := c.client.Do(ctx, mpsdclient.Request{
		Method:          "PUT",
		URL:             url,
		AuthHeader:      c.host.AuthHeader,
		ContractVersion: "107",
		Body:            body,
	}, nil)
	if err != nil {
		return fmt.Errorf("session: creating session: %w", err)
	}
	c.state = Registered

	for _, member := range c.members {
		if err := c.joinMember(ctx, member); err != nil {
			c.log.Warn().Err(err).Str("member", member.XUID).Msg("member join failed")
		}
	}

	return nil
}

func (c *Controller) joinMember(ctx context.Context, member auth.Identity) error {
	body := map[string]interface{}{
		"members": map[string]interface{}{
			"me": memberBlock(member.XUID, c.connectionGUID, c.subscriptionID),
		},
	}
	_, err := c.client.Do(ctx, mpsdclient.Request{
		Method:          "PUT",
		URL:             c.sessionURL(),
		AuthHeader:      member.AuthHeader,
		ContractVersion: "107",
		Body:            body,
	}, nil)
	return err
}

func (c *Controller) sessionURL() string {
	return fmt.Sprintf(
		"%s/serviceconfigs/%s/sessionTemplates/MinecraftLobby/sessions/%s",
		sessionDirectoryBaseURL, serviceConfigID, c.sessionName,
	)
}

func memberBlock(xuid, connection, subscriptionID string) map[string]interface{} {
	return map[string]interface{}{
		"constants": map[string]interface{}{
			"system": map[string]interface{}{
				"xuid":       xuid,
				"initialize": true,
			},
		},
		"properties": map[string]interface{}{
			"system": map[string]interface{}{
				"active":     true,
				"connection": connection,
				"subscription": map[string]interface{}{
					"id":          subscriptionID,
					"changeTypes": []string{"everything"},
				},
			},
		},
	}
}

func (c *Controller) buildSessionBody(memberCount int) map[string]interface{} {
	return map[string]interface{}{
		"properties": map[string]interface{}{
			"system": map[string]interface{}{
				"joinRestriction": "followed",
				"readRestriction": "followed",
				"closed":          false,
			},
			"custom": map[string]interface{}{
				"BroadcastSetting":        3,
				"CrossPlayDisabled":       false,
				"Joinability":             "joinable_by_friends",
				"LanGame":                 true,
				"MaxMemberCount":          c.server.MaxPlayers,
				"MemberCount":             memberCount,
				"OnlineCrossPlatformGame": true,
				"SupportedConnections": []map[string]interface{}{
					{
						"ConnectionType": 6,
						"HostIpAddress":  c.server.Address,
						"HostPort":       c.server.Port,
						"RakNetGUID":     c.raknetGUID,
					},
				},
				"TitleId":         1739947436,
				"TransportLayer":  0,
				"levelId":         "level",
				"hostName":        c.server.HostName,
				"ownerId":         c.host.XUID,
				"rakNetGUID":      c.raknetGUID,
				"worldName":       c.server.WorldName,
				"worldType":       "Survival",
				"protocol":        c.server.Protocol,
				"version":         c.server.Version,
			},
		},
		"members": map[string]interface{}{
			"me": memberBlock(c.host.XUID, c.connectionGUID, c.subscriptionID),
		},
	}
}

// Heartbeat sends a PUT replacing properties.custom with a freshly computed
// block (MemberCount reflects active identities, lastUpdate ticks).
func (c *Controller) Heartbeat(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Active {
		return fmt.Errorf("session: heartbeat called while not active (state=%s)", c.state)
	}

	body := map[string]interface{}{
		"properties": map[string]interface{}{
			"custom": mergeCustom(c.buildSessionBody(len(c.members)+1), "lastUpdate", time.Now().UTC().Format(time.RFC3339)),
		},
	}

	_, err := c.client.Do(ctx, mpsdclient.Request{
		Method:          "PUT",
		URL:             c.sessionURL(),
		AuthHeader:      c.host.AuthHeader,
		ContractVersion: "107",
		Body:            body,
	}, nil)
	if err != nil {
		c.state = Reconnecting
		c.stopHeartbeatLocked()
		go c.attemptReconnectAsync()
		return fmt.Errorf("session: heartbeat failed: %w", err)
	}

	c.lastHeartbeat = time.Now()
	return nil
}

// stopHeartbeatLocked halts the ticked heartbeat goroutine without touching
// any other controller state — used when a heartbeat failure moves the
// controller into Reconnecting, so the still-running ticker doesn't keep
// calling Heartbeat (and spawning another attemptReconnectAsync) on every
// subsequent tick while a reconnect is already in flight.
func (c *Controller) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
		c.heartbeatDone = nil
	}
}

func mergeCustom(sessionBody map[string]interface{}, key string, value interface{}) map[string]interface{} {
	props := sessionBody["properties"].(map[string]interface{})
	custom := props["custom"].(map[string]interface{})
	custom[key] = value
	return custom
}

// startHeartbeatLocked starts the ticked heartbeat goroutine, stopping any
// previously running one first — callers may invoke this more than once per
// Controller lifetime (e.g. a successful reconnect restarting heartbeats),
// and a stale heartbeatStop left in place would leave the old goroutine
// running forever, firing heartbeats even after a later Stop().
func (c *Controller) startHeartbeatLocked() {
	c.stopHeartbeatLocked()

	c.heartbeatStop = make(chan struct{})
	c.heartbeatDone = make(chan struct{})

	interval := c.tuning.HeartbeatInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}

	stop := c.heartbeatStop
	done := c.heartbeatDone

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := c.Heartbeat(context.Background()); err != nil {
					c.log.Warn().Err(err).Str("server", c.server.ID).Msg("heartbeat failed")
				}
			}
		}
	}()
}

// HealthCheck reports unhealthy if the controller isn't Active, or if it has
// been longer than 2x the heartbeat interval since the last successful
// heartbeat.
func (c *Controller) HealthCheck() HealthSample {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if c.state != Active {
		return HealthSample{Healthy: false, Reason: fmt.Sprintf("state is %s", c.state), At: now}
	}

	interval := c.tuning.HeartbeatInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if now.Sub(c.lastHeartbeat) > 2*interval {
		return HealthSample{Healthy: false, Reason: "heartbeat stale", At: now}
	}

	return HealthSample{Healthy: true, Reason: "active", At: now}
}

// attemptReconnectAsync implements §4.4's failure-handling algorithm as a
// bounded loop (not recursion, per §9's redesign note): increments
// attempts, sleeps the capped exponential backoff, retries Create, and
// transitions to Failed after maxReconnectAttempts.
func (c *Controller) attemptReconnectAsync() {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.cancelBackoff = cancel
	maxAttempts := c.tuning.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	base := c.tuning.ReconnectDelay
	if base <= 0 {
		base = 5 * time.Second
	}
	c.mu.Unlock()

	for {
		c.mu.Lock()
		if !c.running {
			c.mu.Unlock()
			cancel()
			return
		}
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		wait := base * time.Duration(1<<uint(attempt-1))
		const backoffCap = 60 * time.Second
		if wait > backoffCap {
			wait = backoffCap
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}

		c.mu.Lock()
		if !c.running {
			c.mu.Unlock()
			return
		}
		err := c.createLocked(ctx)
		if err == nil {
			c.state = Active
			c.lastHeartbeat = time.Now()
			c.attempts = 0
			c.startHeartbeatLocked()
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if attempt >= maxAttempts {
			c.mu.Lock()
			c.state = Failed
			c.mu.Unlock()
			c.log.Error().Str("server", c.server.ID).Msg("max reconnect attempts exceeded")
			c.emit(Event{Kind: EventSessionFailed, Reason: "max reconnect attempts exceeded", At: time.Now()})
			return
		}
	}
}

// Stop best-effort DELETEs the session, stops the heartbeat and any
// in-flight reconnect backoff, and transitions to Offline.
func (c *Controller) Stop(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked(ctx)
}

func (c *Controller) stopLocked(ctx context.Context) {
	c.running = false

	if c.cancelBackoff != nil {
		c.cancelBackoff()
		c.cancelBackoff = nil
	}

	c.stopHeartbeatLocked()

	if c.sessionName != "" && c.state != Offline {
		_, err := c.client.Do(ctx, mpsdclient.Request{
			Method:          "DELETE",
			URL:             c.sessionURL(),
			AuthHeader:      c.host.AuthHeader,
			ContractVersion: "107",
		}, nil)
		if err != nil {
			c.log.Warn().Err(err).Str("server", c.server.ID).Msg("best-effort session delete failed")
		}
	}

	c.state = Offline
}
