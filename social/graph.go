// Package social implements the rate-limited friendship-graph builder: it
// ensures a complete directed follow graph between a server's authenticated
// identities and reaps incoming follow requests on their behalf.
package social

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/fennecdev/friendconnect/auth"
	"github.com/fennecdev/friendconnect/mpsdclient"
)

// FriendshipState is the state of one directed edge.
type FriendshipState int

const (
	FriendshipUnknown FriendshipState = iota
	FriendshipPending
	FriendshipEstablished
)

// Friendship is a directed edge between two bot identities.
type Friendship struct {
	From, To string // XUIDs
	State    FriendshipState
}

// EventKind distinguishes the two event types FriendGraph emits.
type EventKind int

const (
	EventFriendshipEstablished EventKind = iota
	EventFriendRequestAccepted
)

// Event is sent on the events channel passed to New for every successful
// edge/accept action (§9:
// event emitters become typed channels).
type Event struct {
	Kind EventKind
	From string
	To   string
}

// socialBaseURL is a var, not a const, so tests can redirect it at an
// httptest.Server instead of social.xboxlive.com.
var socialBaseURL = "https://social.xboxlive.com/users/me/people/xuid(%s)"

// socialFollowersURL is likewise a var so PollIncoming can be pointed at a
// test server.
var socialFollowersURL = "https://social.xboxlive.com/users/me/people/followers"

// Graph owns the complete friendship graph for one server's identities.
type Graph struct {
	client *mpsdclient.Client
	log    zerolog.Logger

	maxConcurrent int
	requestDelay  time.Duration

	mu        sync.RWMutex
	edges     map[string]*Friendship // key: from+"->"+to
	identities []auth.Identity

	events chan Event
}

// New constructs a Graph over identities (host first, in configuration
// order). events may be nil; sends never block, and an event is dropped
// with a warning when the channel is full, so it should be buffered or
// drained promptly.
func New(client *mpsdclient.Client, identities []auth.Identity, maxConcurrent int, requestDelay time.Duration, log zerolog.Logger, events chan Event) *Graph {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &Graph{
		client:        client,
		log:           log,
		maxConcurrent: maxConcurrent,
		requestDelay:  requestDelay,
		edges:         make(map[string]*Friendship),
		identities:    identities,
		events:        events,
	}
}

func edgeKey(from, to string) string { return from + "->" + to }

// pair is one ordered (A,B) edge to establish.
type pair struct {
	from auth.Identity
	to   auth.Identity
}

// EstablishAll ensures, for every ordered pair (A, B) with A != B, that A
// follows B. Edges are processed in a worker pool of at most maxConcurrent
// requests; a token-bucket rate limiter lets the first maxConcurrent edges
// start at once and then admits one edge per requestDelay, to respect Xbox
// Live's soft per-endpoint rate limit. Edges are not grouped into batches
// with a pause between them.
func (g *Graph) EstablishAll(ctx context.Context) error {
	pairs := g.allPairs()

	sem := semaphore.NewWeighted(int64(g.maxConcurrent))
	limiter := rate.NewLimiter(rate.Every(g.requestDelay), g.maxConcurrent)

	var wg sync.WaitGroup
	for _, pr := range pairs {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return fmt.Errorf("social: acquiring worker slot: %w", err)
		}
		if err := limiter.Wait(ctx); err != nil {
			sem.Release(1)
			wg.Wait()
			return fmt.Errorf("social: waiting for rate limiter: %w", err)
		}

		wg.Add(1)
		go func(pr pair) {
			defer wg.Done()
			defer sem.Release(1)
			g.establishEdge(ctx, pr.from, pr.to)
		}(pr)
	}
	wg.Wait()

	return nil
}

func (g *Graph) allPairs() []pair {
	var pairs []pair
	for _, a := range g.identities {
		for _, b := range g.identities {
			if a.XUID == b.XUID {
				continue
			}
			pairs = append(pairs, pair{from: a, to: b})
		}
	}
	return pairs
}

func (g *Graph) establishEdge(ctx context.Context, from, to auth.Identity) {
	key := edgeKey(from.XUID, to.XUID)
	g.setEdge(key, from.XUID, to.XUID, FriendshipPending)

	already, err := g.isFollowing(ctx, from, to)
	if err != nil {
		g.log.Warn().Err(err).Str("from", from.XUID).Str("to", to.XUID).Msg("friendship status check failed")
	}
	if already {
		g.setEdge(key, from.XUID, to.XUID, FriendshipEstablished)
		g.emit(Event{Kind: EventFriendshipEstablished, From: from.XUID, To: to.XUID})
		return
	}

	if err := g.follow(ctx, from, to); err != nil {
		// PUT failures are warnings, not fatal; the missing edge surfaces
		// through HealthCheck rather than propagating as an error.
		g.log.Warn().Err(err).Str("from", from.XUID).Str("to", to.XUID).Msg("follow request failed")
		return
	}

	g.setEdge(key, from.XUID, to.XUID, FriendshipEstablished)
	g.emit(Event{Kind: EventFriendshipEstablished, From: from.XUID, To: to.XUID})
}

func (g *Graph) isFollowing(ctx context.Context, from, to auth.Identity) (bool, error) {
	var out struct {
		IsFollowedByCaller bool `json:"isFollowedByCaller"`
	}
	_, err := g.client.Do(ctx, mpsdclient.Request{
		Method:          "GET",
		URL:             fmt.Sprintf(socialBaseURL, to.XUID),
		AuthHeader:      from.AuthHeader,
		ContractVersion: "1",
	}, &out)
	if err != nil {
		return false, err
	}
	return out.IsFollowedByCaller, nil
}

func (g *Graph) follow(ctx context.Context, from, to auth.Identity) error {
	_, err := g.client.Do(ctx, mpsdclient.Request{
		Method:          "PUT",
		URL:             fmt.Sprintf(socialBaseURL, to.XUID),
		AuthHeader:      from.AuthHeader,
		ContractVersion: "1",
	}, nil)
	return err
}

func (g *Graph) setEdge(key, from, to string, state FriendshipState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges[key] = &Friendship{From: from, To: to, State: state}
}

func (g *Graph) emit(e Event) {
	if g.events == nil {
		return
	}
	select {
	case g.events <- e:
	default:
		g.log.Warn().Msg("social event channel full, dropping event")
	}
}

// Refresh clears cached edge state and re-runs EstablishAll.
func (g *Graph) Refresh(ctx context.Context) error {
	g.mu.Lock()
	g.edges = make(map[string]*Friendship)
	g.mu.Unlock()
	return g.EstablishAll(ctx)
}

// incomingFollower is the subset of the social "followers" payload we need.
type incomingFollower struct {
	XUID               string `json:"xuid"`
	IsFollowedByCaller bool   `json:"isFollowedByCaller"`
}

// PollIncoming lists, for each identity, followers who are not already
// followed back, and auto-follows them, emitting EventFriendRequestAccepted
// per action.
func (g *Graph) PollIncoming(ctx context.Context) error {
	for _, id := range g.identities {
		var out struct {
			People []incomingFollower `json:"people"`
		}
		_, err := g.client.Do(ctx, mpsdclient.Request{
			Method:          "GET",
			URL:             socialFollowersURL,
			AuthHeader:      id.AuthHeader,
			ContractVersion: "1",
		}, &out)
		if err != nil {
			g.log.Warn().Err(err).Str("identity", id.XUID).Msg("listing incoming followers failed")
			continue
		}

		for _, follower := range out.People {
			if follower.IsFollowedByCaller {
				continue
			}
			target := auth.Identity{XUID: follower.XUID}
			if err := g.follow(ctx, id, target); err != nil {
				g.log.Warn().Err(err).Str("from", id.XUID).Str("to", follower.XUID).Msg("auto-follow failed")
				continue
			}
			g.setEdge(edgeKey(id.XUID, follower.XUID), id.XUID, follower.XUID, FriendshipEstablished)
			g.emit(Event{Kind: EventFriendRequestAccepted, From: id.XUID, To: follower.XUID})
		}
	}
	return nil
}

// HealthCheck reports healthy iff at least half of the N*(N-1) expected
// edges are established.
func (g *Graph) HealthCheck() (healthy bool, reason string) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n := len(g.identities)
	expected := n * (n - 1)
	if expected == 0 {
		return true, "no peer identities to connect"
	}

	established := 0
	for _, e := range g.edges {
		if e.State == FriendshipEstablished {
			established++
		}
	}

	healthy = float64(established) >= 0.5*float64(expected)
	reason = fmt.Sprintf("%d/%d edges established", established, expected)
	return healthy, reason
}
