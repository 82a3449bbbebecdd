package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fennecdev/friendconnect/auth"
	"github.com/fennecdev/friendconnect/mpsdclient"
)

// withTestServer points sessionDirectoryBaseURL at srv for the life of the
// test, restoring the real Xbox Live host afterwards.
func withTestServer(t *testing.T, srv *httptest.Server) {
	t.Helper()
	orig := sessionDirectoryBaseURL
	sessionDirectoryBaseURL = srv.URL
	t.Cleanup(func() { sessionDirectoryBaseURL = orig })
}

func testIdentities(xuids ...string) []auth.Identity {
	var ids []auth.Identity
	for _, x := range xuids {
		ids = append(ids, auth.Identity{XUID: x, AuthHeader: "XBL3.0 x=h;" + x})
	}
	return ids
}

var sessionNamePattern = regexp.MustCompile(`^FriendConnect-main-server-\d+$`)

func TestCreateHappyPathNamesHostAndMemberCount(t *testing.T) {
	var mu sync.Mutex
	var puts []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		puts = append(puts, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	withTestServer(t, srv)

	client := mpsdclient.New(srv.Client())
	info := ServerInfo{ID: "main-server", HostName: "Test", Address: "play.example.com", Port: 19132, MaxPlayers: 40}
	tuning := Tuning{HeartbeatInterval: time.Hour, ReconnectDelay: time.Millisecond, MaxReconnectAttempts: 3}
	c := New(client, info, tuning, zerolog.Nop(), nil)
	defer c.Stop(context.Background())

	ids := testIdentities("a-xuid-0", "b-xuid-0")
	require.NoError(t, c.Create(context.Background(), ids))

	assert.Equal(t, Active, c.State())
	assert.True(t, sessionNamePattern.MatchString(c.sessionName), c.sessionName)
	assert.Equal(t, "a-xuid-0", c.host.XUID)

	body := c.buildSessionBody(len(c.members) + 1)
	custom := body["properties"].(map[string]interface{})["custom"].(map[string]interface{})
	assert.Equal(t, 40, custom["MaxMemberCount"])
	assert.Equal(t, 2, custom["MemberCount"])

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(puts), 1)
}

func TestStopCancelsHeartbeatTimer(t *testing.T) {
	var heartbeats int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			atomic.AddInt32(&heartbeats, 1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	withTestServer(t, srv)

	client := mpsdclient.New(srv.Client())
	info := ServerInfo{ID: "srv", Address: "a", Port: 1, MaxPlayers: 40}
	tuning := Tuning{HeartbeatInterval: 10 * time.Millisecond, ReconnectDelay: time.Millisecond, MaxReconnectAttempts: 3}
	c := New(client, info, tuning, zerolog.Nop(), nil)

	require.NoError(t, c.Create(context.Background(), testIdentities("a-xuid-0")))
	time.Sleep(25 * time.Millisecond)

	c.Stop(context.Background())
	countAtStop := atomic.LoadInt32(&heartbeats)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, countAtStop, atomic.LoadInt32(&heartbeats), "no heartbeat should fire after Stop")
	assert.Equal(t, Offline, c.State())
}

func TestHealthCheckUnhealthyWhenNotActive(t *testing.T) {
	client := mpsdclient.New(http.DefaultClient)
	c := New(client, ServerInfo{ID: "srv"}, Tuning{}, zerolog.Nop(), nil)
	sample := c.HealthCheck()
	assert.False(t, sample.Healthy)
}

func TestHealthCheckUnhealthyWhenHeartbeatStale(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	withTestServer(t, srv)

	client := mpsdclient.New(srv.Client())
	tuning := Tuning{HeartbeatInterval: time.Hour, ReconnectDelay: time.Millisecond, MaxReconnectAttempts: 3}
	c := New(client, ServerInfo{ID: "srv", MaxPlayers: 40}, tuning, zerolog.Nop(), nil)
	defer c.Stop(context.Background())

	require.NoError(t, c.Create(context.Background(), testIdentities("a-xuid-0")))
	c.mu.Lock()
	c.lastHeartbeat = time.Now().Add(-3 * time.Hour)
	c.mu.Unlock()

	sample := c.HealthCheck()
	assert.False(t, sample.Healthy)
	assert.Equal(t, "heartbeat stale", sample.Reason)
}

// TestReconnectLadderRetriesThenFails drives Create to succeed once, then
// every subsequent PUT fails, forcing attemptReconnectAsync through its
// bounded loop to Failed after maxReconnectAttempts — scenario 4.
func TestReconnectLadderRetriesThenFails(t *testing.T) {
	var mu sync.Mutex
	createCount := 0
	failAfterFirst := false

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Method == http.MethodPut {
			createCount++
			if failAfterFirst {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	withTestServer(t, srv)

	client := mpsdclient.New(srv.Client())
	tuning := Tuning{
		HeartbeatInterval:    time.Hour,
		ReconnectDelay:       time.Millisecond,
		MaxReconnectAttempts: 2,
	}
	c := New(client, ServerInfo{ID: "srv", MaxPlayers: 40}, tuning, zerolog.Nop(), nil)
	defer c.Stop(context.Background())

	require.NoError(t, c.Create(context.Background(), testIdentities("a-xuid-0")))

	mu.Lock()
	failAfterFirst = true
	mu.Unlock()

	err := c.Heartbeat(context.Background())
	require.Error(t, err)
	assert.Equal(t, Reconnecting, c.State())

	require.Eventually(t, func() bool {
		return c.State() == Failed
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCreateIsIdempotentWhenAlreadyActive(t *testing.T) {
	var mu sync.Mutex
	var deletes, puts int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodDelete:
			deletes++
		case http.MethodPut:
			puts++
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	withTestServer(t, srv)

	client := mpsdclient.New(srv.Client())
	tuning := Tuning{HeartbeatInterval: time.Hour, ReconnectDelay: time.Millisecond, MaxReconnectAttempts: 3}
	c := New(client, ServerInfo{ID: "srv", MaxPlayers: 40}, tuning, zerolog.Nop(), nil)
	defer c.Stop(context.Background())

	require.NoError(t, c.Create(context.Background(), testIdentities("a-xuid-0")))
	firstName := c.sessionName

	require.NoError(t, c.Create(context.Background(), testIdentities("a-xuid-0")))
	secondName := c.sessionName

	assert.NotEqual(t, firstName, secondName, "each Create picks a fresh sessionName")

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, deletes, 1, "recreating an Active session stops the old one first")
	assert.GreaterOrEqual(t, puts, 2)
}

func TestBuildSessionBodyIncludesSupportedConnection(t *testing.T) {
	client := mpsdclient.New(http.DefaultClient)
	info := ServerInfo{ID: "srv", Address: "198.51.100.1", Port: 19132, MaxPlayers: 40}
	c := New(client, info, Tuning{}, zerolog.Nop(), nil)
	c.raknetGUID = "guid-1"
	c.host = auth.Identity{XUID: "host-xuid"}

	body := c.buildSessionBody(1)
	custom := body["properties"].(map[string]interface{})["custom"].(map[string]interface{})
	conns := custom["SupportedConnections"].([]map[string]interface{})
	require.Len(t, conns, 1)
	assert.Equal(t, "198.51.100.1", conns[0]["HostIpAddress"])
	assert.Equal(t, 19132, conns[0]["HostPort"])
	assert.Equal(t, fmt.Sprintf("%v", "guid-1"), conns[0]["RakNetGUID"])
}
