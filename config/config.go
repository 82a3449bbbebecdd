// Package config loads and validates FriendConnect's configuration.
package config

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// Server describes one game server to advertise on MPSD.
type Server struct {
	ID              string   `yaml:"id"`
	HostName        string   `yaml:"hostName"`
	WorldName       string   `yaml:"worldName"`
	Address         string   `yaml:"address"`
	Port            int      `yaml:"port"`
	Protocol        int      `yaml:"protocol"`
	Version         string   `yaml:"version"`
	MaxPlayers      int      `yaml:"maxPlayers"`
	IdentityEmails  []string `yaml:"identities"`
}

// SessionTuning controls SessionController behaviour.
type SessionTuning struct {
	AutoReconnect        bool          `yaml:"autoReconnect"`
	MaxReconnectAttempts int           `yaml:"maxReconnectAttempts"`
	ReconnectDelay       time.Duration `yaml:"reconnectDelay"`
	HeartbeatInterval    time.Duration `yaml:"heartbeatInterval"`
	AutoRecover          bool          `yaml:"autoRecover"`
}

// AuthTuning controls AuthPipeline behaviour.
type AuthTuning struct {
	TokenPath  string        `yaml:"tokenPath"`
	Title      string        `yaml:"title"`
	MaxRetries int           `yaml:"maxRetries"`
	RetryDelay time.Duration `yaml:"retryDelay"`
	Deadline   time.Duration `yaml:"deadline"`
}

// FriendTuning controls FriendGraph behaviour.
type FriendTuning struct {
	MaxConcurrentRequests int           `yaml:"maxConcurrentRequests"`
	RequestDelay          time.Duration `yaml:"requestDelay"`
}

// MonitorTuning controls HealthMonitor and supervisor recovery behaviour.
type MonitorTuning struct {
	CheckInterval            time.Duration `yaml:"checkInterval"`
	HealthThreshold          float64       `yaml:"healthThreshold"`
	CriticalThreshold        float64       `yaml:"criticalThreshold"`
	MaxFailures              int           `yaml:"maxFailures"`
	RestartOnCriticalFailure bool          `yaml:"restartOnCriticalFailure"`
	MaxInactivityTime        time.Duration `yaml:"maxInactivityTime"`
	StatsInterval            time.Duration `yaml:"statsInterval"`
}

// Config is the root configuration document.
type Config struct {
	Servers                 []Server      `yaml:"servers"`
	Session                 SessionTuning `yaml:"session"`
	Auth                    AuthTuning    `yaml:"auth"`
	Friend                  FriendTuning  `yaml:"friend"`
	Monitor                 MonitorTuning `yaml:"monitor"`
	ContinueOnServerFailure bool          `yaml:"continueOnServerFailure"`
	DemoMode                bool          `yaml:"demoMode"`

	// ClientID is the Microsoft Azure AD application ID used for the device
	// code flow. It is secret-adjacent enough that it is never read from the
	// YAML file, only from the environment; see Load.
	ClientID string `yaml:"-"`
}

const envClientID = "FRIENDCONNECT_CLIENT_ID"

// Load reads a YAML configuration document from path and applies defaults,
// then overlays secrets from the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if clientID := os.Getenv(envClientID); clientID != "" {
		cfg.ClientID = clientID
	}

	return cfg, nil
}

// Default returns a Config populated with the tuning defaults named in the
// specification (§6 Configuration).
func Default() *Config {
	return &Config{
		Session: SessionTuning{
			AutoReconnect:        true,
			MaxReconnectAttempts: 10,
			ReconnectDelay:       5 * time.Second,
			HeartbeatInterval:    60 * time.Second,
			AutoRecover:          true,
		},
		Auth: AuthTuning{
			TokenPath:  "./auth/",
			Title:      "MinecraftNintendoSwitch",
			MaxRetries: 5,
			RetryDelay: 2 * time.Second,
			Deadline:   15 * time.Minute,
		},
		Friend: FriendTuning{
			MaxConcurrentRequests: 5,
			RequestDelay:          time.Second,
		},
		Monitor: MonitorTuning{
			CheckInterval:            60 * time.Second,
			HealthThreshold:          0.8,
			CriticalThreshold:        0.3,
			MaxFailures:              3,
			RestartOnCriticalFailure: false,
			MaxInactivityTime:        5 * time.Minute,
			StatsInterval:            5 * time.Minute,
		},
		ContinueOnServerFailure: true,
	}
}

// Validate implements the FatalStartup checks named in §7 of the
// specification: empty server list, zero identities, invalid port.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("fatal startup: no servers configured")
	}

	seen := make(map[string]bool, len(c.Servers))
	for _, srv := range c.Servers {
		if srv.ID == "" {
			return fmt.Errorf("fatal startup: server with empty id")
		}
		if seen[srv.ID] {
			return fmt.Errorf("fatal startup: duplicate server id %q", srv.ID)
		}
		seen[srv.ID] = true

		if len(srv.IdentityEmails) == 0 {
			return fmt.Errorf("fatal startup: server %q has zero identities", srv.ID)
		}
		if srv.Port <= 0 || srv.Port > 65535 {
			return fmt.Errorf("fatal startup: server %q has invalid port %d", srv.ID, srv.Port)
		}
	}

	if c.ClientID == "" && !c.DemoMode {
		return fmt.Errorf("fatal startup: missing client id (set %s)", envClientID)
	}

	return nil
}
