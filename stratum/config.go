// Package stratum implements the connection-handling and protocol core of a
// stratum-style mining-pool server. It accepts TCP (optionally TLS)
// connections from mining clients, speaks a newline-delimited JSON-RPC-like
// protocol, tracks per-connection authorization/subscription/difficulty
// state, and applies flood and invalid-share abuse mitigation.
//
// Job construction, share validation and worker credential verification are
// external collaborators: the core only frames, routes and gates messages.
package stratum

import "time"

// PortConfig holds the settings for one listening port.
type PortConfig struct {
	// Diff is the initial share difficulty suggested for sessions on this
	// port. The core does not act on it; orchestrators read it when
	// reacting to new sessions.
	Diff float64
	// TLS enables TLS on this port using CertFile/KeyFile.
	TLS bool
	// CertFile is the path to the PEM certificate when TLS is true.
	CertFile string
	// KeyFile is the path to the PEM private key when TLS is true.
	KeyFile string
}

// BanningConfig controls the invalid-share ban-vote algorithm and the
// banned-IP table.
type BanningConfig struct {
	// Enabled turns banning on. When false the ban vote and the IP check
	// are no-ops.
	Enabled bool
	// Time is how long a banned IP stays banned.
	Time time.Duration
	// InvalidPercent is the share-invalidity percentage at or above which
	// a session is banned when the check threshold is reached.
	InvalidPercent float64
	// CheckThreshold is the number of ban votes (valid+invalid shares)
	// after which the invalid percentage is evaluated.
	CheckThreshold uint64
	// PurgeInterval is how often expired entries are swept from the
	// banned-IP table.
	PurgeInterval time.Duration
}

// Config holds configuration for the stratum server.
type Config struct {
	// Ports maps port number to per-port settings; one listener is opened
	// per key.
	Ports map[int]PortConfig
	// Banning configures abuse mitigation.
	Banning BanningConfig
	// ConnectionTimeout is the idle-session timeout plumbed through to
	// sessions. The core does not enforce it; orchestrators compare it
	// against Client.LastActivity.
	ConnectionTimeout time.Duration
	// TCPProxyProtocol enables inspection of a PROXY protocol preamble on
	// the first inbound chunk of each connection.
	TCPProxyProtocol bool
	// JobRebroadcastTimeout is the watchdog interval: if no job broadcast
	// happens within it, the server reports a broadcast timeout.
	JobRebroadcastTimeout time.Duration
	// MaxConnections caps concurrent connections across all ports.
	// 0 means unlimited.
	MaxConnections int
	// MetricsEnabled turns on Prometheus metrics collection.
	MetricsEnabled bool
}

// DefaultConfig returns a Config with conservative defaults and a single
// plain-TCP listener on the given port. Override fields as needed before
// passing to NewServer.
//
// Parameters:
//   - port: The port to listen on
//
// Returns:
//   - A Config with defaults: banning enabled for 10m with a 500-share
//     check threshold at 50% invalid, 10m purge interval, 10m connection
//     timeout, 55s job rebroadcast timeout.
func DefaultConfig(port int) Config {
	return Config{
		Ports: map[int]PortConfig{
			port: {},
		},
		Banning: BanningConfig{
			Enabled:        true,
			Time:           10 * time.Minute,
			InvalidPercent: 50,
			CheckThreshold: 500,
			PurgeInterval:  10 * time.Minute,
		},
		ConnectionTimeout:     10 * time.Minute,
		TCPProxyProtocol:      false,
		JobRebroadcastTimeout: 55 * time.Second,
	}
}
