package p2p

import "time"

// Configuration defines the behavior of the connection layer and session
// protocol. Values mirror the CLI/configuration surface external
// collaborators (argument parsing, config files) are expected to populate;
// this package never reads flags or files itself.
type Configuration struct {
	// ListenEndpoint is the "host:port" this node accepts incoming
	// connections on. Empty disables listening.
	ListenEndpoint string
	// PublicEndpoint is advertised to peers in Hello.p2p_address. Defaults
	// to ListenEndpoint when empty.
	PublicEndpoint string
	// SeedEndpoints are outbound peers dialed at startup.
	SeedEndpoints []string
	// AgentName is advertised in Hello.agent.
	AgentName string
	// MaxClients is the tracked-session count at which incoming
	// connections are rejected; outbound dials are not limited by it.
	// 0 means unlimited.
	MaxClients uint
	// ConnectionCleanupPeriod is how often the node coordinator sweeps the
	// transaction cache for expired entries.
	ConnectionCleanupPeriod time.Duration

	// MaxMessageLength is the largest accepted frame payload, in bytes.
	MaxMessageLength uint32
	// ReadBufferMin is the minimum capacity of a connection's read buffer.
	ReadBufferMin uint32

	// StatusInterval is how often a connected session sends Status.
	StatusInterval time.Duration
	// DelayInterval is how long the receiver sub-machine waits after a
	// SubscriptionRefused before asking again.
	DelayInterval time.Duration

	// BackoffBase is the initial reconnect delay.
	BackoffBase time.Duration
	// BackoffMax caps the reconnect delay.
	BackoffMax time.Duration
	// BackoffExponentCap bounds how many times the base delay is doubled.
	BackoffExponentCap uint

	// DialTimeout bounds a single connect attempt.
	DialTimeout time.Duration
	// HandshakeTimeout bounds how long a connection, dialed or accepted,
	// has to complete the Hello exchange before it is dropped.
	HandshakeTimeout time.Duration

	// ChannelCapacity sizes the per-session event channel. The write
	// queue is unbounded and does not use it.
	ChannelCapacity uint

	// DialerAttemptCacheSize bounds the dialer's retry-bookkeeping LRU.
	DialerAttemptCacheSize int

	// NetworkVersion is advertised in Hello.network_version.
	NetworkVersion int16

	// EnablePrometheus registers the package's prometheus metrics. Disable
	// when running multiple instances of this package in one process.
	EnablePrometheus bool
}

// DefaultConfiguration returns a configuration with the constants named in
// spec §6. Callers should override fields from their own CLI/config layer.
func DefaultConfiguration() Configuration {
	var c Configuration
	c.ListenEndpoint = "0.0.0.0:9876"
	c.AgentName = "EOS Test Agent"
	c.MaxClients = 0
	c.ConnectionCleanupPeriod = 10 * time.Second

	c.MaxMessageLength = 10 * 1024 * 1024
	c.ReadBufferMin = 1 * 1024 * 1024

	c.StatusInterval = 5 * time.Second
	c.DelayInterval = 5 * time.Second

	c.BackoffBase = 1 * time.Second
	c.BackoffMax = 300 * time.Second
	c.BackoffExponentCap = 8

	c.DialTimeout = 10 * time.Second
	c.HandshakeTimeout = 10 * time.Second

	c.ChannelCapacity = 256

	c.DialerAttemptCacheSize = 4096

	c.NetworkVersion = 1

	c.EnablePrometheus = true
	return c
}
