package mqttv5

import "time"

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	sessionStore      SessionStore
	retainedStore     RetainedStore
	auth              Authenticator
	enhancedAuth      EnhancedAuthenticator
	authz             Authorizer
	maxPacketSize     uint32
	maxConnections    int
	keepAliveOverride uint16
	topicAliasMax     uint16
	receiveMaximum    uint16
	onConnect         func(*ServerClient)
	onDisconnect      func(*ServerClient)
	onMessage         func(*ServerClient, *Message)
	onSubscribe       func(*ServerClient, []Subscription)
	onUnsubscribe     func(*ServerClient, []string)

	// tickInterval is the selector's readiness-wait budget (section 2,
	// section 5): the upper bound on how stale cleanup_operations work can
	// get. Configuration surface name: select-tick-ms.
	tickInterval time.Duration

	// connectTimeout bounds how long a freshly accepted socket may sit in
	// AwaitingConnect before the TCP Event Handler closes it. Configuration
	// surface name: connect-timeout-ms.
	connectTimeout time.Duration

	// maxSessionExpiryInterval caps the session-expiry-interval a CONNECT or
	// DISCONNECT may request. Zero means unbounded. Configuration surface
	// name: maximum-session-expiry-interval.
	maxSessionExpiryInterval uint32

	// publishRateLimit/publishRateBurst configure the per-session publish
	// rate limiter (golang.org/x/time/rate); zero limit disables it.
	publishRateLimit float64
	publishRateBurst int

	clusterEnabled   bool
	clusterNodeID    ClusterNodeID
	clusterTransport ClusterTransport

	// metrics backs both Bridge's counters (Server.Metrics) and any
	// caller reaching for raw Counter/Gauge/Histogram access directly.
	metrics Metrics

	logger Logger
}

func defaultServerConfig() *serverConfig {
	return &serverConfig{
		sessionStore:   NewMemorySessionStore(),
		retainedStore:  NewMemoryRetainedStore(),
		maxPacketSize:  256 * 1024, // 256KB
		maxConnections: 0,          // unlimited
		receiveMaximum: 65535,
		tickInterval:   250 * time.Millisecond,
		connectTimeout: 30 * time.Second,
		metrics:        NewMemoryMetrics(),
		logger:         NewNoOpLogger(),
	}
}

// WithMetrics sets the Metrics backend used for bridge and broker counters.
func WithMetrics(m Metrics) ServerOption {
	return func(c *serverConfig) {
		c.metrics = m
	}
}

// WithLogger sets the structured logger used for connection and transport
// diagnostics. Defaults to NewNoOpLogger.
func WithLogger(l Logger) ServerOption {
	return func(c *serverConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithSessionStore sets the session store.
func WithSessionStore(store SessionStore) ServerOption {
	return func(c *serverConfig) {
		c.sessionStore = store
	}
}

// WithRetainedStore sets the retained message store.
func WithRetainedStore(store RetainedStore) ServerOption {
	return func(c *serverConfig) {
		c.retainedStore = store
	}
}

// WithServerAuth sets the authenticator.
func WithServerAuth(auth Authenticator) ServerOption {
	return func(c *serverConfig) {
		c.auth = auth
	}
}

// WithEnhancedAuth sets the multi-step AUTH-packet authenticator used for
// CONNECT requests carrying an AuthMethod property. Clients using a method
// the authenticator doesn't support fall through to the plain Authenticator
// set by WithServerAuth, if any.
func WithEnhancedAuth(auth EnhancedAuthenticator) ServerOption {
	return func(c *serverConfig) {
		c.enhancedAuth = auth
	}
}

// WithServerAuthz sets the authorizer.
func WithServerAuthz(authz Authorizer) ServerOption {
	return func(c *serverConfig) {
		c.authz = authz
	}
}

// WithServerMaxPacketSize sets the maximum packet size.
func WithServerMaxPacketSize(size uint32) ServerOption {
	return func(c *serverConfig) {
		c.maxPacketSize = size
	}
}

// WithMaxConnections sets the maximum number of concurrent connections.
// 0 means unlimited.
func WithMaxConnections(n int) ServerOption {
	return func(c *serverConfig) {
		c.maxConnections = n
	}
}

// WithServerKeepAlive sets the server keep-alive override.
// When set, clients must use this value instead of their requested value.
func WithServerKeepAlive(seconds uint16) ServerOption {
	return func(c *serverConfig) {
		c.keepAliveOverride = seconds
	}
}

// WithServerTopicAliasMax sets the maximum topic alias value.
func WithServerTopicAliasMax(maxVal uint16) ServerOption {
	return func(c *serverConfig) {
		c.topicAliasMax = maxVal
	}
}

// WithServerReceiveMaximum sets the receive maximum.
func WithServerReceiveMaximum(maxVal uint16) ServerOption {
	return func(c *serverConfig) {
		if maxVal == 0 {
			maxVal = 65535
		}
		c.receiveMaximum = maxVal
	}
}

// OnConnect sets the callback for client connections.
func OnConnect(fn func(*ServerClient)) ServerOption {
	return func(c *serverConfig) {
		c.onConnect = fn
	}
}

// OnDisconnect sets the callback for client disconnections.
func OnDisconnect(fn func(*ServerClient)) ServerOption {
	return func(c *serverConfig) {
		c.onDisconnect = fn
	}
}

// OnMessage sets the callback for received messages.
func OnMessage(fn func(*ServerClient, *Message)) ServerOption {
	return func(c *serverConfig) {
		c.onMessage = fn
	}
}

// OnSubscribe sets the callback for subscribe requests.
func OnSubscribe(fn func(*ServerClient, []Subscription)) ServerOption {
	return func(c *serverConfig) {
		c.onSubscribe = fn
	}
}

// OnUnsubscribe sets the callback for unsubscribe requests.
func OnUnsubscribe(fn func(*ServerClient, []string)) ServerOption {
	return func(c *serverConfig) {
		c.onUnsubscribe = fn
	}
}

// WithTickInterval sets the engine's cleanup-ticker period (select-tick-ms):
// the cadence at which expired sessions, expired pending messages, and will
// delays are swept. Values <= 0 are ignored and the default is kept.
func WithTickInterval(d time.Duration) ServerOption {
	return func(c *serverConfig) {
		if d > 0 {
			c.tickInterval = d
		}
	}
}

// WithConnectTimeout bounds how long a connection goroutine will wait for a
// CONNECT packet before closing the socket (connect-timeout-ms).
func WithConnectTimeout(d time.Duration) ServerOption {
	return func(c *serverConfig) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithMaxSessionExpiryInterval caps the session-expiry-interval accepted from
// a client (maximum-session-expiry-interval). 0 leaves it unbounded.
func WithMaxSessionExpiryInterval(seconds uint32) ServerOption {
	return func(c *serverConfig) {
		c.maxSessionExpiryInterval = seconds
	}
}

// WithPublishRateLimit enables a per-session token-bucket limiter on inbound
// PUBLISH packets: limit messages per second, burst up to burst in a single
// tick. A client that exceeds it is disconnected with ReasonMessageRateTooHigh.
func WithPublishRateLimit(limit float64, burst int) ServerOption {
	return func(c *serverConfig) {
		c.publishRateLimit = limit
		c.publishRateBurst = burst
	}
}

// WithClusterPlane enables the cluster plane (section 4.6): nodeID identifies
// this node to its peers and transport carries inter-node traffic (see
// NewLocalClusterTransport for the in-process reference transport).
func WithClusterPlane(nodeID ClusterNodeID, transport ClusterTransport) ServerOption {
	return func(c *serverConfig) {
		c.clusterEnabled = true
		c.clusterNodeID = nodeID
		c.clusterTransport = transport
	}
}
