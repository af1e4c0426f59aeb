package mqttv5

// BridgeMetrics exposes the bridge-specific counters a Bridge records
// through the server's configured Metrics backend (section metrics.go).
// It is a thin named wrapper: the underlying counters are ordinary
// Metrics.Counter instances, so swapping in a Prometheus- or
// statsd-backed Metrics implementation picks these up automatically.
type BridgeMetrics struct {
	errors            Counter
	droppedLoop       Counter
	forwardedToLocal  Counter
	forwardedToRemote Counter
}

func newBridgeMetrics(m Metrics) *BridgeMetrics {
	return &BridgeMetrics{
		errors:            m.Counter("bridge_errors_total", nil),
		droppedLoop:       m.Counter("bridge_dropped_loop_total", nil),
		forwardedToLocal:  m.Counter("bridge_forwarded_to_local_total", nil),
		forwardedToRemote: m.Counter("bridge_forwarded_to_remote_total", nil),
	}
}

// BridgeError records a bridge operation failure (connect, publish, or subscribe).
func (b *BridgeMetrics) BridgeError() { b.errors.Inc() }

// BridgeDroppedLoop records a message dropped by bridge loop-prevention.
func (b *BridgeMetrics) BridgeDroppedLoop() { b.droppedLoop.Inc() }

// BridgeForwardedToLocal records a message forwarded from the remote broker into the local one.
func (b *BridgeMetrics) BridgeForwardedToLocal() { b.forwardedToLocal.Inc() }

// BridgeForwardedToRemote records a message forwarded from the local broker to the remote one.
func (b *BridgeMetrics) BridgeForwardedToRemote() { b.forwardedToRemote.Inc() }
