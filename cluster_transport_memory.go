package mqttv5

import (
	"context"
	"net"
	"sync"
	"time"
)

// ClusterBus is the shared registry an in-process LocalClusterTransport set
// joins; it exists purely so tests (and single-process multi-node demos) can
// exercise the Cluster Plane without a real network.
type ClusterBus struct {
	mu         sync.RWMutex
	transports map[ClusterNodeID]*LocalClusterTransport
}

func newClusterBus() *ClusterBus {
	return &ClusterBus{transports: make(map[ClusterNodeID]*LocalClusterTransport)}
}

// LocalClusterTransport is an in-memory ClusterTransport implementation: it
// satisfies the same contract a real network transport (e.g. one built over
// transport_quic.go's QUIC listener/dialer) would, so the Engine's Cluster
// Plane wiring is exercised without standing up sockets.
type LocalClusterTransport struct {
	bus  *ClusterBus
	node *clusterNode

	mu      sync.RWMutex
	handler ClusterMessageHandler
	running bool
}

// NewClusterBus creates a shared registry that LocalClusterTransport
// instances join to simulate a cluster within one process.
func NewClusterBus() *ClusterBus { return newClusterBus() }

// NewLocalClusterTransport creates a transport for nodeID bound to bus.
func NewLocalClusterTransport(bus *ClusterBus, nodeID ClusterNodeID, addr net.Addr) *LocalClusterTransport {
	return &LocalClusterTransport{
		bus: bus,
		node: &clusterNode{
			id:       nodeID,
			addr:     addr,
			state:    ClusterNodeStateJoining,
			metadata: map[string]string{},
			lastSeen: time.Now(),
		},
	}
}

func (t *LocalClusterTransport) Start(ctx context.Context) error {
	t.bus.mu.Lock()
	t.bus.transports[t.node.id] = t
	t.bus.mu.Unlock()

	t.mu.Lock()
	t.running = true
	t.mu.Unlock()
	t.node.state = ClusterNodeStateActive
	return nil
}

func (t *LocalClusterTransport) Stop() error {
	t.bus.mu.Lock()
	delete(t.bus.transports, t.node.id)
	t.bus.mu.Unlock()

	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
	t.node.state = ClusterNodeStateLeaving
	return nil
}

func (t *LocalClusterTransport) LocalNode() ClusterNode { return t.node }

func (t *LocalClusterTransport) Nodes() []ClusterNode {
	t.bus.mu.RLock()
	defer t.bus.mu.RUnlock()

	nodes := make([]ClusterNode, 0, len(t.bus.transports))
	for id, peer := range t.bus.transports {
		if id == t.node.id {
			continue
		}
		nodes = append(nodes, peer.node)
	}
	return nodes
}

func (t *LocalClusterTransport) Send(ctx context.Context, nodeID ClusterNodeID, msg ClusterMessage) error {
	t.bus.mu.RLock()
	peer, ok := t.bus.transports[nodeID]
	t.bus.mu.RUnlock()
	if !ok {
		return ErrClusterNoTransport
	}
	return peer.deliver(ctx, msg)
}

func (t *LocalClusterTransport) Broadcast(ctx context.Context, msg ClusterMessage) error {
	t.bus.mu.RLock()
	peers := make([]*LocalClusterTransport, 0, len(t.bus.transports))
	for id, peer := range t.bus.transports {
		if id == t.node.id {
			continue
		}
		peers = append(peers, peer)
	}
	t.bus.mu.RUnlock()

	for _, peer := range peers {
		if err := peer.deliver(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (t *LocalClusterTransport) deliver(ctx context.Context, msg ClusterMessage) error {
	t.mu.RLock()
	handler := t.handler
	running := t.running
	t.mu.RUnlock()
	if !running || handler == nil {
		return nil
	}
	return handler(ctx, msg)
}

func (t *LocalClusterTransport) SetMessageHandler(handler ClusterMessageHandler) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

var _ ClusterTransport = (*LocalClusterTransport)(nil)
