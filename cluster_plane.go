package mqttv5

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"
)

// Cluster Plane errors.
var (
	ErrClusterNotEnabled  = errors.New("cluster is not enabled")
	ErrClusterNoTransport = errors.New("cluster transport not configured")
)

// clusterPeerInterest tracks the topic filters a remote node has told us it
// wants delivered to it, mirroring the local SubscriptionManager but keyed
// by node instead of client.
type clusterPeerInterest struct {
	mu      sync.RWMutex
	filters map[ClusterNodeID]map[string]struct{}
}

func newClusterPeerInterest() *clusterPeerInterest {
	return &clusterPeerInterest{filters: make(map[ClusterNodeID]map[string]struct{})}
}

func (c *clusterPeerInterest) add(node ClusterNodeID, filter string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.filters[node]
	if !ok {
		set = make(map[string]struct{})
		c.filters[node] = set
	}
	set[filter] = struct{}{}
}

func (c *clusterPeerInterest) remove(node ClusterNodeID, filter string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.filters[node]; ok {
		delete(set, filter)
	}
}

func (c *clusterPeerInterest) dropNode(node ClusterNodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.filters, node)
}

// matchingNodes returns the set of nodes with at least one filter matching topic.
func (c *clusterPeerInterest) matchingNodes(topic string) []ClusterNodeID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var nodes []ClusterNodeID
	for node, filters := range c.filters {
		for filter := range filters {
			if TopicMatch(filter, topic) {
				nodes = append(nodes, node)
				break
			}
		}
	}
	return nodes
}

// ClusterPlane is the concrete realization of the Cluster Plane (section 4.6):
// peer connections that replay local subscription interest on attach and
// forward publishes for subscribers owned by remote nodes. A peer's interest
// is removed only by that peer's own SubscriptionRemove messages or by Leave;
// the plane gets no peer-loss notice from the transport, so the interest of
// a peer that is lost stays in routing decisions. Shared-subscription
// group selection stays node-local; retained-message ownership is
// replicated in full to every peer (see SPEC_FULL.md open question 2).
type ClusterPlane struct {
	nodeID    ClusterNodeID
	transport ClusterTransport
	interest  *clusterPeerInterest
	engine    *Engine

	mu     sync.RWMutex
	leader ClusterNodeID
	joined bool
}

// NewClusterPlane builds a cluster plane bound to engine and driven by transport.
// transport may be nil, in which case the plane tracks local subscription
// interest bookkeeping but never leaves the process (useful for tests and for
// single-node deployments that set cluster-enabled but supply no transport).
func NewClusterPlane(nodeID ClusterNodeID, transport ClusterTransport, engine *Engine) *ClusterPlane {
	cp := &ClusterPlane{
		nodeID:    nodeID,
		transport: transport,
		interest:  newClusterPeerInterest(),
		engine:    engine,
	}
	if transport != nil {
		transport.SetMessageHandler(cp.handleInbound)
	}
	return cp
}

func (cp *ClusterPlane) handleInbound(ctx context.Context, msg ClusterMessage) error {
	switch msg.Type() {
	case ClusterMessageTypeSubscriptionSync:
		var m SubscriptionSyncMessage
		if err := json.Unmarshal(msg.Payload(), &m); err != nil {
			return err
		}
		for _, sub := range m.Subscriptions {
			cp.interest.add(msg.SourceNode(), sub.TopicFilter)
		}
	case ClusterMessageTypeSubscriptionRemove:
		var m SubscriptionRemoveMessage
		if err := json.Unmarshal(msg.Payload(), &m); err != nil {
			return err
		}
		for _, filter := range m.TopicFilters {
			cp.interest.remove(msg.SourceNode(), filter)
		}
	case ClusterMessageTypeRetainedSync:
		var m RetainedSyncMessage
		if err := json.Unmarshal(msg.Payload(), &m); err != nil {
			return err
		}
		if cp.engine != nil && m.Message != nil {
			cp.engine.applyReplicatedRetained(m.Message)
		}
	case ClusterMessageTypeRetainedRemove:
		var m RetainedRemoveMessage
		if err := json.Unmarshal(msg.Payload(), &m); err != nil {
			return err
		}
		if cp.engine != nil {
			cp.engine.config.retainedStore.Delete(m.Topic)
		}
	case ClusterMessageTypePublishForward:
		var m PublishForwardMessage
		if err := json.Unmarshal(msg.Payload(), &m); err != nil {
			return err
		}
		if cp.engine != nil && m.Message != nil {
			// Loop prevention: a forwarded publish whose origin tag names a
			// peer is delivered locally but never re-forwarded.
			cp.engine.deliverFromCluster(m.Message, msg.SourceNode())
		}
	}
	return nil
}

// Start starts the underlying transport, if any, then replays this node's
// subscription interest to the cluster so peers already present learn of it
// (section 4.6).
func (cp *ClusterPlane) Start(ctx context.Context) error {
	if cp.transport == nil {
		return nil
	}
	if err := cp.transport.Start(ctx); err != nil {
		return err
	}
	return cp.replayLocalSubscriptions(ctx)
}

// replayLocalSubscriptions broadcasts this node's full local subscription
// set to the cluster on attach (section 4.6). SyncSubscription alone only
// fires reactively when a subscribe happens after attach, so a peer that
// joins after subscriptions already exist would otherwise never learn of
// them and publishes that must be forwarded to it would be silently
// dropped. Batched into a single message instead of one broadcast per
// filter since handleInbound's SubscriptionSync case only reads
// TopicFilter per entry, not ClientID.
func (cp *ClusterPlane) replayLocalSubscriptions(ctx context.Context) error {
	if cp.engine == nil || cp.transport == nil {
		return nil
	}

	entries := cp.engine.subs.AllEntries()
	if len(entries) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(entries))
	subs := make([]Subscription, 0, len(entries))
	for _, entry := range entries {
		if _, ok := seen[entry.Subscription.TopicFilter]; ok {
			continue
		}
		seen[entry.Subscription.TopicFilter] = struct{}{}
		subs = append(subs, entry.Subscription)
	}

	payload, err := json.Marshal(SubscriptionSyncMessage{Subscriptions: subs})
	if err != nil {
		return err
	}
	return cp.transport.Broadcast(ctx, newClusterMessage(cp.nodeID, ClusterMessageTypeSubscriptionSync, payload))
}

// Stop stops the underlying transport, if any.
func (cp *ClusterPlane) Stop() error {
	if cp.transport == nil {
		return nil
	}
	return cp.transport.Stop()
}

// LocalNode returns this node's identity via the transport, if configured.
func (cp *ClusterPlane) LocalNode() ClusterNode {
	if cp.transport == nil {
		return nil
	}
	return cp.transport.LocalNode()
}

// Nodes returns known peers via the transport, if configured.
func (cp *ClusterPlane) Nodes() []ClusterNode {
	if cp.transport == nil {
		return nil
	}
	return cp.transport.Nodes()
}

func (cp *ClusterPlane) Send(ctx context.Context, nodeID ClusterNodeID, msg ClusterMessage) error {
	if cp.transport == nil {
		return ErrClusterNoTransport
	}
	return cp.transport.Send(ctx, nodeID, msg)
}

func (cp *ClusterPlane) Broadcast(ctx context.Context, msg ClusterMessage) error {
	if cp.transport == nil {
		return ErrClusterNoTransport
	}
	return cp.transport.Broadcast(ctx, msg)
}

func (cp *ClusterPlane) SetMessageHandler(handler ClusterMessageHandler) {
	if cp.transport != nil {
		cp.transport.SetMessageHandler(handler)
	}
}

// SyncSubscription propagates a new local subscription to every peer.
func (cp *ClusterPlane) SyncSubscription(clientID string, sub Subscription) error {
	if cp.transport == nil {
		return nil
	}
	payload, err := json.Marshal(SubscriptionSyncMessage{ClientID: clientID, Subscriptions: []Subscription{sub}})
	if err != nil {
		return err
	}
	return cp.transport.Broadcast(context.Background(), newClusterMessage(cp.nodeID, ClusterMessageTypeSubscriptionSync, payload))
}

// RemoveSubscription propagates a subscription removal to every peer.
func (cp *ClusterPlane) RemoveSubscription(clientID string, filter string) error {
	if cp.transport == nil {
		return nil
	}
	payload, err := json.Marshal(SubscriptionRemoveMessage{ClientID: clientID, TopicFilters: []string{filter}})
	if err != nil {
		return err
	}
	return cp.transport.Broadcast(context.Background(), newClusterMessage(cp.nodeID, ClusterMessageTypeSubscriptionRemove, payload))
}

// GetRemoteSubscribers returns the peers with interest matching topic.
func (cp *ClusterPlane) GetRemoteSubscribers(topic string) []ClusterNodeID {
	return cp.interest.matchingNodes(topic)
}

// SyncRetained replicates a retained message to every peer so retained
// ownership never requires a cross-node hop on delivery.
func (cp *ClusterPlane) SyncRetained(msg *RetainedMessage) error {
	if cp.transport == nil {
		return nil
	}
	payload, err := json.Marshal(RetainedSyncMessage{Message: msg})
	if err != nil {
		return err
	}
	return cp.transport.Broadcast(context.Background(), newClusterMessage(cp.nodeID, ClusterMessageTypeRetainedSync, payload))
}

func (cp *ClusterPlane) RemoveRetained(topic string) error {
	if cp.transport == nil {
		return nil
	}
	payload, err := json.Marshal(RetainedRemoveMessage{Topic: topic})
	if err != nil {
		return err
	}
	return cp.transport.Broadcast(context.Background(), newClusterMessage(cp.nodeID, ClusterMessageTypeRetainedRemove, payload))
}

// ForwardPublish forwards msg to every peer with matching interest, tagging
// it with the local node id so peers never bounce it back to us.
func (cp *ClusterPlane) ForwardPublish(msg *Message, topic string) {
	if cp.transport == nil {
		return
	}
	nodes := cp.interest.matchingNodes(topic)
	if len(nodes) == 0 {
		return
	}
	payload, err := json.Marshal(PublishForwardMessage{Message: msg, SourceNode: cp.nodeID})
	if err != nil {
		return
	}
	envelope := newClusterMessage(cp.nodeID, ClusterMessageTypePublishForward, payload)
	for _, node := range nodes {
		cp.transport.Send(context.Background(), node, envelope)
	}
}

// ExportSession snapshots a session for migration to another node.
func (cp *ClusterPlane) ExportSession(clientID string) (*SessionData, error) {
	if cp.engine == nil {
		return nil, ErrClusterNotEnabled
	}
	session, err := cp.engine.config.sessionStore.Get(clientID)
	if err != nil {
		return nil, err
	}
	data := &SessionData{
		ClientID:       clientID,
		ExpiryInterval: uint32(time.Until(session.ExpiryTime()).Seconds()),
		Subscriptions:  session.Subscriptions(),
	}
	for packetID, msg := range session.PendingMessages() {
		data.PendingMessages = append(data.PendingMessages, PendingMessageData{PacketID: packetID, Message: msg})
	}
	return data, nil
}

// ImportSession restores a migrated session.
func (cp *ClusterPlane) ImportSession(data *SessionData) error {
	if cp.engine == nil {
		return ErrClusterNotEnabled
	}
	session := NewMemorySession(data.ClientID)
	session.SetExpiryTime(time.Now().Add(time.Duration(data.ExpiryInterval) * time.Second))
	for _, sub := range data.Subscriptions {
		session.AddSubscription(sub)
	}
	for _, pm := range data.PendingMessages {
		session.AddPendingMessage(pm.PacketID, pm.Message)
	}
	cp.engine.config.sessionStore.Delete(data.ClientID)
	return cp.engine.config.sessionStore.Create(session)
}

// RequestMigration asks nodeID to export clientID's session to us. Left as a
// thin request/response stub: the transport carries arbitrary ClusterMessage
// payloads, but the corpus this plane is grounded on (bridge.go) never needed
// a synchronous request/response exchange, only fire-and-forget propagation,
// so a full RPC round-trip is out of scope here.
func (cp *ClusterPlane) RequestMigration(ctx context.Context, nodeID ClusterNodeID, clientID string) error {
	return errors.New("cluster: session migration request/response is not implemented by ClusterPlane")
}

// Join marks the plane as joined, starts the configured transport, if any,
// and replays local subscription interest to the cluster. The seeds argument
// is not used; finding peers is left to the transport.
func (cp *ClusterPlane) Join(ctx context.Context, seeds []string) error {
	cp.mu.Lock()
	cp.joined = true
	cp.mu.Unlock()
	if cp.transport == nil {
		return nil
	}
	if err := cp.transport.Start(ctx); err != nil {
		return err
	}
	return cp.replayLocalSubscriptions(ctx)
}

// Leave marks the plane as left and drops all peer interest.
func (cp *ClusterPlane) Leave(ctx context.Context) error {
	cp.mu.Lock()
	cp.joined = false
	cp.mu.Unlock()
	cp.interest.mu.Lock()
	cp.interest.filters = make(map[ClusterNodeID]map[string]struct{})
	cp.interest.mu.Unlock()
	if cp.transport == nil {
		return nil
	}
	return cp.transport.Stop()
}

// IsLeader reports whether this node considers itself the cluster leader.
// No leader election protocol is implemented and no leader is ever recorded,
// so every node reports itself as leader, matching the node-local decision
// already made for shared-subscription group selection (SPEC_FULL.md open
// question 2).
func (cp *ClusterPlane) IsLeader() bool {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.leader == cp.nodeID || cp.leader == ""
}

func (cp *ClusterPlane) Leader() ClusterNodeID {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	if cp.leader == "" {
		return cp.nodeID
	}
	return cp.leader
}

var _ Cluster = (*ClusterPlane)(nil)

// simpleClusterMessage is the concrete ClusterMessage carried over a
// ClusterTransport's Send/Broadcast.
type simpleClusterMessage struct {
	kind    ClusterMessageType
	source  ClusterNodeID
	ts      time.Time
	payload []byte
}

func newClusterMessage(source ClusterNodeID, kind ClusterMessageType, payload []byte) ClusterMessage {
	return &simpleClusterMessage{kind: kind, source: source, ts: time.Now(), payload: payload}
}

func (m *simpleClusterMessage) Type() ClusterMessageType  { return m.kind }
func (m *simpleClusterMessage) SourceNode() ClusterNodeID { return m.source }
func (m *simpleClusterMessage) Timestamp() time.Time      { return m.ts }
func (m *simpleClusterMessage) Payload() []byte           { return m.payload }

// clusterNode is the concrete ClusterNode used by LocalTransport.
type clusterNode struct {
	id       ClusterNodeID
	addr     net.Addr
	state    ClusterNodeState
	metadata map[string]string
	lastSeen time.Time
}

func (n *clusterNode) ID() ClusterNodeID           { return n.id }
func (n *clusterNode) Address() net.Addr           { return n.addr }
func (n *clusterNode) State() ClusterNodeState     { return n.state }
func (n *clusterNode) Metadata() map[string]string { return n.metadata }
func (n *clusterNode) LastSeen() time.Time         { return n.lastSeen }
