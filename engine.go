package mqttv5

import (
	"time"

	"golang.org/x/time/rate"
)

// Engine is the single goroutine that owns every piece of state the Data
// Model reserves exclusively for the Broker Core: the session registry, the
// subscription trie, the retained-message store, and the set of cluster
// peers. Everything in that list is mutated only inside Run, so none of it
// is guarded by a mutex — the engine's event channel is the only thing a
// connection goroutine ever touches, and the channel plus one owning
// goroutine stand in for the readiness selector a non-blocking-socket
// implementation would use (see SPEC_FULL.md, "Open Question resolutions").
//
// Connection goroutines are the per-socket TCP Event Handlers of section
// 4.3: they do their own blocking reads, own their own QoS delivery
// sub-state (PUBACK/PUBREC/PUBREL/PUBCOMP/PINGREQ), and only hand the engine
// the operations that the Data Model says the Broker Core must own:
// publish, subscribe, unsubscribe, disconnect/close, and the connect
// handshake itself (session lookup/creation touches the session registry).
type Engine struct {
	config    *serverConfig
	subs      *SubscriptionManager
	keepAlive *KeepAliveManager
	wills     *WillManager
	cluster   *ClusterPlane
	nodeID    ClusterNodeID

	clients     map[string]*ServerClient
	limiters    map[string]*rate.Limiter
	anonCounter int

	events chan engineEvent
	done   chan struct{}

	clientsMirror *clientRegistry
}

type eventKind int

const (
	eventConnect eventKind = iota
	eventClientReady
	eventPublish
	eventSubscribe
	eventUnsubscribe
	eventClientClosed
	eventExternalPublish
	eventClusterPublish
	eventShutdown
	eventSnapshot
)

type engineEvent struct {
	kind       eventKind
	client     *ServerClient
	connect    *connectRequest
	publish    *PublishPacket
	sub        *SubscribePacket
	unsub      *UnsubscribePacket
	msg        *Message
	originNode ClusterNodeID

	shutdownReason ReasonCode
	shutdownDone   chan struct{}
	snapshotReply  chan []*ServerClient
}

// connectRequest carries a just-authenticated CONNECT into the engine
// goroutine, which is the only goroutine allowed to create or resume a
// session, or admit an entry into the client registry.
type connectRequest struct {
	conn      Conn
	connect   *ConnectPacket
	namespace string
	result    chan connectOutcome
}

type connectOutcome struct {
	client             *ServerClient
	sessionPresent     bool
	effectiveKeepAlive uint16
	err                error
}

// NewEngine builds an engine from server configuration. Run must be started
// in its own goroutine before any connection is handed to the engine.
func NewEngine(config *serverConfig) *Engine {
	ka := NewKeepAliveManager()
	if config.keepAliveOverride > 0 {
		ka.SetServerOverride(config.keepAliveOverride)
	}

	e := &Engine{
		config:        config,
		subs:          NewSubscriptionManager(),
		keepAlive:     ka,
		wills:         NewWillManager(),
		nodeID:        config.clusterNodeID,
		clients:       make(map[string]*ServerClient),
		limiters:      make(map[string]*rate.Limiter),
		events:        make(chan engineEvent, 256),
		done:          make(chan struct{}),
		clientsMirror: newClientRegistry(),
	}

	if config.logger != nil {
		e.wills.SetLogger(config.logger)
	}

	if mem, ok := config.sessionStore.(*MemorySessionStore); ok {
		mem.SetExpiryHandler(e.onSessionExpired)
	}

	if config.clusterEnabled {
		e.cluster = NewClusterPlane(e.nodeID, config.clusterTransport, e)
	}

	return e
}

// Run is the single-threaded readiness loop of section 2 and section 5: it
// blocks on the event channel or the cleanup ticker, never both at once, and
// is the only goroutine that ever mutates sessions, the trie, the retained
// store, or the peer registry.
func (e *Engine) Run() {
	tick := e.config.tickInterval
	if tick <= 0 {
		tick = 250 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case ev := <-e.events:
			e.dispatch(ev)
		case <-ticker.C:
			e.cleanupOperations()
		}
	}
}

// Stop ends the Run loop. It does not close client connections; callers
// (Server.Close) are expected to do that before or after stopping the
// engine as their shutdown sequencing requires.
func (e *Engine) Stop() {
	select {
	case <-e.done:
	default:
		close(e.done)
	}
}

func (e *Engine) dispatch(ev engineEvent) {
	switch ev.kind {
	case eventConnect:
		e.handleConnect(ev.connect)
	case eventClientReady:
		e.handleClientReady(ev.client)
	case eventPublish:
		e.handlePublishPacket(ev.client, ev.publish)
	case eventSubscribe:
		e.handleSubscribe(ev.client, ev.sub)
	case eventUnsubscribe:
		e.handleUnsubscribe(ev.client, ev.unsub)
	case eventClientClosed:
		e.handleClientClosed(ev.client)
	case eventExternalPublish:
		e.doPublish(ev.msg, "", "")
	case eventClusterPublish:
		e.doPublish(ev.msg, "", ev.originNode)
	case eventShutdown:
		e.handleShutdown(ev.shutdownReason, ev.shutdownDone)
	case eventSnapshot:
		e.handleSnapshot(ev.snapshotReply)
	}
}

// --- submission API, called from connection goroutines ---

// SubmitConnect blocks the calling connection goroutine until the engine has
// processed the CONNECT handshake against the session registry and client
// table; that processing itself never blocks on socket I/O.
func (e *Engine) SubmitConnect(req *connectRequest) connectOutcome {
	req.result = make(chan connectOutcome, 1)
	select {
	case e.events <- engineEvent{kind: eventConnect, connect: req}:
	case <-e.done:
		return connectOutcome{err: ErrServerClosed}
	}
	select {
	case out := <-req.result:
		return out
	case <-e.done:
		return connectOutcome{err: ErrServerClosed}
	}
}

// SubmitClientReady tells the engine a CONNACK has been written and it may
// now restore subscriptions, flush queued messages, and invoke onConnect.
func (e *Engine) SubmitClientReady(client *ServerClient) {
	e.send(engineEvent{kind: eventClientReady, client: client})
}

// SubmitPublish hands a decoded PUBLISH to the Broker Core for routing.
func (e *Engine) SubmitPublish(client *ServerClient, pub *PublishPacket) {
	e.send(engineEvent{kind: eventPublish, client: client, publish: pub})
}

func (e *Engine) SubmitSubscribe(client *ServerClient, sub *SubscribePacket) {
	e.send(engineEvent{kind: eventSubscribe, client: client, sub: sub})
}

func (e *Engine) SubmitUnsubscribe(client *ServerClient, unsub *UnsubscribePacket) {
	e.send(engineEvent{kind: eventUnsubscribe, client: client, unsub: unsub})
}

// SubmitClosed tells the engine a connection's TCP Event Handler has torn
// down (graceful close, I/O error, or protocol violation); the engine
// detaches the session, schedules or cancels the will, and removes routing
// entries as the lifecycle in section 3 (Session) requires.
func (e *Engine) SubmitClosed(client *ServerClient) {
	e.send(engineEvent{kind: eventClientClosed, client: client})
}

// Publish is the external-facing Broker Core `publish` operation (section
// 4.5) for callers outside any connection goroutine (a bridge, an
// application injecting a message, a test). It is routed through the same
// single-threaded event loop as every client-originated publish.
func (e *Engine) Publish(msg *Message) error {
	select {
	case <-e.done:
		return ErrServerClosed
	default:
	}
	e.send(engineEvent{kind: eventExternalPublish, msg: msg})
	return nil
}

// Shutdown disconnects every currently connected client with reason and
// blocks until the engine goroutine has processed that sweep. It does not
// stop the Run loop; call Stop afterward.
func (e *Engine) Shutdown(reason ReasonCode) {
	doneCh := make(chan struct{})
	select {
	case e.events <- engineEvent{kind: eventShutdown, shutdownReason: reason, shutdownDone: doneCh}:
	case <-e.done:
		return
	}
	select {
	case <-doneCh:
	case <-e.done:
	}
}

// ClientsSnapshot returns the connected *ServerClient handles at the moment
// the engine goroutine processes the request. Used by the periodic QoS
// retry sweep, which needs the handles themselves (not just IDs) but must
// not reach into engine-owned state directly.
func (e *Engine) ClientsSnapshot() []*ServerClient {
	replyCh := make(chan []*ServerClient, 1)
	select {
	case e.events <- engineEvent{kind: eventSnapshot, snapshotReply: replyCh}:
	case <-e.done:
		return nil
	}
	select {
	case clients := <-replyCh:
		return clients
	case <-e.done:
		return nil
	}
}

func (e *Engine) send(ev engineEvent) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

// --- introspection, safe for any goroutine ---

func (e *Engine) Clients() []string { return e.clientsMirror.snapshot() }
func (e *Engine) ClientCount() int  { return e.clientsMirror.count() }
