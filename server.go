package mqttv5

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var authCtx = context.Background()

var (
	ErrServerClosed     = errors.New("server closed")
	ErrMaxConnections   = errors.New("maximum connections reached")
	ErrClientIDConflict = errors.New("client ID already connected")
)

// Server is an MQTT v5.0 broker server. It is a thin TCP acceptor: all
// broker state (sessions, the subscription trie, the retained store, the
// cluster peer set) lives on the Engine's single goroutine. Server itself
// only accepts sockets, runs the per-connection TCP Event Handler loop, and
// forwards the operations the Broker Core owns onto the engine's event
// channel.
type Server struct {
	config        *serverConfig
	listener      net.Listener
	engine        *Engine
	bridgeMetrics *BridgeMetrics
	running       atomic.Bool
	done          chan struct{}
	wg            sync.WaitGroup
}

// NewServer creates a new MQTT server.
func NewServer(addr string, opts ...ServerOption) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	return NewServerWithListener(listener, opts...), nil
}

// NewServerWithListener creates a new MQTT server with a custom listener.
func NewServerWithListener(listener net.Listener, opts ...ServerOption) *Server {
	config := defaultServerConfig()
	for _, opt := range opts {
		opt(config)
	}

	return &Server{
		config:        config,
		listener:      listener,
		engine:        NewEngine(config),
		bridgeMetrics: newBridgeMetrics(config.metrics),
		done:          make(chan struct{}),
	}
}

// Metrics returns the bridge-facing counters (errors, loop drops, forward
// counts) recorded against the server's configured Metrics backend.
func (s *Server) Metrics() *BridgeMetrics {
	return s.bridgeMetrics
}

// ListenAndServe starts the server and blocks until it is closed.
func (s *Server) ListenAndServe() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("server already running")
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.engine.Run()
	}()
	go s.qosRetryLoop()

	if s.engine.cluster != nil {
		s.engine.cluster.Start(authCtx)
	}

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return ErrServerClosed
			default:
				// Add backoff delay to prevent CPU burn on persistent errors
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}

		if s.config.maxConnections > 0 && s.engine.ClientCount() >= s.config.maxConnections {
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// Close stops the server.
func (s *Server) Close() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	close(s.done)

	if s.listener != nil {
		s.listener.Close()
	}

	s.engine.Shutdown(ReasonServerShuttingDown)
	s.engine.Stop()

	if s.engine.cluster != nil {
		s.engine.cluster.Stop()
	}

	s.wg.Wait()

	return nil
}

// Publish sends a message to all matching subscribers, the same Broker Core
// `publish` operation a client-originated PUBLISH drives.
func (s *Server) Publish(msg *Message) error {
	if !s.running.Load() {
		return ErrServerClosed
	}
	return s.engine.Publish(msg)
}

// Clients returns a list of connected client IDs.
func (s *Server) Clients() []string {
	return s.engine.Clients()
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	return s.engine.ClientCount()
}

// Addr returns the server's network address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// handleConnection is the TCP Event Handler (section 4.3) for one accepted
// socket. It owns the connection's blocking reads and its own QoS delivery
// sub-state; the only things it hands to the engine are the operations the
// Data Model reserves for the Broker Core.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(s.config.connectTimeout))

	pkt, _, err := ReadPacket(conn, s.config.maxPacketSize)
	if err != nil {
		return
	}

	conn.SetReadDeadline(time.Time{})

	connect, ok := pkt.(*ConnectPacket)
	if !ok {
		return
	}

	namespace := DefaultNamespace

	if s.config.auth != nil {
		actx := &AuthContext{
			ClientID:      connect.ClientID,
			Username:      connect.Username,
			Password:      connect.Password,
			RemoteAddr:    conn.RemoteAddr(),
			ConnectPacket: connect,
			CleanStart:    connect.CleanStart,
		}

		result, err := s.config.auth.Authenticate(authCtx, actx)
		if err != nil || !result.Success {
			reasonCode := ReasonNotAuthorized
			if result != nil {
				reasonCode = result.ReasonCode
			}
			WritePacket(conn, &ConnackPacket{ReasonCode: reasonCode}, s.config.maxPacketSize)
			return
		}
		if result.Namespace != "" {
			namespace = result.Namespace
		}
	}

	if connect.Props.Has(PropAuthenticationMethod) {
		ns, ok := s.runEnhancedAuth(conn, connect)
		if !ok {
			return
		}
		if ns != "" {
			namespace = ns
		}
	}

	outcome := s.engine.SubmitConnect(&connectRequest{conn: conn, connect: connect, namespace: namespace})
	if outcome.err != nil {
		return
	}
	client := outcome.client

	connack := &ConnackPacket{
		SessionPresent: outcome.sessionPresent,
		ReasonCode:     ReasonSuccess,
	}
	if s.config.keepAliveOverride > 0 {
		connack.Props.Set(PropServerKeepAlive, outcome.effectiveKeepAlive)
	}
	if s.config.topicAliasMax > 0 {
		connack.Props.Set(PropTopicAliasMaximum, s.config.topicAliasMax)
		client.SetTopicAliasMax(s.config.topicAliasMax, 0)
	}
	if s.config.receiveMaximum < 65535 {
		connack.Props.Set(PropReceiveMaximum, s.config.receiveMaximum)
	}

	if _, err := WritePacket(conn, connack, s.config.maxPacketSize); err != nil {
		s.engine.SubmitClosed(client)
		return
	}

	s.engine.SubmitClientReady(client)

	s.clientLoop(client)
}

// runEnhancedAuth drives the AUTH-packet exchange (section 4.12) for a
// CONNECT that carries an AuthMethod property. It returns the namespace the
// authenticator assigned (if any) and whether the connection may proceed;
// on failure it writes the CONNACK itself and the caller just returns.
func (s *Server) runEnhancedAuth(conn net.Conn, connect *ConnectPacket) (string, bool) {
	method := connect.Props.GetString(PropAuthenticationMethod)

	if s.config.enhancedAuth == nil || !s.config.enhancedAuth.SupportsMethod(method) {
		WritePacket(conn, &ConnackPacket{ReasonCode: ReasonBadAuthMethod}, s.config.maxPacketSize)
		return "", false
	}

	ectx := &EnhancedAuthContext{
		ClientID:   connect.ClientID,
		AuthMethod: method,
		AuthData:   connect.Props.GetBinary(PropAuthenticationData),
		RemoteAddr: conn.RemoteAddr(),
	}

	result, err := s.config.enhancedAuth.AuthStart(context.Background(), ectx)
	exchanged := false
	for {
		if err != nil || (!result.Success && !result.Continue) {
			reasonCode := ReasonNotAuthorized
			if result != nil {
				reasonCode = result.ReasonCode
			}
			WritePacket(conn, &ConnackPacket{ReasonCode: reasonCode}, s.config.maxPacketSize)
			return "", false
		}

		if result.Success {
			// Only emit an AUTH(Success) acknowledgement if the client is
			// mid-exchange and expecting one; a one-shot AuthStart success
			// goes straight to CONNACK.
			if exchanged {
				ack := &AuthPacket{ReasonCode: ReasonSuccess}
				if _, err := WritePacket(conn, ack, s.config.maxPacketSize); err != nil {
					return "", false
				}
			}
			return result.Namespace, true
		}

		challenge := &AuthPacket{ReasonCode: ReasonContinueAuth}
		challenge.Props.Set(PropAuthenticationMethod, method)
		if len(result.AuthData) > 0 {
			challenge.Props.Set(PropAuthenticationData, result.AuthData)
		}
		if _, err := WritePacket(conn, challenge, s.config.maxPacketSize); err != nil {
			return "", false
		}
		exchanged = true

		conn.SetReadDeadline(time.Now().Add(s.config.connectTimeout))
		pkt, _, err := ReadPacket(conn, s.config.maxPacketSize)
		conn.SetReadDeadline(time.Time{})
		if err != nil {
			return "", false
		}

		authPkt, ok := pkt.(*AuthPacket)
		if !ok {
			return "", false
		}

		ectx = &EnhancedAuthContext{
			ClientID:   connect.ClientID,
			AuthMethod: method,
			AuthData:   authPkt.Props.GetBinary(PropAuthenticationData),
			ReasonCode: authPkt.ReasonCode,
			RemoteAddr: conn.RemoteAddr(),
			State:      result.State,
		}
		result, err = s.config.enhancedAuth.AuthContinue(context.Background(), ectx)
	}
}

// clientLoop reads packets off one connection until it closes or the server
// shuts down. PUBACK/PUBREC/PUBREL/PUBCOMP/PINGREQ are answered directly
// here since they only touch this connection's own QoS tracker state; every
// other packet type is handed to the engine.
func (s *Server) clientLoop(client *ServerClient) {
	clientID := client.ClientID()
	conn := client.Conn()

	defer s.engine.SubmitClosed(client)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		if deadline, ok := s.engine.keepAlive.GetDeadline(clientID); ok {
			conn.SetReadDeadline(deadline)
		}

		pkt, _, err := ReadPacket(conn, s.config.maxPacketSize)
		if err != nil {
			return
		}

		s.engine.keepAlive.UpdateActivity(clientID)

		switch p := pkt.(type) {
		case *PublishPacket:
			s.engine.SubmitPublish(client, p)

		case *PubackPacket:
			if _, ok := client.QoS1Tracker().Acknowledge(p.PacketID); ok {
				client.FlowControl().Release()
			}

		case *PubrecPacket:
			client.QoS2Tracker().HandlePubrec(p.PacketID)
			WritePacket(conn, &PubrelPacket{PacketID: p.PacketID}, s.config.maxPacketSize)

		case *PubrelPacket:
			if _, ok := client.QoS2Tracker().HandlePubrel(p.PacketID); ok {
				WritePacket(conn, &PubcompPacket{PacketID: p.PacketID}, s.config.maxPacketSize)
				client.InboundFlowControl().Release()
			}

		case *PubcompPacket:
			if _, ok := client.QoS2Tracker().HandlePubcomp(p.PacketID); ok {
				client.FlowControl().Release()
			}

		case *SubscribePacket:
			s.engine.SubmitSubscribe(client, p)

		case *UnsubscribePacket:
			s.engine.SubmitUnsubscribe(client, p)

		case *PingreqPacket:
			WritePacket(conn, &PingrespPacket{}, s.config.maxPacketSize)

		case *DisconnectPacket:
			client.SetCleanDisconnect()
			client.Close()
			return
		}
	}
}

// qosRetryLoop periodically retransmits unacknowledged QoS 1/2 deliveries
// across all connections. It runs on the Server, not the engine, since
// retry state lives on each ServerClient's own trackers rather than on
// anything the Broker Core owns.
func (s *Server) qosRetryLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			for _, client := range s.engine.ClientsSnapshot() {
				s.retryClientMessages(client)
			}
		}
	}
}

// retryClientMessages retransmits unacknowledged QoS 1/2 deliveries on this
// connection's own tracker state — a per-connection concern, not a Broker
// Core one, so it runs here rather than on the engine goroutine.
func (s *Server) retryClientMessages(client *ServerClient) {
	if !client.IsConnected() {
		return
	}

	conn := client.Conn()

	for _, msg := range client.QoS1Tracker().GetPendingRetries() {
		pub := &PublishPacket{
			PacketID: msg.PacketID,
			Topic:    msg.Message.Topic,
			Payload:  msg.Message.Payload,
			QoS:      1,
			Retain:   msg.Message.Retain,
			DUP:      true,
		}
		WritePacket(conn, pub, s.config.maxPacketSize)
	}

	for _, msg := range client.QoS2Tracker().GetPendingRetries() {
		switch msg.State {
		case QoS2AwaitingPubrec:
			pub := &PublishPacket{
				PacketID: msg.PacketID,
				Topic:    msg.Message.Topic,
				Payload:  msg.Message.Payload,
				QoS:      2,
				Retain:   msg.Message.Retain,
				DUP:      true,
			}
			WritePacket(conn, pub, s.config.maxPacketSize)
		case QoS2AwaitingPubcomp:
			WritePacket(conn, &PubrelPacket{PacketID: msg.PacketID}, s.config.maxPacketSize)
		}
	}

	client.QoS1Tracker().CleanupExpired()
	client.QoS2Tracker().CleanupExpired()
	client.QoS2Tracker().CleanupCompleted()
}
