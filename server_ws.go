package mqttv5

import (
	"net/http"
	"time"
)

// WSServer serves MQTT over WebSocket (RFC 6455 binary framing, via
// transport_ws.go). It embeds Server and reuses its Engine-driven connection
// handling, substituting the WebSocket upgrade for a raw TCP accept.
type WSServer struct {
	*Server
	handler *WSHandler
}

// NewWSServer creates a WebSocket-transport MQTT server. Mount it (or its
// ServeHTTP method) on an http.Server, then call Start before serving
// requests.
func NewWSServer(opts ...ServerOption) *WSServer {
	config := defaultServerConfig()
	for _, opt := range opts {
		opt(config)
	}

	s := &Server{
		config:        config,
		engine:        NewEngine(config),
		bridgeMetrics: newBridgeMetrics(config.metrics),
		done:          make(chan struct{}),
	}

	ws := &WSServer{Server: s}
	ws.handler = NewWSHandler(ws.handleWSConn)
	return ws
}

// SetAllowedOrigins configures the WebSocket upgrader's origin check (see
// WSHandler.AllowedOrigins).
func (ws *WSServer) SetAllowedOrigins(origins []string) {
	ws.handler.AllowedOrigins = origins
}

// Start runs the engine and QoS retry loop in the background. It does not
// open a listener itself: callers drive accepts through ServeHTTP, typically
// via an http.Server.
func (ws *WSServer) Start() {
	if !ws.running.CompareAndSwap(false, true) {
		return
	}

	ws.wg.Add(2)
	go func() {
		defer ws.wg.Done()
		ws.engine.Run()
	}()
	go ws.qosRetryLoop()

	if ws.engine.cluster != nil {
		ws.engine.cluster.Start(authCtx)
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and runs the MQTT
// connection lifecycle on it.
func (ws *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if ws.config.maxConnections > 0 && ws.engine.ClientCount() >= ws.config.maxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	ws.handler.ServeHTTP(w, r)
}

// handleWSConn is the WebSocket TCP Event Handler: it mirrors
// Server.handleConnection, but starts from an already-upgraded Conn instead
// of a raw Accept().
func (ws *WSServer) handleWSConn(conn Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(ws.config.connectTimeout))

	pkt, _, err := ReadPacket(conn, ws.config.maxPacketSize)
	if err != nil {
		return
	}

	conn.SetReadDeadline(time.Time{})

	connect, ok := pkt.(*ConnectPacket)
	if !ok {
		return
	}

	namespace := DefaultNamespace

	if ws.config.auth != nil {
		actx := &AuthContext{
			ClientID:      connect.ClientID,
			Username:      connect.Username,
			Password:      connect.Password,
			RemoteAddr:    conn.RemoteAddr(),
			ConnectPacket: connect,
			CleanStart:    connect.CleanStart,
		}

		result, err := ws.config.auth.Authenticate(authCtx, actx)
		if err != nil || !result.Success {
			reasonCode := ReasonNotAuthorized
			if result != nil {
				reasonCode = result.ReasonCode
			}
			WritePacket(conn, &ConnackPacket{ReasonCode: reasonCode}, ws.config.maxPacketSize)
			return
		}
		if result.Namespace != "" {
			namespace = result.Namespace
		}
	}

	outcome := ws.engine.SubmitConnect(&connectRequest{conn: conn, connect: connect, namespace: namespace})
	if outcome.err != nil {
		return
	}
	client := outcome.client

	log := ws.config.logger.WithFields(LogFields{
		LogFieldClientID:   client.ClientID(),
		LogFieldRemoteAddr: conn.RemoteAddr().String(),
	})

	connack := &ConnackPacket{
		SessionPresent: outcome.sessionPresent,
		ReasonCode:     ReasonSuccess,
	}
	if ws.config.keepAliveOverride > 0 {
		connack.Props.Set(PropServerKeepAlive, outcome.effectiveKeepAlive)
	}
	if ws.config.topicAliasMax > 0 {
		connack.Props.Set(PropTopicAliasMaximum, ws.config.topicAliasMax)
		client.SetTopicAliasMax(ws.config.topicAliasMax, 0)
	}
	if ws.config.receiveMaximum < 65535 {
		connack.Props.Set(PropReceiveMaximum, ws.config.receiveMaximum)
	}

	if _, err := WritePacket(conn, connack, ws.config.maxPacketSize); err != nil {
		ws.engine.SubmitClosed(client)
		return
	}

	ws.engine.SubmitClientReady(client)
	log.Info("client connected", nil)

	ws.clientLoop(client)

	log.Info("client disconnected", nil)
}
