package mqttv5

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// handleConnect is the only place a session is created, resumed, or an
// entry is admitted into the client registry. It runs entirely on the
// engine goroutine; authentication (an external, stateless collaborator per
// section 6) has already completed by the time a connectRequest reaches
// here.
func (e *Engine) handleConnect(req *connectRequest) {
	connect := req.connect

	clientID := connect.ClientID
	if clientID == "" {
		e.anonCounter++
		clientID = fmt.Sprintf("auto-%d-%d", time.Now().Unix(), e.anonCounter)
		connect.ClientID = clientID
	}

	var sessionPresent bool
	if connect.CleanStart {
		e.config.sessionStore.Delete(clientID)
		session := NewMemorySession(clientID)
		e.config.sessionStore.Create(session)
	} else if existing, err := e.config.sessionStore.Get(clientID); err == nil && !existing.IsExpired() {
		sessionPresent = true
	} else {
		e.config.sessionStore.Delete(clientID)
		session := NewMemorySession(clientID)
		e.config.sessionStore.Create(session)
	}

	session, _ := e.config.sessionStore.Get(clientID)

	// Maximum Packet Size (section 3.1.2.11.4): the narrower of what the
	// server advertises and what the client requested applies to packets
	// the server sends it; a client that omits the property gets the
	// server's own limit.
	maxPacketSize := e.config.maxPacketSize
	if clientMax := connect.Props.GetUint32(PropMaximumPacketSize); clientMax > 0 && clientMax < maxPacketSize {
		maxPacketSize = clientMax
	}

	client := NewServerClient(req.conn, connect, maxPacketSize, req.namespace)
	client.bindEngine(e)
	client.SetSession(session)
	client.SetReceiveMaximum(connect.Props.GetUint16(PropReceiveMaximum))
	client.SetInboundReceiveMaximum(e.config.receiveMaximum)

	// A reconnect under the same ClientID takes over the previous
	// connection; the prior handler is told via ReasonSessionTakenOver so it
	// can close its own socket rather than having the engine reach into it.
	if prior, ok := e.clients[clientID]; ok {
		prior.Disconnect(ReasonSessionTakenOver)
		delete(e.clients, clientID)
		e.clientsMirror.remove(clientID)
	}

	e.clients[clientID] = client
	e.clientsMirror.add(clientID)

	effectiveKeepAlive := e.keepAlive.Register(clientID, connect.KeepAlive)

	if connect.WillFlag {
		will := WillMessageFromConnect(connect)
		e.wills.Register(clientID, will)
	}

	if e.config.publishRateLimit > 0 {
		e.limiters[clientID] = rate.NewLimiter(rate.Limit(e.config.publishRateLimit), e.config.publishRateBurst)
	}

	req.result <- connectOutcome{client: client, sessionPresent: sessionPresent, effectiveKeepAlive: effectiveKeepAlive}
}

// handleClientReady runs after the connection goroutine has written CONNACK:
// it restores subscriptions into the live trie, flushes any messages queued
// while the session was offline, and fires the connect callback. Ordering
// matters — nothing is delivered to the client before its CONNACK.
func (e *Engine) handleClientReady(client *ServerClient) {
	if e.config.onConnect != nil {
		e.config.onConnect(client)
	}

	session := client.Session()
	if session == nil {
		return
	}

	for _, sub := range session.Subscriptions() {
		e.subs.Subscribe(client.ClientID(), sub)
		if e.cluster != nil {
			e.cluster.SyncSubscription(client.ClientID(), sub)
		}
	}

	for _, msg := range session.PendingMessages() {
		client.Send(msg)
	}
	for packetID := range session.PendingMessages() {
		session.RemovePendingMessage(packetID)
	}
}

func (e *Engine) handleClientClosed(client *ServerClient) {
	clientID := client.ClientID()

	if current, ok := e.clients[clientID]; !ok || current != client {
		// Already superseded by a newer connection (session taken over);
		// nothing to tear down for this stale handle.
		return
	}

	delete(e.clients, clientID)
	e.clientsMirror.remove(clientID)
	e.keepAlive.Unregister(clientID)

	if e.config.onDisconnect != nil {
		e.config.onDisconnect(client)
	}

	if client.IsCleanDisconnect() {
		e.wills.Unregister(clientID)
	} else {
		e.wills.TriggerWill(clientID, 0)
	}

	session := client.Session()
	if session == nil {
		e.subs.UnsubscribeAll(clientID)
		return
	}

	expiry := client.SessionExpiryInterval()
	if client.CleanStart() || expiry == 0 {
		// No session survives a clean-start connection or an expiry of
		// zero: drop routing state and the session itself immediately.
		e.subs.UnsubscribeAll(clientID)
		e.config.sessionStore.Delete(clientID)
		delete(e.limiters, clientID)
		return
	}

	if e.config.maxSessionExpiryInterval > 0 && expiry > e.config.maxSessionExpiryInterval {
		expiry = e.config.maxSessionExpiryInterval
	}

	// Session survives offline: keep its routing entries live in the trie
	// so a publish to a subscribed topic still matches while the client is
	// away (section 8, testable scenario 5) instead of being silently
	// dropped the way removing them here would cause.
	session.SetExpiryTime(time.Now().Add(time.Duration(expiry) * time.Second))
}

func (e *Engine) onSessionExpired(session Session) {
	clientID := session.ClientID()
	e.subs.UnsubscribeAll(clientID)
	delete(e.limiters, clientID)
	if e.cluster != nil {
		for _, sub := range session.Subscriptions() {
			e.cluster.RemoveSubscription(clientID, sub.TopicFilter)
		}
	}
}

// handlePublishPacket converts an inbound PUBLISH into the Broker Core
// `publish` operation (section 4.5), resolving the topic alias and running
// authorization first since those are per-connection / external-callback
// concerns rather than shared-state concerns, but still only ever executed
// from the engine goroutine so the authorization callback's result can be
// trusted not to race a concurrent subscribe/unsubscribe on the same topic.
func (e *Engine) handlePublishPacket(client *ServerClient, pub *PublishPacket) {
	clientID := client.ClientID()

	if limiter, ok := e.limiters[clientID]; ok && !limiter.Allow() {
		client.Disconnect(ReasonMessageRateTooHigh)
		return
	}

	topic := pub.Topic
	if alias := pub.Props.GetUint16(PropTopicAlias); alias > 0 {
		if topic != "" {
			client.TopicAliases().SetInbound(alias, topic)
		} else {
			resolved, err := client.TopicAliases().GetInbound(alias)
			if err != nil {
				client.Disconnect(ReasonTopicAliasInvalid)
				return
			}
			topic = resolved
		}
	}

	if topic == "" {
		client.Disconnect(ReasonProtocolError)
		return
	}

	if e.config.authz != nil {
		azCtx := &AuthzContext{
			ClientID:   clientID,
			Username:   client.Username(),
			Topic:      topic,
			Action:     AuthzActionPublish,
			QoS:        pub.QoS,
			Retain:     pub.Retain,
			RemoteAddr: client.Conn().RemoteAddr(),
			LocalAddr:  client.Conn().LocalAddr(),
		}
		result, err := e.config.authz.Authorize(authCtx, azCtx)
		if err != nil || !result.Allowed {
			if pub.QoS > 0 {
				reasonCode := ReasonNotAuthorized
				if result != nil {
					reasonCode = result.ReasonCode
				}
				client.SendPacket(&PubackPacket{PacketID: pub.PacketID, ReasonCode: reasonCode})
			}
			return
		}
	}

	// Receive Maximum (section 3.1.2.11.3): the server will not have more
	// than its advertised number of QoS 1/2 publishes from this client
	// outstanding at once. QoS 1 is released as soon as the PUBACK goes
	// out; QoS 2 stays held until the client's PUBREL completes the
	// exchange in clientLoop.
	if pub.QoS > 0 {
		if !client.InboundFlowControl().TryAcquire() {
			client.Disconnect(ReasonReceiveMaxExceeded)
			return
		}
	}

	if pub.QoS == 1 {
		client.SendPacket(&PubackPacket{PacketID: pub.PacketID, ReasonCode: ReasonSuccess})
		client.InboundFlowControl().Release()
	}
	if pub.QoS == 2 {
		client.QoS2Tracker().TrackReceive(pub.PacketID, nil)
		client.SendPacket(&PubrecPacket{PacketID: pub.PacketID, ReasonCode: ReasonSuccess})
	}

	msg := &Message{
		Topic:   topic,
		Payload: pub.Payload,
		QoS:     pub.QoS,
		Retain:  pub.Retain,
	}
	if v := pub.Props.GetByte(PropPayloadFormatIndicator); v > 0 {
		msg.PayloadFormat = v
	}
	if v := pub.Props.GetUint32(PropMessageExpiryInterval); v > 0 {
		msg.MessageExpiry = v
	}
	if v := pub.Props.GetString(PropContentType); v != "" {
		msg.ContentType = v
	}
	if v := pub.Props.GetString(PropResponseTopic); v != "" {
		msg.ResponseTopic = v
	}
	if v := pub.Props.GetBinary(PropCorrelationData); len(v) > 0 {
		msg.CorrelationData = v
	}
	msg.UserProperties = pub.Props.GetAllStringPairs(PropUserProperty)

	if e.config.onMessage != nil {
		e.config.onMessage(client, msg)
	}

	e.doPublish(msg, clientID, "")
}

// doPublish is the Broker Core's `publish` operation proper: retained-store
// maintenance, trie match, per-subscriber QoS downgrade / retain clearing /
// no-local filtering, delivery or offline queuing, and cluster forwarding.
// originClientID is the publishing client, if any (empty for
// server-injected or will publishes). originNode is set only when this
// publish arrived from a cluster peer, so it is never forwarded back out.
func (e *Engine) doPublish(msg *Message, originClientID string, originNode ClusterNodeID) {
	if msg.Retain {
		if len(msg.Payload) == 0 {
			e.config.retainedStore.Delete(msg.Topic)
			if e.cluster != nil && originNode == "" {
				e.cluster.RemoveRetained(msg.Topic)
			}
		} else {
			retained := &RetainedMessage{Topic: msg.Topic, Payload: msg.Payload, QoS: msg.QoS}
			e.config.retainedStore.Set(retained)
			if e.cluster != nil && originNode == "" {
				e.cluster.SyncRetained(retained)
			}
		}
	}

	matches := e.subs.MatchForDelivery(msg.Topic, originClientID)

	for _, entry := range matches {
		deliveryQoS := msg.QoS
		if entry.Subscription.QoS < deliveryQoS {
			deliveryQoS = entry.Subscription.QoS
		}

		delivery := &Message{
			Topic:           msg.Topic,
			Payload:         msg.Payload,
			QoS:             deliveryQoS,
			Retain:          GetDeliveryRetain(entry.Subscription, msg.Retain),
			PayloadFormat:   msg.PayloadFormat,
			MessageExpiry:   msg.MessageExpiry,
			ContentType:     msg.ContentType,
			ResponseTopic:   msg.ResponseTopic,
			CorrelationData: msg.CorrelationData,
			UserProperties:  msg.UserProperties,
		}
		if entry.Subscription.SubscriptionID > 0 {
			delivery.SubscriptionIdentifiers = []uint32{entry.Subscription.SubscriptionID}
		}

		client, connected := e.clients[entry.ClientID]
		if connected {
			client.Send(delivery)
			continue
		}

		// The subscribing session is offline: queue QoS>0 deliveries for
		// replay on reconnect (section 8, testable scenario 5). QoS 0 has no
		// redelivery contract, so it is dropped rather than queued.
		if delivery.QoS == QoS0 {
			continue
		}
		session, err := e.config.sessionStore.Get(entry.ClientID)
		if err != nil {
			continue
		}
		delivery.EnqueuedAt = time.Now()
		session.AddPendingMessage(session.NextPacketID(), delivery)
	}

	// Cluster forwarding: never re-forward a publish whose origin tag names
	// a peer (loop prevention, section 4.6).
	if e.cluster != nil && originNode == "" {
		e.cluster.ForwardPublish(msg, msg.Topic)
	}
}

// deliverFromCluster applies a publish forwarded by a peer. It is routed
// through doPublish so local matching/delivery/offline-queuing behaves
// identically to a locally originated publish, but the non-empty originNode
// guarantees it is never bounced back out to the cluster.
func (e *Engine) deliverFromCluster(msg *Message, originNode ClusterNodeID) {
	e.send(engineEvent{kind: eventClusterPublish, msg: msg, originNode: originNode})
}

// applyReplicatedRetained installs a retained message synced from a peer
// without re-broadcasting it (full replication, not a relay).
func (e *Engine) applyReplicatedRetained(msg *RetainedMessage) {
	e.config.retainedStore.Set(msg)
}

func (e *Engine) handleSubscribe(client *ServerClient, sub *SubscribePacket) {
	clientID := client.ClientID()
	session := client.Session()

	reasonCodes := make([]ReasonCode, len(sub.Subscriptions))

	for i, subscription := range sub.Subscriptions {
		if e.config.authz != nil {
			azCtx := &AuthzContext{
				ClientID:   clientID,
				Username:   client.Username(),
				Topic:      subscription.TopicFilter,
				Action:     AuthzActionSubscribe,
				QoS:        subscription.QoS,
				RemoteAddr: client.Conn().RemoteAddr(),
				LocalAddr:  client.Conn().LocalAddr(),
			}
			result, err := e.config.authz.Authorize(authCtx, azCtx)
			if err != nil || !result.Allowed {
				reasonCode := ReasonNotAuthorized
				if result != nil {
					reasonCode = result.ReasonCode
				}
				reasonCodes[i] = reasonCode
				continue
			}
		}

		isNew := !e.subs.Unsubscribe(clientID, subscription.TopicFilter)
		e.subs.Subscribe(clientID, subscription)

		if session != nil {
			session.AddSubscription(subscription)
		}
		if e.cluster != nil {
			e.cluster.SyncSubscription(clientID, subscription)
		}

		reasonCodes[i] = ReasonCode(subscription.QoS)

		if ShouldSendRetained(subscription.RetainHandling, isNew) {
			retained := e.config.retainedStore.Match(subscription.TopicFilter)
			for _, rm := range retained {
				deliveryQoS := rm.QoS
				if subscription.QoS < deliveryQoS {
					deliveryQoS = subscription.QoS
				}
				client.Send(&Message{Topic: rm.Topic, Payload: rm.Payload, QoS: deliveryQoS, Retain: true})
			}
		}
	}

	if e.config.onSubscribe != nil {
		e.config.onSubscribe(client, sub.Subscriptions)
	}

	client.SendPacket(&SubackPacket{PacketID: sub.PacketID, ReasonCodes: reasonCodes})
}

func (e *Engine) handleUnsubscribe(client *ServerClient, unsub *UnsubscribePacket) {
	clientID := client.ClientID()
	session := client.Session()

	reasonCodes := make([]ReasonCode, len(unsub.TopicFilters))

	for i, filter := range unsub.TopicFilters {
		if e.subs.Unsubscribe(clientID, filter) {
			reasonCodes[i] = ReasonSuccess
			if session != nil {
				session.RemoveSubscription(filter)
			}
			if e.cluster != nil {
				e.cluster.RemoveSubscription(clientID, filter)
			}
		} else {
			reasonCodes[i] = ReasonNoSubscriptionExisted
		}
	}

	if e.config.onUnsubscribe != nil {
		e.config.onUnsubscribe(client, unsub.TopicFilters)
	}

	client.SendPacket(&UnsubackPacket{PacketID: unsub.PacketID, ReasonCodes: reasonCodes})
}

// handleShutdown disconnects every connected client with reason, then
// signals the caller blocked in Engine.Shutdown. It does not touch session
// or subscription state — SubmitClosed from each connection's own teardown
// handles that through the normal eventClientClosed path.
func (e *Engine) handleShutdown(reason ReasonCode, done chan struct{}) {
	for _, client := range e.clients {
		client.Disconnect(reason)
	}
	close(done)
}

func (e *Engine) handleSnapshot(reply chan []*ServerClient) {
	clients := make([]*ServerClient, 0, len(e.clients))
	for _, client := range e.clients {
		clients = append(clients, client)
	}
	reply <- clients
}

// cleanupOperations is the per-tick Broker Core operation of section 4.5:
// will delivery, offline-session expiry, message-expiry pruning, and
// keep-alive timeouts. It runs only from Run's select loop, on the engine
// goroutine, at the select-tick-ms cadence configured in serverConfig.
func (e *Engine) cleanupOperations() {
	now := time.Now()

	for _, entry := range e.wills.GetReadyWills() {
		msg := entry.Will.ToMessage()
		e.doPublish(msg, "", "")
	}

	e.config.sessionStore.Cleanup()

	for _, session := range e.config.sessionStore.List() {
		for packetID, msg := range session.PendingMessages() {
			if msg.Expired(now) {
				session.RemovePendingMessage(packetID)
			}
		}
	}

	for _, clientID := range e.keepAlive.GetExpiredClients() {
		if client, ok := e.clients[clientID]; ok {
			client.Disconnect(ReasonKeepAliveTimeout)
		}
	}
}
