package nats

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"time"
)

// Status is the connection lifecycle state.
type Status int

// Connection lifecycle states.
const (
	statusDisconnected Status = iota
	statusConnecting
	statusConnected
	statusReconnecting
	statusClosed
)

// Exported aliases for status inspection.
const (
	DISCONNECTED = statusDisconnected
	CONNECTING   = statusConnecting
	CONNECTED    = statusConnected
	RECONNECTING = statusReconnecting
	CLOSED       = statusClosed
)

// String returns the string representation of a Status.
func (status Status) String() string {
	switch status {
	case statusDisconnected:
		return "disconnected"
	case statusConnecting:
		return "connecting"
	case statusConnected:
		return "connected"
	case statusReconnecting:
		return "reconnecting"
	case statusClosed:
		return "closed"
	}
	return "unknown"
}

// flushThreshold is the pending-buffer size past which enqueue flushes
// synchronously instead of waiting for the flusher tick.
const flushThreshold = 65536

// connectTimeout bounds the dial and the INFO/PONG handshake phases.
const connectTimeout = 2 * time.Second

// Client manages a single connection to the bus: the parser, the
// subscription registry, the request multiplexer and the reconnect machinery
// all hang off one client. All mutable state is guarded by mu; user callbacks
// run without the lock held.
type Client struct {
	mu   sync.Mutex
	opts Options

	srvPool []*srv
	current *srv

	conn         net.Conn
	parser       *parser
	info         serverInfo
	infoReceived bool

	status       Status
	wasConnected bool
	reconnecting bool
	// loopActive is the single-flight guard for connectLoop.
	loopActive bool

	pending  pendingBuffer
	fch      chan struct{}
	closedCh chan struct{}

	subs map[int64]*Subscription
	ssid int64

	respMux *respMux

	pongs []*pongWaiter
	// wirePings counts PINGs written to the socket but not yet PONGed, so
	// the dial-time rebuild can retire their pong slots.
	wirePings int
	pout      int
	ptmr      *time.Timer

	stats   Statistics
	lastErr error

	errHandler          func(error)
	permErrHandler      func(error)
	disconnectHandler   func(*Client)
	reconnectHandler    func(*Client)
	reconnectingHandler func(*Client)
	closedHandler       func(*Client)
	subscribeHandler    func(sid int64, subject, queue string)
	unsubscribeHandler  func(sid int64, subject string)
	serversHandler      func(added []string)
	discoveredHandler   func(added []string)
	pingHandler         func(pout int)
	stateListener       func(Status)
}

func (client *Client) isClosed() bool { return client.status == statusClosed }

// Status returns the current lifecycle state.
func (client *Client) Status() Status {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.status
}

// IsConnected reports whether the client holds an established session.
func (client *Client) IsConnected() bool {
	return client.Status() == statusConnected
}

// IsReconnecting reports whether a previously established session is being
// recovered.
func (client *Client) IsReconnecting() bool {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.reconnecting
}

// LastError returns the last asynchronous error recorded by the client.
func (client *Client) LastError() error {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.lastErr
}

// ConnectedURL returns the URL of the current endpoint, or "" while
// disconnected.
func (client *Client) ConnectedURL() string {
	client.mu.Lock()
	defer client.mu.Unlock()
	if client.status != statusConnected || client.current == nil {
		return ""
	}
	return client.current.url.String()
}

// Stats returns a snapshot of the client counters.
func (client *Client) Stats() Statistics {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.stats
}

// Connect dials the configured endpoints and blocks until a session is
// established or every candidate is exhausted. An optional URL argument
// replaces the configured URL; additional URLs are appended to the configured
// server list.
func (client *Client) Connect(url ...string) error {
	client.mu.Lock()
	if client.status != statusDisconnected && client.status != statusClosed {
		client.mu.Unlock()
		return newErr(ErrCodeBadOptions, "client is already connected")
	}

	if len(url) > 0 {
		client.opts.URL = url[0]
		if len(url) > 1 {
			client.opts.Servers = append(client.opts.Servers, url[1:]...)
		}
	}

	if err := client.opts.validate(); err != nil {
		client.mu.Unlock()
		return err
	}
	if err := client.setupServerPool(); err != nil {
		client.mu.Unlock()
		return err
	}

	client.status = statusConnecting
	client.wasConnected = false
	client.reconnecting = false
	client.lastErr = nil
	client.pout = 0
	client.closedCh = make(chan struct{})
	client.fch = make(chan struct{}, 1)
	go client.flusher(client.fch, client.closedCh)
	client.mu.Unlock()

	return client.connectLoop()
}

// connectLoop walks the server pool until a session is established. Cold
// candidates are dialed immediately; endpoints that connected before wait out
// the reconnect delay first. Used for both the initial connect and recovery.
func (client *Client) connectLoop() error {
	client.mu.Lock()
	if client.loopActive {
		client.mu.Unlock()
		return nil
	}
	client.loopActive = true
	client.mu.Unlock()
	defer func() {
		client.mu.Lock()
		client.loopActive = false
		client.mu.Unlock()
	}()

	for {
		client.mu.Lock()
		if client.isClosed() {
			client.mu.Unlock()
			return newErr(ErrCodeConnClosed)
		}

		candidate := client.selectNextServer()
		if candidate == nil {
			lastErr := client.lastErr
			client.mu.Unlock()
			err := newErr(ErrCodeConnErr)
			if lastErr != nil {
				err = newErr(ErrCodeConnErr, lastErr)
			}
			client.closeWith(statusClosed, err, true)
			return err
		}

		var wait time.Duration
		if candidate.didConnect {
			wait = client.opts.ReconnectWait
			if client.opts.ReconnectDelayStrategy != nil {
				wait = client.opts.ReconnectDelayStrategy.ConnectWait(candidate.url.String())
			}
		}
		candidate.reconnects++
		closedCh := client.closedCh
		client.mu.Unlock()

		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-closedCh:
				return newErr(ErrCodeConnClosed)
			}
		}

		err := client.connectToServer(candidate)
		if err == nil {
			if strategy := client.opts.ReconnectDelayStrategy; strategy != nil {
				strategy.Reset()
			}
			client.mu.Lock()
			status := client.status
			client.mu.Unlock()
			switch status {
			case statusConnected:
				return nil
			case statusClosed:
				return newErr(ErrCodeConnClosed)
			}
			// The session was torn down before the handshake result was
			// observed; keep recovering.
			continue
		}

		client.mu.Lock()
		if client.isClosed() {
			client.mu.Unlock()
			return err
		}
		client.lastErr = err

		if isFatalHandshakeErr(err) {
			client.mu.Unlock()
			client.closeWith(statusClosed, err, true)
			return err
		}

		if !candidate.didConnect {
			if client.opts.WaitOnFirstConnect {
				candidate.didConnect = true
			} else {
				client.current = candidate
				client.removeCurrentServer()
			}
		}
		// A handshake that died mid-flight may have left the status at
		// connected.
		if client.status == statusConnected {
			if client.wasConnected {
				client.status = statusReconnecting
			} else {
				client.status = statusConnecting
			}
		}
		client.mu.Unlock()
	}
}

// isFatalHandshakeErr reports configuration errors that retrying another
// endpoint cannot fix.
func isFatalHandshakeErr(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeSecureConnRequired, ErrCodeNonSecureConnRequired,
		ErrCodeClientCertRequired, ErrCodeSigRequired,
		ErrCodeNKeyOrJWTRequired, ErrCodeBadCredentials,
		ErrCodeBadAuthentication:
		return true
	}
	return false
}

// connectToServer runs one full dial + handshake attempt against candidate.
func (client *Client) connectToServer(candidate *srv) error {
	connection, err := client.dial(candidate)
	if err != nil {
		return err
	}

	client.mu.Lock()
	if client.isClosed() {
		client.mu.Unlock()
		connection.Close()
		return newErr(ErrCodeConnClosed)
	}
	client.conn = connection
	client.current = candidate
	client.info = serverInfo{}
	client.infoReceived = false
	client.parser = newParser(client)
	client.rebuildPendingLocked()
	client.mu.Unlock()

	waitCh, finalConn, err := client.handshake(connection, candidate)
	if finalConn == nil {
		finalConn = connection
	}
	if err != nil {
		client.mu.Lock()
		if client.conn == finalConn {
			client.conn = nil
		}
		client.mu.Unlock()
		finalConn.Close()
		return err
	}

	// The session is established when the handshake PING is answered.
	select {
	case err, ok := <-waitCh:
		if !ok {
			return newErr(ErrCodeConnClosed)
		}
		if err != nil {
			return err
		}
	case <-time.After(connectTimeout):
		client.mu.Lock()
		if client.conn == finalConn {
			client.conn = nil
		}
		client.mu.Unlock()
		finalConn.Close()
		return newErr(ErrCodeConnErr, "timeout awaiting connect handshake")
	}

	client.completeHandshake()
	return nil
}

// completeHandshake runs once the handshake PING is answered: the session is
// live from the server's point of view.
func (client *Client) completeHandshake() {
	client.mu.Lock()
	if client.isClosed() {
		client.mu.Unlock()
		return
	}
	wasConnected := client.wasConnected
	client.wasConnected = true
	client.reconnecting = false
	if wasConnected {
		client.stats.Reconnects++
	}
	reconnectHandler := client.reconnectHandler
	stateListener := client.stateListener
	client.resetPingTimerLocked()
	client.mu.Unlock()

	if stateListener != nil {
		stateListener(statusConnected)
	}
	if wasConnected && reconnectHandler != nil {
		reconnectHandler(client)
	}
}

func (client *Client) dial(candidate *srv) (net.Conn, error) {
	endpoint := candidate.url

	if schemeIsWebsocket(endpoint.Scheme) {
		var tlsConfig *tls.Config
		if endpoint.Scheme == "wss" {
			tlsConfig = client.tlsConfigFor(endpoint.Hostname())
		}
		return wsDial(endpoint, tlsConfig, connectTimeout)
	}

	connection, err := net.DialTimeout("tcp", endpoint.Host, connectTimeout)
	if err != nil {
		return nil, err
	}
	if tcpConn, isTCP := connection.(*net.TCPConn); isTCP {
		tcpConn.SetNoDelay(true)
	}
	return connection, nil
}

func (client *Client) tlsConfigFor(host string) *tls.Config {
	if client.opts.TLSConfig != nil {
		config := client.opts.TLSConfig.Clone()
		if config.ServerName == "" {
			config.ServerName = host
		}
		return config
	}
	return &tls.Config{ServerName: host}
}

// handshake reads the first INFO, reconciles TLS, sends CONNECT plus the
// subscription replay and the retained pending commands, then a PING whose
// PONG completes the session. Returns the channel that PONG resolves and the
// connection in use after any TLS upgrade.
func (client *Client) handshake(connection net.Conn, candidate *srv) (chan error, net.Conn, error) {
	connection.SetReadDeadline(time.Now().Add(connectTimeout))
	reader := bufio.NewReader(connection)

	line, err := reader.ReadString('\n')
	if err != nil {
		return nil, connection, newErr(ErrCodeConnErr, err)
	}
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "INFO ") {
		return nil, connection, newErr(ErrCodeProtocol, "expected INFO, got: "+line)
	}

	var info serverInfo
	if err := json.Unmarshal([]byte(line[5:]), &info); err != nil {
		return nil, connection, newErr(ErrCodeProtocol, err)
	}

	client.mu.Lock()
	client.info = info
	secure := client.opts.Secure || client.opts.TLSConfig != nil ||
		schemeImpliesTLS(candidate.url.Scheme)
	websocketTransport := schemeIsWebsocket(candidate.url.Scheme)
	client.mu.Unlock()

	if !websocketTransport {
		if info.TLSRequired && !secure {
			return nil, connection, newErr(ErrCodeSecureConnRequired)
		}
		if !info.TLSRequired && secure {
			return nil, connection, newErr(ErrCodeNonSecureConnRequired)
		}
	}
	if info.TLSVerify {
		config := client.opts.TLSConfig
		if config == nil || len(config.Certificates) == 0 {
			return nil, connection, newErr(ErrCodeClientCertRequired)
		}
	}

	if info.TLSRequired && !websocketTransport {
		tlsConn := tls.Client(connection, client.tlsConfigFor(candidate.url.Hostname()))
		if err := tlsConn.Handshake(); err != nil {
			return nil, connection, newErr(ErrCodeConnErr, err)
		}
		connection = tlsConn
		client.mu.Lock()
		client.conn = connection
		client.mu.Unlock()
		reader = bufio.NewReader(connection)
	}

	client.mu.Lock()
	connectLine, err := client.connectProtoLocked()
	if err != nil {
		client.mu.Unlock()
		return nil, connection, err
	}

	// Order on the wire: CONNECT, subscription replay from the registry,
	// retained pending commands, then the handshake PING. Queued SUBs are
	// stripped first; the registry is the source of truth.
	retained := client.pending.take()
	client.pending.push(cmdConnect, connectLine)
	client.resendSubscriptions()
	for _, chunk := range retained {
		if chunk.kind == cmdSub {
			continue
		}
		client.pending.push(chunk.kind, chunk.data)
	}

	waitCh := make(chan error, 1)
	client.pongs = append(client.pongs, &pongWaiter{ch: waitCh})
	client.pending.push(cmdPing, pingProto)
	client.infoReceived = true

	// Hand any bytes the handshake reader buffered past the INFO line to
	// the parser before the read loop takes over.
	if buffered := reader.Buffered(); buffered > 0 {
		peeked, _ := reader.Peek(buffered)
		client.parser.leftover = append([]byte(nil), peeked...)
	}

	connection.SetReadDeadline(time.Time{})
	client.status = statusConnected
	client.pout = 0
	candidate.didConnect = true
	candidate.reconnects = 0

	if err := client.flushOutboundLocked(); err != nil {
		client.mu.Unlock()
		return nil, connection, newErr(ErrCodeConnErr, err)
	}

	parser := client.parser
	client.mu.Unlock()

	go client.readLoop(connection, parser)
	return waitCh, connection, nil
}

// rebuildPendingLocked applies the dial-time filter: PUBs survive, PINGs
// survive only when a real flush awaiter holds their pong slot, everything
// else is re-sent from truth by the handshake. Pong slots for pings already
// lost on the wire are failed now.
func (client *Client) rebuildPendingLocked() {
	client.failWirePongsLocked(nil)
	queued := client.pongs

	client.pending.rebuildForDial(func(pingIndex int) bool {
		return pingIndex < len(queued) && queued[pingIndex] != nil
	})

	kept := make([]*pongWaiter, 0, len(queued))
	for _, waiter := range queued {
		if waiter != nil {
			kept = append(kept, waiter)
		}
	}
	client.pongs = kept
}

// readLoop feeds socket bytes to the parser until the connection dies.
func (client *Client) readLoop(connection net.Conn, p *parser) {
	buffer := make([]byte, 64*1024)

	for {
		count, err := connection.Read(buffer)
		if count > 0 {
			p.parse(buffer[:count])
		}
		if err != nil {
			break
		}
	}

	// conn == nil means a write failure already tore the socket down; the
	// recovery path still needs to run. A different non-nil conn belongs to
	// a newer session and this loop is stale.
	client.mu.Lock()
	stale := client.isClosed() || (client.conn != nil && client.conn != connection)
	client.mu.Unlock()
	if stale {
		return
	}
	client.processOpErr(newErr(ErrCodeConnErr, "read loop closed"))
}

// flusher drains the pending buffer on each kick. It exits when the closed
// channel it was started with is closed.
func (client *Client) flusher(kick chan struct{}, closed chan struct{}) {
	for {
		select {
		case <-kick:
		case <-closed:
			return
		}

		client.mu.Lock()
		if client.status == statusConnected && client.conn != nil {
			client.flushOutboundLocked()
		}
		client.mu.Unlock()
	}
}

func (client *Client) kickFlusherLocked() {
	if client.fch == nil {
		return
	}
	select {
	case client.fch <- struct{}{}:
	default:
	}
}

// flushOutboundLocked writes the pending chunks to the socket through
// writeChunks. Caller holds client.mu.
func (client *Client) flushOutboundLocked() error {
	if client.conn == nil || client.pending.empty() {
		return nil
	}

	chunks := client.pending.take()
	written := 0
	for _, chunk := range chunks {
		written += len(chunk.data)
		if chunk.kind == cmdPing {
			client.wirePings++
		}
	}

	err := writeChunks(client.conn, chunks)
	if err != nil {
		client.lastErr = err
		connection := client.conn
		client.conn = nil
		connection.Close()
		return err
	}

	client.stats.OutBytes += uint64(written)
	return nil
}

// sendCommand enqueues a protocol command and applies the flush heuristic:
// kick the async flusher, but flush synchronously past the threshold. While
// disconnected the command stays queued for the next established session.
func (client *Client) sendCommand(kind cmdKind, data []byte) {
	client.pending.push(kind, data)
	if client.status != statusConnected {
		return
	}
	if client.pending.size > flushThreshold {
		client.flushOutboundLocked()
		return
	}
	client.kickFlusherLocked()
}

// processOpErr handles socket-level failures and synthesized stale
// connections: tear the socket down and either recover or close for good.
func (client *Client) processOpErr(err error) {
	client.mu.Lock()
	if client.isClosed() || client.status == statusReconnecting {
		client.mu.Unlock()
		return
	}

	if connection := client.conn; connection != nil {
		client.conn = nil
		connection.Close()
	}
	if client.ptmr != nil {
		client.ptmr.Stop()
		client.ptmr = nil
	}
	client.failWirePongsLocked(err)

	canReconnect := client.opts.AllowReconnect
	loopRunning := client.loopActive
	disconnectHandler := client.disconnectHandler
	reconnectingHandler := client.reconnectingHandler
	stateListener := client.stateListener
	wasConnected := client.wasConnected

	if canReconnect {
		client.status = statusReconnecting
		if wasConnected {
			client.reconnecting = true
		}
	} else {
		client.status = statusDisconnected
		client.lastErr = err
	}
	client.mu.Unlock()

	if stateListener != nil {
		stateListener(statusDisconnected)
	}
	if disconnectHandler != nil {
		disconnectHandler(client)
	}

	if !canReconnect {
		client.closeWith(statusClosed, err, true)
		return
	}

	if wasConnected && reconnectingHandler != nil {
		reconnectingHandler(client)
	}
	if !loopRunning {
		go client.connectLoop()
	}
}

// failWirePongsLocked retires pong slots whose PINGs were already written to
// a socket that is now gone; their PONGs can never arrive. Slots for still
// queued PINGs survive for the next session.
func (client *Client) failWirePongsLocked(err error) {
	lost := client.wirePings
	if lost > len(client.pongs) {
		lost = len(client.pongs)
	}
	if err == nil {
		err = newErr(ErrCodeConnErr, "connection lost before flush completed")
	}
	for _, waiter := range client.pongs[:lost] {
		if waiter != nil && waiter.ch != nil {
			waiter.ch <- err
			close(waiter.ch)
		}
	}
	client.pongs = client.pongs[lost:]
	client.wirePings = 0
}

// processErr dispatches a server -ERR. Stale connections reconnect silently;
// permission violations are reported but keep the connection; anything else
// is fatal for the stream.
func (client *Client) processErr(text string) {
	if isStaleConnectionErr(text) {
		client.processOpErr(newErr(errCodeStaleConn))
		return
	}

	if isPermissionsErr(text) {
		client.mu.Lock()
		handler := client.permErrHandler
		err := &NatsError{Code: ErrCodeProtocol, Message: text}
		client.lastErr = err
		client.mu.Unlock()
		if handler != nil {
			handler(err)
		}
		return
	}

	err := &NatsError{Code: ErrCodeProtocol, Message: text}
	client.notifyError(err)
	client.closeWith(statusClosed, err, true)
}

// processInfo handles INFO frames after the handshake: server gossip. The
// endpoint pool is reconciled and discovery events are emitted for any new
// URLs.
func (client *Client) processInfo(payload []byte) {
	var update serverInfo
	if err := json.Unmarshal(payload, &update); err != nil {
		client.notifyError(newErr(ErrCodeProtocol, err))
		return
	}

	client.mu.Lock()
	if !client.infoReceived {
		client.info = update
		client.infoReceived = true
		client.mu.Unlock()
		return
	}
	added := client.processServerUpdate(update.ConnectURLs)
	serversHandler := client.serversHandler
	discoveredHandler := client.discoveredHandler
	client.mu.Unlock()

	if len(added) == 0 {
		return
	}
	if discoveredHandler != nil {
		discoveredHandler(added)
	}
	if serversHandler != nil {
		serversHandler(added)
	}
}

// closeWith finalizes the client. Idempotent; cancels every timer, fails
// outstanding pong waiters and drops all registered state so no callback
// fires afterwards.
func (client *Client) closeWith(status Status, err error, doCallbacks bool) {
	client.mu.Lock()
	if client.isClosed() {
		client.mu.Unlock()
		return
	}
	client.status = status
	if err != nil {
		client.lastErr = err
	}

	if client.ptmr != nil {
		client.ptmr.Stop()
		client.ptmr = nil
	}
	for _, sub := range client.subs {
		sub.stopTimeout()
	}
	client.subs = make(map[int64]*Subscription)
	client.closeRespMuxLocked()

	waiterErr := err
	if waiterErr == nil {
		waiterErr = newErr(ErrCodeConnClosed)
	}
	for _, waiter := range client.pongs {
		if waiter != nil && waiter.ch != nil {
			waiter.ch <- waiterErr
			close(waiter.ch)
		}
	}
	client.pongs = nil
	client.pending.reset()
	client.wirePings = 0

	if connection := client.conn; connection != nil {
		client.conn = nil
		connection.Close()
	}
	if client.closedCh != nil {
		close(client.closedCh)
		client.closedCh = nil
	}

	closedHandler := client.closedHandler
	stateListener := client.stateListener
	client.mu.Unlock()

	if !doCallbacks {
		return
	}
	if stateListener != nil {
		stateListener(statusClosed)
	}
	if closedHandler != nil {
		closedHandler(client)
	}
}

// Close terminates the client immediately. It is idempotent; callbacks and
// events no longer fire once it returns.
func (client *Client) Close() {
	client.closeWith(statusClosed, nil, true)
}

func (client *Client) notifyError(err error) {
	client.mu.Lock()
	client.lastErr = err
	handler := client.errHandler
	client.mu.Unlock()
	if handler != nil {
		handler(err)
	}
}

func (client *Client) notifyUnsubscribe(sid int64, subject string) {
	handler := client.unsubscribeHandler
	if handler != nil {
		// Fired from the delivery path with the lock held; dispatch
		// asynchronously so handlers can call back into the client.
		go handler(sid, subject)
	}
}
