package wscore

import (
	"bufio"
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	defaultPingInterval   = 30 * time.Second
	defaultReconnectDelay = 3 * time.Second

	pingPayloadSize = 10
)

type (
	// MessageHandler receives every decoded text frame, one at a time, in
	// arrival order, on the receive goroutine. It should not block for
	// long: no further frame is read until it returns.
	MessageHandler func(text string)

	// EventHandler observes lifecycle transitions. See EventType.
	EventHandler func(c *Client, event EventType)

	// Option configures a Client at construction time.
	Option func(*Client)
)

// WithProxy routes connect attempts through an HTTP CONNECT proxy. When the
// proxy path fails the client falls back to a direct connection.
func WithProxy(host string, port int) Option {
	return func(c *Client) {
		c.proxy = ProxyConfig{Host: host, Port: port}
	}
}

// WithLogger installs a logger. Without it the client stays silent.
func WithLogger(l Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithPingInterval overrides how often keepalive pings are sent.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		c.pingInterval = d
	}
}

// WithReconnectDelay overrides the pause between automatic reconnect
// attempts. The dial timeout is always twice this value.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) {
		c.reconnectDelay = d
	}
}

// WithEventHandler registers a callback for lifecycle events. It runs
// synchronously, outside the client's internal lock.
func WithEventHandler(h EventHandler) Option {
	return func(c *Client) {
		c.eventHandler = h
	}
}

// Client is a websocket client for unfragmented text traffic. It owns the
// whole connection lifecycle: transport establishment (direct or through a
// CONNECT tunnel, TLS-wrapped for wss), the upgrade handshake, frame
// encoding and decoding, periodic keepalive pings, and automatic
// reconnection after unplanned disconnects. A Client may be connected,
// closed and reconnected any number of times.
type Client struct {
	endpoint     Endpoint
	handler      MessageHandler
	eventHandler EventHandler
	logger       Logger
	emitter      *EventEmitterCallback[EventType, EventType]

	pingInterval   time.Duration
	reconnectDelay time.Duration

	// mu guards everything below. Connect, Close and disconnection
	// handling are mutually exclusive critical sections.
	mu             sync.Mutex
	proxy          ProxyConfig
	conn           net.Conn
	connected      bool
	manuallyClosed bool
	keepAlive      *keepAliveScheduler
	supervisor     *reconnectSupervisor
}

// NewClient parses uri and builds a disconnected client that delivers
// incoming text frames to handler. It fails only on an invalid endpoint;
// no network activity happens until Connect.
func NewClient(uri string, handler MessageHandler, opts ...Option) (*Client, error) {
	ep, err := parseEndpoint(uri)
	if err != nil {
		return nil, err
	}
	if handler == nil {
		handler = func(string) {}
	}

	c := &Client{
		endpoint:       ep,
		handler:        handler,
		logger:         noopLogger{},
		emitter:        NewEventEmitter[EventType, EventType](),
		pingInterval:   defaultPingInterval,
		reconnectDelay: defaultReconnectDelay,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.logger.WithField("endpoint", ep.String())

	if c.eventHandler != nil {
		for _, ev := range []EventType{EventConnect, EventDisconnect, EventReconnect} {
			c.emitter.On(ev, func(event EventType) {
				c.eventHandler(c, event)
			})
		}
	}

	return c, nil
}

// Connect runs the full connect sequence synchronously: transport (through
// the proxy when one is configured, falling back to direct), upgrade
// handshake, then the receive loop and keepalive scheduler are started. It
// clears any previous manual close and cancels an in-flight reconnection
// supervisor. Errors surface to the caller; an explicit connect never
// schedules a retry.
func (c *Client) Connect() error {
	c.mu.Lock()
	c.manuallyClosed = false
	c.stopSupervisorLocked()
	err := c.connectLocked()
	c.mu.Unlock()

	if err != nil {
		return err
	}

	c.emitter.Emit(EventConnect, EventConnect)
	return nil
}

// Send writes text as a single masked frame. It fails with ErrNotConnected
// while no connection is live; a connection severed between the check and
// the write surfaces as the write error instead.
func (c *Client) Send(text string) error {
	return c.writeMessage(TextMessage, []byte(text))
}

// Close shuts the client down for good: it marks the close as manual so no
// reconnection follows, best-effort sends a normal-closure frame while the
// connection is still up, then tears everything down. Calling Close again
// is a no-op.
func (c *Client) Close() {
	c.mu.Lock()
	c.manuallyClosed = true
	c.stopSupervisorLocked()

	wasConnected := c.connected
	if c.connected && c.conn != nil {
		if err := writeFrame(c.conn, CloseMessage, closePayload(closeStatusNormal)); err != nil {
			c.logger.Debugf("close frame not sent: %s", err)
		}
	}
	c.teardownLocked()
	c.mu.Unlock()

	if wasConnected {
		c.logger.Infoln("closed")
		c.emitter.Emit(EventDisconnect, EventDisconnect)
	}
}

// IsConnected reports whether a live, handshaken connection exists.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SetProxyConfig points the client at an HTTP proxy. It may be called at
// any time but only affects the next connect attempt; an established
// connection keeps its current path. An empty host disables the proxy.
func (c *Client) SetProxyConfig(host string, port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.proxy = ProxyConfig{Host: host, Port: port}
}

// ProxyConfig returns the proxy the next connect attempt will use. The
// zero value means a direct connection.
func (c *Client) ProxyConfig() ProxyConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proxy
}

func (c *Client) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	proxy := "direct"
	if c.proxy.enabled() {
		proxy = c.proxy.addr()
	}
	return fmt.Sprintf("Client{endpoint: %s, proxy: %s, connected: %t, manuallyClosed: %t}",
		c.endpoint, proxy, c.connected, c.manuallyClosed)
}

// connectLocked tears down any live connection and establishes a new one:
// transport, handshake, then receive loop and keepalive. Callers hold c.mu.
func (c *Client) connectLocked() error {
	c.teardownLocked()

	conn, err := c.establishTransport()
	if err != nil {
		return err
	}
	if err := negotiate(conn, c.endpoint); err != nil {
		return err
	}

	c.conn = conn
	c.connected = true

	go c.receiveLoop(conn, bufio.NewReader(conn))

	c.keepAlive = newKeepAliveScheduler(c.logger, c.pingInterval, c.sendPing)
	c.keepAlive.start()

	c.logger.Infof("connected to %s", c.endpoint)
	return nil
}

// establishTransport opens the byte stream for the next connection. A
// configured proxy is tried first; any failure on the proxy path falls
// back to a direct connection rather than surfacing.
func (c *Client) establishTransport() (net.Conn, error) {
	timeout := 2 * c.reconnectDelay

	if c.proxy.enabled() {
		conn, err := dialProxy(c.endpoint, c.proxy, timeout)
		if err == nil {
			c.logger.Debugf("tunnelling through proxy %s", c.proxy.addr())
			return conn, nil
		}
		c.logger.Warnf("proxy %s unusable, trying direct: %s", c.proxy.addr(), err)
	}

	return dialDirect(c.endpoint, timeout)
}

// teardownLocked stops the keepalive task, closes the transport and clears
// the connected flag. Safe to call with no live connection. Callers hold
// c.mu.
func (c *Client) teardownLocked() {
	if c.keepAlive != nil {
		c.keepAlive.stop()
		c.keepAlive = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}

// receiveLoop reads frames until the stream dies or the peer closes, then
// hands the cause to the disconnection handler. It runs once per
// connection, on its own goroutine.
func (c *Client) receiveLoop(conn net.Conn, r *bufio.Reader) {
	cause := c.dispatchFrames(r)
	c.disconnected(conn, cause)
}

// dispatchFrames decodes and routes incoming frames: text to the message
// handler, ping to an immediate pong reply carrying the same payload,
// close out to the lifecycle controller. Unknown opcodes, pong included,
// are dropped.
func (c *Client) dispatchFrames(r *bufio.Reader) error {
	for {
		hdr, payload, err := readFrame(r)
		if err != nil {
			return errors.Wrapf(ErrConnectionClosed, "read frame: %s", err)
		}

		switch {
		case hdr.opcode.IsText():
			c.handler(string(payload))
		case hdr.opcode.IsPing():
			if err := c.writeMessage(PongMessage, payload); err != nil {
				c.logger.Warnf("pong reply failed: %s", err)
			}
		case hdr.opcode.IsClose():
			c.logger.Infof("close frame from peer, status %d", closeStatus(payload))
			return errPeerClosed
		default:
			c.logger.Debugf("ignoring %s frame", hdr.opcode)
		}
	}
}

// disconnected is the single disconnection handler every receive-loop exit
// funnels through. The conn argument keeps a stale loop, whose connection
// was already replaced or torn down, from touching the current one. When
// the peer asked for the close the endpoint is evidently reachable, so one
// reconnect attempt runs right away; everything else goes through the
// supervisor at the fixed delay.
func (c *Client) disconnected(conn net.Conn, cause error) {
	var events []EventType

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}

	c.logger.Infof("disconnected: %s", cause)
	c.teardownLocked()
	events = append(events, EventDisconnect)

	if !c.manuallyClosed {
		if errors.Is(cause, errPeerClosed) {
			if err := c.connectLocked(); err == nil {
				events = append(events, EventReconnect)
			} else {
				c.logger.Warnf("immediate reconnect failed: %s", err)
				c.startSupervisorLocked()
			}
		} else {
			c.startSupervisorLocked()
		}
	}
	c.mu.Unlock()

	for _, ev := range events {
		c.emitter.Emit(ev, ev)
	}
}

func (c *Client) startSupervisorLocked() {
	if c.supervisor != nil {
		return
	}
	c.supervisor = newReconnectSupervisor(c.logger, c.reconnectDelay, c.reconnectAttempt)
	c.supervisor.start()
}

func (c *Client) stopSupervisorLocked() {
	if c.supervisor != nil {
		c.supervisor.stop()
		c.supervisor = nil
	}
}

// reconnectAttempt runs one supervised connect sequence. Transport and
// handshake errors are logged and retried at the fixed delay instead of
// surfacing anywhere.
func (c *Client) reconnectAttempt() (stop bool) {
	c.mu.Lock()
	if c.manuallyClosed || c.connected {
		c.supervisor = nil
		c.mu.Unlock()
		return true
	}
	if err := c.connectLocked(); err != nil {
		c.logger.Warnf("reconnect failed: %s", err)
		c.mu.Unlock()
		return false
	}
	c.supervisor = nil
	c.mu.Unlock()

	c.emitter.Emit(EventReconnect, EventReconnect)
	return true
}

// writeMessage encodes payload as a single masked frame and writes it. The
// connected check at entry is the only synchronization with teardown; a
// connection dying mid-write surfaces as the write error.
func (c *Client) writeMessage(op MessageType, payload []byte) error {
	c.mu.Lock()
	conn, ok := c.conn, c.connected
	c.mu.Unlock()

	if !ok || conn == nil {
		return errors.Wrapf(ErrNotConnected, "%s frame not sent", op)
	}
	if err := writeFrame(conn, op, payload); err != nil {
		return errors.Wrapf(err, "write %s frame", op)
	}
	return nil
}

// sendPing emits one keepalive ping with a fresh random payload.
func (c *Client) sendPing() error {
	payload := make([]byte, pingPayloadSize)
	if _, err := rand.Read(payload); err != nil {
		return errors.Wrap(err, "ping payload")
	}
	return c.writeMessage(PingMessage, payload)
}
