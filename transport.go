package p2p

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var connLogger = transportLogger.WithField("component", "connection")

// LazyRaw is a view into a connection's read buffer, valid only for the
// duration of the on_message callback that received it (spec §4.1: "the
// view's validity ends when the read cursor advances past its bytes").
// Callers that need the bytes to outlive the callback must call
// Materialize before returning.
type LazyRaw struct {
	data []byte
}

// Materialize copies the view into an owned slice.
func (l *LazyRaw) Materialize() []byte {
	if l == nil {
		return nil
	}
	out := make([]byte, len(l.data))
	copy(out, l.data)
	return out
}

// readBuffer is a compacting linear buffer: unread bytes live at
// data[pos:n]; compact slides them to the front before growth or before
// the next socket read, per spec §4.1's "bounded read buffer, grows as
// needed, never shrinks below ReadBufferMin".
type readBuffer struct {
	data []byte
	pos  int
	n    int
}

func newReadBuffer(min uint32) *readBuffer {
	if min == 0 {
		min = 4096
	}
	return &readBuffer{data: make([]byte, min)}
}

func (b *readBuffer) compact() {
	if b.pos > 0 {
		copy(b.data, b.data[b.pos:b.n])
		b.n -= b.pos
		b.pos = 0
	}
}

func (b *readBuffer) ensure(total int) {
	b.compact()
	if len(b.data) < total {
		grown := make([]byte, total)
		copy(grown, b.data[:b.n])
		b.data = grown
	}
}

func (b *readBuffer) freeSpace() []byte {
	return b.data[b.n:]
}

func (b *readBuffer) advanceWrite(k int) {
	b.n += k
}

func (b *readBuffer) advanceRead(k int) {
	b.pos += k
}

// peekFrame returns the payload of a complete frame at the head of the
// unread region, if one is fully buffered. It does not advance the read
// cursor; the caller does that once it has finished using payload.
func (b *readBuffer) peekFrame(maxLen uint32) (payload []byte, ok bool, err error) {
	unread := b.n - b.pos
	if unread < 4 {
		return nil, false, nil
	}
	length := binary.LittleEndian.Uint32(b.data[b.pos : b.pos+4])
	if length > maxLen {
		return nil, false, newErr(ErrFramingError, "frame length %d exceeds max %d", length, maxLen)
	}
	need := 4 + int(length)
	if unread < need {
		b.ensure(need)
		return nil, false, nil
	}
	return b.data[b.pos+4 : b.pos+need], true, nil
}

type writeRequest struct {
	payload []byte
	then    func(error)
}

// outboundQueue is an unbounded FIFO of pending writes. Unlike the
// teacher's bounded, drop-oldest ParcelChannel, this queue never drops:
// spec §4.1 requires every enqueued frame to eventually be written or to
// fail explicitly via its completion callback, never silently vanish.
type outboundQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []writeRequest
	closed bool
}

func newOutboundQueue() *outboundQueue {
	q := &outboundQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *outboundQueue) push(r writeRequest) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, r)
	q.cond.Signal()
	return true
}

func (q *outboundQueue) pop() (writeRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return writeRequest{}, false
	}
	r := q.items[0]
	q.items = q.items[1:]
	return r, true
}

func (q *outboundQueue) close() {
	q.mu.Lock()
	q.closed = true
	pending := q.items
	q.items = nil
	q.cond.Broadcast()
	q.mu.Unlock()
	for _, r := range pending {
		if r.then != nil {
			r.then(newErr(ErrConnectFailure, "connection closed"))
		}
	}
}

// Connection is a single framed, length-prefixed TCP link to a peer. It
// owns at most one read goroutine and one write goroutine at a time, and
// presents connect/disconnect/message/error activity as signals so a
// Session never has to know whether the link is dialed or accepted. See
// spec §4.1.
type Connection struct {
	endpoint string
	incoming bool
	cfg      Configuration
	codec    Codec

	mu             sync.Mutex
	socket         net.Conn
	connected      bool
	autoReconnect  bool
	retryAttempts  int
	reconnectTimer *time.Timer
	writeQueue     *outboundQueue
	generation     int

	onConnected    signalVoid
	onDisconnected signalVoid
	onMessage      signalMessage
	onError        signalError

	logger *log.Entry
}

// NewConnection creates an outbound Connection to endpoint. Open must be
// called to begin dialing.
func NewConnection(endpoint string, cfg Configuration, codec Codec) *Connection {
	return &Connection{
		endpoint:   endpoint,
		cfg:        cfg,
		codec:      codec,
		writeQueue: newOutboundQueue(),
		logger:     connLogger.WithField("endpoint", endpoint),
	}
}

// newAcceptedConnection wraps an already-established inbound socket.
// Accepted connections never auto-reconnect: if the socket drops, the
// listener accepts a new one should the peer redial.
func newAcceptedConnection(conn net.Conn, endpoint string, cfg Configuration, codec Codec) *Connection {
	c := &Connection{
		endpoint:   endpoint,
		incoming:   true,
		cfg:        cfg,
		codec:      codec,
		writeQueue: newOutboundQueue(),
		socket:     conn,
		logger:     connLogger.WithField("endpoint", endpoint).WithField("incoming", true),
	}
	return c
}

// Endpoint returns the "host:port" this connection was created with.
func (c *Connection) Endpoint() string { return c.endpoint }

// Incoming reports whether this connection originated from the listener.
func (c *Connection) Incoming() bool { return c.incoming }

// OnConnected, OnDisconnected, OnMessage and OnError subscribe to this
// connection's signals. Multiple subscribers are supported.
func (c *Connection) OnConnected(f func())                { c.onConnected.Subscribe(f) }
func (c *Connection) OnDisconnected(f func())             { c.onDisconnected.Subscribe(f) }
func (c *Connection) OnMessage(f func(Message, *LazyRaw)) { c.onMessage.Subscribe(f) }
func (c *Connection) OnError(f func(*ConnectionError))    { c.onError.Subscribe(f) }

// Open begins (or resumes) connecting. For accepted connections it just
// starts the read/write pipelines; it is idempotent.
func (c *Connection) Open() {
	c.logger.Debug("opening connection")
	if c.incoming {
		c.mu.Lock()
		sock := c.socket
		c.mu.Unlock()
		if sock != nil {
			c.onConnectSuccess(sock)
		}
		return
	}

	c.mu.Lock()
	already := c.autoReconnect
	c.autoReconnect = true
	c.mu.Unlock()
	if !already {
		go c.initiate()
	}
}

// Close permanently shuts the connection down: it cancels any pending
// reconnect, closes the socket, drains the write queue, and fires
// on_disconnected exactly once if the connection is currently connected
// (spec I-CONN-1: one on_disconnected per open/close cycle, not one per
// Close call — a Close during backoff, after a prior failure already
// signaled the cycle's end, must not signal it a second time).
func (c *Connection) Close() {
	c.logger.Debug("closing connection")
	c.mu.Lock()
	wasActive := c.connected
	c.connected = false
	c.autoReconnect = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	sock := c.socket
	c.socket = nil
	c.generation++
	c.mu.Unlock()

	c.writeQueue.close()
	if sock != nil {
		sock.Close()
	}
	if wasActive {
		c.onDisconnected.fire()
	}
}

// Enqueue encodes msg and appends it to the write FIFO. then, if
// non-nil, is invoked once the frame has been written or has
// permanently failed.
func (c *Connection) Enqueue(msg Message, then func(error)) {
	payload, err := c.codec.Encode(msg)
	if err != nil {
		if then != nil {
			then(err)
		}
		return
	}
	c.EnqueueRaw(payload, then)
}

// EnqueueRaw appends an already-encoded payload to the write FIFO,
// letting a caller forward a message it received without re-encoding it
// (spec §4.1's rationale for LazyRaw).
func (c *Connection) EnqueueRaw(payload []byte, then func(error)) {
	if !c.writeQueue.push(writeRequest{payload: payload, then: then}) && then != nil {
		then(newErr(ErrConnectFailure, "connection closed"))
	}
}

func (c *Connection) initiate() {
	parsed, err := ParseEndpoint(c.endpoint)
	if err != nil {
		c.onError.fire(wrapErr(ErrInvalidEndpoint, err, "parse endpoint %q", c.endpoint))
		return
	}
	addrs, err := net.LookupHost(parsed.Host)
	if err != nil {
		c.onError.fire(wrapErr(ErrResolutionFailure, err, "resolve %q", parsed.Host))
		c.setRetry()
		return
	}
	c.tryConnect(addrs, parsed.Port, 0)
}

func (c *Connection) tryConnect(addrs []string, port string, idx int) {
	if idx >= len(addrs) {
		c.onError.fire(newErr(ErrConnectFailure, "all %d resolved addresses refused connection for %q", len(addrs), c.endpoint))
		c.setRetry()
		return
	}
	target := net.JoinHostPort(addrs[idx], port)
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.Dial("tcp", target)
	if err != nil {
		c.onError.fire(wrapErr(ErrConnectFailure, err, "dial %q", target))
		c.tryConnect(addrs, port, idx+1)
		return
	}
	c.onConnectSuccess(conn)
}

func (c *Connection) onConnectSuccess(conn net.Conn) {
	c.mu.Lock()
	c.socket = conn
	c.connected = true
	c.retryAttempts = 0
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	c.onConnected.fire()

	go c.readLoop(conn, gen)
	go c.sendLoop(conn, gen)
}

// setRetry schedules the next reconnect attempt using the backoff
// formula from spec §4.1: min(base * 2^min(attempts, cap), max).
func (c *Connection) setRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.autoReconnect || c.reconnectTimer != nil {
		return
	}
	exp := c.retryAttempts
	if exp > int(c.cfg.BackoffExponentCap) {
		exp = int(c.cfg.BackoffExponentCap)
	}
	delay := c.cfg.BackoffBase * time.Duration(uint64(1)<<uint(exp))
	if delay > c.cfg.BackoffMax {
		delay = c.cfg.BackoffMax
	}
	c.retryAttempts++
	c.reconnectTimer = time.AfterFunc(delay, c.onReconnectTimer)
}

func (c *Connection) onReconnectTimer() {
	c.mu.Lock()
	if !c.autoReconnect {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.mu.Unlock()
	c.initiate()
}

// handleFailure is called from either pipeline goroutine once its socket
// op fails. Only the first caller for a given generation actually tears
// the connection down; the other sees a stale generation and returns.
func (c *Connection) handleFailure(conn net.Conn, gen int, connErr *ConnectionError) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.socket = nil
	c.connected = false
	c.mu.Unlock()

	conn.Close()
	c.logger.WithError(connErr).Debug("connection failed")
	c.onError.fire(connErr)
	c.onDisconnected.fire()

	if c.incoming {
		return
	}
	c.setRetry()
}

func (c *Connection) readLoop(conn net.Conn, gen int) {
	buf := newReadBuffer(c.cfg.ReadBufferMin)
	for {
		buf.compact()
		if len(buf.freeSpace()) == 0 {
			buf.ensure(len(buf.data) * 2)
		}
		k, err := conn.Read(buf.freeSpace())
		if err != nil {
			c.handleFailure(conn, gen, wrapErr(ErrConnectFailure, err, "read from %s", c.endpoint))
			return
		}
		buf.advanceWrite(k)

		for {
			payload, ok, ferr := buf.peekFrame(c.cfg.MaxMessageLength)
			if ferr != nil {
				c.handleFailure(conn, gen, ferr.(*ConnectionError))
				return
			}
			if !ok {
				break
			}
			msg, derr := c.codec.Decode(payload)
			if derr != nil {
				c.handleFailure(conn, gen, wrapErr(ErrFramingError, derr, "decode frame from %s", c.endpoint))
				return
			}
			c.onMessage.fire(msg, &LazyRaw{data: payload})
			buf.advanceRead(4 + len(payload))
		}
	}
}

func (c *Connection) sendLoop(conn net.Conn, gen int) {
	for {
		req, ok := c.writeQueue.pop()
		if !ok {
			return
		}

		c.mu.Lock()
		stale := c.generation != gen
		c.mu.Unlock()
		if stale {
			if req.then != nil {
				req.then(newErr(ErrConnectFailure, "connection replaced"))
			}
			return
		}

		var header [4]byte
		binary.LittleEndian.PutUint32(header[:], uint32(len(req.payload)))
		buffers := net.Buffers{header[:], req.payload}
		_, err := buffers.WriteTo(conn)
		if req.then != nil {
			req.then(err)
		}
		if err != nil {
			c.handleFailure(conn, gen, wrapErr(ErrConnectFailure, err, "write to %s", c.endpoint))
			return
		}
	}
}
