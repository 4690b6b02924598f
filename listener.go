package p2p

import (
	"net"

	log "github.com/sirupsen/logrus"
)

var listenLogger = transportLogger.WithField("component", "listener")

// Listener accepts inbound TCP connections and wraps each into a
// server-side Connection, per spec §4.1's "accept loop wraps each
// accepted socket into a Connection with a synthesized endpoint string".
type Listener struct {
	cfg   Configuration
	codec Codec

	listener net.Listener
	logger   *log.Entry

	onIncoming signalConn
}

// NewListener binds cfg.ListenEndpoint. It does not start accepting
// until Start is called.
func NewListener(cfg Configuration, codec Codec) (*Listener, error) {
	parsed, err := ParseEndpoint(cfg.ListenEndpoint)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", parsed.String())
	if err != nil {
		return nil, wrapErr(ErrConnectFailure, err, "listen on %s", cfg.ListenEndpoint)
	}
	return &Listener{
		cfg:      cfg,
		codec:    codec,
		listener: ln,
		logger:   listenLogger.WithField("endpoint", cfg.ListenEndpoint),
	}, nil
}

// OnIncoming subscribes to newly accepted connections. Each is handed
// over with its read/write pipelines already running.
func (l *Listener) OnIncoming(f func(*Connection)) { l.onIncoming.Subscribe(f) }

// Start runs the accept loop until Close is called. It blocks the
// calling goroutine; callers typically run it with `go`.
func (l *Listener) Start() {
	l.logger.Debug("starting accept loop")
	defer l.logger.Debug("accept loop stopped")
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				continue
			}
			return
		}
		go l.handleAccepted(conn)
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.listener.Close()
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *Listener) handleAccepted(conn net.Conn) {
	endpoint := synthesizeEndpoint(conn.RemoteAddr())
	l.logger.WithField("peer", endpoint).Debug("accepted connection")

	c := newAcceptedConnection(conn, endpoint, l.cfg, l.codec)
	c.Open()
	l.onIncoming.fire(c)
}

// synthesizeEndpoint renders a net.Addr as "host:port", bracketing IPv6
// literals the same way ParsedEndpoint.String does.
func synthesizeEndpoint(addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return ParsedEndpoint{Host: host, Port: port}.String()
}
