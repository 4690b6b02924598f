package p2p

import "sync"

// The following are minimal multi-subscriber signal types. The transport
// layer needs exactly four distinct signatures (spec §4.1's "Signals
// exposed"); rather than pull in a generic pub/sub library this uses one
// small mutex-guarded slice-of-funcs per signature, the same shape the
// teacher reaches for with single-subscriber channels, generalized to
// support multiple subscribers as spec §4.1 requires.

type signalVoid struct {
	mu   sync.Mutex
	subs []func()
}

func (s *signalVoid) Subscribe(f func()) {
	s.mu.Lock()
	s.subs = append(s.subs, f)
	s.mu.Unlock()
}

func (s *signalVoid) fire() {
	s.mu.Lock()
	subs := make([]func(), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()
	for _, f := range subs {
		f()
	}
}

type signalMessage struct {
	mu   sync.Mutex
	subs []func(Message, *LazyRaw)
}

func (s *signalMessage) Subscribe(f func(Message, *LazyRaw)) {
	s.mu.Lock()
	s.subs = append(s.subs, f)
	s.mu.Unlock()
}

func (s *signalMessage) fire(m Message, raw *LazyRaw) {
	s.mu.Lock()
	subs := make([]func(Message, *LazyRaw), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()
	for _, f := range subs {
		f(m, raw)
	}
}

type signalError struct {
	mu   sync.Mutex
	subs []func(*ConnectionError)
}

func (s *signalError) Subscribe(f func(*ConnectionError)) {
	s.mu.Lock()
	s.subs = append(s.subs, f)
	s.mu.Unlock()
}

func (s *signalError) fire(err *ConnectionError) {
	s.mu.Lock()
	subs := make([]func(*ConnectionError), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()
	for _, f := range subs {
		f(err)
	}
}

type signalConn struct {
	mu   sync.Mutex
	subs []func(*Connection)
}

func (s *signalConn) Subscribe(f func(*Connection)) {
	s.mu.Lock()
	s.subs = append(s.subs, f)
	s.mu.Unlock()
}

func (s *signalConn) fire(c *Connection) {
	s.mu.Lock()
	subs := make([]func(*Connection), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()
	for _, f := range subs {
		f(c)
	}
}
