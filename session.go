package p2p

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ChainInfo is the chain-position summary exchanged in Status messages
// and tracked per session, grounded on session.hpp's chain_info.
type ChainInfo struct {
	LastIrreversibleBlockNumber uint32
	HeadBlockID                 BlockID
}

// NodeInfo is the identity a side of a connection advertises in Hello,
// grounded on session.hpp's node_info.
type NodeInfo struct {
	NodeID         NodeID
	PublicEndpoint string
	AgentName      string
	OS             string
}

// ChainView is how a Session and the node coordinator ask the host
// chain for the facts the protocol needs, without this package
// depending on a concrete chain implementation (spec §1's scope
// boundary keeps block validation and storage external).
type ChainView interface {
	LocalChain() ChainInfo
	BlockAtHeight(height uint32) (*SignedBlock, bool)
}

// SharedState is the state every Session on a node reads: local
// identity, the message caches, and the session-index counter.
// Grounded on session.hpp's shared_state.
type SharedState struct {
	mu sync.Mutex

	Chain          ChainView
	ChainID        ChainID
	NetworkVersion int16
	Local          NodeInfo

	BlockCache       *BlockCache
	TransactionCache *TransactionCache
	Codec            Codec

	nextSessionIndex uint32
}

// NewSharedState constructs the state shared by every session a node
// creates.
func NewSharedState(chain ChainView, chainID ChainID, local NodeInfo, cfg Configuration, codec Codec) *SharedState {
	return &SharedState{
		Chain:            chain,
		ChainID:          chainID,
		NetworkVersion:   cfg.NetworkVersion,
		Local:            local,
		BlockCache:       NewBlockCache(0),
		TransactionCache: NewTransactionCache(),
		Codec:            codec,
	}
}

func (s *SharedState) reserveSessionIndex() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.nextSessionIndex
	s.nextSessionIndex++
	return idx
}

// internal events posted into a session's own machine; never sent over
// the wire.
type connectionEstablishedEvent struct{}
type connectionLostEvent struct{ err error }
type handshakeTimeoutEvent struct{}
type catchUpCompleteEvent struct{}
type delayElapsedEvent struct{}

// Session drives one peer connection's protocol: the handshake, the
// Status heartbeat, and the nested broadcast/receiver sub-machines that
// decide what gets forwarded in which direction. Grounded on
// session.hpp/session.cpp's session class and its base state machine.
//
// A Session owns exactly one dispatch goroutine, draining events off a
// channel, so every machine.Post call for this session is serialized
// (spec §5) even though the underlying Connection has its own read and
// write goroutines.
type Session struct {
	conn   *Connection
	shared *SharedState
	cfg    Configuration

	SessionIndex uint32
	Chain        ChainInfo // peer's last reported chain position
	Peer         NodeInfo  // peer's identity, set once Hello is received

	// LastSentBlockNumber is the highest block height sent to this peer
	// so far; the node coordinator uses it to decide what to send next
	// per the "send LastSentBlockNumber+1" catch-up policy.
	LastSentBlockNumber uint32

	base      *Machine
	broadcast *Machine
	receiver  *Machine

	events   chan sessionEvent
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	pendingRaw []byte // raw bytes for the event currently being dispatched, if any

	onClosed            signalVoid
	onBlock             func(*SignedBlock, []byte)
	onTransaction       func(*PackedTransaction, []byte)
	onHandshakeComplete func()

	logger *log.Entry
}

type sessionEvent struct {
	event Event
	raw   []byte
}

// NewSession wraps conn in a Session. Start must be called to begin
// running its protocol.
func NewSession(conn *Connection, shared *SharedState, cfg Configuration) *Session {
	s := &Session{
		conn:         conn,
		shared:       shared,
		cfg:          cfg,
		SessionIndex: shared.reserveSessionIndex(),
		events:       make(chan sessionEvent, cfg.ChannelCapacity),
		stopCh:       make(chan struct{}),
	}
	s.logger = sessionLogger.WithField("endpoint", conn.Endpoint()).WithField("session", s.SessionIndex)

	s.base = NewMachine("session", &disconnectedState{session: s})
	s.base.OnTransition(func(from, to State) {
		s.logger.WithFields(log.Fields{"from": stateTypeName(from), "to": stateTypeName(to)}).Debug("session state changed")
	})

	conn.OnConnected(func() { s.post(connectionEstablishedEvent{}, nil) })
	conn.OnDisconnected(func() { s.post(connectionLostEvent{}, nil) })
	conn.OnError(func(err *ConnectionError) {
		s.logger.WithError(err).Debug("connection signaled an error")
	})
	conn.OnMessage(func(msg Message, raw *LazyRaw) {
		s.post(msg, raw.Materialize())
	})

	return s
}

func stateTypeName(s State) string {
	if s == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%T", s)
}

// Endpoint returns the peer endpoint this session's connection targets.
func (s *Session) Endpoint() string { return s.conn.Endpoint() }

// IsSubscribed reports whether the broadcast sub-machine currently
// considers the peer caught up and eligible for real-time forwarding.
// It is false before the handshake completes.
func (s *Session) IsSubscribed() bool {
	if s.broadcast == nil {
		return false
	}
	_, ok := s.broadcast.Current().(*subscribedBroadcastState)
	return ok
}

// IsDesynced reports whether the broadcast sub-machine is still
// catching the peer up, i.e. the node coordinator should keep driving
// SendBlock for this session. It is false before the handshake completes.
func (s *Session) IsDesynced() bool {
	if s.broadcast == nil {
		return false
	}
	_, ok := s.broadcast.Current().(*desyncedState)
	return ok
}

// MarkCaughtUp tells this session's broadcast sub-machine that the node
// coordinator has finished pushing historical blocks, letting it move
// from catch-up to live forwarding.
func (s *Session) MarkCaughtUp() {
	s.post(catchUpCompleteEvent{}, nil)
}

// SendBlock encodes (or reuses the cached encoding of) entry and
// enqueues it for this peer, unless this session has already acked it.
// number is the block's chain height, used to advance
// LastSentBlockNumber.
func (s *Session) SendBlock(number uint32, entry *BlockCacheEntry) error {
	if entry.hasAck(s.SessionIndex) {
		return nil
	}
	raw, err := entry.getRaw(s.shared.Codec)
	if err != nil {
		return err
	}
	entry.markAck(s.SessionIndex)
	s.conn.EnqueueRaw(raw, nil)
	if number > s.LastSentBlockNumber {
		s.LastSentBlockNumber = number
	}
	return nil
}

// SendTransaction encodes (or reuses the cached encoding of) entry and
// enqueues it for this peer, unless this session has already acked it.
func (s *Session) SendTransaction(entry *TransactionCacheEntry) error {
	if entry.hasAck(s.SessionIndex) {
		return nil
	}
	raw, err := entry.getRaw(s.shared.Codec)
	if err != nil {
		return err
	}
	entry.markAck(s.SessionIndex)
	s.conn.EnqueueRaw(raw, nil)
	return nil
}

// OnClosed subscribes to this session's teardown, e.g. so a node
// coordinator can remove it from its session list.
func (s *Session) OnClosed(f func()) { s.onClosed.Subscribe(f) }

// OnBlockReceived installs the callback invoked when this session's
// peer gossips a SignedBlock to us. raw is the already-encoded frame
// body, suitable for BlockCache.InsertRaw so a rebroadcast never
// re-encodes it. Only one callback is supported; a node coordinator
// installs it once, before Start.
func (s *Session) OnBlockReceived(f func(*SignedBlock, []byte)) { s.onBlock = f }

// OnTransactionReceived is OnBlockReceived's analogue for
// PackedTransaction.
func (s *Session) OnTransactionReceived(f func(*PackedTransaction, []byte)) { s.onTransaction = f }

// OnHandshakeComplete installs the callback invoked once this session
// reaches connectedState, e.g. so a node coordinator can reset a
// dialer's backoff bookkeeping for this endpoint.
func (s *Session) OnHandshakeComplete(f func()) { s.onHandshakeComplete = f }

// Start begins running the session's dispatch loop and opens its
// connection.
func (s *Session) Start() {
	s.base.Initialize()
	s.wg.Add(1)
	go s.run()
	s.conn.Open()
}

// Close tears the session down: it stops the dispatch loop and closes
// the underlying connection. Safe to call more than once, and safe to
// call from within a state's On/Enter/Exit handler running on the
// session's own dispatch goroutine (e.g. Goodbye calling Close on a
// handshake rejection) — the final teardown waits for that goroutine to
// drain from a separate goroutine instead of blocking it on itself.
func (s *Session) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.conn.Close()
		go func() {
			s.wg.Wait()
			s.base.Shutdown()
			s.onClosed.fire()
		}()
	})
}

// Goodbye sends a Goodbye message with reason and then closes the
// session, mirroring the original's practice of announcing intent
// before dropping the socket.
func (s *Session) Goodbye(reason GoodbyeReason) {
	s.conn.Enqueue(&Goodbye{Reason: reason, NodeID: s.shared.Local.NodeID}, nil)
	s.Close()
}

func (s *Session) post(event Event, raw []byte) {
	select {
	case s.events <- sessionEvent{event: event, raw: raw}:
	case <-s.stopCh:
	}
}

func (s *Session) run() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.events:
			s.pendingRaw = ev.raw
			s.base.Post(ev.event)
			s.pendingRaw = nil
		case <-s.stopCh:
			return
		}
	}
}

// disconnectedState is the base machine's starting state: no socket
// activity has happened yet, or the previous one was lost.
type disconnectedState struct {
	session *Session
}

func (d *disconnectedState) On(event Event) State {
	switch event.(type) {
	case connectionEstablishedEvent:
		return &handshakingState{session: d.session}
	default:
		return nil
	}
}

// handshakingState sends our Hello and waits for the peer's, rejecting
// mismatched network versions or chain ids. Grounded on
// base::handshaking_state.
type handshakingState struct {
	session *Session
	timer   *time.Timer
}

func (h *handshakingState) Enter() {
	shared := h.session.shared
	h.session.conn.Enqueue(&Hello{
		NetworkVersion: shared.NetworkVersion,
		ChainID:        shared.ChainID,
		NodeID:         shared.Local.NodeID,
		P2PAddress:     shared.Local.PublicEndpoint,
		OS:             shared.Local.OS,
		Agent:          shared.Local.AgentName,
	}, nil)

	h.timer = time.AfterFunc(h.session.cfg.HandshakeTimeout, func() {
		h.session.post(handshakeTimeoutEvent{}, nil)
	})
}

func (h *handshakingState) Exit() {
	if h.timer != nil {
		h.timer.Stop()
	}
}

func (h *handshakingState) On(event Event) State {
	switch msg := event.(type) {
	case *Hello:
		shared := h.session.shared
		if msg.NetworkVersion != shared.NetworkVersion {
			h.session.Goodbye(GoodbyeWrongVersion)
			return nil
		}
		if msg.ChainID != shared.ChainID {
			h.session.Goodbye(GoodbyeWrongChain)
			return nil
		}
		h.session.Peer = NodeInfo{NodeID: msg.NodeID, PublicEndpoint: msg.P2PAddress, AgentName: msg.Agent, OS: msg.OS}
		return &connectedState{session: h.session}
	case handshakeTimeoutEvent:
		h.session.Goodbye(GoodbyeNoReason)
		return nil
	case connectionLostEvent:
		return &disconnectedState{session: h.session}
	default:
		return nil
	}
}

// connectedState is the base machine's steady state: the handshake is
// done, and the broadcast/receiver sub-machines drive what gets sent
// and requested. Grounded on base::connected_state.
type connectedState struct {
	session     *Session
	statusTimer *time.Timer
}

func (c *connectedState) Enter() {
	s := c.session
	s.broadcast = NewMachine("broadcast", &idleBroadcastState{session: s})
	s.receiver = NewMachine("receiver", &idleReceiverState{session: s})
	s.broadcast.Initialize()
	s.receiver.Initialize()

	c.sendStatus()
	c.scheduleStatus()

	if s.onHandshakeComplete != nil {
		s.onHandshakeComplete()
	}
}

func (c *connectedState) scheduleStatus() {
	c.statusTimer = time.AfterFunc(c.session.cfg.StatusInterval, func() {
		c.sendStatus()
		c.scheduleStatus()
	})
}

func (c *connectedState) sendStatus() {
	local := c.session.shared.Chain.LocalChain()
	c.session.conn.Enqueue(&Status{
		LastIrreversibleBlockNumber: local.LastIrreversibleBlockNumber,
		HeadBlockID:                 local.HeadBlockID,
	}, nil)
}

func (c *connectedState) Exit() {
	if c.statusTimer != nil {
		c.statusTimer.Stop()
	}
	c.session.broadcast.Shutdown()
	c.session.receiver.Shutdown()
}

func (c *connectedState) On(event Event) State {
	switch msg := event.(type) {
	case *Status:
		c.session.Chain = ChainInfo{LastIrreversibleBlockNumber: msg.LastIrreversibleBlockNumber, HeadBlockID: msg.HeadBlockID}
		return nil
	case *SignedBlock:
		if c.session.onBlock != nil {
			c.session.onBlock(msg, c.session.pendingRaw)
		}
		return nil
	case *PackedTransaction:
		if c.session.onTransaction != nil {
			c.session.onTransaction(msg, c.session.pendingRaw)
		}
		return nil
	case connectionLostEvent:
		return &disconnectedState{session: c.session}
	default:
		return nil
	}
}

// Post forwards every event the base machine didn't transition on to
// both sub-machines, the Go analogue of container_post_visitor calling
// every member of state_machine_member_list.
func (c *connectedState) Post(event Event) {
	c.session.broadcast.Post(event)
	c.session.receiver.Post(event)
}
