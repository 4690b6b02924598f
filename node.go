package p2p

import (
	"context"
	"runtime"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// defaultTransactionTTL is used when caching a transaction received
// from a peer, since the injective wire codec (spec §1's scope
// boundary) never decodes far enough to learn the transaction's real
// expiration.
const defaultTransactionTTL = time.Hour

// Node is the coordinator that owns every Session on this process: it
// accepts inbound connections, dials declared peers, fans new blocks
// and transactions out to subscribed sessions, and periodically prunes
// the transaction cache. Grounded on plugin.cpp's plugin_impl, the one
// object that owns the connection_manager and the session list.
type Node struct {
	cfg   Configuration
	codec Codec

	shared   *SharedState
	dialer   *Dialer
	listener *Listener
	metrics  *Metrics

	mu              sync.Mutex
	sessions        map[string]*Session
	sessionsByIndex map[uint32]*Session

	group    *errgroup.Group
	groupCtx context.Context
	cancel   context.CancelFunc

	logger *log.Entry
}

// NewNode constructs a Node. chain supplies the local chain facts the
// protocol needs (head/LIB, block-by-height lookups); it is never
// touched for validation or storage, per spec §1.
func NewNode(cfg Configuration, chain ChainView, chainID ChainID, localNodeID NodeID, codec Codec) *Node {
	local := NodeInfo{
		NodeID:         localNodeID,
		PublicEndpoint: cfg.PublicEndpoint,
		AgentName:      cfg.AgentName,
		OS:             runtime.GOOS,
	}
	if local.PublicEndpoint == "" {
		local.PublicEndpoint = cfg.ListenEndpoint
	}

	n := &Node{
		cfg:             cfg,
		codec:           codec,
		shared:          NewSharedState(chain, chainID, local, cfg, codec),
		dialer:          NewDialer(cfg),
		sessions:        make(map[string]*Session),
		sessionsByIndex: make(map[uint32]*Session),
		logger:          nodeLogger,
	}
	if cfg.EnablePrometheus {
		n.metrics = &Metrics{}
		n.metrics.Setup()
	}
	return n
}

// Start begins listening (if configured), dials every seed endpoint,
// and starts the periodic transaction-cache cleanup sweep. Stop waits
// for those goroutines and returns the first error any of them reported.
func (n *Node) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)
	n.groupCtx = groupCtx
	n.cancel = cancel
	n.group = group

	if n.cfg.ListenEndpoint != "" {
		ln, err := NewListener(n.cfg, n.codec)
		if err != nil {
			cancel()
			return err
		}
		n.listener = ln
		ln.OnIncoming(func(c *Connection) { n.adopt(c) })
		group.Go(func() error {
			ln.Start()
			return nil
		})
	}

	for _, endpoint := range n.cfg.SeedEndpoints {
		n.Connect(endpoint)
	}

	group.Go(func() error {
		n.cleanupLoop(groupCtx)
		return nil
	})

	return nil
}

// Stop closes the listener, every session, and waits for the
// background goroutines started by Start to return.
func (n *Node) Stop() error {
	if n.cancel != nil {
		n.cancel()
	}
	if n.listener != nil {
		n.listener.Close()
	}

	n.mu.Lock()
	sessions := make([]*Session, 0, len(n.sessions))
	for _, s := range n.sessions {
		sessions = append(sessions, s)
	}
	n.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}

	if n.group != nil {
		return n.group.Wait()
	}
	return nil
}

func (n *Node) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.ConnectionCleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned := n.shared.TransactionCache.PruneExpired(time.Now())
			if pruned > 0 {
				n.logger.WithField("pruned", pruned).Debug("swept expired transactions")
			}
			if n.metrics != nil {
				n.metrics.PrunedTransactions.Add(float64(pruned))
				n.metrics.TransactionsCached.Set(float64(n.shared.TransactionCache.Len()))
				n.metrics.BlocksCached.Set(float64(n.shared.BlockCache.Len()))
			}
		}
	}
}

// Connect dials endpoint, or returns the existing session for it if one
// is already tracked.
func (n *Node) Connect(endpoint string) *Session {
	n.mu.Lock()
	if s, ok := n.sessions[endpoint]; ok {
		n.mu.Unlock()
		return s
	}
	n.mu.Unlock()

	n.dialer.Record(endpoint)
	if count, last := n.dialer.Attempts(endpoint); count > 1 {
		n.logger.WithField("endpoint", endpoint).WithField("attempts", count).WithField("last", last).Debug("redialing endpoint")
	}
	conn := NewConnection(endpoint, n.cfg, n.codec)
	session := n.newTrackedSession(conn, endpoint)
	session.Start()
	return session
}

// Disconnect sends a Goodbye to the session for endpoint, if any, and
// tears it down.
func (n *Node) Disconnect(endpoint string, reason GoodbyeReason) {
	n.mu.Lock()
	s, ok := n.sessions[endpoint]
	n.mu.Unlock()
	if !ok {
		return
	}
	s.Goodbye(reason)
}

// Sessions returns a snapshot of every session this node currently
// tracks.
func (n *Node) Sessions() []*Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Session, 0, len(n.sessions))
	for _, s := range n.sessions {
		out = append(out, s)
	}
	return out
}

// SessionByIndex looks up a session by the index it was assigned at
// creation, e.g. to interpret a cache entry's ack bitset.
func (n *Node) SessionByIndex(index uint32) (*Session, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.sessionsByIndex[index]
	return s, ok
}

// Metrics returns a point-in-time snapshot of session counts. It is
// cheap enough to call from an HTTP handler.
func (n *Node) Metrics() (sessions, incoming, outgoing int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.sessions {
		sessions++
		if s.conn.Incoming() {
			incoming++
		} else {
			outgoing++
		}
	}
	return
}

func (n *Node) adopt(conn *Connection) {
	if n.cfg.MaxClients > 0 {
		n.mu.Lock()
		full := uint(len(n.sessions)) >= n.cfg.MaxClients
		n.mu.Unlock()
		if full {
			n.logger.WithField("endpoint", conn.Endpoint()).Info("rejecting incoming connection, at capacity")
			conn.Close()
			return
		}
	}
	session := n.newTrackedSession(conn, conn.Endpoint())
	session.Start()
}

func (n *Node) newTrackedSession(conn *Connection, key string) *Session {
	session := NewSession(conn, n.shared, n.cfg)
	session.OnBlockReceived(func(blk *SignedBlock, raw []byte) {
		n.handleReceivedBlock(session, blk, raw)
	})
	session.OnTransactionReceived(func(tx *PackedTransaction, raw []byte) {
		n.handleReceivedTransaction(session, tx, raw)
	})
	session.OnClosed(func() {
		n.forget(key, session)
	})
	session.OnHandshakeComplete(func() {
		n.dialer.Reset(key)
		// desyncedState has no Enter hook of its own (the broadcast
		// sub-machine only exists once the handshake completes), so the
		// catch-up walk is driven from here instead: every transition into
		// desynced, whenever it happens, kicks driveCatchUp rather than
		// relying on a later block arriving to trigger fanOutBlock.
		session.broadcast.OnTransition(func(from, to State) {
			if _, ok := to.(*desyncedState); ok {
				n.driveCatchUp(session)
			}
		})
		n.updateMetrics()
	})
	conn.OnError(func(*ConnectionError) {
		if n.metrics != nil {
			n.metrics.ConnectionErrors.Inc()
		}
	})

	n.mu.Lock()
	n.sessions[key] = session
	n.sessionsByIndex[session.SessionIndex] = session
	n.mu.Unlock()

	n.updateMetrics()
	return session
}

func (n *Node) forget(key string, s *Session) {
	n.mu.Lock()
	if cur, ok := n.sessions[key]; ok && cur == s {
		delete(n.sessions, key)
	}
	delete(n.sessionsByIndex, s.SessionIndex)
	n.mu.Unlock()

	n.updateMetrics()
}

// updateMetrics recomputes the session-count gauges from the current
// session set. Called whenever a session is tracked, forgotten, or
// completes its handshake, so Incoming/Outgoing/Connecting never drift
// from the scalar Sessions count.
func (n *Node) updateMetrics() {
	if n.metrics == nil {
		return
	}
	n.mu.Lock()
	var incoming, outgoing, connecting int
	for _, s := range n.sessions {
		if s.conn.Incoming() {
			incoming++
		} else {
			outgoing++
		}
		if _, ok := s.base.Current().(*connectedState); !ok {
			connecting++
		}
	}
	total := len(n.sessions)
	n.mu.Unlock()

	n.metrics.Sessions.Set(float64(total))
	n.metrics.Incoming.Set(float64(incoming))
	n.metrics.Outgoing.Set(float64(outgoing))
	n.metrics.Connecting.Set(float64(connecting))
}

func (n *Node) handleReceivedBlock(source *Session, blk *SignedBlock, raw []byte) {
	if n.metrics != nil {
		n.metrics.BlocksReceived.Inc()
	}
	entry := n.shared.BlockCache.InsertRaw(blk, raw)
	entry.markAck(source.SessionIndex)
	n.fanOutBlock(source, 0, entry)
}

func (n *Node) handleReceivedTransaction(source *Session, tx *PackedTransaction, raw []byte) {
	if n.metrics != nil {
		n.metrics.TransactionsReceived.Inc()
	}
	entry := n.shared.TransactionCache.InsertRaw(tx, time.Now().Add(defaultTransactionTTL), raw)
	entry.markAck(source.SessionIndex)
	n.fanOutTransaction(source, entry)
}

// OnAcceptedBlockHeader tells the node coordinator that the local chain
// just accepted a new block at the given height, so it can be cached
// and forwarded to subscribed sessions, and used to drive any session
// still catching up. Grounded on plugin_impl::on_accepted_block_header,
// which subscribes to the chain's accepted_block_header channel.
func (n *Node) OnAcceptedBlockHeader(number uint32, blk *SignedBlock) {
	entry := n.shared.BlockCache.Insert(blk)
	n.fanOutBlock(nil, number, entry)
}

// OnAcceptedTransaction is OnAcceptedBlockHeader's analogue for
// transactions accepted into the local chain's pending pool.
func (n *Node) OnAcceptedTransaction(tx *PackedTransaction, expiration time.Time) {
	entry := n.shared.TransactionCache.Insert(tx, expiration)
	n.fanOutTransaction(nil, entry)
}

func (n *Node) fanOutBlock(source *Session, number uint32, entry *BlockCacheEntry) {
	for _, s := range n.otherSessions(source) {
		switch {
		case s.IsSubscribed():
			if err := s.SendBlock(number, entry); err != nil {
				n.logger.WithError(err).Warn("failed to send block")
				continue
			}
			if n.metrics != nil {
				n.metrics.BlocksSent.Inc()
			}
		case s.IsDesynced():
			n.driveCatchUp(s)
		}
	}
}

func (n *Node) fanOutTransaction(source *Session, entry *TransactionCacheEntry) {
	for _, s := range n.otherSessions(source) {
		if !s.IsSubscribed() {
			continue
		}
		if err := s.SendTransaction(entry); err != nil {
			n.logger.WithError(err).Warn("failed to send transaction")
			continue
		}
		if n.metrics != nil {
			n.metrics.TransactionsSent.Inc()
		}
	}
}

func (n *Node) otherSessions(source *Session) []*Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Session, 0, len(n.sessions))
	for _, s := range n.sessions {
		if s != source {
			out = append(out, s)
		}
	}
	return out
}

// driveCatchUp pushes historical blocks to a newly subscribed, desynced
// session until it reaches the local last irreversible block, then lets
// its broadcast sub-machine move to live forwarding. Blocks above the
// local LIB are not sent by this walk. This implements the resolved
// block-selection policy: always send LastSentBlockNumber+1 next,
// fetched from the chain by height.
func (n *Node) driveCatchUp(s *Session) {
	local := n.shared.Chain.LocalChain()
	for s.LastSentBlockNumber < local.LastIrreversibleBlockNumber {
		height := s.LastSentBlockNumber + 1
		blk, ok := n.shared.Chain.BlockAtHeight(height)
		if !ok {
			break
		}
		entry := n.shared.BlockCache.Insert(blk)
		if err := s.SendBlock(height, entry); err != nil {
			n.logger.WithError(err).Warn("failed to send block during catch-up")
			break
		}
		if n.metrics != nil {
			n.metrics.BlocksSent.Inc()
		}
	}
	s.MarkCaughtUp()
}
