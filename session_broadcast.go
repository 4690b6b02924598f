package p2p

// The broadcast sub-machine tracks whether the peer has subscribed to
// this node's feed, and if so, whether it still needs to be caught up
// on historical blocks before it can receive real-time ones. Grounded
// on session.hpp's broadcast namespace (idle_state / desynced_state /
// subscribed_state).
//
// The original's desynced_state nests a further sub-machine
// (peer_behind_state / local_behind_state) reconciled by the generic
// container/post machinery. This runtime flattens that nesting: the
// catch-up walk is driven by the node coordinator (which is the one
// that actually knows chain heights), and desyncedState here just holds
// the single bit that matters to this session — "still catching up,
// or not" — until the coordinator calls Session.MarkCaughtUp.

type idleBroadcastState struct {
	session *Session
}

func (i *idleBroadcastState) On(event Event) State {
	switch event.(type) {
	case *Subscribe:
		return &desyncedState{session: i.session}
	default:
		return nil
	}
}

// desyncedState means the peer asked to subscribe but has not yet been
// sent everything between its last sent block and our last irreversible
// block. The node
// coordinator is expected to notice IsDesynced() and drive
// Session.SendBlock calls until it calls MarkCaughtUp.
type desyncedState struct {
	session *Session
}

func (d *desyncedState) On(event Event) State {
	switch event.(type) {
	case *Unsubscribe:
		return &idleBroadcastState{session: d.session}
	case catchUpCompleteEvent:
		return &subscribedBroadcastState{session: d.session}
	default:
		return nil
	}
}

// subscribedBroadcastState means the peer is caught up: new blocks and
// transactions accepted locally are forwarded to it as they arrive.
type subscribedBroadcastState struct {
	session *Session
}

func (s *subscribedBroadcastState) On(event Event) State {
	switch event.(type) {
	case *Unsubscribe:
		return &idleBroadcastState{session: s.session}
	default:
		return nil
	}
}
