package p2p

import "time"

// The receiver sub-machine tracks this node's own subscription to the
// peer's feed. Grounded on session.hpp's receiver namespace (idle_state
// / subscribed_state / delay_state, the last from the later draft): when
// the peer answers with SubscriptionRefused, the machine waits in the
// delay state before returning to idle.

type idleReceiverState struct {
	session *Session
}

// On subscribes to the peer's feed only if we are behind or level with
// it. A node that is ahead of its peer has nothing to gain from that
// peer's feed and stays idle until a later Status says otherwise.
func (i *idleReceiverState) On(event Event) State {
	switch event.(type) {
	case *Status:
		localLIB := i.session.shared.Chain.LocalChain().LastIrreversibleBlockNumber
		peerLIB := i.session.Chain.LastIrreversibleBlockNumber
		if localLIB > peerLIB {
			return nil
		}
		return &subscribedReceiverState{session: i.session}
	default:
		return nil
	}
}

// subscribedReceiverState has asked the peer for its broadcast feed and
// is waiting to find out whether it was granted.
type subscribedReceiverState struct {
	session *Session
}

func (s *subscribedReceiverState) Enter() {
	s.session.conn.Enqueue(&Subscribe{}, nil)
}

func (s *subscribedReceiverState) On(event Event) State {
	switch event.(type) {
	case *SubscriptionRefused:
		return &delayReceiverState{session: s.session}
	default:
		return nil
	}
}

// delayReceiverState waits DelayInterval before returning to idle to
// retry the subscription on the next Status.
type delayReceiverState struct {
	session *Session
	timer   *time.Timer
}

func (d *delayReceiverState) Enter() {
	d.timer = time.AfterFunc(d.session.cfg.DelayInterval, func() {
		d.session.post(delayElapsedEvent{}, nil)
	})
}

func (d *delayReceiverState) Exit() {
	d.timer.Stop()
}

func (d *delayReceiverState) On(event Event) State {
	switch event.(type) {
	case delayElapsedEvent:
		return &idleReceiverState{session: d.session}
	default:
		return nil
	}
}
