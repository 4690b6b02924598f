package p2p

import (
	"testing"
	"time"
)

func nodeTestConfiguration() Configuration {
	cfg := DefaultConfiguration()
	cfg.EnablePrometheus = false
	cfg.ListenEndpoint = "127.0.0.1:0"
	cfg.ConnectionCleanupPeriod = time.Hour
	cfg.StatusInterval = time.Hour
	return cfg
}

func TestNodeConnectHandshakesAndTracksSession(t *testing.T) {
	chainID := ChainID{1}
	chainA := &fakeChainView{blocks: map[uint32]*SignedBlock{}}
	chainB := &fakeChainView{blocks: map[uint32]*SignedBlock{}}

	cfgA := nodeTestConfiguration()
	nodeA := NewNode(cfgA, chainA, chainID, NodeID{1}, BinaryCodec{})
	if err := nodeA.Start(); err != nil {
		t.Fatalf("nodeA.Start: %v", err)
	}
	defer nodeA.Stop()

	addr := nodeA.listener.Addr().String()

	cfgB := nodeTestConfiguration()
	cfgB.ListenEndpoint = ""
	nodeB := NewNode(cfgB, chainB, chainID, NodeID{2}, BinaryCodec{})
	if err := nodeB.Start(); err != nil {
		t.Fatalf("nodeB.Start: %v", err)
	}
	defer nodeB.Stop()

	nodeB.Connect(addr)

	waitFor(t, 2*time.Second, func() bool {
		return len(nodeA.Sessions()) == 1 && len(nodeB.Sessions()) == 1
	})

	var sessionA, sessionB *Session
	waitFor(t, 2*time.Second, func() bool {
		sessions := nodeA.Sessions()
		if len(sessions) != 1 {
			return false
		}
		sessionA = sessions[0]
		_, ok := sessionA.base.Current().(*connectedState)
		return ok
	})
	waitFor(t, 2*time.Second, func() bool {
		sessions := nodeB.Sessions()
		if len(sessions) != 1 {
			return false
		}
		sessionB = sessions[0]
		_, ok := sessionB.base.Current().(*connectedState)
		return ok
	})

	if got, ok := nodeA.SessionByIndex(sessionA.SessionIndex); !ok || got != sessionA {
		t.Error("SessionByIndex did not return the tracked session for its own index")
	}
}

func TestNodeDesyncedSessionCatchesUpWithoutNewBlock(t *testing.T) {
	chainID := ChainID{1}
	chainA := &fakeChainView{blocks: map[uint32]*SignedBlock{}}
	chainB := &fakeChainView{blocks: map[uint32]*SignedBlock{}}

	cfgA := nodeTestConfiguration()
	nodeA := NewNode(cfgA, chainA, chainID, NodeID{1}, BinaryCodec{})
	if err := nodeA.Start(); err != nil {
		t.Fatalf("nodeA.Start: %v", err)
	}
	defer nodeA.Stop()

	addr := nodeA.listener.Addr().String()

	cfgB := nodeTestConfiguration()
	cfgB.ListenEndpoint = ""
	nodeB := NewNode(cfgB, chainB, chainID, NodeID{2}, BinaryCodec{})
	if err := nodeB.Start(); err != nil {
		t.Fatalf("nodeB.Start: %v", err)
	}
	defer nodeB.Stop()

	nodeB.Connect(addr)

	// Both chains start and stay at LIB 0: nodeB's subscription to nodeA
	// has nothing to catch up on. Without anyone ever calling
	// OnAcceptedBlockHeader, the session should still move straight from
	// desynced to subscribed on its own.
	var sessionA *Session
	waitFor(t, 2*time.Second, func() bool {
		sessions := nodeA.Sessions()
		if len(sessions) != 1 {
			return false
		}
		sessionA = sessions[0]
		return sessionA.IsSubscribed()
	})
}

func TestNodeGossipRelayAndCatchUp(t *testing.T) {
	chainID := ChainID{1}
	chainA := &fakeChainView{blocks: map[uint32]*SignedBlock{}}
	chainB := &fakeChainView{blocks: map[uint32]*SignedBlock{}}

	cfgA := nodeTestConfiguration()
	nodeA := NewNode(cfgA, chainA, chainID, NodeID{1}, BinaryCodec{})
	if err := nodeA.Start(); err != nil {
		t.Fatalf("nodeA.Start: %v", err)
	}
	defer nodeA.Stop()

	addr := nodeA.listener.Addr().String()

	cfgB := nodeTestConfiguration()
	cfgB.ListenEndpoint = ""
	nodeB := NewNode(cfgB, chainB, chainID, NodeID{2}, BinaryCodec{})
	if err := nodeB.Start(); err != nil {
		t.Fatalf("nodeB.Start: %v", err)
	}
	defer nodeB.Stop()

	nodeB.Connect(addr)

	// Both chains are level at LIB 0, so nodeA's broadcast sub-machine may
	// already have passed through desynced to subscribed by the time it is
	// polled; either state means nodeB has subscribed.
	var sessionA *Session
	waitFor(t, 2*time.Second, func() bool {
		sessions := nodeA.Sessions()
		if len(sessions) != 1 {
			return false
		}
		sessionA = sessions[0]
		return sessionA.IsDesynced() || sessionA.IsSubscribed()
	})

	blk := &SignedBlock{BlockID: BlockID{9}, Raw: []byte("block-1")}
	chainA.blocks[1] = blk
	chainA.info.LastIrreversibleBlockNumber = 1

	nodeA.OnAcceptedBlockHeader(1, blk)

	waitFor(t, 2*time.Second, func() bool {
		_, ok := nodeB.shared.BlockCache.Get(blk.BlockID)
		return ok
	})

	waitFor(t, 2*time.Second, func() bool { return sessionA.IsSubscribed() })
}
