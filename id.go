package p2p

import (
	"bytes"
	"encoding/hex"
)

// BlockID is the content hash identifying a block. It is comparable and
// usable as a map key.
type BlockID [32]byte

// TransactionID is the content hash identifying a transaction.
type TransactionID [32]byte

// ChainID identifies the chain a node participates on.
type ChainID [32]byte

// NodeID identifies a peer, distinct from its network address.
type NodeID [32]byte

func (id BlockID) String() string       { return hex.EncodeToString(id[:]) }
func (id TransactionID) String() string { return hex.EncodeToString(id[:]) }
func (id ChainID) String() string       { return hex.EncodeToString(id[:]) }
func (id NodeID) String() string        { return hex.EncodeToString(id[:]) }

// IsZero reports whether id is the zero block id, used to represent "no
// block" (e.g. a freshly started node with no head).
func (id BlockID) IsZero() bool { return id == BlockID{} }

// Less gives BlockID a canonical total order, used only for deterministic
// logging/iteration, never for chain semantics.
func (id BlockID) Less(other BlockID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// Less gives TransactionID a canonical total order.
func (id TransactionID) Less(other TransactionID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}
