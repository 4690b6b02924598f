package p2p

import (
	"sort"
	"sync"
	"time"
)

// BlockCacheEntry is one cached block, keyed by id and recording its
// Previous id (spec §3's BlockCacheEntry). The node coordinator does not
// read Previous; no fork detection is done from it.
type BlockCacheEntry struct {
	ID       BlockID
	Previous BlockID
	Block    *SignedBlock

	mu          sync.Mutex
	raw         []byte
	sessionAcks *bitset
}

// getRaw returns the encoded block, memoizing the encode on first call.
// Grounded on block_cache_object::get_raw() in the original plugin,
// which lazily packs the block the first time it's needed and caches
// the buffer on the entry from then on.
func (e *BlockCacheEntry) getRaw(codec Codec) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.raw == nil {
		raw, err := codec.Encode(e.Block)
		if err != nil {
			return nil, err
		}
		e.raw = raw
	}
	return e.raw, nil
}

func (e *BlockCacheEntry) markAck(sessionIndex uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessionAcks == nil {
		e.sessionAcks = newBitset()
	}
	e.sessionAcks.Set(sessionIndex)
}

func (e *BlockCacheEntry) hasAck(sessionIndex uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessionAcks == nil {
		return false
	}
	return e.sessionAcks.Get(sessionIndex)
}

// BlockCache holds recently seen blocks, hashed-unique by id, matching
// the original's block_cache multi_index_container (a single
// hashed_unique<by_id> index; Go's map is its direct analogue).
type BlockCache struct {
	mu      sync.RWMutex
	byID    map[BlockID]*BlockCacheEntry
	maxSize int
	order   []BlockID // insertion order, for eviction once maxSize is exceeded
}

// NewBlockCache creates a cache that evicts its oldest entry once more
// than maxSize entries are held. maxSize <= 0 means unbounded.
func NewBlockCache(maxSize int) *BlockCache {
	return &BlockCache{byID: make(map[BlockID]*BlockCacheEntry), maxSize: maxSize}
}

// Insert adds blk to the cache if its id isn't already present. It
// returns the entry either way, so callers can mark acks regardless of
// whether this call inserted it.
func (c *BlockCache) Insert(blk *SignedBlock) *BlockCacheEntry {
	return c.insert(blk, nil)
}

// InsertRaw is Insert, but for a block that arrived already encoded
// (e.g. off the wire via a session's LazyRaw): it seeds the entry's raw
// form directly so getRaw never has to re-run the codec.
func (c *BlockCache) InsertRaw(blk *SignedBlock, raw []byte) *BlockCacheEntry {
	return c.insert(blk, raw)
}

func (c *BlockCache) insert(blk *SignedBlock, raw []byte) *BlockCacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.byID[blk.BlockID]; ok {
		return e
	}
	e := &BlockCacheEntry{ID: blk.BlockID, Previous: blk.Previous, Block: blk, raw: raw}
	c.byID[blk.BlockID] = e
	c.order = append(c.order, blk.BlockID)
	c.evictIfNeeded()
	return e
}

func (c *BlockCache) evictIfNeeded() {
	if c.maxSize <= 0 {
		return
	}
	for len(c.order) > c.maxSize {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.byID, oldest)
	}
}

// Get returns the entry for id, if cached.
func (c *BlockCache) Get(id BlockID) (*BlockCacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byID[id]
	return e, ok
}

// Len reports how many blocks are cached.
func (c *BlockCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

// TransactionCacheEntry is one cached transaction, with its expiration
// surfaced so TransactionCache can sweep it out once stale.
type TransactionCacheEntry struct {
	ID         TransactionID
	Expiration time.Time
	Tx         *PackedTransaction

	mu          sync.Mutex
	raw         []byte
	sessionAcks *bitset
}

func (e *TransactionCacheEntry) getRaw(codec Codec) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.raw == nil {
		raw, err := codec.Encode(e.Tx)
		if err != nil {
			return nil, err
		}
		e.raw = raw
	}
	return e.raw, nil
}

func (e *TransactionCacheEntry) markAck(sessionIndex uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessionAcks == nil {
		e.sessionAcks = newBitset()
	}
	e.sessionAcks.Set(sessionIndex)
}

func (e *TransactionCacheEntry) hasAck(sessionIndex uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessionAcks == nil {
		return false
	}
	return e.sessionAcks.Get(sessionIndex)
}

// TransactionCache holds recently seen transactions, hashed-unique by
// id and additionally indexed by expiration so PruneExpired can walk
// only the stale prefix instead of the whole cache — the Go analogue of
// the original's second ordered_non_unique<by_expiration> index.
type TransactionCache struct {
	mu       sync.RWMutex
	byID     map[TransactionID]*TransactionCacheEntry
	byExpiry []*TransactionCacheEntry // kept sorted by Expiration ascending
}

// NewTransactionCache creates an empty TransactionCache.
func NewTransactionCache() *TransactionCache {
	return &TransactionCache{byID: make(map[TransactionID]*TransactionCacheEntry)}
}

// Insert adds tx to the cache if its id isn't already present.
func (c *TransactionCache) Insert(tx *PackedTransaction, expiration time.Time) *TransactionCacheEntry {
	return c.insert(tx, expiration, nil)
}

// InsertRaw is Insert, but for a transaction that arrived already
// encoded, seeding the entry's raw form directly.
func (c *TransactionCache) InsertRaw(tx *PackedTransaction, expiration time.Time, raw []byte) *TransactionCacheEntry {
	return c.insert(tx, expiration, raw)
}

func (c *TransactionCache) insert(tx *PackedTransaction, expiration time.Time, raw []byte) *TransactionCacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.byID[tx.TransactionID]; ok {
		return e
	}
	e := &TransactionCacheEntry{ID: tx.TransactionID, Expiration: expiration, Tx: tx, raw: raw}
	c.byID[tx.TransactionID] = e

	i := sort.Search(len(c.byExpiry), func(i int) bool {
		return c.byExpiry[i].Expiration.After(expiration)
	})
	c.byExpiry = append(c.byExpiry, nil)
	copy(c.byExpiry[i+1:], c.byExpiry[i:])
	c.byExpiry[i] = e
	return e
}

// Get returns the entry for id, if cached.
func (c *TransactionCache) Get(id TransactionID) (*TransactionCacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byID[id]
	return e, ok
}

// Len reports how many transactions are cached.
func (c *TransactionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

// PruneExpired removes every entry whose expiration is at or before
// now, returning how many were removed. Grounded on the original's
// by_expiration index, which exists specifically so an eviction sweep
// doesn't have to scan the full hashed index.
func (c *TransactionCache) PruneExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := 0
	for i < len(c.byExpiry) && !c.byExpiry[i].Expiration.After(now) {
		delete(c.byID, c.byExpiry[i].ID)
		i++
	}
	c.byExpiry = c.byExpiry[i:]
	return i
}
