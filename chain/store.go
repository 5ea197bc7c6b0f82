// Package chain guards the blockchain store: the append-only sequence of
// locally mined blocks, their transactions and receipts, plus a
// new-block notification feed. Heights at or before the fork point are
// never stored here — callers fall through to the fork client.
package chain

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"

	"github.com/simnode/simnode/errs"
)

// NewHeadEvent is published on every successful InsertBlock.
type NewHeadEvent struct {
	Hash   common.Hash
	Number uint64
}

// MinedTx pairs a transaction with the hash of the block that included it,
// so a lookup by hash doesn't need to walk every stored block.
type MinedTx struct {
	Tx        *types.Transaction
	BlockHash common.Hash
	Receipt   *types.Receipt
}

// Store is the node's local view of mined blocks. All exported methods
// are safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	blocks  map[common.Hash]*types.Block
	hashes  map[uint64]common.Hash
	txs     map[common.Hash]MinedTx
	bestNum uint64
	bestHsh common.Hash

	feed event.Feed
}

// New creates an empty store with no fork seed. Its first inserted block
// (genesis, or block 1 when no genesis is inserted) is accepted at its own
// number; see InsertBlock.
func New() *Store {
	return &Store{
		blocks: make(map[common.Hash]*types.Block),
		hashes: make(map[uint64]common.Hash),
		txs:    make(map[common.Hash]MinedTx),
	}
}

// NewForked creates a store seeded at the fork height: best_number and
// best_hash are set but no local blocks exist yet, matching §4.C — queries
// at or before forkNumber are the caller's responsibility to redirect to
// the fork client.
func NewForked(forkNumber uint64, forkHash common.Hash) *Store {
	s := New()
	s.bestNum = forkNumber
	s.bestHsh = forkHash
	return s
}

// BestNumber returns the height of the most recently inserted block (or
// the fork height, if nothing has been mined locally yet).
func (s *Store) BestNumber() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bestNum
}

// BestHash returns the hash of the block at BestNumber.
func (s *Store) BestHash() common.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bestHsh
}

// InsertBlock appends a locally mined block and its receipts. number must
// be exactly one greater than the store's current best number (the store
// does not reorg), except for the first block inserted into a store that
// holds no local blocks yet, which is accepted at any number. Every
// successful insert publishes a NewHeadEvent to
// every subscriber, in insertion order.
func (s *Store) InsertBlock(block *types.Block, receipts []*types.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	number := block.NumberU64()
	if number != s.bestNum+1 && len(s.blocks) > 0 {
		return errs.Newf(errs.KindInternal, "non-contiguous insert: have best=%d, got %d", s.bestNum, number)
	}
	hash := block.Hash()

	s.blocks[hash] = block
	s.hashes[number] = hash
	s.bestNum = number
	s.bestHsh = hash

	for i, tx := range block.Transactions() {
		var receipt *types.Receipt
		if i < len(receipts) {
			receipt = receipts[i]
		}
		s.txs[tx.Hash()] = MinedTx{Tx: tx, BlockHash: hash, Receipt: receipt}
	}

	log.Debug("inserted block", "number", number, "hash", hash, "txs", len(block.Transactions()))
	s.feed.Send(NewHeadEvent{Hash: hash, Number: number})
	return nil
}

// BlockByHash returns a locally stored block, or nil if unknown locally.
func (s *Store) BlockByHash(hash common.Hash) *types.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blocks[hash]
}

// BlockByNumber returns a locally stored block, or nil if the height was
// never mined locally (either because it predates the fork or hasn't
// happened yet).
func (s *Store) BlockByNumber(number uint64) *types.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hash, ok := s.hashes[number]
	if !ok {
		return nil
	}
	return s.blocks[hash]
}

// TxByHash returns a locally mined transaction, with the hash of the block
// that included it and its receipt.
func (s *Store) TxByHash(hash common.Hash) (MinedTx, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mt, ok := s.txs[hash]
	return mt, ok
}

// ReceiptByHash returns the receipt for a locally mined transaction.
func (s *Store) ReceiptByHash(hash common.Hash) (*types.Receipt, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mt, ok := s.txs[hash]
	if !ok {
		return nil, false
	}
	return mt.Receipt, true
}

// SubscribeNewHead registers ch to receive every future NewHeadEvent.
func (s *Store) SubscribeNewHead(ch chan<- NewHeadEvent) event.Subscription {
	return s.feed.Subscribe(ch)
}

// Snapshot is the internal representation a revert restores, captured
// atomically under the same write lock InsertBlock uses.
type Snapshot struct {
	blocks  map[common.Hash]*types.Block
	hashes  map[uint64]common.Hash
	txs     map[common.Hash]MinedTx
	bestNum uint64
	bestHsh common.Hash
}

// Snapshot captures the store's full state for later restoration by a
// node-level revert.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := &Snapshot{
		blocks:  make(map[common.Hash]*types.Block, len(s.blocks)),
		hashes:  make(map[uint64]common.Hash, len(s.hashes)),
		txs:     make(map[common.Hash]MinedTx, len(s.txs)),
		bestNum: s.bestNum,
		bestHsh: s.bestHsh,
	}
	for k, v := range s.blocks {
		cp.blocks[k] = v
	}
	for k, v := range s.hashes {
		cp.hashes[k] = v
	}
	for k, v := range s.txs {
		cp.txs[k] = v
	}
	return cp
}

// Restore replaces the store's contents wholesale with a previously
// captured Snapshot, truncating every block mined after it.
func (s *Store) Restore(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = snap.blocks
	s.hashes = snap.hashes
	s.txs = snap.txs
	s.bestNum = snap.bestNum
	s.bestHsh = snap.bestHsh
}
