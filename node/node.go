// Package node implements the composition loop that owns the Node's
// single-writer discipline: it is the only component that calls
// State DB's ApplyChangeset, Blockchain Store's InsertBlock, or Mempool's
// RemoveMined. Modeled on the mainLoop/newWorkLoop split found in the
// wider corpus's miner/worker.go (e.g. coreth): one goroutine (the Miner)
// decides when to mine, this package's Run loop performs the actual
// write-locked commit.
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/simnode/simnode/chain"
	"github.com/simnode/simnode/core/state"
	"github.com/simnode/simnode/core/vm"
	"github.com/simnode/simnode/errs"
	"github.com/simnode/simnode/executor"
	"github.com/simnode/simnode/fees"
	"github.com/simnode/simnode/fork"
	"github.com/simnode/simnode/miner"
	"github.com/simnode/simnode/txpool"
)

// Config carries the chain-level environment values that live outside
// State DB itself: chain id, per-block gas limit, coinbase, and the
// mining policy the embedded Miner starts with.
type Config struct {
	ChainID        uint64
	GasLimit       uint64
	Coinbase       common.Address
	InitialBaseFee *uint256.Int
	Mining         miner.Config
}

// Node ties State DB, Blockchain Store, Mempool, Miner and Fee Tracker
// together behind a single write discipline (§5): writeMu serializes
// every mutation to the committed state layer, the chain store, the
// pool's removal of mined entries, and the chain env (chainID/gasLimit/
// coinbase/baseFee/timestamp) against both mined blocks and the custom
// test endpoints. Pool admission (SubmitTransaction) relies on the pool's
// own lock and does not take writeMu.
type Node struct {
	writeMu sync.Mutex

	db     *state.DB
	store  *chain.Store
	pool   *txpool.Pool
	mine   *miner.Miner
	feeTr  *fees.Tracker
	fork   *fork.Client
	interp vm.Interpreter

	chainID  *uint256.Int
	gasLimit uint64
	coinbase common.Address

	// runCtx is the parent context Run was started with, kept so
	// SetMiningMode can start a replacement Miner goroutine under it.
	runCtx context.Context
	mineCancel context.CancelFunc

	// timestampOverride, when non-nil, is consumed by the next mined block
	// and then cleared, backing the "set next block timestamp" endpoint.
	timestampOverride *uint64

	// impersonated holds addresses the "impersonate account" endpoint has
	// authorized to submit transactions without signature verification.
	impersonated map[common.Address]bool

	snapshots  []*snapshotEntry
	nextSnapID uint64
}

// New creates a Node wired to the given State DB, Blockchain Store and EVM
// interpreter. forkClient may be nil for an unforked node.
func New(cfg Config, db *state.DB, store *chain.Store, interp vm.Interpreter, forkClient *fork.Client) *Node {
	n := &Node{
		db:           db,
		store:        store,
		fork:         forkClient,
		interp:       interp,
		chainID:      uint256.NewInt(cfg.ChainID),
		gasLimit:     cfg.GasLimit,
		coinbase:     cfg.Coinbase,
		impersonated: make(map[common.Address]bool),
		feeTr:        fees.New(cfg.InitialBaseFee),
	}
	n.pool = txpool.New(chainView{n: n})
	n.mine = miner.New(cfg.Mining, n.pool)
	return n
}

// chainView adapts Node to txpool.ChainView by reading through the
// committed State DB and the live fee tracker.
type chainView struct{ n *Node }

func (c chainView) Nonce(addr common.Address) uint64 {
	acc, err := c.n.db.Basic(context.Background(), addr)
	if err != nil {
		return 0
	}
	return acc.Nonce
}

func (c chainView) Balance(addr common.Address) *uint256.Int {
	acc, err := c.n.db.Basic(context.Background(), addr)
	if err != nil {
		return new(uint256.Int)
	}
	return acc.Balance
}

func (c chainView) ChainID() *uint256.Int { return c.n.chainID }
func (c chainView) BaseFee() *uint256.Int { return c.n.feeTr.CurrentBaseFee() }

// Pool, Miner, Fees, DB, Store and Fork expose the embedded components to
// the RPC surface. Fork is nil for an unforked node and never changes
// after construction, so it needs no lock.
func (n *Node) Pool() *txpool.Pool  { return n.pool }
func (n *Node) Miner() *miner.Miner { return n.mine }
func (n *Node) Fees() *fees.Tracker { return n.feeTr }
func (n *Node) DB() *state.DB       { return n.db }
func (n *Node) Store() *chain.Store { return n.store }
func (n *Node) Fork() *fork.Client  { return n.fork }
func (n *Node) Interpreter() vm.Interpreter { return n.interp }

// ChainID, GasLimit and Coinbase expose the current chain env, read
// under writeMu since SetChainID and RevertToSnapshot can change them.
func (n *Node) ChainID() *uint256.Int {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	return new(uint256.Int).Set(n.chainID)
}

func (n *Node) GasLimit() uint64 {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	return n.gasLimit
}

func (n *Node) Coinbase() common.Address {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	return n.coinbase
}

// SubmitTransaction validates and admits tx into the mempool on behalf of
// sender. The caller (the RPC surface) is responsible for signature
// recovery, or for checking sender against IsImpersonated for unsigned
// eth_sendTransaction calls.
func (n *Node) SubmitTransaction(tx *types.Transaction, sender common.Address) error {
	return n.pool.Add(tx, sender)
}

// Impersonate authorizes addr to submit transactions without a matching
// signature, backing the "impersonate account" custom test endpoint.
func (n *Node) Impersonate(addr common.Address) {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	n.impersonated[addr] = true
}

// IsImpersonated reports whether addr was previously authorized via
// Impersonate.
func (n *Node) IsImpersonated(addr common.Address) bool {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	return n.impersonated[addr]
}

// Run drives the Miner and, on every mine-request it produces, builds and
// commits exactly one block. It blocks until ctx is canceled.
func (n *Node) Run(ctx context.Context) {
	n.writeMu.Lock()
	n.runCtx = ctx
	n.writeMu.Unlock()

	n.startMiner(ctx, n.mine)

	<-ctx.Done()
}

// startMiner starts m.Run under a child of parent, remembering the cancel
// func so a later SetMiningMode can stop it before swapping in a
// replacement Miner.
func (n *Node) startMiner(parent context.Context, m *miner.Miner) {
	mineCtx, cancel := context.WithCancel(parent)
	n.writeMu.Lock()
	n.mineCancel = cancel
	n.writeMu.Unlock()
	go m.Run(mineCtx)
	go n.consume(mineCtx, m)
}

func (n *Node) consume(ctx context.Context, m *miner.Miner) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-m.Requests():
			n.mineOne(ctx, req)
		}
	}
}

// mineOne performs the full write-locked sequence of §4.G: invoke the
// Executor, apply its changeset, insert the block, and remove mined
// entries from the pool. Any failure is logged and the block is dropped —
// the pool keeps every entry, so nothing is lost, only delayed to a later
// attempt.
func (n *Node) mineOne(ctx context.Context, req miner.Request) {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()

	number := n.store.BestNumber() + 1
	timestamp := n.nextTimestampLocked()
	in := executor.Input{
		ParentHash: n.store.BestHash(),
		Block: vm.BlockEnv{
			Number:    number,
			Timestamp: timestamp,
			Coinbase:  n.coinbase,
			GasLimit:  n.gasLimit,
			BaseFee:   n.feeTr.CurrentBaseFee(),
		},
		Cfg:       vm.CfgEnv{ChainID: n.chainID},
		Pending:   pendingTxsFrom(req.Ready),
		Timestamp: timestamp,
	}

	out, pending, err := executor.Execute(ctx, n.db, n.interp, in)
	if err != nil {
		log.Error("executor invocation failed, dropping block", "number", number, "err", err)
		return
	}

	n.db.ApplyChangeset(pending)

	if err := n.store.InsertBlock(out.Block, out.Receipts); err != nil {
		log.Error("block insertion failed after changeset applied (invariant violation)", "number", number, "err", err)
		return
	}

	n.feeTr.Observe(number, out.Block.GasUsed(), n.gasLimit, effectiveTipsByHash(req.Ready, out.Included))
	if len(out.Transactions) > 0 {
		// Union every included tx's (sender, nonce) key via txpool.Provides.
		// provides's type is inferred here and never spelled out, since the
		// pool's key type backing mapset.Set[key] is unexported.
		provides := txpool.Provides(out.Transactions[0].Sender, out.Transactions[0].Tx.Nonce())
		for _, info := range out.Transactions[1:] {
			provides = provides.Union(txpool.Provides(info.Sender, info.Tx.Nonce()))
		}
		n.pool.RemoveMined(provides)
	}

	log.Debug("mined block", "number", number, "txs", len(out.Transactions))
}

func pendingTxsFrom(ready []*txpool.Entry) []executor.PendingTx {
	out := make([]executor.PendingTx, len(ready))
	for i, e := range ready {
		out[i] = executor.PendingTx{Tx: e.Tx, Sender: e.Sender}
	}
	return out
}

func effectiveTipsByHash(ready []*txpool.Entry, included []common.Hash) []*uint256.Int {
	byHash := make(map[common.Hash]*uint256.Int, len(ready))
	for _, e := range ready {
		byHash[e.Tx.Hash()] = e.EffectiveTip
	}
	tips := make([]*uint256.Int, 0, len(included))
	for _, h := range included {
		if t, ok := byHash[h]; ok {
			tips = append(tips, t)
		}
	}
	return tips
}

// nextTimestampLocked resolves the timestamp the next block should carry:
// a previously set override (consumed here), or wall-clock time. Must be
// called with writeMu held.
func (n *Node) nextTimestampLocked() uint64 {
	if n.timestampOverride != nil {
		ts := *n.timestampOverride
		n.timestampOverride = nil
		return ts
	}
	return uint64(time.Now().Unix())
}

// SetNextBlockTimestamp backs the custom test endpoint of the same name:
// the next mined block uses ts instead of wall-clock time.
func (n *Node) SetNextBlockTimestamp(ts uint64) {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	n.timestampOverride = &ts
}

// SetMiningMode replaces the running Miner with a freshly configured one,
// stopping the old Miner's goroutines first. The pool is untouched —
// only the policy deciding when to emit a mine-request changes.
func (n *Node) SetMiningMode(cfg miner.Config) {
	n.writeMu.Lock()
	parent := n.runCtx
	oldCancel := n.mineCancel
	n.mine = miner.New(cfg, n.pool)
	newMiner := n.mine
	n.writeMu.Unlock()

	if oldCancel != nil {
		oldCancel()
	}
	if parent != nil {
		n.startMiner(parent, newMiner)
	}
}

// SetChainID overwrites the chain id new transactions and the Executor's
// CfgEnv observe.
func (n *Node) SetChainID(id uint64) {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	n.chainID = uint256.NewInt(id)
}

// SetBaseFee forcibly overwrites the fee tracker's current base fee,
// bypassing the EIP-1559 update rule for the next block only.
func (n *Node) SetBaseFee(fee *uint256.Int) {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	n.feeTr.SetCurrentBaseFee(fee)
}

// SetBalance, SetNonce, SetCode and SetStorageAt forward directly to the
// committed State DB under the same write discipline as a mined block, so
// they can never race with an in-flight Executor invocation.
func (n *Node) SetBalance(ctx context.Context, addr common.Address, balance *uint256.Int) error {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	return n.db.SetBalance(ctx, addr, balance)
}

func (n *Node) SetNonce(ctx context.Context, addr common.Address, nonce uint64) error {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	return n.db.SetNonce(ctx, addr, nonce)
}

func (n *Node) SetCode(ctx context.Context, addr common.Address, code []byte) error {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	return n.db.SetCode(ctx, addr, code)
}

func (n *Node) SetStorageAt(ctx context.Context, addr common.Address, slot, value common.Hash) error {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	return n.db.SetStorageAt(ctx, addr, slot, value)
}

// MineOne triggers an immediate block regardless of the current mining
// mode, backing the "mine one" custom test endpoint.
func (n *Node) MineOne() {
	n.writeMu.Lock()
	m := n.mine
	n.writeMu.Unlock()
	m.MineOne()
}

// snapshotEntry is the composite value §9's design note describes:
// state, chain store and chain env captured atomically under writeMu.
type snapshotEntry struct {
	id       uint64
	state    *state.Layer
	chain    *chain.Snapshot
	chainID  *uint256.Int
	gasLimit uint64
	coinbase common.Address
	baseFee  *uint256.Int
}

// TakeSnapshot captures the current state/chain/env triple and returns an
// opaque id later passed to RevertToSnapshot.
func (n *Node) TakeSnapshot() uint64 {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()

	n.nextSnapID++
	id := n.nextSnapID
	entry := &snapshotEntry{
		id:       id,
		state:    n.db.Clone(),
		chain:    n.store.Snapshot(),
		chainID:  new(uint256.Int).Set(n.chainID),
		gasLimit: n.gasLimit,
		coinbase: n.coinbase,
		baseFee:  n.feeTr.CurrentBaseFee(),
	}
	n.snapshots = append(n.snapshots, entry)
	return id
}

// RevertToSnapshot restores the state/chain/env triple captured by id and
// discards every snapshot taken after it, per §8 property 5. A second
// revert to the same id fails with a SnapshotNotFound error.
func (n *Node) RevertToSnapshot(id uint64) error {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()

	idx := -1
	for i, e := range n.snapshots {
		if e.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errs.WithSub(errs.KindInternal, "SnapshotNotFound", fmt.Sprintf("no snapshot with id %d", id))
	}
	entry := n.snapshots[idx]

	n.db.Restore(entry.state)
	n.store.Restore(entry.chain)
	n.chainID = entry.chainID
	n.gasLimit = entry.gasLimit
	n.coinbase = entry.coinbase
	n.feeTr.SetCurrentBaseFee(entry.baseFee)

	n.snapshots = n.snapshots[:idx]
	return nil
}
