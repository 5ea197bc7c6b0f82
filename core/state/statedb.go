// Package state implements the Node's account-and-storage key-value
// store: a committed layer (canonical state) optionally backed by a
// read-through ForkSource, and a pending layer used while a block is
// under construction.
package state

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"
)

// ForkSource is the read side of a remote archive node. It is satisfied
// by *fork.Client; declaring it here (rather than importing package fork)
// keeps state free of any dependency on the fork transport. height pins
// each read to a specific historical block number, mirroring the
// upstream eth_get*-at-a-block-tag RPC shape.
type ForkSource interface {
	Basic(ctx context.Context, addr common.Address, height uint64) (Account, bool, error)
	Code(ctx context.Context, addr common.Address, height uint64) ([]byte, error)
	Storage(ctx context.Context, addr common.Address, slot common.Hash, height uint64) (common.Hash, error)
	ForkBlockNumber() uint64
}

// DB is the committed state store. All of its exported methods are safe
// for concurrent use. Writes take the write lock, and so do Basic, Code
// and StorageAt, since a local miss there caches what the fork source
// returns; the remaining reads share the read lock.
type DB struct {
	mu        sync.RWMutex
	committed *Layer
	fork      ForkSource
	absent    *lru.Cache[common.Address, struct{}]
}

const absentCacheSize = 16384

// New creates a State DB with no fork source.
func New() *DB {
	return NewForked(nil)
}

// NewForked creates a State DB whose local-miss reads delegate to fork.
// fork may be nil, in which case this behaves exactly like New().
func NewForked(fork ForkSource) *DB {
	cache, _ := lru.New[common.Address, struct{}](absentCacheSize)
	return &DB{
		committed: newLayer(),
		fork:      fork,
		absent:    cache,
	}
}

// Basic returns the account metadata (nonce, balance, code-hash) for addr.
// A never-written, never-fetched address reads back as an empty account
// rather than an error.
func (db *DB) Basic(ctx context.Context, addr common.Address) (Account, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	acc, err := db.basicLocked(ctx, addr)
	if err != nil {
		return Account{}, err
	}
	return *acc, nil
}

func (db *DB) basicLocked(ctx context.Context, addr common.Address) (*Account, error) {
	if acc := db.committed.account(addr); acc != nil {
		return acc, nil
	}
	if _, known := db.absent.Get(addr); known {
		return newAccount(), nil
	}
	if db.fork == nil {
		return newAccount(), nil
	}
	remote, exists, err := db.fork.Basic(ctx, addr, db.fork.ForkBlockNumber())
	if err != nil {
		return nil, err
	}
	if !exists {
		db.absent.Add(addr, struct{}{})
		return newAccount(), nil
	}
	if remote.Balance == nil {
		remote.Balance = new(uint256.Int)
	}
	db.committed.accounts[addr] = &remote
	return &remote, nil
}

// Code returns the contract code stored at addr, delegating to the fork
// source on a local miss and caching the result either way.
func (db *DB) Code(ctx context.Context, addr common.Address) ([]byte, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.codeLocked(ctx, addr)
}

func (db *DB) codeLocked(ctx context.Context, addr common.Address) ([]byte, error) {
	if code, ok := db.committed.code[addr]; ok {
		return code, nil
	}
	acc, err := db.basicLocked(ctx, addr)
	if err != nil {
		return nil, err
	}
	if acc.CodeHash == EmptyCodeHash {
		db.committed.code[addr] = nil
		return nil, nil
	}
	if db.fork == nil {
		return nil, nil
	}
	code, err := db.fork.Code(ctx, addr, db.fork.ForkBlockNumber())
	if err != nil {
		return nil, err
	}
	db.committed.code[addr] = code
	return code, nil
}

// StorageAt returns the value of slot in addr's storage.
func (db *DB) StorageAt(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.storageLocked(ctx, addr, slot)
}

func (db *DB) storageLocked(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	if v, ok := db.committed.storageAt(addr, slot); ok {
		return v, nil
	}
	if db.fork == nil {
		return common.Hash{}, nil
	}
	v, err := db.fork.Storage(ctx, addr, slot, db.fork.ForkBlockNumber())
	if err != nil {
		return common.Hash{}, err
	}
	db.committed.setStorageAt(addr, slot, v)
	return v, nil
}

// BasicAt, CodeAt and StorageAtHeight serve a historical read directly
// from the fork source at an explicit height, bypassing the committed
// layer entirely: the committed layer is always the *current* state, so
// it must never answer a query for a height at or before the fork
// boundary (spec: "any height <= fork_block_number is resolved via the
// Fork Client", even after a local write has since mutated the account).
// Callers are expected to check fork.Client.PredatesFork(height) first;
// these methods panic-free no-op to an empty read if fork is nil since
// that indicates caller misuse rather than a normal miss.
func (db *DB) BasicAt(ctx context.Context, addr common.Address, height uint64) (Account, error) {
	if db.fork == nil {
		return *newAccount(), nil
	}
	remote, exists, err := db.fork.Basic(ctx, addr, height)
	if err != nil {
		return Account{}, err
	}
	if !exists {
		return *newAccount(), nil
	}
	if remote.Balance == nil {
		remote.Balance = new(uint256.Int)
	}
	return remote, nil
}

func (db *DB) CodeAt(ctx context.Context, addr common.Address, height uint64) ([]byte, error) {
	if db.fork == nil {
		return nil, nil
	}
	return db.fork.Code(ctx, addr, height)
}

func (db *DB) StorageAtHeight(ctx context.Context, addr common.Address, slot common.Hash, height uint64) (common.Hash, error) {
	if db.fork == nil {
		return common.Hash{}, nil
	}
	return db.fork.Storage(ctx, addr, slot, height)
}

// InsertAccount overwrites addr's metadata wholesale. Code, if any, must
// be installed separately via SetCode.
func (db *DB) InsertAccount(addr common.Address, acc Account) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.committed.accounts[addr] = acc.copy()
}

// hydrateLocked ensures addr has a committed-layer entry, pulling it
// through the fork source first if necessary, so that a blind write never
// clobbers fields it didn't intend to touch.
func (db *DB) hydrateLocked(ctx context.Context, addr common.Address) error {
	_, err := db.basicLocked(ctx, addr)
	return err
}

// SetNonce overwrites addr's nonce directly in the committed layer. Used
// by the custom test endpoint of the same name; never called while an
// Executor invocation is in flight.
func (db *DB) SetNonce(ctx context.Context, addr common.Address, nonce uint64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.hydrateLocked(ctx, addr); err != nil {
		return err
	}
	db.committed.mutable(addr).Nonce = nonce
	return nil
}

// SetBalance overwrites addr's balance directly in the committed layer.
func (db *DB) SetBalance(ctx context.Context, addr common.Address, balance *uint256.Int) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.hydrateLocked(ctx, addr); err != nil {
		return err
	}
	db.committed.mutable(addr).Balance = new(uint256.Int).Set(balance)
	return nil
}

// SetCode overwrites addr's code directly in the committed layer.
func (db *DB) SetCode(ctx context.Context, addr common.Address, code []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.hydrateLocked(ctx, addr); err != nil {
		return err
	}
	db.committed.setCode(addr, code)
	return nil
}

// SetStorageAt overwrites a single slot directly in the committed layer.
func (db *DB) SetStorageAt(ctx context.Context, addr common.Address, slot, value common.Hash) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.hydrateLocked(ctx, addr); err != nil {
		return err
	}
	db.committed.setStorageAt(addr, slot, value)
	return nil
}

// Root returns the committed layer's state digest (see Root in root.go).
func (db *DB) Root() common.Hash {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.committed.Root()
}

// Clone returns a deep, independent copy of the committed layer, used to
// capture a snapshot.
func (db *DB) Clone() *Layer {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.committed.clone()
}

// Restore replaces the committed layer wholesale with a previously
// captured clone, used to revert to a snapshot. The negative-account
// cache is cleared since it may now hold stale entries from writes made
// after the snapshot was taken.
func (db *DB) Restore(l *Layer) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.committed = l.clone()
	db.absent.Purge()
}

// NewPending opens a fresh overlay for block construction. Reads against
// the returned PendingState check the overlay first, then fall through to
// this DB's committed+fork chain; writes land only in the overlay.
func (db *DB) NewPending() *PendingState {
	return &PendingState{base: db, layer: newLayer()}
}

// PendingState is the state view an in-flight Executor invocation writes
// to. It is exclusively owned by that invocation (§5) until the caller
// either commits it via DB.ApplyChangeset or discards it.
type PendingState struct {
	base  *DB
	layer *Layer
}

func (p *PendingState) Basic(ctx context.Context, addr common.Address) (Account, error) {
	if acc := p.layer.account(addr); acc != nil {
		return *acc, nil
	}
	p.base.mu.Lock()
	acc, err := p.base.basicLocked(ctx, addr)
	p.base.mu.Unlock()
	if err != nil {
		return Account{}, err
	}
	return *acc, nil
}

func (p *PendingState) Code(ctx context.Context, addr common.Address) ([]byte, error) {
	if code, ok := p.layer.code[addr]; ok {
		return code, nil
	}
	p.base.mu.Lock()
	code, err := p.base.codeLocked(ctx, addr)
	p.base.mu.Unlock()
	return code, err
}

func (p *PendingState) StorageAt(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	if v, ok := p.layer.storageAt(addr, slot); ok {
		return v, nil
	}
	p.base.mu.Lock()
	v, err := p.base.storageLocked(ctx, addr, slot)
	p.base.mu.Unlock()
	return v, err
}

// hydrate ensures addr has an entry in the pending overlay itself, copied
// in from the base DB (and, transitively, the fork) if this is the first
// write the overlay has seen for addr. Without this, a single-field write
// below would otherwise plant a blank Account in the overlay, and merging
// that overlay into committed would wipe out every field the write didn't
// touch.
func (p *PendingState) hydrate(ctx context.Context, addr common.Address) error {
	if _, ok := p.layer.accounts[addr]; ok {
		return nil
	}
	p.base.mu.Lock()
	acc, err := p.base.basicLocked(ctx, addr)
	p.base.mu.Unlock()
	if err != nil {
		return err
	}
	p.layer.accounts[addr] = acc.copy()
	return nil
}

func (p *PendingState) SetNonce(ctx context.Context, addr common.Address, nonce uint64) error {
	if err := p.hydrate(ctx, addr); err != nil {
		return err
	}
	p.layer.mutable(addr).Nonce = nonce
	return nil
}

func (p *PendingState) SetBalance(ctx context.Context, addr common.Address, balance *uint256.Int) error {
	if err := p.hydrate(ctx, addr); err != nil {
		return err
	}
	p.layer.mutable(addr).Balance = new(uint256.Int).Set(balance)
	return nil
}

func (p *PendingState) SetCode(ctx context.Context, addr common.Address, code []byte) error {
	if err := p.hydrate(ctx, addr); err != nil {
		return err
	}
	p.layer.setCode(addr, code)
	return nil
}

func (p *PendingState) SetStorageAt(ctx context.Context, addr common.Address, slot, value common.Hash) error {
	if err := p.hydrate(ctx, addr); err != nil {
		return err
	}
	p.layer.setStorageAt(addr, slot, value)
	return nil
}

// AddBalance and SubBalance are convenience helpers used by the value
// transfer interpreter; both read-then-write through the same layered
// lookup as the rest of the overlay.
func (p *PendingState) AddBalance(ctx context.Context, addr common.Address, amount *uint256.Int) error {
	acc, err := p.Basic(ctx, addr)
	if err != nil {
		return err
	}
	sum := new(uint256.Int).Add(acc.Balance, amount)
	return p.SetBalance(ctx, addr, sum)
}

func (p *PendingState) SubBalance(ctx context.Context, addr common.Address, amount *uint256.Int) error {
	acc, err := p.Basic(ctx, addr)
	if err != nil {
		return err
	}
	diff := new(uint256.Int).Sub(acc.Balance, amount)
	return p.SetBalance(ctx, addr, diff)
}

// Root computes the overlay's digest as if it were already merged into
// the base committed layer — used by the Executor to fill in a block's
// state_root without committing first.
func (p *PendingState) Root() common.Hash {
	p.base.mu.RLock()
	merged := p.base.committed.clone()
	p.base.mu.RUnlock()
	merged.merge(p.layer)
	return merged.Root()
}

// ApplyChangeset atomically merges a pending overlay into db's committed
// layer. It is the only way a PendingState's writes become visible to
// other readers.
func (db *DB) ApplyChangeset(p *PendingState) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.committed.merge(p.layer)
}
