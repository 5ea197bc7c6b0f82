// Package txpool implements the mempool: a nonce-dependency graph split
// into Ready and Queued entries, replacement-bump admission, and a
// non-blocking ready-notification feed, exactly as go-ethereum's own
// core/txpool splits pending and queued transactions by nonce gap.
package txpool

import (
	"sync"
	"time"

	"github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/holiman/uint256"

	"github.com/simnode/simnode/errs"
)

// key identifies a pool entry by its (sender, nonce) pair, the unit the
// spec's provides/requires sets are built from.
type key struct {
	Sender common.Address
	Nonce  uint64
}

// Entry is a single admitted transaction plus the pool bookkeeping it
// carries for its lifetime.
type Entry struct {
	Tx             *types.Transaction
	Sender         common.Address
	ArrivedAt      time.Time
	EffectiveTip   *uint256.Int
	Provides       mapset.Set[key]
	Requires       mapset.Set[key]
}

// ChainView is the read-only on-chain context the pool validates against;
// the executor and RPC layer share this through the node service.
type ChainView interface {
	Nonce(addr common.Address) uint64
	Balance(addr common.Address) *uint256.Int
	ChainID() *uint256.Int
	BaseFee() *uint256.Int
}

const defaultBumpPercent = 10

// Pool is the node's mempool. All exported methods are safe for
// concurrent use via a single mutex, matching the spec's "serialized by a
// single mutual-exclusion discipline".
type Pool struct {
	mu sync.Mutex

	chain       ChainView
	bumpPercent uint64

	ready  map[key]*Entry
	queued map[key]*Entry

	readyFeed event.Feed
}

func New(chain ChainView) *Pool {
	return &Pool{
		chain:       chain,
		bumpPercent: defaultBumpPercent,
		ready:       make(map[key]*Entry),
		queued:      make(map[key]*Entry),
	}
}

// SubscribeReady registers ch to receive a notification (the sender
// address) whenever a transaction becomes Ready, either directly on
// admission or via promotion out of Queued. Each notification is sent from
// its own goroutine, so Add and RemoveMined never wait for a consumer; a
// slow consumer receives notifications late and possibly out of order, and
// must re-poll Ready() rather than rely on them.
func (p *Pool) SubscribeReady(ch chan<- common.Address) event.Subscription {
	return p.readyFeed.Subscribe(ch)
}

func (p *Pool) notifyReady(sender common.Address) {
	go p.readyFeed.Send(sender)
}

// Add validates and admits tx, computing its requires/provides, applying
// replacement policy on a (sender, nonce) collision, and placing it into
// Ready or Queued depending on whether its dependency is already
// satisfied.
func (p *Pool) Add(tx *types.Transaction, sender common.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.validate(tx, sender); err != nil {
		return err
	}

	k := key{Sender: sender, Nonce: tx.Nonce()}
	entry := p.newEntry(tx, sender, k)

	if existing, ok := p.ready[k]; ok {
		return p.replace(k, existing, entry, true)
	}
	if existing, ok := p.queued[k]; ok {
		return p.replace(k, existing, entry, false)
	}

	onChainNonce := p.chain.Nonce(sender)
	if tx.Nonce() == onChainNonce || p.provided(key{Sender: sender, Nonce: tx.Nonce() - 1}) {
		p.insertReady(k, entry)
		// Filling a nonce gap unblocks the Queued successors that follow it.
		next := key{Sender: sender, Nonce: tx.Nonce() + 1}
		for e, ok := p.queued[next]; ok; e, ok = p.queued[next] {
			delete(p.queued, next)
			p.insertReady(next, e)
			next.Nonce++
		}
	} else {
		p.queued[k] = entry
	}
	return nil
}

func (p *Pool) hasEntryFor(sender common.Address, nonce uint64) bool {
	k := key{Sender: sender, Nonce: nonce}
	_, inReady := p.ready[k]
	if inReady {
		return true
	}
	_, inQueued := p.queued[k]
	return inQueued
}

func (p *Pool) insertReady(k key, entry *Entry) {
	p.ready[k] = entry
	p.notifyReady(entry.Sender)
}

func (p *Pool) newEntry(tx *types.Transaction, sender common.Address, k key) *Entry {
	requires := mapset.NewSet[key]()
	if tx.Nonce() > 0 {
		requires.Add(key{Sender: sender, Nonce: tx.Nonce() - 1})
	}
	provides := mapset.NewSet[key](k)
	return &Entry{
		Tx:           tx,
		Sender:       sender,
		ArrivedAt:    time.Now(),
		EffectiveTip: effectiveTip(tx, p.chain.BaseFee()),
		Provides:     provides,
		Requires:     requires,
	}
}

// replace applies the bump-percentage replacement policy for a (sender,
// nonce) collision. wasReady tracks which map the incumbent lived in so
// the replacement lands back in the same place.
func (p *Pool) replace(k key, incumbent, challenger *Entry, wasReady bool) error {
	threshold := bumpThreshold(incumbent.EffectiveTip, p.bumpPercent)
	if challenger.EffectiveTip.Lt(threshold) {
		return errs.WithSub(errs.KindTxInvalid, errs.SubReplacementUnderpriced,
			"replacement transaction underpriced: must exceed incumbent by the configured bump percentage")
	}
	if wasReady {
		p.ready[k] = challenger
		p.notifyReady(challenger.Sender)
	} else {
		p.queued[k] = challenger
	}
	return nil
}

// bumpThreshold returns the minimum effective tip a replacement must meet
// or exceed: incumbent + ceil(incumbent * bumpPercent / 100).
func bumpThreshold(incumbent *uint256.Int, bumpPercent uint64) *uint256.Int {
	bump := new(uint256.Int).Mul(incumbent, uint256.NewInt(bumpPercent))
	hundred := uint256.NewInt(100)
	quotient, rem := new(uint256.Int).DivMod(bump, hundred, new(uint256.Int))
	if !rem.IsZero() {
		quotient.AddUint64(quotient, 1)
	}
	return new(uint256.Int).Add(incumbent, quotient)
}

// effectiveTip computes the per-spec ordering key: for dynamic-fee
// transactions, min(max_fee - base_fee, max_priority_fee); for legacy and
// access-list transactions, gas_price - base_fee (floored at zero).
func effectiveTip(tx *types.Transaction, baseFee *uint256.Int) *uint256.Int {
	if baseFee == nil {
		baseFee = new(uint256.Int)
	}
	if tx.Type() == types.DynamicFeeTxType {
		feeCap, _ := uint256.FromBig(tx.GasFeeCap())
		tip, _ := uint256.FromBig(tx.GasTipCap())
		headroom := new(uint256.Int)
		if feeCap.Gt(baseFee) {
			headroom.Sub(feeCap, baseFee)
		}
		if headroom.Lt(tip) {
			return headroom
		}
		return tip
	}
	price, _ := uint256.FromBig(tx.GasPrice())
	if price.Lt(baseFee) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(price, baseFee)
}

// validate performs the spec's pre-admission checks: well-formed (a
// recoverable sender was already passed in by the caller), nonce not
// below the on-chain nonce, a fee cap (gas price, for legacy transactions)
// not below the current base fee, sufficient balance, and a matching chain
// ID for replay-protected transactions.
func (p *Pool) validate(tx *types.Transaction, sender common.Address) error {
	onChainNonce := p.chain.Nonce(sender)
	if tx.Nonce() < onChainNonce {
		return errs.WithSub(errs.KindTxInvalid, errs.SubNonceTooLow, "nonce below on-chain nonce")
	}
	if baseFee := p.chain.BaseFee(); baseFee != nil {
		feeCap, _ := uint256.FromBig(tx.GasFeeCap())
		if feeCap.Lt(baseFee) {
			return errs.WithSub(errs.KindTxInvalid, errs.SubFeeTooLow, "fee cap below base fee")
		}
	}
	if tx.Protected() && tx.ChainId() != nil && tx.ChainId().Sign() != 0 {
		want := p.chain.ChainID()
		if want != nil {
			chainID, _ := uint256.FromBig(tx.ChainId())
			if !chainID.Eq(want) {
				return errs.WithSub(errs.KindTxInvalid, errs.SubInvalidChainID, "chain id mismatch")
			}
		}
	}
	balance := p.chain.Balance(sender)
	maxCost, overflow := uint256.FromBig(tx.Cost())
	if overflow {
		return errs.WithSub(errs.KindTxInvalid, errs.SubInsufficientFunds, "transaction cost overflows 256 bits")
	}
	if balance.Lt(maxCost) {
		return errs.WithSub(errs.KindTxInvalid, errs.SubInsufficientFunds, "balance below max cost")
	}
	return nil
}

// RemoveMined removes every entry whose provides key is in minedProvides,
// then promotes any Queued entry whose requires is now satisfied,
// publishing a ready-notification for each promotion.
func (p *Pool) RemoveMined(minedProvides mapset.Set[key]) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for k := range p.ready {
		if minedProvides.Contains(k) {
			delete(p.ready, k)
		}
	}

	promoted := true
	for promoted {
		promoted = false
		for k, entry := range p.queued {
			if p.requiresSatisfied(entry) {
				delete(p.queued, k)
				p.insertReady(k, entry)
				promoted = true
			}
		}
	}
}

func (p *Pool) requiresSatisfied(entry *Entry) bool {
	satisfied := true
	entry.Requires.Each(func(req key) bool {
		if !p.provided(req) {
			satisfied = false
			return true
		}
		return false
	})
	return satisfied
}

// provided reports whether k's nonce requirement is already met: either
// the required predecessor was mined (on-chain nonce has passed it) or it
// currently sits in Ready.
func (p *Pool) provided(k key) bool {
	if p.chain.Nonce(k.Sender) > k.Nonce {
		return true
	}
	_, ok := p.ready[k]
	return ok
}

// Ready returns the current Ready set, ordered by descending effective
// tip with earliest arrival as tiebreak.
func (p *Pool) Ready() []*Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Entry, 0, len(p.ready))
	for _, e := range p.ready {
		out = append(out, e)
	}
	sortByTipThenArrival(out)
	return out
}

func sortByTipThenArrival(entries []*Entry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0; j-- {
			if !less(entries[j], entries[j-1]) {
				break
			}
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// less reports whether a sorts before b: higher effective tip first, then
// earlier arrival time.
func less(a, b *Entry) bool {
	if cmp := a.EffectiveTip.Cmp(b.EffectiveTip); cmp != 0 {
		return cmp > 0
	}
	return a.ArrivedAt.Before(b.ArrivedAt)
}

// Provides returns tx's (sender, nonce) pair as the minedProvides key
// RemoveMined expects, so the node service doesn't need to know about
// the pool's internal key type.
func Provides(sender common.Address, nonce uint64) mapset.Set[key] {
	return mapset.NewSet[key](key{Sender: sender, Nonce: nonce})
}
