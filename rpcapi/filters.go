package rpcapi

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/simnode/simnode/chain"
	"github.com/simnode/simnode/errs"
	"github.com/simnode/simnode/filters"
	"github.com/simnode/simnode/txpool"
)

// filterTTL is how long an installed poll filter survives without being
// polled via eth_getFilterChanges, matching upstream's eth/filters
// expiry so a forgotten filter doesn't leak forever.
const filterTTL = 5 * time.Minute

type filterKind int

const (
	filterKindLog filterKind = iota
	filterKindBlock
	filterKindPendingTx
)

// installedFilter is the poll-side state for one eth_newFilter/
// eth_newBlockFilter/eth_newPendingTransactionFilter installation.
// Log and block filters compute their delta on demand from the store (no
// historical query exists for "tx hashes that became ready", so pending-tx
// filters instead read from the shared, deduplicated log the manager
// maintains in the background).
type installedFilter struct {
	kind    filterKind
	crit    filters.Criteria
	deadline time.Time

	mu         sync.Mutex
	blockCursor uint64 // next block number to report (block filters)
	logCursor   uint64 // next block number to scan (log filters)
	pendingPos  int    // next index to read from the manager's pendingTxLog
}

// FilterManager installs and polls filters plus serves the newHeads/logs/
// newPendingTransactions subscriptions, grounded on eth/filters'
// FilterSystem/FilterAPI split in the upstream corpus.
type FilterManager struct {
	idx   *filters.Index
	store *chain.Store
	pool  *txpool.Pool

	mu      sync.Mutex
	filters map[rpc.ID]*installedFilter

	pendingMu  sync.Mutex
	pendingLog []common.Hash
	seenTx     map[common.Hash]bool
}

func NewFilterManager(store *chain.Store, idx *filters.Index, pool *txpool.Pool) *FilterManager {
	fm := &FilterManager{
		idx:     idx,
		store:   store,
		pool:    pool,
		filters: make(map[rpc.ID]*installedFilter),
		seenTx:  make(map[common.Hash]bool),
	}
	go fm.collectPendingTx()
	return fm
}

// collectPendingTx subscribes to the pool's ready-notification feed for
// the lifetime of the manager, appending every not-yet-seen ready tx hash
// for the notified sender to the shared pending-tx log that every
// pending-tx filter and subscription reads from.
func (fm *FilterManager) collectPendingTx() {
	ch := make(chan common.Address, 256)
	sub := fm.pool.SubscribeReady(ch)
	defer sub.Unsubscribe()
	for sender := range ch {
		for _, e := range fm.pool.Ready() {
			if e.Sender != sender {
				continue
			}
			hash := e.Tx.Hash()
			fm.pendingMu.Lock()
			if !fm.seenTx[hash] {
				fm.seenTx[hash] = true
				fm.pendingLog = append(fm.pendingLog, hash)
			}
			fm.pendingMu.Unlock()
		}
	}
}

func (fm *FilterManager) sweepExpired() {
	now := time.Now()
	for id, f := range fm.filters {
		if now.After(f.deadline) {
			delete(fm.filters, id)
		}
	}
}

func (fm *FilterManager) install(f *installedFilter) rpc.ID {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.sweepExpired()
	id := rpc.NewID()
	f.deadline = time.Now().Add(filterTTL)
	fm.filters[id] = f
	return id
}

// NewFilter implements eth_newFilter.
func (fm *FilterManager) NewFilter(crit filters.Criteria) rpc.ID {
	from := blockOrZero(crit.FromBlock, fm.store.BestNumber())
	return fm.install(&installedFilter{kind: filterKindLog, crit: crit, logCursor: from})
}

// NewBlockFilter implements eth_newBlockFilter.
func (fm *FilterManager) NewBlockFilter() rpc.ID {
	return fm.install(&installedFilter{kind: filterKindBlock, blockCursor: fm.store.BestNumber() + 1})
}

// NewPendingTransactionFilter implements
// eth_newPendingTransactionFilter.
func (fm *FilterManager) NewPendingTransactionFilter() rpc.ID {
	fm.pendingMu.Lock()
	pos := len(fm.pendingLog)
	fm.pendingMu.Unlock()
	return fm.install(&installedFilter{kind: filterKindPendingTx, pendingPos: pos})
}

// UninstallFilter implements eth_uninstallFilter.
func (fm *FilterManager) UninstallFilter(id rpc.ID) bool {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if _, ok := fm.filters[id]; !ok {
		return false
	}
	delete(fm.filters, id)
	return true
}

func (fm *FilterManager) get(id rpc.ID) (*installedFilter, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	f, ok := fm.filters[id]
	if !ok {
		return nil, errs.Newf(errs.KindDataUnavailable, "no filter installed with id %s", id)
	}
	f.deadline = time.Now().Add(filterTTL)
	return f, nil
}

// GetFilterChanges implements eth_getFilterChanges: returns only what's
// new since the previous poll of this filter, in whichever shape its
// kind demands (hashes for block/pending-tx filters, logs for log
// filters).
func (fm *FilterManager) GetFilterChanges(ctx context.Context, id rpc.ID) (any, error) {
	f, err := fm.get(id)
	if err != nil {
		return nil, mapErr(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.kind {
	case filterKindBlock:
		best := fm.store.BestNumber()
		var hashes []common.Hash
		for n := f.blockCursor; n <= best; n++ {
			if b := fm.store.BlockByNumber(n); b != nil {
				hashes = append(hashes, b.Hash())
			}
		}
		f.blockCursor = best + 1
		return hashesOrEmpty(hashes), nil

	case filterKindPendingTx:
		fm.pendingMu.Lock()
		defer fm.pendingMu.Unlock()
		var hashes []common.Hash
		if f.pendingPos < len(fm.pendingLog) {
			hashes = append(hashes, fm.pendingLog[f.pendingPos:]...)
			f.pendingPos = len(fm.pendingLog)
		}
		return hashesOrEmpty(hashes), nil

	default: // filterKindLog
		best := fm.store.BestNumber()
		if f.logCursor > best {
			return []*types.Log{}, nil
		}
		crit := f.crit
		crit.FromBlock = bigOf(f.logCursor)
		crit.ToBlock = bigOf(best)
		logs, err := fm.idx.Logs(ctx, crit)
		if err != nil {
			return nil, mapErr(err)
		}
		f.logCursor = best + 1
		return logsOrEmpty(logs), nil
	}
}

// GetFilterLogs implements eth_getFilterLogs: always the full match set
// for the filter's original criteria, ignoring any poll cursor.
func (fm *FilterManager) GetFilterLogs(ctx context.Context, id rpc.ID) ([]*types.Log, error) {
	f, err := fm.get(id)
	if err != nil {
		return nil, mapErr(err)
	}
	if f.kind != filterKindLog {
		return nil, mapErr(errs.New(errs.KindInputMalformed, "filter is not a log filter"))
	}
	logs, err := fm.idx.Logs(ctx, f.crit)
	if err != nil {
		return nil, mapErr(err)
	}
	return logsOrEmpty(logs), nil
}

// GetLogs implements eth_getLogs: a one-shot query, no filter installed.
func (fm *FilterManager) GetLogs(ctx context.Context, crit filters.Criteria) ([]*types.Log, error) {
	logs, err := fm.idx.Logs(ctx, crit)
	if err != nil {
		return nil, mapErr(err)
	}
	return logsOrEmpty(logs), nil
}

// NewHeads implements the eth_subscribe("newHeads") subscription.
func (fm *FilterManager) NewHeads(ctx context.Context) (*rpc.Subscription, error) {
	notifier, supported := rpc.NotifierFromContext(ctx)
	if !supported {
		return &rpc.Subscription{}, rpc.ErrNotificationsUnsupported
	}
	rpcSub := notifier.CreateSubscription()

	go func() {
		heads := make(chan chain.NewHeadEvent, 16)
		sub := fm.store.SubscribeNewHead(heads)
		defer sub.Unsubscribe()
		for {
			select {
			case ev := <-heads:
				block := fm.store.BlockByHash(ev.Hash)
				if block == nil {
					continue
				}
				if err := notifier.Notify(rpcSub.ID, marshalHeader(block.Header())); err != nil {
					log.Warn("newHeads subscriber notify failed", "err", err)
					return
				}
			case <-rpcSub.Err():
				return
			case <-notifier.Closed():
				return
			}
		}
	}()
	return rpcSub, nil
}

// Logs implements the eth_subscribe("logs") subscription.
func (fm *FilterManager) Logs(ctx context.Context, crit filters.Criteria) (*rpc.Subscription, error) {
	notifier, supported := rpc.NotifierFromContext(ctx)
	if !supported {
		return &rpc.Subscription{}, rpc.ErrNotificationsUnsupported
	}
	rpcSub := notifier.CreateSubscription()

	go func() {
		heads := make(chan chain.NewHeadEvent, 16)
		sub := fm.store.SubscribeNewHead(heads)
		defer sub.Unsubscribe()
		for {
			select {
			case ev := <-heads:
				logs, err := fm.idx.Logs(ctx, rangeAt(crit, ev.Number))
				if err != nil {
					log.Warn("logs subscription query failed", "err", err)
					continue
				}
				for _, l := range logs {
					if err := notifier.Notify(rpcSub.ID, l); err != nil {
						log.Warn("logs subscriber notify failed", "err", err)
						return
					}
				}
			case <-rpcSub.Err():
				return
			case <-notifier.Closed():
				return
			}
		}
	}()
	return rpcSub, nil
}

// NewPendingTransactions implements the
// eth_subscribe("newPendingTransactions") subscription.
func (fm *FilterManager) NewPendingTransactions(ctx context.Context) (*rpc.Subscription, error) {
	notifier, supported := rpc.NotifierFromContext(ctx)
	if !supported {
		return &rpc.Subscription{}, rpc.ErrNotificationsUnsupported
	}
	rpcSub := notifier.CreateSubscription()

	go func() {
		ch := make(chan common.Address, 256)
		sub := fm.pool.SubscribeReady(ch)
		defer sub.Unsubscribe()
		for {
			select {
			case sender := <-ch:
				for _, e := range fm.pool.Ready() {
					if e.Sender != sender {
						continue
					}
					if err := notifier.Notify(rpcSub.ID, e.Tx.Hash()); err != nil {
						log.Warn("newPendingTransactions subscriber notify failed", "err", err)
						return
					}
				}
			case <-rpcSub.Err():
				return
			case <-notifier.Closed():
				return
			}
		}
	}()
	return rpcSub, nil
}

func rangeAt(crit filters.Criteria, number uint64) filters.Criteria {
	out := crit
	out.FromBlock = bigOf(number)
	out.ToBlock = bigOf(number)
	return out
}

func hashesOrEmpty(h []common.Hash) []common.Hash {
	if h == nil {
		return []common.Hash{}
	}
	return h
}

func logsOrEmpty(l []*types.Log) []*types.Log {
	if l == nil {
		return []*types.Log{}
	}
	return l
}

func blockOrZero(b *big.Int, fallback uint64) uint64 {
	if b == nil {
		return 0
	}
	if b.Sign() < 0 {
		return fallback
	}
	return b.Uint64()
}

func bigOf(n uint64) *big.Int {
	return new(big.Int).SetUint64(n)
}
