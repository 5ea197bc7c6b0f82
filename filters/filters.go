// Package filters serves log queries over the blockchain store and, for
// pre-fork ranges, the fork client, grounded on eth/filters/filter.go's
// FilterCriteria shape and topic-matching rules in the upstream corpus.
package filters

import (
	"context"
	"math/big"
	"sort"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/simnode/simnode/chain"
	"github.com/simnode/simnode/errs"
	"github.com/simnode/simnode/fork"
)

// Criteria reuses go-ethereum's own FilterCriteria shape (the same type
// ethereum.FilterQuery / eth_getLogs decodes into upstream): either a
// single block by hash, or a [From, To] height range plus address/topic
// constraints.
type Criteria = ethereum.FilterQuery

// Index answers logs(filter), splitting a range across the fork boundary
// when needed.
type Index struct {
	store *chain.Store
	fork  *fork.Client // nil when the node is not forked
}

func New(store *chain.Store, f *fork.Client) *Index {
	return &Index{store: store, fork: f}
}

// Logs implements §4.I: block-hash form looks up a single block locally,
// falling through to the fork client if absent; range form clamps `to`
// to best_number and splits at the fork boundary when one is configured.
func (idx *Index) Logs(ctx context.Context, crit Criteria) ([]*types.Log, error) {
	if crit.BlockHash != nil {
		return idx.logsForBlockHash(ctx, *crit.BlockHash, crit)
	}
	return idx.logsForRange(ctx, crit)
}

func (idx *Index) logsForBlockHash(ctx context.Context, hash common.Hash, crit Criteria) ([]*types.Log, error) {
	if block := idx.store.BlockByHash(hash); block != nil {
		return idx.logsFromLocalBlock(block, crit), nil
	}
	if idx.fork == nil {
		return nil, errs.New(errs.KindBlockNotFound, "block hash not found")
	}
	filter := map[string]any{"blockHash": hash}
	applyAddressTopics(filter, crit)
	remote, err := idx.fork.Logs(ctx, filter)
	if err != nil {
		return nil, err
	}
	return toPointerSlice(remote), nil
}

func (idx *Index) logsForRange(ctx context.Context, crit Criteria) ([]*types.Log, error) {
	from := blockNumberOrDefault(crit.FromBlock, 0, idx.store.BestNumber())
	to := blockNumberOrDefault(crit.ToBlock, idx.store.BestNumber(), idx.store.BestNumber())
	if to > idx.store.BestNumber() {
		to = idx.store.BestNumber()
	}
	if from > to {
		return nil, nil
	}

	var out []*types.Log

	if idx.fork != nil && idx.fork.PredatesFork(from) {
		splitTo := to
		if splitTo > idx.fork.ForkBlockNumber() {
			splitTo = idx.fork.ForkBlockNumber()
		}
		filter := map[string]any{"fromBlock": from, "toBlock": splitTo}
		applyAddressTopics(filter, crit)
		remote, err := idx.fork.Logs(ctx, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, toPointerSlice(remote)...)
		from = splitTo + 1
	}

	for n := from; n <= to; n++ {
		block := idx.store.BlockByNumber(n)
		if block == nil {
			continue
		}
		out = append(out, idx.logsFromLocalBlock(block, crit)...)
	}
	return out, nil
}

func blockNumberOrDefault(n *big.Int, fallback, newest uint64) uint64 {
	if n == nil {
		return fallback
	}
	if n.Sign() < 0 {
		// rpc.LatestBlockNumber / PendingBlockNumber style sentinels both
		// resolve to "whatever's newest" for this node's purposes.
		return newest
	}
	return n.Uint64()
}

func (idx *Index) logsFromLocalBlock(block *types.Block, crit Criteria) []*types.Log {
	receipts := idx.receiptsForBlock(block)

	type positioned struct {
		log      *types.Log
		txIndex  uint
		logIndex uint
	}
	var all []positioned
	for txIdx, receipt := range receipts {
		for logIdx, l := range receipt.Logs {
			all = append(all, positioned{log: l, txIndex: uint(txIdx), logIndex: uint(logIdx)})
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].txIndex != all[j].txIndex {
			return all[i].txIndex < all[j].txIndex
		}
		return all[i].logIndex < all[j].logIndex
	})

	var out []*types.Log
	var pos uint
	for _, p := range all {
		if matches(p.log, crit) {
			l := *p.log
			l.Index = pos
			out = append(out, &l)
		}
		pos++
	}
	return out
}

func (idx *Index) receiptsForBlock(block *types.Block) []*types.Receipt {
	receipts := make([]*types.Receipt, 0, len(block.Transactions()))
	for _, tx := range block.Transactions() {
		r, ok := idx.store.ReceiptByHash(tx.Hash())
		if !ok {
			continue
		}
		receipts = append(receipts, r)
	}
	return receipts
}

// matches applies the address and topic filters: a log matches iff its
// address is in crit.Addresses (or crit.Addresses is empty), and at every
// topic position crit specifies, the log's topic at that position is a
// member of the specified set (a nil position is a wildcard).
func matches(l *types.Log, crit Criteria) bool {
	if len(crit.Addresses) > 0 {
		found := false
		for _, a := range crit.Addresses {
			if a == l.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(crit.Topics) > len(l.Topics) {
		return false
	}
	for i, set := range crit.Topics {
		if len(set) == 0 {
			continue // wildcard
		}
		found := false
		for _, want := range set {
			if want == l.Topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func applyAddressTopics(filter map[string]any, crit Criteria) {
	if len(crit.Addresses) > 0 {
		filter["address"] = crit.Addresses
	}
	if len(crit.Topics) > 0 {
		filter["topics"] = crit.Topics
	}
}

func toPointerSlice(logs []types.Log) []*types.Log {
	out := make([]*types.Log, len(logs))
	for i := range logs {
		out[i] = &logs[i]
	}
	return out
}
