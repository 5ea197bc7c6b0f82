// Package snapshot implements the Node's single-shot session dump/load:
// a JSON document capturing every locally-known account plus the locally
// mined block sequence, distinct from the in-memory revert-snapshots
// package node manages for test_snapshot/test_revert. Grounded on
// go-ethereum's own core/state.Dump shape and RLP block encoding.
package snapshot

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/simnode/simnode/chain"
	"github.com/simnode/simnode/core/state"
)

// ChainDump captures the locally mined block sequence: each entry is one
// block's RLP encoding paired with its receipts' binary (EIP-2718)
// encodings, in mined order.
type ChainDump struct {
	BestNumber uint64   `json:"best_number"`
	BestHash   string   `json:"best_hash"`
	Blocks     []string `json:"blocks"`           // rlp(block), hex-encoded
	Receipts   [][]string `json:"receipts"`       // per-block receipt.MarshalBinary(), hex-encoded
}

// Document is the complete session dump: state plus chain.
type Document struct {
	State map[string]state.AccountDump `json:"state"`
	Chain ChainDump                    `json:"chain"`
}

// Dump captures db's account set and store's locally mined blocks into a
// single Document.
func Dump(db *state.DB, store *chain.Store) (*Document, error) {
	doc := &Document{
		State: db.Dump(),
		Chain: ChainDump{
			BestNumber: store.BestNumber(),
			BestHash:   store.BestHash().Hex(),
		},
	}

	for n := uint64(1); n <= store.BestNumber(); n++ {
		block := store.BlockByNumber(n)
		if block == nil {
			// Predates the local chain (served by a fork, if configured);
			// not part of this session's own mined history.
			continue
		}
		blockRLP, err := rlp.EncodeToBytes(block)
		if err != nil {
			return nil, fmt.Errorf("encode block %d: %w", n, err)
		}

		receiptHexes := make([]string, 0, len(block.Transactions()))
		for _, tx := range block.Transactions() {
			receipt, ok := store.ReceiptByHash(tx.Hash())
			if !ok {
				return nil, fmt.Errorf("missing receipt for tx %s in block %d", tx.Hash(), n)
			}
			bin, err := receipt.MarshalBinary()
			if err != nil {
				return nil, fmt.Errorf("encode receipt for tx %s: %w", tx.Hash(), err)
			}
			receiptHexes = append(receiptHexes, hexString(bin))
		}

		doc.Chain.Blocks = append(doc.Chain.Blocks, hexString(blockRLP))
		doc.Chain.Receipts = append(doc.Chain.Receipts, receiptHexes)
	}
	return doc, nil
}

// Load replaces db's account set wholesale and re-inserts every mined
// block from doc into a fresh store, returning it. The caller is
// responsible for swapping the returned store into its running Node; db,
// by contrast, is overwritten in place through its LoadDump. The receipts'
// binary encoding omits GasUsed, so Load recomputes it from consecutive
// cumulative totals; the other derived receipt fields are not rebuilt here.
func Load(db *state.DB, doc *Document) (*chain.Store, error) {
	if err := db.LoadDump(doc.State); err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	store := chain.New()
	for i, blockHex := range doc.Chain.Blocks {
		raw, err := hexBytes(blockHex)
		if err != nil {
			return nil, fmt.Errorf("decode block %d: %w", i, err)
		}
		var block types.Block
		if err := rlp.DecodeBytes(raw, &block); err != nil {
			return nil, fmt.Errorf("decode block %d: %w", i, err)
		}

		receipts := make([]*types.Receipt, 0, len(doc.Chain.Receipts[i]))
		var prevCumulative uint64
		for j, receiptHex := range doc.Chain.Receipts[i] {
			raw, err := hexBytes(receiptHex)
			if err != nil {
				return nil, fmt.Errorf("decode receipt %d/%d: %w", i, j, err)
			}
			receipt := new(types.Receipt)
			if err := receipt.UnmarshalBinary(raw); err != nil {
				return nil, fmt.Errorf("decode receipt %d/%d: %w", i, j, err)
			}
			receipt.GasUsed = receipt.CumulativeGasUsed - prevCumulative
			prevCumulative = receipt.CumulativeGasUsed
			receipts = append(receipts, receipt)
		}

		if err := store.InsertBlock(&block, receipts); err != nil {
			return nil, fmt.Errorf("insert block %d: %w", i, err)
		}
	}
	return store, nil
}

func hexString(b []byte) string {
	return "0x" + common.Bytes2Hex(b)
}

func hexBytes(s string) ([]byte, error) {
	return common.FromHex(s), nil
}

// Marshal and Unmarshal are thin json.Marshal/Unmarshal wrappers kept
// here so callers never need to import encoding/json themselves just to
// move a Document to and from disk.
func Marshal(doc *Document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}

func Unmarshal(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}
