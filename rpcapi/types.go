package rpcapi

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// CallArgs is the decoded shape of an eth_call/eth_estimateGas/
// eth_sendTransaction parameter object, named and shaped after upstream
// internal/ethapi's TransactionArgs.
type CallArgs struct {
	From                 *common.Address `json:"from"`
	To                   *common.Address `json:"to"`
	Gas                  *hexutil.Uint64 `json:"gas"`
	GasPrice             *hexutil.Big    `json:"gasPrice"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas"`
	Value                *hexutil.Big    `json:"value"`
	Nonce                *hexutil.Uint64 `json:"nonce"`
	Data                 *hexutil.Bytes  `json:"data"`
	Input                *hexutil.Bytes  `json:"input"`
}

// data returns the call's payload, preferring the newer "input" field
// over the legacy "data" field when both are set, matching upstream.
func (a *CallArgs) data() []byte {
	if a.Input != nil {
		return *a.Input
	}
	if a.Data != nil {
		return *a.Data
	}
	return nil
}

// toTransaction builds a synthetic, unsigned transaction carrying args'
// fields, defaulting gas and value the way upstream's doCall does. It is
// the executor input of eth_call/eth_estimateGas and the transaction that
// eth_sendTransaction submits to the pool for an impersonated sender; it
// is never signed.
func (a *CallArgs) toTransaction(gasLimit uint64, baseFee *uint256.Int) *types.Transaction {
	gas := gasLimit
	if a.Gas != nil {
		gas = uint64(*a.Gas)
	}
	value := big.NewInt(0)
	if a.Value != nil {
		value = (*big.Int)(a.Value)
	}
	gasPrice := big.NewInt(0)
	if a.GasPrice != nil {
		gasPrice = (*big.Int)(a.GasPrice)
	} else if baseFee != nil {
		gasPrice = baseFee.ToBig()
	}
	var nonce uint64
	if a.Nonce != nil {
		nonce = uint64(*a.Nonce)
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       a.To,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     a.data(),
	})
}

func (a *CallArgs) sender() common.Address {
	if a.From != nil {
		return *a.From
	}
	return common.Address{}
}

// marshalHeader renders a block header the way eth_getBlockByNumber's
// upstream RPCMarshalHeader does: every numeric field hex-encoded, hashes
// and addresses as 0x-prefixed strings.
func marshalHeader(h *types.Header) map[string]any {
	result := map[string]any{
		"number":           (*hexutil.Big)(h.Number),
		"hash":             h.Hash(),
		"parentHash":       h.ParentHash,
		"nonce":            h.Nonce,
		"mixHash":          h.MixDigest,
		"sha3Uncles":       h.UncleHash,
		"logsBloom":        h.Bloom,
		"stateRoot":        h.Root,
		"miner":            h.Coinbase,
		"difficulty":       (*hexutil.Big)(orZero(h.Difficulty)),
		"extraData":        hexutil.Bytes(h.Extra),
		"gasLimit":         hexutil.Uint64(h.GasLimit),
		"gasUsed":          hexutil.Uint64(h.GasUsed),
		"timestamp":        hexutil.Uint64(h.Time),
		"transactionsRoot": h.TxHash,
		"receiptsRoot":     h.ReceiptHash,
	}
	if h.BaseFee != nil {
		result["baseFeePerGas"] = (*hexutil.Big)(h.BaseFee)
	}
	return result
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

// marshalBlock renders a full block, embedding either transaction hashes
// or full transaction objects depending on fullTx, matching upstream
// RPCMarshalBlock.
func marshalBlock(block *types.Block, fullTx bool) map[string]any {
	result := marshalHeader(block.Header())
	result["size"] = hexutil.Uint64(block.Size())
	result["uncles"] = []common.Hash{}

	txs := block.Transactions()
	if fullTx {
		out := make([]map[string]any, len(txs))
		for i, tx := range txs {
			out[i] = marshalTx(tx, block.Hash(), block.NumberU64(), uint64(i))
		}
		result["transactions"] = out
	} else {
		hashes := make([]common.Hash, len(txs))
		for i, tx := range txs {
			hashes[i] = tx.Hash()
		}
		result["transactions"] = hashes
	}
	return result
}

// marshalTx renders a transaction the way eth_getTransactionByHash does,
// named and shaped after upstream's RPCTransaction.
func marshalTx(tx *types.Transaction, blockHash common.Hash, blockNumber, index uint64) map[string]any {
	v, r, s := tx.RawSignatureValues()
	signer := types.LatestSignerForChainID(tx.ChainId())
	from, _ := types.Sender(signer, tx)

	result := map[string]any{
		"hash":             tx.Hash(),
		"nonce":            hexutil.Uint64(tx.Nonce()),
		"blockHash":        blockHash,
		"blockNumber":      (*hexutil.Big)(new(big.Int).SetUint64(blockNumber)),
		"transactionIndex": hexutil.Uint64(index),
		"from":             from,
		"to":               tx.To(),
		"value":            (*hexutil.Big)(tx.Value()),
		"gas":              hexutil.Uint64(tx.Gas()),
		"gasPrice":         (*hexutil.Big)(tx.GasPrice()),
		"input":            hexutil.Bytes(tx.Data()),
		"type":             hexutil.Uint64(tx.Type()),
		"chainId":          (*hexutil.Big)(tx.ChainId()),
		"v":                (*hexutil.Big)(v),
		"r":                (*hexutil.Big)(r),
		"s":                (*hexutil.Big)(s),
	}
	if tx.Type() == types.DynamicFeeTxType {
		result["maxFeePerGas"] = (*hexutil.Big)(tx.GasFeeCap())
		result["maxPriorityFeePerGas"] = (*hexutil.Big)(tx.GasTipCap())
	}
	return result
}

// marshalReceipt renders a receipt the way eth_getTransactionReceipt
// does, named and shaped after upstream's RPCMarshalReceipt.
func marshalReceipt(receipt *types.Receipt, tx *types.Transaction, from common.Address, blockHash common.Hash, blockNumber, index uint64) map[string]any {
	result := map[string]any{
		"transactionHash":   tx.Hash(),
		"transactionIndex":  hexutil.Uint64(index),
		"blockHash":         blockHash,
		"blockNumber":       (*hexutil.Big)(new(big.Int).SetUint64(blockNumber)),
		"from":              from,
		"to":                tx.To(),
		"gasUsed":           hexutil.Uint64(receipt.GasUsed),
		"cumulativeGasUsed": hexutil.Uint64(receipt.CumulativeGasUsed),
		"contractAddress":   nil,
		"logs":              receiptLogsOrEmpty(receipt),
		"logsBloom":         receipt.Bloom,
		"type":              hexutil.Uint64(receipt.Type),
		"status":            hexutil.Uint64(receipt.Status),
	}
	if receipt.ContractAddress != (common.Address{}) {
		result["contractAddress"] = receipt.ContractAddress
	}
	return result
}

func receiptLogsOrEmpty(receipt *types.Receipt) []*types.Log {
	if receipt.Logs == nil {
		return []*types.Log{}
	}
	return receipt.Logs
}
