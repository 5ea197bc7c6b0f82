// Package vm declares the narrow interface the executor drives an EVM
// bytecode interpreter through. The interpreter itself is an external
// collaborator: this package is intentionally distinct from (and does not
// import) go-ethereum's own core/vm, since a full bytecode interpreter is
// out of scope here. It ships one production implementation,
// ValueTransferInterpreter, that handles plain value transfers and
// no-op contract creation deterministically.
package vm

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// TxEnv is the per-transaction environment passed to the interpreter.
type TxEnv struct {
	From     common.Address
	To       *common.Address // nil for contract creation
	Nonce    uint64
	Value    *uint256.Int
	GasLimit uint64
	GasPrice *uint256.Int // effective gas price, already resolved from the tx's fee fields
	Data     []byte
}

// BlockEnv is the per-block environment visible to every transaction
// executed within it.
type BlockEnv struct {
	Number      uint64
	Timestamp   uint64
	Coinbase    common.Address
	GasLimit    uint64
	BaseFee     *uint256.Int
	Difficulty  *uint256.Int
	Random      common.Hash // post-merge mix_hash substitute
}

// CfgEnv carries chain-level configuration that does not change block to
// block within a single node lifetime.
type CfgEnv struct {
	ChainID *uint256.Int
}

// Status classifies how a single transaction's execution attempt ended.
// InvalidInBlock and the other two are mutually exclusive contracts the
// executor programs against (spec §7): InvalidInBlock transactions are
// skipped wholesale (no receipt, stay in the pool); Reverted and OK both
// produce a receipt, differing only in receipt.status.
type Status int

const (
	// StatusOK means execution completed and state changes apply.
	StatusOK Status = iota
	// StatusReverted means the interpreter unwound state changes itself
	// (a Solidity revert/require failure) but gas was still consumed and
	// a receipt with status=failure must still be emitted.
	StatusReverted
	// StatusInvalidInBlock means the transaction could never have been
	// included in this block at all (bad nonce, insufficient funds,
	// exceeds block gas) — the executor must skip it silently, emitting
	// no receipt, leaving it in the pool for a later block.
	StatusInvalidInBlock
)

// StateChange is a single mutation the interpreter wants applied to the
// pending state layer. Addr identifies the account; the other fields are
// set according to Kind.
type StateChange struct {
	Kind    ChangeKind
	Addr    common.Address
	Nonce   uint64
	Balance *uint256.Int
	Code    []byte
	Slot    common.Hash
	Value   common.Hash
}

type ChangeKind int

const (
	ChangeNonce ChangeKind = iota
	ChangeBalance
	ChangeCode
	ChangeStorage
)

// Result is what the interpreter reports back for a single transaction.
type Result struct {
	Status          Status
	GasUsed         uint64
	ContractAddress *common.Address // set only for a successful CREATE
	Logs            []*types.Log
	ReturnData      []byte // raw revert payload when Status == StatusReverted
	StateChanges    []StateChange
	Err             error // populated for StatusInvalidInBlock, the rejection reason
}

// StateReader is the read side of the pending layer the interpreter
// consults to validate and execute a transaction, kept minimal so a test
// interpreter can be backed by a plain map.
type StateReader interface {
	Basic(ctx context.Context, addr common.Address) (nonce uint64, balance *uint256.Int, codeHash common.Hash, err error)
	Code(ctx context.Context, addr common.Address) ([]byte, error)
	Storage(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error)
}

// Interpreter is the external EVM collaborator's contract. Execute must
// not mutate state itself — it reports the changes it would make via
// Result.StateChanges, leaving the caller (the executor) to apply them to
// the pending layer. This keeps the interpreter boundary pure and testable
// in isolation from core/state's locking discipline.
type Interpreter interface {
	Execute(ctx context.Context, state StateReader, block BlockEnv, cfg CfgEnv, tx TxEnv) (Result, error)
}
