package vm

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// ValueTransferInterpreter is the node's default, production Interpreter.
// It executes exactly two kinds of transaction: a plain ether transfer to
// an address without code (whether or not it exists yet), and contract
// creation, which it handles as a
// deterministic no-op that derives and deploys to the correct address
// without running any bytecode. Everything else (a call into an account
// that already carries a non-empty code-hash) is rejected as
// invalid-in-block, since executing real bytecode is out of scope.
type ValueTransferInterpreter struct{}

func NewValueTransferInterpreter() *ValueTransferInterpreter {
	return &ValueTransferInterpreter{}
}

func (in *ValueTransferInterpreter) Execute(ctx context.Context, st StateReader, block BlockEnv, cfg CfgEnv, tx TxEnv) (Result, error) {
	nonce, balance, _, err := st.Basic(ctx, tx.From)
	if err != nil {
		return Result{}, err
	}

	if tx.Nonce != nonce {
		return invalidResult(errNonceMismatch), nil
	}
	if tx.GasLimit > block.GasLimit {
		return invalidResult(errExceedsBlockGas), nil
	}

	gasUsed := intrinsicGas(tx)
	fee := new(uint256.Int).Mul(tx.GasPrice, new(uint256.Int).SetUint64(gasUsed))
	total := new(uint256.Int).Add(fee, tx.Value)
	if balance.Lt(total) {
		return invalidResult(errInsufficientFunds), nil
	}

	changes := []StateChange{
		{Kind: ChangeNonce, Addr: tx.From, Nonce: nonce + 1},
		{Kind: ChangeBalance, Addr: tx.From, Balance: new(uint256.Int).Sub(balance, total)},
	}

	var contractAddr *common.Address
	if tx.To == nil {
		addr := CreateAddress(tx.From, nonce)
		contractAddr = &addr
		_, destBalance, _, err := st.Basic(ctx, addr)
		if err != nil {
			return Result{}, err
		}
		newBalance := new(uint256.Int).Add(destBalance, tx.Value)
		changes = append(changes,
			StateChange{Kind: ChangeBalance, Addr: addr, Balance: newBalance},
			StateChange{Kind: ChangeCode, Addr: addr, Code: tx.Data},
		)
	} else {
		_, destBalance, destCodeHash, err := st.Basic(ctx, *tx.To)
		if err != nil {
			return Result{}, err
		}
		if destCodeHash != (common.Hash{}) && destCodeHash != emptyCodeHash() {
			return invalidResult(errCallToContract), nil
		}
		newBalance := new(uint256.Int).Add(destBalance, tx.Value)
		changes = append(changes, StateChange{Kind: ChangeBalance, Addr: *tx.To, Balance: newBalance})
	}

	return Result{
		Status:          StatusOK,
		GasUsed:         gasUsed,
		ContractAddress: contractAddr,
		StateChanges:    changes,
	}, nil
}

func emptyCodeHash() common.Hash {
	return crypto.Keccak256Hash(nil)
}

// intrinsicGas is a fixed, simplified cost model: the base transaction
// cost plus a per-byte charge for call/init data, mirroring the shape
// (not the exact table) of go-ethereum's IntrinsicGas.
func intrinsicGas(tx TxEnv) uint64 {
	const txGas = 21000
	const txDataNonZeroGas = 16
	gas := uint64(txGas)
	gas += uint64(len(tx.Data)) * txDataNonZeroGas
	return gas
}

// CreateAddress derives the legacy CREATE contract address:
// keccak(rlp(sender, sender_nonce))[12:].
func CreateAddress(sender common.Address, nonce uint64) common.Address {
	data, err := rlp.EncodeToBytes([]interface{}{sender, nonce})
	if err != nil {
		panic(err)
	}
	return common.BytesToAddress(crypto.Keccak256(data)[12:])
}

func invalidResult(err error) Result {
	return Result{Status: StatusInvalidInBlock, Err: err}
}
