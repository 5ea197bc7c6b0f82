package rpcapi

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/simnode/simnode/miner"
	"github.com/simnode/simnode/node"
)

// TestAPI implements the custom test-oriented methods under the "test"
// namespace: direct state mutation, impersonation, manual mining control
// and snapshot/revert, the devnet-extension surface every anvil/hardhat-
// style simulator carries alongside the standard eth_* method set.
type TestAPI struct {
	n *node.Node
}

func NewTestAPI(n *node.Node) *TestAPI {
	return &TestAPI{n: n}
}

// SetBalance implements test_setBalance.
func (a *TestAPI) SetBalance(ctx context.Context, addr common.Address, balance hexutil.Big) error {
	v, overflow := uint256.FromBig((*big.Int)(&balance))
	if overflow {
		return invalidParams("balance overflows 256 bits")
	}
	return mapErr(a.n.SetBalance(ctx, addr, v))
}

// SetNonce implements test_setNonce.
func (a *TestAPI) SetNonce(ctx context.Context, addr common.Address, nonce hexutil.Uint64) error {
	return mapErr(a.n.SetNonce(ctx, addr, uint64(nonce)))
}

// SetCode implements test_setCode.
func (a *TestAPI) SetCode(ctx context.Context, addr common.Address, code hexutil.Bytes) error {
	return mapErr(a.n.SetCode(ctx, addr, code))
}

// SetStorageAt implements test_setStorageAt.
func (a *TestAPI) SetStorageAt(ctx context.Context, addr common.Address, slot, value common.Hash) error {
	return mapErr(a.n.SetStorageAt(ctx, addr, slot, value))
}

// ImpersonateAccount implements test_impersonateAccount.
func (a *TestAPI) ImpersonateAccount(addr common.Address) {
	a.n.Impersonate(addr)
}

// Mine implements test_mine: forces exactly one block regardless of the
// running mining mode.
func (a *TestAPI) Mine() {
	a.n.MineOne()
}

// SetNextBlockTimestamp implements test_setNextBlockTimestamp.
func (a *TestAPI) SetNextBlockTimestamp(ts hexutil.Uint64) {
	a.n.SetNextBlockTimestamp(uint64(ts))
}

// SetMiningMode implements test_setMiningMode: mode is one of "instant",
// "interval" or "manual"; periodSeconds only applies to "interval".
func (a *TestAPI) SetMiningMode(mode string, periodSeconds hexutil.Uint64) error {
	var m miner.Mode
	switch mode {
	case "instant":
		m = miner.Instant
	case "interval":
		m = miner.Interval
	case "manual":
		m = miner.Manual
	default:
		return invalidParams("unknown mining mode: " + mode)
	}
	a.n.SetMiningMode(miner.Config{Mode: m, Period: time.Duration(periodSeconds) * time.Second})
	return nil
}

// Snapshot implements test_snapshot.
func (a *TestAPI) Snapshot() hexutil.Uint64 {
	return hexutil.Uint64(a.n.TakeSnapshot())
}

// Revert implements test_revert.
func (a *TestAPI) Revert(id hexutil.Uint64) error {
	return mapErr(a.n.RevertToSnapshot(uint64(id)))
}

// SetChainId implements test_setChainId.
func (a *TestAPI) SetChainId(id hexutil.Uint64) {
	a.n.SetChainID(uint64(id))
}

// SetBaseFee implements test_setBaseFee.
func (a *TestAPI) SetBaseFee(fee hexutil.Big) error {
	v, overflow := uint256.FromBig((*big.Int)(&fee))
	if overflow {
		return invalidParams("base fee overflows 256 bits")
	}
	a.n.SetBaseFee(v)
	return nil
}
