package state

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Account is the node's in-memory view of an account's metadata: nonce,
// balance and a code-hash. The code bytes themselves, and all storage
// slots, are kept out-of-line in the owning layer so that `basic()` stays
// cheap to read and cheap to fetch across a fork boundary, matching the
// spec's split between `basic(addr)` and `code(addr)`.
type Account struct {
	Nonce    uint64
	Balance  *uint256.Int
	CodeHash common.Hash
}

// Empty reports whether the account is indistinguishable from one that was
// never created: zero nonce, zero balance, no code. Empty accounts must
// read back identically to absent ones.
func (a *Account) Empty() bool {
	if a == nil {
		return true
	}
	return a.Nonce == 0 && (a.Balance == nil || a.Balance.IsZero()) && (a.CodeHash == common.Hash{} || a.CodeHash == EmptyCodeHash)
}

func newAccount() *Account {
	return &Account{Balance: new(uint256.Int), CodeHash: EmptyCodeHash}
}

func (a *Account) copy() *Account {
	if a == nil {
		return nil
	}
	cp := &Account{Nonce: a.Nonce, Balance: new(uint256.Int), CodeHash: a.CodeHash}
	if a.Balance != nil {
		cp.Balance.Set(a.Balance)
	}
	return cp
}
