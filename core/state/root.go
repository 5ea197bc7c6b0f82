package state

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// EmptyCodeHash is the keccak256 hash of the empty byte slice, the
// code-hash every externally-owned account reports.
var EmptyCodeHash = crypto.Keccak256Hash(nil)

func crypto256(b []byte) common.Hash {
	return crypto.Keccak256Hash(b)
}

// accountRLP is the canonical on-the-wire shape used only to derive a
// deterministic digest for an account; it is never persisted.
type accountRLP struct {
	Address  common.Address
	Nonce    uint64
	Balance  []byte
	CodeHash common.Hash
	Storage  []storageSlotRLP
}

type storageSlotRLP struct {
	Slot  common.Hash
	Value common.Hash
}

// Root computes a deterministic digest over the full account set of a
// layer. It is not a Merkle-Patricia trie root — no light-client proof
// serving or on-disk durability is in scope for this node — but it
// changes if and only if some account's nonce, balance, code or storage
// changes, which is the property the executor and `eth_getBlockByNumber`
// callers actually need from `state_root`.
func (l *Layer) Root() common.Hash {
	addrs := make([]common.Address, 0, len(l.accounts))
	for addr := range l.accounts {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return lessAddr(addrs[i], addrs[j])
	})

	entries := make([]accountRLP, 0, len(addrs))
	for _, addr := range addrs {
		acc := l.accounts[addr]
		if acc.Empty() {
			continue
		}
		slots := l.storage[addr]
		keys := make([]common.Hash, 0, len(slots))
		for k := range slots {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return lessHash(keys[i], keys[j]) })

		rows := make([]storageSlotRLP, 0, len(keys))
		for _, k := range keys {
			v := slots[k]
			if v == (common.Hash{}) {
				continue
			}
			rows = append(rows, storageSlotRLP{Slot: k, Value: v})
		}

		entries = append(entries, accountRLP{
			Address:  addr,
			Nonce:    acc.Nonce,
			Balance:  acc.Balance.Bytes(),
			CodeHash: acc.CodeHash,
			Storage:  rows,
		})
	}

	enc, err := rlp.EncodeToBytes(entries)
	if err != nil {
		// entries is built entirely from concrete, already-valid fields;
		// rlp encoding of it cannot fail.
		panic(err)
	}
	return crypto.Keccak256Hash(enc)
}

func lessAddr(a, b common.Address) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func lessHash(a, b common.Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
