package state

import "github.com/ethereum/go-ethereum/common"

// Layer is a flat key-value view of accounts, code and storage. The
// committed layer is the canonical state; a pending layer is a throwaway
// overlay built up during a single block's execution.
type Layer struct {
	accounts map[common.Address]*Account
	code     map[common.Address][]byte
	storage  map[common.Address]map[common.Hash]common.Hash
}

func newLayer() *Layer {
	return &Layer{
		accounts: make(map[common.Address]*Account),
		code:     make(map[common.Address][]byte),
		storage:  make(map[common.Address]map[common.Hash]common.Hash),
	}
}

func (l *Layer) clone() *Layer {
	cp := newLayer()
	for addr, acc := range l.accounts {
		cp.accounts[addr] = acc.copy()
	}
	for addr, code := range l.code {
		if code != nil {
			cp.code[addr] = append([]byte(nil), code...)
		} else {
			cp.code[addr] = nil
		}
	}
	for addr, slots := range l.storage {
		m := make(map[common.Hash]common.Hash, len(slots))
		for k, v := range slots {
			m[k] = v
		}
		cp.storage[addr] = m
	}
	return cp
}

func (l *Layer) account(addr common.Address) *Account {
	acc, ok := l.accounts[addr]
	if !ok {
		return nil
	}
	return acc
}

func (l *Layer) mutable(addr common.Address) *Account {
	acc, ok := l.accounts[addr]
	if !ok {
		acc = newAccount()
		l.accounts[addr] = acc
	}
	return acc
}

func (l *Layer) storageAt(addr common.Address, slot common.Hash) (common.Hash, bool) {
	slots, ok := l.storage[addr]
	if !ok {
		return common.Hash{}, false
	}
	v, ok := slots[slot]
	return v, ok
}

// setCode records code's bytes and updates the account's code-hash
// together, so the two never drift out of sync within a layer.
func (l *Layer) setCode(addr common.Address, code []byte) {
	acc := l.mutable(addr)
	if len(code) == 0 {
		l.code[addr] = nil
		acc.CodeHash = EmptyCodeHash
		return
	}
	cp := append([]byte(nil), code...)
	l.code[addr] = cp
	acc.CodeHash = crypto256(cp)
}

func (l *Layer) setStorageAt(addr common.Address, slot, value common.Hash) {
	slots, ok := l.storage[addr]
	if !ok {
		slots = make(map[common.Hash]common.Hash)
		l.storage[addr] = slots
	}
	slots[slot] = value
}

// merge applies src on top of l, last-writer-wins per key — since src's own
// map already holds one value per key, applying it is the merge.
func (l *Layer) merge(src *Layer) {
	for addr, acc := range src.accounts {
		l.accounts[addr] = acc
	}
	for addr, code := range src.code {
		l.code[addr] = code
	}
	for addr, slots := range src.storage {
		dst, ok := l.storage[addr]
		if !ok {
			dst = make(map[common.Hash]common.Hash, len(slots))
			l.storage[addr] = dst
		}
		for slot, v := range slots {
			dst[slot] = v
		}
	}
}
