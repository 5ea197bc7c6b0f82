package state

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// AccountDump is the wire shape one account takes in a session dump,
// named and shaped after go-ethereum's own core/state.DumpAccount.
type AccountDump struct {
	Nonce   uint64            `json:"nonce"`
	Balance string            `json:"balance"`
	Code    hexutil.Bytes     `json:"code,omitempty"`
	Storage map[string]string `json:"storage,omitempty"`
}

// Dump returns every locally-known account in the committed layer, keyed
// by address hex. Accounts only known through the fork source (never
// locally written or read) are not included — a session reload re-forks
// against the same endpoint and re-fetches them on demand.
func (db *DB) Dump() map[string]AccountDump {
	db.mu.RLock()
	defer db.mu.RUnlock()

	out := make(map[string]AccountDump, len(db.committed.accounts))
	for addr, acc := range db.committed.accounts {
		if acc.Empty() {
			continue
		}
		d := AccountDump{
			Nonce:   acc.Nonce,
			Balance: acc.Balance.String(),
		}
		if code := db.committed.code[addr]; len(code) > 0 {
			d.Code = code
		}
		if slots := db.committed.storage[addr]; len(slots) > 0 {
			d.Storage = make(map[string]string, len(slots))
			for slot, v := range slots {
				if v == (common.Hash{}) {
					continue
				}
				d.Storage[slot.Hex()] = v.Hex()
			}
		}
		out[addr.Hex()] = d
	}
	return out
}

// LoadDump replaces the committed layer's accounts wholesale with dump,
// the inverse of Dump. Used only by a single-shot session load; it is not
// a merge.
func (db *DB) LoadDump(dump map[string]AccountDump) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.committed = newLayer()
	db.absent.Purge()

	for addrHex, d := range dump {
		addr := common.HexToAddress(addrHex)
		balance, err := uint256.FromDecimal(d.Balance)
		if err != nil {
			return err
		}
		db.committed.accounts[addr] = &Account{Nonce: d.Nonce, Balance: balance, CodeHash: EmptyCodeHash}
		if len(d.Code) > 0 {
			db.committed.setCode(addr, d.Code)
		}
		for slotHex, valHex := range d.Storage {
			db.committed.setStorageAt(addr, common.HexToHash(slotHex), common.HexToHash(valHex))
		}
	}
	return nil
}
