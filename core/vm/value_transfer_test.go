package vm

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type fakeState struct {
	accounts map[common.Address]struct {
		nonce    uint64
		balance  *uint256.Int
		codeHash common.Hash
	}
}

func newFakeState() *fakeState {
	return &fakeState{accounts: make(map[common.Address]struct {
		nonce    uint64
		balance  *uint256.Int
		codeHash common.Hash
	})}
}

func (f *fakeState) set(addr common.Address, nonce uint64, balance uint64) {
	f.accounts[addr] = struct {
		nonce    uint64
		balance  *uint256.Int
		codeHash common.Hash
	}{nonce, uint256.NewInt(balance), common.Hash{}}
}

func (f *fakeState) Basic(_ context.Context, addr common.Address) (uint64, *uint256.Int, common.Hash, error) {
	acc, ok := f.accounts[addr]
	if !ok {
		return 0, new(uint256.Int), common.Hash{}, nil
	}
	return acc.nonce, acc.balance, acc.codeHash, nil
}

func (f *fakeState) Code(_ context.Context, addr common.Address) ([]byte, error) { return nil, nil }

func (f *fakeState) Storage(_ context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	return common.Hash{}, nil
}

func defaultBlockEnv() BlockEnv {
	return BlockEnv{Number: 1, GasLimit: 30_000_000, BaseFee: uint256.NewInt(1)}
}

func TestValueTransferSuccess(t *testing.T) {
	from := common.HexToAddress("0x1")
	to := common.HexToAddress("0x2")
	st := newFakeState()
	st.set(from, 0, 1_000_000)

	in := NewValueTransferInterpreter()
	res, err := in.Execute(context.Background(), st, defaultBlockEnv(), CfgEnv{ChainID: uint256.NewInt(1)}, TxEnv{
		From: from, To: &to, Nonce: 0, Value: uint256.NewInt(100), GasLimit: 21000, GasPrice: uint256.NewInt(1),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != StatusOK {
		t.Fatalf("status = %v, want StatusOK (err=%v)", res.Status, res.Err)
	}
	if len(res.StateChanges) != 3 {
		t.Fatalf("expected 3 state changes (sender nonce+balance, dest balance), got %d", len(res.StateChanges))
	}
}

func TestValueTransferNonceMismatchIsInvalidInBlock(t *testing.T) {
	from := common.HexToAddress("0x1")
	to := common.HexToAddress("0x2")
	st := newFakeState()
	st.set(from, 5, 1_000_000)

	in := NewValueTransferInterpreter()
	res, err := in.Execute(context.Background(), st, defaultBlockEnv(), CfgEnv{}, TxEnv{
		From: from, To: &to, Nonce: 0, Value: uint256.NewInt(1), GasLimit: 21000, GasPrice: uint256.NewInt(1),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != StatusInvalidInBlock {
		t.Fatalf("status = %v, want StatusInvalidInBlock", res.Status)
	}
}

func TestValueTransferInsufficientFunds(t *testing.T) {
	from := common.HexToAddress("0x1")
	to := common.HexToAddress("0x2")
	st := newFakeState()
	st.set(from, 0, 100)

	in := NewValueTransferInterpreter()
	res, err := in.Execute(context.Background(), st, defaultBlockEnv(), CfgEnv{}, TxEnv{
		From: from, To: &to, Nonce: 0, Value: uint256.NewInt(1_000_000), GasLimit: 21000, GasPrice: uint256.NewInt(1),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != StatusInvalidInBlock {
		t.Fatalf("status = %v, want StatusInvalidInBlock", res.Status)
	}
}

func TestValueTransferGasExceedsBlockLimit(t *testing.T) {
	from := common.HexToAddress("0x1")
	to := common.HexToAddress("0x2")
	st := newFakeState()
	st.set(from, 0, 1_000_000)

	in := NewValueTransferInterpreter()
	block := defaultBlockEnv()
	block.GasLimit = 10000
	res, err := in.Execute(context.Background(), st, block, CfgEnv{}, TxEnv{
		From: from, To: &to, Nonce: 0, Value: uint256.NewInt(1), GasLimit: 21000, GasPrice: uint256.NewInt(1),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != StatusInvalidInBlock {
		t.Fatalf("status = %v, want StatusInvalidInBlock", res.Status)
	}
}

func TestCreateAddressDerivation(t *testing.T) {
	sender := common.HexToAddress("0x6ac7ea33f8831ea9dcc53393aaa88b25a785dbf0")
	addr := CreateAddress(sender, 0)
	if addr == (common.Address{}) {
		t.Fatalf("derived address is zero")
	}
	// Same inputs must derive the same address every time.
	if again := CreateAddress(sender, 0); again != addr {
		t.Errorf("CreateAddress is not deterministic: %s != %s", addr.Hex(), again.Hex())
	}
	// Different nonces must derive different addresses.
	if other := CreateAddress(sender, 1); other == addr {
		t.Errorf("CreateAddress(nonce=1) collided with CreateAddress(nonce=0)")
	}
}

func TestContractCreationSetsCode(t *testing.T) {
	from := common.HexToAddress("0x1")
	st := newFakeState()
	st.set(from, 0, 1_000_000)

	in := NewValueTransferInterpreter()
	res, err := in.Execute(context.Background(), st, defaultBlockEnv(), CfgEnv{}, TxEnv{
		From: from, To: nil, Nonce: 0, Value: uint256.NewInt(0), GasLimit: 100000, GasPrice: uint256.NewInt(1),
		Data: []byte{0x60, 0x00},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Status != StatusOK {
		t.Fatalf("status = %v, want StatusOK", res.Status)
	}
	if res.ContractAddress == nil {
		t.Fatalf("expected a contract address to be reported")
	}
	wantAddr := CreateAddress(from, 0)
	if *res.ContractAddress != wantAddr {
		t.Errorf("ContractAddress = %s, want %s", res.ContractAddress.Hex(), wantAddr.Hex())
	}

	var codeChange *StateChange
	for i := range res.StateChanges {
		if res.StateChanges[i].Kind == ChangeCode {
			codeChange = &res.StateChanges[i]
		}
	}
	if codeChange == nil {
		t.Fatalf("expected a ChangeCode state change")
	}
	if codeChange.Addr != wantAddr {
		t.Errorf("code change addr = %s, want %s", codeChange.Addr.Hex(), wantAddr.Hex())
	}
}
