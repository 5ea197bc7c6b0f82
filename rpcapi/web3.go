package rpcapi

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// clientVersion is reported by web3_clientVersion, following the
// "name/version/runtime" convention geth's own clientVersion uses.
const clientVersion = "simnode/v0.1.0/go"

// Web3API implements the web3_* method set.
type Web3API struct{}

func NewWeb3API() *Web3API { return &Web3API{} }

// ClientVersion implements web3_clientVersion.
func (Web3API) ClientVersion() string { return clientVersion }

// Sha3 implements web3_sha3.
func (Web3API) Sha3(data hexutil.Bytes) hexutil.Bytes {
	return crypto.Keccak256(data)
}
