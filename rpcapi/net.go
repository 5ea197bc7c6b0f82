package rpcapi

import (
	"strconv"

	"github.com/simnode/simnode/node"
)

// NetAPI implements the net_* method set.
type NetAPI struct {
	n *node.Node
}

func NewNetAPI(n *node.Node) *NetAPI {
	return &NetAPI{n: n}
}

// Version implements net_version.
func (a *NetAPI) Version() string {
	return strconv.FormatUint(a.n.ChainID().Uint64(), 10)
}

// Listening implements net_listening: this node has no peer-to-peer
// networking, so it always reports false.
func (a *NetAPI) Listening() bool { return false }

// PeerCount implements net_peerCount: always zero, for the same reason.
func (a *NetAPI) PeerCount() string { return "0x0" }
