// Package fork wraps a remote archive JSON-RPC endpoint and presents it to
// the rest of the node as a bounded, caching, single-flight-coalesced
// read-through source, exactly as a forked State DB's ForkSource.
package fork

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"
	"golang.org/x/sync/singleflight"

	"github.com/simnode/simnode/core/state"
	"github.com/simnode/simnode/errs"
)

// Config describes the upstream archive endpoint and the height the node
// forks from.
type Config struct {
	URL          string
	BlockNumber  uint64
	BlockHash    common.Hash
	ChainID      uint64
	MaxRetries   int
	RetryBackoff time.Duration
}

const defaultCacheSize = 8192

// Client is the node's sole means of reading remote chain state. It
// implements state.ForkSource directly.
type Client struct {
	cfg Config
	rpc *rpc.Client

	cache *lru.Cache[string, any]
	group singleflight.Group
}

// Dial connects to cfg.URL and pins reads at cfg.BlockNumber. If
// cfg.BlockNumber is zero, the upstream's current head is used and
// recorded in the client's own copy of cfg (reported by ForkBlockNumber);
// the caller's cfg value is not modified.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	rc, err := rpc.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, errs.Wrap(errs.KindForkProvider, err)
	}
	cache, _ := lru.New[string, any](defaultCacheSize)
	c := &Client{cfg: cfg, rpc: rc, cache: cache}

	if cfg.BlockNumber == 0 {
		head, err := c.headNumber(ctx)
		if err != nil {
			return nil, err
		}
		c.cfg.BlockNumber = head
	}
	if cfg.MaxRetries == 0 {
		c.cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff == 0 {
		c.cfg.RetryBackoff = 200 * time.Millisecond
	}

	hash, err := c.blockHashAt(ctx, c.cfg.BlockNumber)
	if err != nil {
		return nil, err
	}
	c.cfg.BlockHash = hash
	return c, nil
}

// ForkBlockNumber reports the height the node forked from.
func (c *Client) ForkBlockNumber() uint64 { return c.cfg.BlockNumber }

// ForkBlockHash reports the hash of the block the node forked from.
func (c *Client) ForkBlockHash() common.Hash { return c.cfg.BlockHash }

// PredatesFork reports whether height n is at or before the fork point,
// meaning it must be served by the upstream rather than the local store.
func (c *Client) PredatesFork(n uint64) bool {
	return n <= c.cfg.BlockNumber
}

func (c *Client) headNumber(ctx context.Context) (uint64, error) {
	var result hexutil.Uint64
	if err := c.callWithRetry(ctx, &result, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return uint64(result), nil
}

func (c *Client) blockHashAt(ctx context.Context, number uint64) (common.Hash, error) {
	var raw map[string]any
	if err := c.callWithRetry(ctx, &raw, "eth_getBlockByNumber", hexutil.EncodeUint64(number), false); err != nil {
		return common.Hash{}, err
	}
	if raw == nil {
		return common.Hash{}, errs.Newf(errs.KindForkProvider, "fork block %d not found upstream", number)
	}
	hashStr, _ := raw["hash"].(string)
	return common.HexToHash(hashStr), nil
}

// cacheKey derives a deterministic key for (method, args, pin height);
// entries are immutable once written since they're pinned to a fixed
// height, so no invalidation logic is needed.
func cacheKey(method string, args ...any) string {
	return fmt.Sprintf("%s:%v", method, args)
}

// singleflightDo coalesces concurrent identical misses into one upstream
// round-trip, checking the cache once more after winning the race in case
// a concurrent caller already populated it.
func (c *Client) singleflightDo(ctx context.Context, key string, fn func() (any, error)) (any, error) {
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.cache.Get(key); ok {
			return v, nil
		}
		return fn()
	})
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, v)
	return v, nil
}

// callWithRetry performs a single RPC call, retrying a bounded number of
// times on a transient network error and propagating immediately on any
// other failure.
func (c *Client) callWithRetry(ctx context.Context, result any, method string, args ...any) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		err := c.rpc.CallContext(ctx, result, method, args...)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return errs.Wrap(errs.KindForkProvider, err)
		}
		lastErr = err
		log.Warn("fork client transient error, retrying", "method", method, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.KindForkProvider, ctx.Err())
		case <-time.After(c.cfg.RetryBackoff * time.Duration(attempt+1)):
		}
	}
	return errs.Wrap(errs.KindForkProvider, lastErr)
}

// isTransient distinguishes a TransientNetwork fault (worth retrying) from
// a PermanentUpstream one (propagate immediately): timeouts and connection
// resets are transient, anything the RPC server itself returned as a
// well-formed error response is permanent.
func isTransient(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return false
	}
	return true
}

// Basic implements state.ForkSource. height is the historical block
// number to query, mirroring BlockByNumber's signature — callers reading
// "current" state pass the fork's own pin (ForkBlockNumber); callers
// resolving a historical height at or before the fork pass that height
// directly.
func (c *Client) Basic(ctx context.Context, addr common.Address, height uint64) (state.Account, bool, error) {
	key := cacheKey("basic", addr, height)
	v, err := c.singleflightDo(ctx, key, func() (any, error) {
		return c.fetchBasic(ctx, addr, height)
	})
	if err != nil {
		return state.Account{}, false, err
	}
	res := v.(basicResult)
	return res.account, res.exists, nil
}

type basicResult struct {
	account state.Account
	exists  bool
}

func (c *Client) fetchBasic(ctx context.Context, addr common.Address, height uint64) (basicResult, error) {
	tag := hexutil.EncodeUint64(height)

	var nonceHex hexutil.Uint64
	if err := c.callWithRetry(ctx, &nonceHex, "eth_getTransactionCount", addr, tag); err != nil {
		return basicResult{}, err
	}
	var balanceHex hexutil.Big
	if err := c.callWithRetry(ctx, &balanceHex, "eth_getBalance", addr, tag); err != nil {
		return basicResult{}, err
	}
	var codeHex hexutil.Bytes
	if err := c.callWithRetry(ctx, &codeHex, "eth_getCode", addr, tag); err != nil {
		return basicResult{}, err
	}

	balance, overflow := uint256.FromBig((*big.Int)(&balanceHex))
	if overflow {
		return basicResult{}, errs.New(errs.KindForkProvider, "remote balance overflows 256 bits")
	}
	codeHash := state.EmptyCodeHash
	if len(codeHex) > 0 {
		codeHash = crypto.Keccak256Hash(codeHex)
	}
	exists := uint64(nonceHex) != 0 || !balance.IsZero() || len(codeHex) > 0
	return basicResult{
		account: state.Account{Nonce: uint64(nonceHex), Balance: balance, CodeHash: codeHash},
		exists:  exists,
	}, nil
}

// Code implements state.ForkSource. See Basic for the height contract.
func (c *Client) Code(ctx context.Context, addr common.Address, height uint64) ([]byte, error) {
	key := cacheKey("code", addr, height)
	v, err := c.singleflightDo(ctx, key, func() (any, error) {
		var codeHex hexutil.Bytes
		if err := c.callWithRetry(ctx, &codeHex, "eth_getCode", addr, hexutil.EncodeUint64(height)); err != nil {
			return nil, err
		}
		return []byte(codeHex), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Storage implements state.ForkSource. See Basic for the height contract.
func (c *Client) Storage(ctx context.Context, addr common.Address, slot common.Hash, height uint64) (common.Hash, error) {
	key := cacheKey("storage", addr, slot, height)
	v, err := c.singleflightDo(ctx, key, func() (any, error) {
		var valHex hexutil.Bytes
		if err := c.callWithRetry(ctx, &valHex, "eth_getStorageAt", addr, slot, hexutil.EncodeUint64(height)); err != nil {
			return nil, err
		}
		return common.BytesToHash(valHex), nil
	})
	if err != nil {
		return common.Hash{}, err
	}
	return v.(common.Hash), nil
}

// BlockByNumber fetches the header of the block at number (transactions
// are not requested), for heights at or before the fork point.
func (c *Client) BlockByNumber(ctx context.Context, number uint64) (*types.Header, error) {
	key := cacheKey("blockByNumber", number)
	v, err := c.singleflightDo(ctx, key, func() (any, error) {
		var head *types.Header
		if err := c.callWithRetry(ctx, &head, "eth_getBlockByNumber", hexutil.EncodeUint64(number), false); err != nil {
			return nil, err
		}
		return head, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Header), nil
}

// BlockByHash fetches a full block header by hash.
func (c *Client) BlockByHash(ctx context.Context, hash common.Hash) (*types.Header, error) {
	key := cacheKey("blockByHash", hash)
	v, err := c.singleflightDo(ctx, key, func() (any, error) {
		var head *types.Header
		if err := c.callWithRetry(ctx, &head, "eth_getBlockByHash", hash, false); err != nil {
			return nil, err
		}
		return head, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Header), nil
}

// TransactionReceipt fetches a receipt by transaction hash.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	key := cacheKey("receipt", hash)
	v, err := c.singleflightDo(ctx, key, func() (any, error) {
		var r *types.Receipt
		if err := c.callWithRetry(ctx, &r, "eth_getTransactionReceipt", hash); err != nil {
			return nil, err
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Receipt), nil
}

// TransactionByHash fetches a transaction by hash.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, error) {
	key := cacheKey("txByHash", hash)
	v, err := c.singleflightDo(ctx, key, func() (any, error) {
		var tx *types.Transaction
		if err := c.callWithRetry(ctx, &tx, "eth_getTransactionByHash", hash); err != nil {
			return nil, err
		}
		return tx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Transaction), nil
}

// TransactionByBlockHashAndIndex fetches a transaction by its position
// within a block.
func (c *Client) TransactionByBlockHashAndIndex(ctx context.Context, blockHash common.Hash, index uint64) (*types.Transaction, error) {
	key := cacheKey("txByBlockHashAndIndex", blockHash, index)
	v, err := c.singleflightDo(ctx, key, func() (any, error) {
		var tx *types.Transaction
		if err := c.callWithRetry(ctx, &tx, "eth_getTransactionByBlockHashAndIndex", blockHash, hexutil.EncodeUint64(index)); err != nil {
			return nil, err
		}
		return tx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Transaction), nil
}

// Logs fetches logs matching a raw eth_getLogs-style filter object, pinned
// implicitly to at-or-before the fork height by the caller.
func (c *Client) Logs(ctx context.Context, filter map[string]any) ([]types.Log, error) {
	key := cacheKey("logs", fmt.Sprint(filter))
	v, err := c.singleflightDo(ctx, key, func() (any, error) {
		var logs []types.Log
		if err := c.callWithRetry(ctx, &logs, "eth_getLogs", filter); err != nil {
			return nil, err
		}
		return logs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.Log), nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.rpc.Close()
}
