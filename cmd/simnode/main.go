// Command simnode runs an in-memory, Ethereum-compatible JSON-RPC node
// for local development: a funded set of accounts, a mempool, a miner and
// an EVM-backed executor, optionally forked from a remote archive node.
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"github.com/urfave/cli/v2"

	"github.com/simnode/simnode/chain"
	"github.com/simnode/simnode/core/state"
	"github.com/simnode/simnode/core/vm"
	"github.com/simnode/simnode/filters"
	"github.com/simnode/simnode/fork"
	"github.com/simnode/simnode/miner"
	"github.com/simnode/simnode/node"
	"github.com/simnode/simnode/rpcapi"
)

var (
	hostFlag = &cli.StringFlag{Name: "host", Value: "127.0.0.1", Usage: "address to bind the JSON-RPC (HTTP+WS) listener to"}
	portFlag = &cli.IntFlag{Name: "port", Value: 8545, Usage: "port to bind the JSON-RPC (HTTP+WS) listener to"}

	accountsFlag = &cli.IntFlag{Name: "accounts", Value: 10, Usage: "number of development accounts to derive and fund"}
	mnemonicFlag = &cli.StringFlag{Name: "mnemonic", Value: "simnode development seed", Usage: "seed phrase development accounts are deterministically derived from"}
	balanceFlag  = &cli.Float64Flag{Name: "balance", Value: 10000, Usage: "ether balance each development account starts with"}

	chainIDFlag  = &cli.Uint64Flag{Name: "chain-id", Value: 31337, Usage: "chain id reported by eth_chainId and net_version"}
	gasLimitFlag = &cli.Uint64Flag{Name: "gas-limit", Value: 30_000_000, Usage: "gas limit of every mined block"}
	gasPriceFlag = &cli.Uint64Flag{Name: "gas-price", Value: 1_000_000_000, Usage: "initial base fee, in wei"}

	forkURLFlag         = &cli.StringFlag{Name: "fork-url", Usage: "JSON-RPC URL of an archive node to fork state from"}
	forkBlockNumberFlag = &cli.Uint64Flag{Name: "fork-block-number", Usage: "block number to fork from (defaults to the fork URL's current head)"}

	blockTimeFlag = &cli.IntFlag{Name: "block-time", Value: 0, Usage: "seconds between automatically mined blocks; 0 mines instantly on every submitted transaction"}
	noMiningFlag  = &cli.BoolFlag{Name: "no-mining", Usage: "disable automatic mining; blocks are only produced via the test_mine RPC method"}
)

func main() {
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.LevelInfo, true)))

	app := &cli.App{
		Name:  "simnode",
		Usage: "an in-memory Ethereum node simulator",
		Flags: []cli.Flag{
			hostFlag, portFlag,
			accountsFlag, mnemonicFlag, balanceFlag,
			chainIDFlag, gasLimitFlag, gasPriceFlag,
			forkURLFlag, forkBlockNumberFlag,
			blockTimeFlag, noMiningFlag,
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, store, forkClient, err := setupChain(ctx, c)
	if err != nil {
		return err
	}
	if forkClient != nil {
		defer forkClient.Close()
	}

	miningCfg := miner.Config{Mode: miner.Instant}
	switch {
	case c.Bool(noMiningFlag.Name):
		miningCfg = miner.Config{Mode: miner.Manual}
	case c.Int(blockTimeFlag.Name) > 0:
		miningCfg = miner.Config{Mode: miner.Interval, Period: time.Duration(c.Int(blockTimeFlag.Name)) * time.Second}
	}

	n := node.New(node.Config{
		ChainID:        c.Uint64(chainIDFlag.Name),
		GasLimit:       c.Uint64(gasLimitFlag.Name),
		InitialBaseFee: uint256.NewInt(c.Uint64(gasPriceFlag.Name)),
		Mining:         miningCfg,
	}, db, store, vm.NewValueTransferInterpreter(), forkClient)

	accounts, err := fundAccounts(ctx, n, c)
	if err != nil {
		return err
	}
	printAccounts(accounts)

	idx := filters.New(store, forkClient)

	srv, err := rpcapi.NewServer(n, idx)
	if err != nil {
		return fmt.Errorf("build rpc server: %w", err)
	}

	go n.Run(ctx)

	addr := fmt.Sprintf("%s:%d", c.String(hostFlag.Name), c.Int(portFlag.Name))
	log.Info("simnode listening", "addr", addr, "chainId", c.Uint64(chainIDFlag.Name))
	if err := srv.Serve(ctx, addr); err != nil {
		return fmt.Errorf("rpc server: %w", err)
	}
	return nil
}

// setupChain builds the committed State DB and Blockchain Store, dialing
// the fork URL first when one was given so the store can be seeded at the
// correct height per §4.C.
func setupChain(ctx context.Context, c *cli.Context) (*state.DB, *chain.Store, *fork.Client, error) {
	url := c.String(forkURLFlag.Name)
	if url == "" {
		return state.New(), chain.New(), nil, nil
	}

	fc, err := fork.Dial(ctx, fork.Config{
		URL:         url,
		BlockNumber: c.Uint64(forkBlockNumberFlag.Name),
		ChainID:     c.Uint64(chainIDFlag.Name),
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dial fork url: %w", err)
	}
	db := state.NewForked(fc)
	store := chain.NewForked(fc.ForkBlockNumber(), fc.ForkBlockHash())
	return db, store, fc, nil
}

// devAccount is one deterministically derived, pre-funded development key.
type devAccount struct {
	address common.Address
	key     string
}

// deriveAccounts derives n accounts from seed without a BIP-32/BIP-39
// wallet library (none is available in this project's dependency set):
// each account's private key is the Keccak-256 hash of "seed/index",
// which is a valid, deterministic, if non-standard, secp256k1 scalar seed.
func deriveAccounts(seed string, n int) []devAccount {
	accounts := make([]devAccount, n)
	for i := 0; i < n; i++ {
		digest := crypto.Keccak256([]byte(fmt.Sprintf("%s/%d", seed, i)))
		key, err := crypto.ToECDSA(digest)
		if err != nil {
			// digest is always 32 bytes from Keccak256, so ToECDSA only
			// fails if it happens to land on the curve order; retry with
			// a perturbed seed in that vanishingly unlikely case.
			digest = crypto.Keccak256(append(digest, 0x01))
			key, _ = crypto.ToECDSA(digest)
		}
		accounts[i] = devAccount{
			address: crypto.PubkeyToAddress(key.PublicKey),
			key:     common.Bytes2Hex(crypto.FromECDSA(key)),
		}
	}
	return accounts
}

func fundAccounts(ctx context.Context, n *node.Node, c *cli.Context) ([]devAccount, error) {
	wei := etherToWei(c.Float64(balanceFlag.Name))
	accounts := deriveAccounts(c.String(mnemonicFlag.Name), c.Int(accountsFlag.Name))
	for _, acc := range accounts {
		if err := n.SetBalance(ctx, acc.address, wei); err != nil {
			return nil, fmt.Errorf("fund %s: %w", acc.address, err)
		}
		n.Impersonate(acc.address)
	}
	return accounts, nil
}

func etherToWei(ether float64) *uint256.Int {
	f := new(big.Float).Mul(big.NewFloat(ether), big.NewFloat(1e18))
	wei, _ := f.Int(nil)
	v, _ := uint256.FromBig(wei)
	return v
}

func printAccounts(accounts []devAccount) {
	fmt.Println()
	fmt.Println("Available Accounts")
	fmt.Println("==================")
	for i, acc := range accounts {
		fmt.Printf("(%d) %s\n", i, acc.address.Hex())
	}
	fmt.Println()
	fmt.Println("Private Keys")
	fmt.Println("==================")
	for i, acc := range accounts {
		fmt.Printf("(%d) 0x%s\n", i, acc.key)
	}
	fmt.Println()
}
