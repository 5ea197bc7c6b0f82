// Package miner produces mine-requests; it never executes a block itself.
// Modeled on miner/worker.go's newWorkLoop/mainLoop split: one goroutine
// here decides when to mine, a downstream node service goroutine performs
// the actual sealing.
package miner

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/simnode/simnode/txpool"
)

// Mode selects how the miner decides to emit a mine-request.
type Mode int

const (
	// Instant emits a mine-request for every ready-notification.
	Instant Mode = iota
	// Interval emits a mine-request on every tick of a fixed period.
	Interval
	// Manual emits a mine-request only via an explicit Mine() call.
	Manual
)

// Request is a single instruction to build and seal a block from the
// pool's current Ready snapshot.
type Request struct {
	Ready []*txpool.Entry
}

// Config configures a Miner's behavior.
type Config struct {
	Mode Mode
	// Period is the tick interval for Interval mode; ignored otherwise.
	Period time.Duration
	// MaxTransactions caps how many Ready entries an Instant-mode
	// mine-request carries; zero means unbounded.
	MaxTransactions int
	// MineEmptyBlocks controls whether Interval mode emits a request when
	// Ready() is empty. Default (false) skips empty ticks.
	MineEmptyBlocks bool
}

// Miner drives mine-request production. It owns no state-write
// discipline itself — Requests() hands the node service a channel it
// consumes at its own pace.
type Miner struct {
	cfg  Config
	pool *txpool.Pool

	requests chan Request
	manualCh chan struct{}
}

func New(cfg Config, pool *txpool.Pool) *Miner {
	return &Miner{
		cfg:      cfg,
		pool:     pool,
		requests: make(chan Request, 1),
		manualCh: make(chan struct{}, 1),
	}
}

// Requests returns the channel the node service consumes mine-requests
// from. It is always capacity 1; a request that arrives before the
// previous one was consumed replaces it (latest-wins), matching §5's
// bounded mine-request channel.
func (m *Miner) Requests() <-chan Request {
	return m.requests
}

func (m *Miner) send(req Request) {
	select {
	case m.requests <- req:
	default:
		select {
		case <-m.requests:
		default:
		}
		select {
		case m.requests <- req:
		default:
		}
	}
}

// Mine triggers an immediate mine-request in Manual mode.
func (m *Miner) Mine() {
	select {
	case m.manualCh <- struct{}{}:
	default:
	}
}

// MineOne emits a single mine-request immediately regardless of the
// miner's current mode, backing the "mine one" custom test endpoint.
func (m *Miner) MineOne() {
	m.send(Request{Ready: m.pool.Ready()})
}

// Run drives the miner's loop until ctx is canceled. It must be started
// exactly once.
func (m *Miner) Run(ctx context.Context) {
	switch m.cfg.Mode {
	case Instant:
		m.runInstant(ctx)
	case Interval:
		m.runInterval(ctx)
	case Manual:
		m.runManual(ctx)
	}
}

func (m *Miner) runInstant(ctx context.Context) {
	ch := make(chan common.Address, 64)
	sub := m.pool.SubscribeReady(ch)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			ready := m.pool.Ready()
			if m.cfg.MaxTransactions > 0 && len(ready) > m.cfg.MaxTransactions {
				ready = ready[:m.cfg.MaxTransactions]
			}
			m.send(Request{Ready: ready})
		}
	}
}

func (m *Miner) runInterval(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ready := m.pool.Ready()
			if len(ready) == 0 && !m.cfg.MineEmptyBlocks {
				continue
			}
			log.Debug("interval miner tick", "ready", len(ready))
			m.send(Request{Ready: ready})
		}
	}
}

func (m *Miner) runManual(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.manualCh:
			m.send(Request{Ready: m.pool.Ready()})
		}
	}
}
