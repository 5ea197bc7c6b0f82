// Package fees maintains the EIP-1559 base fee and the sliding window of
// recent blocks that back eth_feeHistory, grounded on eth/gasprice's
// Oracle in the upstream corpus.
package fees

import (
	"sort"
	"sync"

	"github.com/holiman/uint256"
)

const (
	// baseFeeChangeDenominator bounds the base fee's change per block to
	// at most 1/8 (elasticity 0.125) of the parent fee.
	baseFeeChangeDenominator = 8
	defaultWindowSize        = 1024
)

// BlockRecord is one entry in the sliding window, the raw material for a
// feeHistory response.
type BlockRecord struct {
	Number       uint64
	BaseFee      *uint256.Int
	GasUsed      uint64
	GasLimit     uint64
	EffectiveTip []*uint256.Int // per-tx effective tips, in tx order
}

func (r BlockRecord) gasUsedRatio() float64 {
	if r.GasLimit == 0 {
		return 0
	}
	return float64(r.GasUsed) / float64(r.GasLimit)
}

// Tracker owns the current base fee and a bounded window of recent block
// records.
type Tracker struct {
	mu sync.RWMutex

	windowSize int
	records    []BlockRecord
	currentFee *uint256.Int
}

// New creates a Tracker starting at initialBaseFee.
func New(initialBaseFee *uint256.Int) *Tracker {
	return &Tracker{
		windowSize: defaultWindowSize,
		currentFee: new(uint256.Int).Set(initialBaseFee),
	}
}

// CurrentBaseFee returns the base fee the next block should use.
func (t *Tracker) CurrentBaseFee() *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return new(uint256.Int).Set(t.currentFee)
}

// SetCurrentBaseFee forcibly overwrites the fee the next block will use,
// bypassing the EIP-1559 update rule. Used by the "set base fee" custom
// test endpoint and by snapshot restore.
func (t *Tracker) SetCurrentBaseFee(fee *uint256.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentFee = new(uint256.Int).Set(fee)
}

// Observe records a newly mined block and advances the base fee per the
// EIP-1559 update rule, using the block's own gas usage against its
// target (half of gas limit).
func (t *Tracker) Observe(number uint64, gasUsed, gasLimit uint64, effectiveTips []*uint256.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := BlockRecord{
		Number:       number,
		BaseFee:      new(uint256.Int).Set(t.currentFee),
		GasUsed:      gasUsed,
		GasLimit:     gasLimit,
		EffectiveTip: effectiveTips,
	}
	t.records = append(t.records, rec)
	if len(t.records) > t.windowSize {
		t.records = t.records[len(t.records)-t.windowSize:]
	}

	t.currentFee = nextBaseFee(t.currentFee, gasUsed, gasLimit)
}

// nextBaseFee applies the EIP-1559 update rule: gas usage above target
// pushes the fee up, below target pulls it down, proportional to the
// deviation, by at most 1/baseFeeChangeDenominator per block.
func nextBaseFee(parentFee *uint256.Int, gasUsed, gasLimit uint64) *uint256.Int {
	target := gasLimit / 2

	if gasUsed == target {
		return new(uint256.Int).Set(parentFee)
	}

	if gasUsed > target {
		delta := gasUsed - target
		change := new(uint256.Int).Mul(parentFee, uint256.NewInt(delta))
		change.Div(change, uint256.NewInt(uint64(target)))
		change.Div(change, uint256.NewInt(baseFeeChangeDenominator))
		if change.IsZero() {
			change = uint256.NewInt(1)
		}
		return new(uint256.Int).Add(parentFee, change)
	}

	delta := target - gasUsed
	change := new(uint256.Int).Mul(parentFee, uint256.NewInt(delta))
	change.Div(change, uint256.NewInt(uint64(target)))
	change.Div(change, uint256.NewInt(baseFeeChangeDenominator))
	if change.Gt(parentFee) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(parentFee, change)
}

// FeeHistory answers eth_feeHistory: the last blockCount records ending
// at newestBlock (clamped to what's in the window), plus a reward matrix
// holding, for each block and requested percentile p, the effective tip at
// index floor(p/100 * (n-1)) of the block's n tips sorted ascending (no
// interpolation between neighbouring tips).
func (t *Tracker) FeeHistory(blockCount uint64, newestBlock uint64, percentiles []float64) (oldestBlock uint64, baseFees []*uint256.Int, gasUsedRatios []float64, rewards [][]*uint256.Int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var window []BlockRecord
	for _, r := range t.records {
		if r.Number <= newestBlock {
			window = append(window, r)
		}
	}
	if uint64(len(window)) > blockCount {
		window = window[uint64(len(window))-blockCount:]
	}
	if len(window) == 0 {
		return newestBlock + 1, nil, nil, nil
	}

	oldestBlock = window[0].Number
	for _, r := range window {
		baseFees = append(baseFees, new(uint256.Int).Set(r.BaseFee))
		gasUsedRatios = append(gasUsedRatios, r.gasUsedRatio())
		if percentiles != nil {
			rewards = append(rewards, rewardRow(r, percentiles))
		}
	}
	// feeHistory also reports the base fee one block beyond the window,
	// i.e. the fee the next block will actually use.
	baseFees = append(baseFees, new(uint256.Int).Set(t.currentFee))
	return oldestBlock, baseFees, gasUsedRatios, rewards
}

// rewardRow computes one block's reward row: the per-tx effective tip at
// each requested percentile, sorted ascending first. An empty block
// yields zero for every percentile.
func rewardRow(r BlockRecord, percentiles []float64) []*uint256.Int {
	row := make([]*uint256.Int, len(percentiles))
	if len(r.EffectiveTip) == 0 {
		for i := range row {
			row[i] = new(uint256.Int)
		}
		return row
	}
	sorted := make([]*uint256.Int, len(r.EffectiveTip))
	copy(sorted, r.EffectiveTip)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Lt(sorted[j]) })

	for i, p := range percentiles {
		idx := int(p / 100 * float64(len(sorted)-1))
		if idx < 0 {
			idx = 0
		}
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		row[i] = new(uint256.Int).Set(sorted[idx])
	}
	return row
}
