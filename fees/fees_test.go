package fees

import (
	"testing"

	"github.com/holiman/uint256"
)

func TestBaseFeeUnchangedAtTarget(t *testing.T) {
	tr := New(uint256.NewInt(1000))
	tr.Observe(1, 15_000_000, 30_000_000, nil) // exactly half -> target
	if tr.CurrentBaseFee().Uint64() != 1000 {
		t.Errorf("base fee = %d, want unchanged 1000 at exactly target usage", tr.CurrentBaseFee().Uint64())
	}
}

func TestBaseFeeRisesAboveTarget(t *testing.T) {
	tr := New(uint256.NewInt(1000))
	tr.Observe(1, 30_000_000, 30_000_000, nil) // full block -> double the target
	if tr.CurrentBaseFee().Uint64() <= 1000 {
		t.Errorf("base fee = %d, want an increase above 1000 for a full block", tr.CurrentBaseFee().Uint64())
	}
}

func TestBaseFeeFallsBelowTarget(t *testing.T) {
	tr := New(uint256.NewInt(1000))
	tr.Observe(1, 0, 30_000_000, nil) // empty block
	if tr.CurrentBaseFee().Uint64() >= 1000 {
		t.Errorf("base fee = %d, want a decrease below 1000 for an empty block", tr.CurrentBaseFee().Uint64())
	}
}

func TestFeeHistoryWindowAndRewardPercentiles(t *testing.T) {
	tr := New(uint256.NewInt(1000))
	tr.Observe(1, 15_000_000, 30_000_000, []*uint256.Int{uint256.NewInt(10), uint256.NewInt(30), uint256.NewInt(20)})
	tr.Observe(2, 15_000_000, 30_000_000, nil)

	oldest, baseFees, ratios, rewards := tr.FeeHistory(2, 2, []float64{0, 50, 100})
	if oldest != 1 {
		t.Errorf("oldestBlock = %d, want 1", oldest)
	}
	if len(baseFees) != 3 { // 2 blocks + the next block's projected fee
		t.Errorf("expected 3 base fees (2 blocks + next), got %d", len(baseFees))
	}
	if len(ratios) != 2 {
		t.Errorf("expected 2 gas-used ratios, got %d", len(ratios))
	}
	if len(rewards) != 2 || len(rewards[0]) != 3 {
		t.Fatalf("unexpected reward matrix shape: %+v", rewards)
	}
	if rewards[0][0].Uint64() != 10 {
		t.Errorf("0th percentile reward = %d, want the minimum tip 10", rewards[0][0].Uint64())
	}
	if rewards[0][2].Uint64() != 30 {
		t.Errorf("100th percentile reward = %d, want the maximum tip 30", rewards[0][2].Uint64())
	}
	// Block 2 was empty: every percentile must read back as zero.
	for _, v := range rewards[1] {
		if !v.IsZero() {
			t.Errorf("expected zero reward for an empty block, got %d", v.Uint64())
		}
	}
}

func TestFeeHistoryClampsToAvailableWindow(t *testing.T) {
	tr := New(uint256.NewInt(1000))
	tr.Observe(1, 15_000_000, 30_000_000, nil)

	oldest, baseFees, _, _ := tr.FeeHistory(100, 1, nil)
	if oldest != 1 {
		t.Errorf("oldestBlock = %d, want 1 (clamped to what's available)", oldest)
	}
	if len(baseFees) != 2 {
		t.Errorf("expected 2 base fees (1 block + next), got %d", len(baseFees))
	}
}
