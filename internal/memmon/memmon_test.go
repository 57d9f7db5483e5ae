package memmon

import (
	"testing"
	"time"

	"github.com/agentfront/enclave/internal/protocol"
)

func TestExceedsAtExactlyThreshold(t *testing.T) {
	m := New(1000)
	m.Record("slot-1", protocol.ResourceUsage{RSS: 1000})
	if m.Exceeds("slot-1") {
		t.Error("exactly at the limit should not be flagged as exceeding")
	}
}

func TestExceedsOneByteOver(t *testing.T) {
	m := New(1000)
	m.Record("slot-1", protocol.ResourceUsage{RSS: 1001})
	if !m.Exceeds("slot-1") {
		t.Error("one byte over the limit should be flagged as exceeding")
	}
}

func TestUnknownSlotDoesNotExceed(t *testing.T) {
	m := New(1000)
	if m.Exceeds("never-recorded") {
		t.Error("a slot with no sample should never be flagged")
	}
}

func TestAggregatePeakAndAverage(t *testing.T) {
	m := New(1000)
	m.Record("a", protocol.ResourceUsage{RSS: 100})
	m.Record("b", protocol.ResourceUsage{RSS: 300})
	m.Record("a", protocol.ResourceUsage{RSS: 200})

	agg := m.Aggregate()
	if agg.PeakRSSBytes != 300 {
		t.Errorf("expected peak 300, got %d", agg.PeakRSSBytes)
	}
	expectedAvg := (100 + 300 + 200) / 3
	if agg.AvgRSSBytes != int64(expectedAvg) {
		t.Errorf("expected avg %d, got %d", expectedAvg, agg.AvgRSSBytes)
	}
}

func TestForgetRemovesSample(t *testing.T) {
	m := New(1000)
	m.Record("slot-1", protocol.ResourceUsage{RSS: 2000})
	m.Forget("slot-1")
	if m.Exceeds("slot-1") {
		t.Error("forgotten slot should no longer be tracked")
	}
}

func TestTickerInvokesOnCheck(t *testing.T) {
	hits := make(chan struct{}, 4)
	tk := NewTicker(5*time.Millisecond, func() {
		select {
		case hits <- struct{}{}:
		default:
		}
	})
	defer tk.Stop()

	select {
	case <-hits:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("ticker never fired")
	}
}
