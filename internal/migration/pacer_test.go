package migration

import (
	"testing"
	"time"
)

func TestAdaptivePacerSpeedsUpOnFastSuccess(t *testing.T) {
	p := newAdaptivePacer()
	start := p.interval
	p.onSuccess(10 * time.Millisecond)
	if p.interval >= start {
		t.Fatalf("expected interval to shrink after a fast batch, got %v (was %v)", p.interval, start)
	}
	if p.consecutiveFailures != 0 {
		t.Fatalf("expected consecutiveFailures reset, got %d", p.consecutiveFailures)
	}
}

func TestAdaptivePacerHoldsIntervalOnSlowSuccess(t *testing.T) {
	p := newAdaptivePacer()
	start := p.interval
	p.onSuccess(start) // not faster than half the interval
	if p.interval != start {
		t.Fatalf("expected interval unchanged for a non-fast batch, got %v (was %v)", p.interval, start)
	}
}

func TestAdaptivePacerBacksOffOnFailure(t *testing.T) {
	p := newAdaptivePacer()
	p.onFailure()
	if p.consecutiveFailures != 1 {
		t.Fatalf("expected consecutiveFailures=1, got %d", p.consecutiveFailures)
	}
	if p.interval != initialInterval*2 {
		t.Fatalf("expected interval doubled, got %v", p.interval)
	}
	p.onFailure()
	if p.interval != initialInterval*4 {
		t.Fatalf("expected interval quadrupled on second consecutive failure, got %v", p.interval)
	}
}

func TestAdaptivePacerClampsToBounds(t *testing.T) {
	p := newAdaptivePacer()
	for i := 0; i < 10; i++ {
		p.onFailure()
	}
	if p.interval != maxInterval {
		t.Fatalf("expected interval clamped to max %v, got %v", maxInterval, p.interval)
	}

	p2 := &adaptivePacer{interval: minInterval}
	p2.onSuccess(0)
	if p2.interval != minInterval {
		t.Fatalf("expected interval clamped to min %v, got %v", minInterval, p2.interval)
	}
}
