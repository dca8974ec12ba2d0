package clock

import (
	"context"
	"testing"
	"time"
)

func TestFake_AdvanceReleasesSleepers(t *testing.T) {
	clk := NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	done := make(chan error, 1)
	go func() {
		done <- clk.Sleep(context.Background(), time.Minute)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for clk.Sleepers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("sleeper never registered")
		}
		time.Sleep(time.Millisecond)
	}

	// Short of the deadline nothing wakes up.
	clk.Advance(30 * time.Second)
	select {
	case err := <-done:
		t.Fatalf("woke early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	clk.Advance(30 * time.Second)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Sleep = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sleeper not released at deadline")
	}
	if clk.Sleepers() != 0 {
		t.Errorf("Sleepers = %d after release", clk.Sleepers())
	}
}

func TestFake_SleepCancelled(t *testing.T) {
	clk := NewFake(time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := clk.Sleep(ctx, time.Hour); err == nil {
		t.Error("cancelled sleep should return the context error")
	}
}

func TestFake_NowTracksAdvance(t *testing.T) {
	start := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	clk := NewFake(start)
	clk.Advance(90 * time.Minute)
	if got := clk.Now(); !got.Equal(start.Add(90 * time.Minute)) {
		t.Errorf("Now = %v", got)
	}
}

func TestSystem_SleepZeroReturnsImmediately(t *testing.T) {
	var clk System
	if err := clk.Sleep(context.Background(), 0); err != nil {
		t.Errorf("Sleep(0) = %v", err)
	}
}
