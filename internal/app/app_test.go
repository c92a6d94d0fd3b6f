package app

import (
	"testing"
	"time"

	"github.com/hackgods/clinical-scheduling-engine/internal/config"
)

func TestPolicy(t *testing.T) {
	cfg := config.Config{
		CancelNotice:          48 * time.Hour,
		RescheduleNotice:      12 * time.Hour,
		BookingGrace:          2 * time.Hour,
		AllowLateCancellation: false,
		SessionJoinEarly:      5 * time.Minute,
	}

	p := Policy(cfg)
	if p.CancelNotice != 48*time.Hour || p.RescheduleNotice != 12*time.Hour || p.BookingGrace != 2*time.Hour {
		t.Errorf("notice windows = %+v", p)
	}
	if p.AllowLateCancellation {
		t.Error("late cancellation should follow config")
	}
	if p.JoinEarly != 5*time.Minute {
		t.Errorf("join early = %s", p.JoinEarly)
	}
}

func TestCloseRunsInReverse(t *testing.T) {
	var order []int
	a := &App{}
	for i := 0; i < 3; i++ {
		i := i
		a.closers = append(a.closers, func() error { order = append(order, i); return nil })
	}

	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(order) != 3 || order[0] != 2 || order[2] != 0 {
		t.Errorf("close order = %v", order)
	}
	if err := a.Close(); err != nil || len(order) != 3 {
		t.Errorf("second close reran closers: %v", order)
	}
}
