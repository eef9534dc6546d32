package actor

import (
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, deadline time.Duration, condition func() bool) {
	t.Helper()
	timeout := time.After(deadline)
	for {
		if condition() {
			return
		}
		select {
		case <-timeout:
			t.Fatalf("condition not met within %v", deadline)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestAlarmFiresOnce(t *testing.T) {
	scheduler := NewAlarmScheduler(time.Now)
	defer scheduler.Stop()

	var fired atomic.Int32
	err := scheduler.Set("doc", "project-1", time.Now().Add(10*time.Millisecond), func() {
		fired.Add(1)
	})
	if err != nil {
		t.Fatalf("set failed: %v", err)
	}

	waitFor(t, time.Second, func() bool { return fired.Load() == 1 })

	// The fired alarm removed itself.
	if _, ok := scheduler.Get("doc", "project-1"); ok {
		t.Fatalf("expected no pending alarm after firing")
	}
}

func TestSetReplacesPendingAlarm(t *testing.T) {
	scheduler := NewAlarmScheduler(time.Now)
	defer scheduler.Stop()

	var stale atomic.Int32
	var fresh atomic.Int32

	if err := scheduler.Set("doc", "project-1", time.Now().Add(20*time.Millisecond), func() { stale.Add(1) }); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := scheduler.Set("doc", "project-1", time.Now().Add(30*time.Millisecond), func() { fresh.Add(1) }); err != nil {
		t.Fatalf("replacing set failed: %v", err)
	}

	waitFor(t, time.Second, func() bool { return fresh.Load() == 1 })
	if stale.Load() != 0 {
		t.Fatalf("replaced alarm still fired")
	}
}

func TestPastAlarmFiresImmediately(t *testing.T) {
	scheduler := NewAlarmScheduler(time.Now)
	defer scheduler.Stop()

	var fired atomic.Int32
	if err := scheduler.Set("doc", "project-1", time.Now().Add(-time.Minute), func() { fired.Add(1) }); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return fired.Load() == 1 })
}

func TestClearCancelsPendingAlarm(t *testing.T) {
	scheduler := NewAlarmScheduler(time.Now)
	defer scheduler.Stop()

	var fired atomic.Int32
	if err := scheduler.Set("doc", "project-1", time.Now().Add(30*time.Millisecond), func() { fired.Add(1) }); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	scheduler.Clear("doc", "project-1")

	time.Sleep(60 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("cleared alarm fired anyway")
	}
	if _, ok := scheduler.Get("doc", "project-1"); ok {
		t.Fatalf("expected no pending alarm after clear")
	}
}

func TestGetReportsPendingTime(t *testing.T) {
	scheduler := NewAlarmScheduler(time.Now)
	defer scheduler.Stop()

	at := time.Now().Add(time.Hour)
	if err := scheduler.Set("presence", "user-1", at, func() {}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	pending, ok := scheduler.Get("presence", "user-1")
	if !ok {
		t.Fatalf("expected pending alarm")
	}
	if !pending.Equal(at) {
		t.Fatalf("expected %v, got %v", at, pending)
	}
}
