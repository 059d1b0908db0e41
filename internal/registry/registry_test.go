package registry

import (
	"context"
	"testing"
	"time"
)

func newTestSlot(name string) *Slot {
	s := newSlot(name, "test://0", 0, 0, "", nil)
	return s
}

func TestViewEventMaskTransitions(t *testing.T) {
	s := newTestSlot("Test Reader 00 00")

	v := s.View()
	if v.EventMask() != StateUnknown {
		t.Fatalf("initial mask = %#x, want StateUnknown", v.EventMask())
	}

	s.mutateView(func(v *View) { v.Presence = PresenceAbsent })
	if m := s.View().EventMask(); m != StateEmpty {
		t.Fatalf("absent mask = %#x, want StateEmpty", m)
	}

	s.mutateView(func(v *View) {
		v.Presence = PresencePresent
		v.ATR = []byte{0x3B, 0x00}
	})
	if m := s.View().EventMask(); m != StatePresent {
		t.Fatalf("present mask = %#x, want StatePresent", m)
	}

	if !s.TryExclusive() {
		t.Fatalf("expected TryExclusive to succeed on a free slot")
	}
	if m := s.View().EventMask(); m != StatePresent|StateExclusive {
		t.Fatalf("exclusive mask = %#x, want StatePresent|StateExclusive", m)
	}
}

func TestSharingCountRejectsConflicts(t *testing.T) {
	s := newTestSlot("Test Reader 00 00")

	if !s.TryExclusive() {
		t.Fatalf("first TryExclusive should succeed")
	}
	if s.TryShared() {
		t.Fatalf("TryShared should fail while held exclusively")
	}
	s.Release(true)

	if !s.TryShared() {
		t.Fatalf("TryShared should succeed on a free slot")
	}
	if !s.TryShared() {
		t.Fatalf("a second TryShared should succeed")
	}
	if s.TryExclusive() {
		t.Fatalf("TryExclusive should fail while shared")
	}
	if s.SharingCount() != 2 {
		t.Fatalf("sharing count = %d, want 2", s.SharingCount())
	}
}

func TestTransactionLockIsRecursiveForHolder(t *testing.T) {
	s := newTestSlot("Test Reader 00 00")

	if !s.BeginTransaction(1, time.Second) {
		t.Fatalf("BeginTransaction should succeed uncontended")
	}
	if !s.BeginTransaction(1, time.Second) {
		t.Fatalf("same handle should be able to re-enter")
	}
	if s.EndTransaction(1) {
		t.Fatalf("first EndTransaction should only decrement, not release")
	}
	if !s.HoldsTransaction(1) {
		t.Fatalf("handle 1 should still hold the lock")
	}
	if !s.EndTransaction(1) {
		t.Fatalf("second EndTransaction should release")
	}
	if s.TransactionLocked() {
		t.Fatalf("lock should be free after matching EndTransaction calls")
	}
}

func TestTransactionLockTimesOutForOtherHandle(t *testing.T) {
	s := newTestSlot("Test Reader 00 00")

	if !s.BeginTransaction(1, time.Second) {
		t.Fatalf("BeginTransaction should succeed uncontended")
	}
	start := time.Now()
	if s.BeginTransaction(2, 50*time.Millisecond) {
		t.Fatalf("BeginTransaction by a different handle should fail while locked")
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("BeginTransaction returned too early: %v", elapsed)
	}
}

func TestStickyHandleEventsAreConsumedOnce(t *testing.T) {
	s := newTestSlot("Test Reader 00 00")
	s.RegisterHandle(7)

	s.setHandleEventAll(StateRemoved)
	if bits := s.PeekHandleEvent(7); bits&StateRemoved == 0 {
		t.Fatalf("expected StateRemoved to be set")
	}
	if bits := s.PeekHandleEvent(7); bits&StateRemoved == 0 {
		t.Fatalf("PeekHandleEvent should not clear the bit")
	}
	if bits := s.ConsumeHandleEvent(7); bits&StateRemoved == 0 {
		t.Fatalf("ConsumeHandleEvent should still see the bit")
	}
	if bits := s.ConsumeHandleEvent(7); bits != 0 {
		t.Fatalf("bits should be cleared after ConsumeHandleEvent, got %#x", bits)
	}
}

func TestRegistryUniqueNameSuffixing(t *testing.T) {
	r := New()
	r.slots["Reader"] = newTestSlot("Reader")

	got := r.uniqueName("Reader", 0, 1)
	if got != "Reader (1)" {
		t.Fatalf("uniqueName = %q, want %q", got, "Reader (1)")
	}

	got2 := r.uniqueName("Other", 1, 2)
	if got2 != "Other 01" {
		t.Fatalf("uniqueName = %q, want %q", got2, "Other 01")
	}
}

func TestWaitForChangeReturnsImmediatelyOnDifference(t *testing.T) {
	r := New()
	s := newTestSlot("R1")
	s.mutateView(func(v *View) { v.Presence = PresenceAbsent })
	r.slots["R1"] = s

	results, err := r.WaitForChange(context.Background(), []StatusQuery{{ReaderName: "R1", CurrentState: StateUnaware}}, time.Second)
	if err != nil {
		t.Fatalf("WaitForChange: %v", err)
	}
	if len(results) != 1 || results[0].EventState&StateChanged == 0 {
		t.Fatalf("expected StateChanged set, got %+v", results)
	}
}

func TestWaitForChangeBlocksUntilMutation(t *testing.T) {
	r := New()
	s := newTestSlot("R1")
	s.mutateView(func(v *View) { v.Presence = PresenceAbsent })
	r.slots["R1"] = s

	initial, _ := r.WaitForChange(context.Background(), []StatusQuery{{ReaderName: "R1", CurrentState: StateUnaware}}, time.Second)
	baseline := initial[0].EventState &^ StateChanged

	done := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		s.mutateView(func(v *View) { v.Presence = PresencePresent })
		close(done)
	}()

	results, err := r.WaitForChange(context.Background(), []StatusQuery{{ReaderName: "R1", CurrentState: baseline}}, 2*time.Second)
	<-done
	if err != nil {
		t.Fatalf("WaitForChange: %v", err)
	}
	if results[0].EventState&StatePresent == 0 {
		t.Fatalf("expected StatePresent after insertion, got %+v", results[0])
	}
}

func TestWaitForChangeTimesOut(t *testing.T) {
	r := New()
	s := newTestSlot("R1")
	s.mutateView(func(v *View) { v.Presence = PresenceAbsent })
	r.slots["R1"] = s

	current := s.View().EventMask()
	_, err := r.WaitForChange(context.Background(), []StatusQuery{{ReaderName: "R1", CurrentState: current}}, 30*time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestWaitForChangeCancelled(t *testing.T) {
	r := New()
	s := newTestSlot("R1")
	s.mutateView(func(v *View) { v.Presence = PresenceAbsent })
	r.slots["R1"] = s

	ctx, cancel := context.WithCancel(context.Background())
	current := s.View().EventMask()

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := r.WaitForChange(ctx, []StatusQuery{{ReaderName: "R1", CurrentState: current}}, time.Minute)
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestWaitForChangeUnknownReader(t *testing.T) {
	r := New()
	_, err := r.WaitForChange(context.Background(), []StatusQuery{{ReaderName: "Nope"}}, time.Second)
	if err == nil {
		t.Fatalf("expected error for unknown reader")
	}
}
