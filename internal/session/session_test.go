package session

import (
	"testing"
	"time"

	"github.com/corcoran/pcscd/internal/handle"
	"github.com/corcoran/pcscd/internal/ifd"
	"github.com/corcoran/pcscd/internal/ifd/ifdtest"
	"github.com/corcoran/pcscd/internal/pcscerr"
	"github.com/corcoran/pcscd/internal/registry"
)

func newPresentSlot(name string) *registry.Slot {
	fake := ifdtest.New()
	fake.Present = true
	fake.CardATR = []byte{0x3B, 0x00}
	wrapper := ifd.NewWrapper(fake)
	slot := registry.NewSlotForTesting(name, wrapper)
	slot.ForceSetPresentForTesting(ifd.ProtocolT0)
	return slot
}

func TestEstablishAndReleaseCascadesHandles(t *testing.T) {
	hm := handle.NewManager()
	sm := NewManager(hm)
	slot := newPresentSlot("Reader A")

	ctx, err := sm.Establish()
	if err != nil {
		t.Fatalf("establish: %v", err)
	}

	h, err := hm.Connect(ctx.ID, slot, handle.ShareExclusive, ifd.ProtocolAny)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	sm.TrackHandle(ctx, h.ID)

	if err := sm.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}

	if _, err := hm.Lookup(h.ID); pcscerr.CodeOf(err) != pcscerr.ErrInvalidHandle {
		t.Fatalf("expected handle to be cascaded-disconnected, got %v", err)
	}
	if slot.SharingCount() != 0 {
		t.Fatalf("sharing count = %d, want 0 after cascade", slot.SharingCount())
	}
	if _, err := sm.Lookup(ctx.ID); pcscerr.CodeOf(err) != pcscerr.ErrInvalidHandle {
		t.Fatalf("expected context to be gone after release")
	}
}

func TestCancelWakesBlockedWait(t *testing.T) {
	hm := handle.NewManager()
	sm := NewManager(hm)

	ctx, err := sm.Establish()
	if err != nil {
		t.Fatalf("establish: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		<-ctx.CancelContext().Done()
		done <- ctx.CancelContext().Err()
	}()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = sm.Cancel(ctx)
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected a cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatalf("cancel did not wake the blocked waiter in time")
	}
}

func TestClientDisconnectedReleasesAllContexts(t *testing.T) {
	hm := handle.NewManager()
	sm := NewManager(hm)

	c1, _ := sm.Establish()
	c2, _ := sm.Establish()

	sm.ClientDisconnected([]uint32{c1.ID, c2.ID})

	if _, err := sm.Lookup(c1.ID); err == nil {
		t.Fatalf("expected c1 to be released")
	}
	if _, err := sm.Lookup(c2.ID); err == nil {
		t.Fatalf("expected c2 to be released")
	}
}
