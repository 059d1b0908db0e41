package handle

import (
	"testing"

	"github.com/corcoran/pcscd/internal/ifd"
	"github.com/corcoran/pcscd/internal/ifd/ifdtest"
	"github.com/corcoran/pcscd/internal/pcscerr"
	"github.com/corcoran/pcscd/internal/registry"
)

func newPresentSlot(t *testing.T, name string) (*registry.Slot, *ifdtest.Fake) {
	t.Helper()
	fake := ifdtest.New()
	fake.Present = true
	fake.CardATR = []byte{0x3B, 0x00}
	wrapper := ifd.NewWrapper(fake)
	slot := registry.NewSlotForTesting(name, wrapper)
	// simulate the event worker having already observed insertion
	slot.ForceSetPresentForTesting(ifd.ProtocolT0)
	return slot, fake
}

func TestConnectSharedThenExclusiveFails(t *testing.T) {
	m := NewManager()
	slot, _ := newPresentSlot(t, "Reader A")

	h1, err := m.Connect(1, slot, ShareShared, ifd.ProtocolAny)
	if err != nil {
		t.Fatalf("first connect: %v", err)
	}
	if _, err := m.Connect(2, slot, ShareExclusive, ifd.ProtocolAny); pcscerr.CodeOf(err) != pcscerr.ErrSharingViolation {
		t.Fatalf("expected SHARING_VIOLATION, got %v", err)
	}
	if err := m.Disconnect(h1, Leave); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if _, err := m.Connect(2, slot, ShareExclusive, ifd.ProtocolAny); err != nil {
		t.Fatalf("retry connect after release: %v", err)
	}
}

func TestTransmitWorksAfterConnect(t *testing.T) {
	m := NewManager()
	slot, _ := newPresentSlot(t, "Reader A")

	h, err := m.Connect(1, slot, ShareShared, ifd.ProtocolT0)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	_, resp, err := m.Transmit(h, ifd.ProtocolT0, []byte{0x00, 0xA4, 0x00, 0x00, 0x02, 0x3F, 0x00})
	if err != nil {
		t.Fatalf("transmit: %v", err)
	}
	if len(resp) != 2 || resp[0] != 0x90 || resp[1] != 0x00 {
		t.Fatalf("unexpected response: %x", resp)
	}
}

func TestTransmitRejectsProtocolMismatch(t *testing.T) {
	m := NewManager()
	slot, _ := newPresentSlot(t, "Reader A")

	h, err := m.Connect(1, slot, ShareShared, ifd.ProtocolT0)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	_, _, err = m.Transmit(h, ifd.ProtocolT1, []byte{0x00})
	if pcscerr.CodeOf(err) != pcscerr.ErrProtoMismatch {
		t.Fatalf("expected PROTO_MISMATCH, got %v", err)
	}
}

func TestRemovalThenStickyEventOnTransmit(t *testing.T) {
	m := NewManager()
	slot, _ := newPresentSlot(t, "Reader A")

	h, err := m.Connect(1, slot, ShareShared, ifd.ProtocolT0)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	slot.SimulateRemovalForTesting()

	if _, _, err := m.Transmit(h, ifd.ProtocolT0, []byte{0x00}); pcscerr.CodeOf(err) != pcscerr.WRemovedCard {
		t.Fatalf("expected W_REMOVED_CARD, got %v", err)
	}

	// reconnect clears the sticky bit
	slot.ForceSetPresentForTesting(ifd.ProtocolT0)
	if err := m.Reconnect(h, ShareShared, ifd.ProtocolT0, Reset); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if _, _, err := m.Transmit(h, ifd.ProtocolT0, []byte{0x00}); err != nil {
		t.Fatalf("transmit after reconnect should succeed, got %v", err)
	}
}

func TestTransactionRecursionAndSharingCountInvariant(t *testing.T) {
	m := NewManager()
	slot, _ := newPresentSlot(t, "Reader A")

	h, err := m.Connect(1, slot, ShareShared, ifd.ProtocolT0)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := m.BeginTransaction(h); err != nil {
		t.Fatalf("begin 1: %v", err)
	}
	if err := m.BeginTransaction(h); err != nil {
		t.Fatalf("begin 2: %v", err)
	}
	if _, _, err := m.Transmit(h, ifd.ProtocolT0, []byte{0x00}); err != nil {
		t.Fatalf("transmit under transaction: %v", err)
	}
	if err := m.EndTransaction(h, Leave); err != nil {
		t.Fatalf("end 1: %v", err)
	}
	if err := m.EndTransaction(h, Leave); err != nil {
		t.Fatalf("end 2: %v", err)
	}

	if slot.TransactionLocked() {
		t.Fatalf("expected transaction lock released")
	}
	if slot.SharingCount() != 1 {
		t.Fatalf("sharing count = %d, want 1", slot.SharingCount())
	}
}

func TestTransmitOversizedAPDURejected(t *testing.T) {
	m := NewManager()
	slot, _ := newPresentSlot(t, "Reader A")

	h, err := m.Connect(1, slot, ShareShared, ifd.ProtocolT0)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	big := make([]byte, ifd.DefaultMaxInput+1)
	if _, _, err := m.Transmit(h, ifd.ProtocolT0, big); pcscerr.CodeOf(err) != pcscerr.ErrInsufficientBuffer {
		t.Fatalf("expected INSUFFICIENT_BUFFER, got %v", err)
	}
}

func TestDisconnectUnknownHandleIsInvalid(t *testing.T) {
	m := NewManager()
	if _, err := m.Lookup(0xDEADBEEF); pcscerr.CodeOf(err) != pcscerr.ErrInvalidHandle {
		t.Fatalf("expected INVALID_HANDLE, got %v", err)
	}
}
