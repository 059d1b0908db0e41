// Package handle is the card-handle manager (C5): connect/reconnect/
// disconnect, the transaction lock, and transmit/control/status, all
// layered on top of a registry.Slot's driver wrapper and sharing state.
package handle

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/corcoran/pcscd/internal/atr"
	"github.com/corcoran/pcscd/internal/ifd"
	"github.com/corcoran/pcscd/internal/metrics"
	"github.com/corcoran/pcscd/internal/pcscerr"
	"github.com/corcoran/pcscd/internal/registry"
)

// ShareMode selects the sharing discipline requested by connect, matching
// SCARD_SHARE_EXCLUSIVE/SHARED/DIRECT.
type ShareMode int

const (
	ShareExclusive ShareMode = iota
	ShareShared
	ShareDirect
)

// Disposition selects the card action applied on disconnect, reconnect,
// or end_transaction, matching SCARD_LEAVE/RESET/UNPOWER/EJECT_CARD.
type Disposition int

const (
	Leave Disposition = iota
	Reset
	Unpower
	Eject
)

// TransactionWait bounds how long begin_transaction blocks on a lock held
// by another handle before failing with SHARING_VIOLATION (spec §4.5's
// "configured wait").
const TransactionWait = 5 * time.Second

// Handle is one open card connection (spec.md §3's CardHandle).
type Handle struct {
	ID             uint32
	ContextID      uint32
	Slot           *registry.Slot
	Mode           ShareMode
	ActiveProtocol ifd.Protocol
	exclusive      bool
}

// Manager owns the live handle table. One instance is shared by every
// client session, since handles are addressed by a process-wide id on the
// wire.
type Manager struct {
	mu      sync.RWMutex
	handles map[uint32]*Handle
	metrics *metrics.Metrics
}

// NewManager creates an empty handle table.
func NewManager() *Manager {
	return &Manager{handles: make(map[uint32]*Handle)}
}

// SetMetrics attaches m; a nil m (the default) makes every call a no-op.
func (m *Manager) SetMetrics(metrics *metrics.Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = metrics
}

// Connect opens a new handle on slot under mode, negotiating
// preferredProtocols against the card's available protocols from the
// slot's published ATR, per spec §4.5.
func (m *Manager) Connect(ctxID uint32, slot *registry.Slot, mode ShareMode, preferred ifd.Protocol) (*Handle, error) {
	view := slot.View()
	if view.Presence != registry.PresencePresent && mode != ShareDirect {
		return nil, pcscerr.New(pcscerr.ErrNoSmartcard)
	}

	if !acquireMode(slot, mode) {
		return nil, pcscerr.New(pcscerr.ErrSharingViolation)
	}

	var active ifd.Protocol
	if mode != ShareDirect {
		negotiated, err := negotiateProtocol(slot, availableProtocols(view), preferred, 0)
		if err != nil {
			slot.Release(mode == ShareExclusive)
			return nil, err
		}
		active = negotiated
	}

	id, err := m.allocID()
	if err != nil {
		slot.Release(mode == ShareExclusive)
		return nil, err
	}

	h := &Handle{
		ID:             id,
		ContextID:      ctxID,
		Slot:           slot,
		Mode:           mode,
		ActiveProtocol: active,
		exclusive:      mode == ShareExclusive,
	}

	m.mu.Lock()
	m.handles[id] = h
	count := len(m.handles)
	m.mu.Unlock()

	slot.RegisterHandle(id)
	m.metrics.SetHandlesOpen(count)

	log.Debug().Uint32("handle", id).Str("reader", slot.Name).Msg("handle: connected")
	return h, nil
}

// acquireMode claims slot's sharing count for mode, returning false if the
// claim is refused (another handle holds it exclusively, or exclusively
// requested while anyone else holds it at all).
func acquireMode(slot *registry.Slot, mode ShareMode) bool {
	switch mode {
	case ShareExclusive:
		return slot.TryExclusive()
	case ShareShared:
		return slot.TryShared()
	case ShareDirect:
		return slot.JoinDirect()
	default:
		return false
	}
}

// negotiateProtocol picks the active protocol: preferred's intersection
// with the card's available protocols (ifd.ProtocolAny matches either
// T0/T1). An empty intersection is PROTO_MISMATCH. current is the card's
// already-active protocol (0 on a fresh connect, which always
// negotiates); per spec §4.5 step 5, if current is already in preferred
// it is kept without calling the driver.
func negotiateProtocol(slot *registry.Slot, available, preferred, current ifd.Protocol) (ifd.Protocol, error) {
	if preferred == 0 || preferred == ifd.ProtocolAny {
		preferred = ifd.ProtocolT0 | ifd.ProtocolT1 | ifd.ProtocolRaw
	}
	if current != 0 && current&preferred != 0 {
		return current, nil
	}
	candidate := available & preferred
	if candidate == 0 {
		return 0, pcscerr.New(pcscerr.ErrProtoMismatch)
	}
	negotiated, err := slot.Driver().SetProtocolParameters(slot.Index, candidate)
	if err != nil {
		return 0, pcscerr.Wrap(pcscerr.ErrProtoMismatch, err)
	}
	return negotiated, nil
}

// availableProtocols returns the protocols the card in v offers: its
// current protocol plus every protocol listed in its published ATR.
func availableProtocols(v registry.View) ifd.Protocol {
	available := ifd.Protocol(v.Protocol)
	if decoded, err := atr.Decode(v.ATR); err == nil {
		available |= ifd.Protocol(decoded.AvailableProtocols)
	}
	return available
}

// Lookup resolves a wire handle id, returning INVALID_HANDLE for an
// unknown id. It does not look at the sticky reset/removed bits: transmit,
// control, begin_transaction and get/set attrib check them through
// checkSticky (observing without clearing), and reconnect clears them.
func (m *Manager) Lookup(id uint32) (*Handle, error) {
	m.mu.RLock()
	h, ok := m.handles[id]
	m.mu.RUnlock()
	if !ok {
		return nil, pcscerr.New(pcscerr.ErrInvalidHandle)
	}
	return h, nil
}

func (m *Manager) checkSticky(h *Handle) error {
	bits := h.Slot.PeekHandleEvent(h.ID)
	switch {
	case bits&registry.StateRemoved != 0:
		return pcscerr.New(pcscerr.WRemovedCard)
	case bits&registry.StateReset != 0:
		return pcscerr.New(pcscerr.WResetCard)
	}
	return nil
}

// Reconnect renegotiates sharing/protocol on an existing handle and
// clears its sticky event bits, per spec §4.5.
func (m *Manager) Reconnect(h *Handle, mode ShareMode, preferred ifd.Protocol, init Disposition) error {
	if mode != h.Mode {
		oldMode, oldExclusive := h.Mode, h.exclusive
		h.Slot.Release(oldExclusive)

		if !acquireMode(h.Slot, mode) {
			// Restore the claim this handle held before the attempted
			// switch so sharing_count still matches the true number of
			// open handles on this slot.
			acquireMode(h.Slot, oldMode)
			return pcscerr.New(pcscerr.ErrSharingViolation)
		}
		h.Mode = mode
		h.exclusive = mode == ShareExclusive
	}

	if err := applyDisposition(h, init); err != nil {
		return err
	}

	if mode != ShareDirect {
		view := h.Slot.View()
		active, err := negotiateProtocol(h.Slot, availableProtocols(view), preferred, h.ActiveProtocol)
		if err != nil {
			return err
		}
		h.ActiveProtocol = active
	}

	h.Slot.ConsumeHandleEvent(h.ID)
	log.Debug().Uint32("handle", h.ID).Msg("handle: reconnected")
	return nil
}

// Disconnect releases the transaction lock if held, adjusts the sharing
// count, applies disposition, and destroys the handle.
func (m *Manager) Disconnect(h *Handle, disposition Disposition) error {
	h.Slot.ForceReleaseTransaction(h.ID)

	if err := applyDisposition(h, disposition); err != nil {
		log.Warn().Err(err).Uint32("handle", h.ID).Msg("handle: disposition failed during disconnect")
	}

	h.Slot.Release(h.exclusive)
	h.Slot.UnregisterHandle(h.ID)

	m.mu.Lock()
	delete(m.handles, h.ID)
	count := len(m.handles)
	m.mu.Unlock()
	m.metrics.SetHandlesOpen(count)

	log.Debug().Uint32("handle", h.ID).Msg("handle: disconnected")
	return nil
}

// DisconnectAll is used by session cleanup (C6): it disconnects every
// handle in ids with Leave, swallowing per-handle errors since the owning
// context is going away regardless.
func (m *Manager) DisconnectAll(ids []uint32) {
	for _, id := range ids {
		h, err := m.Lookup(id)
		if err != nil {
			continue
		}
		_ = m.Disconnect(h, Leave)
	}
}

func applyDisposition(h *Handle, d Disposition) error {
	switch d {
	case Leave:
		return nil
	case Reset:
		_, err := h.Slot.Driver().Power(h.Slot.Index, ifd.PowerReset)
		h.Slot.RecordReset()
		return err
	case Unpower:
		_, err := h.Slot.Driver().Power(h.Slot.Index, ifd.PowerDown)
		h.Slot.RecordReset()
		return err
	case Eject:
		ifd.SendEject(h.Slot.Driver(), h.Slot.Index)
		return nil
	}
	return nil
}

// BeginTransaction acquires the slot's transaction lock on behalf of h,
// reentrant for the same handle, bounded by TransactionWait.
func (m *Manager) BeginTransaction(h *Handle) error {
	if err := m.checkSticky(h); err != nil {
		return err
	}
	if !h.Slot.BeginTransaction(h.ID, TransactionWait) {
		return pcscerr.New(pcscerr.ErrSharingViolation)
	}
	return nil
}

// EndTransaction decrements the recursive depth, applying disposition
// only once the lock is actually released (depth reaches 0).
func (m *Manager) EndTransaction(h *Handle, disposition Disposition) error {
	released := h.Slot.EndTransaction(h.ID)
	if released && disposition != Leave {
		return applyDisposition(h, disposition)
	}
	return nil
}

// Transmit validates the requested PCI against the handle's active
// protocol and the driver's MAXINPUT, then forwards to the slot's driver
// wrapper, per spec §4.5.
func (m *Manager) Transmit(h *Handle, sendProtocol ifd.Protocol, apdu []byte) (ifd.Protocol, []byte, error) {
	if err := m.checkSticky(h); err != nil {
		return 0, nil, err
	}
	if sendProtocol != ifd.ProtocolAny && sendProtocol != 0 && sendProtocol != h.ActiveProtocol {
		return 0, nil, pcscerr.New(pcscerr.ErrProtoMismatch)
	}
	if h.Slot.TransactionLocked() && !h.Slot.HoldsTransaction(h.ID) {
		return 0, nil, pcscerr.New(pcscerr.ErrSharingViolation)
	}

	maxInput := ifd.DefaultMaxInput
	if raw, err := h.Slot.Driver().GetCapability(h.Slot.Index, maxInputTag); err == nil && len(raw) >= 4 {
		maxInput = int(binary.LittleEndian.Uint32(raw))
	}
	if len(apdu) > maxInput {
		return 0, nil, pcscerr.New(pcscerr.ErrInsufficientBuffer)
	}

	start := time.Now()
	recvPCI, resp, err := h.Slot.Driver().Transmit(h.Slot.Index, ifd.PCI{Protocol: h.ActiveProtocol}, apdu)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.metrics.RecordTransmit(outcome, time.Since(start).Seconds())
	if err != nil {
		return 0, nil, pcscerr.Wrap(pcscerr.ErrNotTransacted, err)
	}
	return recvPCI.Protocol, resp, nil
}

// maxInputTag is not part of the standard TAG_IFD_* set probed at driver
// load; it models a vendor MAXINPUT capability tag some drivers expose.
const maxInputTag = ifd.Capability(0x0FAE0003)

// Control forwards a vendor escape command, bypassing protocol checks
// (the ioctl is not a card transmit) but still honoring the sticky event
// bits and the transaction lock.
func (m *Manager) Control(h *Handle, ioctl uint32, in []byte) ([]byte, error) {
	if err := m.checkSticky(h); err != nil {
		return nil, err
	}
	if h.Slot.TransactionLocked() && !h.Slot.HoldsTransaction(h.ID) {
		return nil, pcscerr.New(pcscerr.ErrSharingViolation)
	}
	out, err := h.Slot.Driver().Control(h.Slot.Index, ioctl, in)
	if err != nil {
		return nil, pcscerr.Wrap(pcscerr.ErrNotTransacted, err)
	}
	return out, nil
}

// Status reports the handle's view of its slot plus any pending sticky
// bit, without clearing it (spec §4.5's "any other call leaves it
// pending until acknowledged").
func (m *Manager) Status(h *Handle) (registry.View, registry.StateFlag) {
	return h.Slot.View(), h.Slot.PeekHandleEvent(h.ID)
}

// GetAttrib reads attribute tag from the slot's driver, per SCardGetAttrib.
func (m *Manager) GetAttrib(h *Handle, tag ifd.Capability) ([]byte, error) {
	if err := m.checkSticky(h); err != nil {
		return nil, err
	}
	if h.Slot.TransactionLocked() && !h.Slot.HoldsTransaction(h.ID) {
		return nil, pcscerr.New(pcscerr.ErrSharingViolation)
	}
	out, err := h.Slot.Driver().GetCapability(h.Slot.Index, tag)
	if err != nil {
		return nil, pcscerr.Wrap(pcscerr.ErrNotTransacted, err)
	}
	return out, nil
}

// SetAttrib writes attribute tag on the slot's driver, per SCardSetAttrib.
func (m *Manager) SetAttrib(h *Handle, tag ifd.Capability, value []byte) error {
	if err := m.checkSticky(h); err != nil {
		return err
	}
	if h.Slot.TransactionLocked() && !h.Slot.HoldsTransaction(h.ID) {
		return pcscerr.New(pcscerr.ErrSharingViolation)
	}
	if err := h.Slot.Driver().SetCapability(h.Slot.Index, tag, value); err != nil {
		return pcscerr.Wrap(pcscerr.ErrNotTransacted, err)
	}
	return nil
}

// allocID draws a random nonzero 32-bit id and retries on collision, per
// spec §9's resolution of the handle-id allocation Open Question: random
// rather than a monotonic counter, so a stale id from a previous daemon
// generation can never alias a live handle.
func (m *Manager) allocID() (uint32, error) {
	var buf [4]byte
	for attempt := 0; attempt < 32; attempt++ {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, pcscerr.Wrap(pcscerr.ErrInternalError, err)
		}
		id := binary.LittleEndian.Uint32(buf[:])
		if id == 0 {
			continue
		}
		m.mu.RLock()
		_, exists := m.handles[id]
		m.mu.RUnlock()
		if !exists {
			return id, nil
		}
	}
	return 0, pcscerr.New(pcscerr.ErrNoMemory)
}
