// Package ifd is the driver-wrapper layer: a thin, serialized façade over
// the two supported driver ABI generations (IFDHandler v2 and v3) that
// every core daemon operation funnels through.
package ifd

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/corcoran/pcscd/internal/pcscerr"
)

// Generation identifies which IFDHandler ABI a loaded driver implements.
type Generation int

const (
	GenerationUnknown Generation = iota
	GenerationV1                 // legacy IO_Create_Channel only, reduced functionality
	GenerationV2                 // IFDHCreateChannel
	GenerationV3                 // IFDHCreateChannelByName + IFDHControl
)

// PowerAction selects the operation for Power.
type PowerAction int

const (
	PowerUp PowerAction = iota
	PowerDown
	PowerReset
)

// Presence is the result of a presence probe.
type Presence int

const (
	PresenceUnknown Presence = iota
	PresenceAbsent
	PresencePresent
	PresenceMute
	PresenceUnresponsive
)

// Capability tags understood by GetCapability/SetCapability, named after
// the IFDHandler TAG_IFD_* constants.
type Capability uint32

const (
	TagIFDSlotsNumber              Capability = 0x0FAE0001
	TagIFDSimultaneousAccess       Capability = 0x0FAE0002
	TagIFDPollingThread            Capability = 0x0FAE0004
	TagIFDPollingThreadWithTimeout Capability = 0x0FAE0008
)

const (
	// DefaultMaxInput is the MAXINPUT capability value used when a driver
	// does not advertise one.
	DefaultMaxInput = 261
)

// PCI carries the protocol identifier accompanying a transmit, mirroring
// SCARD_IO_REQUEST.
type PCI struct {
	Protocol Protocol
}

// Protocol identifies the active card protocol for a transmit/connect.
type Protocol uint32

const (
	ProtocolUndefined Protocol = 0
	ProtocolT0        Protocol = 1 << 0
	ProtocolT1        Protocol = 1 << 1
	ProtocolRaw       Protocol = 1 << 2
	ProtocolAny       Protocol = ProtocolT0 | ProtocolT1
)

// Has reports whether bit is set in p.
func (p Protocol) Has(bit Protocol) bool { return p&bit != 0 }

// Driver is the normalized interface the rest of the daemon programs
// against, regardless of which ABI generation the backing shared object
// implements.
type Driver interface {
	// OpenChannel opens slot addressed either by a numeric channel id or
	// a device URI, depending on what the probed generation supports.
	OpenChannel(slot int, channelOrURI string) error
	CloseChannel(slot int) error
	GetCapability(slot int, tag Capability) ([]byte, error)
	SetCapability(slot int, tag Capability, value []byte) error
	SetProtocolParameters(slot int, requested Protocol) (Protocol, error)
	Power(slot int, action PowerAction) (atr []byte, err error)
	Transmit(slot int, sendPCI PCI, apdu []byte) (recvPCI PCI, resp []byte, err error)
	Control(slot int, ioctl uint32, in []byte) (out []byte, err error)
	ICCPresence(slot int) (Presence, error)
	Generation() Generation
	Close() error
}

// Wrapper serializes every call for a given slot on that slot's mutex,
// per spec: holding the driver mutex across the full call duration, kept
// distinct from any state-lock used elsewhere so that event-worker state
// publication is never blocked behind a long-running driver call.
type Wrapper struct {
	mu     sync.Mutex // guards slotLocks map mutation only
	driver Driver
	// slotLocks holds one *sync.Mutex per slot index when the driver
	// advertises TAG_IFD_SIMULTANEOUS_ACCESS > 1; otherwise sharedLock is
	// set and all slots of this driver instance share that single mutex.
	slotLocks     map[int]*sync.Mutex
	sharedLock    *sync.Mutex
	simultaneous  int
}

// NewWrapper wraps driver, probing TAG_IFD_SIMULTANEOUS_ACCESS to decide
// the locking granularity across the driver's own slots.
func NewWrapper(driver Driver) *Wrapper {
	w := &Wrapper{
		driver:    driver,
		slotLocks: make(map[int]*sync.Mutex),
	}
	if raw, err := driver.GetCapability(0, TagIFDSimultaneousAccess); err == nil && len(raw) > 0 {
		w.simultaneous = int(raw[0])
	}
	if w.simultaneous <= 1 {
		w.sharedLock = &sync.Mutex{}
	}
	return w
}

func (w *Wrapper) lockFor(slot int) *sync.Mutex {
	if w.sharedLock != nil {
		return w.sharedLock
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.slotLocks[slot]
	if !ok {
		m = &sync.Mutex{}
		w.slotLocks[slot] = m
	}
	return m
}

func (w *Wrapper) call(slot int, fn func() error) error {
	l := w.lockFor(slot)
	l.Lock()
	defer l.Unlock()
	return fn()
}

// Generation reports the ABI generation detected for the wrapped driver.
func (w *Wrapper) Generation() Generation { return w.driver.Generation() }

func (w *Wrapper) OpenChannel(slot int, channelOrURI string) error {
	var err error
	cerr := w.call(slot, func() error {
		err = w.driver.OpenChannel(slot, channelOrURI)
		return err
	})
	if cerr != nil {
		return cerr
	}
	return err
}

func (w *Wrapper) CloseChannel(slot int) error {
	var err error
	_ = w.call(slot, func() error {
		err = w.driver.CloseChannel(slot)
		return nil
	})
	return err
}

func (w *Wrapper) GetCapability(slot int, tag Capability) ([]byte, error) {
	var out []byte
	var err error
	_ = w.call(slot, func() error {
		out, err = w.driver.GetCapability(slot, tag)
		return nil
	})
	return out, err
}

func (w *Wrapper) SetCapability(slot int, tag Capability, value []byte) error {
	var err error
	_ = w.call(slot, func() error {
		err = w.driver.SetCapability(slot, tag, value)
		return nil
	})
	return err
}

func (w *Wrapper) SetProtocolParameters(slot int, requested Protocol) (Protocol, error) {
	var proto Protocol
	var err error
	_ = w.call(slot, func() error {
		proto, err = w.driver.SetProtocolParameters(slot, requested)
		return nil
	})
	return proto, err
}

func (w *Wrapper) Power(slot int, action PowerAction) ([]byte, error) {
	var atrBytes []byte
	var err error
	_ = w.call(slot, func() error {
		atrBytes, err = w.driver.Power(slot, action)
		return nil
	})
	return atrBytes, err
}

func (w *Wrapper) Transmit(slot int, sendPCI PCI, apdu []byte) (PCI, []byte, error) {
	var recvPCI PCI
	var resp []byte
	var err error
	_ = w.call(slot, func() error {
		recvPCI, resp, err = w.driver.Transmit(slot, sendPCI, apdu)
		return nil
	})
	return recvPCI, resp, err
}

func (w *Wrapper) Control(slot int, ioctl uint32, in []byte) ([]byte, error) {
	var out []byte
	var err error
	_ = w.call(slot, func() error {
		out, err = w.driver.Control(slot, ioctl, in)
		return nil
	})
	return out, err
}

func (w *Wrapper) ICCPresence(slot int) (Presence, error) {
	var p Presence
	var err error
	_ = w.call(slot, func() error {
		p, err = w.driver.ICCPresence(slot)
		return nil
	})
	return p, err
}

// Close shuts down the underlying driver handle. Callers must ensure no
// other slot call is in flight; the registry guarantees this by stopping
// the event worker before calling Close.
func (w *Wrapper) Close() error {
	return w.driver.Close()
}

// ctbcsControlCode is the generic control channel the daemon forwards
// CTBCS commands on, mirroring the original daemon's IFDControl (no
// distinct dwControlCode; the driver dispatches on the CTBCS command
// bytes themselves).
const ctbcsControlCode = 0

// EjectAPDU is the CTBCS eject command for slot (0-based), per spec's
// resolution of the eject Open Question: always send this sequence on
// disposition=eject, logging but ignoring any error.
func EjectAPDU(slot int) []byte {
	return []byte{0x20, 0x15, byte(slot + 1), 0x00, 0x00}
}

// SendEject issues the CTBCS eject command through the driver's control
// entry point (not Transmit — per spec §4.5, eject goes out via control)
// and swallows any failure.
func SendEject(w *Wrapper, slot int) {
	_, err := w.Control(slot, ctbcsControlCode, EjectAPDU(slot))
	if err != nil {
		log.Warn().Err(err).Int("slot", slot).Msg("ifd: eject control failed, ignoring")
	}
}

// TranslatePresence maps a driver's ICC_PRESENT/ICC_NOT_PRESENT style
// result into the normalized Presence enum, collapsing anything else to
// unknown per spec §4.4 step 1.
func TranslatePresence(raw int32) Presence {
	switch raw {
	case iccPresent, ifdSuccess:
		return PresencePresent
	case iccNotPresent:
		return PresenceAbsent
	default:
		return PresenceUnknown
	}
}

const (
	ifdSuccess    = 0
	iccPresent    = 1
	iccNotPresent = 2
)

// ErrUnsupportedABI is returned by probe when a module exports none of the
// v3, v2 or v1 channel-creation entry points, and by moduleDriver methods
// whose entry point the module does not export.
var ErrUnsupportedABI = pcscerr.New(pcscerr.ErrCardUnsupported)
