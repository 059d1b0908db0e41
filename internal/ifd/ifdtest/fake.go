// Package ifdtest provides an in-memory ifd.Driver for exercising the
// registry, handle, and transport layers without a real vendor shared
// object, mirroring the teacher's mockContext pattern in context_test.go.
package ifdtest

import (
	"sync"

	"github.com/corcoran/pcscd/internal/ifd"
)

// Fake is a single-slot, in-memory driver. Tests mutate CardATR/Present
// directly to simulate insertion/removal between polls.
type Fake struct {
	mu sync.Mutex

	Present   bool
	CardATR   []byte
	Gen       ifd.Generation
	MaxInput  int
	Responses map[string][]byte // not read by Transmit, which answers through TransmitFn or with 90 00

	opened        bool
	protocol      ifd.Protocol
	TransmitFn    func(apdu []byte) ([]byte, error)
	ControlFn     func(ioctl uint32, in []byte) ([]byte, error)
	PowerFailures int // simulate N consecutive power-up failures
}

func New() *Fake {
	return &Fake{Gen: ifd.GenerationV2, MaxInput: ifd.DefaultMaxInput}
}

func (f *Fake) Generation() ifd.Generation { return f.Gen }

func (f *Fake) OpenChannel(slot int, channelOrURI string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = true
	return nil
}

func (f *Fake) CloseChannel(slot int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = false
	return nil
}

func (f *Fake) GetCapability(slot int, tag ifd.Capability) ([]byte, error) {
	switch tag {
	case ifd.TagIFDSlotsNumber:
		return []byte{1}, nil
	case ifd.TagIFDSimultaneousAccess:
		return []byte{1}, nil
	}
	return nil, nil
}

func (f *Fake) SetCapability(slot int, tag ifd.Capability, value []byte) error { return nil }

func (f *Fake) SetProtocolParameters(slot int, requested ifd.Protocol) (ifd.Protocol, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if requested.Has(ifd.ProtocolT1) {
		f.protocol = ifd.ProtocolT1
	} else {
		f.protocol = ifd.ProtocolT0
	}
	return f.protocol, nil
}

func (f *Fake) Power(slot int, action ifd.PowerAction) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if action == ifd.PowerUp {
		if f.PowerFailures > 0 {
			f.PowerFailures--
			return nil, errPowerFailed
		}
		return f.CardATR, nil
	}
	return nil, nil
}

func (f *Fake) Transmit(slot int, sendPCI ifd.PCI, apdu []byte) (ifd.PCI, []byte, error) {
	if f.TransmitFn != nil {
		resp, err := f.TransmitFn(apdu)
		return sendPCI, resp, err
	}
	// Default stub: always answer 90 00 (SUCCESS), mirroring the spec's
	// worked example in §8 scenario 2.
	return sendPCI, []byte{0x90, 0x00}, nil
}

func (f *Fake) Control(slot int, ioctl uint32, in []byte) ([]byte, error) {
	if f.ControlFn != nil {
		return f.ControlFn(ioctl, in)
	}
	return nil, nil
}

func (f *Fake) ICCPresence(slot int) (ifd.Presence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Present {
		return ifd.PresencePresent, nil
	}
	return ifd.PresenceAbsent, nil
}

func (f *Fake) Close() error { return nil }

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const errPowerFailed = fakeErr("fake: power up failed")
