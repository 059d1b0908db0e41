package ifd

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/rs/zerolog/log"
)

// module wraps one dlopen'd driver shared object. Multiple ReaderSlots
// (clones of a multi-slot reader) can share a module; Load reference
// counts it.
type module struct {
	path    string
	handle  uintptr
	refs    int
	gen     Generation
	symbols symbolTable
}

type symbolTable struct {
	createChannel       uintptr // IFDHCreateChannel
	createChannelByName uintptr // IFDHCreateChannelByName (v3)
	closeChannel        uintptr
	getCapabilities     uintptr
	setCapabilities     uintptr
	setProtocolParams   uintptr
	powerICC            uintptr
	transmitToICC       uintptr
	controlICC          uintptr
	iccPresence         uintptr
	legacyCreate        uintptr // IO_Create_Channel (v1)
}

// Registry of loaded modules, keyed by library path, for refcounting.
type Loader struct {
	mu      sync.Mutex
	modules map[string]*module
}

func NewLoader() *Loader {
	return &Loader{modules: make(map[string]*module)}
}

// Load dlopen's path if it is not already loaded, bumping its reference
// count, and returns a Driver bound to slot for it. Failures to load or
// to resolve any usable entry point are returned as errors; Registry.Add
// returns them and the reader being added is not attached. The daemon
// keeps running.
func (l *Loader) Load(path string) (*moduleDriver, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.modules[path]
	if !ok {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			return nil, fmt.Errorf("ifd: dlopen %s: %w", path, err)
		}
		m = &module{path: path, handle: handle}
		if err := probe(m); err != nil {
			purego.Dlclose(handle)
			return nil, err
		}
		l.modules[path] = m
		log.Info().Str("path", path).Str("generation", genName(m.gen)).Msg("ifd: driver loaded")
	}
	m.refs++
	return &moduleDriver{loader: l, m: m}, nil
}

// Unload drops a reference to path's module, dlclose'ing it when the
// count reaches zero.
func (l *Loader) unload(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.modules[path]
	if !ok {
		return
	}
	m.refs--
	if m.refs <= 0 {
		purego.Dlclose(m.handle)
		delete(l.modules, path)
		log.Info().Str("path", path).Msg("ifd: driver unloaded")
	}
}

func genName(g Generation) string {
	switch g {
	case GenerationV3:
		return "v3"
	case GenerationV2:
		return "v2"
	case GenerationV1:
		return "v1 (legacy, reduced functionality)"
	default:
		return "unknown"
	}
}

// probe resolves symbols by probing for the v3 entry point first, then
// v2, then the legacy v1 shim, exactly mirroring the spec's detection
// order: "v3 additionally exposes IFDHCreateChannelByName"; "if the
// driver exports only a legacy v1-style IO_Create_Channel it is accepted
// with reduced functionality"; absence of both is rejected.
func probe(m *module) error {
	sym := func(name string) uintptr {
		p, _ := purego.Dlsym(m.handle, name)
		return p
	}

	m.symbols.createChannelByName = sym("IFDHCreateChannelByName")
	m.symbols.createChannel = sym("IFDHCreateChannel")
	m.symbols.legacyCreate = sym("IO_Create_Channel")

	switch {
	case m.symbols.createChannelByName != 0:
		m.gen = GenerationV3
	case m.symbols.createChannel != 0:
		m.gen = GenerationV2
	case m.symbols.legacyCreate != 0:
		m.gen = GenerationV1
	default:
		return ErrUnsupportedABI
	}

	m.symbols.closeChannel = sym("IFDHCloseChannel")
	m.symbols.getCapabilities = sym("IFDHGetCapabilities")
	m.symbols.setCapabilities = sym("IFDHSetCapabilities")
	m.symbols.setProtocolParams = sym("IFDHSetProtocolParameters")
	m.symbols.powerICC = sym("IFDHPowerICC")
	m.symbols.transmitToICC = sym("IFDHTransmitToICC")
	m.symbols.iccPresence = sym("IFDHICCPresence")
	if m.gen == GenerationV3 {
		m.symbols.controlICC = sym("IFDHControl")
	} else {
		m.symbols.controlICC = sym("IFDHControl") // v2 drivers may still export it
	}

	return nil
}

// moduleDriver adapts a loaded module's raw symbol table to the Driver
// interface for one logical slot set. The actual FFI calls are made
// through purego.SyscallN against the resolved symbol addresses: vendor
// drivers are arbitrary C shared objects, so argument marshalling is done
// by hand per call site rather than via purego.RegisterLibFunc's
// reflection-based signature binder, which cannot express the IFDHandler
// struct-by-pointer ABI.
type moduleDriver struct {
	loader *Loader
	m      *module
}

func (d *moduleDriver) Generation() Generation { return d.m.gen }

func (d *moduleDriver) Close() error {
	d.loader.unload(d.m.path)
	return nil
}

// The remaining Driver methods perform the actual IFDHandler call using
// purego.SyscallN with the lun (logical unit number, i.e. slot) as the
// first argument, matching every IFDHandler entry point's calling
// convention. Buffers are passed as pointers into Go-owned byte slices;
// purego pins them for the duration of the call.

func (d *moduleDriver) OpenChannel(slot int, channelOrURI string) error {
	lun := uintptr(slot)
	if d.m.gen == GenerationV3 && d.m.symbols.createChannelByName != 0 {
		cURI := cString(channelOrURI)
		rc, _, _ := purego.SyscallN(d.m.symbols.createChannelByName, lun, uintptr(ptr(cURI)))
		return ifdStatus(int32(rc))
	}
	if d.m.symbols.createChannel != 0 {
		channel := parseChannelID(channelOrURI)
		rc, _, _ := purego.SyscallN(d.m.symbols.createChannel, lun, uintptr(channel))
		return ifdStatus(int32(rc))
	}
	if d.m.symbols.legacyCreate != 0 {
		channel := parseChannelID(channelOrURI)
		rc, _, _ := purego.SyscallN(d.m.symbols.legacyCreate, lun, uintptr(channel))
		return ifdStatus(int32(rc))
	}
	return ErrUnsupportedABI
}

func (d *moduleDriver) CloseChannel(slot int) error {
	if d.m.symbols.closeChannel == 0 {
		return nil
	}
	rc, _, _ := purego.SyscallN(d.m.symbols.closeChannel, uintptr(slot))
	return ifdStatus(int32(rc))
}

func (d *moduleDriver) GetCapability(slot int, tag Capability) ([]byte, error) {
	if d.m.symbols.getCapabilities == 0 {
		return nil, ErrUnsupportedABI
	}
	buf := make([]byte, 256)
	length := uint32(len(buf))
	rc, _, _ := purego.SyscallN(d.m.symbols.getCapabilities, uintptr(slot), uintptr(tag),
		uintptr(ptr(&length)), uintptr(ptr(&buf[0])))
	if err := ifdStatus(int32(rc)); err != nil {
		return nil, err
	}
	return buf[:length], nil
}

func (d *moduleDriver) SetCapability(slot int, tag Capability, value []byte) error {
	if d.m.symbols.setCapabilities == 0 {
		return ErrUnsupportedABI
	}
	var p uintptr
	if len(value) > 0 {
		p = uintptr(ptr(&value[0]))
	}
	rc, _, _ := purego.SyscallN(d.m.symbols.setCapabilities, uintptr(slot), uintptr(tag),
		uintptr(uint32(len(value))), p)
	return ifdStatus(int32(rc))
}

func (d *moduleDriver) SetProtocolParameters(slot int, requested Protocol) (Protocol, error) {
	if d.m.symbols.setProtocolParams == 0 {
		return requested, nil
	}
	rc, _, _ := purego.SyscallN(d.m.symbols.setProtocolParams, uintptr(slot), uintptr(requested), 0, 0)
	if err := ifdStatus(int32(rc)); err != nil {
		return 0, err
	}
	return requested, nil
}

func (d *moduleDriver) Power(slot int, action PowerAction) ([]byte, error) {
	if d.m.symbols.powerICC == 0 {
		return nil, ErrUnsupportedABI
	}
	atrBuf := make([]byte, 33)
	length := uint32(len(atrBuf))
	rc, _, _ := purego.SyscallN(d.m.symbols.powerICC, uintptr(slot), uintptr(ifdPowerCode(action)),
		uintptr(ptr(&atrBuf[0])), uintptr(ptr(&length)))
	if err := ifdStatus(int32(rc)); err != nil {
		return nil, err
	}
	return atrBuf[:length], nil
}

func (d *moduleDriver) Transmit(slot int, sendPCI PCI, apdu []byte) (PCI, []byte, error) {
	if d.m.symbols.transmitToICC == 0 {
		return PCI{}, nil, ErrUnsupportedABI
	}
	recvBuf := make([]byte, 65544)
	recvLen := uint32(len(recvBuf))
	sendProto := uint32(sendPCI.Protocol)
	var sendPtr uintptr
	if len(apdu) > 0 {
		sendPtr = uintptr(ptr(&apdu[0]))
	}
	rc, _, _ := purego.SyscallN(d.m.symbols.transmitToICC, uintptr(slot),
		uintptr(ptr(&sendProto)), sendPtr, uintptr(uint32(len(apdu))),
		uintptr(ptr(&recvBuf[0])), uintptr(ptr(&recvLen)))
	if err := ifdStatus(int32(rc)); err != nil {
		return PCI{}, nil, err
	}
	return PCI{Protocol: sendPCI.Protocol}, recvBuf[:recvLen], nil
}

func (d *moduleDriver) Control(slot int, ioctl uint32, in []byte) ([]byte, error) {
	if d.m.symbols.controlICC == 0 {
		return nil, ErrUnsupportedABI
	}
	out := make([]byte, 65544)
	outLen := uint32(len(out))
	var inPtr uintptr
	if len(in) > 0 {
		inPtr = uintptr(ptr(&in[0]))
	}
	rc, _, _ := purego.SyscallN(d.m.symbols.controlICC, uintptr(slot), uintptr(ioctl),
		inPtr, uintptr(uint32(len(in))), uintptr(ptr(&out[0])), uintptr(ptr(&outLen)))
	if err := ifdStatus(int32(rc)); err != nil {
		return nil, err
	}
	return out[:outLen], nil
}

func (d *moduleDriver) ICCPresence(slot int) (Presence, error) {
	if d.m.symbols.iccPresence == 0 {
		return PresenceUnknown, ErrUnsupportedABI
	}
	rc, _, _ := purego.SyscallN(d.m.symbols.iccPresence, uintptr(slot))
	return TranslatePresence(int32(rc)), nil
}

func ifdStatus(rc int32) error {
	if rc == ifdSuccess {
		return nil
	}
	return fmt.Errorf("ifd: driver returned status %d", rc)
}

func ifdPowerCode(a PowerAction) int32 {
	switch a {
	case PowerUp:
		return 500
	case PowerDown:
		return 501
	case PowerReset:
		return 502
	default:
		return 500
	}
}

func parseChannelID(s string) uint32 {
	var v uint32
	_, _ = fmt.Sscanf(s, "0x%x", &v)
	if v == 0 {
		_, _ = fmt.Sscanf(s, "%d", &v)
	}
	return v
}

func cString(s string) *byte {
	b := append([]byte(s), 0)
	return &b[0]
}

func ptr[T any](v *T) unsafe.Pointer {
	return unsafe.Pointer(v)
}
