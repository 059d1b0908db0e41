package wire

import (
	"encoding/binary"
	"fmt"
)

// Each payload type below mirrors a struct from winscard_msg.h
// (establish_struct, connect_struct, transmit_struct, ...), reimplemented
// with explicit little-endian encoding rather than C struct layout.
// Every payload carries an RV field (the SCARD_* result) so responses
// reuse the same struct as requests, per the original protocol's design.

type VersionPayload struct {
	Major int32
	Minor int32
	RV    int32
}

func (p VersionPayload) Marshal() []byte {
	buf := make([]byte, 12)
	putI32(buf[0:4], p.Major)
	putI32(buf[4:8], p.Minor)
	putI32(buf[8:12], p.RV)
	return buf
}

func UnmarshalVersion(b []byte) (VersionPayload, error) {
	if len(b) < 12 {
		return VersionPayload{}, errShort("version", 12, len(b))
	}
	return VersionPayload{
		Major: getI32(b[0:4]),
		Minor: getI32(b[4:8]),
		RV:    getI32(b[8:12]),
	}, nil
}

type EstablishContextPayload struct {
	Scope   uint32
	Context uint32
	RV      int32
}

func (p EstablishContextPayload) Marshal() []byte {
	buf := make([]byte, 12)
	putU32(buf[0:4], p.Scope)
	putU32(buf[4:8], p.Context)
	putI32(buf[8:12], p.RV)
	return buf
}

func UnmarshalEstablishContext(b []byte) (EstablishContextPayload, error) {
	if len(b) < 12 {
		return EstablishContextPayload{}, errShort("establish", 12, len(b))
	}
	return EstablishContextPayload{
		Scope:   getU32(b[0:4]),
		Context: getU32(b[4:8]),
		RV:      getI32(b[8:12]),
	}, nil
}

type ReleaseContextPayload struct {
	Context uint32
	RV      int32
}

func (p ReleaseContextPayload) Marshal() []byte {
	buf := make([]byte, 8)
	putU32(buf[0:4], p.Context)
	putI32(buf[4:8], p.RV)
	return buf
}

func UnmarshalReleaseContext(b []byte) (ReleaseContextPayload, error) {
	if len(b) < 8 {
		return ReleaseContextPayload{}, errShort("release", 8, len(b))
	}
	return ReleaseContextPayload{Context: getU32(b[0:4]), RV: getI32(b[4:8])}, nil
}

type ConnectPayload struct {
	Context           uint32
	ReaderName        string
	ShareMode         uint32
	PreferredProtocol uint32
	Handle            uint32
	ActiveProtocol    uint32
	RV                int32
}

func (p ConnectPayload) Marshal() []byte {
	buf := make([]byte, 4+MaxReaderName+4+4+4+4+4)
	off := 0
	putU32(buf[off:off+4], p.Context)
	off += 4
	putString(buf[off:off+MaxReaderName], p.ReaderName)
	off += MaxReaderName
	putU32(buf[off:off+4], p.ShareMode)
	off += 4
	putU32(buf[off:off+4], p.PreferredProtocol)
	off += 4
	putU32(buf[off:off+4], p.Handle)
	off += 4
	putU32(buf[off:off+4], p.ActiveProtocol)
	off += 4
	putI32(buf[off:off+4], p.RV)
	return buf
}

func UnmarshalConnect(b []byte) (ConnectPayload, error) {
	want := 4 + MaxReaderName + 4 + 4 + 4 + 4 + 4
	if len(b) < want {
		return ConnectPayload{}, errShort("connect", want, len(b))
	}
	off := 0
	p := ConnectPayload{}
	p.Context = getU32(b[off : off+4])
	off += 4
	p.ReaderName = getString(b[off : off+MaxReaderName])
	off += MaxReaderName
	p.ShareMode = getU32(b[off : off+4])
	off += 4
	p.PreferredProtocol = getU32(b[off : off+4])
	off += 4
	p.Handle = getU32(b[off : off+4])
	off += 4
	p.ActiveProtocol = getU32(b[off : off+4])
	off += 4
	p.RV = getI32(b[off : off+4])
	return p, nil
}

type ReconnectPayload struct {
	Handle            uint32
	ShareMode         uint32
	PreferredProtocol uint32
	Initialization    uint32
	ActiveProtocol    uint32
	RV                int32
}

func (p ReconnectPayload) Marshal() []byte {
	buf := make([]byte, 24)
	putU32(buf[0:4], p.Handle)
	putU32(buf[4:8], p.ShareMode)
	putU32(buf[8:12], p.PreferredProtocol)
	putU32(buf[12:16], p.Initialization)
	putU32(buf[16:20], p.ActiveProtocol)
	putI32(buf[20:24], p.RV)
	return buf
}

func UnmarshalReconnect(b []byte) (ReconnectPayload, error) {
	if len(b) < 24 {
		return ReconnectPayload{}, errShort("reconnect", 24, len(b))
	}
	return ReconnectPayload{
		Handle:            getU32(b[0:4]),
		ShareMode:         getU32(b[4:8]),
		PreferredProtocol: getU32(b[8:12]),
		Initialization:    getU32(b[12:16]),
		ActiveProtocol:    getU32(b[16:20]),
		RV:                getI32(b[20:24]),
	}, nil
}

type DisconnectPayload struct {
	Handle      uint32
	Disposition uint32
	RV          int32
}

func (p DisconnectPayload) Marshal() []byte {
	buf := make([]byte, 12)
	putU32(buf[0:4], p.Handle)
	putU32(buf[4:8], p.Disposition)
	putI32(buf[8:12], p.RV)
	return buf
}

func UnmarshalDisconnect(b []byte) (DisconnectPayload, error) {
	if len(b) < 12 {
		return DisconnectPayload{}, errShort("disconnect", 12, len(b))
	}
	return DisconnectPayload{Handle: getU32(b[0:4]), Disposition: getU32(b[4:8]), RV: getI32(b[8:12])}, nil
}

type BeginTransactionPayload struct {
	Handle uint32
	RV     int32
}

func (p BeginTransactionPayload) Marshal() []byte {
	buf := make([]byte, 8)
	putU32(buf[0:4], p.Handle)
	putI32(buf[4:8], p.RV)
	return buf
}

func UnmarshalBeginTransaction(b []byte) (BeginTransactionPayload, error) {
	if len(b) < 8 {
		return BeginTransactionPayload{}, errShort("begin", 8, len(b))
	}
	return BeginTransactionPayload{Handle: getU32(b[0:4]), RV: getI32(b[4:8])}, nil
}

type EndTransactionPayload struct {
	Handle      uint32
	Disposition uint32
	RV          int32
}

func (p EndTransactionPayload) Marshal() []byte {
	buf := make([]byte, 12)
	putU32(buf[0:4], p.Handle)
	putU32(buf[4:8], p.Disposition)
	putI32(buf[8:12], p.RV)
	return buf
}

func UnmarshalEndTransaction(b []byte) (EndTransactionPayload, error) {
	if len(b) < 12 {
		return EndTransactionPayload{}, errShort("end", 12, len(b))
	}
	return EndTransactionPayload{Handle: getU32(b[0:4]), Disposition: getU32(b[4:8]), RV: getI32(b[8:12])}, nil
}

type CancelPayload struct {
	Context uint32
	RV      int32
}

func (p CancelPayload) Marshal() []byte {
	buf := make([]byte, 8)
	putU32(buf[0:4], p.Context)
	putI32(buf[4:8], p.RV)
	return buf
}

func UnmarshalCancel(b []byte) (CancelPayload, error) {
	if len(b) < 8 {
		return CancelPayload{}, errShort("cancel", 8, len(b))
	}
	return CancelPayload{Context: getU32(b[0:4]), RV: getI32(b[4:8])}, nil
}

type StatusPayload struct {
	Handle     uint32
	ReaderName string
	State      uint32
	Protocol   uint32
	ATR        []byte
	RV         int32
}

func (p StatusPayload) Marshal() []byte {
	buf := make([]byte, 4+MaxReaderName+4+4+4+MaxATRSize+4)
	off := 0
	putU32(buf[off:off+4], p.Handle)
	off += 4
	putString(buf[off:off+MaxReaderName], p.ReaderName)
	off += MaxReaderName
	putU32(buf[off:off+4], p.State)
	off += 4
	putU32(buf[off:off+4], p.Protocol)
	off += 4
	var atrLen uint32 = uint32(len(p.ATR))
	putU32(buf[off:off+4], atrLen)
	off += 4
	copy(buf[off:off+MaxATRSize], p.ATR)
	off += MaxATRSize
	putI32(buf[off:off+4], p.RV)
	return buf
}

func UnmarshalStatus(b []byte) (StatusPayload, error) {
	want := 4 + MaxReaderName + 4 + 4 + 4 + MaxATRSize + 4
	if len(b) < want {
		return StatusPayload{}, errShort("status", want, len(b))
	}
	off := 0
	p := StatusPayload{}
	p.Handle = getU32(b[off : off+4])
	off += 4
	p.ReaderName = getString(b[off : off+MaxReaderName])
	off += MaxReaderName
	p.State = getU32(b[off : off+4])
	off += 4
	p.Protocol = getU32(b[off : off+4])
	off += 4
	atrLen := getU32(b[off : off+4])
	off += 4
	if atrLen > MaxATRSize {
		atrLen = MaxATRSize
	}
	p.ATR = append([]byte(nil), b[off:off+int(atrLen)]...)
	off += MaxATRSize
	p.RV = getI32(b[off : off+4])
	return p, nil
}

type TransmitPayload struct {
	Handle      uint32
	SendPCI     uint32
	SendBuffer  []byte
	RecvPCI     uint32
	RecvBuffer  []byte
	RV          int32
}

// Marshal uses a variable-length encoding (length-prefixed buffers)
// rather than the fixed MAX_BUFFER_SIZE_EXTENDED arrays the C struct
// uses, since Go framing already carries an explicit payload length;
// padding a transmit out to 64KB on every call would be wasteful.
func (p TransmitPayload) Marshal() []byte {
	buf := make([]byte, 4+4+4+len(p.SendBuffer)+4+4+len(p.RecvBuffer)+4)
	off := 0
	putU32(buf[off:off+4], p.Handle)
	off += 4
	putU32(buf[off:off+4], p.SendPCI)
	off += 4
	putU32(buf[off:off+4], uint32(len(p.SendBuffer)))
	off += 4
	copy(buf[off:off+len(p.SendBuffer)], p.SendBuffer)
	off += len(p.SendBuffer)
	putU32(buf[off:off+4], p.RecvPCI)
	off += 4
	putU32(buf[off:off+4], uint32(len(p.RecvBuffer)))
	off += 4
	copy(buf[off:off+len(p.RecvBuffer)], p.RecvBuffer)
	off += len(p.RecvBuffer)
	putI32(buf[off:off+4], p.RV)
	return buf
}

func UnmarshalTransmit(b []byte) (TransmitPayload, error) {
	if len(b) < 12 {
		return TransmitPayload{}, errShort("transmit header", 12, len(b))
	}
	off := 0
	p := TransmitPayload{}
	p.Handle = getU32(b[off : off+4])
	off += 4
	p.SendPCI = getU32(b[off : off+4])
	off += 4
	sendLen := int(getU32(b[off : off+4]))
	off += 4
	if sendLen < 0 || sendLen > MaxBufferSizeExtended || off+sendLen > len(b) {
		return TransmitPayload{}, fmt.Errorf("wire: transmit send buffer length %d out of range", sendLen)
	}
	p.SendBuffer = append([]byte(nil), b[off:off+sendLen]...)
	off += sendLen
	if len(b) < off+12 {
		return TransmitPayload{}, errShort("transmit trailer", off+12, len(b))
	}
	p.RecvPCI = getU32(b[off : off+4])
	off += 4
	recvLen := int(getU32(b[off : off+4]))
	off += 4
	if recvLen < 0 || recvLen > MaxBufferSizeExtended || off+recvLen > len(b) {
		return TransmitPayload{}, fmt.Errorf("wire: transmit recv buffer length %d out of range", recvLen)
	}
	p.RecvBuffer = append([]byte(nil), b[off:off+recvLen]...)
	off += recvLen
	if len(b) < off+4 {
		return TransmitPayload{}, errShort("transmit rv", off+4, len(b))
	}
	p.RV = getI32(b[off : off+4])
	return p, nil
}

type ControlPayload struct {
	Handle   uint32
	IoCtl    uint32
	InBuffer []byte
	OutBuffer []byte
	RV       int32
}

func (p ControlPayload) Marshal() []byte {
	buf := make([]byte, 4+4+4+len(p.InBuffer)+4+len(p.OutBuffer)+4)
	off := 0
	putU32(buf[off:off+4], p.Handle)
	off += 4
	putU32(buf[off:off+4], p.IoCtl)
	off += 4
	putU32(buf[off:off+4], uint32(len(p.InBuffer)))
	off += 4
	copy(buf[off:off+len(p.InBuffer)], p.InBuffer)
	off += len(p.InBuffer)
	putU32(buf[off:off+4], uint32(len(p.OutBuffer)))
	off += 4
	copy(buf[off:off+len(p.OutBuffer)], p.OutBuffer)
	off += len(p.OutBuffer)
	putI32(buf[off:off+4], p.RV)
	return buf
}

func UnmarshalControl(b []byte) (ControlPayload, error) {
	if len(b) < 12 {
		return ControlPayload{}, errShort("control header", 12, len(b))
	}
	off := 0
	p := ControlPayload{}
	p.Handle = getU32(b[off : off+4])
	off += 4
	p.IoCtl = getU32(b[off : off+4])
	off += 4
	inLen := int(getU32(b[off : off+4]))
	off += 4
	if inLen < 0 || inLen > MaxBufferSizeExtended || off+inLen > len(b) {
		return ControlPayload{}, fmt.Errorf("wire: control in buffer length %d out of range", inLen)
	}
	p.InBuffer = append([]byte(nil), b[off:off+inLen]...)
	off += inLen
	if len(b) < off+4 {
		return ControlPayload{}, errShort("control out length", off+4, len(b))
	}
	outLen := int(getU32(b[off : off+4]))
	off += 4
	if outLen < 0 || outLen > MaxBufferSizeExtended || off+outLen > len(b) {
		return ControlPayload{}, fmt.Errorf("wire: control out buffer length %d out of range", outLen)
	}
	p.OutBuffer = append([]byte(nil), b[off:off+outLen]...)
	off += outLen
	if len(b) < off+4 {
		return ControlPayload{}, errShort("control rv", off+4, len(b))
	}
	p.RV = getI32(b[off : off+4])
	return p, nil
}

// GetAttribPayload carries a SCardGetAttrib request/reply: Handle and
// AttrID identify the query, Buffer holds the returned attribute bytes.
type GetAttribPayload struct {
	Handle uint32
	AttrID uint32
	Buffer []byte
	RV     int32
}

func (p GetAttribPayload) Marshal() []byte {
	buf := make([]byte, 4+4+4+len(p.Buffer)+4)
	off := 0
	putU32(buf[off:off+4], p.Handle)
	off += 4
	putU32(buf[off:off+4], p.AttrID)
	off += 4
	putU32(buf[off:off+4], uint32(len(p.Buffer)))
	off += 4
	copy(buf[off:off+len(p.Buffer)], p.Buffer)
	off += len(p.Buffer)
	putI32(buf[off:off+4], p.RV)
	return buf
}

func UnmarshalGetAttrib(b []byte) (GetAttribPayload, error) {
	if len(b) < 12 {
		return GetAttribPayload{}, errShort("get_attrib header", 12, len(b))
	}
	off := 0
	p := GetAttribPayload{}
	p.Handle = getU32(b[off : off+4])
	off += 4
	p.AttrID = getU32(b[off : off+4])
	off += 4
	bufLen := int(getU32(b[off : off+4]))
	off += 4
	if bufLen < 0 || bufLen > MaxBufferSizeExtended || off+bufLen > len(b) {
		return GetAttribPayload{}, fmt.Errorf("wire: get_attrib buffer length %d out of range", bufLen)
	}
	p.Buffer = append([]byte(nil), b[off:off+bufLen]...)
	off += bufLen
	if len(b) < off+4 {
		return GetAttribPayload{}, errShort("get_attrib rv", off+4, len(b))
	}
	p.RV = getI32(b[off : off+4])
	return p, nil
}

// SetAttribPayload carries a SCardSetAttrib request/reply: Handle and
// AttrID identify the target, Buffer holds the attribute bytes to set.
type SetAttribPayload struct {
	Handle uint32
	AttrID uint32
	Buffer []byte
	RV     int32
}

func (p SetAttribPayload) Marshal() []byte {
	buf := make([]byte, 4+4+4+len(p.Buffer)+4)
	off := 0
	putU32(buf[off:off+4], p.Handle)
	off += 4
	putU32(buf[off:off+4], p.AttrID)
	off += 4
	putU32(buf[off:off+4], uint32(len(p.Buffer)))
	off += 4
	copy(buf[off:off+len(p.Buffer)], p.Buffer)
	off += len(p.Buffer)
	putI32(buf[off:off+4], p.RV)
	return buf
}

func UnmarshalSetAttrib(b []byte) (SetAttribPayload, error) {
	if len(b) < 12 {
		return SetAttribPayload{}, errShort("set_attrib header", 12, len(b))
	}
	off := 0
	p := SetAttribPayload{}
	p.Handle = getU32(b[off : off+4])
	off += 4
	p.AttrID = getU32(b[off : off+4])
	off += 4
	bufLen := int(getU32(b[off : off+4]))
	off += 4
	if bufLen < 0 || bufLen > MaxBufferSizeExtended || off+bufLen > len(b) {
		return SetAttribPayload{}, fmt.Errorf("wire: set_attrib buffer length %d out of range", bufLen)
	}
	p.Buffer = append([]byte(nil), b[off:off+bufLen]...)
	off += bufLen
	if len(b) < off+4 {
		return SetAttribPayload{}, errShort("set_attrib rv", off+4, len(b))
	}
	p.RV = getI32(b[off : off+4])
	return p, nil
}

// ReaderStateEntry is one element of a GET_STATUS_CHANGE request/reply
// list, matching SCARD_READERSTATE's wire-relevant fields.
type ReaderStateEntry struct {
	ReaderName   string
	CurrentState uint32
	EventState   uint32
	ATR          []byte
}

type GetStatusChangePayload struct {
	Context uint32
	Timeout int32 // milliseconds; -1 = infinite
	States  []ReaderStateEntry
	RV      int32
}

const readerStateEntrySize = MaxReaderName + 4 + 4 + 4 + MaxATRSize

func (p GetStatusChangePayload) Marshal() []byte {
	buf := make([]byte, 4+4+4+len(p.States)*readerStateEntrySize+4)
	off := 0
	putU32(buf[off:off+4], p.Context)
	off += 4
	putI32(buf[off:off+4], p.Timeout)
	off += 4
	putU32(buf[off:off+4], uint32(len(p.States)))
	off += 4
	for _, s := range p.States {
		putString(buf[off:off+MaxReaderName], s.ReaderName)
		off += MaxReaderName
		putU32(buf[off:off+4], s.CurrentState)
		off += 4
		putU32(buf[off:off+4], s.EventState)
		off += 4
		putU32(buf[off:off+4], uint32(len(s.ATR)))
		off += 4
		copy(buf[off:off+MaxATRSize], s.ATR)
		off += MaxATRSize
	}
	putI32(buf[off:off+4], p.RV)
	return buf
}

func UnmarshalGetStatusChange(b []byte) (GetStatusChangePayload, error) {
	if len(b) < 12 {
		return GetStatusChangePayload{}, errShort("gsc header", 12, len(b))
	}
	off := 0
	p := GetStatusChangePayload{}
	p.Context = getU32(b[off : off+4])
	off += 4
	p.Timeout = getI32(b[off : off+4])
	off += 4
	count := int(getU32(b[off : off+4]))
	off += 4
	if count < 0 || off+count*readerStateEntrySize+4 > len(b) {
		return GetStatusChangePayload{}, fmt.Errorf("wire: gsc entry count %d out of range", count)
	}
	p.States = make([]ReaderStateEntry, count)
	for i := 0; i < count; i++ {
		var e ReaderStateEntry
		e.ReaderName = getString(b[off : off+MaxReaderName])
		off += MaxReaderName
		e.CurrentState = getU32(b[off : off+4])
		off += 4
		e.EventState = getU32(b[off : off+4])
		off += 4
		atrLen := getU32(b[off : off+4])
		off += 4
		if atrLen > MaxATRSize {
			atrLen = MaxATRSize
		}
		e.ATR = append([]byte(nil), b[off:off+int(atrLen)]...)
		off += MaxATRSize
		p.States[i] = e
	}
	p.RV = getI32(b[off : off+4])
	return p, nil
}

type ListReadersPayload struct {
	Context uint32
	Readers []string
	RV      int32
}

func (p ListReadersPayload) Marshal() []byte {
	joined := []byte(joinNUL(p.Readers))
	buf := make([]byte, 4+4+len(joined)+4)
	off := 0
	putU32(buf[off:off+4], p.Context)
	off += 4
	putU32(buf[off:off+4], uint32(len(joined)))
	off += 4
	copy(buf[off:off+len(joined)], joined)
	off += len(joined)
	putI32(buf[off:off+4], p.RV)
	return buf
}

func UnmarshalListReaders(b []byte) (ListReadersPayload, error) {
	if len(b) < 8 {
		return ListReadersPayload{}, errShort("list readers header", 8, len(b))
	}
	off := 0
	p := ListReadersPayload{}
	p.Context = getU32(b[off : off+4])
	off += 4
	n := int(getU32(b[off : off+4]))
	off += 4
	if n < 0 || off+n+4 > len(b) {
		return ListReadersPayload{}, fmt.Errorf("wire: list readers length %d out of range", n)
	}
	p.Readers = splitNUL(string(b[off : off+n]))
	off += n
	p.RV = getI32(b[off : off+4])
	return p, nil
}

// --- small helpers ---

func putU32(b []byte, v uint32)  { binary.LittleEndian.PutUint32(b, v) }
func getU32(b []byte) uint32     { return binary.LittleEndian.Uint32(b) }
func putI32(b []byte, v int32)   { binary.LittleEndian.PutUint32(b, uint32(v)) }
func getI32(b []byte) int32      { return int32(binary.LittleEndian.Uint32(b)) }

func putString(b []byte, s string) {
	n := copy(b, s)
	for i := n; i < len(b); i++ {
		b[i] = 0
	}
}

func getString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func joinNUL(ss []string) string {
	out := ""
	for _, s := range ss {
		out += s + "\x00"
	}
	return out + "\x00"
}

func splitNUL(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func errShort(what string, want, got int) error {
	return fmt.Errorf("wire: %s payload too short: want >= %d, got %d", what, want, got)
}
