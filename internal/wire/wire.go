// Package wire implements the on-the-wire framing of the client-server
// protocol described in spec.md §6: a fixed-size header followed by a
// command-specific payload (the protocol never leaves the host). Every
// integer is little-endian on every host; the encoding does not follow a
// big-endian host's native order.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Wire-level constants, covenant with clients.
const (
	MaxReaderName          = 128
	MaxATRSize             = 33
	MaxBufferSize          = 264
	MaxBufferSizeExtended  = 65544
	KeyLen                 = 16
	ProtocolVersionMajor   = 4
	ProtocolVersionMinor   = 4
)

// Command identifies a request/response kind on the wire.
type Command uint32

const (
	CmdEstablishContext      Command = 0x01
	CmdReleaseContext        Command = 0x02
	CmdListReaders           Command = 0x03
	CmdConnect               Command = 0x04
	CmdReconnect             Command = 0x05
	CmdDisconnect            Command = 0x06
	CmdBeginTransaction      Command = 0x07
	CmdEndTransaction        Command = 0x08
	CmdTransmit              Command = 0x09
	CmdControl               Command = 0x0A
	CmdStatus                Command = 0x0B
	CmdGetStatusChange       Command = 0x0C
	CmdCancel                Command = 0x0D
	CmdCancelTransaction     Command = 0x0E
	CmdGetAttrib             Command = 0x0F
	CmdSetAttrib             Command = 0x10
	CmdVersion               Command = 0xF1
	CmdGetReadersState       Command = 0xF2
	CmdWaitReaderStateChange Command = 0xF3
	CmdStopWaitReaderState   Command = 0xF4
)

// Header is the fixed preamble of every message on the socket, modeled
// on rxSharedSegment in the reference winscard_msg.h, minus the SysV
// shared-memory mtype field which a stream socket has no use for.
type Header struct {
	UserID    uint32
	GroupID   uint32
	Command   Command
	RequestID uint32
	Date      int64
	Key       [KeyLen]byte
}

const headerSize = 4 + 4 + 4 + 4 + 8 + KeyLen

// WriteHeader serializes h to w in little-endian byte order.
func WriteHeader(w io.Writer, h Header) error {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.UserID)
	binary.LittleEndian.PutUint32(buf[4:8], h.GroupID)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.Command))
	binary.LittleEndian.PutUint32(buf[12:16], h.RequestID)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.Date))
	copy(buf[24:24+KeyLen], h.Key[:])
	_, err := w.Write(buf)
	return err
}

// ReadHeader deserializes a Header from r.
func ReadHeader(r io.Reader) (Header, error) {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, err
	}
	var h Header
	h.UserID = binary.LittleEndian.Uint32(buf[0:4])
	h.GroupID = binary.LittleEndian.Uint32(buf[4:8])
	h.Command = Command(binary.LittleEndian.Uint32(buf[8:12]))
	h.RequestID = binary.LittleEndian.Uint32(buf[12:16])
	h.Date = int64(binary.LittleEndian.Uint64(buf[16:24]))
	copy(h.Key[:], buf[24:24+KeyLen])
	return h, nil
}

// Message is a full framed unit: header plus an opaque payload whose
// shape is determined by Header.Command (see payloads.go).
type Message struct {
	Header  Header
	Payload []byte
}

// MaxPayloadSize bounds a single frame's payload, matching the largest
// payload struct this protocol defines (an extended transmit).
const MaxPayloadSize = MaxBufferSizeExtended + 64

// WriteMessage frames and writes m to w: header, then a uint32 payload
// length, then the payload bytes.
func WriteMessage(w io.Writer, m Message) error {
	if len(m.Payload) > MaxPayloadSize {
		return fmt.Errorf("wire: payload too large (%d > %d)", len(m.Payload), MaxPayloadSize)
	}
	if err := WriteHeader(w, m.Header); err != nil {
		return err
	}
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(m.Payload)))
	if _, err := w.Write(lenBuf); err != nil {
		return err
	}
	if len(m.Payload) == 0 {
		return nil
	}
	_, err := w.Write(m.Payload)
	return err
}

// ReadMessage reads one framed unit from r.
func ReadMessage(r io.Reader) (Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return Message{}, err
	}
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return Message{}, err
	}
	n := binary.LittleEndian.Uint32(lenBuf)
	if n > MaxPayloadSize {
		return Message{}, fmt.Errorf("wire: declared payload too large (%d)", n)
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, err
		}
	}
	return Message{Header: h, Payload: payload}, nil
}
