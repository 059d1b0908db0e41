// Package pcsc is a minimal client for the daemon's wire protocol,
// standing in for the out-of-scope system shared library so
// internal/transport has a same-repo caller to exercise end to end.
// Styled after the functional-options Context of the ACR122U client this
// module grew out of.
package pcsc

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/corcoran/pcscd/internal/pcscerr"
	"github.com/corcoran/pcscd/internal/wire"
)

// ShareMode mirrors SCARD_SHARE_*.
type ShareMode uint32

const (
	ShareExclusive ShareMode = 1
	ShareShared    ShareMode = 2
	ShareDirect    ShareMode = 3
)

// Protocol mirrors SCARD_PROTOCOL_*.
type Protocol uint32

const (
	ProtocolUndefined Protocol = 0
	ProtocolT0        Protocol = 1
	ProtocolT1        Protocol = 2
	ProtocolAny       Protocol = ProtocolT0 | ProtocolT1
)

// Disposition mirrors SCARD_LEAVE/RESET/UNPOWER/EJECT_CARD.
type Disposition uint32

const (
	Leave   Disposition = 0
	Reset   Disposition = 1
	Unpower Disposition = 2
	Eject   Disposition = 3
)

// Context is one client-side ESTABLISH_CONTEXT, carrying the socket
// connection every subsequent call reuses.
type Context struct {
	conn   net.Conn
	id     uint32
	mu     sync.Mutex
	nextRq uint32
	logger zerolog.Logger
}

// Option configures EstablishContext, matching the teacher's functional
// options pattern (WithShareMode/WithProtocol/WithLogLevel/...).
type Option func(*dialOptions)

type dialOptions struct {
	dialTimeout time.Duration
}

// WithDialTimeout bounds how long EstablishContext waits to connect and
// complete the version handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(o *dialOptions) { o.dialTimeout = d }
}

// EstablishContext dials addr (a Unix socket path, e.g.
// transport.SocketPath) and performs the version handshake followed by
// CMD_ESTABLISH_CONTEXT.
func EstablishContext(addr string, opts ...Option) (*Context, error) {
	o := &dialOptions{dialTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(o)
	}

	conn, err := net.DialTimeout("unix", addr, o.dialTimeout)
	if err != nil {
		return nil, err
	}

	c := &Context{conn: conn, logger: log.With().Str("Caller", "pcsc.Context").Logger()}
	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}

	resp, err := c.call(wire.CmdEstablishContext, wire.EstablishContextPayload{Scope: 0}.Marshal())
	if err != nil {
		conn.Close()
		return nil, err
	}
	p, err := wire.UnmarshalEstablishContext(resp)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if pcscerr.Code(p.RV) != pcscerr.Success {
		conn.Close()
		return nil, pcscerr.New(pcscerr.Code(p.RV))
	}
	c.id = p.Context
	return c, nil
}

func (c *Context) handshake() error {
	req := wire.VersionPayload{Major: wire.ProtocolVersionMajor, Minor: wire.ProtocolVersionMinor}
	if err := wire.WriteMessage(c.conn, wire.Message{Header: wire.Header{Command: wire.CmdVersion}, Payload: req.Marshal()}); err != nil {
		return err
	}
	msg, err := wire.ReadMessage(c.conn)
	if err != nil {
		return err
	}
	resp, err := wire.UnmarshalVersion(msg.Payload)
	if err != nil {
		return err
	}
	if pcscerr.Code(resp.RV) != pcscerr.Success {
		return pcscerr.New(pcscerr.Code(resp.RV))
	}
	return nil
}

func (c *Context) call(cmd wire.Command, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextRq++
	rq := c.nextRq
	if err := wire.WriteMessage(c.conn, wire.Message{Header: wire.Header{Command: cmd, RequestID: rq}, Payload: payload}); err != nil {
		return nil, err
	}
	msg, err := wire.ReadMessage(c.conn)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errConnectionClosed
		}
		return nil, err
	}
	return msg.Payload, nil
}

type clientErr string

func (e clientErr) Error() string { return string(e) }

const errConnectionClosed = clientErr("pcsc: server closed the connection")

// Release implements SCARD_RELEASE_CONTEXT and closes the socket.
func (c *Context) Release() error {
	defer c.conn.Close()
	resp, err := c.call(wire.CmdReleaseContext, wire.ReleaseContextPayload{Context: c.id}.Marshal())
	if err != nil {
		return err
	}
	p, err := wire.UnmarshalReleaseContext(resp)
	if err != nil {
		return err
	}
	return codeErr(p.RV)
}

// ListReaders implements SCARD_LIST_READERS.
func (c *Context) ListReaders() ([]string, error) {
	resp, err := c.call(wire.CmdListReaders, wire.ListReadersPayload{Context: c.id}.Marshal())
	if err != nil {
		return nil, err
	}
	p, err := wire.UnmarshalListReaders(resp)
	if err != nil {
		return nil, err
	}
	if err := codeErr(p.RV); err != nil {
		return nil, err
	}
	return p.Readers, nil
}

// CardHandle is one open SCardConnect handle.
type CardHandle struct {
	ctx            *Context
	ID             uint32
	ReaderName     string
	ActiveProtocol Protocol
}

// Connect implements SCardConnect.
func (c *Context) Connect(reader string, mode ShareMode, preferred Protocol) (*CardHandle, error) {
	req := wire.ConnectPayload{
		Context:           c.id,
		ReaderName:        reader,
		ShareMode:         uint32(mode),
		PreferredProtocol: uint32(preferred),
	}
	resp, err := c.call(wire.CmdConnect, req.Marshal())
	if err != nil {
		return nil, err
	}
	p, err := wire.UnmarshalConnect(resp)
	if err != nil {
		return nil, err
	}
	if err := codeErr(p.RV); err != nil {
		return nil, err
	}
	return &CardHandle{ctx: c, ID: p.Handle, ReaderName: reader, ActiveProtocol: Protocol(p.ActiveProtocol)}, nil
}

// Disconnect implements SCardDisconnect.
func (h *CardHandle) Disconnect(disposition Disposition) error {
	resp, err := h.ctx.call(wire.CmdDisconnect, wire.DisconnectPayload{Handle: h.ID, Disposition: uint32(disposition)}.Marshal())
	if err != nil {
		return err
	}
	p, err := wire.UnmarshalDisconnect(resp)
	if err != nil {
		return err
	}
	return codeErr(p.RV)
}

// BeginTransaction implements SCardBeginTransaction.
func (h *CardHandle) BeginTransaction() error {
	resp, err := h.ctx.call(wire.CmdBeginTransaction, wire.BeginTransactionPayload{Handle: h.ID}.Marshal())
	if err != nil {
		return err
	}
	p, err := wire.UnmarshalBeginTransaction(resp)
	if err != nil {
		return err
	}
	return codeErr(p.RV)
}

// EndTransaction implements SCardEndTransaction.
func (h *CardHandle) EndTransaction(disposition Disposition) error {
	resp, err := h.ctx.call(wire.CmdEndTransaction, wire.EndTransactionPayload{Handle: h.ID, Disposition: uint32(disposition)}.Marshal())
	if err != nil {
		return err
	}
	p, err := wire.UnmarshalEndTransaction(resp)
	if err != nil {
		return err
	}
	return codeErr(p.RV)
}

// Transmit implements SCardTransmit.
func (h *CardHandle) Transmit(apdu []byte) ([]byte, error) {
	req := wire.TransmitPayload{Handle: h.ID, SendPCI: uint32(h.ActiveProtocol), SendBuffer: apdu}
	resp, err := h.ctx.call(wire.CmdTransmit, req.Marshal())
	if err != nil {
		return nil, err
	}
	p, err := wire.UnmarshalTransmit(resp)
	if err != nil {
		return nil, err
	}
	if err := codeErr(p.RV); err != nil {
		return nil, err
	}
	return p.RecvBuffer, nil
}

// ReaderState is one entry of a GetStatusChange call, mirroring
// SCARD_READERSTATE's client-relevant fields.
type ReaderState struct {
	Reader       string
	CurrentState uint32
	EventState   uint32
	ATR          []byte
}

// GetStatusChange implements SCardGetStatusChange; timeout < 0 blocks
// until a change, cancellation, or server shutdown.
func (c *Context) GetStatusChange(states []ReaderState, timeout time.Duration) ([]ReaderState, error) {
	wireTimeout := int32(-1)
	if timeout >= 0 {
		wireTimeout = int32(timeout / time.Millisecond)
	}
	entries := make([]wire.ReaderStateEntry, len(states))
	for i, s := range states {
		entries[i] = wire.ReaderStateEntry{ReaderName: s.Reader, CurrentState: s.CurrentState}
	}
	req := wire.GetStatusChangePayload{Context: c.id, Timeout: wireTimeout, States: entries}
	resp, err := c.call(wire.CmdGetStatusChange, req.Marshal())
	if err != nil {
		return nil, err
	}
	p, err := wire.UnmarshalGetStatusChange(resp)
	if err != nil {
		return nil, err
	}
	out := make([]ReaderState, len(p.States))
	for i, e := range p.States {
		out[i] = ReaderState{Reader: e.ReaderName, EventState: e.EventState, ATR: e.ATR}
	}
	if err := codeErr(p.RV); err != nil {
		return out, err
	}
	return out, nil
}

// Cancel implements SCardCancel.
func (c *Context) Cancel() error {
	resp, err := c.call(wire.CmdCancel, wire.CancelPayload{Context: c.id}.Marshal())
	if err != nil {
		return err
	}
	p, err := wire.UnmarshalCancel(resp)
	if err != nil {
		return err
	}
	return codeErr(p.RV)
}

func codeErr(rv int32) error {
	code := pcscerr.Code(rv)
	if code == pcscerr.Success {
		return nil
	}
	return pcscerr.New(code)
}

var _ = binary.LittleEndian // keeps the encoding/binary import referenced; no other code in this file uses it
