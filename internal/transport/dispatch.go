package transport

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/corcoran/pcscd/internal/handle"
	"github.com/corcoran/pcscd/internal/ifd"
	"github.com/corcoran/pcscd/internal/pcscerr"
	"github.com/corcoran/pcscd/internal/registry"
	"github.com/corcoran/pcscd/internal/session"
	"github.com/corcoran/pcscd/internal/wire"
)

// dispatch demarshals msg's payload, runs the corresponding operation,
// and returns the marshaled reply payload plus the request id to echo
// back, per spec §4.7's per-command data flow.
func (s *Server) dispatch(client *clientSession, msg wire.Message, logger zerolog.Logger) ([]byte, uint32) {
	logger = logger.With().Str("cmd", commandName(msg.Header.Command)).Logger()
	logger.Debug().Msg("transport: dispatch")

	switch msg.Header.Command {
	case wire.CmdEstablishContext:
		return s.handleEstablishContext(client, msg.Payload), msg.Header.RequestID
	case wire.CmdReleaseContext:
		return s.handleReleaseContext(client, msg.Payload), msg.Header.RequestID
	case wire.CmdListReaders:
		return s.handleListReaders(msg.Payload), msg.Header.RequestID
	case wire.CmdConnect:
		return s.handleConnect(client, msg.Payload), msg.Header.RequestID
	case wire.CmdReconnect:
		return s.handleReconnect(msg.Payload), msg.Header.RequestID
	case wire.CmdDisconnect:
		return s.handleDisconnect(msg.Payload), msg.Header.RequestID
	case wire.CmdBeginTransaction:
		return s.handleBeginTransaction(msg.Payload), msg.Header.RequestID
	case wire.CmdEndTransaction:
		return s.handleEndTransaction(msg.Payload), msg.Header.RequestID
	case wire.CmdTransmit:
		return s.handleTransmit(msg.Payload), msg.Header.RequestID
	case wire.CmdControl:
		return s.handleControl(msg.Payload), msg.Header.RequestID
	case wire.CmdStatus:
		return s.handleStatus(msg.Payload), msg.Header.RequestID
	case wire.CmdGetStatusChange:
		return s.handleGetStatusChange(msg.Payload), msg.Header.RequestID
	case wire.CmdCancel:
		return s.handleCancel(msg.Payload), msg.Header.RequestID
	case wire.CmdGetAttrib:
		return s.handleGetAttrib(msg.Payload), msg.Header.RequestID
	case wire.CmdSetAttrib:
		return s.handleSetAttrib(msg.Payload), msg.Header.RequestID
	default:
		logger.Warn().Msg("transport: unsupported command")
		return nil, msg.Header.RequestID
	}
}

func (s *Server) handleEstablishContext(client *clientSession, payload []byte) []byte {
	req, err := wire.UnmarshalEstablishContext(payload)
	if err != nil {
		return wire.EstablishContextPayload{RV: int32(pcscerr.ErrInvalidParameter)}.Marshal()
	}
	ctx, cerr := s.sessions.Establish()
	if cerr != nil {
		return wire.EstablishContextPayload{Scope: req.Scope, RV: int32(pcscerr.CodeOf(cerr))}.Marshal()
	}
	client.track(ctx.ID)
	return wire.EstablishContextPayload{Scope: req.Scope, Context: ctx.ID, RV: int32(pcscerr.Success)}.Marshal()
}

func (s *Server) handleReleaseContext(client *clientSession, payload []byte) []byte {
	req, err := wire.UnmarshalReleaseContext(payload)
	if err != nil {
		return wire.ReleaseContextPayload{RV: int32(pcscerr.ErrInvalidParameter)}.Marshal()
	}
	ctx, lerr := s.sessions.Lookup(req.Context)
	if lerr != nil {
		return wire.ReleaseContextPayload{Context: req.Context, RV: int32(pcscerr.CodeOf(lerr))}.Marshal()
	}
	_ = s.sessions.Release(ctx)
	client.untrack(req.Context)
	return wire.ReleaseContextPayload{Context: req.Context, RV: int32(pcscerr.Success)}.Marshal()
}

func (s *Server) handleListReaders(payload []byte) []byte {
	req, err := wire.UnmarshalListReaders(payload)
	if err != nil {
		return wire.ListReadersPayload{RV: int32(pcscerr.ErrInvalidParameter)}.Marshal()
	}
	names := s.registry.ReaderNames()
	return wire.ListReadersPayload{Context: req.Context, Readers: names, RV: int32(pcscerr.Success)}.Marshal()
}

func (s *Server) handleConnect(client *clientSession, payload []byte) []byte {
	req, err := wire.UnmarshalConnect(payload)
	if err != nil {
		return wire.ConnectPayload{RV: int32(pcscerr.ErrInvalidParameter)}.Marshal()
	}
	if _, lerr := s.sessions.Lookup(req.Context); lerr != nil {
		return wire.ConnectPayload{Context: req.Context, RV: int32(pcscerr.CodeOf(lerr))}.Marshal()
	}
	slot, serr := s.registry.Lookup(req.ReaderName)
	if serr != nil {
		return wire.ConnectPayload{Context: req.Context, RV: int32(pcscerr.CodeOf(serr))}.Marshal()
	}
	h, herr := s.handles.Connect(req.Context, slot, shareModeFromWire(req.ShareMode), ifd.Protocol(req.PreferredProtocol))
	if herr != nil {
		return wire.ConnectPayload{Context: req.Context, RV: int32(pcscerr.CodeOf(herr))}.Marshal()
	}
	if ctx, lerr := s.sessions.Lookup(req.Context); lerr == nil {
		s.sessions.TrackHandle(ctx, h.ID)
	}
	return wire.ConnectPayload{
		Context:        req.Context,
		ReaderName:     req.ReaderName,
		ShareMode:      req.ShareMode,
		Handle:         h.ID,
		ActiveProtocol: uint32(h.ActiveProtocol),
		RV:             int32(pcscerr.Success),
	}.Marshal()
}

func (s *Server) handleReconnect(payload []byte) []byte {
	req, err := wire.UnmarshalReconnect(payload)
	if err != nil {
		return wire.ReconnectPayload{RV: int32(pcscerr.ErrInvalidParameter)}.Marshal()
	}
	h, herr := s.handles.Lookup(req.Handle)
	if herr != nil {
		return wire.ReconnectPayload{Handle: req.Handle, RV: int32(pcscerr.CodeOf(herr))}.Marshal()
	}
	err = s.handles.Reconnect(h, shareModeFromWire(req.ShareMode), ifd.Protocol(req.PreferredProtocol), dispositionFromWire(req.Initialization))
	if err != nil {
		return wire.ReconnectPayload{Handle: req.Handle, RV: int32(pcscerr.CodeOf(err))}.Marshal()
	}
	return wire.ReconnectPayload{Handle: req.Handle, ActiveProtocol: uint32(h.ActiveProtocol), RV: int32(pcscerr.Success)}.Marshal()
}

func (s *Server) handleDisconnect(payload []byte) []byte {
	req, err := wire.UnmarshalDisconnect(payload)
	if err != nil {
		return wire.DisconnectPayload{RV: int32(pcscerr.ErrInvalidParameter)}.Marshal()
	}
	h, herr := s.handles.Lookup(req.Handle)
	if herr != nil {
		return wire.DisconnectPayload{Handle: req.Handle, RV: int32(pcscerr.CodeOf(herr))}.Marshal()
	}
	_ = s.handles.Disconnect(h, dispositionFromWire(req.Disposition))
	if ctx, lerr := s.sessions.Lookup(h.ContextID); lerr == nil {
		s.sessions.UntrackHandle(ctx, h.ID)
	}
	return wire.DisconnectPayload{Handle: req.Handle, RV: int32(pcscerr.Success)}.Marshal()
}

func (s *Server) handleBeginTransaction(payload []byte) []byte {
	req, err := wire.UnmarshalBeginTransaction(payload)
	if err != nil {
		return wire.BeginTransactionPayload{RV: int32(pcscerr.ErrInvalidParameter)}.Marshal()
	}
	h, herr := s.handles.Lookup(req.Handle)
	if herr != nil {
		return wire.BeginTransactionPayload{Handle: req.Handle, RV: int32(pcscerr.CodeOf(herr))}.Marshal()
	}
	if err := s.handles.BeginTransaction(h); err != nil {
		return wire.BeginTransactionPayload{Handle: req.Handle, RV: int32(pcscerr.CodeOf(err))}.Marshal()
	}
	return wire.BeginTransactionPayload{Handle: req.Handle, RV: int32(pcscerr.Success)}.Marshal()
}

func (s *Server) handleEndTransaction(payload []byte) []byte {
	req, err := wire.UnmarshalEndTransaction(payload)
	if err != nil {
		return wire.EndTransactionPayload{RV: int32(pcscerr.ErrInvalidParameter)}.Marshal()
	}
	h, herr := s.handles.Lookup(req.Handle)
	if herr != nil {
		return wire.EndTransactionPayload{Handle: req.Handle, RV: int32(pcscerr.CodeOf(herr))}.Marshal()
	}
	if err := s.handles.EndTransaction(h, dispositionFromWire(req.Disposition)); err != nil {
		return wire.EndTransactionPayload{Handle: req.Handle, RV: int32(pcscerr.CodeOf(err))}.Marshal()
	}
	return wire.EndTransactionPayload{Handle: req.Handle, RV: int32(pcscerr.Success)}.Marshal()
}

func (s *Server) handleTransmit(payload []byte) []byte {
	req, err := wire.UnmarshalTransmit(payload)
	if err != nil {
		return wire.TransmitPayload{RV: int32(pcscerr.ErrInsufficientBuffer)}.Marshal()
	}
	h, herr := s.handles.Lookup(req.Handle)
	if herr != nil {
		return wire.TransmitPayload{Handle: req.Handle, RV: int32(pcscerr.CodeOf(herr))}.Marshal()
	}
	proto, resp, terr := s.handles.Transmit(h, ifd.Protocol(req.SendPCI), req.SendBuffer)
	if terr != nil {
		return wire.TransmitPayload{Handle: req.Handle, RV: int32(pcscerr.CodeOf(terr))}.Marshal()
	}
	return wire.TransmitPayload{Handle: req.Handle, RecvPCI: uint32(proto), RecvBuffer: resp, RV: int32(pcscerr.Success)}.Marshal()
}

func (s *Server) handleControl(payload []byte) []byte {
	req, err := wire.UnmarshalControl(payload)
	if err != nil {
		return wire.ControlPayload{RV: int32(pcscerr.ErrInsufficientBuffer)}.Marshal()
	}
	h, herr := s.handles.Lookup(req.Handle)
	if herr != nil {
		return wire.ControlPayload{Handle: req.Handle, RV: int32(pcscerr.CodeOf(herr))}.Marshal()
	}
	out, cerr := s.handles.Control(h, req.IoCtl, req.InBuffer)
	if cerr != nil {
		return wire.ControlPayload{Handle: req.Handle, RV: int32(pcscerr.CodeOf(cerr))}.Marshal()
	}
	return wire.ControlPayload{Handle: req.Handle, OutBuffer: out, RV: int32(pcscerr.Success)}.Marshal()
}

func (s *Server) handleStatus(payload []byte) []byte {
	req, err := wire.UnmarshalStatus(payload)
	if err != nil {
		return wire.StatusPayload{RV: int32(pcscerr.ErrInvalidParameter)}.Marshal()
	}
	h, herr := s.handles.Lookup(req.Handle)
	if herr != nil {
		return wire.StatusPayload{Handle: req.Handle, RV: int32(pcscerr.CodeOf(herr))}.Marshal()
	}
	view, sticky := s.handles.Status(h)
	state := uint32(view.EventMask() | sticky)
	return wire.StatusPayload{
		Handle:     req.Handle,
		ReaderName: view.ReaderName,
		State:      state,
		Protocol:   uint32(h.ActiveProtocol),
		ATR:        view.ATR,
		RV:         int32(pcscerr.Success),
	}.Marshal()
}

func (s *Server) handleGetStatusChange(payload []byte) []byte {
	req, err := wire.UnmarshalGetStatusChange(payload)
	if err != nil {
		return wire.GetStatusChangePayload{RV: int32(pcscerr.ErrInvalidParameter)}.Marshal()
	}

	queries := make([]registry.StatusQuery, len(req.States))
	for i, e := range req.States {
		queries[i] = registry.StatusQuery{ReaderName: e.ReaderName, CurrentState: registry.StateFlag(e.CurrentState)}
	}

	var ctx *session.Context
	if c, lerr := s.sessions.Lookup(req.Context); lerr == nil {
		ctx = c
	}

	timeout := time.Duration(-1)
	if req.Timeout >= 0 {
		timeout = time.Duration(req.Timeout) * time.Millisecond
	}

	waitCtx := context.Background()
	if ctx != nil {
		waitCtx = ctx.CancelContext()
	}

	results, werr := s.registry.WaitForChange(waitCtx, queries, timeout)
	rv := pcscerr.Success
	if werr != nil {
		rv = pcscerr.CodeOf(werr)
	}

	states := make([]wire.ReaderStateEntry, len(results))
	for i, r := range results {
		states[i] = wire.ReaderStateEntry{ReaderName: r.ReaderName, EventState: uint32(r.EventState), ATR: r.ATR}
	}
	return wire.GetStatusChangePayload{Context: req.Context, States: states, RV: int32(rv)}.Marshal()
}

func (s *Server) handleCancel(payload []byte) []byte {
	req, err := wire.UnmarshalCancel(payload)
	if err != nil {
		return wire.CancelPayload{RV: int32(pcscerr.ErrInvalidParameter)}.Marshal()
	}
	ctx, lerr := s.sessions.Lookup(req.Context)
	if lerr != nil {
		return wire.CancelPayload{Context: req.Context, RV: int32(pcscerr.CodeOf(lerr))}.Marshal()
	}
	_ = s.sessions.Cancel(ctx)
	return wire.CancelPayload{Context: req.Context, RV: int32(pcscerr.Success)}.Marshal()
}

func (s *Server) handleGetAttrib(payload []byte) []byte {
	req, err := wire.UnmarshalGetAttrib(payload)
	if err != nil {
		return wire.GetAttribPayload{RV: int32(pcscerr.ErrInsufficientBuffer)}.Marshal()
	}
	h, herr := s.handles.Lookup(req.Handle)
	if herr != nil {
		return wire.GetAttribPayload{Handle: req.Handle, AttrID: req.AttrID, RV: int32(pcscerr.CodeOf(herr))}.Marshal()
	}
	out, gerr := s.handles.GetAttrib(h, ifd.Capability(req.AttrID))
	if gerr != nil {
		return wire.GetAttribPayload{Handle: req.Handle, AttrID: req.AttrID, RV: int32(pcscerr.CodeOf(gerr))}.Marshal()
	}
	return wire.GetAttribPayload{Handle: req.Handle, AttrID: req.AttrID, Buffer: out, RV: int32(pcscerr.Success)}.Marshal()
}

func (s *Server) handleSetAttrib(payload []byte) []byte {
	req, err := wire.UnmarshalSetAttrib(payload)
	if err != nil {
		return wire.SetAttribPayload{RV: int32(pcscerr.ErrInsufficientBuffer)}.Marshal()
	}
	h, herr := s.handles.Lookup(req.Handle)
	if herr != nil {
		return wire.SetAttribPayload{Handle: req.Handle, AttrID: req.AttrID, RV: int32(pcscerr.CodeOf(herr))}.Marshal()
	}
	if serr := s.handles.SetAttrib(h, ifd.Capability(req.AttrID), req.Buffer); serr != nil {
		return wire.SetAttribPayload{Handle: req.Handle, AttrID: req.AttrID, RV: int32(pcscerr.CodeOf(serr))}.Marshal()
	}
	return wire.SetAttribPayload{Handle: req.Handle, AttrID: req.AttrID, RV: int32(pcscerr.Success)}.Marshal()
}

func shareModeFromWire(v uint32) handle.ShareMode {
	switch v {
	case 1:
		return handle.ShareExclusive
	case 3:
		return handle.ShareDirect
	default:
		return handle.ShareShared
	}
}

func dispositionFromWire(v uint32) handle.Disposition {
	switch v {
	case 1:
		return handle.Reset
	case 2:
		return handle.Unpower
	case 3:
		return handle.Eject
	default:
		return handle.Leave
	}
}

func commandName(c wire.Command) string {
	switch c {
	case wire.CmdEstablishContext:
		return "establish_context"
	case wire.CmdReleaseContext:
		return "release_context"
	case wire.CmdListReaders:
		return "list_readers"
	case wire.CmdConnect:
		return "connect"
	case wire.CmdReconnect:
		return "reconnect"
	case wire.CmdDisconnect:
		return "disconnect"
	case wire.CmdBeginTransaction:
		return "begin_transaction"
	case wire.CmdEndTransaction:
		return "end_transaction"
	case wire.CmdTransmit:
		return "transmit"
	case wire.CmdControl:
		return "control"
	case wire.CmdStatus:
		return "status"
	case wire.CmdGetStatusChange:
		return "get_status_change"
	case wire.CmdCancel:
		return "cancel"
	case wire.CmdGetAttrib:
		return "get_attrib"
	case wire.CmdSetAttrib:
		return "set_attrib"
	case wire.CmdVersion:
		return "version"
	default:
		return "unknown"
	}
}
