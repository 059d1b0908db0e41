// Package transport is the client-server transport (C7): a local stream
// socket listener, one dispatcher goroutine per accepted connection, and
// the command table translating internal/wire frames into calls against
// the registry, handle, and session managers.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/corcoran/pcscd/internal/handle"
	"github.com/corcoran/pcscd/internal/pcscerr"
	"github.com/corcoran/pcscd/internal/registry"
	"github.com/corcoran/pcscd/internal/session"
	"github.com/corcoran/pcscd/internal/wire"
)

// SocketPath is the canonical listen path (spec §4.7/§6); callers may
// override it from internal/config.
const SocketPath = "/var/run/pcscd/pcscd.comm"

// SocketMode is the filesystem permission applied to the listening
// socket, per spec §4.7.
const SocketMode = 0660

// Server owns the listener and the shared C3/C5/C6 managers every client
// dispatcher reaches into.
type Server struct {
	path     string
	registry *registry.Registry
	handles  *handle.Manager
	sessions *session.Manager

	mu       sync.Mutex
	listener net.Listener
}

// New builds a Server bound to path (use SocketPath for the default).
func New(path string, reg *registry.Registry, handles *handle.Manager, sessions *session.Manager) *Server {
	return &Server{path: path, registry: reg, handles: handles, sessions: sessions}
}

// Serve binds the socket and accepts clients until ctx is cancelled,
// implementing the drain half of spec §4.7/§5's signal handling: when ctx
// is done, the listener is closed so Accept unblocks and returns.
func (s *Server) Serve(ctx context.Context) error {
	_ = os.Remove(s.path)
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.path, SocketMode); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("transport: chmod socket failed")
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
		_ = os.Remove(s.path)
	}()

	log.Info().Str("path", s.path).Msg("transport: listening")

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveClient(conn)
		}()
	}
}

// clientSession tracks the contexts a single connection has established,
// so EOF/error can cascade CLIENT_DIED per spec §4.6/§4.7.
type clientSession struct {
	mu       sync.Mutex
	contexts []uint32
}

func (c *clientSession) track(id uint32) {
	c.mu.Lock()
	c.contexts = append(c.contexts, id)
	c.mu.Unlock()
}

func (c *clientSession) untrack(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.contexts {
		if existing == id {
			c.contexts = append(c.contexts[:i], c.contexts[i+1:]...)
			return
		}
	}
}

func (c *clientSession) all() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32(nil), c.contexts...)
}

func (s *Server) serveClient(conn net.Conn) {
	defer conn.Close()
	connID := uuid.New().String()
	logger := log.With().Str("client_id", connID).Str("remote", conn.RemoteAddr().String()).Logger()

	if !s.handshake(conn, logger) {
		return
	}

	client := &clientSession{}
	defer func() {
		ids := client.all()
		if len(ids) > 0 {
			s.sessions.ClientDisconnected(ids)
			logger.Info().Int("contexts", len(ids)).Msg("transport: client died, cascaded cleanup")
		}
	}()

	for {
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug().Err(err).Msg("transport: read failed, closing")
			}
			return
		}
		reply, requestID := s.dispatch(client, msg, logger)
		out := wire.Message{
			Header:  wire.Header{Command: msg.Header.Command, RequestID: requestID},
			Payload: reply,
		}
		if err := wire.WriteMessage(conn, out); err != nil {
			logger.Debug().Err(err).Msg("transport: write failed, closing")
			return
		}
	}
}

// handshake implements spec §4.7's version exchange: the first message
// must be CMD_VERSION; a major mismatch disconnects the client.
func (s *Server) handshake(conn net.Conn, logger zerolog.Logger) bool {
	msg, err := wire.ReadMessage(conn)
	if err != nil {
		return false
	}
	if msg.Header.Command != wire.CmdVersion {
		logger.Warn().Msg("transport: first message was not CMD_VERSION, closing")
		return false
	}
	req, err := wire.UnmarshalVersion(msg.Payload)
	if err != nil {
		return false
	}

	resp := wire.VersionPayload{Major: wire.ProtocolVersionMajor, Minor: wire.ProtocolVersionMinor, RV: int32(pcscerr.Success)}
	if req.Major != wire.ProtocolVersionMajor {
		resp.RV = int32(pcscerr.ErrIncompatibleProtocol)
	}

	out := wire.Message{Header: wire.Header{Command: wire.CmdVersion}, Payload: resp.Marshal()}
	if err := wire.WriteMessage(conn, out); err != nil {
		return false
	}
	return resp.RV == int32(pcscerr.Success)
}
