// Package session is the context & client lifecycle manager (C6): owns
// every client's established contexts, cascades their teardown on
// release or disconnect, and threads SCardCancel through to any blocked
// GetStatusChange.
package session

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/corcoran/pcscd/internal/handle"
	"github.com/corcoran/pcscd/internal/metrics"
	"github.com/corcoran/pcscd/internal/pcscerr"
)

// Context is one ESTABLISH_CONTEXT ownership root (spec.md §3/§4.6). It
// tracks every handle opened under it so release/disconnect can cascade.
type Context struct {
	ID     uint32
	mu     sync.Mutex
	cancel context.CancelFunc
	ctx    context.Context
	handles map[uint32]struct{}
}

// CancelContext returns the context.Context that GetStatusChange blocks
// on; SCardCancel cancels it, and Release cancels it as part of teardown.
func (c *Context) CancelContext() context.Context { return c.ctx }

// Manager tracks every live Context across every connected client and
// the handle.Manager they share (handle ids are process-wide, per C5).
type Manager struct {
	mu       sync.RWMutex
	contexts map[uint32]*Context
	handles  *handle.Manager
	metrics  *metrics.Metrics
}

// NewManager creates an empty context table bound to handles, the shared
// card-handle manager every context's cascade reaches into.
func NewManager(handles *handle.Manager) *Manager {
	return &Manager{
		contexts: make(map[uint32]*Context),
		handles:  handles,
	}
}

// SetMetrics attaches m; a nil m (the default) makes every call a no-op.
func (m *Manager) SetMetrics(metrics *metrics.Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = metrics
}

// Establish creates a new context (ESTABLISH_CONTEXT), per spec §4.6.
func (m *Manager) Establish() (*Context, error) {
	id, err := m.allocID()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Context{
		ID:      id,
		ctx:     ctx,
		cancel:  cancel,
		handles: make(map[uint32]struct{}),
	}
	m.mu.Lock()
	m.contexts[id] = c
	count := len(m.contexts)
	m.mu.Unlock()
	m.metrics.SetContextsOpen(count)

	log.Debug().Uint32("context", id).Msg("session: established")
	return c, nil
}

// Lookup resolves a wire context id.
func (m *Manager) Lookup(id uint32) (*Context, error) {
	m.mu.RLock()
	c, ok := m.contexts[id]
	m.mu.RUnlock()
	if !ok {
		return nil, pcscerr.New(pcscerr.ErrInvalidHandle)
	}
	return c, nil
}

// TrackHandle records that h was opened under c, so Release/cascade can
// find it later. Called by the transport dispatcher right after a
// successful connect.
func (m *Manager) TrackHandle(c *Context, h uint32) {
	c.mu.Lock()
	c.handles[h] = struct{}{}
	c.mu.Unlock()
}

// UntrackHandle removes h from c's ownership set (called after an
// explicit disconnect, so a later context release does not double-free
// it).
func (m *Manager) UntrackHandle(c *Context, h uint32) {
	c.mu.Lock()
	delete(c.handles, h)
	c.mu.Unlock()
}

// Release implements spec §4.6's four-step context teardown: quiesce,
// cascade-disconnect every owned handle, broadcast cancellation so any
// blocked GetStatusChange wakes, then deallocate.
func (m *Manager) Release(c *Context) error {
	c.mu.Lock()
	ids := make([]uint32, 0, len(c.handles))
	for h := range c.handles {
		ids = append(ids, h)
	}
	c.handles = make(map[uint32]struct{})
	c.mu.Unlock()

	m.handles.DisconnectAll(ids)
	c.cancel()

	m.mu.Lock()
	delete(m.contexts, c.ID)
	count := len(m.contexts)
	m.mu.Unlock()
	m.metrics.SetContextsOpen(count)

	log.Debug().Uint32("context", c.ID).Int("handles", len(ids)).Msg("session: released")
	return nil
}

// Cancel implements SCardCancel: sets the cancellation flag on c (which
// any GetStatusChange blocked on c.CancelContext().Done() observes) without destroying
// the context or its handles.
func (m *Manager) Cancel(c *Context) error {
	c.cancel()
	log.Debug().Uint32("context", c.ID).Msg("session: cancelled")
	return nil
}

// ClientDisconnected synthesizes the CLIENT_DIED cascade of spec §4.7:
// every context owned by this client is released as if by explicit
// RELEASE_CONTEXT. Session tracks contexts per-client in the transport
// layer (one ClientSession owns a slice of Context ids); this just
// batches Release over them.
func (m *Manager) ClientDisconnected(contextIDs []uint32) {
	for _, id := range contextIDs {
		c, err := m.Lookup(id)
		if err != nil {
			continue
		}
		_ = m.Release(c)
	}
}

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
		_, exists := m.contexts[id]
		m.mu.RUnlock()
		if !exists {
			return id, nil
		}
	}
	return 0, pcscerr.New(pcscerr.ErrNoMemory)
}
