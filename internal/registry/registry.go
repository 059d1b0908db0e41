// Package registry is the resource manager's core: the table of attached
// readers (C3), each backed by an ifd.Wrapper and a per-slot event worker
// (C4) that publishes a View clients observe through GetStatusChange.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/corcoran/pcscd/internal/ifd"
	"github.com/corcoran/pcscd/internal/metrics"
	"github.com/corcoran/pcscd/internal/pcscerr"
)

// MaxSlots is the fixed capacity of the reader table (PCSCLITE_MAX_READERS
// in the original daemon).
const MaxSlots = 16

// Registry owns the reader table. One process-wide instance is created at
// startup; Add/Remove are called both during config-driven startup and in
// response to hotplug events from C8.
type Registry struct {
	mu      sync.RWMutex
	slots   map[string]*Slot // keyed by public reader name (with suffix if duplicated)
	loader  *ifd.Loader
	metrics *metrics.Metrics
	events  chan Event
}

// New creates an empty registry backed by its own driver loader and starts
// the event bus's logging/metrics consumer.
func New() *Registry {
	r := &Registry{
		slots:  make(map[string]*Slot),
		loader: ifd.NewLoader(),
		events: make(chan Event, eventBusCap),
	}
	go r.consumeEvents()
	return r
}

// SetMetrics attaches m so events published on r.Events() update its
// gauges/counters; passing nil (the default) makes every call a no-op.
func (r *Registry) SetMetrics(m *metrics.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
	m.SetReadersAttached(len(r.slots))
}

// Add loads libPath (if not already loaded), opens channelOrURI, and
// publishes one or more named slots for it, per spec §4.1: the driver is
// queried for TAG_IFD_SLOTS_NUMBER and one Slot plus event worker is
// spawned per physical slot it reports. A second Add of a displayName
// already attached on the same channelOrURI is rejected with
// DUPLICATE_READER. Slot names come from uniqueName: a single-slot reader
// keeps the bare displayName, the slots of a multi-slot reader get a " NN"
// slot-index suffix, and a name already in use gets a " (n)" suffix; no
// per-reader instance number is added.
func (r *Registry) Add(displayName, channelOrURI, libPath string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.slots) >= MaxSlots {
		return nil, pcscerr.New(pcscerr.ErrNoMemory)
	}

	for _, s := range r.slots {
		if s.DeviceURI == channelOrURI && strings.HasPrefix(s.Name, displayName) {
			return nil, pcscerr.New(pcscerr.ErrDuplicateReader)
		}
	}

	driver, err := r.loader.Load(libPath)
	if err != nil {
		return nil, fmt.Errorf("registry: load driver: %w", err)
	}

	wrapper := ifd.NewWrapper(driver)

	if err := wrapper.OpenChannel(0, channelOrURI); err != nil {
		_ = wrapper.Close()
		return nil, fmt.Errorf("registry: open channel: %w", err)
	}

	slotCount := 1
	if raw, err := wrapper.GetCapability(0, ifd.TagIFDSlotsNumber); err == nil && len(raw) > 0 {
		slotCount = int(raw[0])
		if slotCount < 1 {
			slotCount = 1
		}
	}

	if len(r.slots)+slotCount > MaxSlots {
		_ = wrapper.Close()
		return nil, pcscerr.New(pcscerr.ErrNoMemory)
	}

	names := make([]string, 0, slotCount)
	for i := 0; i < slotCount; i++ {
		name := r.uniqueName(displayName, i, slotCount)
		slot := newSlot(name, channelOrURI, 0, i, libPath, wrapper)
		slot.SetStateChangeHook(r.publish)
		r.slots[name] = slot
		names = append(names, name)

		go slot.runEventWorker(PollInterval)

		r.publish(name, "attached")
		log.Info().Str("reader", name).Str("driver", libPath).Msg("registry: reader attached")
	}
	r.metrics.SetReadersAttached(len(r.slots))

	return names, nil
}

// InjectSlotForTesting publishes slot directly into the registry's table,
// bypassing Add's driver-loading dance, for packages (internal/transport)
// whose tests need a Registry backed by internal/ifd/ifdtest.Fake.
func (r *Registry) InjectSlotForTesting(slot *Slot) {
	r.mu.Lock()
	slot.SetStateChangeHook(r.publish)
	r.slots[slot.Name] = slot
	r.metrics.SetReadersAttached(len(r.slots))
	r.mu.Unlock()
}

// uniqueName builds a slot's public name: base alone for a single-slot
// reader, base plus a " %02d" slot index for a multi-slot one, and, when
// that name is already taken, the first free " (n)" variant counting n
// from 1. It does not add a per-reader instance number.
func (r *Registry) uniqueName(base string, slotIndex, slotCount int) string {
	candidate := base
	if slotCount > 1 {
		candidate = fmt.Sprintf("%s %02d", base, slotIndex)
	}
	if _, exists := r.slots[candidate]; !exists {
		return candidate
	}
	for n := 1; ; n++ {
		alt := fmt.Sprintf("%s (%d)", candidate, n)
		if _, exists := r.slots[alt]; !exists {
			return alt
		}
	}
}

// Remove stops name's event worker, closes its driver channel, and drops
// the reference on the underlying driver module, unloading it when no
// slot references it anymore (spec §4.1 detach path).
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	slot, ok := r.slots[name]
	if !ok {
		r.mu.Unlock()
		return pcscerr.New(pcscerr.ErrUnknownReader)
	}
	delete(r.slots, name)
	r.metrics.SetReadersAttached(len(r.slots))
	r.mu.Unlock()

	r.publish(name, "detached")
	close(slot.shutdown)
	<-slot.stopped

	if err := slot.driver.CloseChannel(slot.Index); err != nil {
		log.Warn().Err(err).Str("reader", name).Msg("registry: close channel failed")
	}
	if err := slot.driver.Close(); err != nil {
		log.Warn().Err(err).Str("reader", name).Msg("registry: driver unload failed")
	}

	log.Info().Str("reader", name).Msg("registry: reader detached")
	return nil
}

// Lookup returns the named slot, or ErrUnknownReader.
func (r *Registry) Lookup(name string) (*Slot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, ok := r.slots[name]
	if !ok {
		return nil, pcscerr.New(pcscerr.ErrUnknownReader)
	}
	return slot, nil
}

// ReaderNames returns the currently attached reader names in a stable
// (sorted) order, for ListReaders.
func (r *Registry) ReaderNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.slots))
	for n := range r.slots {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Shutdown stops every slot's event worker and closes every driver
// module, for use during daemon shutdown (spec §5).
func (r *Registry) Shutdown() {
	r.mu.Lock()
	slots := make([]*Slot, 0, len(r.slots))
	for _, s := range r.slots {
		slots = append(slots, s)
	}
	r.slots = make(map[string]*Slot)
	r.mu.Unlock()

	for _, s := range slots {
		close(s.shutdown)
		<-s.stopped
		_ = s.driver.CloseChannel(s.Index)
		_ = s.driver.Close()
	}
	close(r.events)
}

// StatusQuery is one entry of a GetStatusChange request: the reader name
// the client is watching (or "\\?PnP?\\Notification" — handled by the
// caller, not here) plus the client's last-known state bits, which the
// comparison in WaitForChange treats the same way pcsclite's
// readerStatesChanged0 does: a change is reported when the computed
// EventMask differs from CurrentState, not merely when the counter moved.
type StatusQuery struct {
	ReaderName   string
	CurrentState StateFlag
}

// StatusResult is the answer for one StatusQuery.
type StatusResult struct {
	ReaderName string
	EventState StateFlag
	ATR        []byte
}

// WaitForChange implements spec §4.4's GetStatusChange algorithm: for each
// query, resolve the named slot and compute its current EventMask; if any
// differs from the client's supplied CurrentState, return immediately
// (with StateChanged set on the differing entries). timeout == 0 is a
// non-blocking poll: the current state is returned with SUCCESS whether
// or not anything changed. Otherwise block until any watched slot
// changes, ctx is cancelled (SCardCancel maps to cancelling ctx), or
// timeout elapses; timeout < 0 blocks indefinitely until ctx is done.
func (r *Registry) WaitForChange(ctx context.Context, queries []StatusQuery, timeout time.Duration) ([]StatusResult, error) {
	if len(queries) == 0 {
		return nil, pcscerr.New(pcscerr.ErrInvalidParameter)
	}

	slots := make([]*Slot, len(queries))
	for i, q := range queries {
		s, err := r.Lookup(q.ReaderName)
		if err != nil {
			return nil, err
		}
		slots[i] = s
	}

	results, changed := r.snapshot(queries, slots)
	if changed {
		return results, nil
	}
	if timeout == 0 {
		return results, nil
	}

	changes := make(chan struct{}, 1)
	notify := func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	}

	stopFns := make([]func(), len(slots))
	for i, s := range slots {
		stopFns[i] = watchSlot(s, notify)
	}
	defer func() {
		for _, stop := range stopFns {
			stop()
		}
	}()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil, pcscerr.New(pcscerr.ErrCancelled)
		case <-timeoutCh:
			results, _ := r.snapshot(queries, slots)
			return results, pcscerr.New(pcscerr.ErrTimeout)
		case <-changes:
			if results, changed := r.snapshot(queries, slots); changed {
				return results, nil
			}
		}
	}
}

func (r *Registry) snapshot(queries []StatusQuery, slots []*Slot) ([]StatusResult, bool) {
	results := make([]StatusResult, len(queries))
	changed := false
	for i, q := range queries {
		v := slots[i].View()
		mask := v.EventMask()
		if mask != q.CurrentState {
			mask |= StateChanged
			changed = true
		}
		results[i] = StatusResult{ReaderName: v.ReaderName, EventState: mask, ATR: v.ATR}
	}
	return results, changed
}

// watchSlot runs a goroutine that calls notify every time slot's
// changeCond broadcasts, until stop is called. sync.Cond has no
// context-aware wait, so a dedicated goroutine per watched slot bridges
// the broadcast into the select loop in WaitForChange; it exits promptly
// because mutateView always broadcasts at least once after stop closes
// the done channel's owning slot is torn down, and because stop itself
// forces one more wakeup.
func watchSlot(s *Slot, notify func()) func() {
	done := make(chan struct{})
	go func() {
		for {
			s.changeMu.Lock()
			select {
			case <-done:
				s.changeMu.Unlock()
				return
			default:
			}
			s.changeCond.Wait()
			s.changeMu.Unlock()

			select {
			case <-done:
				return
			default:
				notify()
			}
		}
	}()
	return func() {
		close(done)
		s.broadcastChange()
	}
}
