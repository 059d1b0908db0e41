package registry

import (
	"sync"
	"time"

	"github.com/corcoran/pcscd/internal/ifd"
)

// PollInterval is the reference event-worker poll period (spec §4.4).
const PollInterval = 400 * time.Millisecond

// Slot is one physical card-accepting position (ReaderSlot in spec §3).
// The driver mutex (held across driver calls) and the state mutex
// (held only to mutate View/sharing fields; the transaction lock has its
// own txMu) are
// deliberately separate, per spec §9's design note and §5's resource
// policy: driver calls can take seconds, state updates take
// nanoseconds.
type Slot struct {
	Name       string
	DeviceURI  string
	ChannelID  uint32
	Index      int // slot index within a multi-slot driver module
	LibPath    string

	driver *ifd.Wrapper

	stateMu sync.RWMutex
	view    View

	txMu      sync.Mutex
	txCond    *sync.Cond
	txHolder  *uint32 // handle id holding the transaction lock, nil if free
	txDepth   int

	changeMu   sync.Mutex
	changeCond *sync.Cond

	// handleEvents tracks, per open handle id, the sticky reset/removed
	// bits per spec §4.5 "Sticky event-state bits".
	handleMu     sync.Mutex
	handleEvents map[uint32]StateFlag

	shutdown chan struct{}
	stopped  chan struct{}

	onStateChange func(reader, transition string)
}

// SetStateChangeHook registers fn to be called with a short transition
// label ("inserted", "removed", "swallowed", "unavailable") every time
// the event worker observes one, letting internal/metrics observe the
// registry without this package importing the metrics client directly.
func (s *Slot) SetStateChangeHook(fn func(reader, transition string)) {
	s.onStateChange = fn
}

func (s *Slot) recordTransition(transition string) {
	if s.onStateChange != nil {
		s.onStateChange(s.Name, transition)
	}
}

// NewSlotForTesting builds a standalone Slot around driver without going
// through a Registry, for use by other packages' tests (internal/handle,
// internal/session, internal/transport) that need a slot backed by
// internal/ifd/ifdtest.Fake instead of a dlopen'd driver. The event
// worker is not started; callers mutate state directly via the exported
// accessors.
func NewSlotForTesting(name string, driver *ifd.Wrapper) *Slot {
	return newSlot(name, "test://0", 0, 0, "", driver)
}

func newSlot(name, uri string, channel uint32, index int, libPath string, driver *ifd.Wrapper) *Slot {
	s := &Slot{
		Name:         name,
		DeviceURI:    uri,
		ChannelID:    channel,
		Index:        index,
		LibPath:      libPath,
		driver:       driver,
		view:         View{ReaderName: name, Presence: PresenceUnknown},
		handleEvents: make(map[uint32]StateFlag),
		shutdown:     make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	s.txCond = sync.NewCond(&s.txMu)
	s.changeCond = sync.NewCond(&s.changeMu)
	return s
}

// View returns a defensive snapshot of the slot's published state.
func (s *Slot) View() View {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.view.Snapshot()
}

func (s *Slot) mutateView(fn func(*View)) {
	s.stateMu.Lock()
	fn(&s.view)
	s.view.StateCounter++
	s.stateMu.Unlock()
	s.broadcastChange()
}

func (s *Slot) broadcastChange() {
	s.changeMu.Lock()
	s.changeCond.Broadcast()
	s.changeMu.Unlock()
}

// Driver exposes the slot's serialized driver wrapper to the handle
// manager for transmit/control/power calls.
func (s *Slot) Driver() *ifd.Wrapper { return s.driver }

// --- sharing count, mutated only under stateMu per spec §5 ---

// TryExclusive attempts to claim the slot exclusively; returns false if
// already shared or exclusive (sharing count != 0).
func (s *Slot) TryExclusive() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.view.SharingCount != 0 {
		return false
	}
	s.view.SharingCount = -1
	return true
}

// TryShared attempts to join the slot in shared mode; returns false if
// held exclusively.
func (s *Slot) TryShared() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.view.SharingCount < 0 {
		return false
	}
	s.view.SharingCount++
	return true
}

// JoinDirect always succeeds; direct mode doesn't require a card but
// still participates in the sharing count so a concurrent exclusive
// connect is rejected.
func (s *Slot) JoinDirect() bool {
	return s.TryShared()
}

// Release decrements (or clears) the sharing count held by one handle.
func (s *Slot) Release(wasExclusive bool) {
	s.stateMu.Lock()
	if wasExclusive {
		s.view.SharingCount = 0
	} else if s.view.SharingCount > 0 {
		s.view.SharingCount--
	}
	s.stateMu.Unlock()
}

func (s *Slot) SharingCount() int32 {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.view.SharingCount
}

// --- sticky per-handle event bits, spec §4.5 ---

func (s *Slot) setHandleEvent(handle uint32, bit StateFlag) {
	s.handleMu.Lock()
	s.handleEvents[handle] |= bit
	s.handleMu.Unlock()
}

// setHandleEventAll marks bit sticky on every handle currently registered
// on this slot (used when the slot-wide card state transitions).
func (s *Slot) setHandleEventAll(bit StateFlag) {
	s.handleMu.Lock()
	for h := range s.handleEvents {
		s.handleEvents[h] |= bit
	}
	s.handleMu.Unlock()
}

func (s *Slot) RegisterHandle(handle uint32) {
	s.handleMu.Lock()
	s.handleEvents[handle] = 0
	s.handleMu.Unlock()
}

func (s *Slot) UnregisterHandle(handle uint32) {
	s.handleMu.Lock()
	delete(s.handleEvents, handle)
	s.handleMu.Unlock()
}

// ConsumeHandleEvent returns the sticky bits for handle and clears them
// (used by reconnect, which acknowledges pending events per spec §4.5).
func (s *Slot) ConsumeHandleEvent(handle uint32) StateFlag {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	bits := s.handleEvents[handle]
	s.handleEvents[handle] = 0
	return bits
}

// PeekHandleEvent returns the sticky bits for handle without clearing
// them (every other call observes the event redundantly until
// acknowledged, per spec §4.5/§7).
func (s *Slot) PeekHandleEvent(handle uint32) StateFlag {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	return s.handleEvents[handle]
}

// --- transaction lock, spec §4.5 begin/end_transaction ---

// BeginTransaction acquires the recursive per-slot lock on behalf of
// handle, blocking up to wait if held by another handle.
func (s *Slot) BeginTransaction(handle uint32, wait time.Duration) bool {
	deadline := time.Now().Add(wait)
	s.txMu.Lock()
	defer s.txMu.Unlock()
	for s.txHolder != nil && *s.txHolder != handle {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		waitOnCond(s.txCond, remaining)
	}
	if s.txHolder == nil {
		h := handle
		s.txHolder = &h
		s.txDepth = 1
	} else {
		s.txDepth++
	}
	return true
}

// EndTransaction decrements the recursive depth, releasing the lock at
// depth 0. Returns true if the lock was actually released.
func (s *Slot) EndTransaction(handle uint32) bool {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if s.txHolder == nil || *s.txHolder != handle {
		return false
	}
	s.txDepth--
	if s.txDepth <= 0 {
		s.txHolder = nil
		s.txDepth = 0
		s.txCond.Broadcast()
		return true
	}
	return false
}

// HoldsTransaction reports whether handle currently holds the slot's
// transaction lock.
func (s *Slot) HoldsTransaction(handle uint32) bool {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.txHolder != nil && *s.txHolder == handle
}

// TransactionLocked reports whether any handle holds the lock.
func (s *Slot) TransactionLocked() bool {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.txHolder != nil
}

// ForceReleaseTransaction clears the lock unconditionally (used when a
// context/handle is destroyed while still holding it, per spec §4.6).
func (s *Slot) ForceReleaseTransaction(handle uint32) {
	s.txMu.Lock()
	if s.txHolder != nil && *s.txHolder == handle {
		s.txHolder = nil
		s.txDepth = 0
		s.txCond.Broadcast()
	}
	s.txMu.Unlock()
}

// waitOnCond waits on cond for at most d, using a timer to force a
// Broadcast since sync.Cond has no native timed wait.
func waitOnCond(cond *sync.Cond, d time.Duration) {
	timer := time.AfterFunc(d, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	defer timer.Stop()
	cond.Wait()
}
