package registry

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/corcoran/pcscd/internal/atr"
	"github.com/corcoran/pcscd/internal/ifd"
)

// runEventWorker is the per-slot polling loop (C4), implementing the
// state machine from spec §4.4: UNKNOWN -> ABSENT/PRESENT, with
// transitions on every poll cycle, each observable change publishing a
// new View and bumping StateCounter.
func (s *Slot) runEventWorker(poll time.Duration) {
	defer close(s.stopped)

	logger := log.With().Str("reader", s.Name).Logger()

	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		s.pollOnce(logger)

		select {
		case <-s.shutdown:
			return
		case <-time.After(poll):
		}
	}
}

func (s *Slot) pollOnce(logger zerolog.Logger) {
	presence, err := s.driver.ICCPresence(s.Index)
	wasPresent := s.View().Presence == PresencePresent || s.View().Presence == PresenceSwallowed

	if err != nil {
		if s.View().Presence != PresenceUnavailable {
			logger.Warn().Err(err).Msg("registry: presence probe failed")
			s.recordTransition("unavailable")
		}
		s.mutateView(func(v *View) {
			v.Presence = PresenceUnavailable
			v.ATR = nil
			v.Protocol = 0
		})
		return
	}

	switch presence {
	case ifd.PresencePresent:
		if !wasPresent {
			s.handleInsertion(logger)
		}
	case ifd.PresenceAbsent:
		if wasPresent {
			logger.Debug().Msg("registry: card removed")
			s.handleRemoval()
		} else if s.View().Presence == PresenceUnknown {
			s.mutateView(func(v *View) { v.Presence = PresenceAbsent })
		}
	default:
		s.mutateView(func(v *View) { v.Presence = PresenceUnknown })
	}
}

func (s *Slot) handleInsertion(logger zerolog.Logger) {
	rawATR, err := s.driver.Power(s.Index, ifd.PowerUp)
	if err != nil || len(rawATR) < 2 {
		logger.Warn().Err(err).Msg("registry: power-up failed, card swallowed")
		s.mutateView(func(v *View) {
			v.Presence = PresenceSwallowed
			v.ATR = nil
			v.Protocol = 0
		})
		s.recordTransition("swallowed")
		return
	}
	decoded, derr := atr.Decode(rawATR)
	var proto uint32
	if derr == nil {
		proto = uint32(decoded.CurrentProtocol)
	} else {
		logger.Warn().Err(derr).Msg("registry: ATR decode failed, default protocol unknown")
	}
	logger.Debug().Hex("atr", rawATR).Msg("registry: card inserted")
	s.mutateView(func(v *View) {
		v.Presence = PresencePresent
		v.ATR = rawATR
		v.Protocol = proto
	})
	s.recordTransition("inserted")
}

func (s *Slot) handleRemoval() {
	s.setHandleEventAll(StateRemoved)
	s.mutateView(func(v *View) {
		v.Presence = PresenceAbsent
		v.ATR = nil
		v.Protocol = 0
	})
	s.recordTransition("removed")
}

// StateReset/StateRemoved are sticky per-handle bits, distinct from the
// wire StateFlag space (those describe the reader; these describe what
// happened to one handle since it last looked), per spec §4.5.
const (
	StateReset   StateFlag = 1 << 16
	StateRemoved StateFlag = 1 << 17
)

// RecordReset marks every open handle on the slot with the sticky reset
// bit and bumps the state counter. The handle manager calls it when
// reconnect, disconnect or end_transaction reset or unpower the card; the
// event worker does not detect driver-level resets and never calls it.
func (s *Slot) RecordReset() {
	s.setHandleEventAll(StateReset)
	s.mutateView(func(v *View) {})
}

// ForceSetPresentForTesting publishes a present card with the given
// protocol directly, for handle/session/transport package tests that
// build a Slot with NewSlotForTesting and need a card present without
// running the polling goroutine.
func (s *Slot) ForceSetPresentForTesting(proto ifd.Protocol) {
	s.mutateView(func(v *View) {
		v.Presence = PresencePresent
		v.ATR = []byte{0x3B, 0x00}
		v.Protocol = uint32(proto)
	})
}

// SimulateRemovalForTesting drives the same transition pollOnce would
// publish on observing a removal, including the sticky per-handle bit.
func (s *Slot) SimulateRemovalForTesting() {
	s.handleRemoval()
}
