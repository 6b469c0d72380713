package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/protocol"
)

// sweepLoop pairs users left in the queue and deactivates abandoned
// sessions until the service stops.
func (s *Service) sweepLoop() {
	defer close(s.done)

	queueTicker := time.NewTicker(s.cfg.SweepInterval)
	defer queueTicker.Stop()
	staleTicker := time.NewTicker(s.cfg.StaleInterval)
	defer staleTicker.Stop()

	s.sweepStale()

	for {
		select {
		case <-s.ctx.Done():
			s.log.Debug().Msg("sweep loop stopped")
			return
		case <-queueTicker.C:
			s.sweepQueue()
		case <-staleTicker.C:
			s.sweepStale()
		}
	}
}

func (s *Service) sweepQueue() {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.SweepInterval)
	defer cancel()

	n, err := s.engine.SweepQueue(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("queue sweep failed")
		return
	}
	if n > 0 {
		s.log.Info().Int("matched", n).Msg("queue sweep")
	}
}

func (s *Service) sweepStale() {
	ctx, cancel := context.WithTimeout(s.ctx, time.Minute)
	defer cancel()

	if _, err := s.engine.SweepStale(ctx); err != nil {
		s.log.Error().Err(err).Msg("stale sweep failed")
	}
}

// handlePresence only logs and counts. A disconnect does not end the
// session; silence is left to the watchdog.
func (s *Service) handlePresence(data []byte) {
	var msg protocol.PresenceMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn().Err(err).Msg("invalid presence event")
		return
	}

	switch msg.Event {
	case protocol.PresenceConnect:
		metrics.PresenceTotal.WithLabelValues(msg.Event).Inc()
		s.log.Debug().Int64("user", msg.UserID).Str("server", msg.Server).Msg("user connected")
	case protocol.PresenceDisconnect:
		metrics.PresenceTotal.WithLabelValues(msg.Event).Inc()
		s.log.Debug().Int64("user", msg.UserID).Str("server", msg.Server).Msg("user disconnected")
	default:
		s.log.Warn().Str("event", msg.Event).Msg("unknown presence event")
	}
}
