// Package service is the engine process's bus adapter. It consumes user
// actions from NATS, runs them against the engine one at a time per user,
// and drives the periodic queue and stale-session sweeps.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/whisper/pairchat/internal/engine"
	"github.com/whisper/pairchat/internal/feedback"
	"github.com/whisper/pairchat/internal/logging"
	"github.com/whisper/pairchat/internal/notify"
	"github.com/whisper/pairchat/internal/profile"
	"github.com/whisper/pairchat/internal/protocol"
)

const (
	defaultSweepInterval = 5 * time.Second
	defaultStaleInterval = 10 * time.Minute

	// actionTimeout bounds a single action, including its store calls.
	actionTimeout = 10 * time.Second
)

// Engine is the pairing core as the service drives it.
type Engine interface {
	StartSearch(ctx context.Context, userID int64) error
	CancelSearch(ctx context.Context, userID int64) error
	SubmitMessage(ctx context.Context, userID int64, text string) error
	Rate(ctx context.Context, userID, sessionID int64, stars int) error
	Complain(ctx context.Context, userID, sessionID int64, text string) error
	SweepQueue(ctx context.Context) (int, error)
	SweepStale(ctx context.Context) (int, error)
}

// Profiles stores the forms users fill in outside a chat.
type Profiles interface {
	EnsureUser(ctx context.Context, userID int64) error
	SetPreference(ctx context.Context, userID int64, p profile.Preference) error
	SaveProfile(ctx context.Context, snap profile.Snapshot) error
}

// Bus is the part of the NATS client the service subscribes with.
type Bus interface {
	SubscribeActions(handler func(data []byte)) error
	SubscribePresence(handler func(data []byte)) error
}

// Config holds the sweep cadence.
type Config struct {
	SweepInterval time.Duration
	StaleInterval time.Duration
}

// DefaultConfig returns a 5s queue sweep and a 10 minute stale sweep.
func DefaultConfig() Config {
	return Config{SweepInterval: defaultSweepInterval, StaleInterval: defaultStaleInterval}
}

// Service consumes pair.action and pair.presence.
type Service struct {
	cfg      Config
	engine   Engine
	profiles Profiles
	bus      Bus
	notifier notify.Notifier
	lanes    *serial
	validate *validator.Validate
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a service. Start must be called to subscribe.
func New(cfg Config, eng Engine, profiles Profiles, bus Bus, notifier notify.Notifier) *Service {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.StaleInterval <= 0 {
		cfg.StaleInterval = defaultStaleInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:      cfg,
		engine:   eng,
		profiles: profiles,
		bus:      bus,
		notifier: notifier,
		lanes:    newSerial(),
		validate: validator.New(),
		log:      logging.Component("service"),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start subscribes to the bus and starts the sweep loop.
func (s *Service) Start() error {
	if err := s.bus.SubscribeActions(s.handleAction); err != nil {
		return err
	}
	if err := s.bus.SubscribePresence(s.handlePresence); err != nil {
		return err
	}

	go s.sweepLoop()

	s.log.Info().
		Dur("sweep_interval", s.cfg.SweepInterval).
		Dur("stale_interval", s.cfg.StaleInterval).
		Msg("service started")
	return nil
}

// Stop halts the sweeps and waits for in-flight actions.
func (s *Service) Stop() {
	s.cancel()
	<-s.done
	s.lanes.Wait()
	s.log.Info().Msg("service stopped")
}

func (s *Service) handleAction(data []byte) {
	var msg protocol.ActionMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn().Err(err).Msg("invalid action")
		return
	}
	if msg.UserID <= 0 {
		s.log.Warn().Str("action", msg.Action).Msg("action without user")
		return
	}
	if s.ctx.Err() != nil {
		return
	}

	s.lanes.Submit(msg.UserID, func() {
		ctx, cancel := context.WithTimeout(s.ctx, actionTimeout)
		defer cancel()
		s.dispatch(ctx, msg)
	})
}

// dispatch runs one action. Rejections were already reported to the user
// by the engine and are only logged here. Any other failure gets a generic
// retry notice so the user is never left without an answer.
func (s *Service) dispatch(ctx context.Context, msg protocol.ActionMsg) {
	var err error
	switch msg.Action {
	case protocol.ActionSearch:
		err = s.engine.StartSearch(ctx, msg.UserID)
	case protocol.ActionCancel:
		err = s.engine.CancelSearch(ctx, msg.UserID)
	case protocol.ActionMessage:
		err = s.engine.SubmitMessage(ctx, msg.UserID, msg.Text)
	case protocol.ActionRate:
		err = s.engine.Rate(ctx, msg.UserID, msg.SessionID, msg.Stars)
	case protocol.ActionComplain:
		err = s.engine.Complain(ctx, msg.UserID, msg.SessionID, msg.Text)
	case protocol.ActionSetPreference:
		err = s.setPreference(ctx, msg.UserID, msg.Preference)
	case protocol.ActionSaveProfile:
		err = s.saveProfile(ctx, msg.UserID, msg.Profile)
	default:
		s.log.Warn().Str("action", msg.Action).Int64("user", msg.UserID).Msg("unknown action")
		return
	}

	switch {
	case err == nil:
	case isRejection(err):
		s.log.Debug().Err(err).Str("action", msg.Action).Int64("user", msg.UserID).Msg("action rejected")
	default:
		s.log.Error().Err(err).Str("action", msg.Action).Int64("user", msg.UserID).Msg("action failed")
		s.notice(ctx, msg.UserID, notify.KindRejected, textFailed)
	}
}

var errInvalidForm = errors.New("service: invalid form")

func isRejection(err error) bool {
	for _, target := range []error{
		engine.ErrNoActiveSession,
		engine.ErrAlreadyInSession,
		engine.ErrAlreadyQueued,
		engine.ErrNoPreference,
		engine.ErrAdminAccount,
		engine.ErrBanned,
		engine.ErrSearchOnly,
		feedback.ErrInvalidStars,
		feedback.ErrNotParticipant,
		feedback.ErrEmptyComplaint,
		errInvalidForm,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (s *Service) setPreference(ctx context.Context, userID int64, p profile.Preference) error {
	if !p.Valid() {
		s.notice(ctx, userID, notify.KindRejected, textInvalidPreference)
		return errInvalidForm
	}
	if err := s.profiles.SetPreference(ctx, userID, p); err != nil {
		return err
	}
	s.notice(ctx, userID, notify.KindPreferenceSaved, textPreferenceSaved)
	return nil
}

func (s *Service) saveProfile(ctx context.Context, userID int64, snap *profile.Snapshot) error {
	if snap == nil {
		s.notice(ctx, userID, notify.KindRejected, textInvalidProfile)
		return errInvalidForm
	}
	p := *snap
	p.UserID = userID
	if err := s.validate.Struct(p); err != nil {
		s.notice(ctx, userID, notify.KindRejected, textInvalidProfile)
		return errors.Join(errInvalidForm, err)
	}
	if err := s.profiles.EnsureUser(ctx, userID); err != nil {
		return err
	}
	if err := s.profiles.SaveProfile(ctx, p); err != nil {
		return err
	}
	s.notice(ctx, userID, notify.KindProfileSaved, textProfileSaved)
	return nil
}

func (s *Service) notice(ctx context.Context, userID int64, kind, text string) {
	s.notifier.Notify(ctx, userID, notify.Notice{Kind: kind, Text: text})
}

const (
	textInvalidPreference = "Pick your gender and who you want to talk to."
	textPreferenceSaved   = "Preferences saved."
	textInvalidProfile    = "Some profile fields are missing or too long."
	textProfileSaved      = "Profile saved. It is shown only after a mutual reveal."
	textFailed            = "Something went wrong, please try again."
)
