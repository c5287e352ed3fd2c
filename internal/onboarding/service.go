// Package onboarding implements the per-contact funnel state machine. Every
// handler re-reads the persisted record before acting — no stage is cached
// across events — and every outbound send goes through the shared
// dispatcher.
package onboarding

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"joinflow/internal/dispatch"
	"joinflow/internal/kit"
	"joinflow/internal/store"
)

type Config struct {
	// GateChannelID is the force-subscribe channel checked on the start
	// command. 0 disables the gate.
	GateChannelID int64
	ChannelURL    string
	SupportURL    string
	// AutoApprove controls whether join requests are approved immediately.
	// When false, requests are recorded as pending for /approveall.
	AutoApprove bool
}

// Contact identifies a non-admin platform user. Admins never reach the
// state machine; the router resolves the capability once at entry.
type Contact struct {
	ID        int64
	FirstName string
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	store   store.Store
	disp    *dispatch.Dispatcher
	adapter kit.Adapter
	log     *slog.Logger
}

func New(cfg Config, st store.Store, disp *dispatch.Dispatcher, adapter kit.Adapter, log *slog.Logger) *Service {
	return &Service{cfg: cfg, store: st, disp: disp, adapter: adapter, log: log}
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// HandleJoinRequest processes a join request: approve (or record pending),
// then start the funnel for non-admins. A contact rejoining gets a fresh
// record so the follow-up clock restarts.
func (s *Service) HandleJoinRequest(ctx context.Context, req kit.JoinRequest, admin bool) {
	log := s.log.With(slog.Int64("contact_id", req.FromID), slog.Int64("chat_id", req.ChatID))

	if err := s.store.RecordGroup(ctx, req.ChatID); err != nil {
		log.Warn("record group failed", slog.Any("err", err))
	}

	cfg := s.config()
	if !cfg.AutoApprove {
		s.recordPending(ctx, req, log)
		return
	}
	if !s.Approve(ctx, req.ChatID, req.FromID) {
		log.Warn("join approval failed, recording pending")
		s.recordPending(ctx, req, log)
		return
	}
	_ = s.store.DeletePendingJoin(ctx, req.ChatID, req.FromID)

	if err := s.store.RecordContact(ctx, req.FromID); err != nil {
		log.Warn("record contact failed", slog.Any("err", err))
	}
	log.Info("join request approved")

	if admin {
		return
	}
	s.beginFunnel(ctx, Contact{ID: req.FromID, FirstName: req.FirstName}, req.ChatTitle, log)
}

// Approve issues the approval call through the dispatcher and reports
// success. Exposed for the bulk approve command.
func (s *Service) Approve(ctx context.Context, chatID, userID int64) bool {
	res := s.disp.Do(ctx, func(ctx context.Context) error {
		return s.adapter.ApproveJoinRequest(ctx, chatID, userID)
	})
	return res.OK()
}

func (s *Service) recordPending(ctx context.Context, req kit.JoinRequest, log *slog.Logger) {
	err := s.store.RecordPendingJoin(ctx, store.PendingJoin{
		ChatID:    req.ChatID,
		UserID:    req.FromID,
		FirstName: req.FirstName,
	})
	if err != nil {
		log.Warn("record pending join failed", slog.Any("err", err))
	}
}

// beginFunnel deletes any stale record (rejoin restarts the clock), creates
// a fresh one and runs the welcome sequence.
func (s *Service) beginFunnel(ctx context.Context, c Contact, chatTitle string, log *slog.Logger) {
	if _, err := s.store.GetOnboarding(ctx, c.ID); err == nil {
		log.Info("existing onboarding record found, restarting funnel")
		if err := s.store.DeleteOnboarding(ctx, c.ID); err != nil {
			log.Warn("delete stale onboarding record failed", slog.Any("err", err))
			return
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		log.Warn("read onboarding record failed", slog.Any("err", err))
		return
	}

	if err := s.store.CreateOnboarding(ctx, c.ID, c.FirstName); err != nil {
		log.Warn("create onboarding record failed", slog.Any("err", err))
		return
	}
	s.welcomeSequence(ctx, c, chatTitle, log)
}

// welcomeSequence sends welcome + immediate follow-up. If the welcome is
// undeliverable because the contact never started the bot, the stage stays
// at welcome_sent so the next inbound message triggers the catch-up branch.
func (s *Service) welcomeSequence(ctx context.Context, c Contact, chatTitle string, log *slog.Logger) {
	to := kit.ChatTarget{ChatID: c.ID}

	res := s.disp.Do(ctx, func(ctx context.Context) error {
		_, err := s.adapter.SendText(ctx, to, welcomeText(c.FirstName, chatTitle), nil)
		return err
	})
	switch res.Class {
	case dispatch.ClassNotStarted, dispatch.ClassPeerInvalid:
		log.Info("welcome undeliverable, waiting for contact to start the bot",
			slog.String("class", res.Class.String()))
		return
	case dispatch.ClassOK:
	default:
		log.Warn("welcome send failed", slog.String("class", res.Class.String()), slog.Any("err", res.Err))
	}

	s.disp.Pace(ctx)

	res = s.disp.Do(ctx, func(ctx context.Context) error {
		_, err := s.adapter.SendText(ctx, to, immediateFollowUpText(c.FirstName), nil)
		return err
	})
	if !res.OK() {
		log.Warn("immediate follow-up send failed", slog.String("class", res.Class.String()), slog.Any("err", res.Err))
	}

	s.setStage(ctx, c.ID, StageWelcomeDelivered, log)
}

// HandleDirectMessage processes a plain private message. Unknown contacts
// enter the funnel; contacts stuck at welcome_sent get the catch-up welcome;
// everyone else is a no-op (no duplicate welcome floods).
func (s *Service) HandleDirectMessage(ctx context.Context, c Contact) {
	log := s.log.With(slog.Int64("contact_id", c.ID))

	if err := s.store.RecordContact(ctx, c.ID); err != nil {
		log.Warn("record contact failed", slog.Any("err", err))
	}

	rec, err := s.store.GetOnboarding(ctx, c.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if err := s.store.CreateOnboarding(ctx, c.ID, c.FirstName); err != nil {
			log.Warn("create onboarding record failed", slog.Any("err", err))
			return
		}
		s.welcomeSequence(ctx, c, "", log)
	case err != nil:
		log.Warn("read onboarding record failed", slog.Any("err", err))
	case rec.Stage == StageWelcomeSent.String():
		// Welcome was never confirmed delivered; the contact reaching out
		// proves the conversation is open now.
		s.welcomeSequence(ctx, c, "", log)
	}
}

// HandleStart processes the start command. Admins get a static
// acknowledgement; everyone else passes the subscribe gate and receives the
// setup sequence.
func (s *Service) HandleStart(ctx context.Context, c Contact, admin bool) {
	log := s.log.With(slog.Int64("contact_id", c.ID))
	to := kit.ChatTarget{ChatID: c.ID}

	if admin {
		s.disp.Do(ctx, func(ctx context.Context) error {
			_, err := s.adapter.SendText(ctx, to, adminAckText, nil)
			return err
		})
		return
	}

	if err := s.store.RecordContact(ctx, c.ID); err != nil {
		log.Warn("record contact failed", slog.Any("err", err))
	}

	cfg := s.config()
	if cfg.GateChannelID != 0 {
		member, err := s.adapter.IsChatMember(ctx, cfg.GateChannelID, c.ID)
		if err != nil {
			log.Warn("membership lookup failed", slog.Any("err", err))
		}
		if !member {
			s.sendGate(ctx, to, cfg, log)
			return
		}
	}

	s.ensureRecord(ctx, c, log)
	s.sendSetupSequence(ctx, c, StageStartClicked, nil, log)
}

func (s *Service) sendGate(ctx context.Context, to kit.ChatTarget, cfg Config, log *slog.Logger) {
	invite, err := s.adapter.CreateInviteLink(ctx, cfg.GateChannelID)
	if err != nil {
		log.Warn("create invite link failed", slog.Any("err", err))
		s.disp.Do(ctx, func(ctx context.Context) error {
			_, err := s.adapter.SendText(ctx, to, gateAdminHint, nil)
			return err
		})
		return
	}
	s.disp.Do(ctx, func(ctx context.Context) error {
		_, err := s.adapter.SendText(ctx, to, gateText, &kit.SendOptions{Keyboard: gateKeyboard(invite)})
		return err
	})
}

// HandleCheckSubscription processes the "check again" callback from the
// subscribe gate.
func (s *Service) HandleCheckSubscription(ctx context.Context, cb kit.Callback) {
	log := s.log.With(slog.Int64("contact_id", cb.FromID))
	cfg := s.config()

	if cfg.GateChannelID != 0 {
		member, err := s.adapter.IsChatMember(ctx, cfg.GateChannelID, cb.FromID)
		if err != nil {
			log.Warn("membership lookup failed", slog.Any("err", err))
		}
		if !member {
			_ = s.adapter.AnswerCallback(ctx, cb.ID, gateNotMemberAlert, true)
			return
		}
	}

	c := Contact{ID: cb.FromID, FirstName: cb.FirstName}
	if err := s.store.RecordContact(ctx, c.ID); err != nil {
		log.Warn("record contact failed", slog.Any("err", err))
	}
	s.ensureRecord(ctx, c, log)

	gateRef := kit.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
	s.sendSetupSequence(ctx, c, StageVerified, &gateRef, log)

	// stop the client spinner; the gate edit above is the visible outcome
	_ = s.adapter.AnswerCallback(ctx, cb.ID, "", false)
}

// ensureRecord creates the record and runs the welcome sequence when the
// contact reaches the setup path without ever having been welcomed.
func (s *Service) ensureRecord(ctx context.Context, c Contact, log *slog.Logger) {
	_, err := s.store.GetOnboarding(ctx, c.ID)
	if errors.Is(err, store.ErrNotFound) {
		if err := s.store.CreateOnboarding(ctx, c.ID, c.FirstName); err != nil {
			log.Warn("create onboarding record failed", slog.Any("err", err))
			return
		}
		s.welcomeSequence(ctx, c, "", log)
		s.disp.Pace(ctx)
	} else if err != nil {
		log.Warn("read onboarding record failed", slog.Any("err", err))
	}
}

// sendSetupSequence delivers setup instructions and the yes/no support
// prompt, then advances to next. When editRef is set, the instructions
// replace that message (the gate message) instead of being sent fresh.
func (s *Service) sendSetupSequence(ctx context.Context, c Contact, next Stage, editRef *kit.MessageRef, log *slog.Logger) {
	to := kit.ChatTarget{ChatID: c.ID}
	instructions := setupInstructionsText(c.FirstName)

	cfg := s.config()
	links := linksKeyboard(cfg.ChannelURL, cfg.SupportURL)

	var res dispatch.Result
	if editRef != nil {
		res = s.disp.Do(ctx, func(ctx context.Context) error {
			return s.adapter.EditText(ctx, *editRef, instructions, &kit.SendOptions{Keyboard: links})
		})
	} else {
		res = s.disp.Do(ctx, func(ctx context.Context) error {
			_, err := s.adapter.SendText(ctx, to, instructions, &kit.SendOptions{Keyboard: links})
			return err
		})
	}
	if !res.OK() {
		log.Warn("setup instructions send failed", slog.String("class", res.Class.String()), slog.Any("err", res.Err))
	}

	s.disp.Pace(ctx)

	res = s.disp.Do(ctx, func(ctx context.Context) error {
		_, err := s.adapter.SendText(ctx, to, supportPromptText, &kit.SendOptions{Keyboard: setupKeyboard()})
		return err
	})
	if !res.OK() {
		log.Warn("support prompt send failed", slog.String("class", res.Class.String()), slog.Any("err", res.Err))
	}

	s.setStage(ctx, c.ID, next, log)
}

// HandleSetupYes processes the "yes, set up" callback: the prompt is edited
// to a completion message (not resent) and the record is finalized.
func (s *Service) HandleSetupYes(ctx context.Context, cb kit.Callback) {
	log := s.log.With(slog.Int64("contact_id", cb.FromID))
	if !s.stageAllows(ctx, cb.FromID, StageCompleted, log) {
		return
	}

	ref := kit.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
	res := s.disp.Do(ctx, func(ctx context.Context) error {
		return s.adapter.EditText(ctx, ref, completionText, nil)
	})
	if !res.OK() {
		log.Warn("completion edit failed", slog.String("class", res.Class.String()), slog.Any("err", res.Err))
	}

	if err := s.store.MarkSetupCompleted(ctx, cb.FromID, true); err != nil {
		log.Warn("mark setup completed failed", slog.Any("err", err))
	}
	if err := s.store.MarkAccountVerified(ctx, cb.FromID, true); err != nil {
		log.Warn("mark account verified failed", slog.Any("err", err))
	}
	s.setStage(ctx, cb.FromID, StageCompleted, log)
	log.Info("onboarding completed")
}

// HandleSetupNo processes the "not yet" callback: the prompt becomes a
// reminder and the contact stays eligible for the late nudge.
func (s *Service) HandleSetupNo(ctx context.Context, cb kit.Callback) {
	log := s.log.With(slog.Int64("contact_id", cb.FromID))
	if !s.stageAllows(ctx, cb.FromID, StageSetupReminderSent, log) {
		return
	}

	ref := kit.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
	res := s.disp.Do(ctx, func(ctx context.Context) error {
		return s.adapter.EditText(ctx, ref, reminderText, nil)
	})
	if !res.OK() {
		log.Warn("reminder edit failed", slog.String("class", res.Class.String()), slog.Any("err", res.Err))
	}

	s.setStage(ctx, cb.FromID, StageSetupReminderSent, log)
}

// Nudge sends one timed follow-up and marks the flag. The flag is marked for
// every outcome except transient exhaustion, so permanent recipient failures
// never cause retry storms while true transients retry on the next sweep.
func (s *Service) Nudge(ctx context.Context, rec store.OnboardingRecord, kind store.FollowUpKind) bool {
	log := s.log.With(slog.Int64("contact_id", rec.ContactID), slog.String("kind", string(kind)))
	to := kit.ChatTarget{ChatID: rec.ContactID}

	var res dispatch.Result
	if kind == store.FollowUp3h {
		res = s.disp.Do(ctx, func(ctx context.Context) error {
			_, err := s.adapter.SendText(ctx, to, nudge3hText(rec.FirstName), nil)
			return err
		})
	} else {
		res = s.disp.Do(ctx, func(ctx context.Context) error {
			_, err := s.adapter.SendText(ctx, to, nudge1hText, &kit.SendOptions{Keyboard: setupKeyboard()})
			return err
		})
	}

	if res.Class == dispatch.ClassExhausted {
		log.Warn("nudge send exhausted, will retry next sweep", slog.Any("err", res.Err))
		return false
	}
	if !res.OK() {
		log.Info("nudge undeliverable, marking as sent", slog.String("class", res.Class.String()))
	}

	if err := s.store.MarkFollowUpSent(ctx, rec.ContactID, kind); err != nil {
		log.Warn("mark follow-up sent failed", slog.Any("err", err))
		return false
	}
	return true
}

// Reset deletes the contact's record so the next qualifying event restarts
// the funnel with a fresh clock.
func (s *Service) Reset(ctx context.Context, contactID int64) error {
	return s.store.DeleteOnboarding(ctx, contactID)
}

// stageAllows reports whether the contact's current stage can advance to
// next. Callbacks check it before touching any message so a stale button
// press on a finished funnel has no visible effect.
func (s *Service) stageAllows(ctx context.Context, contactID int64, next Stage, log *slog.Logger) bool {
	rec, err := s.store.GetOnboarding(ctx, contactID)
	if err != nil {
		log.Warn("callback without onboarding record", slog.Any("err", err))
		return false
	}
	cur, err := ParseStage(rec.Stage)
	if err != nil {
		log.Warn("persisted stage unknown", slog.String("stage", rec.Stage))
		return false
	}
	if !cur.CanAdvanceTo(next) {
		log.Debug("ignoring stale callback",
			slog.String("from", cur.String()), slog.String("to", next.String()))
		return false
	}
	return true
}

// setStage validates the transition against the stage table before writing.
// Unexpected jumps are logged and rejected instead of silently persisted.
func (s *Service) setStage(ctx context.Context, contactID int64, next Stage, log *slog.Logger) {
	rec, err := s.store.GetOnboarding(ctx, contactID)
	if err != nil {
		log.Warn("read record for stage transition failed", slog.Any("err", err))
		return
	}
	cur, err := ParseStage(rec.Stage)
	if err != nil {
		log.Warn("persisted stage unknown, rejecting transition",
			slog.String("stage", rec.Stage), slog.String("next", next.String()))
		return
	}
	if !cur.CanAdvanceTo(next) {
		log.Warn("rejecting unexpected stage transition",
			slog.String("from", cur.String()), slog.String("to", next.String()))
		return
	}
	if cur == next {
		return
	}
	if err := s.store.SetStage(ctx, contactID, next.String()); err != nil {
		log.Warn("persist stage transition failed", slog.Any("err", err))
		return
	}
	log.Debug("stage advanced", slog.String("from", cur.String()), slog.String("to", next.String()))
}
