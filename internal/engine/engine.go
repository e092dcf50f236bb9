// Package engine owns the form session state machine: forward transitions
// gated on field validation, free backward transitions, bounded jumps, and
// reset. Every successful mutation appends an event in the same transaction.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"formline/internal/config"
	"formline/internal/domain"
	"formline/internal/events"
	"formline/internal/repo"
	"formline/internal/validate"
)

var (
	// ErrTransitioning rejects navigation requests that arrive inside the
	// visual-transition window. Soft guard only; see NavResult.
	ErrTransitioning = errors.New("session is transitioning; retry shortly")
	// ErrConfirmed rejects mutation of a session that already completed
	// submission.
	ErrConfirmed = errors.New("session already confirmed")
)

// DraftSource supplies the latest field values for a session, including any
// not-yet-flushed debounced save.
type DraftSource interface {
	Fields(ctx context.Context, sessionID string) map[string]string
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Validator *validate.Validator
	Drafts    DraftSource
	Now       func() time.Time

	// TransitionDelay is the window during which further navigation is
	// rejected after a successful transition. Exists to let a UI exit/enter
	// transition play; zero is correct for non-visual callers.
	TransitionDelay time.Duration
}

func New(db *sql.DB, cfg *config.Config, v *validate.Validator, drafts DraftSource) Engine {
	return Engine{
		DB:              db,
		Repo:            repo.Repo{DB: db},
		Events:          events.Writer{DB: db},
		Config:          cfg,
		Validator:       v,
		Drafts:          drafts,
		Now:             time.Now,
		TransitionDelay: cfg.TransitionDelay(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// NavResult is the outcome of a navigation intent. Applied is false when the
// request was a silent no-op (disallowed jump) or failed validation.
type NavResult struct {
	Session    domain.FormSession
	Validation validate.Result
	Applied    bool
}

// CreateSession starts a new session on step 1 and stores the hash of its
// server-issued anti-forgery token.
func (e Engine) CreateSession(ctx context.Context, csrfHash string) (domain.FormSession, error) {
	if e.Config == nil {
		return domain.FormSession{}, errors.New("config not loaded")
	}
	now := e.now().UTC().Format(time.RFC3339)
	s := domain.FormSession{
		ID:          uuid.New().String(),
		FormID:      e.Config.Form.ID,
		CurrentStep: 1,
		Status:      "open",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FormSession{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSession(ctx, tx, s, csrfHash); err != nil {
		return domain.FormSession{}, fmt.Errorf("insert session: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "session.created", s.ID, "session", s.ID, events.EventPayload{"form_id": s.FormID}); err != nil {
		return domain.FormSession{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FormSession{}, err
	}
	return s, nil
}

func (e Engine) Session(ctx context.Context, id string) (domain.FormSession, error) {
	return e.Repo.GetSession(ctx, id)
}

// Next validates the current step against the latest draft fields. On
// failure the session stays put with submit_attempted set; on success the
// step advances (capped at the last step) and highest_completed_step is
// raised.
func (e Engine) Next(ctx context.Context, sessionID string) (NavResult, error) {
	s, err := e.loadOpen(ctx, sessionID)
	if err != nil {
		return NavResult{}, err
	}
	if e.inTransition(s) {
		return NavResult{Session: s}, ErrTransitioning
	}
	step, ok := e.Config.StepByID(s.CurrentStep)
	if !ok {
		return NavResult{}, fmt.Errorf("session %s on unknown step %d", s.ID, s.CurrentStep)
	}
	fields := e.Drafts.Fields(ctx, sessionID)
	res := e.Validator.Check(fields, step.Fields)
	if !res.OK {
		s.SubmitAttempted = true
		if err := e.persistNav(ctx, &s, "step.rejected", events.EventPayload{
			"step":   step.ID,
			"errors": len(res.FieldErrors),
		}); err != nil {
			return NavResult{}, err
		}
		return NavResult{Session: s, Validation: res}, nil
	}
	completed := s.CurrentStep
	if s.CurrentStep < len(e.Config.Steps) {
		s.CurrentStep++
	}
	if completed > s.HighestCompleted {
		s.HighestCompleted = completed
	}
	s.SubmitAttempted = false
	e.stampTransition(&s)
	if err := e.persistNav(ctx, &s, "step.advanced", events.EventPayload{
		"from": completed,
		"to":   s.CurrentStep,
	}); err != nil {
		return NavResult{}, err
	}
	return NavResult{Session: s, Validation: res, Applied: true}, nil
}

// Previous moves back one step. Always allowed above step 1; never touches
// highest_completed_step and never re-validates.
func (e Engine) Previous(ctx context.Context, sessionID string) (NavResult, error) {
	s, err := e.loadOpen(ctx, sessionID)
	if err != nil {
		return NavResult{}, err
	}
	if e.inTransition(s) {
		return NavResult{Session: s}, ErrTransitioning
	}
	if s.CurrentStep <= 1 {
		return NavResult{Session: s, Validation: validate.Result{OK: true}}, nil
	}
	from := s.CurrentStep
	s.CurrentStep--
	e.stampTransition(&s)
	if err := e.persistNav(ctx, &s, "step.advanced", events.EventPayload{
		"from": from,
		"to":   s.CurrentStep,
	}); err != nil {
		return NavResult{}, err
	}
	return NavResult{Session: s, Validation: validate.Result{OK: true}, Applied: true}, nil
}

// Jump moves to target when target <= highest_completed_step+1 and differs
// from the current step. A forward jump into new territory validates only
// the steps strictly between the current one and the target; jumps to an
// already-completed step and backward jumps validate nothing. Disallowed
// jumps are silent no-ops.
func (e Engine) Jump(ctx context.Context, sessionID string, target int) (NavResult, error) {
	s, err := e.loadOpen(ctx, sessionID)
	if err != nil {
		return NavResult{}, err
	}
	if e.inTransition(s) {
		return NavResult{Session: s}, ErrTransitioning
	}
	if target < 1 || target > len(e.Config.Steps) || target == s.CurrentStep || target > s.HighestCompleted+1 {
		return NavResult{Session: s, Validation: validate.Result{OK: true}}, nil
	}
	from := s.CurrentStep
	// target > highest_completed_step means new territory (target is exactly
	// highest+1 given the gate above). The current step and every step at or
	// below highest_completed_step were validated when first passed; only the
	// steps strictly between current and target are re-checked.
	if target > s.CurrentStep && target > s.HighestCompleted {
		fields := e.Drafts.Fields(ctx, sessionID)
		for k := s.CurrentStep + 1; k < target; k++ {
			step, ok := e.Config.StepByID(k)
			if !ok {
				return NavResult{}, fmt.Errorf("unknown step %d", k)
			}
			res := e.Validator.Check(fields, step.Fields)
			if !res.OK {
				s.SubmitAttempted = true
				if err := e.persistNav(ctx, &s, "step.rejected", events.EventPayload{
					"step":   k,
					"errors": len(res.FieldErrors),
				}); err != nil {
					return NavResult{}, err
				}
				return NavResult{Session: s, Validation: res}, nil
			}
		}
		s.SubmitAttempted = false
	}
	s.CurrentStep = target
	e.stampTransition(&s)
	if err := e.persistNav(ctx, &s, "step.jumped", events.EventPayload{
		"from": from,
		"to":   target,
	}); err != nil {
		return NavResult{}, err
	}
	return NavResult{Session: s, Validation: validate.Result{OK: true}, Applied: true}, nil
}

// Reset returns the session to step 1 and forgets progress. Runs regardless
// of the transition window; callers are expected to confirm with the user
// first.
func (e Engine) Reset(ctx context.Context, sessionID string) (domain.FormSession, error) {
	s, err := e.loadOpen(ctx, sessionID)
	if err != nil {
		return domain.FormSession{}, err
	}
	s.CurrentStep = 1
	s.HighestCompleted = 0
	s.SubmitAttempted = false
	s.TransitionUntil = nil
	s.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FormSession{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSessionNav(ctx, tx, s); err != nil {
		return domain.FormSession{}, err
	}
	if err := e.Events.Append(ctx, tx, "session.reset", s.ID, "session", s.ID, events.EventPayload{}); err != nil {
		return domain.FormSession{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FormSession{}, err
	}
	return s, nil
}

// Confirm marks the session as confirmed after a completed submission.
func (e Engine) Confirm(ctx context.Context, sessionID string, payload events.EventPayload) (domain.FormSession, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.FormSession{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FormSession{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetSessionStatus(ctx, tx, sessionID, "confirmed", now); err != nil {
		return domain.FormSession{}, err
	}
	if err := e.Events.Append(ctx, tx, "session.confirmed", sessionID, "session", sessionID, payload); err != nil {
		return domain.FormSession{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FormSession{}, err
	}
	s.Status = "confirmed"
	s.UpdatedAt = now
	return s, nil
}

func (e Engine) loadOpen(ctx context.Context, sessionID string) (domain.FormSession, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return s, err
	}
	if s.Status == "confirmed" {
		return s, ErrConfirmed
	}
	return s, nil
}

func (e Engine) inTransition(s domain.FormSession) bool {
	if s.TransitionUntil == nil {
		return false
	}
	until, err := time.Parse(time.RFC3339, *s.TransitionUntil)
	if err != nil {
		return false
	}
	return e.now().Before(until)
}

func (e Engine) stampTransition(s *domain.FormSession) {
	if e.TransitionDelay <= 0 {
		s.TransitionUntil = nil
		return
	}
	until := e.now().UTC().Add(e.TransitionDelay).Format(time.RFC3339)
	s.TransitionUntil = &until
}

func (e Engine) persistNav(ctx context.Context, s *domain.FormSession, evtType string, payload events.EventPayload) error {
	s.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSessionNav(ctx, tx, *s); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, evtType, s.ID, "session", s.ID, payload); err != nil {
		return err
	}
	return tx.Commit()
}
