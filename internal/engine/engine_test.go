package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"formline/internal/config"
	"formline/internal/db"
	"formline/internal/draft"
	"formline/internal/engine"
	"formline/internal/migrate"
	"formline/internal/repo"
	"formline/internal/validate"
)

type testEnv struct {
	Engine engine.Engine
	Drafts *draft.Store
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	v, err := validate.New(cfg)
	if err != nil {
		t.Fatalf("compile rules: %v", err)
	}
	drafts := draft.New(repo.Repo{DB: conn}, time.Millisecond, cfg.DraftRetention())
	eng := engine.New(conn, cfg, v, drafts)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Drafts: drafts, Ctx: context.Background()}
}

func validCompanyStep() map[string]string {
	return map[string]string{
		"companyName": "Acme SARL",
		"siret":       "12345678901234",
		"street":      "1 rue de la Paix",
		"postalCode":  "75002",
		"city":        "Paris",
	}
}

func validContactsStep(fields map[string]string) map[string]string {
	fields["contactName"] = "Jean Martin"
	fields["contactEmail"] = "jean@acme.example"
	fields["responsableAchatEmail"] = "achats@acme.example"
	return fields
}

func TestNextBlockedByValidation(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.CreateSession(env.Ctx, "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	res, err := env.Engine.Next(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if res.Applied {
		t.Fatalf("empty step should not advance")
	}
	if res.Session.CurrentStep != 1 {
		t.Fatalf("step moved to %d", res.Session.CurrentStep)
	}
	if !res.Session.SubmitAttempted {
		t.Fatalf("submit_attempted should be set after a rejected advance")
	}
	if len(res.Validation.FieldErrors) == 0 {
		t.Fatalf("expected field errors")
	}
}

func TestNextAdvancesWhenValid(t *testing.T) {
	env := newTestEnv(t)
	s, _ := env.Engine.CreateSession(env.Ctx, "")
	env.Drafts.SaveNow(s.ID, validCompanyStep())
	res, err := env.Engine.Next(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !res.Applied || res.Session.CurrentStep != 2 {
		t.Fatalf("expected advance to step 2, got applied=%v step=%d", res.Applied, res.Session.CurrentStep)
	}
	if res.Session.HighestCompleted != 1 {
		t.Fatalf("highest completed = %d", res.Session.HighestCompleted)
	}
	if res.Session.SubmitAttempted {
		t.Fatalf("submit_attempted should reset on a successful advance")
	}
}

func TestHighestCompletedNeverDecreases(t *testing.T) {
	env := newTestEnv(t)
	s, _ := env.Engine.CreateSession(env.Ctx, "")
	env.Drafts.SaveNow(s.ID, validCompanyStep())
	if _, err := env.Engine.Next(env.Ctx, s.ID); err != nil {
		t.Fatalf("next: %v", err)
	}
	res, err := env.Engine.Previous(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("previous: %v", err)
	}
	if res.Session.CurrentStep != 1 || res.Session.HighestCompleted != 1 {
		t.Fatalf("backward move should keep highest: step=%d highest=%d",
			res.Session.CurrentStep, res.Session.HighestCompleted)
	}
}

func TestJumpBeyondUnlockedIsSilentNoop(t *testing.T) {
	env := newTestEnv(t)
	s, _ := env.Engine.CreateSession(env.Ctx, "")
	res, err := env.Engine.Jump(env.Ctx, s.ID, 4)
	if err != nil {
		t.Fatalf("jump: %v", err)
	}
	if res.Applied || res.Session.CurrentStep != 1 {
		t.Fatalf("locked jump should be a no-op, got applied=%v step=%d", res.Applied, res.Session.CurrentStep)
	}
}

func TestJumpForwardValidatesIntermediateSteps(t *testing.T) {
	env := newTestEnv(t)
	s, _ := env.Engine.CreateSession(env.Ctx, "")
	env.Drafts.SaveNow(s.ID, validContactsStep(validCompanyStep()))
	if _, err := env.Engine.Next(env.Ctx, s.ID); err != nil {
		t.Fatalf("next: %v", err)
	}
	if _, err := env.Engine.Next(env.Ctx, s.ID); err != nil {
		t.Fatalf("next: %v", err)
	}
	// Back to step 1, then jump straight to 3; step 2 sits strictly between
	// and re-validates against the current draft.
	if _, err := env.Engine.Jump(env.Ctx, s.ID, 1); err != nil {
		t.Fatalf("jump back: %v", err)
	}
	res, err := env.Engine.Jump(env.Ctx, s.ID, 3)
	if err != nil {
		t.Fatalf("jump forward: %v", err)
	}
	if !res.Applied || res.Session.CurrentStep != 3 {
		t.Fatalf("expected jump to 3, got applied=%v step=%d", res.Applied, res.Session.CurrentStep)
	}
	if res.Session.HighestCompleted != 2 {
		t.Fatalf("highest completed = %d", res.Session.HighestCompleted)
	}
}

func TestJumpForwardBlockedByInvalidStep(t *testing.T) {
	env := newTestEnv(t)
	s, _ := env.Engine.CreateSession(env.Ctx, "")
	env.Drafts.SaveNow(s.ID, validContactsStep(validCompanyStep()))
	if _, err := env.Engine.Next(env.Ctx, s.ID); err != nil {
		t.Fatalf("next: %v", err)
	}
	if _, err := env.Engine.Next(env.Ctx, s.ID); err != nil {
		t.Fatalf("next: %v", err)
	}
	if _, err := env.Engine.Jump(env.Ctx, s.ID, 1); err != nil {
		t.Fatalf("jump back: %v", err)
	}
	// The draft loses the contacts fields after step 2 was completed; a jump
	// from 1 to 3 re-checks step 2 and must catch the stale completion.
	env.Drafts.SaveNow(s.ID, validCompanyStep())
	res, err := env.Engine.Jump(env.Ctx, s.ID, 3)
	if err != nil {
		t.Fatalf("jump: %v", err)
	}
	if res.Applied {
		t.Fatalf("jump should be blocked by step 2 validation")
	}
	if _, ok := res.Validation.FieldErrors["responsableAchatEmail"]; !ok {
		t.Fatalf("expected responsableAchatEmail error, got %v", res.Validation.FieldErrors)
	}
	if !res.Session.SubmitAttempted {
		t.Fatalf("submit_attempted should be set")
	}
}

func TestJumpFromCompletedStepSkipsItsOwnValidation(t *testing.T) {
	env := newTestEnv(t)
	s, _ := env.Engine.CreateSession(env.Ctx, "")
	env.Drafts.SaveNow(s.ID, validContactsStep(validCompanyStep()))
	if _, err := env.Engine.Next(env.Ctx, s.ID); err != nil {
		t.Fatalf("next: %v", err)
	}
	if _, err := env.Engine.Next(env.Ctx, s.ID); err != nil {
		t.Fatalf("next: %v", err)
	}
	if _, err := env.Engine.Jump(env.Ctx, s.ID, 2); err != nil {
		t.Fatalf("jump back: %v", err)
	}
	// Step 2 is completed but its draft fields are now gone. Jumping from it
	// to step 3 must not re-validate step 2 itself; there is no step strictly
	// between 2 and 3.
	env.Drafts.SaveNow(s.ID, validCompanyStep())
	res, err := env.Engine.Jump(env.Ctx, s.ID, 3)
	if err != nil {
		t.Fatalf("jump forward: %v", err)
	}
	if !res.Applied || res.Session.CurrentStep != 3 {
		t.Fatalf("expected jump to 3, got applied=%v step=%d", res.Applied, res.Session.CurrentStep)
	}
}

func TestResetClearsProgress(t *testing.T) {
	env := newTestEnv(t)
	s, _ := env.Engine.CreateSession(env.Ctx, "")
	env.Drafts.SaveNow(s.ID, validCompanyStep())
	if _, err := env.Engine.Next(env.Ctx, s.ID); err != nil {
		t.Fatalf("next: %v", err)
	}
	reset, err := env.Engine.Reset(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if reset.CurrentStep != 1 || reset.HighestCompleted != 0 || reset.SubmitAttempted {
		t.Fatalf("reset left state: %+v", reset)
	}
}

func TestConfirmedSessionRejectsNavigation(t *testing.T) {
	env := newTestEnv(t)
	s, _ := env.Engine.CreateSession(env.Ctx, "")
	if _, err := env.Engine.Confirm(env.Ctx, s.ID, nil); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := env.Engine.Next(env.Ctx, s.ID); !errors.Is(err, engine.ErrConfirmed) {
		t.Fatalf("expected ErrConfirmed, got %v", err)
	}
}

func TestTransitionWindowRejectsRapidNavigation(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.TransitionDelay = time.Minute
	s, _ := env.Engine.CreateSession(env.Ctx, "")
	env.Drafts.SaveNow(s.ID, validCompanyStep())
	if _, err := env.Engine.Next(env.Ctx, s.ID); err != nil {
		t.Fatalf("next: %v", err)
	}
	if _, err := env.Engine.Previous(env.Ctx, s.ID); !errors.Is(err, engine.ErrTransitioning) {
		t.Fatalf("expected ErrTransitioning, got %v", err)
	}
}
