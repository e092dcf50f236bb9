// Package draft persists partial form data per session. Saves are debounced
// trailing-edge: only the most recent call in a window reaches storage.
// Auto-save is a convenience, not a guarantee; storage failures degrade to
// "no draft available" instead of surfacing to the caller.
package draft

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"formline/internal/domain"
	"formline/internal/repo"
	"formline/internal/schedule"
)

type Store struct {
	Repo      repo.Repo
	Debounce  time.Duration
	Retention time.Duration
	Now       func() time.Time

	// Logger receives swallowed storage errors at debug level. Leave nil in
	// production builds.
	Logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingDraft
	written map[string]string
}

type pendingDraft struct {
	payload string
	task    *schedule.Task
}

func New(r repo.Repo, debounce, retention time.Duration) *Store {
	return &Store{
		Repo:      r,
		Debounce:  debounce,
		Retention: retention,
		Now:       time.Now,
		pending:   map[string]*pendingDraft{},
		written:   map[string]string{},
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Save schedules a write of fields after the debounce interval. Only the
// most recent call per session in the interval takes effect.
func (s *Store) Save(sessionID string, fields map[string]string) {
	payload, err := json.Marshal(fields)
	if err != nil {
		s.logError("serialize draft", sessionID, err)
		return
	}
	s.mu.Lock()
	p, ok := s.pending[sessionID]
	if !ok {
		p = &pendingDraft{task: &schedule.Task{}}
		s.pending[sessionID] = p
	}
	p.payload = string(payload)
	s.mu.Unlock()
	p.task.Reschedule(s.Debounce, func() { s.flush(sessionID) })
}

// SaveNow writes fields immediately, bypassing the debounce window and
// cancelling any pending write for the session.
func (s *Store) SaveNow(sessionID string, fields map[string]string) {
	payload, err := json.Marshal(fields)
	if err != nil {
		s.logError("serialize draft", sessionID, err)
		return
	}
	s.mu.Lock()
	if p, ok := s.pending[sessionID]; ok {
		p.task.Cancel()
		delete(s.pending, sessionID)
	}
	s.mu.Unlock()
	s.write(sessionID, string(payload))
}

// Flush forces any pending debounced write for the session to run now.
func (s *Store) Flush(sessionID string) {
	s.mu.Lock()
	p, ok := s.pending[sessionID]
	s.mu.Unlock()
	if ok {
		p.task.Flush()
	}
}

func (s *Store) flush(sessionID string) {
	s.mu.Lock()
	p, ok := s.pending[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	payload := p.payload
	delete(s.pending, sessionID)
	s.mu.Unlock()
	s.write(sessionID, payload)
}

func (s *Store) write(sessionID, payload string) {
	s.mu.Lock()
	last := s.written[sessionID]
	s.mu.Unlock()
	if payload == last {
		return
	}
	savedAt := s.now().UTC().Format(time.RFC3339)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Repo.UpsertDraft(ctx, sessionID, payload, savedAt); err != nil {
		s.logError("write draft", sessionID, err)
		return
	}
	s.mu.Lock()
	s.written[sessionID] = payload
	s.mu.Unlock()
}

// Load returns the stored draft, or nil when none exists or the draft's age
// exceeds the retention window. Expired drafts are deleted as a side effect.
func (s *Store) Load(ctx context.Context, sessionID string) *domain.FormDraft {
	fieldsJSON, savedAt, err := s.Repo.GetDraftRaw(ctx, sessionID)
	if err != nil {
		if err != repo.ErrNotFound {
			s.logError("read draft", sessionID, err)
		}
		return nil
	}
	ts, err := time.Parse(time.RFC3339, savedAt)
	if err != nil || s.now().Sub(ts) > s.Retention {
		if err := s.Repo.DeleteDraft(ctx, sessionID); err != nil {
			s.logError("purge expired draft", sessionID, err)
		}
		return nil
	}
	var fields map[string]string
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		s.logError("decode draft", sessionID, err)
		return nil
	}
	return &domain.FormDraft{SessionID: sessionID, Fields: fields, SavedAt: savedAt}
}

// Clear deletes the stored draft and cancels any pending debounced write.
func (s *Store) Clear(ctx context.Context, sessionID string) {
	s.mu.Lock()
	if p, ok := s.pending[sessionID]; ok {
		p.task.Cancel()
		delete(s.pending, sessionID)
	}
	delete(s.written, sessionID)
	s.mu.Unlock()
	if err := s.Repo.DeleteDraft(ctx, sessionID); err != nil {
		s.logError("delete draft", sessionID, err)
	}
}

// Exists reports draft presence independent of age. Age filtering happens in
// Load so the caller can still offer a "resume?" prompt.
func (s *Store) Exists(ctx context.Context, sessionID string) bool {
	s.mu.Lock()
	_, buffered := s.pending[sessionID]
	s.mu.Unlock()
	if buffered {
		return true
	}
	ok, err := s.Repo.DraftExists(ctx, sessionID)
	if err != nil {
		s.logError("check draft", sessionID, err)
		return false
	}
	return ok
}

// Fields returns the most recent field values for a session: the buffered
// pending payload when one exists, otherwise the stored draft. Used by the
// step engine so gating always sees the latest input.
func (s *Store) Fields(ctx context.Context, sessionID string) map[string]string {
	s.mu.Lock()
	p, ok := s.pending[sessionID]
	var payload string
	if ok {
		payload = p.payload
	}
	s.mu.Unlock()
	if ok {
		var fields map[string]string
		if err := json.Unmarshal([]byte(payload), &fields); err == nil {
			return fields
		}
	}
	if d := s.Load(ctx, sessionID); d != nil {
		return d.Fields
	}
	return map[string]string{}
}

func (s *Store) logError(op, sessionID string, err error) {
	if s.Logger != nil {
		s.Logger.Debug("draft store degraded", "op", op, "session_id", sessionID, "error", err)
	}
}
