package server

import (
	"encoding/json"

	"formline/internal/domain"
	"formline/internal/validate"
)

type SessionResponse struct {
	ID               string  `json:"id"`
	FormID           string  `json:"form_id"`
	CurrentStep      int     `json:"current_step"`
	HighestCompleted int     `json:"highest_completed_step"`
	SubmitAttempted  bool    `json:"submit_attempted"`
	Status           string  `json:"status" enum:"open,confirmed"`
	TransitionUntil  *string `json:"transition_until,omitempty"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
}

// CreateSessionResponse carries the one-time credentials alongside the new
// session. The anti-forgery token is never readable again.
type CreateSessionResponse struct {
	Session   SessionResponse `json:"session"`
	Token     string          `json:"token"`
	CsrfToken string          `json:"csrf_token"`
}

type NavResponse struct {
	Session SessionResponse   `json:"session"`
	Applied bool              `json:"applied"`
	Errors  map[string]string `json:"errors,omitempty"`
}

type JumpRequest struct {
	Target int `json:"target" minimum:"1"`
}

type SaveDraftRequest struct {
	Fields    map[string]string `json:"fields"`
	Immediate bool              `json:"immediate,omitempty"`
}

type DraftResponse struct {
	SessionID string            `json:"session_id"`
	Fields    map[string]string `json:"fields"`
	SavedAt   string            `json:"saved_at,omitempty"`
	Pending   bool              `json:"pending,omitempty"`
}

type SearchResponse struct {
	Results []domain.SearchResult `json:"results"`
}

type EventResponse struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func sessionResponse(s domain.FormSession) SessionResponse {
	return SessionResponse{
		ID:               s.ID,
		FormID:           s.FormID,
		CurrentStep:      s.CurrentStep,
		HighestCompleted: s.HighestCompleted,
		SubmitAttempted:  s.SubmitAttempted,
		Status:           s.Status,
		TransitionUntil:  s.TransitionUntil,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
}

func navResponse(s domain.FormSession, applied bool, res validate.Result) NavResponse {
	r := NavResponse{Session: sessionResponse(s), Applied: applied}
	if !res.OK {
		r.Errors = res.FieldErrors
	}
	return r
}

func eventResponse(e domain.Event) EventResponse {
	var payload map[string]any
	_ = json.Unmarshal([]byte(e.Payload), &payload)
	return EventResponse{
		ID:        e.ID,
		TS:        e.TS,
		Type:      e.Type,
		SessionID: e.SessionID,
		Payload:   payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, eventResponse(e))
	}
	return out
}
