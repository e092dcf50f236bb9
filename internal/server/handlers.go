package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"formline/internal/domain"
	"formline/internal/lookup"
	"formline/internal/submit"
)

func registerSessions(api huma.API, cfg Config) {
	e := cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Create form session",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CreateSessionResponse `json:"body"`
	}, error) {
		token, hash, err := newCSRFToken()
		if err != nil {
			return nil, handleError(err)
		}
		s, err := e.CreateSession(ctx, hash)
		if err != nil {
			return nil, handleError(err)
		}
		bearer, err := issueSessionToken(cfg.Auth, s.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateSessionResponse `json:"body"`
		}{Body: CreateSessionResponse{
			Session:   sessionResponse(s),
			Token:     bearer,
			CsrfToken: token,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Get form session",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if err := requireSession(ctx, input.ID); err != nil {
			return nil, err
		}
		s, err := e.Session(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-session",
		Method:      http.MethodDelete,
		Path:        "/sessions/{id}",
		Summary:     "Delete form session",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := requireCSRF(ctx, e.Repo, input.ID); err != nil {
			return nil, err
		}
		if _, err := e.Session(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		cfg.Drafts.Clear(ctx, input.ID)
		if err := e.Repo.DeleteSession(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerNavigation(api huma.API, cfg Config) {
	e := cfg.Engine
	navErrors := []int{
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusUnprocessableEntity,
		http.StatusInternalServerError,
	}

	huma.Register(api, huma.Operation{
		OperationID: "session-next",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/next",
		Summary:     "Advance to next step",
		Errors:      navErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body NavResponse `json:"body"`
	}, error) {
		if err := requireCSRF(ctx, e.Repo, input.ID); err != nil {
			return nil, err
		}
		res, err := e.Next(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NavResponse `json:"body"`
		}{Body: navResponse(res.Session, res.Applied, res.Validation)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-previous",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/previous",
		Summary:     "Return to previous step",
		Errors:      navErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body NavResponse `json:"body"`
	}, error) {
		if err := requireCSRF(ctx, e.Repo, input.ID); err != nil {
			return nil, err
		}
		res, err := e.Previous(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NavResponse `json:"body"`
		}{Body: navResponse(res.Session, res.Applied, res.Validation)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-jump",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/jump",
		Summary:     "Jump to a step",
		Errors:      append([]int{http.StatusBadRequest}, navErrors...),
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body JumpRequest `json:"body"`
	}) (*struct {
		Body NavResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requireCSRF(ctx, e.Repo, input.ID); err != nil {
			return nil, err
		}
		res, err := e.Jump(ctx, input.ID, input.Body.Target)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NavResponse `json:"body"`
		}{Body: navResponse(res.Session, res.Applied, res.Validation)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-reset",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/reset",
		Summary:     "Reset session to the first step",
		Errors:      navErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if err := requireCSRF(ctx, e.Repo, input.ID); err != nil {
			return nil, err
		}
		s, err := e.Reset(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		cfg.Drafts.Clear(ctx, input.ID)
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})
}

func registerDraft(api huma.API, cfg Config) {
	e := cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID: "save-draft",
		Method:      http.MethodPut,
		Path:        "/sessions/{id}/draft",
		Summary:     "Save draft fields",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body SaveDraftRequest `json:"body"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requireCSRF(ctx, e.Repo, input.ID); err != nil {
			return nil, err
		}
		if _, err := e.Session(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		fields := input.Body.Fields
		if fields == nil {
			fields = map[string]string{}
		}
		if input.Body.Immediate {
			cfg.Drafts.SaveNow(input.ID, fields)
		} else {
			cfg.Drafts.Save(input.ID, fields)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: DraftResponse{SessionID: input.ID, Fields: fields, Pending: !input.Body.Immediate}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-draft",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/draft",
		Summary:     "Get stored draft",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		if err := requireSession(ctx, input.ID); err != nil {
			return nil, err
		}
		if _, err := e.Session(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		d := cfg.Drafts.Load(ctx, input.ID)
		if d == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no draft for session", nil)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: DraftResponse{SessionID: d.SessionID, Fields: d.Fields, SavedAt: d.SavedAt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-draft",
		Method:      http.MethodDelete,
		Path:        "/sessions/{id}/draft",
		Summary:     "Discard stored draft",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := requireCSRF(ctx, e.Repo, input.ID); err != nil {
			return nil, err
		}
		if _, err := e.Session(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		cfg.Drafts.Clear(ctx, input.ID)
		return &struct{}{}, nil
	})
}

func registerSearch(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "search-companies",
		Method:      http.MethodGet,
		Path:        "/search",
		Summary:     "Search the company registry",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusTooManyRequests,
			http.StatusBadGateway,
			http.StatusGatewayTimeout,
		},
	}, func(ctx context.Context, input *struct {
		Name   string `query:"name" minLength:"1"`
		Postal string `query:"postalCode"`
	}) (*struct {
		Body SearchResponse `json:"body"`
	}, error) {
		results, err := cfg.Lookup.Search(ctx, input.Name, input.Postal)
		if err != nil && !errors.Is(err, lookup.ErrNoResults) {
			return nil, handleError(err)
		}
		if results == nil {
			results = []domain.SearchResult{}
		}
		return &struct {
			Body SearchResponse `json:"body"`
		}{Body: SearchResponse{Results: results}}, nil
	})
}

func registerSubmit(api huma.API, cfg Config) {
	e := cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID: "submit-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/submit",
		Summary:     "Submit the completed form",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusRequestEntityTooLarge,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body submit.Result `json:"body"`
	}, error) {
		if err := requireCSRF(ctx, e.Repo, input.ID); err != nil {
			return nil, err
		}
		res, err := cfg.Pipeline.Submit(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if cfg.Metrics != nil {
			cfg.Metrics.Submissions.Inc()
		}
		return &struct {
			Body submit.Result `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	e := cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID: "session-events",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/events",
		Summary:     "List session events",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"20"`
		Type  string `query:"type"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if err := requireSession(ctx, input.ID); err != nil {
			return nil, err
		}
		if _, err := e.Session(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.LatestEvents(ctx, input.Limit, input.ID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}
