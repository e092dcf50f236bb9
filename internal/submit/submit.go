// Package submit runs the final submission pipeline: full-record validation,
// recap rendering, size ceilings, payload compression, mail dispatch, and
// confirmation. Size ceilings abort before any network traffic; mail failure
// does not.
package submit

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"formline/internal/config"
	"formline/internal/domain"
	"formline/internal/draft"
	"formline/internal/engine"
	"formline/internal/events"
	"formline/internal/pdf"
	"formline/internal/repo"
	"formline/internal/validate"
)

// SizeError reports a ceiling violation. The offending size is part of the
// message so the caller can tell the user how far over they are.
type SizeError struct {
	What  string
	Size  int64
	Limit int64
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("%s is %d bytes, over the %d byte limit", e.What, e.Size, e.Limit)
}

// ValidationError carries the per-field failures of the final full-record
// check.
type ValidationError struct {
	Result validate.Result
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("submission blocked by %d field error(s)", len(e.Result.FieldErrors))
}

// Relay delivers the submission payload to the mail relay.
type Relay interface {
	Send(ctx context.Context, payload []byte, compressed bool) error
}

// MailRelay posts payloads to <base>/send. Compressed payloads carry
// Content-Encoding: gzip.
type MailRelay struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func (m *MailRelay) Send(ctx context.Context, payload []byte, compressed bool) error {
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.BaseURL+"/send", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}
	client := m.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("mail relay returned %d", resp.StatusCode)
	}
	return nil
}

type Pipeline struct {
	DB        *sql.DB
	Repo      repo.Repo
	Engine    engine.Engine
	Config    *config.Config
	Validator *validate.Validator
	Drafts    *draft.Store
	Renderer  pdf.Renderer
	Relay     Relay
	OutboxDir string
	Logger    *slog.Logger
	Now       func() time.Time
}

func NewPipeline(db *sql.DB, cfg *config.Config, v *validate.Validator, drafts *draft.Store, e engine.Engine, renderer pdf.Renderer, relay Relay) *Pipeline {
	return &Pipeline{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Engine:    e,
		Config:    cfg,
		Validator: v,
		Drafts:    drafts,
		Renderer:  renderer,
		Relay:     relay,
		OutboxDir: cfg.Submission.OutboxDir,
		Now:       time.Now,
	}
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Result summarizes a completed submission. MailWarning is set when dispatch
// failed; the submission still succeeded.
type Result struct {
	SubmissionID  string `json:"submission_id"`
	DocumentPath  string `json:"document_path,omitempty"`
	DocumentBytes int64  `json:"document_bytes"`
	PayloadBytes  int64  `json:"payload_bytes"`
	Compressed    bool   `json:"compressed"`
	MailDelivered bool   `json:"mail_delivered"`
	MailWarning   string `json:"mail_warning,omitempty"`
}

// Submit runs the whole pipeline for a session. Steps in order: flush and
// read the draft, validate every configured field, render the recap, check
// the document and attachment ceilings, assemble and best-effort compress
// the payload, check the payload ceiling, save the recap to the outbox,
// dispatch mail, then clear the draft and confirm the session. There are no
// retries; the caller resubmits.
func (p *Pipeline) Submit(ctx context.Context, sessionID string) (Result, error) {
	s, err := p.Engine.Session(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	if s.Status == "confirmed" {
		return Result{}, engine.ErrConfirmed
	}
	p.Drafts.Flush(sessionID)
	fields := p.Drafts.Fields(ctx, sessionID)
	fields = validate.NormalizeRecord(fields)

	if res := p.Validator.Check(fields, p.Config.AllFields()); !res.OK {
		return Result{}, &ValidationError{Result: res}
	}

	doc, err := p.renderRecap(ctx, fields)
	if err != nil {
		return Result{}, err
	}
	if limit := p.Config.DocumentLimit(); int64(len(doc)) > limit {
		return Result{}, &SizeError{What: "recap document", Size: int64(len(doc)), Limit: limit}
	}
	if err := p.checkAttachment(fields); err != nil {
		return Result{}, err
	}

	payload, compressed, err := p.buildPayload(sessionID, fields, doc)
	if err != nil {
		return Result{}, err
	}
	if limit := p.Config.PayloadLimit(); int64(len(payload)) > limit {
		return Result{}, &SizeError{What: "submission payload", Size: int64(len(payload)), Limit: limit}
	}

	docPath, err := p.saveToOutbox(sessionID, doc)
	if err != nil {
		return Result{}, err
	}

	r := Result{
		SubmissionID:  uuid.New().String(),
		DocumentPath:  docPath,
		DocumentBytes: int64(len(doc)),
		PayloadBytes:  int64(len(payload)),
		Compressed:    compressed,
	}
	if p.Relay != nil {
		if err := p.Relay.Send(ctx, payload, compressed); err != nil {
			r.MailWarning = err.Error()
			p.log("mail dispatch failed", "session_id", sessionID, "error", err)
		} else {
			r.MailDelivered = true
		}
	}

	if err := p.record(ctx, sessionID, r); err != nil {
		return Result{}, err
	}
	p.Drafts.Clear(ctx, sessionID)
	if _, err := p.Engine.Confirm(ctx, sessionID, events.EventPayload{
		"submission_id":  r.SubmissionID,
		"mail_delivered": r.MailDelivered,
	}); err != nil {
		return Result{}, err
	}
	return r, nil
}

func (p *Pipeline) renderRecap(ctx context.Context, fields map[string]string) ([]byte, error) {
	var lines []pdf.Line
	for _, step := range p.Config.StepList() {
		for _, f := range step.Fields {
			if f == "kbisFile" || f == "signature" {
				continue
			}
			lines = append(lines, pdf.Line{Label: f, Value: fields[f]})
		}
	}
	doc, err := p.Renderer.Render(ctx, p.Config.Form.Title, lines)
	if err != nil {
		return nil, fmt.Errorf("render recap: %w", err)
	}
	return doc, nil
}

// checkAttachment enforces the attachment ceiling on the decoded size of the
// base64 file field.
func (p *Pipeline) checkAttachment(fields map[string]string) error {
	raw := fields["kbisFile"]
	if raw == "" {
		return nil
	}
	size := int64(base64.StdEncoding.DecodedLen(len(raw)))
	if limit := p.Config.AttachmentLimit(); size > limit {
		return &SizeError{What: "attachment", Size: size, Limit: limit}
	}
	return nil
}

// buildPayload serializes the mail payload and gzips it when that helps.
// Compression failure falls back to the uncompressed payload silently.
func (p *Pipeline) buildPayload(sessionID string, fields map[string]string, doc []byte) ([]byte, bool, error) {
	raw, err := json.Marshal(map[string]any{
		"session_id": sessionID,
		"fields":     fields,
		"recap_pdf":  base64.StdEncoding.EncodeToString(doc),
		"sent_at":    p.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, false, fmt.Errorf("serialize payload: %w", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err == nil && zw.Close() == nil && buf.Len() < len(raw) {
		return buf.Bytes(), true, nil
	}
	p.log("payload compression skipped", "session_id", sessionID)
	return raw, false, nil
}

func (p *Pipeline) saveToOutbox(sessionID string, doc []byte) (string, error) {
	dir := p.OutboxDir
	if dir == "" {
		dir = "outbox"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create outbox: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("recap-%s-%s.pdf", sessionID, p.now().UTC().Format("20060102T150405Z")))
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		return "", fmt.Errorf("write recap: %w", err)
	}
	return path, nil
}

func (p *Pipeline) record(ctx context.Context, sessionID string, r Result) error {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	sub := toSubmission(sessionID, r, p.now())
	if err := p.Repo.InsertSubmission(ctx, tx, sub); err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	if err := (events.Writer{DB: p.DB}).Append(ctx, tx, "submission.recorded", sessionID, "submission", r.SubmissionID, events.EventPayload{
		"document_bytes": r.DocumentBytes,
		"payload_bytes":  r.PayloadBytes,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func toSubmission(sessionID string, r Result, now time.Time) domain.Submission {
	return domain.Submission{
		ID:            r.SubmissionID,
		SessionID:     sessionID,
		DocumentBytes: r.DocumentBytes,
		PayloadBytes:  r.PayloadBytes,
		Compressed:    r.Compressed,
		MailDelivered: r.MailDelivered,
		MailError:     r.MailWarning,
		CreatedAt:     now.UTC().Format(time.RFC3339),
	}
}

func (p *Pipeline) log(msg string, args ...any) {
	if p.Logger != nil {
		p.Logger.Debug(msg, args...)
	}
}
