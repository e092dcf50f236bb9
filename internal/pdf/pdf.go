// Package pdf renders the submission recap document. The Renderer interface
// is the only surface the submission pipeline depends on, so builds without
// PDF support swap in Disabled.
package pdf

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ErrUnavailable signals that no PDF backend is wired into this build.
var ErrUnavailable = errors.New("pdf rendering unavailable")

// Line is one labelled value on the recap page.
type Line struct {
	Label string
	Value string
}

type Renderer interface {
	Render(ctx context.Context, title string, lines []Line) ([]byte, error)
}

// Disabled satisfies Renderer for builds without a PDF backend.
type Disabled struct{}

func (Disabled) Render(context.Context, string, []Line) ([]byte, error) {
	return nil, ErrUnavailable
}

// RecapRenderer produces a single-page recap via pdfcpu's create API.
type RecapRenderer struct {
	// Now stamps the generation time printed in the footer.
	Now func() time.Time
}

func NewRecapRenderer() *RecapRenderer {
	return &RecapRenderer{Now: time.Now}
}

func (r *RecapRenderer) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *RecapRenderer) Render(ctx context.Context, title string, lines []Line) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	spec, err := json.Marshal(createSpec(title, lines, r.now()))
	if err != nil {
		return nil, fmt.Errorf("build recap spec: %w", err)
	}
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	var buf bytes.Buffer
	if err := api.Create(nil, bytes.NewReader(spec), &buf, cfg); err != nil {
		return nil, fmt.Errorf("render recap: %w", err)
	}
	return buf.Bytes(), nil
}

// createSpec builds the pdfcpu create-JSON document: one A4 page, title at
// the top, label/value rows below, generation timestamp in the footer.
func createSpec(title string, lines []Line, now time.Time) map[string]any {
	texts := []map[string]any{
		{
			"value":   title,
			"anchor":  "tl",
			"dx":      40,
			"dy":      -50,
			"font":    map[string]any{"name": "Helvetica-Bold", "size": 18},
			"fillCol": "#1A1A1A",
		},
	}
	y := -95
	for _, l := range lines {
		texts = append(texts, map[string]any{
			"value":   fmt.Sprintf("%s: %s", l.Label, l.Value),
			"anchor":  "tl",
			"dx":      40,
			"dy":      y,
			"font":    map[string]any{"name": "Helvetica", "size": 11},
			"fillCol": "#333333",
		})
		y -= 20
	}
	texts = append(texts, map[string]any{
		"value":   "Generated " + now.UTC().Format(time.RFC3339),
		"anchor":  "bl",
		"dx":      40,
		"dy":      30,
		"font":    map[string]any{"name": "Helvetica", "size": 8},
		"fillCol": "#777777",
	})
	return map[string]any{
		"paper": "A4",
		"pages": map[string]any{
			"1": map[string]any{
				"content": map[string]any{"text": texts},
			},
		},
	}
}
