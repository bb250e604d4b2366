package planner

import (
	"context"
	"strings"
	"unicode"

	"github.com/rendis/stepflow/internal/flow"
	"github.com/rendis/stepflow/internal/workflows"
	"github.com/rendis/stepflow/pkg/schema"
)

// Catalog is the set of workflows a TemplatePlanner routes to.
type Catalog interface {
	Workflow(id string) (*flow.Workflow, error)
	Workflows() []*flow.Workflow
}

// TemplatePlanner routes a request to a registered workflow by keyword and
// linearizes it into a plan.
type TemplatePlanner struct {
	catalog  Catalog
	fallback string
}

// TemplateOption configures a TemplatePlanner.
type TemplateOption func(*TemplatePlanner)

// WithDefaultWorkflow plans id when no workflow matches the prompt.
func WithDefaultWorkflow(id string) TemplateOption {
	return func(p *TemplatePlanner) { p.fallback = id }
}

// NewTemplatePlanner creates a TemplatePlanner over catalog.
func NewTemplatePlanner(catalog Catalog, opts ...TemplateOption) *TemplatePlanner {
	p := &TemplatePlanner{catalog: catalog}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan picks the workflow whose keywords best match the prompt. Ties go to
// the lowest workflow id.
func (p *TemplatePlanner) Plan(_ context.Context, req Request) (*Plan, error) {
	id := req.WorkflowID
	if id == "" {
		id = p.route(req.Prompt)
	}
	if id == "" {
		return nil, schema.NewError(schema.ErrCodePlanner, "no workflow matches the request").
			WithDetails(map[string]any{"prompt": req.Prompt})
	}

	wf, err := p.catalog.Workflow(id)
	if err != nil {
		return nil, err
	}
	steps := workflows.Linearize(wf)
	if len(steps) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodePlanner, "workflow %q has no reachable steps", id)
	}
	return &Plan{Source: SourceTemplate, WorkflowID: wf.ID, Steps: steps}, nil
}

func (p *TemplatePlanner) route(prompt string) string {
	text := strings.ToLower(prompt)
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words[w] = true
	}

	best, bestScore := "", 0
	for _, wf := range p.catalog.Workflows() {
		score := 0
		for _, kw := range wf.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			switch {
			case kw == "":
			case strings.Contains(kw, " "):
				if strings.Contains(text, kw) {
					score++
				}
			case words[kw]:
				score++
			}
		}
		if score > bestScore {
			best, bestScore = wf.ID, score
		}
	}
	if best == "" {
		return p.fallback
	}
	return best
}
