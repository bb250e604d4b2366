package expressions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/stepflow/internal/flow"
	"github.com/rendis/stepflow/pkg/schema"
)

// Engine evaluates expressions against a data object.
// Three implementations: CEL (conditions), Expr (conditions and logic), GoJQ (templates and transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Conditions evaluates transition conditions. CEL is the default language;
// "expr" selects expr-lang. It satisfies flow.ConditionEvaluator.
type Conditions struct {
	cel  *CELEngine
	expr *ExprEngine
}

// NewConditions creates a condition evaluator with fresh engines.
func NewConditions() (*Conditions, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Conditions{cel: celEngine, expr: NewExprEngine()}, nil
}

// Evaluate runs expression in the given language and requires a boolean result.
func (c *Conditions) Evaluate(ctx context.Context, lang, expression string, data flow.Context) (bool, error) {
	var (
		out any
		err error
	)
	switch lang {
	case "", schema.LangCEL:
		out, err = c.cel.Evaluate(ctx, expression, map[string]any{"context": data.Clone().Map()})
	case schema.LangExpr:
		out, err = c.expr.Evaluate(ctx, expression, data.Clone().Map())
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown condition language %q", lang)
	}
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"condition %q returned %T, want bool", expression, out).
			WithDetails(map[string]any{"expression": expression, "lang": lang})
	}
	return b, nil
}

// Compile checks that expression parses in lang without evaluating it.
func (c *Conditions) Compile(lang, expression string) error {
	switch lang {
	case "", schema.LangCEL:
		_, err := c.cel.getOrCompile(expression)
		return err
	case schema.LangExpr:
		_, err := c.expr.getOrCompile(expression)
		return err
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown condition language %q", lang)
	}
}

// Renderer renders jq message templates. It satisfies flow.MessageRenderer.
type Renderer struct {
	jq *GoJQEngine
}

// NewRenderer creates a template renderer backed by jq.
func NewRenderer(jq *GoJQEngine) *Renderer {
	if jq == nil {
		jq = NewGoJQEngine()
	}
	return &Renderer{jq: jq}
}

// Render evaluates template against the context. String results are returned
// as-is; other values are JSON encoded.
func (r *Renderer) Render(ctx context.Context, template string, c flow.Context) (string, error) {
	out, err := r.jq.EvaluateNormalized(ctx, template, c.Map())
	if err != nil {
		return "", err
	}
	switch v := out.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v), nil
		}
		return string(b), nil
	}
}

var (
	_ flow.ConditionEvaluator = (*Conditions)(nil)
	_ flow.MessageRenderer    = (*Renderer)(nil)
)
