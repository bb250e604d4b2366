package diagram

import (
	"context"
	"strings"

	"github.com/goccy/go-graphviz"

	"github.com/rendis/stepflow/pkg/schema"
)

// Format names an output format.
type Format string

const (
	FormatMermaid Format = "mermaid"
	FormatASCII   Format = "ascii"
	FormatPNG     Format = "png"
	FormatSVG     Format = "svg"
)

// ParseFormat resolves a format name. Empty means mermaid.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatMermaid, nil
	case FormatMermaid, FormatASCII, FormatPNG, FormatSVG:
		return f, nil
	}
	return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown diagram format %q", s).
		WithDetails(map[string]any{"formats": []Format{FormatMermaid, FormatASCII, FormatPNG, FormatSVG}})
}

// ContentType is the HTTP media type of the format.
func (f Format) ContentType() string {
	switch f {
	case FormatPNG:
		return "image/png"
	case FormatSVG:
		return "image/svg+xml"
	default:
		return "text/plain; charset=utf-8"
	}
}

// Render draws model in format.
func Render(ctx context.Context, model *DiagramModel, format Format) ([]byte, error) {
	switch format {
	case FormatMermaid, "":
		return []byte(RenderMermaid(model)), nil
	case FormatASCII:
		return []byte(RenderASCII(model)), nil
	case FormatPNG:
		return RenderImage(ctx, model, graphviz.PNG)
	case FormatSVG:
		return RenderImage(ctx, model, graphviz.SVG)
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown diagram format %q", format)
}
