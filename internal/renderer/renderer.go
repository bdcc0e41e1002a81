// Package renderer turns a cached template source and a request's data into
// HTML.
//
// In development mode every rendered template is tagged with the endpoint it
// came from, and full pages carry the reload client, so a browser can find
// and refresh the fragments a template change affects. Rendering never fails
// outward: errors are logged and produce an empty body.
package renderer

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"html"
	"strings"

	nethtml "golang.org/x/net/html"

	"github.com/conneroisu/hyro/internal/endpoint"
	"github.com/conneroisu/hyro/internal/engine"
	"github.com/conneroisu/hyro/internal/logging"
)

// FormKey is the data key the classified form is exposed under.
const FormKey = "form"

//go:embed client.js
var clientJS string

// Source supplies template sources by endpoint.
type Source interface {
	GetOrLoad(endpoint string) (string, error)
}

// Options configures a Renderer.
type Options struct {
	// Development enables endpoint tagging and template reevaluation.
	Development bool
	// InjectClient adds the reload client to pages with a </head>.
	InjectClient bool
	// HMRPath is the route of the reload channel.
	HMRPath string
	// StylesheetRoute is the route the stylesheet is served from.
	StylesheetRoute string
}

// Renderer renders endpoints.
type Renderer struct {
	source Source
	engine engine.Engine
	opts   Options
	logger logging.Logger
	client string
}

// New creates a renderer.
func New(source Source, eng engine.Engine, opts Options, logger logging.Logger) *Renderer {
	r := &Renderer{
		source: source,
		engine: eng,
		opts:   opts,
		logger: logger.WithComponent("renderer"),
	}
	if opts.Development && opts.InjectClient {
		r.client = ClientTag(opts.HMRPath, opts.StylesheetRoute)
	}
	return r
}

// Render renders the template for ep. form is exposed as "form" unless data
// already carries that key. Any failure is logged and yields "".
func (r *Renderer) Render(ctx context.Context, ep string, form map[string]string, data map[string]any) string {
	ep = endpoint.Normalize(ep)

	source, err := r.source.GetOrLoad(ep)
	if err != nil {
		r.logger.Error(ctx, err, "template unavailable", "endpoint", ep)
		return ""
	}

	if !r.opts.Development && !HasMarkers(source) {
		return source
	}

	if r.opts.Development {
		source = InjectPath(ep, source)
		if r.client != "" {
			source = InjectBeforeHead(source, r.client)
		}
	}

	out, err := r.engine.Render(ep, source, withForm(form, data))
	if err != nil {
		r.logger.Error(ctx, err, "render failed", "endpoint", ep)
		return ""
	}
	return out
}

func withForm(form map[string]string, data map[string]any) map[string]any {
	vars := make(map[string]any, len(data)+1)
	for k, v := range data {
		vars[k] = v
	}
	if _, ok := vars[FormKey]; !ok {
		if form == nil {
			form = map[string]string{}
		}
		vars[FormKey] = form
	}
	return vars
}

// HasMarkers reports whether source contains any template syntax.
func HasMarkers(source string) bool {
	return strings.Contains(source, "{{") ||
		strings.Contains(source, "{%") ||
		strings.Contains(source, "{#")
}

// InjectPath adds an hmr-path attribute naming ep to the first start tag in
// source. Doctypes, comments and text ahead of it are skipped. A source
// without tags is returned unchanged.
func InjectPath(ep, source string) string {
	z := nethtml.NewTokenizer(strings.NewReader(source))
	attr := fmt.Sprintf(` hmr-path="%s"`, html.EscapeString(ep))

	offset := 0
	for {
		tt := z.Next()
		if tt == nethtml.ErrorToken {
			return source
		}

		raw := z.Raw()
		switch tt {
		case nethtml.StartTagToken:
			at := offset + len(raw) - 1
			return source[:at] + attr + source[at:]

		case nethtml.SelfClosingTagToken:
			// Keep the attribute ahead of the whitespace before "/>".
			at := offset + len(bytes.TrimRight(raw[:len(raw)-2], " \t\r\n"))
			return source[:at] + attr + source[at:]
		}
		offset += len(raw)
	}
}

// InjectBeforeHead inserts tag right before the first </head>. A source
// without one is returned unchanged.
func InjectBeforeHead(source, tag string) string {
	i := strings.Index(source, "</head>")
	if i < 0 {
		return source
	}
	return source[:i] + tag + source[i:]
}

// ClientTag returns the script element carrying the reload client.
func ClientTag(hmrPath, stylesheetRoute string) string {
	return fmt.Sprintf("\t<script data-hmr-path=\"%s\" data-stylesheet=\"%s\">\n%s</script>\n",
		html.EscapeString(hmrPath), html.EscapeString(stylesheetRoute), clientJS)
}
