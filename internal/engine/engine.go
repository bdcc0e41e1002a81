// Package engine adapts the pongo2 Jinja-style template language to the
// small contract the rest of hyro needs: check that a source parses, and
// render a source with a data mapping.
package engine

import (
	stderrors "errors"
	"fmt"
	"html"
	"net/url"
	"reflect"
	"sync"

	"github.com/flosch/pongo2/v6"
	"github.com/spf13/afero"

	"github.com/conneroisu/hyro/internal/endpoint"
	"github.com/conneroisu/hyro/internal/errors"
)

// Engine compiles and evaluates template sources.
type Engine interface {
	// Validate parses source without evaluating it.
	Validate(name, source string) error
	// Render parses and evaluates source with data.
	Render(name, source string, data map[string]any) (string, error)
}

// Option configures a Pongo engine.
type Option func(*Pongo)

// WithGlobal exposes value to every template under name.
func WithGlobal(name string, value any) Option {
	return func(p *Pongo) {
		p.set.Globals[name] = value
	}
}

// Pongo is the pongo2 backed Engine. Includes and extends resolve against
// the template root.
type Pongo struct {
	// FromString flips shared state on the set, so parsing is serialized.
	// Execution of a parsed template is concurrency safe.
	parseMu sync.Mutex
	set     *pongo2.TemplateSet
}

var _ Engine = (*Pongo)(nil)

// NewPongo creates an engine whose includes load from root.
func NewPongo(root afero.Fs, opts ...Option) *Pongo {
	set := pongo2.NewSet("hyro", pongo2.NewFSLoader(afero.NewIOFS(root)))
	set.Globals["module"] = Module
	set.Globals["hmr"] = false

	p := &Pongo{set: set}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Validate parses source and reports a validation TemplateError on failure.
func (p *Pongo) Validate(name, source string) error {
	_, err := p.parse(name, source)
	return err
}

// Render parses source and executes it against data.
func (p *Pongo) Render(name, source string, data map[string]any) (string, error) {
	tpl, err := p.parse(name, source)
	if err != nil {
		return "", err
	}

	out, err := tpl.Execute(pongo2.Context(data))
	if err != nil {
		return "", wrap(errors.KindEvaluation, name, err)
	}
	return out, nil
}

func (p *Pongo) parse(name, source string) (*pongo2.Template, error) {
	p.parseMu.Lock()
	tpl, err := p.set.FromString(source)
	p.parseMu.Unlock()

	if err != nil {
		return nil, wrap(errors.KindValidation, name, err)
	}
	return tpl, nil
}

func wrap(kind errors.Kind, name string, err error) error {
	te := errors.NewTemplateError(kind, name, err)

	var perr *pongo2.Error
	if stderrors.As(err, &perr) && perr.Line > 0 {
		te.Line = perr.Line
	}
	return te
}

// Module renders an htmx placeholder that lazily loads the fragment at path
// once it scrolls into view. The optional form must be a mapping and is
// sent as the query string.
func Module(path *pongo2.Value, form ...*pongo2.Value) (*pongo2.Value, error) {
	target := endpoint.Normalize(path.String())

	if len(form) > 0 && !form[0].IsNil() {
		query, err := encodeForm(form[0].Interface())
		if err != nil {
			return nil, err
		}
		target += "?" + query
	}

	return pongo2.AsSafeValue(fmt.Sprintf(
		`<div hx-trigger="revealed" hx-swap="outerHTML" hx-get="%s"></div>`,
		html.EscapeString(target),
	)), nil
}

func encodeForm(form any) (string, error) {
	rv := reflect.ValueOf(form)
	if rv.Kind() != reflect.Map {
		return "", fmt.Errorf("form data should be a map, got %T", form)
	}

	values := url.Values{}
	iter := rv.MapRange()
	for iter.Next() {
		values.Set(fmt.Sprint(iter.Key().Interface()), fmt.Sprint(iter.Value().Interface()))
	}
	// Encode sorts by key.
	return values.Encode(), nil
}
