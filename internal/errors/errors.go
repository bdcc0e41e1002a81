package errors

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrMalformedPayload is returned when a reconciliation frame cannot be
// decoded into instance indices.
var ErrMalformedPayload = errors.New("malformed reconciliation payload")

// ErrSessionClosed is returned by session operations after the connection
// has gone away.
var ErrSessionClosed = errors.New("session closed")

// Kind classifies a template failure.
type Kind int

const (
	// KindLoad means the backing file could not be read.
	KindLoad Kind = iota
	// KindValidation means the source failed to parse.
	KindValidation
	// KindEvaluation means rendering failed at runtime.
	KindEvaluation
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindLoad:
		return "load"
	case KindValidation:
		return "validation"
	case KindEvaluation:
		return "evaluation"
	default:
		return "unknown"
	}
}

// TemplateError describes a failure to load, validate or evaluate a template.
type TemplateError struct {
	Kind     Kind
	Endpoint string
	File     string
	Line     int
	Cause    error
}

// NewTemplateError creates a template error for an endpoint.
func NewTemplateError(kind Kind, endpoint string, cause error) *TemplateError {
	return &TemplateError{Kind: kind, Endpoint: endpoint, Cause: cause}
}

// WithLocation adds file location information.
func (e *TemplateError) WithLocation(file string, line int) *TemplateError {
	e.File = file
	e.Line = line

	return e
}

// Error implements the error interface.
func (e *TemplateError) Error() string {
	msg := fmt.Sprintf("template %s error", e.Kind)
	if e.Endpoint != "" {
		msg += " in " + e.Endpoint
	}
	if e.File != "" {
		if e.Line > 0 {
			msg += fmt.Sprintf(" (%s:%d)", e.File, e.Line)
		} else {
			msg += fmt.Sprintf(" (%s)", e.File)
		}
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}

	return msg
}

// Unwrap returns the underlying cause error.
func (e *TemplateError) Unwrap() error {
	return e.Cause
}

// KindOf reports the kind of the first TemplateError in err's chain.
func KindOf(err error) (Kind, bool) {
	var te *TemplateError
	if errors.As(err, &te) {
		return te.Kind, true
	}

	return 0, false
}

// IsLoad checks if err is a template load failure.
func IsLoad(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindLoad
}

// IsValidation checks if err is a template validation failure.
func IsValidation(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindValidation
}

// IsEvaluation checks if err is a template evaluation failure.
func IsEvaluation(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindEvaluation
}

// Collector gathers template errors from a batch operation such as a
// preload of the whole template tree. Safe for concurrent use.
type Collector struct {
	mutex  sync.RWMutex
	errors map[string]error
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{errors: make(map[string]error)}
}

// Add records err for endpoint. A nil error is ignored.
func (c *Collector) Add(endpoint string, err error) {
	if err == nil {
		return
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.errors[endpoint] = err
}

// HasErrors returns true if there are any errors
func (c *Collector) HasErrors() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.errors) > 0
}

// Len returns the number of endpoints that failed.
func (c *Collector) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.errors)
}

// Endpoints returns the failed endpoints in sorted order.
func (c *Collector) Endpoints() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	out := make([]string, 0, len(c.errors))
	for endpoint := range c.errors {
		out = append(out, endpoint)
	}
	sort.Strings(out)
	return out
}

// Get returns the error recorded for endpoint.
func (c *Collector) Get(endpoint string) error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.errors[endpoint]
}

// Err joins every collected error in endpoint order, or returns nil.
func (c *Collector) Err() error {
	endpoints := c.Endpoints()
	if len(endpoints) == 0 {
		return nil
	}
	errs := make([]error, 0, len(endpoints))
	for _, endpoint := range endpoints {
		errs = append(errs, c.Get(endpoint))
	}
	return errors.Join(errs...)
}
