package web

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/a-h/templ"

	"github.com/conneroisu/hyro/internal/ledger"
	"github.com/conneroisu/hyro/internal/logging"
)

// Renderer renders an endpoint.
type Renderer interface {
	Render(ctx context.Context, endpoint string, form map[string]string, data map[string]any) string
}

// DataFunc supplies the template data for a request. A returned *Error
// chooses the response status; any other error is a 500.
type DataFunc func(r *http.Request, form ledger.Form) (map[string]any, error)

// Error is an error with an HTTP status.
type Error struct {
	Code int
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// BadRequest wraps err as a 400.
func BadRequest(err error) error {
	return &Error{Code: http.StatusBadRequest, Err: err}
}

// Handler renders the matched endpoint for every request.
type Handler struct {
	extractor *Extractor
	renderer  Renderer
	data      DataFunc
	logger    logging.Logger
}

// NewHandler creates a handler. data may be nil.
func NewHandler(extractor *Extractor, renderer Renderer, data DataFunc, logger logging.Logger) *Handler {
	return &Handler{
		extractor: extractor,
		renderer:  renderer,
		data:      data,
		logger:    logger.WithComponent("web"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := h.extractor.Extract(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var data map[string]any
	if h.data != nil {
		if data, err = h.data(r, req.Form); err != nil {
			h.fail(w, r, req, err)
			return
		}
	}

	Respond(w, r, h.renderer.Render(r.Context(), req.Endpoint, req.Form, data))
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, req Request, err error) {
	code := http.StatusInternalServerError
	var herr *Error
	if stderrors.As(err, &herr) {
		code = herr.Code
	}
	if code >= http.StatusInternalServerError {
		h.logger.Error(r.Context(), err, "loading template data failed",
			"endpoint", req.Endpoint,
			"request_id", RequestID(r.Context()))
	}
	http.Error(w, err.Error(), code)
}

// Respond writes html as a 200 text/html response.
func Respond(w http.ResponseWriter, r *http.Request, html string) {
	templ.Handler(templ.Raw(html)).ServeHTTP(w, r)
}
