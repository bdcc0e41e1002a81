// Package web adapts HTTP requests to template renders: it resolves the
// endpoint a request matched, its form fields and the client it came from,
// classifies the form against the client's history in development mode, and
// writes the rendered fragment.
package web

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/conneroisu/hyro/internal/endpoint"
	"github.com/conneroisu/hyro/internal/ledger"
	"github.com/conneroisu/hyro/internal/logging"
)

// Classifier decides which form a request renders with.
type Classifier interface {
	Classify(client, endpoint string, submitted ledger.Form) (ledger.Form, ledger.Outcome)
}

// Request is what a render needs to know about an HTTP request.
type Request struct {
	Endpoint string
	Form     ledger.Form
	Client   string
	Outcome  ledger.Outcome
}

// Extractor builds Requests. Without a classifier the submitted form is used
// as is.
type Extractor struct {
	classifier Classifier
	logger     logging.Logger
}

// NewExtractor creates an extractor. classifier may be nil.
func NewExtractor(classifier Classifier, logger logging.Logger) *Extractor {
	return &Extractor{
		classifier: classifier,
		logger:     logger.WithComponent("web"),
	}
}

// Extract resolves r. The endpoint is the matched route's path template, or
// the request path when no route matched.
func (x *Extractor) Extract(r *http.Request) (Request, error) {
	if err := r.ParseForm(); err != nil {
		return Request{}, fmt.Errorf("parsing form: %w", err)
	}

	req := Request{
		Endpoint: MatchedEndpoint(r),
		Form:     formOf(r),
		Client:   ClientIP(r),
		Outcome:  ledger.OutcomeNew,
	}

	if x.classifier != nil {
		req.Form, req.Outcome = x.classifier.Classify(req.Client, req.Endpoint, req.Form)
		x.logClassification(r.Context(), req)
	}
	return req, nil
}

func (x *Extractor) logClassification(ctx context.Context, req Request) {
	switch req.Outcome {
	case ledger.OutcomeStale:
		x.logger.Warn(ctx, nil, "stale instance index, treating request as new",
			"endpoint", req.Endpoint, "client", req.Client)
	case ledger.OutcomeReplayed:
		x.logger.Debug(ctx, "replaying recorded form",
			"endpoint", req.Endpoint, "client", req.Client)
	}
}

// MatchedEndpoint returns the normalized endpoint r was routed to.
func MatchedEndpoint(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return endpoint.Normalize(tpl)
		}
	}
	return endpoint.Normalize(r.URL.Path)
}

// ClientIP identifies the client by the host part of its remote address.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// formOf flattens r.Form, keeping the first value of every field.
func formOf(r *http.Request) ledger.Form {
	form := make(ledger.Form, len(r.Form))
	for k, vs := range r.Form {
		if len(vs) > 0 {
			form[k] = vs[0]
		}
	}
	return form
}
