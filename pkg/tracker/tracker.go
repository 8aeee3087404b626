// Package tracker composes the request-edge pipeline: it selects the
// rate limiter governing each request from the candidate stack and
// reports the request's cache outcome to a metrics collector.
package tracker

import (
	"context"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/discourse/discourse-sub105/pkg/anoncache"
	"github.com/discourse/discourse-sub105/pkg/classify"
	"github.com/discourse/discourse-sub105/pkg/ratelimit"
)

// Reporter receives the per-request outcome after the response is
// done. Implementations must be fast or internally buffered; the
// middleware invokes them off the response path and never waits.
type Reporter interface {
	Report(outcome anoncache.Outcome, limiter string)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(outcome anoncache.Outcome, limiter string)

// Report implements Reporter.
func (f ReporterFunc) Report(outcome anoncache.Outcome, limiter string) {
	f(outcome, limiter)
}

// Config configures the tracker middleware.
type Config struct {
	// Stack is the ordered limiter candidate stack. Required.
	Stack *ratelimit.Stack

	// Classifier derives request facts. Defaults to classify.NewClassifier().
	Classifier *classify.Classifier

	// Identify resolves the requester identity, typically from headers
	// set by an upstream authentication layer. Nil means every request
	// is anonymous.
	Identify func(r *http.Request) *ratelimit.Identity

	// Reporter receives fire-and-forget outcome reports. Optional.
	Reporter Reporter

	// Logger receives middleware log events.
	Logger zerolog.Logger
}

// Middleware selects the rate limiter for each request and reports
// outcomes. It is the outermost layer of the edge pipeline, wrapping
// the anonymous cache.
type Middleware struct {
	stack      *ratelimit.Stack
	classifier *classify.Classifier
	identify   func(r *http.Request) *ratelimit.Identity
	reporter   Reporter
	logger     zerolog.Logger
}

// New creates the middleware.
func New(cfg Config) *Middleware {
	if cfg.Stack == nil {
		panic("tracker: stack cannot be nil")
	}
	if cfg.Classifier == nil {
		cfg.Classifier = classify.NewClassifier()
	}
	return &Middleware{
		stack:      cfg.Stack,
		classifier: cfg.Classifier,
		identify:   cfg.Identify,
		reporter:   cfg.Reporter,
		logger:     cfg.Logger,
	}
}

type limiterCtxKey struct{}

// LimiterFromContext returns the limiter selected for the request, for
// consumption by a downstream enforcement layer. ok is false when the
// request proceeds unlimited.
func LimiterFromContext(ctx context.Context) (ratelimit.Limiter, bool) {
	l, ok := ctx.Value(limiterCtxKey{}).(ratelimit.Limiter)
	return l, ok
}

// Handler wraps next with limiter selection and outcome reporting.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		facts := m.classifier.Classify(r)

		var id *ratelimit.Identity
		if m.identify != nil {
			id = m.identify(r)
		}

		limiter, name, ok := m.stack.Resolve(facts, id)
		if ok {
			r = r.WithContext(context.WithValue(r.Context(), limiterCtxKey{}, limiter))
			m.logger.Debug().
				Str("candidate", name).
				Str("key", limiter.Key()).
				Bool("global", limiter.Global()).
				Msg("Selected rate limiter")
		}

		next.ServeHTTP(w, r)

		if m.reporter != nil {
			outcome := anoncache.OutcomeOf(w.Header())
			go m.reporter.Report(outcome, name)
		}
	})
}

// HeaderIdentity resolves identities from headers set by an upstream
// authentication layer (the edge itself never parses credentials).
// Returns nil when the user id header is absent or malformed.
func HeaderIdentity(userIDHeader, trustLevelHeader string) func(r *http.Request) *ratelimit.Identity {
	return func(r *http.Request) *ratelimit.Identity {
		raw := r.Header.Get(userIDHeader)
		if raw == "" {
			return nil
		}
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil
		}
		trust, _ := strconv.Atoi(r.Header.Get(trustLevelHeader))
		return &ratelimit.Identity{UserID: userID, TrustLevel: trust}
	}
}
