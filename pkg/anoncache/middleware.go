package anoncache

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/discourse/discourse-sub105/pkg/classify"
)

// Response headers forming the contract between the middleware, the
// downstream handler, and observers.
const (
	// HeaderCacheStatus marks every response with its cache outcome.
	HeaderCacheStatus = "X-Anon-Cache"

	// HeaderCacheDuration is set by the downstream handler to opt the
	// response into caching for N seconds. Stripped before sending.
	HeaderCacheDuration = "X-Anon-Cache-Duration"

	// HeaderCacheControl set to "no-store" lets a handler veto caching
	// even if a duration was set earlier in the request.
	HeaderCacheControl = "X-Anon-Cache-Control"
)

// Outcome is the cache result for a single request.
type Outcome string

const (
	OutcomeHit    Outcome = "HIT"
	OutcomeMiss   Outcome = "MISS"
	OutcomeBypass Outcome = "BYPASS"
)

// OutcomeOf reads the cache outcome the middleware recorded on a
// response's headers. Returns OutcomeBypass for responses that never
// passed through the middleware.
func OutcomeOf(h http.Header) Outcome {
	switch Outcome(h.Get(HeaderCacheStatus)) {
	case OutcomeHit:
		return OutcomeHit
	case OutcomeMiss:
		return OutcomeMiss
	default:
		return OutcomeBypass
	}
}

// Config configures the anonymous cache middleware.
type Config struct {
	// Store is the cache backend. Required.
	Store Store

	// Classifier derives request facts. Defaults to classify.NewClassifier().
	Classifier *classify.Classifier

	// StripParams names query parameters excluded from cache keys.
	StripParams []string

	// Logger receives middleware log events.
	Logger zerolog.Logger

	// ErrorLogWindow throttles store-failure logging to once per
	// window, so a backend outage does not turn into a log storm.
	// Defaults to 30 seconds.
	ErrorLogWindow time.Duration
}

// Middleware replays cached responses to anonymous requests and stores
// handler responses that opted in via HeaderCacheDuration.
type Middleware struct {
	store       Store
	classifier  *classify.Classifier
	stripParams []string
	logger      zerolog.Logger
	errWindow   time.Duration

	errMu      sync.Mutex
	lastErrLog time.Time

	// clock is swapped in throttle tests.
	clock func() time.Time
}

// New creates the middleware.
func New(cfg Config) *Middleware {
	if cfg.Store == nil {
		panic("anoncache: store cannot be nil")
	}
	if cfg.Classifier == nil {
		cfg.Classifier = classify.NewClassifier()
	}
	if cfg.ErrorLogWindow <= 0 {
		cfg.ErrorLogWindow = 30 * time.Second
	}
	return &Middleware{
		store:       cfg.Store,
		classifier:  cfg.Classifier,
		stripParams: cfg.StripParams,
		logger:      cfg.Logger,
		errWindow:   cfg.ErrorLogWindow,
		clock:       time.Now,
	}
}

// Store exposes the backend, mainly for out-of-band administrative
// operations (deploy-time ClearAll).
func (m *Middleware) Store() Store {
	return m.store
}

// Handler wraps next with the anonymous cache.
//
// Requests that are not cacheable (mutating method, auth cookie,
// explicit bypass) never touch the store in either direction. Store
// failures degrade to miss behavior.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		facts := m.classifier.Classify(r)

		if !facts.Cacheable() {
			w.Header().Set(HeaderCacheStatus, string(OutcomeBypass))
			CacheOutcomes.WithLabelValues("bypass").Inc()
			// Strip cache directives but do not capture the body; the
			// response is never stored.
			ds := &directiveStripper{ResponseWriter: w, outcome: OutcomeBypass}
			next.ServeHTTP(ds, r)
			if !ds.wroteHeader {
				ds.WriteHeader(http.StatusOK)
			}
			return
		}

		key := NewKey(facts, m.stripParams).String()

		entry, err := m.store.Get(r.Context(), key)
		if err != nil && !errors.Is(err, ErrCacheMiss) {
			m.storeError("get", err)
			entry = nil
		}
		if entry != nil {
			m.replay(w, r, entry)
			CacheOutcomes.WithLabelValues("hit").Inc()
			return
		}

		CacheOutcomes.WithLabelValues("miss").Inc()

		rec := newRecorder(w)
		next.ServeHTTP(rec, r)
		if !rec.wroteHeader {
			rec.WriteHeader(http.StatusOK)
		}

		// Storing requires the handler to have opted in, the response
		// to still be anonymous-safe, and the request to have finished
		// normally. A cancelled context means a possibly partial body.
		// HEAD replays hits but never stores: a method-aware handler
		// writes no body on HEAD, and caching that would serve empty
		// pages to subsequent GETs.
		if rec.cacheFor <= 0 || !rec.storable() || r.Method == http.MethodHead || r.Context().Err() != nil {
			return
		}

		if err := m.store.Put(r.Context(), key, rec.entry(), rec.cacheFor); err != nil {
			m.storeError("put", err)
			return
		}
		CacheStores.Inc()
		m.logger.Debug().
			Str("key", key).
			Dur("ttl", rec.cacheFor).
			Int("status", rec.status).
			Msg("Stored anonymous response")
	})
}

// replay writes a cached entry verbatim, marked as a hit.
func (m *Middleware) replay(w http.ResponseWriter, r *http.Request, entry *Entry) {
	h := w.Header()
	for name, value := range entry.Headers {
		h.Set(name, value)
	}
	h.Set(HeaderCacheStatus, string(OutcomeHit))
	w.WriteHeader(entry.Status)
	if r.Method != http.MethodHead {
		if _, err := w.Write(entry.Body()); err != nil {
			m.logger.Debug().Err(err).Msg("Client went away during cache replay")
		}
	}
}

// storeError counts a backend failure and logs it at most once per
// incident window. The request itself proceeds uncached.
func (m *Middleware) storeError(op string, err error) {
	StoreErrors.WithLabelValues(op).Inc()

	m.errMu.Lock()
	defer m.errMu.Unlock()
	now := m.clock()
	if !m.lastErrLog.IsZero() && now.Sub(m.lastErrLog) < m.errWindow {
		return
	}
	m.lastErrLog = now
	m.logger.Warn().
		Err(err).
		Str("operation", op).
		Msg("Cache backend unavailable, serving without cache")
}

// recorder captures the downstream handler's response while passing it
// through to the client, chunk by chunk.
type recorder struct {
	http.ResponseWriter

	status      int
	wroteHeader bool
	chunks      [][]byte

	cacheFor     time.Duration
	noStore      bool
	sawSetCookie bool
}

func newRecorder(w http.ResponseWriter) *recorder {
	return &recorder{ResponseWriter: w}
}

// WriteHeader consumes the handler's cache directives, strips them from
// the outgoing response, and stamps the miss marker.
func (rw *recorder) WriteHeader(status int) {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	rw.status = status

	h := rw.Header()
	if v := h.Get(HeaderCacheDuration); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			rw.cacheFor = time.Duration(secs) * time.Second
		}
		h.Del(HeaderCacheDuration)
	}
	if strings.EqualFold(h.Get(HeaderCacheControl), "no-store") {
		rw.noStore = true
	}
	h.Del(HeaderCacheControl)
	if len(h.Values("Set-Cookie")) > 0 {
		rw.sawSetCookie = true
	}
	h.Set(HeaderCacheStatus, string(OutcomeMiss))

	rw.ResponseWriter.WriteHeader(status)
}

func (rw *recorder) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	chunk := make([]byte, len(b))
	copy(chunk, b)
	rw.chunks = append(rw.chunks, chunk)
	return rw.ResponseWriter.Write(b)
}

// Flush supports streaming handlers.
func (rw *recorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// storable reports whether the captured response is still
// anonymous-safe. A Set-Cookie means the handler personalized the
// response mid-request (e.g. started a session); no-store is an
// explicit veto.
func (rw *recorder) storable() bool {
	return !rw.noStore && !rw.sawSetCookie
}

// entry snapshots the captured response as a cache entry. The outcome
// marker is not stored; replay stamps its own.
func (rw *recorder) entry() *Entry {
	headers := make(map[string]string)
	for name := range rw.Header() {
		if name == HeaderCacheStatus {
			continue
		}
		headers[name] = rw.Header().Get(name)
	}
	return &Entry{
		Status:   rw.status,
		Headers:  headers,
		Chunks:   rw.chunks,
		StoredAt: time.Now(),
	}
}

// directiveStripper removes cache directive headers from responses that
// bypass the cache, without capturing the body.
type directiveStripper struct {
	http.ResponseWriter
	outcome     Outcome
	wroteHeader bool
}

func (ds *directiveStripper) WriteHeader(status int) {
	if ds.wroteHeader {
		return
	}
	ds.wroteHeader = true
	h := ds.Header()
	h.Del(HeaderCacheDuration)
	h.Del(HeaderCacheControl)
	h.Set(HeaderCacheStatus, string(ds.outcome))
	ds.ResponseWriter.WriteHeader(status)
}

func (ds *directiveStripper) Write(b []byte) (int, error) {
	if !ds.wroteHeader {
		ds.WriteHeader(http.StatusOK)
	}
	return ds.ResponseWriter.Write(b)
}

func (ds *directiveStripper) Flush() {
	if f, ok := ds.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
