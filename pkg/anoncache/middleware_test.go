package anoncache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/discourse/discourse-sub105/internal/testutil"
	"github.com/discourse/discourse-sub105/pkg/classify"
)

// countingStore wraps a Store and records operations.
type countingStore struct {
	Store
	mu   sync.Mutex
	gets int
	puts int
}

func (s *countingStore) Get(ctx context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	s.gets++
	s.mu.Unlock()
	return s.Store.Get(ctx, key)
}

func (s *countingStore) Put(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	s.mu.Lock()
	s.puts++
	s.mu.Unlock()
	return s.Store.Put(ctx, key, entry, ttl)
}

// failingStore simulates an unavailable backend.
type failingStore struct{}

var errBackendDown = errors.New("backend down")

func (failingStore) Get(context.Context, string) (*Entry, error) { return nil, errBackendDown }
func (failingStore) Put(context.Context, string, *Entry, time.Duration) error {
	return errBackendDown
}
func (failingStore) Delete(context.Context, string) error { return errBackendDown }
func (failingStore) ClearAll(context.Context) error       { return errBackendDown }

func newTestMiddleware(t *testing.T, store Store) *Middleware {
	t.Helper()
	return New(Config{Store: store})
}

func doRequest(t *testing.T, h http.Handler, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandler_NonGetNeverTouchesStore(t *testing.T) {
	for _, method := range []string{"POST", "PUT", "PATCH", "DELETE"} {
		t.Run(method, func(t *testing.T) {
			store := &countingStore{Store: NewMemoryStore()}
			downstream := testutil.NewDownstreamHandler()
			downstream.CacheSeconds = 60
			h := newTestMiddleware(t, store).Handler(downstream)

			w := doRequest(t, h, method, "/topic/5", nil)

			if store.gets != 0 || store.puts != 0 {
				t.Errorf("store touched: gets=%d puts=%d", store.gets, store.puts)
			}
			if got := w.Header().Get(HeaderCacheStatus); got != string(OutcomeBypass) {
				t.Errorf("outcome = %q, want BYPASS", got)
			}
			if downstream.Calls() != 1 {
				t.Errorf("downstream calls = %d, want 1", downstream.Calls())
			}
		})
	}
}

func TestHandler_AuthCookieBypassesCache(t *testing.T) {
	store := &countingStore{Store: NewMemoryStore()}
	downstream := testutil.NewDownstreamHandler()
	downstream.CacheSeconds = 60
	h := newTestMiddleware(t, store).Handler(downstream)

	w := doRequest(t, h, "GET", "/topic/5", map[string]string{"Cookie": "_t=sessiontoken"})

	if store.gets != 0 {
		t.Errorf("store.Get called %d times for authenticated request", store.gets)
	}
	if store.puts != 0 {
		t.Errorf("store.Put called %d times for authenticated request", store.puts)
	}
	if got := w.Header().Get(HeaderCacheStatus); got != string(OutcomeBypass) {
		t.Errorf("outcome = %q, want BYPASS", got)
	}
	if w.Header().Get(HeaderCacheDuration) != "" {
		t.Error("duration directive leaked to client on bypass")
	}
}

func TestHandler_MissStoreHit(t *testing.T) {
	store := NewMemoryStore()
	downstream := testutil.NewDownstreamHandler()
	downstream.Chunks = []string{"<html>", "topic 5", "</html>"}
	downstream.CacheSeconds = 60
	downstream.Headers = map[string]string{"Content-Type": "text/html"}
	h := newTestMiddleware(t, store).Handler(downstream)

	// Request 1: miss, computed and stored.
	w1 := doRequest(t, h, "GET", "/topic/5", nil)
	if got := w1.Header().Get(HeaderCacheStatus); got != string(OutcomeMiss) {
		t.Fatalf("request 1 outcome = %q, want MISS", got)
	}
	if w1.Header().Get(HeaderCacheDuration) != "" {
		t.Error("duration directive leaked to client")
	}

	// Request 2: same cohort, within TTL: replayed byte-identically.
	w2 := doRequest(t, h, "GET", "/topic/5", nil)
	if got := w2.Header().Get(HeaderCacheStatus); got != string(OutcomeHit) {
		t.Fatalf("request 2 outcome = %q, want HIT", got)
	}
	if w1.Body.String() != w2.Body.String() {
		t.Errorf("replayed body differs: %q vs %q", w1.Body.String(), w2.Body.String())
	}
	if ct := w2.Header().Get("Content-Type"); ct != "text/html" {
		t.Errorf("replayed Content-Type = %q, want text/html", ct)
	}
	if downstream.Calls() != 1 {
		t.Errorf("downstream calls = %d, want 1 (hit must not invoke handler)", downstream.Calls())
	}

	// Request 3: same URL with auth cookie: fresh compute, cache untouched.
	w3 := doRequest(t, h, "GET", "/topic/5", map[string]string{"Cookie": "_t=abc"})
	if got := w3.Header().Get(HeaderCacheStatus); got != string(OutcomeBypass) {
		t.Fatalf("request 3 outcome = %q, want BYPASS", got)
	}
	if downstream.Calls() != 2 {
		t.Errorf("downstream calls = %d, want 2", downstream.Calls())
	}

	// The anonymous entry survives the authenticated request.
	w4 := doRequest(t, h, "GET", "/topic/5", nil)
	if got := w4.Header().Get(HeaderCacheStatus); got != string(OutcomeHit) {
		t.Errorf("request 4 outcome = %q, want HIT", got)
	}
}

func TestHandler_NoDirectiveNotStored(t *testing.T) {
	store := &countingStore{Store: NewMemoryStore()}
	downstream := testutil.NewDownstreamHandler()
	h := newTestMiddleware(t, store).Handler(downstream)

	doRequest(t, h, "GET", "/topic/5", nil)
	doRequest(t, h, "GET", "/topic/5", nil)

	if store.puts != 0 {
		t.Errorf("store.Put called %d times without a cache directive", store.puts)
	}
	if downstream.Calls() != 2 {
		t.Errorf("downstream calls = %d, want 2", downstream.Calls())
	}
}

func TestHandler_SetCookieVetoesStore(t *testing.T) {
	store := &countingStore{Store: NewMemoryStore()}
	downstream := testutil.NewDownstreamHandler()
	downstream.CacheSeconds = 60
	downstream.Headers = map[string]string{"Set-Cookie": "session=started"}
	h := newTestMiddleware(t, store).Handler(downstream)

	doRequest(t, h, "GET", "/topic/5", nil)

	if store.puts != 0 {
		t.Errorf("response with Set-Cookie was stored (%d puts)", store.puts)
	}
}

func TestHandler_NoStoreVeto(t *testing.T) {
	store := &countingStore{Store: NewMemoryStore()}
	downstream := testutil.NewDownstreamHandler()
	downstream.CacheSeconds = 60
	downstream.Headers = map[string]string{HeaderCacheControl: "no-store"}
	h := newTestMiddleware(t, store).Handler(downstream)

	w := doRequest(t, h, "GET", "/topic/5", nil)

	if store.puts != 0 {
		t.Errorf("vetoed response was stored (%d puts)", store.puts)
	}
	if w.Header().Get(HeaderCacheControl) != "" {
		t.Error("veto directive leaked to client")
	}
}

func TestHandler_StoreFailureFailsOpen(t *testing.T) {
	downstream := testutil.NewDownstreamHandler()
	downstream.CacheSeconds = 60
	h := newTestMiddleware(t, failingStore{}).Handler(downstream)

	w := doRequest(t, h, "GET", "/topic/5", nil)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 (store failure must not fail the request)", w.Code)
	}
	if w.Body.String() != "fresh response" {
		t.Errorf("body = %q, want fresh response", w.Body.String())
	}
	if got := w.Header().Get(HeaderCacheStatus); got != string(OutcomeMiss) {
		t.Errorf("outcome = %q, want MISS", got)
	}
}

func TestHandler_StoreErrorLoggedOncePerWindow(t *testing.T) {
	var buf bytes.Buffer
	m := New(Config{
		Store:          failingStore{},
		Logger:         zerolog.New(&buf),
		ErrorLogWindow: 30 * time.Second,
	})
	now := time.Unix(1700000000, 0)
	m.clock = func() time.Time { return now }

	downstream := testutil.NewDownstreamHandler()
	downstream.CacheSeconds = 60
	h := m.Handler(downstream)

	warns := func() int { return strings.Count(buf.String(), `"level":"warn"`) }

	// Two failing requests inside the window (each one fails both the
	// lookup and the store) produce a single warn event.
	doRequest(t, h, "GET", "/topic/5", nil)
	doRequest(t, h, "GET", "/topic/6", nil)
	if got := warns(); got != 1 {
		t.Fatalf("warn events inside window = %d, want 1", got)
	}

	// Past the window the incident is logged again.
	now = now.Add(31 * time.Second)
	doRequest(t, h, "GET", "/topic/7", nil)
	if got := warns(); got != 2 {
		t.Errorf("warn events after window = %d, want 2", got)
	}
}

func TestHandler_CrawlerAndDesktopCohortsSeparate(t *testing.T) {
	store := NewMemoryStore()
	downstream := &testutil.DownstreamHandler{
		Respond: func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(HeaderCacheDuration, "60")
			if classify.NewClassifier().Classify(r).IsCrawler {
				io.WriteString(w, "crawler markup")
				return
			}
			io.WriteString(w, "desktop markup")
		},
	}
	h := newTestMiddleware(t, store).Handler(downstream)

	crawlerUA := map[string]string{"User-Agent": "Googlebot/2.1"}
	desktopUA := map[string]string{"User-Agent": "Mozilla/5.0 (X11; Linux x86_64) Chrome/120.0"}

	doRequest(t, h, "GET", "/topic/5", crawlerUA)
	doRequest(t, h, "GET", "/topic/5", desktopUA)

	if store.Len() != 2 {
		t.Fatalf("expected 2 cohort entries, got %d", store.Len())
	}

	// Both cohorts replay their own markup.
	wCrawler := doRequest(t, h, "GET", "/topic/5", crawlerUA)
	wDesktop := doRequest(t, h, "GET", "/topic/5", desktopUA)

	if wCrawler.Body.String() != "crawler markup" {
		t.Errorf("crawler got %q", wCrawler.Body.String())
	}
	if wDesktop.Body.String() != "desktop markup" {
		t.Errorf("desktop got %q", wDesktop.Body.String())
	}
	if wCrawler.Header().Get(HeaderCacheStatus) != string(OutcomeHit) ||
		wDesktop.Header().Get(HeaderCacheStatus) != string(OutcomeHit) {
		t.Error("expected hits for both cohorts on second round")
	}
}

func TestHandler_TTLExpiryRecomputes(t *testing.T) {
	store, clock := newClockedStore()
	downstream := testutil.NewDownstreamHandler()
	downstream.CacheSeconds = 60
	h := newTestMiddleware(t, store).Handler(downstream)

	doRequest(t, h, "GET", "/topic/5", nil)
	clock.Advance(61 * time.Second)

	w := doRequest(t, h, "GET", "/topic/5", nil)
	if got := w.Header().Get(HeaderCacheStatus); got != string(OutcomeMiss) {
		t.Errorf("outcome after TTL = %q, want MISS", got)
	}
	if downstream.Calls() != 2 {
		t.Errorf("downstream calls = %d, want 2", downstream.Calls())
	}
}

func TestHandler_HeadReplayedWithoutBody(t *testing.T) {
	store := NewMemoryStore()
	downstream := testutil.NewDownstreamHandler()
	downstream.CacheSeconds = 60
	h := newTestMiddleware(t, store).Handler(downstream)

	doRequest(t, h, "GET", "/topic/5", nil)

	w := doRequest(t, h, "HEAD", "/topic/5", nil)
	if got := w.Header().Get(HeaderCacheStatus); got != string(OutcomeHit) {
		t.Fatalf("HEAD outcome = %q, want HIT", got)
	}
	if w.Body.Len() != 0 {
		t.Errorf("HEAD hit wrote %d body bytes", w.Body.Len())
	}
}

func TestHandler_HeadNeverStores(t *testing.T) {
	store := &countingStore{Store: NewMemoryStore()}
	downstream := &testutil.DownstreamHandler{
		// Method-aware handler: full markup for GET, headers only for HEAD.
		Respond: func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(HeaderCacheDuration, "60")
			w.Header().Set("Content-Type", "text/html")
			if r.Method == http.MethodHead {
				return
			}
			io.WriteString(w, "<html>topic 5</html>")
		},
	}
	h := newTestMiddleware(t, store).Handler(downstream)

	doRequest(t, h, "HEAD", "/topic/5", nil)
	if store.puts != 0 {
		t.Fatalf("HEAD stored an entry (%d puts)", store.puts)
	}

	// The empty HEAD response must not poison the shared key: the next
	// GET computes fresh and gets the full body.
	w := doRequest(t, h, "GET", "/topic/5", nil)
	if got := w.Header().Get(HeaderCacheStatus); got != string(OutcomeMiss) {
		t.Errorf("GET after HEAD outcome = %q, want MISS", got)
	}
	if w.Body.String() != "<html>topic 5</html>" {
		t.Errorf("GET after HEAD body = %q, want full markup", w.Body.String())
	}
	if store.puts != 1 {
		t.Errorf("GET stored %d entries, want 1", store.puts)
	}
}

func TestHandler_CancelledRequestNotStored(t *testing.T) {
	store := &countingStore{Store: NewMemoryStore()}
	downstream := &testutil.DownstreamHandler{
		Respond: func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(HeaderCacheDuration, "60")
			io.WriteString(w, "partial")
		},
	}
	h := newTestMiddleware(t, store).Handler(downstream)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/topic/5", nil).WithContext(ctx)
	cancel()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if store.puts != 0 {
		t.Errorf("cancelled request stored a partial response (%d puts)", store.puts)
	}
}
