// Package testutil provides testing utilities for the request-edge layer.
package testutil

import (
	"net/http"
	"strconv"
	"sync"
)

// DownstreamHandler is a scripted stand-in for the application handler
// behind the edge middlewares. It records how often it was invoked and
// emits a configurable response, optionally opting in to caching.
type DownstreamHandler struct {
	// Status is the response status code (default 200).
	Status int

	// Chunks are written as separate body writes, exercising the
	// chunked capture path.
	Chunks []string

	// Headers are set on every response.
	Headers map[string]string

	// CacheSeconds, when > 0, sets the cache duration directive.
	CacheSeconds int

	// Respond, when set, overrides all of the above for full control.
	Respond func(w http.ResponseWriter, r *http.Request)

	mu    sync.Mutex
	calls int
}

// NewDownstreamHandler returns a handler serving "fresh response" with
// status 200 and no cache directive.
func NewDownstreamHandler() *DownstreamHandler {
	return &DownstreamHandler{
		Status: http.StatusOK,
		Chunks: []string{"fresh response"},
	}
}

// ServeHTTP implements http.Handler.
func (h *DownstreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()

	if h.Respond != nil {
		h.Respond(w, r)
		return
	}

	for name, value := range h.Headers {
		w.Header().Set(name, value)
	}
	if h.CacheSeconds > 0 {
		w.Header().Set("X-Anon-Cache-Duration", strconv.Itoa(h.CacheSeconds))
	}
	w.WriteHeader(h.Status)
	for _, chunk := range h.Chunks {
		w.Write([]byte(chunk))
	}
}

// Calls reports how many requests reached the handler.
func (h *DownstreamHandler) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}
