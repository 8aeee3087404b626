// Package anoncache implements the anonymous response cache: a
// middleware that replays previously computed responses to anonymous
// requests in the same cohort, backed by a pluggable key/value store.
//
// A request is only ever served from (or stored into) the cache when it
// uses a cacheable method and carries no authentication cookie. The
// cache key encodes the cohort facts that legitimately change served
// markup (mobile, crawler, locale, color scheme) together with the
// normalized URL, so cohorts never cross-serve each other's content.
//
// # Basic Usage
//
//	store := anoncache.NewMemoryStore()
//	mw := anoncache.New(anoncache.Config{Store: store})
//
//	handler := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
//		// opt in to caching for 60 seconds
//		w.Header().Set(anoncache.HeaderCacheDuration, "60")
//		w.Write([]byte("hello"))
//	}))
//
// Handlers opt in to caching by setting the HeaderCacheDuration
// response header; its absence means "do not cache". The middleware
// strips the directive before anything reaches the client.
//
// Store failures never fail a request: the middleware degrades to miss
// behavior and computes a fresh response.
package anoncache
