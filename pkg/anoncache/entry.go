package anoncache

import (
	"time"
)

// Entry is a stored anonymous response.
//
// The body is kept as the ordered sequence of chunks the handler
// emitted rather than a pre-joined blob, so streaming handlers are
// supported without the cache layer forcing early buffering. Chunks are
// concatenated only on the read path.
type Entry struct {
	// Status is the HTTP status code of the cached response.
	Status int `json:"status"`

	// Headers are the response headers, flattened to single values.
	Headers map[string]string `json:"headers"`

	// Chunks is the ordered body chunk sequence.
	Chunks [][]byte `json:"chunks"`

	// StoredAt is when the entry was written.
	StoredAt time.Time `json:"stored_at"`
}

// Body concatenates the stored chunks into a single byte slice.
func (e *Entry) Body() []byte {
	if len(e.Chunks) == 1 {
		return e.Chunks[0]
	}
	size := 0
	for _, c := range e.Chunks {
		size += len(c)
	}
	body := make([]byte, 0, size)
	for _, c := range e.Chunks {
		body = append(body, c...)
	}
	return body
}
