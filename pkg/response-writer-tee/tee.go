package tee

import (
	"bytes"
	"net/http"
	"time"
)

// ResponseSaver is a wrapper around http.ResponseWriter that records what was written.
// The status code and number of body bytes are always recorded, the body itself
// only up to the configured limit.
type ResponseSaver struct {
	rw           http.ResponseWriter
	b            *bytes.Buffer
	limit        int
	status       int
	written      int64
	wroteHeaders bool
	CreatedAt    time.Time
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.rw.Header()
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	t.wroteHeaders = true
	t.status = statusCode
	t.rw.WriteHeader(statusCode)
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	if room := t.limit - t.b.Len(); room > 0 {
		if len(b) < room {
			room = len(b)
		}
		t.b.Write(b[:room])
	}
	n, err := t.rw.Write(b)
	t.written += int64(n)
	return n, err
}

// Flush implements http.Flusher when the underlying writer does.
func (t *ResponseSaver) Flush() {
	if f, ok := t.rw.(http.Flusher); ok {
		f.Flush()
	}
}

// Body returns the recorded (possibly truncated) body.
func (t *ResponseSaver) Body() []byte {
	return t.b.Bytes()
}

// StatusCode returns the status code of the response, 0 if nothing was written.
func (t *ResponseSaver) StatusCode() int {
	return t.status
}

// Written returns the number of body bytes sent to the client.
func (t *ResponseSaver) Written() int64 {
	return t.written
}

// Duration returns the time elapsed since the saver was created.
func (t *ResponseSaver) Duration() time.Duration {
	return time.Since(t.CreatedAt)
}

// NewResponseSaver returns a new ResponseSaver tee'ing to w.
// At most limit body bytes are kept in memory.
func NewResponseSaver(w http.ResponseWriter, limit int) *ResponseSaver {
	return &ResponseSaver{
		CreatedAt: time.Now(),
		rw:        w,
		b:         &bytes.Buffer{},
		limit:     limit,
	}
}
