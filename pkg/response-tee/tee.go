package tee

import (
	"bytes"
	"io"
	"time"
)

// ResponseSaver is a wrapper around the client connection that saves the relayed response to a buffer.
// Only the first `limit` bytes are kept; once the response grows past that the copy is dropped
// and the response is no longer cacheable.
type ResponseSaver struct {
	w         io.Writer
	b         *bytes.Buffer
	limit     int
	total     int
	overflow  bool
	writeErr  error
	CreatedAt time.Time
}

// Implementation of io.Writer.
// The chunk is written to the client first; it is only saved if that succeeded.
func (t *ResponseSaver) Write(p []byte) (int, error) {
	if t.writeErr != nil {
		return 0, t.writeErr
	}
	n, err := t.w.Write(p)
	if err == nil && n != len(p) {
		err = io.ErrShortWrite
	}
	if err != nil {
		t.writeErr = err
		return n, err
	}
	t.total += n
	if t.overflow {
		return n, nil
	}
	if t.total > t.limit {
		// keep nothing rather than a truncated response
		t.overflow = true
		t.b = &bytes.Buffer{}
		return n, nil
	}
	t.b.Write(p)
	return n, nil
}

// Response returns the saved response as a byte slice.
// It is empty if the response outgrew the limit.
func (t *ResponseSaver) Response() []byte {
	return t.b.Bytes()
}

// Total returns the number of bytes relayed to the client.
func (t *ResponseSaver) Total() int {
	return t.total
}

// ClientErr returns the error of the first failed client write, if any.
func (t *ResponseSaver) ClientErr() error {
	return t.writeErr
}

// Cacheable reports whether the whole response was relayed and saved,
// and stayed under the limit.
func (t *ResponseSaver) Cacheable() bool {
	return t.writeErr == nil && !t.overflow && t.total < t.limit
}

// NewResponseSaver returns a new ResponseSaver relaying to w and keeping at most limit bytes.
func NewResponseSaver(w io.Writer, limit int) *ResponseSaver {
	return &ResponseSaver{
		CreatedAt: time.Now(),
		w:         w,
		b:         &bytes.Buffer{},
		limit:     limit,
	}
}
