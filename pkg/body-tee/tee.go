package tee

import (
	"bytes"
	"io"
	"time"
)

// BodySaver is a wrapper around a response body that saves everything read to a buffer.
// When the body has been read to the end, the saved bytes are handed to the completion callback.
// A body that is closed early, or fails while reading, never completes.
type BodySaver struct {
	body       io.ReadCloser
	b          *bytes.Buffer
	onComplete func([]byte)
	completed  bool
	failed     bool
	CreatedAt  time.Time
}

// Implementation of io.Reader
func (t *BodySaver) Read(p []byte) (int, error) {
	n, err := t.body.Read(p)
	if n > 0 && !t.failed {
		t.b.Write(p[:n])
	}
	if err == io.EOF {
		t.complete()
	} else if err != nil {
		t.failed = true
	}
	return n, err
}

// Implementation of io.Closer
func (t *BodySaver) Close() error {
	return t.body.Close()
}

// Completed reports whether the whole body was read.
func (t *BodySaver) Completed() bool {
	return t.completed
}

func (t *BodySaver) complete() {
	if t.completed || t.failed {
		return
	}
	t.completed = true
	if t.onComplete != nil {
		t.onComplete(t.b.Bytes())
	}
}

// NewBodySaver returns a new BodySaver reading from body.
// onComplete is called at most once, from the Read call that reaches the end of the body.
func NewBodySaver(body io.ReadCloser, onComplete func([]byte)) *BodySaver {
	if body == nil {
		body = io.NopCloser(bytes.NewReader(nil))
	}
	return &BodySaver{
		CreatedAt:  time.Now(),
		body:       body,
		b:          &bytes.Buffer{},
		onComplete: onComplete,
	}
}
