package ingest

import (
	"io"
	"sync"
)

// tap wraps the upload stream so every byte the parser consumes is also
// handed to the storage sinks. The sinks attach late, once the item id
// is known; bytes read before that are held back and replayed on
// attach. Backpressure is shared: the parser's reads block on the
// slowest sink.
type tap struct {
	src io.Reader

	mu      sync.Mutex
	w       io.Writer
	pending []byte
	werr    error
}

func newTap(src io.Reader) *tap {
	return &tap{src: src}
}

func (t *tap) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)
	if n > 0 {
		t.mu.Lock()
		if t.w != nil {
			if _, werr := t.w.Write(p[:n]); werr != nil && t.werr == nil {
				t.werr = werr
			}
		} else {
			t.pending = append(t.pending, p[:n]...)
		}
		t.mu.Unlock()
	}
	return n, err
}

// attach starts mirroring into w, replaying everything read so far.
func (t *tap) attach(w io.Writer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) > 0 {
		if _, err := w.Write(t.pending); err != nil {
			return err
		}
	}
	t.pending = nil
	t.w = w
	return nil
}

// discard drops the held-back bytes and mirrors the rest of the stream
// nowhere, so draining the source after the outcome is decided keeps no
// copy in memory.
func (t *tap) discard() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = nil
	t.w = io.Discard
}

// writeErr reports the first sink failure seen while mirroring.
func (t *tap) writeErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.werr
}
