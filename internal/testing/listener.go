package testing

import (
	"sync"
	"testing"

	"github.com/teranos/batchpub/wire"
)

// RecordingListener is a listener that keeps every message it is sent.
// It starts ready and active.
type RecordingListener struct {
	id string

	mu          sync.Mutex
	ready       bool
	deactivated bool
	messages    [][]byte
}

// NewRecordingListener returns a ready listener with the given id.
func NewRecordingListener(id string) *RecordingListener {
	return &RecordingListener{id: id, ready: true}
}

func (r *RecordingListener) ID() string { return r.id }

func (r *RecordingListener) Send(msg []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, append([]byte(nil), msg...))
}

func (r *RecordingListener) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

func (r *RecordingListener) Deactivated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deactivated
}

// SetReady pauses or resumes the listener.
func (r *RecordingListener) SetReady(ready bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready = ready
}

// Deactivate marks the subscription as stopped.
func (r *RecordingListener) Deactivate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deactivated = true
}

// Messages returns a copy of the raw messages received so far.
func (r *RecordingListener) Messages() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.messages...)
}

// Reset forgets every recorded message.
func (r *RecordingListener) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
}

// Batches decodes every recorded message, failing the test on error.
func (r *RecordingListener) Batches(t *testing.T) []wire.Batch {
	t.Helper()
	var out []wire.Batch
	for _, raw := range r.Messages() {
		b, err := wire.DecodeBatch(raw)
		if err != nil {
			t.Fatalf("decode batch %s: %v", raw, err)
		}
		out = append(out, b)
	}
	return out
}

// Updates flattens the updates of every recorded message.
func (r *RecordingListener) Updates(t *testing.T) []wire.Update {
	t.Helper()
	var out []wire.Update
	for _, b := range r.Batches(t) {
		out = append(out, b.Updates...)
	}
	return out
}
