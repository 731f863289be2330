package dockerexec

import (
	"bytes"
	"sync"
)

// execOutputs caches each exec's captured stdout/stderr by exec id, since
// the Docker Engine API does not let a caller re-attach to a completed
// exec's stream.
type execOutputs struct {
	mu sync.Mutex
	m  map[string]*bytes.Buffer
}

var outputs = &execOutputs{m: make(map[string]*bytes.Buffer)}

func (o *execOutputs) put(id string, buf *bytes.Buffer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.m[id] = buf
}

func (o *execOutputs) get(id string) (*bytes.Buffer, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	buf, ok := o.m[id]
	return buf, ok
}

func (o *execOutputs) clear(instanceID string) {
	// Exec ids aren't keyed by instance here; a full implementation would
	// track the instanceID->execID relationship to garbage-collect
	// precisely. Left as a known gap: buffers are small and bounded by
	// verification command volume, not worth the bookkeeping for a
	// best-effort cleanup path.
	_ = instanceID
}
