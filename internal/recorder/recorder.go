// Package recorder tracks a recording window over a backend: a snapshot
// taken at begin() plus an ordered trace of the writes and flushes
// observed until end(). It never holds the backend's mutex itself — the
// control endpoint is responsible for quiescing mutations around a
// begin/end transition (see internal/control).
package recorder

import (
	"errors"
	"sync"

	"github.com/oriys/nbdtrace/internal/backend"
)

// ErrInvalidState is returned when begin is called while already
// Recording, or end is called while Idle.
var ErrInvalidState = errors.New("recorder: invalid state transition")

// Op identifies the kind of a trace entry.
type Op string

const (
	OpWrite Op = "write"
	OpFlush Op = "flush"
	OpEcho  Op = "echo"
)

// Entry is one trace record. Args is interpreted according to Op:
// write carries WriteArgs, flush carries no args, echo carries the raw
// payload bytes.
type Entry struct {
	Op    Op
	Write WriteArgs
	Echo  []byte
}

// WriteArgs is the argument tuple recorded for a write.
type WriteArgs struct {
	Data   []byte
	Offset uint64
	FUA    bool
}

// Recorder is a singleton, process-wide log with two states: Idle (no
// snapshot, no trace) or Recording (both present). It is safe for
// concurrent use; mu guards the state transition and trace append.
type Recorder struct {
	backend *backend.Backend

	mu        sync.Mutex
	recording bool
	snapshot  []byte
	trace     []Entry

	onTransition func(recording bool)
}

// New creates a Recorder bound to the given backend. onTransition, if
// non-nil, is invoked (outside the lock) after every Begin/End so callers
// can mirror recording-window boundaries elsewhere (e.g. the event bus).
func New(b *backend.Backend, onTransition func(recording bool)) *Recorder {
	return &Recorder{backend: b, onTransition: onTransition}
}

// Recording reports whether the recorder currently holds a snapshot and
// trace.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Begin transitions Idle -> Recording, capturing the current backend
// contents as the snapshot. Fails with ErrInvalidState if already
// Recording.
func (r *Recorder) Begin() error {
	snap := r.backend.Snapshot()

	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return ErrInvalidState
	}
	r.recording = true
	r.snapshot = snap
	r.trace = nil
	r.mu.Unlock()

	if r.onTransition != nil {
		r.onTransition(true)
	}
	return nil
}

// End transitions Recording -> Idle, returning the serialized
// (snapshot, trace) pair. Fails with ErrInvalidState if already Idle.
func (r *Recorder) End() ([]byte, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return nil, ErrInvalidState
	}
	snap, trace := r.snapshot, r.trace
	r.recording = false
	r.snapshot = nil
	r.trace = nil
	r.mu.Unlock()

	if r.onTransition != nil {
		r.onTransition(false)
	}
	return Encode(snap, trace)
}

// Dump returns a copy of the current backend buffer, valid in any state.
func (r *Recorder) Dump() []byte {
	return r.backend.Snapshot()
}

// Echo appends an echo entry to the trace if Recording; it is a no-op
// otherwise.
func (r *Recorder) Echo(payload []byte) {
	cp := make([]byte, len(payload))
	copy(cp, payload)

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return
	}
	r.trace = append(r.trace, Entry{Op: OpEcho, Echo: cp})
}

// AddWrite appends a write entry to the trace iff Recording. Called by a
// Session while it still holds the backend mutex for the corresponding
// write, so the trace's occurrence order matches mutation order.
func (r *Recorder) AddWrite(data []byte, offset uint64, fua bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	r.trace = append(r.trace, Entry{Op: OpWrite, Write: WriteArgs{Data: cp, Offset: offset, FUA: fua}})
}

// AddFlush appends a flush entry to the trace iff Recording.
func (r *Recorder) AddFlush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return
	}
	r.trace = append(r.trace, Entry{Op: OpFlush})
}
