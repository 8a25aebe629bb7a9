package recorder

import (
	"bytes"
	"testing"

	"github.com/oriys/nbdtrace/internal/backend"
)

func TestBeginEndRoundTrip(t *testing.T) {
	b, err := backend.New(16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var transitions []bool
	r := New(b, func(recording bool) { transitions = append(transitions, recording) })

	if err := r.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if !r.Recording() {
		t.Fatal("expected Recording after Begin")
	}

	blob, err := r.End()
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if r.Recording() {
		t.Fatal("expected Idle after End")
	}

	snap, trace, err := Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(trace) != 0 {
		t.Fatalf("expected empty trace, got %d entries", len(trace))
	}
	if !bytes.Equal(snap, make([]byte, 16)) {
		t.Fatalf("snapshot mismatch: %x", snap)
	}
	if len(transitions) != 2 || !transitions[0] || transitions[1] {
		t.Fatalf("unexpected transitions: %v", transitions)
	}
}

func TestBeginWhileRecordingFails(t *testing.T) {
	b, _ := backend.New(16)
	r := New(b, nil)
	if err := r.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := r.Begin(); err != ErrInvalidState {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestEndWhileIdleFails(t *testing.T) {
	b, _ := backend.New(16)
	r := New(b, nil)
	if _, err := r.End(); err != ErrInvalidState {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestTraceRecordsInOrder(t *testing.T) {
	b, _ := backend.New(16)
	r := New(b, nil)
	if err := r.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	r.AddWrite([]byte("A"), 0, false)
	r.AddFlush()
	r.AddWrite([]byte("B"), 1, true)
	r.Echo([]byte("ping"))

	blob, err := r.End()
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	_, trace, err := Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(trace) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(trace))
	}
	wantOps := []Op{OpWrite, OpFlush, OpWrite, OpEcho}
	for i, op := range wantOps {
		if trace[i].Op != op {
			t.Fatalf("entry %d: expected op %s, got %s", i, op, trace[i].Op)
		}
	}
	if !trace[2].Write.FUA {
		t.Fatal("expected second write to carry fua=true")
	}
}

func TestEchoWriteAndFlushDoNotRecordWhileIdle(t *testing.T) {
	b, _ := backend.New(16)
	r := New(b, nil)
	r.Echo([]byte("ignored"))
	r.AddWrite([]byte("ignored"), 0, false)
	r.AddFlush()
	if err := r.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	blob, err := r.End()
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	_, trace, err := Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(trace) != 0 {
		t.Fatalf("expected no entries recorded before Begin, got %d", len(trace))
	}
}

func TestZeroLengthWriteStillAppendsEntry(t *testing.T) {
	b, _ := backend.New(16)
	r := New(b, nil)
	if err := r.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	r.AddWrite(nil, 5, false)
	blob, err := r.End()
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	_, trace, err := Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(trace) != 1 || trace[0].Op != OpWrite || len(trace[0].Write.Data) != 0 {
		t.Fatalf("expected single zero-length write entry, got %+v", trace)
	}
}
