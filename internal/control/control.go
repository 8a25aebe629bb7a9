// Package control exposes the Recorder over HTTP on a separate port: a
// tiny finite mapping from URI path to Recorder operation. Every request
// holds the Backend mutex for its entire duration, giving recording-
// window boundaries (begin/end) a quiescent view of in-flight Session
// mutations.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/oriys/nbdtrace/internal/backend"
	"github.com/oriys/nbdtrace/internal/eventbus"
	"github.com/oriys/nbdtrace/internal/observability"
	"github.com/oriys/nbdtrace/internal/recorder"
)

// Endpoint is the HTTP control plane for one Recorder/Backend pair.
type Endpoint struct {
	backend   *backend.Backend
	recorder  *recorder.Recorder
	publisher *eventbus.Publisher
	log       *slog.Logger

	audit    Auditor
	artifact ArtifactSink
}

// Auditor records control-plane operations for later inspection.
// Implementations that don't need durable audit trails can use a no-op.
type Auditor interface {
	Record(ctx context.Context, op string, exportSize int64) error
}

// ArtifactSink optionally archives a serialized Recording returned by
// end().
type ArtifactSink interface {
	Put(ctx context.Context, blob []byte) (string, error)
}

// New builds an Endpoint over b and r. publisher, log, audit and
// artifact are all optional (nil is a valid, inert value for each).
func New(b *backend.Backend, r *recorder.Recorder, publisher *eventbus.Publisher, log *slog.Logger, audit Auditor, artifact ArtifactSink) *Endpoint {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if audit == nil {
		audit = noopAuditor{}
	}
	return &Endpoint{backend: b, recorder: r, publisher: publisher, log: log, audit: audit, artifact: artifact}
}

// Handler returns the http.Handler serving GET/POST /{begin,end,dump,echo}.
// Any other path is a fatal handler error: the connection is closed
// without a response body, matching §4.5's "unknown op name is a fatal
// handler error".
func (e *Endpoint) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/begin", e.withLock(e.handleBegin))
	mux.HandleFunc("/end", e.withLock(e.handleEnd))
	mux.HandleFunc("/dump", e.withLock(e.handleDump))
	mux.HandleFunc("/echo", e.withLock(e.handleEcho))
	mux.HandleFunc("/", e.handleUnknown)
	return observability.HTTPMiddleware(mux)
}

// withLock acquires the Backend mutex for the whole request and assigns
// a correlation id, matching the atomicity requirement in §5: a begin/end
// transition must not race an in-flight Session write.
func (e *Endpoint) withLock(h func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		e.backend.Lock()
		defer e.backend.Unlock()
		h(w, r, reqID)
	}
}

func (e *Endpoint) handleBegin(w http.ResponseWriter, r *http.Request, reqID string) {
	if err := e.recorder.Begin(); err != nil {
		e.fail(w, reqID, "begin", err)
		return
	}
	e.afterTransition(r.Context(), reqID, "begin", true)
	w.WriteHeader(http.StatusOK)
}

func (e *Endpoint) handleEnd(w http.ResponseWriter, r *http.Request, reqID string) {
	blob, err := e.recorder.End()
	if err != nil {
		e.fail(w, reqID, "end", err)
		return
	}
	e.afterTransition(r.Context(), reqID, "end", false)

	if e.artifact != nil {
		if loc, err := e.artifact.Put(r.Context(), blob); err != nil {
			e.log.Warn("artifact archive failed", "request_id", reqID, "error", err)
		} else {
			e.log.Info("artifact archived", "request_id", reqID, "location", loc)
		}
	}
	e.writeBytes(w, blob)
}

func (e *Endpoint) handleDump(w http.ResponseWriter, r *http.Request, reqID string) {
	e.writeBytes(w, e.recorder.Dump())
	if err := e.audit.Record(r.Context(), "dump", e.backend.Size()); err != nil {
		e.log.Warn("audit record failed", "request_id", reqID, "op", "dump", "error", err)
	}
}

func (e *Endpoint) handleEcho(w http.ResponseWriter, r *http.Request, reqID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "echo requires POST", http.StatusMethodNotAllowed)
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		e.fail(w, reqID, "echo", err)
		return
	}
	e.recorder.Echo(payload)
	if err := e.audit.Record(r.Context(), "echo", e.backend.Size()); err != nil {
		e.log.Warn("audit record failed", "request_id", reqID, "op", "echo", "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

func (e *Endpoint) handleUnknown(w http.ResponseWriter, r *http.Request) {
	e.log.Warn("unknown control op", "path", r.URL.Path)
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "unknown op", http.StatusNotFound)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		http.Error(w, "unknown op", http.StatusNotFound)
		return
	}
	conn.Close()
}

func (e *Endpoint) afterTransition(ctx context.Context, reqID, op string, recording bool) {
	observability.SpanFromContext(ctx).SetAttributes(observability.AttrRecording.Bool(recording))

	if err := e.audit.Record(ctx, op, e.backend.Size()); err != nil {
		e.log.Warn("audit record failed", "request_id", reqID, "op", op, "error", err)
	}
	if err := e.publisher.Publish(ctx, recording); err != nil {
		e.log.Warn("eventbus publish failed", "request_id", reqID, "op", op, "error", err)
	}
}

func (e *Endpoint) fail(w http.ResponseWriter, reqID, op string, err error) {
	e.log.Warn("control op failed", "request_id", reqID, "op", op, "error", err)
	status := http.StatusInternalServerError
	if errors.Is(err, recorder.ErrInvalidState) {
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

func (e *Endpoint) writeBytes(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprint(len(data)))
	w.WriteHeader(http.StatusOK)
	if len(data) > 0 {
		w.Write(data)
	}
}

type noopAuditor struct{}

func (noopAuditor) Record(context.Context, string, int64) error { return nil }
