package nbdsrv

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/oriys/nbdtrace/internal/backend"
	"github.com/oriys/nbdtrace/internal/recorder"
)

// Listener accepts NBD connections on a net.Listener and spawns one
// Session per connection, each on its own goroutine (the natural
// thread-per-connection shape for a blocking-I/O server).
type Listener struct {
	ln       net.Listener
	backend  *backend.Backend
	recorder *recorder.Recorder
	dialect  Dialect
	log      *slog.Logger
	hooks    Hooks

	wg sync.WaitGroup
}

// NewOldstyleListener wraps ln to serve the legacy fixed-size handshake.
func NewOldstyleListener(ln net.Listener, b *backend.Backend, r *recorder.Recorder, log *slog.Logger, hooks Hooks) *Listener {
	return newListener(ln, b, r, Oldstyle, log, hooks)
}

// NewNewstyleListener wraps ln to serve option-negotiated newstyle
// handshakes.
func NewNewstyleListener(ln net.Listener, b *backend.Backend, r *recorder.Recorder, log *slog.Logger, hooks Hooks) *Listener {
	return newListener(ln, b, r, Newstyle, log, hooks)
}

func newListener(ln net.Listener, b *backend.Backend, r *recorder.Recorder, dialect Dialect, log *slog.Logger, hooks Hooks) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{ln: ln, backend: b, recorder: r, dialect: dialect, log: log, hooks: hooks}
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed. On cancellation it blocks until all in-flight sessions have
// returned and then returns nil; any other accept error (including one
// caused by Close) is returned at once, without waiting for sessions.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				l.wg.Wait()
				return nil
			default:
				return fmt.Errorf("nbdsrv: accept: %w", err)
			}
		}

		if l.hooks.SessionAccepted != nil {
			l.hooks.SessionAccepted()
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer func() {
				if l.hooks.SessionEnded != nil {
					l.hooks.SessionEnded()
				}
			}()
			sess := New(conn, l.backend, l.recorder, l.dialect, l.log, l.hooks)
			if err := sess.Run(ctx); err != nil {
				l.log.Warn("session ended", "error", err, "dialect", l.dialect.String())
			}
		}()
	}
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close closes the underlying listener, unblocking Serve's Accept loop.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Wait blocks until all spawned sessions have returned.
func (l *Listener) Wait() {
	l.wg.Wait()
}
