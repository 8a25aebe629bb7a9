// Package nbdsrv drives the NBD protocol state machine over a byte
// stream: Handshake -> OptionHaggling (newstyle only) -> Transmission ->
// Closed. It is the component that gives internal/nbdproto's pure framing
// functions somewhere to read from and write to.
package nbdsrv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/oriys/nbdtrace/internal/backend"
	"github.com/oriys/nbdtrace/internal/nbdproto"
	"github.com/oriys/nbdtrace/internal/observability"
	"github.com/oriys/nbdtrace/internal/recorder"
)

// Dialect selects which handshake variant a Session speaks. A single
// running server speaks exactly one dialect for its whole lifetime,
// decided once when its Listener is constructed (see listener.go).
type Dialect int

const (
	Oldstyle Dialect = iota
	Newstyle
)

func (d Dialect) String() string {
	if d == Oldstyle {
		return "oldstyle"
	}
	return "newstyle"
}

// Hooks lets callers observe session activity without the Session
// depending on any particular metrics/tracing library directly.
type Hooks struct {
	SessionAccepted func()
	SessionEnded    func()
	CommandHandled  func(cmd nbdproto.Command, errCode uint32)
	BytesRead       func(n int)
	BytesWritten    func(n int)
}

// Session owns one client connection end to end.
type Session struct {
	conn     net.Conn
	backend  *backend.Backend
	recorder *recorder.Recorder
	dialect  Dialect
	log      *slog.Logger
	hooks    Hooks
	span     trace.Span
}

// New creates a Session for an accepted connection. log and hooks may be
// nil; a nil logger discards messages, nil hooks are simply not called.
func New(conn net.Conn, b *backend.Backend, r *recorder.Recorder, dialect Dialect, log *slog.Logger, hooks Hooks) *Session {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Session{conn: conn, backend: b, recorder: r, dialect: dialect, log: log, hooks: hooks}
}

// Run drives the session to completion: handshake, then the
// transmission loop, until disc, a fatal codec error, or the peer
// closing the connection. It always closes the underlying connection
// before returning.
func (s *Session) Run(ctx context.Context) error {
	defer s.conn.Close()

	_, span := observability.StartSpan(ctx, "nbdsrv.session",
		observability.AttrDialect.String(s.dialect.String()),
		observability.AttrSessionID.String(uuid.NewString()),
	)
	s.span = span
	defer span.End()

	if err := s.run(); err != nil {
		observability.SetSpanError(span, err)
		return err
	}
	observability.SetSpanOK(span)
	return nil
}

func (s *Session) run() error {
	switch s.dialect {
	case Oldstyle:
		if err := nbdproto.WriteOldstyleHandshake(s.conn, uint64(s.backend.Size())); err != nil {
			return fmt.Errorf("nbdsrv: oldstyle handshake: %w", err)
		}
	case Newstyle:
		if err := s.negotiateNewstyle(); err != nil {
			if errors.Is(err, errAbort) {
				return nil
			}
			return err
		}
	default:
		return fmt.Errorf("nbdsrv: unknown dialect %v", s.dialect)
	}

	return s.transmissionLoop()
}

// errAbort signals a clean client-initiated close (NBD_OPT_ABORT), not a
// protocol failure.
var errAbort = errors.New("nbdsrv: client aborted option haggling")

// negotiateNewstyle runs the newstyle hello and option loop, returning
// once the session has transitioned to Transmission (or errAbort / a
// fatal error).
func (s *Session) negotiateNewstyle() error {
	if err := nbdproto.WriteNewstyleHello(s.conn); err != nil {
		return fmt.Errorf("nbdsrv: newstyle hello: %w", err)
	}

	if _, err := nbdproto.ReadClientFlags(s.conn); err != nil {
		return fmt.Errorf("nbdsrv: client flags: %w", err)
	}

	for {
		opt, err := nbdproto.ReadOption(s.conn)
		if err != nil {
			return fmt.Errorf("nbdsrv: read option: %w", err)
		}

		switch opt.ID {
		case nbdproto.OptExportName:
			if err := nbdproto.WriteExportInfo(s.conn, uint64(s.backend.Size())); err != nil {
				return fmt.Errorf("nbdsrv: write export info: %w", err)
			}
			return nil
		case nbdproto.OptAbort:
			if err := nbdproto.WriteOptionReply(s.conn, opt.ID, nbdproto.RepAck, nil); err != nil {
				return fmt.Errorf("nbdsrv: write abort ack: %w", err)
			}
			return errAbort
		case nbdproto.OptList:
			if err := nbdproto.WriteOptionReply(s.conn, opt.ID, nbdproto.RepErrUnsup, nil); err != nil {
				return fmt.Errorf("nbdsrv: write list-unsupported reply: %w", err)
			}
		default:
			if err := nbdproto.WriteOptionReply(s.conn, opt.ID, nbdproto.RepErrUnsup, nil); err != nil {
				return fmt.Errorf("nbdsrv: write unsupported reply: %w", err)
			}
		}
	}
}

// transmissionLoop processes requests until disc, EOF, or a fatal codec
// error.
func (s *Session) transmissionLoop() error {
	for {
		req, err := nbdproto.ReadRequest(s.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("nbdsrv: read request: %w", err)
		}

		switch req.Cmd {
		case nbdproto.CmdRead:
			if err := s.handleRead(req); err != nil {
				return err
			}
		case nbdproto.CmdWrite:
			if err := s.handleWrite(req); err != nil {
				return err
			}
		case nbdproto.CmdDisc:
			s.log.Debug("client disconnect", "handle", req.Handle)
			return nil
		case nbdproto.CmdFlush:
			if err := s.handleFlush(req); err != nil {
				return err
			}
		case nbdproto.CmdTrim:
			if err := s.handleTrim(req); err != nil {
				return err
			}
		default:
			if err := s.reply(nbdproto.ErrInval, req); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handleRead(req nbdproto.Request) error {
	if !s.backend.InRange(req.Offset, uint64(req.Length)) {
		return s.reply(nbdproto.ErrInval, req)
	}
	data := s.backend.Read(req.Offset, uint64(req.Length))
	if err := nbdproto.WriteReply(s.conn, nbdproto.ErrNone, req.Handle); err != nil {
		return fmt.Errorf("nbdsrv: write read reply: %w", err)
	}
	if _, err := s.conn.Write(data); err != nil {
		return fmt.Errorf("nbdsrv: write read payload: %w", err)
	}
	s.observe(req.Cmd, nbdproto.ErrNone)
	s.observeBytes(len(data))
	if s.hooks.BytesWritten != nil {
		s.hooks.BytesWritten(len(data))
	}
	return nil
}

func (s *Session) handleWrite(req nbdproto.Request) error {
	// The payload must be consumed even if the range check below fails,
	// to keep the stream aligned for the next request.
	data := make([]byte, req.Length)
	if req.Length > 0 {
		if _, err := io.ReadFull(s.conn, data); err != nil {
			return fmt.Errorf("nbdsrv: read write payload: %w", err)
		}
	}
	s.observeBytes(len(data))
	if s.hooks.BytesRead != nil {
		s.hooks.BytesRead(len(data))
	}

	if !s.backend.InRange(req.Offset, uint64(req.Length)) {
		return s.reply(nbdproto.ErrNoSpc, req)
	}

	s.backend.Lock()
	s.backend.WriteLocked(req.Offset, data)
	if s.recorder != nil {
		s.recorder.AddWrite(data, req.Offset, req.FUA)
	}
	s.backend.Unlock()

	return s.reply(nbdproto.ErrNone, req)
}

func (s *Session) handleFlush(req nbdproto.Request) error {
	if err := s.reply(nbdproto.ErrNone, req); err != nil {
		return err
	}
	if s.recorder != nil {
		s.recorder.AddFlush()
	}
	return nil
}

func (s *Session) handleTrim(req nbdproto.Request) error {
	if !s.backend.InRange(req.Offset, uint64(req.Length)) {
		return s.reply(nbdproto.ErrInval, req)
	}
	s.backend.Trim(req.Offset, uint64(req.Length))
	return s.reply(nbdproto.ErrNone, req)
}

func (s *Session) reply(errCode uint32, req nbdproto.Request) error {
	if err := nbdproto.WriteReply(s.conn, errCode, req.Handle); err != nil {
		return fmt.Errorf("nbdsrv: write reply: %w", err)
	}
	s.observe(req.Cmd, errCode)
	return nil
}

func (s *Session) observe(cmd nbdproto.Command, errCode uint32) {
	if s.span != nil {
		s.span.AddEvent("command", trace.WithAttributes(
			observability.AttrCommand.String(cmd.String()),
			observability.AttrErrorCode.Int64(int64(errCode)),
		))
	}
	if s.hooks.CommandHandled != nil {
		s.hooks.CommandHandled(cmd, errCode)
	}
}

func (s *Session) observeBytes(n int) {
	if s.span != nil && n > 0 {
		s.span.AddEvent("bytes", trace.WithAttributes(observability.AttrBytes.Int64(int64(n))))
	}
}
