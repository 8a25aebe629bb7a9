package nbdproto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// zeroPad124 is the 124-byte zero padding that trails both the oldstyle
// handshake and the newstyle EXPORT_NAME export-info reply.
var zeroPad124 = make([]byte, 124)

// WriteOldstyleHandshake writes the full fixed-size oldstyle handshake:
// magic, client magic, export size, transmission flags, and 124 zero
// bytes. No option phase follows in this dialect.
func WriteOldstyleHandshake(w io.Writer, size uint64) error {
	buf := make([]byte, 8+8+8+4)
	binary.BigEndian.PutUint64(buf[0:8], MagicINIT_PASSWD)
	binary.BigEndian.PutUint64(buf[8:16], MagicOldClient)
	binary.BigEndian.PutUint64(buf[16:24], size)
	binary.BigEndian.PutUint32(buf[24:28], uint32(TransmissionFlags))
	if err := writeFull(w, buf); err != nil {
		return fmt.Errorf("nbdproto: write oldstyle handshake: %w", err)
	}
	return writeFull(w, zeroPad124)
}

// WriteNewstyleHello writes the server's first newstyle message: magic,
// IHAVEOPT, and a 16-bit small-flags word with FIXED_NEWSTYLE set.
func WriteNewstyleHello(w io.Writer) error {
	buf := make([]byte, 8+8+2)
	binary.BigEndian.PutUint64(buf[0:8], MagicINIT_PASSWD)
	binary.BigEndian.PutUint64(buf[8:16], MagicIHAVEOPT)
	binary.BigEndian.PutUint16(buf[16:18], FlagFixedNewstyle)
	if err := writeFull(w, buf); err != nil {
		return fmt.Errorf("nbdproto: write newstyle hello: %w", err)
	}
	return nil
}

// ReadClientFlags reads the 32-bit client-flags word the client sends in
// response to the newstyle hello, and verifies FIXED_NEWSTYLE is set.
func ReadClientFlags(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("%w: read client flags: %v", ErrMalformedFrame, err)
	}
	flags := binary.BigEndian.Uint32(buf[:])
	if flags&uint32(FlagFixedNewstyle) == 0 {
		return flags, ErrMissingFixedNewstyle
	}
	return flags, nil
}

// Option is one newstyle option request: an id and its payload.
type Option struct {
	ID   uint32
	Data []byte
}

// ReadOption reads one option packet: magic, option id, data length,
// then the payload.
func ReadOption(r io.Reader) (Option, error) {
	var hdr [16]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Option{}, fmt.Errorf("%w: read option header: %v", ErrMalformedFrame, err)
	}
	magic := binary.BigEndian.Uint64(hdr[0:8])
	if magic != MagicIHAVEOPT {
		return Option{}, fmt.Errorf("%w: option magic %#x", ErrMalformedFrame, magic)
	}
	id := binary.BigEndian.Uint32(hdr[8:12])
	length := binary.BigEndian.Uint32(hdr[12:16])

	data := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, data); err != nil {
			return Option{}, fmt.Errorf("%w: read option payload: %v", ErrMalformedFrame, err)
		}
	}
	return Option{ID: id, Data: data}, nil
}

// WriteOptionReply writes an option-reply frame: reply magic, the option
// id being replied to, the reply type, and the length-prefixed payload.
func WriteOptionReply(w io.Writer, optID, replyType uint32, data []byte) error {
	hdr := make([]byte, 8+4+4+4)
	binary.BigEndian.PutUint64(hdr[0:8], MagicOptReply)
	binary.BigEndian.PutUint32(hdr[8:12], optID)
	binary.BigEndian.PutUint32(hdr[12:16], replyType)
	binary.BigEndian.PutUint32(hdr[16:20], uint32(len(data)))
	if err := writeFull(w, hdr); err != nil {
		return fmt.Errorf("nbdproto: write option reply header: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	return writeFull(w, data)
}

// WriteExportInfo writes the EXPORT_NAME success payload: 64-bit size,
// 16-bit transmission flags, and 124 zero bytes.
func WriteExportInfo(w io.Writer, size uint64) error {
	buf := make([]byte, 8+2)
	binary.BigEndian.PutUint64(buf[0:8], size)
	binary.BigEndian.PutUint16(buf[8:10], TransmissionFlags)
	if err := writeFull(w, buf); err != nil {
		return fmt.Errorf("nbdproto: write export info: %w", err)
	}
	return writeFull(w, zeroPad124)
}

// Request is one transmission-phase command.
type Request struct {
	Cmd    Command
	FUA    bool
	Handle [8]byte
	Offset uint64
	Length uint32
}

// ReadRequest reads one 28-byte request frame: magic, type, handle,
// offset, length. The returned error wraps ErrUnknownCommand if the low
// 16 bits of the type word do not map to a known command.
func ReadRequest(r io.Reader) (Request, error) {
	var hdr [28]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Request{}, fmt.Errorf("%w: read request: %w", ErrMalformedFrame, err)
	}
	magic := binary.BigEndian.Uint32(hdr[0:4])
	if magic != MagicRequest {
		return Request{}, fmt.Errorf("%w: request magic %#x", ErrMalformedFrame, magic)
	}
	typ := binary.BigEndian.Uint32(hdr[4:8])

	var req Request
	copy(req.Handle[:], hdr[8:16])
	req.Offset = binary.BigEndian.Uint64(hdr[16:24])
	req.Length = binary.BigEndian.Uint32(hdr[24:28])
	req.FUA = typ&CmdFlagFUA != 0

	cmd := Command(typ & CmdMask)
	switch cmd {
	case CmdRead, CmdWrite, CmdDisc, CmdFlush, CmdTrim:
		req.Cmd = cmd
	default:
		return req, fmt.Errorf("%w: command %d", ErrUnknownCommand, typ&CmdMask)
	}
	return req, nil
}

// WriteReply writes a reply header: magic, error code, and the verbatim
// handle echo. For a successful read, the caller writes length payload
// bytes immediately after this header.
func WriteReply(w io.Writer, errCode uint32, handle [8]byte) error {
	buf := make([]byte, 4+4+8)
	binary.BigEndian.PutUint32(buf[0:4], MagicReply)
	binary.BigEndian.PutUint32(buf[4:8], errCode)
	copy(buf[8:16], handle[:])
	if err := writeFull(w, buf); err != nil {
		return fmt.Errorf("nbdproto: write reply: %w", err)
	}
	return nil
}

// writeFull retries partial writes until b is fully written or an error
// occurs.
func writeFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
