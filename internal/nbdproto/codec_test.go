package nbdproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestOldstyleHandshakeLayout(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteOldstyleHandshake(&buf, 16*1024*1024); err != nil {
		t.Fatalf("WriteOldstyleHandshake: %v", err)
	}
	b := buf.Bytes()
	if len(b) != 8+8+8+4+124 {
		t.Fatalf("unexpected length %d", len(b))
	}
	if binary.BigEndian.Uint64(b[0:8]) != MagicINIT_PASSWD {
		t.Fatal("bad init magic")
	}
	if binary.BigEndian.Uint64(b[8:16]) != MagicOldClient {
		t.Fatal("bad client magic")
	}
	if binary.BigEndian.Uint64(b[16:24]) != 16*1024*1024 {
		t.Fatal("bad size")
	}
	if binary.BigEndian.Uint32(b[24:28]) != uint32(TransmissionFlags) {
		t.Fatalf("bad transmission flags: %#x", binary.BigEndian.Uint32(b[24:28]))
	}
	for _, z := range b[28:] {
		if z != 0 {
			t.Fatal("expected trailing zero padding")
		}
	}
}

func TestNewstyleHandshakeAndExportName(t *testing.T) {
	var srvToClient bytes.Buffer
	if err := WriteNewstyleHello(&srvToClient); err != nil {
		t.Fatalf("WriteNewstyleHello: %v", err)
	}

	// Client replies with FIXED_NEWSTYLE set.
	var clientFlags bytes.Buffer
	binary.Write(&clientFlags, binary.BigEndian, uint32(FlagFixedNewstyle))
	flags, err := ReadClientFlags(&clientFlags)
	if err != nil {
		t.Fatalf("ReadClientFlags: %v", err)
	}
	if flags&uint32(FlagFixedNewstyle) == 0 {
		t.Fatal("expected FIXED_NEWSTYLE echoed back")
	}

	// Client sends EXPORT_NAME option with empty export name.
	var opt bytes.Buffer
	binary.Write(&opt, binary.BigEndian, MagicIHAVEOPT)
	binary.Write(&opt, binary.BigEndian, OptExportName)
	binary.Write(&opt, binary.BigEndian, uint32(0))
	got, err := ReadOption(&opt)
	if err != nil {
		t.Fatalf("ReadOption: %v", err)
	}
	if got.ID != OptExportName || len(got.Data) != 0 {
		t.Fatalf("unexpected option: %+v", got)
	}

	var reply bytes.Buffer
	if err := WriteExportInfo(&reply, 16*1024*1024); err != nil {
		t.Fatalf("WriteExportInfo: %v", err)
	}
	b := reply.Bytes()
	if len(b) != 8+2+124 {
		t.Fatalf("unexpected export info length %d", len(b))
	}
	if binary.BigEndian.Uint16(b[8:10]) != TransmissionFlags {
		t.Fatal("bad transmission flags in export info")
	}
}

func TestReadClientFlagsRejectsMissingFixedNewstyle(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(0))
	if _, err := ReadClientFlags(&buf); !errors.Is(err, ErrMissingFixedNewstyle) {
		t.Fatalf("expected ErrMissingFixedNewstyle, got %v", err)
	}
}

func TestUnsupportedOptionReply(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteOptionReply(&buf, OptList, RepErrUnsup, nil); err != nil {
		t.Fatalf("WriteOptionReply: %v", err)
	}
	b := buf.Bytes()
	if binary.BigEndian.Uint64(b[0:8]) != MagicOptReply {
		t.Fatal("bad reply magic")
	}
	if binary.BigEndian.Uint32(b[8:12]) != OptList {
		t.Fatal("bad option id echo")
	}
	if binary.BigEndian.Uint32(b[12:16]) != RepErrUnsup {
		t.Fatal("bad reply type")
	}
	if binary.BigEndian.Uint32(b[16:20]) != 0 {
		t.Fatal("expected zero-length reply data")
	}
}

func TestRequestReplyRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, MagicRequest)
	binary.Write(&buf, binary.BigEndian, uint32(CmdWrite)|CmdFlagFUA)
	handle := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	buf.Write(handle[:])
	binary.Write(&buf, binary.BigEndian, uint64(1024))
	binary.Write(&buf, binary.BigEndian, uint32(5))

	req, err := ReadRequest(&buf)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if req.Cmd != CmdWrite || !req.FUA || req.Offset != 1024 || req.Length != 5 || req.Handle != handle {
		t.Fatalf("unexpected request: %+v", req)
	}

	var reply bytes.Buffer
	if err := WriteReply(&reply, ErrNone, handle); err != nil {
		t.Fatalf("WriteReply: %v", err)
	}
	rb := reply.Bytes()
	if binary.BigEndian.Uint32(rb[0:4]) != MagicReply {
		t.Fatal("bad reply magic")
	}
	if binary.BigEndian.Uint32(rb[4:8]) != ErrNone {
		t.Fatal("bad error code")
	}
	if !bytes.Equal(rb[8:16], handle[:]) {
		t.Fatal("handle not echoed verbatim")
	}
}

func TestReadRequestUnknownCommand(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, MagicRequest)
	binary.Write(&buf, binary.BigEndian, uint32(99))
	buf.Write(make([]byte, 8+8+4))
	if _, err := ReadRequest(&buf); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestReadRequestShortReadIsMalformed(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{1, 2, 3})
	if _, err := ReadRequest(&buf); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}
