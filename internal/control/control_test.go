package control

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/oriys/nbdtrace/internal/backend"
	"github.com/oriys/nbdtrace/internal/recorder"
)

func newTestEndpoint(t *testing.T) (*Endpoint, *backend.Backend) {
	t.Helper()
	b, err := backend.New(16)
	if err != nil {
		t.Fatalf("backend.New: %v", err)
	}
	r := recorder.New(b, nil)
	return New(b, r, nil, nil, nil, nil), b
}

func TestBeginEndDumpEcho(t *testing.T) {
	e, b := newTestEndpoint(t)
	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	mustGet := func(path string) *http.Response {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		return resp
	}

	resp := mustGet("/begin")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/begin status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Begin again without an End in between must fail: already Recording.
	resp = mustGet("/begin")
	if resp.StatusCode == http.StatusOK {
		t.Fatal("second /begin succeeded, want conflict")
	}
	resp.Body.Close()

	echoResp, err := http.Post(srv.URL+"/echo", "application/octet-stream", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("POST /echo: %v", err)
	}
	echoResp.Body.Close()

	b.Write(0, []byte("AB"))

	resp = mustGet("/end")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/end status = %d", resp.StatusCode)
	}
	blob, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read /end body: %v", err)
	}

	snap, trace, err := recorder.Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(snap) != 16 {
		t.Fatalf("snapshot length = %d, want 16", len(snap))
	}
	if len(trace) != 1 || trace[0].Op != recorder.OpEcho {
		t.Fatalf("trace = %+v, want single echo entry", trace)
	}

	resp = mustGet("/dump")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/dump status = %d", resp.StatusCode)
	}
	dump, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read /dump body: %v", err)
	}
	if string(dump[:2]) != "AB" {
		t.Fatalf("dump = %q, want prefix AB", dump)
	}
}

func TestEndWithoutBeginFails(t *testing.T) {
	e, _ := newTestEndpoint(t)
	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/end")
	if err != nil {
		t.Fatalf("GET /end: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestUnknownOpClosesConnection(t *testing.T) {
	e, _ := newTestEndpoint(t)
	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/nope")
	if err == nil {
		resp.Body.Close()
		t.Fatalf("GET /nope returned status %d, want the connection closed without a response", resp.StatusCode)
	}
}
