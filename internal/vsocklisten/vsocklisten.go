// Package vsocklisten offers AF_VSOCK as a second transport for the NBD
// listener, for the case where the disk is exposed into a guest VM
// rather than over the network. The framing, codec and session code in
// internal/nbdproto and internal/nbdsrv are unaware of this: net.Conn is
// the only boundary either depends on, so the same Session that serves a
// TCP connection serves a vsock one unchanged.
package vsocklisten

import (
	"fmt"
	"net"

	"github.com/mdlayher/vsock"
)

// Listen binds a vsock listener on the given port, accepting
// connections from any CID (guest or host, depending on which side this
// process runs on).
func Listen(port uint32) (net.Listener, error) {
	ln, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("vsocklisten: listen on port %d: %w", port, err)
	}
	return ln, nil
}

// Dial connects to a vsock listener at (cid, port). Exposed for tests
// and tooling that want to drive the server end-to-end without a real
// guest/host pair.
func Dial(cid, port uint32) (net.Conn, error) {
	conn, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return nil, fmt.Errorf("vsocklisten: dial cid=%d port=%d: %w", cid, port, err)
	}
	return conn, nil
}
