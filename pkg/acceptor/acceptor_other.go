//go:build !linux

package acceptor

import (
	"net"

	"github.com/rs/zerolog"
)

// tuneKeepalive is a no-op outside Linux; net.TCPConn's SetKeepAlivePeriod
// already applies on every platform Go supports.
func tuneKeepalive(conn *net.TCPConn, logger zerolog.Logger) {}
