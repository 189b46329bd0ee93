//go:build linux

package acceptor

import (
	"net"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// tuneKeepalive sets the finer-grained Linux keepalive knobs (idle time,
// probe interval, probe count) that net.TCPConn itself has no cross-platform
// API for. Best-effort: a failure here is logged and otherwise ignored,
// since SetKeepAlive/SetKeepAlivePeriod already put reasonable defaults in
// place.
func tuneKeepalive(conn *net.TCPConn, logger zerolog.Logger) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}

	ctrlErr := raw.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 30); err != nil {
			logger.Debug().Err(err).Str("component", "acceptor").Msg("set TCP_KEEPIDLE failed")
		}
		if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, 10); err != nil {
			logger.Debug().Err(err).Str("component", "acceptor").Msg("set TCP_KEEPINTVL failed")
		}
		if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 3); err != nil {
			logger.Debug().Err(err).Str("component", "acceptor").Msg("set TCP_KEEPCNT failed")
		}
	})
	if ctrlErr != nil {
		logger.Debug().Err(ctrlErr).Str("component", "acceptor").Msg("raw syscall control failed")
	}
}
