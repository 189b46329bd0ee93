// Package acceptor binds the TCP listener devices dial into and hands each
// accepted connection to a caller-supplied session starter. It reads nothing
// from the connection itself; the "first packet must be CONFIG" handshake
// rule is enforced by that session starter (devsession).
package acceptor

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"
)

// DefaultAddr is the default bind address for the device TCP listener.
const DefaultAddr = "0.0.0.0:50000"

// Handler is invoked once per accepted connection, after socket options are
// applied but before anything is read from it. It owns conn for the rest of
// its lifetime and must close it.
type Handler func(ctx context.Context, conn net.Conn)

// Config controls how the listener is bound and tuned.
type Config struct {
	Addr       string // default DefaultAddr if empty
	MaxDevices int    // 0 means unlimited; mirrors api0.MaxServers in spirit
}

// Acceptor owns the bound listener and dispatches accepted connections to a
// Handler until Run's context is canceled.
type Acceptor struct {
	cfg    Config
	logger zerolog.Logger
	ready  chan net.Addr
}

// New prepares an Acceptor with the given config and logger. It does not
// bind a socket until Run is called.
func New(cfg Config, logger zerolog.Logger) *Acceptor {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	return &Acceptor{cfg: cfg, logger: logger, ready: make(chan net.Addr, 1)}
}

// WaitAddr blocks until the listener has bound (useful when Config.Addr
// uses port 0) and returns its actual address, or ctx's error if it is
// canceled first.
func (a *Acceptor) WaitAddr(ctx context.Context) (net.Addr, error) {
	select {
	case addr := <-a.ready:
		a.ready <- addr // keep it available for subsequent callers
		return addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run binds the listener and accepts connections, calling handle for each
// one in its own goroutine, until ctx is canceled or a fatal accept error
// occurs. Per-connection errors (a handshake failure, a reset) never stop
// the accept loop.
func (a *Acceptor) Run(ctx context.Context, handle Handler) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", a.cfg.Addr)
	if err != nil {
		return fmt.Errorf("acceptor: listen on %s: %w", a.cfg.Addr, err)
	}

	if a.cfg.MaxDevices > 0 {
		ln = netutil.LimitListener(ln, a.cfg.MaxDevices)
	}

	a.ready <- ln.Addr()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	a.logger.Info().Str("component", "acceptor").Str("addr", a.cfg.Addr).Msg("listening for devices")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("acceptor: accept: %w", err)
		}

		tcpConn, ok := conn.(*net.TCPConn)
		if ok {
			tcpConn.SetNoDelay(true)
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(30 * time.Second)
			tuneKeepalive(tcpConn, a.logger)
		}

		a.logger.Debug().Str("component", "acceptor").Str("peer", conn.RemoteAddr().String()).Msg("accepted connection")
		go handle(ctx, conn)
	}
}
