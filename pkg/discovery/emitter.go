// Package discovery emits SSDP M-SEARCH datagrams so that test-stand
// devices on the local network learn where to open their TCP connection.
// The server never listens for or parses SSDP replies — devices react to a
// received M-SEARCH by dialing the acceptor directly.
package discovery

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// MulticastAddr is the SSDP multicast group and port M-SEARCH is sent to.
const MulticastAddr = "239.255.255.250:1900"

// SearchTarget is the ST header value test-stand devices listen for.
const SearchTarget = "urn:qretprop:espdevice:1"

const message = "M-SEARCH * HTTP/1.1\r\n" +
	"HOST: 239.255.255.250:1900\r\n" +
	"MAN: \"ssdp:discover\"\r\n" +
	"MX: 2\r\n" +
	"ST: " + SearchTarget + "\r\n" +
	"USER-AGENT: QRET/1.0\r\n" +
	"\r\n"

// Emitter sends M-SEARCH bursts. The zero value is ready to use.
type Emitter struct {
	Logger zerolog.Logger
}

// Burst sends a single M-SEARCH datagram. It dials a fresh UDP socket (no
// bind, per the wire spec) each time, so it is safe to call concurrently
// and idempotent.
func (e *Emitter) Burst(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp4", MulticastAddr)
	if err != nil {
		return fmt.Errorf("discovery: resolve multicast address: %w", err)
	}

	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return fmt.Errorf("discovery: dial: %w", err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(dl)
	}

	if _, err := conn.Write([]byte(message)); err != nil {
		return fmt.Errorf("discovery: send m-search: %w", err)
	}

	e.Logger.Debug().Str("component", "discovery").Msg("sent m-search burst")
	return nil
}

// Run sends a burst immediately, then again every interval until ctx is
// canceled. If interval <= 0, Run sends the single startup burst and
// returns once ctx is canceled, without any periodic resend — this is the
// "optionally one burst every N seconds (default disabled)" mode from the
// wire spec.
func (e *Emitter) Run(ctx context.Context, interval time.Duration) {
	if err := e.Burst(ctx); err != nil {
		e.Logger.Warn().Err(err).Str("component", "discovery").Msg("startup discovery burst failed")
	}

	if interval <= 0 {
		<-ctx.Done()
		return
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := e.Burst(ctx); err != nil {
				e.Logger.Warn().Err(err).Str("component", "discovery").Msg("periodic discovery burst failed")
			}
		}
	}
}
