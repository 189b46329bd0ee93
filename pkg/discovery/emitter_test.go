package discovery

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestBurstIdempotent(t *testing.T) {
	// Bind a listener on the SSDP port so the burst has somewhere to land;
	// if unavailable (e.g. sandboxed CI), skip rather than fail spuriously.
	addr, err := net.ResolveUDPAddr("udp4", MulticastAddr)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		t.Skipf("cannot bind multicast listener in this environment: %v", err)
	}
	defer conn.Close()
	conn.SetReadBuffer(4096)

	var e Emitter
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := e.Burst(ctx); err != nil {
		t.Fatalf("burst 1: %v", err)
	}
	if err := e.Burst(ctx); err != nil {
		t.Fatalf("burst 2 (idempotent): %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 4096)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := string(buf[:n]); got != message {
		t.Errorf("unexpected datagram: %q", got)
	}
}
