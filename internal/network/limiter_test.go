package network

import (
	"net"
	"testing"
)

func TestIPCounterCap(t *testing.T) {
	c := newIPCounter(1)
	if !c.acquire("1.2.3.4") {
		t.Fatalf("expected first acquire")
	}
	if c.acquire("1.2.3.4") {
		t.Fatalf("expected cap")
	}
	c.release("1.2.3.4")
	if !c.acquire("1.2.3.4") {
		t.Fatalf("expected acquire after release")
	}
}

func TestIPCounterUnlimited(t *testing.T) {
	c := newIPCounter(0)
	for i := 0; i < 10; i++ {
		if !c.acquire("1.2.3.4") {
			t.Fatalf("unlimited counter refused acquire %d", i)
		}
	}
	if c.total() != 0 {
		t.Fatalf("unlimited counter should not track, got %d", c.total())
	}
}

func TestIPLimiterSeparateIPs(t *testing.T) {
	lim := newIPLimiter(1, 1)
	if !lim.conns.acquire("1.2.3.4") || !lim.conns.acquire("2.3.4.5") {
		t.Fatalf("expected per-ip conn acquire")
	}
	if !lim.handshakes.acquire("1.2.3.4") || !lim.handshakes.acquire("2.3.4.5") {
		t.Fatalf("expected per-ip handshake acquire")
	}
	if lim.conns.total() != 2 {
		t.Fatalf("expected 2 conns, got %d", lim.conns.total())
	}
}

func TestAddrIP(t *testing.T) {
	if got := addrIP(&net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 9}); got != "10.0.0.1" {
		t.Fatalf("unexpected ip %q", got)
	}
	if got := addrIP(nil); got != "" {
		t.Fatalf("expected empty ip, got %q", got)
	}
}
