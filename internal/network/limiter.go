package network

import (
	"net"
	"sync"
)

// ipCounter caps how many concurrent slots one remote IP may hold.
type ipCounter struct {
	mu     sync.Mutex
	max    int
	counts map[string]int
}

func newIPCounter(max int) *ipCounter {
	return &ipCounter{max: max, counts: make(map[string]int)}
}

func (c *ipCounter) acquire(ip string) bool {
	if c.max <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[ip] >= c.max {
		return false
	}
	c.counts[ip]++
	return true
}

func (c *ipCounter) release(ip string) {
	if c.max <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[ip] <= 1 {
		delete(c.counts, ip)
		return
	}
	c.counts[ip]--
}

func (c *ipCounter) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.counts {
		n += v
	}
	return n
}

// ipLimiter bounds established connections and in-progress handshakes per
// remote IP on a listening transport.
type ipLimiter struct {
	conns      *ipCounter
	handshakes *ipCounter
}

func newIPLimiter(maxConns, maxHandshakes int) *ipLimiter {
	return &ipLimiter{
		conns:      newIPCounter(maxConns),
		handshakes: newIPCounter(maxHandshakes),
	}
}

func addrIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.String()
	case *net.TCPAddr:
		return a.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
