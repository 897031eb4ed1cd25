// Package testport hands out free TCP ports for servers started by tests.
// A port is never leased twice within one test binary.
package testport

import (
	"net"
	"sync"
	"testing"
)

var (
	portLeaser freePortLeaser
)

// FindFree returns a port that was free when checked and has not been
// returned before.
func FindFree(t testing.TB) int {
	return portLeaser.Lease(t)
}

type freePortLeaser struct {
	mu          sync.Mutex
	leasedPorts map[int]struct{}
}

func (p *freePortLeaser) findAPort(t testing.TB) int {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("find a free port: %s", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func (p *freePortLeaser) Lease(t testing.TB) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.leasedPorts == nil {
		p.leasedPorts = make(map[int]struct{})
	}
	for {
		port := p.findAPort(t)
		if _, ok := p.leasedPorts[port]; !ok {
			p.leasedPorts[port] = struct{}{}
			return port
		}
	}
}
