// Package portpool leases local TCP ports for reverse tunnel endpoints.
package portpool

import (
	"errors"
	"fmt"
	"sync"
)

// ErrExhausted is returned by Allocate when every port in the range is leased.
var ErrExhausted = errors.New("port pool exhausted")

// Pool hands out ports from the half-open range [low, high), lowest first.
type Pool struct {
	low, high int

	mu     sync.Mutex
	leased map[int]struct{}
}

// New returns a pool over [low, high).
func New(low, high int) (*Pool, error) {
	if low <= 0 || high > 65536 || low >= high {
		return nil, fmt.Errorf("invalid port range [%d, %d)", low, high)
	}
	return &Pool{
		low:    low,
		high:   high,
		leased: make(map[int]struct{}),
	}, nil
}

// Allocate leases the lowest free port.
func (p *Pool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port := p.low; port < p.high; port++ {
		if _, taken := p.leased[port]; taken {
			continue
		}
		p.leased[port] = struct{}{}
		return port, nil
	}
	return 0, fmt.Errorf("%w: all %d ports in [%d, %d) leased", ErrExhausted, p.high-p.low, p.low, p.high)
}

// Release returns port to the pool. Releasing a port that is not leased is a no-op.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	delete(p.leased, port)
	p.mu.Unlock()
}

// Leased reports how many ports are currently out.
func (p *Pool) Leased() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leased)
}

// Capacity is the size of the range.
func (p *Pool) Capacity() int {
	return p.high - p.low
}
