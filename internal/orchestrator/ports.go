package orchestrator

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// ephemeralAttempts bounds how many OS-assigned ports are tried before giving up.
const ephemeralAttempts = 32

// PortAllocator hands out local ports for worker output endpoints.
//
// A port is reserved under the allocator lock after a successful probe bind,
// and stays reserved until Release, so two streams can never be handed the
// same port even if the worker has not bound it yet.
type PortAllocator struct {
	mu       sync.Mutex
	host     string
	min, max int
	inUse    map[int]StreamID
}

// NewPortAllocator returns an allocator binding on host. When min and max are
// both positive, ports are taken from [min, max]; otherwise the OS picks an
// ephemeral port.
func NewPortAllocator(host string, min, max int) *PortAllocator {
	if host == "" {
		host = "127.0.0.1"
	}
	if min <= 0 || max < min {
		min, max = 0, 0
	}
	return &PortAllocator{
		host:  host,
		min:   min,
		max:   max,
		inUse: make(map[int]StreamID),
	}
}

// Host returns the host the allocated ports are probed on.
func (a *PortAllocator) Host() string {
	return a.host
}

// Allocate reserves a free port for id.
func (a *PortAllocator) Allocate(id StreamID) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.min > 0 {
		for port := a.min; port <= a.max; port++ {
			if _, taken := a.inUse[port]; taken {
				continue
			}
			if err := a.probe(port); err != nil {
				continue
			}
			a.inUse[port] = id
			return port, nil
		}
		return 0, fmt.Errorf("%w: range %d-%d exhausted", ErrNoPortAvailable, a.min, a.max)
	}

	for i := 0; i < ephemeralAttempts; i++ {
		port, err := a.ephemeral()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrNoPortAvailable, err)
		}
		if _, taken := a.inUse[port]; taken {
			continue
		}
		a.inUse[port] = id
		return port, nil
	}
	return 0, ErrNoPortAvailable
}

// Release returns port to the pool. Releasing an unreserved port is a no-op.
func (a *PortAllocator) Release(port int) {
	if port <= 0 {
		return
	}
	a.mu.Lock()
	delete(a.inUse, port)
	a.mu.Unlock()
}

// InUse returns the number of reserved ports.
func (a *PortAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}

// Owner returns the stream holding port, if any.
func (a *PortAllocator) Owner(port int) (StreamID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.inUse[port]
	return id, ok
}

func (a *PortAllocator) probe(port int) error {
	l, err := net.Listen("tcp", net.JoinHostPort(a.host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return l.Close()
}

func (a *PortAllocator) ephemeral() (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(a.host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
