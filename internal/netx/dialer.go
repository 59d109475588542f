package netx

import (
	"context"
	"net"
	"sync"
)

// Dialer dials counting connections and remembers the last one, so that
// a caller going through a library that hides the net.Conn (e.g. a
// websocket dialer) can still read its counters.
type Dialer struct {
	net.Dialer

	mu   sync.Mutex
	last *Conn
}

// DialContext dials addr and returns a counting Conn.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	c, err := d.Dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	conn := NewConn(c)
	d.mu.Lock()
	d.last = conn
	d.mu.Unlock()
	return conn, nil
}

// Last returns the most recently dialed connection, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}
