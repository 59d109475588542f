// Package netx provides a net.Conn that counts the bytes it moves, and the
// listener and dialer producing it.
package netx

import (
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"
)

// Counter provides the byte counters of a connection.
type Counter interface {
	ByteCounters() (uint64, uint64)
	StartTime() time.Time
}

// ToCounter returns the Counter wrapped by netConn, unwrapping TLS if needed.
// The second return value is false if netConn was not created by this
// package.
func ToCounter(netConn net.Conn) (Counter, bool) {
	switch t := netConn.(type) {
	case *Conn:
		return t, true
	case *tls.Conn:
		c, ok := t.NetConn().(*Conn)
		return c, ok
	default:
		return nil, false
	}
}

// Conn is a net.Conn storing the time it was established and counters for
// read/written bytes.
type Conn struct {
	net.Conn

	startTime    time.Time
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// NewConn wraps c into a counting Conn.
func NewConn(c net.Conn) *Conn {
	return &Conn{
		Conn:      c,
		startTime: time.Now(),
	}
}

// Read reads from the underlying net.Conn and updates the read bytes counter.
func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.bytesRead.Add(uint64(n))
	return n, err
}

// Write writes to the underlying net.Conn and updates the written bytes counter.
func (c *Conn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.bytesWritten.Add(uint64(n))
	return n, err
}

// ByteCounters returns the read and written byte counters, in this order.
func (c *Conn) ByteCounters() (uint64, uint64) {
	return c.bytesRead.Load(), c.bytesWritten.Load()
}

// StartTime returns the time this connection was accepted or dialed.
func (c *Conn) StartTime() time.Time {
	return c.startTime
}
