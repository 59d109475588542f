package netx

import (
	"net"
)

// Listener is a TCPListener whose accepted connections are counting Conns.
type Listener struct {
	*net.TCPListener
}

// NewListener returns a netx.Listener.
func NewListener(l *net.TCPListener) *Listener {
	return &Listener{
		TCPListener: l,
	}
}

// Accept accepts a connection and returns it wrapped into a netx.Conn.
func (ln *Listener) Accept() (net.Conn, error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	return NewConn(tc), nil
}
