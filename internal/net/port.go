package net

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"go.uber.org/multierr"
)

// LoopbackAddrs are the addresses a local server on port may be listening on, IPv6 first.
func LoopbackAddrs(port int) []string {
	p := strconv.Itoa(port)
	return []string{
		net.JoinHostPort("::1", p),
		net.JoinHostPort("127.0.0.1", p),
	}
}

// DialLoopback tries each loopback address in order and returns the first connection.
func DialLoopback(ctx context.Context, port int) (*net.TCPConn, error) {
	var d net.Dialer
	var errs []error
	for _, addr := range LoopbackAddrs(port) {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn.(*net.TCPConn), nil
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("dialing port %d: %w", port, multierr.Combine(errs...))
}
