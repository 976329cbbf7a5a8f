//go:build !windows

package ipc

import (
	"context"
	"net"
	"os"
)

// Listen removes any stale socket left by a previous primary before binding.
func Listen(addr string) (net.Listener, error) {
	if addr == "" {
		return nil, os.ErrInvalid
	}
	_ = os.Remove(addr)
	return net.Listen("unix", addr)
}

func Dial(ctx context.Context, addr string) (net.Conn, error) {
	if addr == "" {
		return nil, os.ErrInvalid
	}
	var d net.Dialer
	return d.DialContext(ctx, "unix", addr)
}
