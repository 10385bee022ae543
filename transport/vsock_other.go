//go:build !linux

package transport

import (
	"net"

	"github.com/pkg/errors"
)

func dialVsock(cid, port uint32) (net.Conn, error) {
	return nil, errors.New("vsock is only supported on linux")
}

func listenVsock(cid, port uint32) (net.Listener, error) {
	return nil, errors.New("vsock is only supported on linux")
}
