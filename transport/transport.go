// Package transport turns endpoint addresses into byte streams.
//
// Three schemes are understood:
//
//	unix:///run/service.sock   local filesystem socket
//	tcp://127.0.0.1:9090       TCP, mostly for tests
//	vsock://3:1024             VM socket, context id : port
//
// A bare filesystem path is treated as a unix address. Whatever the scheme,
// the result is a bidirectional ordered byte stream; the connection engine
// treats them all identically.
package transport

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	schemeUnix  = "unix"
	schemeTCP   = "tcp"
	schemeVsock = "vsock"
)

// parseAddress splits "scheme://target". Bare paths default to unix.
func parseAddress(address string) (scheme, target string, err error) {
	scheme, target, found := strings.Cut(address, "://")
	if !found {
		if strings.HasPrefix(address, "/") || strings.HasPrefix(address, ".") {
			return schemeUnix, address, nil
		}
		return "", "", errors.Errorf("address %q has no scheme", address)
	}
	if target == "" {
		return "", "", errors.Errorf("address %q has an empty target", address)
	}
	switch scheme {
	case schemeUnix, schemeTCP, schemeVsock:
		return scheme, target, nil
	default:
		return "", "", errors.Errorf("unsupported address scheme %q", scheme)
	}
}

// parseVsockTarget splits "cid:port" into its two 32-bit halves.
func parseVsockTarget(target string) (cid, port uint32, err error) {
	cidStr, portStr, found := strings.Cut(target, ":")
	if !found {
		return 0, 0, errors.Errorf("vsock address %q is not cid:port", target)
	}
	cid64, err := strconv.ParseUint(cidStr, 10, 32)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "vsock context id %q", cidStr)
	}
	port64, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "vsock port %q", portStr)
	}
	return uint32(cid64), uint32(port64), nil
}

// Dial connects to address and returns the byte stream.
func Dial(address string) (net.Conn, error) {
	scheme, target, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case schemeUnix:
		return net.Dial("unix", target)
	case schemeTCP:
		return net.Dial("tcp", target)
	default:
		cid, port, err := parseVsockTarget(target)
		if err != nil {
			return nil, err
		}
		return dialVsock(cid, port)
	}
}

// Listen binds a listener at address.
func Listen(address string) (net.Listener, error) {
	scheme, target, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case schemeUnix:
		return net.Listen("unix", target)
	case schemeTCP:
		return net.Listen("tcp", target)
	default:
		cid, port, err := parseVsockTarget(target)
		if err != nil {
			return nil, err
		}
		return listenVsock(cid, port)
	}
}
