//go:build linux

package transport

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// CIDAny binds a vsock listener on every context id (the host side usually
// wants this).
const CIDAny uint32 = unix.VMADDR_CID_ANY

// vsockAddr implements net.Addr for an AF_VSOCK endpoint.
type vsockAddr struct {
	cid  uint32
	port uint32
}

func (a vsockAddr) Network() string { return "vsock" }
func (a vsockAddr) String() string  { return fmt.Sprintf("vsock://%d:%d", a.cid, a.port) }

// vsockConn is a blocking AF_VSOCK stream socket presented as a net.Conn.
// Reads and writes retry on EINTR; Close shuts the socket down first so a
// reader blocked in Read wakes up before the descriptor disappears.
type vsockConn struct {
	fd     int
	local  vsockAddr
	remote vsockAddr
}

func dialVsock(cid, port uint32) (net.Conn, error) {
	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "vsock socket")
	}
	sa := &unix.SockaddrVM{CID: cid, Port: port}
	for {
		err = unix.Connect(fd, sa)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "vsock connect %d:%d", cid, port)
	}
	return newVsockConn(fd, vsockAddr{cid: cid, port: port}), nil
}

func newVsockConn(fd int, remote vsockAddr) *vsockConn {
	c := &vsockConn{fd: fd, remote: remote}
	if sa, err := unix.Getsockname(fd); err == nil {
		if vm, ok := sa.(*unix.SockaddrVM); ok {
			c.local = vsockAddr{cid: vm.CID, port: vm.Port}
		}
	}
	return c
}

func (c *vsockConn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n == 0 {
			// A zero-length read on a stream socket is the peer's FIN.
			return 0, io.EOF
		}
		return n, nil
	}
}

func (c *vsockConn) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := unix.Write(c.fd, p[written:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

func (c *vsockConn) Close() error {
	// Shutdown wakes any goroutine blocked in Read before the fd goes
	// away; closing alone does not reliably interrupt a blocked read.
	_ = unix.Shutdown(c.fd, unix.SHUT_RDWR)
	return unix.Close(c.fd)
}

func (c *vsockConn) LocalAddr() net.Addr  { return c.local }
func (c *vsockConn) RemoteAddr() net.Addr { return c.remote }

// Deadlines are not supported on the raw vsock descriptor. The connection
// engine does not use them: cancellation is by closing the socket.
func (c *vsockConn) SetDeadline(time.Time) error      { return errVsockDeadline }
func (c *vsockConn) SetReadDeadline(time.Time) error  { return errVsockDeadline }
func (c *vsockConn) SetWriteDeadline(time.Time) error { return errVsockDeadline }

var errVsockDeadline = errors.New("vsock: deadlines not supported")

// vsockListener accepts AF_VSOCK streams.
type vsockListener struct {
	fd   int
	addr vsockAddr
}

func listenVsock(cid, port uint32) (net.Listener, error) {
	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "vsock socket")
	}
	if err := unix.Bind(fd, &unix.SockaddrVM{CID: cid, Port: port}); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "vsock bind %d:%d", cid, port)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "vsock listen")
	}
	return &vsockListener{fd: fd, addr: vsockAddr{cid: cid, port: port}}, nil
}

func (l *vsockListener) Accept() (net.Conn, error) {
	for {
		fd, sa, err := unix.Accept4(l.fd, unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "vsock accept")
		}
		remote := vsockAddr{}
		if vm, ok := sa.(*unix.SockaddrVM); ok {
			remote = vsockAddr{cid: vm.CID, port: vm.Port}
		}
		return newVsockConn(fd, remote), nil
	}
}

func (l *vsockListener) Close() error {
	// As with connections, shutdown first so a blocked Accept returns.
	_ = unix.Shutdown(l.fd, unix.SHUT_RDWR)
	return unix.Close(l.fd)
}

func (l *vsockListener) Addr() net.Addr { return l.addr }
