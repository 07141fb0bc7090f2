package webproxy

import (
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const maxEvents = 100

type trackedConn struct {
	conn       net.Conn
	dispatched bool
}

// epollDispatcher waits for readiness of the listener and all accepted
// connections on one epoll instance. Accepted connections are registered
// one-shot: the first readable event dispatches the handler and the
// connection is never watched again.
type epollDispatcher struct {
	p      *Proxy
	ln     net.Listener
	lnfd   int
	epfd   int
	wakefd int

	stopping atomic.Bool

	mutex  sync.Mutex
	closed bool
	conns  map[int]*trackedConn
}

func newDispatcher(p *Proxy, ln net.Listener) (dispatcher, error) {
	lnfd, err := socketFd(ln)
	if err != nil {
		return nil, errors.Wrap(err, "listener fd")
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, errors.Wrap(err, "eventfd")
	}
	d := &epollDispatcher{
		p:      p,
		ln:     ln,
		lnfd:   lnfd,
		epfd:   epfd,
		wakefd: wakefd,
		conns:  make(map[int]*trackedConn),
	}
	for _, fd := range []int{lnfd, wakefd} {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			unix.Close(wakefd)
			unix.Close(epfd)
			return nil, errors.Wrapf(err, "register fd %d", fd)
		}
	}
	return d, nil
}

// socketFd returns the file descriptor behind a listener or connection.
// The descriptor stays owned by the Go runtime.
func socketFd(v any) (int, error) {
	sc, ok := v.(syscall.Conn)
	if !ok {
		return -1, errors.Errorf("%T does not expose a file descriptor", v)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := rc.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1, err
	}
	return fd, nil
}

func (d *epollDispatcher) run() error {
	defer d.cleanup()
	events := make([]unix.EpollEvent, maxEvents)
	for {
		n, err := unix.EpollWait(d.epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			if d.stopping.Load() {
				return nil
			}
			return errors.Wrap(err, "epoll_wait")
		}
		for _, ev := range events[:n] {
			switch int(ev.Fd) {
			case d.wakefd:
				return nil
			case d.lnfd:
				d.accept()
			default:
				d.ready(int(ev.Fd))
			}
		}
	}
}

// accept takes one connection off the accept queue and registers it.
// The listener is level-triggered, so remaining connections raise another event.
func (d *epollDispatcher) accept() {
	conn, err := d.ln.Accept()
	if err != nil {
		if !d.stopping.Load() {
			d.p.log.Error().Err(err).Msg("Could not accept connection")
		}
		return
	}
	fd, err := socketFd(conn)
	if err != nil {
		d.p.log.Error().Err(err).Msg("Could not register connection")
		conn.Close()
		return
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.conns[fd] = &trackedConn{conn: conn}
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLONESHOT, Fd: int32(fd)}
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		d.p.log.Error().Err(err).Str("client", conn.RemoteAddr().String()).Msg("Could not register connection")
		delete(d.conns, fd)
		conn.Close()
		return
	}
	d.p.log.Trace().Str("client", conn.RemoteAddr().String()).Msg("Accepted connection")
}

// ready dispatches the handler of a readable connection.
func (d *epollDispatcher) ready(fd int) {
	d.mutex.Lock()
	tc, ok := d.conns[fd]
	if !ok || tc.dispatched {
		d.mutex.Unlock()
		return
	}
	tc.dispatched = true
	d.mutex.Unlock()

	d.p.dispatch(tc.conn, func() { d.release(fd, tc.conn) })
}

// release deregisters a handled connection and closes it.
// Deregistration comes first so a reused descriptor number is never confused with it.
func (d *epollDispatcher) release(fd int, conn net.Conn) {
	d.mutex.Lock()
	if d.conns[fd] != nil && d.conns[fd].conn == conn {
		delete(d.conns, fd)
	}
	if !d.closed {
		unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	d.mutex.Unlock()
	conn.Close()
}

func (d *epollDispatcher) stop() {
	d.stopping.Store(true)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(d.wakefd, buf[:]); err != nil {
		d.p.log.Error().Err(err).Msg("Could not wake readiness loop")
	}
}

// cleanup closes the listener and every connection that was never dispatched.
func (d *epollDispatcher) cleanup() {
	d.stopping.Store(true)
	d.ln.Close()
	d.mutex.Lock()
	defer d.mutex.Unlock()
	for fd, tc := range d.conns {
		if tc.dispatched {
			continue
		}
		unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		tc.conn.Close()
		delete(d.conns, fd)
	}
}

func (d *epollDispatcher) close() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	unix.Close(d.wakefd)
	unix.Close(d.epfd)
}
