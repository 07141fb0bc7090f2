//go:build !linux

package webproxy

import (
	"net"
	"sync/atomic"

	"github.com/pkg/errors"
)

// acceptDispatcher blocks in Accept and dispatches every connection right away.
// The handler's first read waits for the request.
type acceptDispatcher struct {
	p        *Proxy
	ln       net.Listener
	stopping atomic.Bool
}

func newDispatcher(p *Proxy, ln net.Listener) (dispatcher, error) {
	return &acceptDispatcher{p: p, ln: ln}, nil
}

func (d *acceptDispatcher) run() error {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			if d.stopping.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		d.p.dispatch(conn, func() { conn.Close() })
	}
}

func (d *acceptDispatcher) stop() {
	d.stopping.Store(true)
	d.ln.Close()
}

func (d *acceptDispatcher) close() {}
