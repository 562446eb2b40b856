package connection

import (
	"context"

	"github.com/PwzXxm/ice-lite/endpoint"
	"github.com/PwzXxm/ice-lite/transport"
	"github.com/sasha-s/go-deadlock"
	"go.uber.org/multierr"
)

// Acceptor turns transceivers accepted by a listener into incoming
// connections.
type Acceptor struct {
	lock     deadlock.Mutex
	listener transport.Listener
	opts     Options
	conns    map[*Connection]struct{}
	closed   bool
}

func NewAcceptor(l transport.Listener, opts Options) *Acceptor {
	return &Acceptor{
		listener: l,
		opts:     opts.withDefaults(),
		conns:    make(map[*Connection]struct{}),
	}
}

// Endpoint is the listener's endpoint, with the bound port.
func (a *Acceptor) Endpoint() endpoint.Endpoint {
	return a.listener.Endpoint()
}

// Serve accepts until the listener is closed. Each connection is validated
// on its own goroutine.
func (a *Acceptor) Serve(ctx context.Context) error {
	for {
		tr, err := a.listener.Accept()
		if err != nil {
			a.lock.Lock()
			closed := a.closed
			a.lock.Unlock()
			if closed {
				return nil
			}
			return err
		}
		c := New(tr, true, a.opts)
		a.lock.Lock()
		if a.closed {
			a.lock.Unlock()
			tr.Close()
			return nil
		}
		a.conns[c] = struct{}{}
		a.lock.Unlock()
		c.OnClose(a.remove)
		go func() {
			if err := c.Start(ctx); err != nil {
				a.opts.Logger.WithField("endpoint", c.String()).Debugf("incoming connection failed: %v", err)
			}
		}()
	}
}

func (a *Acceptor) remove(c *Connection) {
	a.lock.Lock()
	delete(a.conns, c)
	a.lock.Unlock()
}

// Connections returns the incoming connections that are still open.
func (a *Acceptor) Connections() []*Connection {
	a.lock.Lock()
	defer a.lock.Unlock()
	out := make([]*Connection, 0, len(a.conns))
	for c := range a.conns {
		out = append(out, c)
	}
	return out
}

// Close stops accepting and closes the incoming connections gracefully.
func (a *Acceptor) Close(ctx context.Context) error {
	a.lock.Lock()
	a.closed = true
	a.lock.Unlock()
	err := a.listener.Close()
	return multierr.Append(err, closeAll(ctx, a.Connections()))
}
