package transport

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/PwzXxm/ice-lite/endpoint"
	"github.com/PwzXxm/ice-lite/rpcerr"
	"github.com/pkg/errors"
	"github.com/sasha-s/go-deadlock"
)

// DialHook runs at the start of every in-process connect. A non nil error
// fails the connect.
type DialHook func(ctx context.Context, name string) error

// MemNetwork is an in-process network of named listeners connected by
// net.Pipe. It serves mem endpoints and is meant for tests.
type MemNetwork struct {
	lock      deadlock.RWMutex
	listeners map[string]*memListener
	hook      DialHook
	dials     map[string]*int64
}

func NewMemNetwork() *MemNetwork {
	n := new(MemNetwork)
	n.listeners = make(map[string]*memListener)
	n.dials = make(map[string]*int64)
	return n
}

func (n *MemNetwork) Type() int16 {
	return endpoint.MemType
}

// SetDialHook installs hook for subsequent connects.
func (n *MemNetwork) SetDialHook(hook DialHook) {
	n.lock.Lock()
	n.hook = hook
	n.lock.Unlock()
}

// Dials returns the number of connect attempts made to name.
func (n *MemNetwork) Dials(name string) int {
	n.lock.RLock()
	c, ok := n.dials[name]
	n.lock.RUnlock()
	if !ok {
		return 0
	}
	return int(atomic.LoadInt64(c))
}

func (n *MemNetwork) countDial(name string) {
	n.lock.RLock()
	c, ok := n.dials[name]
	n.lock.RUnlock()
	if !ok {
		// Double-checked locking (Write lock)
		n.lock.Lock()
		c, ok = n.dials[name]
		if !ok {
			c = new(int64)
			n.dials[name] = c
		}
		n.lock.Unlock()
	}
	atomic.AddInt64(c, 1)
}

func (n *MemNetwork) Dial(e endpoint.Endpoint) (Transceiver, error) {
	m, ok := e.(*endpoint.Mem)
	if !ok {
		return nil, errors.Errorf("mem network cannot dial %s", e)
	}
	return &memTransceiver{network: n, endpoint: m}, nil
}

func (n *MemNetwork) Listen(e endpoint.Endpoint) (Listener, error) {
	m, ok := e.(*endpoint.Mem)
	if !ok {
		return nil, errors.Errorf("mem network cannot listen on %s", e)
	}
	n.lock.Lock()
	defer n.lock.Unlock()
	if _, ok := n.listeners[m.Name()]; ok {
		return nil, rpcerr.New(rpcerr.Socket, "address %q already in use", m.Name())
	}
	l := &memListener{
		network:  n,
		endpoint: m,
		accepted: make(chan net.Conn),
		done:     make(chan struct{}),
	}
	n.listeners[m.Name()] = l
	return l, nil
}

// Shutdown closes every listener.
func (n *MemNetwork) Shutdown() {
	n.lock.Lock()
	ls := n.listeners
	n.listeners = make(map[string]*memListener)
	n.lock.Unlock()
	for _, l := range ls {
		l.shutdown()
	}
}

type memListener struct {
	network  *MemNetwork
	endpoint *endpoint.Mem
	accepted chan net.Conn
	done     chan struct{}
	once     int32
}

func (l *memListener) Accept() (Transceiver, error) {
	select {
	case conn := <-l.accepted:
		return &memTransceiver{network: l.network, endpoint: l.endpoint, conn: conn, server: true}, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *memListener) shutdown() {
	if atomic.CompareAndSwapInt32(&l.once, 0, 1) {
		close(l.done)
	}
}

func (l *memListener) Close() error {
	l.network.lock.Lock()
	if l.network.listeners[l.endpoint.Name()] == l {
		delete(l.network.listeners, l.endpoint.Name())
	}
	l.network.lock.Unlock()
	l.shutdown()
	return nil
}

func (l *memListener) Endpoint() endpoint.Endpoint {
	return l.endpoint
}

type memTransceiver struct {
	network  *MemNetwork
	endpoint *endpoint.Mem
	conn     net.Conn
	server   bool
}

func (t *memTransceiver) Initialize(ctx context.Context) error {
	if t.server {
		return nil
	}
	name := t.endpoint.Name()
	t.network.countDial(name)
	t.network.lock.RLock()
	hook := t.network.hook
	l, ok := t.network.listeners[name]
	t.network.lock.RUnlock()
	if hook != nil {
		if err := hook(ctx, name); err != nil {
			return connectError(ctx, t.endpoint, err)
		}
		// the hook may have blocked while listeners changed
		t.network.lock.RLock()
		l, ok = t.network.listeners[name]
		t.network.lock.RUnlock()
	}
	if !ok {
		return rpcerr.New(rpcerr.ConnectionRefused, "%s", t.endpoint)
	}
	client, server := net.Pipe()
	select {
	case l.accepted <- server:
		t.conn = client
		return nil
	case <-l.done:
		client.Close()
		server.Close()
		return rpcerr.New(rpcerr.ConnectionRefused, "%s", t.endpoint)
	case <-ctx.Done():
		client.Close()
		server.Close()
		return connectError(ctx, t.endpoint, ctx.Err())
	}
}

func (t *memTransceiver) Read(b []byte) (int, error) {
	n, err := t.conn.Read(b)
	return n, ioError(err)
}

func (t *memTransceiver) Write(b []byte) (int, error) {
	n, err := t.conn.Write(b)
	return n, ioError(err)
}

func (t *memTransceiver) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

func (t *memTransceiver) Endpoint() endpoint.Endpoint {
	return t.endpoint
}

func (t *memTransceiver) String() string {
	side := "client"
	if t.server {
		side = "server"
	}
	return fmt.Sprintf("mem %s %s", t.endpoint.Name(), side)
}
