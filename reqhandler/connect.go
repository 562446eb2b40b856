package reqhandler

import (
	"context"

	"github.com/PwzXxm/ice-lite/connection"
	"github.com/PwzXxm/ice-lite/protocol"
	"github.com/PwzXxm/ice-lite/reference"
	"github.com/sasha-s/go-deadlock"
)

type sendResult struct {
	call *connection.Call
	err  error
}

// queued is a request waiting for the connection.
type queued struct {
	req    *protocol.Request
	twoway bool
	bodies [][]byte
	batch  bool
	result chan sendResult
}

// ConnectHandler queues requests until its connection is established.
type ConnectHandler struct {
	lock     deadlock.Mutex
	factory  *Factory
	ref      *reference.Reference
	key      string
	shared   bool
	queue    []*queued
	caches   []*Cache
	flushed  bool
	conn     *connection.Connection
	compress bool
	bound    Handler
	err      error
	done     chan struct{}
}

func newConnectHandler(f *Factory, ref *reference.Reference, shared bool) *ConnectHandler {
	return &ConnectHandler{
		factory: f,
		ref:     ref,
		key:     ref.Key(),
		shared:  shared,
		done:    make(chan struct{}),
	}
}

// attach returns the handler cache should use: h itself while connecting,
// the bound handler once the queue is flushed.
func (h *ConnectHandler) attach(cache *Cache) Handler {
	h.lock.Lock()
	defer h.lock.Unlock()
	if !h.flushed {
		if cache != nil {
			h.caches = append(h.caches, cache)
		}
		return h
	}
	if h.bound != nil {
		return h.bound
	}
	return h
}

func (h *ConnectHandler) connect(ctx context.Context) {
	conn, compress, err := h.factory.binder.Connect(ctx, h.ref)
	if err != nil {
		h.fail(err)
		return
	}
	h.flush(conn, compress)
}

func (h *ConnectHandler) flush(conn *connection.Connection, compress bool) {
	h.lock.Lock()
	h.conn, h.compress = conn, compress
	h.lock.Unlock()

	// requests queued during the flush are sent after the ones before them
	for {
		h.lock.Lock()
		if len(h.queue) == 0 {
			h.flushed = true
			var caches []*Cache
			if h.ref.CacheConnection() {
				h.bound = NewConnectionHandler(h.ref, conn, compress)
				caches = h.caches
			}
			h.caches = nil
			h.lock.Unlock()
			for _, c := range caches {
				c.update(h, h.bound)
			}
			break
		}
		q := h.queue[0]
		h.queue = h.queue[1:]
		h.lock.Unlock()
		if q.batch {
			q.result <- sendResult{err: conn.SendBatch(q.bodies, compress)}
		} else {
			call, err := conn.SendRequest(q.req, q.twoway, compress)
			q.result <- sendResult{call: call, err: err}
		}
	}
	if h.shared {
		h.factory.remove(h)
	}
	close(h.done)
	h.factory.logger.Debugf("connection for %s established: %s", h.ref, conn)
}

func (h *ConnectHandler) fail(err error) {
	if h.shared {
		h.factory.remove(h)
	}
	h.lock.Lock()
	h.err = err
	h.flushed = true
	q := h.queue
	h.queue, h.caches = nil, nil
	h.lock.Unlock()
	for _, r := range q {
		r.result <- sendResult{err: err}
	}
	close(h.done)
	h.factory.logger.Debugf("cannot establish connection for %s: %v", h.ref, err)
}

// enqueue queues r and reports false when the handler is already settled.
func (h *ConnectHandler) enqueue(r *queued) bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.flushed {
		return false
	}
	h.queue = append(h.queue, r)
	return true
}

func (h *ConnectHandler) settled() (*connection.Connection, bool, error) {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.conn, h.compress, h.err
}

// dequeue removes r from the queue. It returns false when r was already
// taken by the flush.
func (h *ConnectHandler) dequeue(r *queued) bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	for i, q := range h.queue {
		if q == r {
			h.queue = append(h.queue[:i], h.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (h *ConnectHandler) wait(ctx context.Context, r *queued) sendResult {
	select {
	case res := <-r.result:
		return res
	case <-ctx.Done():
		if h.dequeue(r) {
			return sendResult{err: ctx.Err()}
		}
		return <-r.result
	}
}

func (h *ConnectHandler) Send(ctx context.Context, req *protocol.Request, twoway bool) (Call, error) {
	r := &queued{req: req, twoway: twoway, result: make(chan sendResult, 1)}
	if !h.enqueue(r) {
		conn, compress, err := h.settled()
		if err != nil {
			return nil, err
		}
		return send(conn, req, twoway, compress)
	}
	res := h.wait(ctx, r)
	if res.err != nil {
		return nil, res.err
	}
	return res.call, nil
}

func (h *ConnectHandler) SendBatch(ctx context.Context, bodies [][]byte) error {
	r := &queued{bodies: bodies, batch: true, result: make(chan sendResult, 1)}
	if !h.enqueue(r) {
		conn, compress, err := h.settled()
		if err != nil {
			return err
		}
		return conn.SendBatch(bodies, compress)
	}
	return h.wait(ctx, r).err
}

func (h *ConnectHandler) Connection(ctx context.Context) (*connection.Connection, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		conn, _, err := h.settled()
		return conn, err
	}
}

// queuedLen returns the number of requests waiting for the connection.
func (h *ConnectHandler) queuedLen() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.queue)
}
