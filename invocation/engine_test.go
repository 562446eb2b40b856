package invocation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/PwzXxm/ice-lite/connection"
	"github.com/PwzXxm/ice-lite/endpoint"
	"github.com/PwzXxm/ice-lite/locator"
	"github.com/PwzXxm/ice-lite/metrics"
	"github.com/PwzXxm/ice-lite/protocol"
	"github.com/PwzXxm/ice-lite/reference"
	"github.com/PwzXxm/ice-lite/reqhandler"
	"github.com/PwzXxm/ice-lite/router"
	"github.com/PwzXxm/ice-lite/rpcerr"
	"github.com/PwzXxm/ice-lite/transport"
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var refs = reference.NewFactory(reference.DefaultDefaults)

type fakeCall struct {
	sent  bool
	reply *protocol.Reply
	err   error
	block bool
}

func (c *fakeCall) Sent() bool {
	return c.sent
}

func (c *fakeCall) Wait(ctx context.Context) (*protocol.Reply, error) {
	if c.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return c.reply, c.err
}

// outcome is the result of one attempt: a send error or a call.
type outcome struct {
	sendErr error
	call    *fakeCall
}

// fakeProxy plays the handler cache of a proxy. Attempts consume the
// script; the last outcome repeats.
type fakeProxy struct {
	mu       sync.Mutex
	ref      *reference.Reference
	script   []outcome
	attempts int
	clears   int
	batches  [][][]byte
	batchErr error
}

func (p *fakeProxy) Reference() *reference.Reference {
	return p.ref
}

func (p *fakeProxy) Get() reqhandler.Handler {
	return &fakeHandler{p}
}

func (p *fakeProxy) Clear(previous reqhandler.Handler) {
	p.mu.Lock()
	p.clears++
	p.mu.Unlock()
}

func (p *fakeProxy) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

type fakeHandler struct {
	p *fakeProxy
}

func (h *fakeHandler) Send(ctx context.Context, req *protocol.Request, twoway bool) (reqhandler.Call, error) {
	h.p.mu.Lock()
	h.p.attempts++
	i := h.p.attempts - 1
	if i >= len(h.p.script) {
		i = len(h.p.script) - 1
	}
	o := h.p.script[i]
	h.p.mu.Unlock()
	if o.sendErr != nil {
		return nil, o.sendErr
	}
	return o.call, nil
}

func (h *fakeHandler) SendBatch(ctx context.Context, bodies [][]byte) error {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	h.p.batches = append(h.p.batches, bodies)
	return h.p.batchErr
}

func (h *fakeHandler) Connection(ctx context.Context) (*connection.Connection, error) {
	return nil, nil
}

func ok() outcome {
	return outcome{call: &fakeCall{sent: true, reply: &protocol.Reply{Status: protocol.ReplyOK}}}
}

func failSend(err error) outcome {
	return outcome{sendErr: err}
}

func failAfterSend(err error) outcome {
	return outcome{call: &fakeCall{sent: true, err: err}}
}

func notExist(op string) outcome {
	return outcome{call: &fakeCall{sent: true, reply: &protocol.Reply{
		Status:    protocol.ReplyObjectNotExist,
		Identity:  protocol.Identity{Name: "hello"},
		Operation: op,
	}}}
}

func ms(v ...int) []time.Duration {
	var out []time.Duration
	for _, m := range v {
		out = append(out, time.Duration(m)*time.Millisecond)
	}
	return out
}

func call(op string) *Request {
	return &Request{Operation: op, Params: protocol.EmptyEncaps(protocol.Encoding_1_1)}
}

// drive advances mock until done is closed.
func drive(mock *clock.Mock, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
			mock.Add(time.Millisecond)
		}
	}
}

func TestRetrySchedule(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	mock := clock.NewMock()
	m := metrics.New(nil, "test")
	e := NewEngine(Options{
		Logger:         logrus.NewEntry(logger),
		Clock:          mock,
		Metrics:        m,
		RetryIntervals: ms(0, 10, 100),
		TraceRetry:     true,
	})
	lost := rpcerr.New(rpcerr.ConnectFailed, "unreachable")
	p := &fakeProxy{ref: refs.MustParse("hello:tcp -h h1 -p 1000"), script: []outcome{failSend(lost)}}

	done := make(chan struct{})
	go drive(mock, done)
	_, err := e.Invoke(context.Background(), p, call("op"))
	close(done)

	assert.Same(t, lost, err, "the last error is returned unchanged")
	assert.Equal(t, 4, p.count())
	assert.Equal(t, 4, p.clears)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Retries))

	var delays []time.Duration
	for _, entry := range hook.AllEntries() {
		if d, ok := entry.Data["delay"]; ok {
			delays = append(delays, d.(time.Duration))
		}
	}
	assert.Equal(t, ms(0, 10, 100), delays)
}

func TestRetrySucceeds(t *testing.T) {
	e := NewEngine(Options{RetryIntervals: ms(0, 0)})
	p := &fakeProxy{
		ref:    refs.MustParse("hello:tcp -h h1 -p 1000"),
		script: []outcome{failSend(rpcerr.New(rpcerr.ConnectionRefused, "")), ok()},
	}
	reply, err := e.Invoke(context.Background(), p, call("op"))
	require.NoError(t, err)
	assert.Equal(t, protocol.ReplyOK, reply.Status)
	assert.Equal(t, 2, p.count())
}

func TestNeverRetry(t *testing.T) {
	e := NewEngine(Options{RetryIntervals: RetryIntervals([]int{-1, 10})})
	p := &fakeProxy{ref: refs.MustParse("hello:tcp -h h1 -p 1000"), script: []outcome{failSend(rpcerr.New(rpcerr.ConnectFailed, ""))}}
	_, err := e.Invoke(context.Background(), p, call("op"))
	assert.True(t, rpcerr.Is(err, rpcerr.ConnectFailed))
	assert.Equal(t, 1, p.count())
}

func TestErrorsThatAreNeverRetried(t *testing.T) {
	cases := map[string]error{
		"marshal":     protocol.NewMarshalError("message too large"),
		"destroyed":   rpcerr.New(rpcerr.CommunicatorDestroyed, ""),
		"deactivated": rpcerr.New(rpcerr.ObjectAdapterDeactivated, ""),
		"aborted":     rpcerr.New(rpcerr.ConnectionAborted, "connection closed gracefully"),
		"timeout":     rpcerr.New(rpcerr.InvocationTimeout, ""),
		"canceled":    rpcerr.New(rpcerr.InvocationCanceled, ""),
		"plain":       errors.New("not a middleware error"),
	}
	for name, cause := range cases {
		t.Run(name, func(t *testing.T) {
			e := NewEngine(Options{RetryIntervals: ms(0, 0, 0)})
			p := &fakeProxy{ref: refs.MustParse("hello:tcp -h h1 -p 1000"), script: []outcome{failSend(cause)}}
			_, err := e.Invoke(context.Background(), p, call("op"))
			assert.Same(t, cause, err)
			assert.Equal(t, 1, p.count())
		})
	}
}

func TestDispatchErrorsSurface(t *testing.T) {
	e := NewEngine(Options{RetryIntervals: ms(0, 0, 0)})
	p := &fakeProxy{ref: refs.MustParse("hello:tcp -h h1 -p 1000"), script: []outcome{{call: &fakeCall{
		sent:  true,
		reply: &protocol.Reply{Status: protocol.ReplyOperationNotExist, Identity: protocol.Identity{Name: "hello"}, Operation: "op"},
	}}}}
	_, err := e.Invoke(context.Background(), p, call("op"))
	var de *rpcerr.DispatchError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, protocol.ReplyOperationNotExist, de.Status)
	assert.Equal(t, 1, p.count())

	// a direct proxy does not retry ObjectNotExist either
	p = &fakeProxy{ref: refs.MustParse("hello:tcp -h h1 -p 1000"), script: []outcome{notExist("op")}}
	_, err = e.Invoke(context.Background(), p, call("op"))
	_, isNotExist := rpcerr.IsObjectNotExist(err)
	assert.True(t, isNotExist)
	assert.Equal(t, 1, p.count())
}

func TestUserExceptionIsAReply(t *testing.T) {
	e := NewEngine(Options{RetryIntervals: ms(0)})
	p := &fakeProxy{ref: refs.MustParse("hello:tcp -h h1 -p 1000"), script: []outcome{{call: &fakeCall{
		sent:  true,
		reply: &protocol.Reply{Status: protocol.ReplyUserException},
	}}}}
	reply, err := e.Invoke(context.Background(), p, call("op"))
	require.NoError(t, err)
	assert.Equal(t, protocol.ReplyUserException, reply.Status)
}

func TestAtMostOnce(t *testing.T) {
	lost := rpcerr.New(rpcerr.ConnectionLost, "")
	e := NewEngine(Options{RetryIntervals: ms(0, 0)})

	p := &fakeProxy{ref: refs.MustParse("hello:tcp -h h1 -p 1000"), script: []outcome{failAfterSend(lost), ok()}}
	_, err := e.Invoke(context.Background(), p, call("op"))
	assert.Same(t, lost, err, "a sent normal request may have executed")
	assert.Equal(t, 1, p.count())

	for _, mode := range []protocol.OperationMode{protocol.Idempotent, protocol.Nonmutating} {
		p = &fakeProxy{ref: refs.MustParse("hello:tcp -h h1 -p 1000"), script: []outcome{failAfterSend(lost), ok()}}
		r := call("op")
		r.Mode = mode
		_, err = e.Invoke(context.Background(), p, r)
		assert.NoError(t, err)
		assert.Equal(t, 2, p.count())
	}
}

func TestCloseConnectionRetriedPastBudget(t *testing.T) {
	closed := rpcerr.New(rpcerr.CloseConnection, "")

	e := NewEngine(Options{})
	p := &fakeProxy{ref: refs.MustParse("hello:tcp -h h1 -p 1000"), script: []outcome{failAfterSend(closed), ok()}}
	_, err := e.Invoke(context.Background(), p, call("op"))
	require.NoError(t, err)
	assert.Equal(t, 2, p.count())

	p = &fakeProxy{ref: refs.MustParse("hello:tcp -h h1 -p 1000"), script: []outcome{failAfterSend(closed)}}
	_, err = e.Invoke(context.Background(), p, call("op"))
	assert.Same(t, closed, err)
	assert.Equal(t, 2, p.count())

	e = NewEngine(Options{RetryIntervals: ms(0)})
	p = &fakeProxy{ref: refs.MustParse("hello:tcp -h h1 -p 1000"), script: []outcome{failAfterSend(closed)}}
	_, err = e.Invoke(context.Background(), p, call("op"))
	assert.Same(t, closed, err)
	assert.Equal(t, 3, p.count())
}

type fakeRouter struct{}

func (fakeRouter) ClientProxy(ctx context.Context) (*reference.Reference, error) {
	return nil, nil
}

func (fakeRouter) AddProxies(ctx context.Context, proxies []*reference.Reference) ([]*reference.Reference, error) {
	return nil, nil
}

func TestAddProxyRetryIsUncounted(t *testing.T) {
	routers := router.NewManager(func(*reference.Reference) router.Router { return fakeRouter{} }, nil)
	routerRef := refs.MustParse("Glacier2/router:tcp -h gw -p 4063")
	ref, err := refs.MustParse("hello:tcp -h h1 -p 1000").WithRouter(routerRef)
	require.NoError(t, err)
	e := NewEngine(Options{Routers: routers})

	script := []outcome{}
	for i := 0; i < 5; i++ {
		script = append(script, notExist(router.AddProxyOperation))
	}
	p := &fakeProxy{ref: ref, script: append(script, ok())}
	_, err = e.Invoke(context.Background(), p, call("op"))
	require.NoError(t, err)
	assert.Equal(t, 6, p.count())

	// the uncounted retries are still bounded
	e = NewEngine(Options{Routers: routers, AddProxyRetries: 3})
	p = &fakeProxy{ref: ref, script: []outcome{notExist(router.AddProxyOperation)}}
	_, err = e.Invoke(context.Background(), p, call("op"))
	_, isNotExist := rpcerr.IsObjectNotExist(err)
	assert.True(t, isNotExist)
	assert.Equal(t, 4, p.count())

	// without a router the same error is not special
	p = &fakeProxy{ref: refs.MustParse("hello:tcp -h h1 -p 1000"), script: []outcome{notExist(router.AddProxyOperation), ok()}}
	_, err = e.Invoke(context.Background(), p, call("op"))
	assert.Error(t, err)
	assert.Equal(t, 1, p.count())
}

type fakeLocator struct{}

func (fakeLocator) FindObjectByID(ctx context.Context, id protocol.Identity) (*reference.Reference, error) {
	return nil, new(locator.ObjectNotFound)
}

func (fakeLocator) FindAdapterByID(ctx context.Context, id string) (*reference.Reference, error) {
	return refs.MustParse("dummy:tcp -h h1 -p 1000"), nil
}

func TestObjectNotExistOnIndirectReference(t *testing.T) {
	locators := locator.NewManager(func(*reference.Reference) locator.Locator { return fakeLocator{} }, locator.Options{})
	locRef := refs.MustParse("Ice/Locator:tcp -h registry -p 4061")
	ref, err := refs.MustParse("hello @ Hello").WithLocator(locRef)
	require.NoError(t, err)
	info := locators.Get(locRef)
	_, _, err = info.Endpoints(context.Background(), ref, -1)
	require.NoError(t, err)

	e := NewEngine(Options{Locators: locators, RetryIntervals: ms(0)})
	p := &fakeProxy{ref: ref, script: []outcome{notExist("op"), ok()}}
	_, err = e.Invoke(context.Background(), p, call("op"))
	require.NoError(t, err)
	assert.Equal(t, 2, p.count())
	adapters, _ := info.Table().Len()
	assert.Zero(t, adapters, "the stale entry is gone")

	// counted against the budget
	e = NewEngine(Options{Locators: locators})
	p = &fakeProxy{ref: ref, script: []outcome{notExist("op"), ok()}}
	_, err = e.Invoke(context.Background(), p, call("op"))
	assert.Error(t, err)
	assert.Equal(t, 1, p.count())
}

func TestInvocationTimeout(t *testing.T) {
	mock := clock.NewMock()
	e := NewEngine(Options{Clock: mock, RetryIntervals: ms(0, 0)})
	ref := refs.MustParse("hello:tcp -h h1 -p 1000").WithInvocationTimeout(50)
	p := &fakeProxy{ref: ref, script: []outcome{{call: &fakeCall{sent: true, block: true}}}}

	done := make(chan struct{})
	go drive(mock, done)
	_, err := e.Invoke(context.Background(), p, call("op"))
	close(done)
	assert.True(t, rpcerr.Is(err, rpcerr.InvocationTimeout), "err is %v", err)
	assert.Equal(t, 1, p.count())
}

func TestInvocationTimeoutBoundsRetries(t *testing.T) {
	mock := clock.NewMock()
	e := NewEngine(Options{Clock: mock, RetryIntervals: ms(1000, 1000)})
	ref := refs.MustParse("hello:tcp -h h1 -p 1000").WithInvocationTimeout(100)
	p := &fakeProxy{ref: ref, script: []outcome{failSend(rpcerr.New(rpcerr.ConnectFailed, ""))}}

	done := make(chan struct{})
	go drive(mock, done)
	_, err := e.Invoke(context.Background(), p, call("op"))
	close(done)
	assert.True(t, rpcerr.Is(err, rpcerr.InvocationTimeout), "err is %v", err)
	assert.Equal(t, 1, p.count())
}

func TestInvocationCanceled(t *testing.T) {
	e := NewEngine(Options{RetryIntervals: ms(0)})
	p := &fakeProxy{ref: refs.MustParse("hello:tcp -h h1 -p 1000"), script: []outcome{{call: &fakeCall{sent: true, block: true}}}}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := e.Invoke(ctx, p, call("op"))
	assert.True(t, rpcerr.Is(err, rpcerr.InvocationCanceled), "err is %v", err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, p.count())
}

func TestOneway(t *testing.T) {
	e := NewEngine(Options{})
	ref := refs.MustParse("hello -o:tcp -h h1 -p 1000")
	p := &fakeProxy{ref: ref, script: []outcome{{call: &fakeCall{sent: true}}}}
	reply, err := e.Invoke(context.Background(), p, call("op"))
	require.NoError(t, err)
	assert.Nil(t, reply)

	p = &fakeProxy{ref: ref.WithMode(reference.BatchOneway), script: []outcome{ok()}}
	_, err = e.Invoke(context.Background(), p, call("op"))
	assert.Error(t, err)
	assert.Zero(t, p.count())
}

func TestBatchIsNeverRetried(t *testing.T) {
	e := NewEngine(Options{RetryIntervals: ms(0, 0, 0)})
	ref := refs.MustParse("hello -O:tcp -h h1 -p 1000")
	p := &fakeProxy{ref: ref, script: []outcome{ok()}}
	q := NewBatchQueue(0)
	for i := 0; i < 3; i++ {
		assert.False(t, q.Add(ref, call("op")))
	}
	require.NoError(t, e.Flush(context.Background(), p, q))
	require.Len(t, p.batches, 1)
	assert.Len(t, p.batches[0], 3)
	assert.Zero(t, q.Len())
	assert.NoError(t, e.Flush(context.Background(), p, q), "nothing to flush")
	assert.Len(t, p.batches, 1)

	p.batchErr = rpcerr.New(rpcerr.ConnectionLost, "")
	q.Add(ref, call("op"))
	err := e.Flush(context.Background(), p, q)
	assert.True(t, rpcerr.Is(err, rpcerr.ConnectionLost))
	assert.Len(t, p.batches, 2, "one attempt only")
	assert.Zero(t, q.Len())
	assert.Equal(t, 1, p.clears)
}

func TestBatchAutoFlushSize(t *testing.T) {
	ref := refs.MustParse("hello -O:tcp -h h1 -p 1000")
	q := NewBatchQueue(100)
	full := false
	n := 0
	for !full {
		full = q.Add(ref, call("operation"))
		n++
	}
	assert.Greater(t, n, 1)
	assert.Equal(t, n, q.Len())
}

func TestRetryIntervals(t *testing.T) {
	assert.Empty(t, RetryIntervals([]int{-1}))
	assert.Equal(t, ms(0, 10, 100), RetryIntervals([]int{0, 10, 100}))
}

func TestRetryThroughConnectionStack(t *testing.T) {
	n := transport.NewMemNetwork()
	defer n.Shutdown()
	l, err := n.Listen(endpoint.NewMem("srv", 5000, false))
	require.NoError(t, err)
	acc := connection.NewAcceptor(l, connection.Options{Dispatcher: connection.DispatcherFunc(
		func(ctx context.Context, c *connection.Connection, req *protocol.Request) (protocol.Encaps, error) {
			return req.Params, nil
		})})
	go acc.Serve(context.Background())
	defer acc.Close(context.Background())

	var mu sync.Mutex
	failures := 1
	n.SetDialHook(func(ctx context.Context, name string) error {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return errors.New("network unreachable")
		}
		return nil
	})

	reg := transport.NewRegistry(n)
	conns := connection.NewFactory(reg, connection.Options{})
	defer conns.Destroy(context.Background())
	handlers := reqhandler.NewFactory(&reqhandler.Binder{Connections: conns, Transports: reg}, nil)
	defer handlers.Destroy()
	cache := reqhandler.NewCache(handlers, refs.MustParse("obj:mem -h srv"))

	e := NewEngine(Options{RetryIntervals: ms(0)})
	r := call("echo")
	r.Params = protocol.Encaps{Encoding: protocol.Encoding_1_1, Data: []byte{1, 2, 3}}
	reply, err := e.Invoke(context.Background(), cache, r)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, reply.Payload.Data)
	assert.Equal(t, 2, n.Dials("srv"))
}
