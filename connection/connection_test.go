package connection

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/PwzXxm/ice-lite/endpoint"
	"github.com/PwzXxm/ice-lite/metrics"
	"github.com/PwzXxm/ice-lite/protocol"
	"github.com/PwzXxm/ice-lite/rpcerr"
	"github.com/PwzXxm/ice-lite/transport"
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

var echo = DispatcherFunc(func(ctx context.Context, c *Connection, req *protocol.Request) (protocol.Encaps, error) {
	return req.Params, nil
})

func request(op string, data []byte) *protocol.Request {
	return &protocol.Request{
		Identity:  protocol.Identity{Name: "obj"},
		Operation: op,
		Params:    protocol.Encaps{Encoding: protocol.Encoding_1_1, Data: data},
	}
}

type env struct {
	net *transport.MemNetwork
	reg *transport.Registry
	ep  endpoint.Endpoint
	acc *Acceptor
}

func newEnv(t *testing.T, server Options) *env {
	n := transport.NewMemNetwork()
	l, err := n.Listen(endpoint.NewMem("srv", 5000, false))
	require.NoError(t, err)
	a := NewAcceptor(l, server)
	go a.Serve(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		a.Close(ctx)
		n.Shutdown()
	})
	return &env{net: n, reg: transport.NewRegistry(n), ep: l.Endpoint(), acc: a}
}

func (e *env) dial(t *testing.T, opts Options) *Connection {
	tr, err := e.reg.Dial(e.ep)
	require.NoError(t, err)
	c := New(tr, false, opts)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Abort)
	return c
}

// rawPeer is the accepting side of a connection driven by hand.
type rawPeer struct {
	tr   transport.Transceiver
	msgs chan []byte
}

func newRawPeer(t *testing.T) (*rawPeer, *Connection) {
	n := transport.NewMemNetwork()
	l, err := n.Listen(endpoint.NewMem("raw", 5000, false))
	require.NoError(t, err)
	t.Cleanup(n.Shutdown)
	accepted := make(chan transport.Transceiver, 1)
	go func() {
		tr, err := l.Accept()
		if err != nil {
			return
		}
		tr.Write(protocol.ValidateConnectionMessage())
		accepted <- tr
	}()
	tr, err := n.Dial(l.Endpoint())
	require.NoError(t, err)
	c := New(tr, false, Options{})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Abort)

	p := &rawPeer{tr: <-accepted, msgs: make(chan []byte, 16)}
	go func() {
		for {
			header := make([]byte, protocol.HeaderSize)
			if _, err := io.ReadFull(p.tr, header); err != nil {
				close(p.msgs)
				return
			}
			h, _ := protocol.DecodeHeader(header)
			msg := make([]byte, h.Size)
			copy(msg, header)
			if _, err := io.ReadFull(p.tr, msg[protocol.HeaderSize:]); err != nil {
				close(p.msgs)
				return
			}
			p.msgs <- msg
		}
	}()
	return p, c
}

func (p *rawPeer) reply(t *testing.T, id int32) {
	_, err := p.tr.Write(protocol.EncodeReply(&protocol.Reply{
		ID:      id,
		Status:  protocol.ReplyOK,
		Payload: protocol.EmptyEncaps(protocol.Encoding_1_1),
	}))
	require.NoError(t, err)
}

func TestValidation(t *testing.T) {
	e := newEnv(t, Options{Dispatcher: echo})
	c := e.dial(t, Options{})
	assert.Equal(t, StateActive, c.State())
	assert.False(t, c.Incoming())
	require.Eventually(t, func() bool {
		conns := e.acc.Connections()
		return len(conns) == 1 && conns[0].Active()
	}, waitFor, 5*time.Millisecond)
}

func TestValidationRejectsOtherMessages(t *testing.T) {
	n := transport.NewMemNetwork()
	defer n.Shutdown()
	l, _ := n.Listen(endpoint.NewMem("bad", 5000, false))
	go func() {
		tr, err := l.Accept()
		if err == nil {
			tr.Write(protocol.CloseConnectionMessage())
		}
	}()
	tr, _ := n.Dial(l.Endpoint())
	c := New(tr, false, Options{})
	err := c.Start(context.Background())
	var perr *protocol.ProtocolError
	require.True(t, errors.As(err, &perr), "err is %v", err)
	assert.Equal(t, StateFailed, c.State())
}

func validateTraces(hook *logtest.Hook) int {
	n := 0
	for _, e := range hook.AllEntries() {
		if e.Message == "received validate connection" {
			n++
		}
	}
	return n
}

func TestValidationTrace(t *testing.T) {
	for _, tc := range []struct {
		name  string
		msg   []byte
		trace int
	}{
		{"valid", protocol.ValidateConnectionMessage(), 1},
		{"close", protocol.CloseConnectionMessage(), 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			n := transport.NewMemNetwork()
			defer n.Shutdown()
			l, err := n.Listen(endpoint.NewMem("trace", 5000, false))
			require.NoError(t, err)
			go func() {
				tr, err := l.Accept()
				if err == nil {
					tr.Write(tc.msg)
				}
			}()
			logger, hook := logtest.NewNullLogger()
			logger.SetLevel(logrus.TraceLevel)
			tr, err := n.Dial(l.Endpoint())
			require.NoError(t, err)
			c := New(tr, false, Options{Logger: logrus.NewEntry(logger), TraceProtocol: 1})
			defer c.Abort()
			err = c.Start(context.Background())
			assert.Equal(t, tc.trace == 1, err == nil, "err is %v", err)
			assert.Equal(t, tc.trace, validateTraces(hook))
		})
	}
}

func TestTwoway(t *testing.T) {
	e := newEnv(t, Options{Dispatcher: echo})
	c := e.dial(t, Options{})
	call, err := c.SendRequest(request("echo", []byte("hello")), true, false)
	require.NoError(t, err)
	assert.NotZero(t, call.ID())
	assert.True(t, call.Sent())
	r, err := call.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.ReplyOK, r.Status)
	assert.Equal(t, []byte("hello"), r.Payload.Data)
}

func TestDispatchErrors(t *testing.T) {
	e := newEnv(t, Options{})
	c := e.dial(t, Options{})
	call, err := c.SendRequest(request("echo", nil), true, false)
	require.NoError(t, err)
	r, err := call.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.ReplyObjectNotExist, r.Status)
	assert.Equal(t, "echo", r.Operation)
}

func TestOneway(t *testing.T) {
	got := make(chan *protocol.Request, 1)
	e := newEnv(t, Options{Dispatcher: DispatcherFunc(func(ctx context.Context, c *Connection, req *protocol.Request) (protocol.Encaps, error) {
		got <- req
		return protocol.Encaps{}, nil
	})})
	c := e.dial(t, Options{})
	call, err := c.SendRequest(request("notify", []byte{1}), false, false)
	require.NoError(t, err)
	assert.Zero(t, call.ID())
	select {
	case <-call.Done():
	default:
		t.Fatal("oneway call should be complete once written")
	}
	r, err := call.Wait(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, r)

	select {
	case req := <-got:
		assert.Zero(t, req.ID)
		assert.Equal(t, "notify", req.Operation)
	case <-time.After(waitFor):
		t.Fatal("request not dispatched")
	}
}

func TestRequestIDsUnique(t *testing.T) {
	release := make(chan struct{})
	e := newEnv(t, Options{Dispatcher: DispatcherFunc(func(ctx context.Context, c *Connection, req *protocol.Request) (protocol.Encaps, error) {
		<-release
		return req.Params, nil
	})})
	c := e.dial(t, Options{})

	ids := make(map[int32]bool)
	var calls []*Call
	for i := 0; i < 20; i++ {
		call, err := c.SendRequest(request("slow", []byte{byte(i)}), true, false)
		require.NoError(t, err)
		require.NotZero(t, call.ID())
		require.False(t, ids[call.ID()], "id %d reused", call.ID())
		ids[call.ID()] = true
		calls = append(calls, call)
	}
	close(release)
	for i, call := range calls {
		r, err := call.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, r.Payload.Data)
	}
}

func TestUnknownReplyFailsConnection(t *testing.T) {
	p, c := newRawPeer(t)
	call, err := c.SendRequest(request("op", nil), true, false)
	require.NoError(t, err)
	<-p.msgs
	p.reply(t, call.ID()+100)

	_, err = call.Wait(context.Background())
	assert.True(t, rpcerr.Is(err, rpcerr.ConnectionLost), "err is %v", err)
	var perr *protocol.ProtocolError
	assert.True(t, errors.As(c.Err(), &perr), "connection err is %v", c.Err())
	assert.Equal(t, StateFailed, c.State())
}

func TestCanceledReplyDiscarded(t *testing.T) {
	p, c := newRawPeer(t)
	call, err := c.SendRequest(request("op", nil), true, false)
	require.NoError(t, err)
	<-p.msgs

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = call.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	p.reply(t, call.ID())
	call2, err := c.SendRequest(request("op", nil), true, false)
	require.NoError(t, err)
	assert.NotEqual(t, call.ID(), call2.ID())
	<-p.msgs
	p.reply(t, call2.ID())
	_, err = call2.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateActive, c.State())
}

func TestCanceledIDsBounded(t *testing.T) {
	release := make(chan struct{})
	e := newEnv(t, Options{Dispatcher: DispatcherFunc(func(ctx context.Context, c *Connection, req *protocol.Request) (protocol.Encaps, error) {
		<-release
		return req.Params, nil
	})})
	t.Cleanup(func() { close(release) })
	c := e.dial(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var first int32
	for i := 0; i < canceledMax+10; i++ {
		call, err := c.SendRequest(request("slow", nil), true, false)
		require.NoError(t, err)
		if i == 0 {
			first = call.ID()
		}
		_, err = call.Wait(ctx)
		require.ErrorIs(t, err, context.Canceled)
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	assert.Equal(t, canceledMax, c.canceled.Len())
	assert.False(t, c.canceled.Contains(first))
	assert.Empty(t, c.pending)
}

func TestAbortFailsPending(t *testing.T) {
	p, c := newRawPeer(t)
	call, err := c.SendRequest(request("op", nil), true, false)
	require.NoError(t, err)
	<-p.msgs
	c.Abort()
	_, err = call.Wait(context.Background())
	assert.True(t, rpcerr.Is(err, rpcerr.ConnectionAborted), "err is %v", err)
	assert.Equal(t, StateFailed, c.State())

	_, err = c.SendRequest(request("op", nil), true, false)
	assert.Error(t, err)
}

func TestPeerGracefulClose(t *testing.T) {
	e := newEnv(t, Options{Dispatcher: echo})
	c := e.dial(t, Options{})
	require.Eventually(t, func() bool { return len(e.acc.Connections()) == 1 }, waitFor, 5*time.Millisecond)

	require.NoError(t, e.acc.Close(context.Background()))
	require.Eventually(t, func() bool { return c.State() == StateClosed }, waitFor, 5*time.Millisecond)
	assert.True(t, rpcerr.Is(c.Err(), rpcerr.CloseConnection), "err is %v", c.Err())
	_, err := c.SendRequest(request("op", nil), true, false)
	assert.True(t, rpcerr.Is(err, rpcerr.CloseConnection), "err is %v", err)
}

func TestGracefulCloseDrains(t *testing.T) {
	release := make(chan struct{})
	e := newEnv(t, Options{Dispatcher: DispatcherFunc(func(ctx context.Context, c *Connection, req *protocol.Request) (protocol.Encaps, error) {
		<-release
		return req.Params, nil
	})})
	c := e.dial(t, Options{})
	call, err := c.SendRequest(request("slow", []byte{7}), true, false)
	require.NoError(t, err)

	closed := make(chan error, 1)
	go func() { closed <- c.Close(context.Background()) }()
	require.Eventually(t, func() bool { return c.State() == StateClosing }, waitFor, 5*time.Millisecond)
	select {
	case <-closed:
		t.Fatal("close returned with a request outstanding")
	case <-time.After(50 * time.Millisecond):
	}
	_, err = c.SendRequest(request("late", nil), true, false)
	assert.Error(t, err)

	close(release)
	r, err := call.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{7}, r.Payload.Data)
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("close did not finish")
	}
	assert.Equal(t, StateClosed, c.State())
}

func TestCloseTimeout(t *testing.T) {
	_, c := newRawPeer(t)
	c.opts.CloseTimeout = 20 * time.Millisecond
	err := c.Close(context.Background())
	assert.True(t, rpcerr.Is(err, rpcerr.CloseTimeout), "err is %v", err)
	assert.Equal(t, StateFailed, c.State())
}

func TestCompression(t *testing.T) {
	e := newEnv(t, Options{Dispatcher: echo})
	m := metrics.New(prometheus.NewRegistry(), "client")
	c := e.dial(t, Options{Metrics: m})
	payload := bytes.Repeat([]byte("compressible "), 100)
	call, err := c.SendRequest(request("echo", payload), true, true)
	require.NoError(t, err)
	r, err := call.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, payload, r.Payload.Data)
	assert.Less(t, testutil.ToFloat64(m.BytesSent), float64(len(payload)))
	assert.Less(t, testutil.ToFloat64(m.BytesReceived), float64(len(payload)))
}

func TestMessageSizeMax(t *testing.T) {
	e := newEnv(t, Options{Dispatcher: echo, MessageSizeMax: 100})
	c := e.dial(t, Options{MessageSizeMax: 100})
	_, err := c.SendRequest(request("big", make([]byte, 200)), true, false)
	var merr *protocol.MarshalError
	assert.True(t, errors.As(err, &merr), "err is %v", err)
	assert.Equal(t, StateActive, c.State())

	unlimited := e.dial(t, Options{})
	call, err := unlimited.SendRequest(request("big", make([]byte, 200)), true, false)
	if err == nil {
		_, err = call.Wait(context.Background())
	}
	assert.True(t, rpcerr.Is(err, rpcerr.ConnectionLost), "err is %v", err)
}

func TestACMAbortsIdleConnection(t *testing.T) {
	e := newEnv(t, Options{Dispatcher: echo})
	mock := clock.NewMock()
	c := e.dial(t, Options{Clock: mock, ACM: ACM{Timeout: 10 * time.Second, Close: CloseOnIdleForceful}})
	require.Eventually(t, func() bool {
		mock.Add(5 * time.Second)
		return c.State() == StateFailed
	}, waitFor, 5*time.Millisecond)
	assert.True(t, rpcerr.Is(c.Err(), rpcerr.ConnectionTimeout), "err is %v", c.Err())
}

func TestACMClosesIdleConnection(t *testing.T) {
	e := newEnv(t, Options{Dispatcher: echo})
	mock := clock.NewMock()
	c := e.dial(t, Options{Clock: mock, ACM: ACM{Timeout: 10 * time.Second, Close: CloseOnIdle}})
	require.Eventually(t, func() bool {
		mock.Add(5 * time.Second)
		return c.State() == StateClosed
	}, waitFor, 5*time.Millisecond)
}

func TestACMHeartbeat(t *testing.T) {
	mock := clock.NewMock()
	e := newEnv(t, Options{Dispatcher: echo, Clock: mock, ACM: ACM{Timeout: 10 * time.Second, Heartbeat: HeartbeatAlways}})
	m := metrics.New(prometheus.NewRegistry(), "client")
	c := e.dial(t, Options{Metrics: m})
	require.Eventually(t, func() bool {
		mock.Add(5 * time.Second)
		return testutil.ToFloat64(m.BytesReceived) >= 2*protocol.HeaderSize
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, StateActive, c.State())
}

func TestBatch(t *testing.T) {
	var mu sync.Mutex
	var ops []string
	e := newEnv(t, Options{Dispatcher: DispatcherFunc(func(ctx context.Context, c *Connection, req *protocol.Request) (protocol.Encaps, error) {
		mu.Lock()
		ops = append(ops, req.Operation)
		mu.Unlock()
		return protocol.Encaps{}, nil
	})})
	c := e.dial(t, Options{})
	require.NoError(t, c.SendBatch([][]byte{
		protocol.EncodeBatchRequestBody(request("a", nil)),
		protocol.EncodeBatchRequestBody(request("b", nil)),
		protocol.EncodeBatchRequestBody(request("c", nil)),
	}, false))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ops) == 3
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, ops)
}

func TestFactoryReuse(t *testing.T) {
	e := newEnv(t, Options{Dispatcher: echo})
	f := NewFactory(e.reg, Options{})
	defer f.Destroy(context.Background())

	c1, compress, err := f.Create(context.Background(), []endpoint.Endpoint{e.ep})
	require.NoError(t, err)
	assert.False(t, compress)
	c2, compress, err := f.Create(context.Background(), []endpoint.Endpoint{e.ep.WithCompress(true)})
	require.NoError(t, err)
	assert.True(t, compress)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, e.net.Dials("srv"))

	other, _, err := f.Create(context.Background(), []endpoint.Endpoint{e.ep.WithConnectionID("x")})
	require.NoError(t, err)
	assert.NotSame(t, c1, other)
	assert.Len(t, f.Connections(), 2)
}

func TestFactoryCoalescesConnects(t *testing.T) {
	e := newEnv(t, Options{Dispatcher: echo})
	release := make(chan struct{})
	e.net.SetDialHook(func(ctx context.Context, name string) error {
		<-release
		return nil
	})
	f := NewFactory(e.reg, Options{})
	defer f.Destroy(context.Background())

	const n = 5
	conns := make([]*Connection, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, _, err := f.Create(context.Background(), []endpoint.Endpoint{e.ep})
			assert.NoError(t, err)
			conns[i] = c
		}(i)
	}
	require.Eventually(t, func() bool { return e.net.Dials("srv") == 1 }, waitFor, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	for _, c := range conns[1:] {
		assert.Same(t, conns[0], c)
	}
	assert.Equal(t, 1, e.net.Dials("srv"))
}

func TestFactoryFailover(t *testing.T) {
	e := newEnv(t, Options{Dispatcher: echo})
	f := NewFactory(e.reg, Options{})
	defer f.Destroy(context.Background())

	down := endpoint.NewMem("down", 5000, false)
	c, _, err := f.Create(context.Background(), []endpoint.Endpoint{down, e.ep})
	require.NoError(t, err)
	assert.True(t, endpoint.Equal(e.ep, c.Endpoint()))
	assert.Equal(t, 1, e.net.Dials("down"))

	_, _, err = f.Create(context.Background(), []endpoint.Endpoint{down})
	assert.True(t, rpcerr.Is(err, rpcerr.ConnectionRefused), "err is %v", err)
}

func TestFactoryDestroy(t *testing.T) {
	e := newEnv(t, Options{Dispatcher: echo})
	f := NewFactory(e.reg, Options{})
	c, _, err := f.Create(context.Background(), []endpoint.Endpoint{e.ep})
	require.NoError(t, err)
	require.NoError(t, f.Destroy(context.Background()))
	assert.Equal(t, StateClosed, c.State())
	assert.Empty(t, f.Connections())

	_, _, err = f.Create(context.Background(), []endpoint.Endpoint{e.ep})
	assert.True(t, rpcerr.Is(err, rpcerr.CommunicatorDestroyed), "err is %v", err)
}
