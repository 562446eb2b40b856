/*
 * Project: ice-lite
 * ---------------------
 * Authors:
 *   Minjian Chen 813534
 *   Shijie Liu   813277
 *   Weizhi Xu    752454
 *   Wenqing Xue  813044
 *   Zijun Chen   813190
 */

// Package connection multiplexes requests and replies over one transceiver.
//
// A connection goes through Initializing (transport connect), Validating
// (the accepting side sends a validate-connection message), Active,
// Closing (graceful: in-flight work drains, then close-connection is sent)
// and Closed. Failed is reachable from every state. Outgoing twoway
// requests get a non zero id that is unique among the outstanding ones;
// replies are matched back by that id.
package connection

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PwzXxm/ice-lite/endpoint"
	"github.com/PwzXxm/ice-lite/metrics"
	"github.com/PwzXxm/ice-lite/protocol"
	"github.com/PwzXxm/ice-lite/rpcerr"
	"github.com/PwzXxm/ice-lite/transport"
	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
)

// State of a connection.
type State int

const (
	StateInitializing State = iota
	StateValidating
	StateActive
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateValidating:
		return "validating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Dispatcher handles incoming requests. The returned payload becomes the
// reply of a twoway request; an error is mapped to a reply status.
type Dispatcher interface {
	Dispatch(ctx context.Context, c *Connection, req *protocol.Request) (protocol.Encaps, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, c *Connection, req *protocol.Request) (protocol.Encaps, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, c *Connection, req *protocol.Request) (protocol.Encaps, error) {
	return f(ctx, c, req)
}

// Options configure connections. Zero values select the defaults.
type Options struct {
	Logger  *logrus.Entry
	Clock   clock.Clock
	Metrics *metrics.Metrics

	ACM ACM
	// MessageSizeMax in bytes, 0 for no limit.
	MessageSizeMax   int
	CompressionLevel int
	// ConnectTimeout overrides the endpoint timeout when positive.
	ConnectTimeout time.Duration
	CloseTimeout   time.Duration

	TraceNetwork  int
	TraceProtocol int

	Dispatcher Dispatcher
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		l := logrus.New()
		l.SetOutput(ioutil.Discard)
		o.Logger = logrus.NewEntry(l)
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.CloseTimeout == 0 {
		o.CloseTimeout = 10 * time.Second
	}
	return o
}

// canceledMax bounds the request ids remembered after their caller gave up.
const canceledMax = 1024

type Connection struct {
	lock    deadlock.Mutex
	writeMu deadlock.Mutex

	tr       transport.Transceiver
	endpoint endpoint.Endpoint
	incoming bool
	opts     Options
	logger   *logrus.Entry

	state        State
	err          error
	closeErr     error
	nextID       int32
	pending      map[int32]*Call
	canceled     *lru.Cache[int32, struct{}]
	dispatcher   Dispatcher
	dispatches   int
	dispatchQ    []func()
	dispatching  bool
	lastActivity time.Time
	drained      chan struct{}
	done         chan struct{}
	onClose      []func(*Connection)

	ctx    context.Context
	cancel context.CancelFunc
}

// New wraps tr. The connection does no I/O until Start.
func New(tr transport.Transceiver, incoming bool, opts Options) *Connection {
	c := new(Connection)
	c.tr = tr
	c.endpoint = tr.Endpoint()
	c.incoming = incoming
	c.opts = opts.withDefaults()
	c.logger = c.opts.Logger.WithFields(logrus.Fields{
		"component": "connection",
		"endpoint":  c.endpoint.String(),
	})
	c.state = StateInitializing
	c.pending = make(map[int32]*Call)
	// lru.New only fails for a non positive size
	c.canceled, _ = lru.New[int32, struct{}](canceledMax)
	c.dispatcher = c.opts.Dispatcher
	c.done = make(chan struct{})
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

func (c *Connection) Endpoint() endpoint.Endpoint {
	return c.endpoint
}

func (c *Connection) Incoming() bool {
	return c.incoming
}

func (c *Connection) String() string {
	return c.tr.String()
}

func (c *Connection) State() State {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

// Active reports whether new requests can be sent.
func (c *Connection) Active() bool {
	return c.State() == StateActive
}

// Done is closed once the connection is Closed or Failed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection ended, nil while it is usable.
func (c *Connection) Err() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.err
}

// SetDispatcher installs the handler for requests arriving on this
// connection, which makes an outgoing connection bidirectional.
func (c *Connection) SetDispatcher(d Dispatcher) {
	c.lock.Lock()
	c.dispatcher = d
	c.lock.Unlock()
}

// OnClose registers f to run once when the connection ends.
func (c *Connection) OnClose(f func(*Connection)) {
	c.lock.Lock()
	if c.state >= StateClosed {
		c.lock.Unlock()
		f(c)
		return
	}
	c.onClose = append(c.onClose, f)
	c.lock.Unlock()
}

func (c *Connection) traceNetwork(format string, args ...interface{}) {
	if c.opts.TraceNetwork > 0 {
		c.logger.WithField("category", "Network").Debugf(format, args...)
	}
}

func (c *Connection) traceProtocol(format string, args ...interface{}) {
	if c.opts.TraceProtocol > 0 {
		c.logger.WithField("category", "Protocol").Tracef(format, args...)
	}
}

func (c *Connection) setState(s State) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state >= StateClosing {
		return c.stateErrorLocked()
	}
	c.state = s
	if s == StateActive {
		c.lastActivity = c.opts.Clock.Now()
	}
	return nil
}

// Start connects the transceiver and validates the connection. On success
// the connection is Active and reading.
func (c *Connection) Start(ctx context.Context) error {
	timeout := c.opts.ConnectTimeout
	if timeout <= 0 && c.endpoint.Timeout() > 0 {
		timeout = time.Duration(c.endpoint.Timeout()) * time.Millisecond
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := c.tr.Initialize(ctx); err != nil {
		c.fail(err)
		return err
	}
	if err := c.setState(StateValidating); err != nil {
		return err
	}
	if err := c.validate(ctx); err != nil {
		c.fail(err)
		return c.Err()
	}
	if err := c.setState(StateActive); err != nil {
		return err
	}
	c.opts.Metrics.ConnectionOpened(c.incoming)
	c.traceNetwork("established %s connection %s", direction(c.incoming), c.tr)
	go c.readLoop()
	if c.opts.ACM.Timeout > 0 {
		go c.monitor()
	}
	return nil
}

func direction(incoming bool) string {
	if incoming {
		return "incoming"
	}
	return "outgoing"
}

func (c *Connection) validate(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.tr.Close() })
	defer stop()
	var err error
	if c.incoming {
		c.traceProtocol("sending validate connection")
		err = c.write(protocol.ValidateConnectionMessage())
	} else {
		b := make([]byte, protocol.HeaderSize)
		if _, err = io.ReadFull(c.tr, b); err == nil {
			var h protocol.Header
			if h, err = protocol.DecodeHeader(b); err == nil {
				if h.Type != protocol.ValidateConnectionMsg {
					err = protocol.NewProtocolError("received %v message instead of validate connection", h.Type)
				} else if h.Size != protocol.HeaderSize {
					err = protocol.NewProtocolError("validate connection message has size %d", h.Size)
				} else {
					c.traceProtocol("received validate connection")
				}
			}
		}
	}
	if err != nil && ctx.Err() != nil {
		return rpcerr.Wrap(rpcerr.ConnectTimeout, ctx.Err(), "validating %s", c.endpoint)
	}
	return err
}

// stateErrorLocked is the error for a send on a connection that is not
// Active.
func (c *Connection) stateErrorLocked() error {
	switch {
	case c.err != nil:
		return c.err
	case c.closeErr != nil:
		return c.closeErr
	case c.state < StateActive:
		return rpcerr.New(rpcerr.ConnectionLost, "connection is %v", c.state)
	}
	return nil
}

func (c *Connection) touch() {
	now := c.opts.Clock.Now()
	c.lock.Lock()
	c.lastActivity = now
	c.lock.Unlock()
}

// write sends msg as is.
func (c *Connection) write(msg []byte) error {
	c.writeMu.Lock()
	_, err := c.tr.Write(msg)
	c.writeMu.Unlock()
	if err != nil {
		return err
	}
	c.opts.Metrics.Sent(len(msg))
	c.touch()
	return nil
}

// sendMessage checks the size limit, compresses when asked and writes msg.
// A write error fails the connection.
func (c *Connection) sendMessage(msg []byte, compress bool) error {
	if max := c.opts.MessageSizeMax; max > 0 && len(msg) > max {
		return protocol.NewMarshalError("message of %d bytes exceeds the limit of %d", len(msg), max)
	}
	if compress {
		if len(msg) >= protocol.CompressThreshold {
			z, err := protocol.CompressMessage(msg, c.opts.CompressionLevel)
			if err != nil {
				return err
			}
			if len(z) < len(msg) {
				msg = z
			} else {
				protocol.SetCompressStatus(msg, protocol.CompressReply)
			}
		} else {
			protocol.SetCompressStatus(msg, protocol.CompressReply)
		}
	}
	if c.opts.TraceProtocol > 0 {
		if h, err := protocol.DecodeHeader(msg); err == nil {
			c.traceProtocol("sending %v message, %d bytes, compression %d", h.Type, h.Size, h.Compress)
		}
	}
	if err := c.write(msg); err != nil {
		c.fail(err)
		c.lock.Lock()
		err = c.stateErrorLocked()
		c.lock.Unlock()
		return err
	}
	return nil
}

// allocIDLocked returns the next request id not used by an outstanding or
// canceled request.
func (c *Connection) allocIDLocked() int32 {
	for {
		if c.nextID == math.MaxInt32 {
			c.nextID = 0
		}
		c.nextID++
		if _, ok := c.pending[c.nextID]; ok {
			continue
		}
		if c.canceled.Contains(c.nextID) {
			continue
		}
		return c.nextID
	}
}

// SendRequest sends req. A twoway request is registered under a fresh id
// and its Call completes with the reply; a oneway request is written with
// id 0 and its Call completes once the write succeeded.
func (c *Connection) SendRequest(req *protocol.Request, twoway, compress bool) (*Call, error) {
	call := newCall(c)
	r := *req
	r.ID = 0
	c.lock.Lock()
	if c.state != StateActive {
		err := c.stateErrorLocked()
		c.lock.Unlock()
		return nil, err
	}
	if twoway {
		r.ID = c.allocIDLocked()
		call.id = r.ID
		c.pending[r.ID] = call
	}
	c.lock.Unlock()

	if err := c.sendMessage(protocol.EncodeRequest(&r), compress); err != nil {
		if twoway {
			c.lock.Lock()
			if c.pending[r.ID] == call {
				delete(c.pending, r.ID)
			}
			c.lock.Unlock()
		}
		return nil, err
	}
	atomic.StoreInt32(&call.sent, 1)
	if !twoway {
		call.complete(nil, nil)
	}
	return call, nil
}

// SendBatch sends the encoded bodies of batched requests in one message.
func (c *Connection) SendBatch(bodies [][]byte, compress bool) error {
	if len(bodies) == 0 {
		return nil
	}
	c.lock.Lock()
	if c.state != StateActive {
		err := c.stateErrorLocked()
		c.lock.Unlock()
		return err
	}
	c.lock.Unlock()
	return c.sendMessage(protocol.EncodeBatch(bodies), compress)
}

// forget drops call from the pending table; a late reply to it is
// discarded. Only the last canceledMax forgotten ids are remembered, a
// reply to an older one fails the connection as an unknown reply.
func (c *Connection) forget(call *Call) {
	c.lock.Lock()
	if c.pending[call.id] == call {
		delete(c.pending, call.id)
		c.canceled.Add(call.id, struct{}{})
		c.checkDrainedLocked()
	}
	c.lock.Unlock()
}

func (c *Connection) readMessage() ([]byte, protocol.Header, error) {
	header := make([]byte, protocol.HeaderSize)
	if _, err := io.ReadFull(c.tr, header); err != nil {
		return nil, protocol.Header{}, err
	}
	h, err := protocol.DecodeHeader(header)
	if err != nil {
		return nil, h, err
	}
	if err := protocol.CheckMessageSize(h.Size, c.opts.MessageSizeMax); err != nil {
		return nil, h, err
	}
	if (h.Type == protocol.ValidateConnectionMsg || h.Type == protocol.CloseConnectionMsg) && h.Size != protocol.HeaderSize {
		return nil, h, protocol.NewProtocolError("%v message has size %d", h.Type, h.Size)
	}
	msg := make([]byte, h.Size)
	copy(msg, header)
	if _, err := io.ReadFull(c.tr, msg[protocol.HeaderSize:]); err != nil {
		return nil, h, err
	}
	c.opts.Metrics.Received(len(msg))
	if h.Compress == protocol.Compressed {
		if msg, err = protocol.DecompressMessage(msg, c.opts.MessageSizeMax); err != nil {
			return nil, h, err
		}
	}
	c.touch()
	c.traceProtocol("received %v message, %d bytes, compression %d", h.Type, h.Size, h.Compress)
	return msg, h, nil
}

func (c *Connection) readLoop() {
	for {
		msg, h, err := c.readMessage()
		if err != nil {
			c.fail(err)
			return
		}
		switch h.Type {
		case protocol.ValidateConnectionMsg:
			// heartbeat
		case protocol.CloseConnectionMsg:
			c.traceNetwork("received close connection")
			c.fail(rpcerr.New(rpcerr.CloseConnection, "%s", c.endpoint))
			return
		case protocol.RequestMsg:
			req, err := protocol.DecodeRequest(protocol.MessageBody(msg))
			if err != nil {
				c.fail(err)
				return
			}
			c.enqueueDispatch([]*protocol.Request{req}, h.Compress)
		case protocol.BatchRequestMsg:
			reqs, err := protocol.DecodeBatch(protocol.MessageBody(msg))
			if err != nil {
				c.fail(err)
				return
			}
			c.enqueueDispatch(reqs, protocol.CompressNone)
		case protocol.ReplyMsg:
			if err := c.handleReply(msg); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

func (c *Connection) handleReply(msg []byte) error {
	r, err := protocol.DecodeReply(protocol.MessageBody(msg))
	if err != nil {
		return err
	}
	c.lock.Lock()
	call, ok := c.pending[r.ID]
	if ok {
		delete(c.pending, r.ID)
		c.checkDrainedLocked()
		c.lock.Unlock()
		call.complete(r, nil)
		return nil
	}
	canceled := c.canceled.Remove(r.ID)
	c.lock.Unlock()
	if canceled {
		c.traceProtocol("discarding reply to canceled request %d", r.ID)
		return nil
	}
	return protocol.NewProtocolError("received reply for unknown request id %d", r.ID)
}

// enqueueDispatch queues requests for the connection's dispatch worker.
// Requests of one connection are dispatched one at a time, in arrival
// order. Requests arriving after a graceful close started are ignored.
func (c *Connection) enqueueDispatch(reqs []*protocol.Request, compress protocol.CompressStatus) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state != StateActive {
		return
	}
	for _, req := range reqs {
		req := req
		c.dispatches++
		c.dispatchQ = append(c.dispatchQ, func() { c.dispatch(req, compress) })
	}
	if !c.dispatching {
		c.dispatching = true
		go c.dispatchWorker()
	}
}

func (c *Connection) dispatchWorker() {
	for {
		c.lock.Lock()
		if len(c.dispatchQ) == 0 {
			c.dispatching = false
			c.lock.Unlock()
			return
		}
		f := c.dispatchQ[0]
		c.dispatchQ[0] = nil
		c.dispatchQ = c.dispatchQ[1:]
		c.lock.Unlock()
		f()
		c.lock.Lock()
		c.dispatches--
		c.checkDrainedLocked()
		c.lock.Unlock()
	}
}

func (c *Connection) dispatch(req *protocol.Request, compress protocol.CompressStatus) {
	c.lock.Lock()
	d := c.dispatcher
	c.lock.Unlock()

	var payload protocol.Encaps
	var err error
	if d == nil {
		err = rpcerr.NewObjectNotExist(req.Identity, req.Facet, req.Operation)
	} else {
		payload, err = d.Dispatch(c.ctx, c, req)
	}

	enc := req.Params.Encoding
	if enc == (protocol.EncodingVersion{}) {
		enc = protocol.CurrentEncoding
	}
	reply := &protocol.Reply{ID: req.ID, Status: protocol.ReplyOK, Payload: payload}
	if err != nil {
		reply = rpcerr.ErrorReply(req.ID, enc, err)
		c.logger.WithField("operation", req.Operation).Debugf("dispatch failed: %v", err)
	}
	c.opts.Metrics.Dispatch(reply.Status.String())
	if req.ID == 0 {
		return
	}
	if reply.Payload.Encoding == (protocol.EncodingVersion{}) && !reply.Status.IsNotExist() {
		reply.Payload.Encoding = enc
	}
	if err := c.sendMessage(protocol.EncodeReply(reply), compress != protocol.CompressNone); err != nil {
		c.logger.Debugf("sending reply to request %d failed: %v", req.ID, err)
	}
}

// checkDrainedLocked signals a graceful close once no request is pending
// and no dispatch is running.
func (c *Connection) checkDrainedLocked() {
	if c.drained != nil && len(c.pending) == 0 && c.dispatches == 0 {
		select {
		case <-c.drained:
		default:
			close(c.drained)
		}
	}
}

// Close shuts the connection down gracefully: it waits for outstanding
// requests and dispatches, sends close-connection and waits for the peer
// to close the transport. When ctx or the close timeout expires first the
// connection is aborted with a close timeout.
func (c *Connection) Close(ctx context.Context) error {
	c.lock.Lock()
	switch {
	case c.state >= StateClosed:
		c.lock.Unlock()
		return nil
	case c.state < StateActive:
		c.lock.Unlock()
		c.fail(rpcerr.New(rpcerr.ConnectionAborted, "closed before validation"))
		return nil
	case c.state == StateActive:
		c.state = StateClosing
		c.closeErr = rpcerr.New(rpcerr.ConnectionAborted, "connection closed gracefully")
		c.drained = make(chan struct{})
		c.checkDrainedLocked()
	}
	drained := c.drained
	c.lock.Unlock()

	c.traceNetwork("closing connection")
	ctx, cancel := context.WithTimeout(ctx, c.opts.CloseTimeout)
	defer cancel()
	select {
	case <-drained:
	case <-c.done:
		return nil
	case <-ctx.Done():
		err := rpcerr.New(rpcerr.CloseTimeout, "%s", c.endpoint)
		c.abort(err)
		return err
	}
	if err := c.write(protocol.CloseConnectionMessage()); err != nil {
		c.fail(err)
		return nil
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		err := rpcerr.New(rpcerr.CloseTimeout, "%s", c.endpoint)
		c.abort(err)
		return err
	}
}

// Abort closes the connection at once. Outstanding requests fail with
// ConnectionAborted.
func (c *Connection) Abort() {
	c.abort(rpcerr.New(rpcerr.ConnectionAborted, "%s", c.endpoint))
}

func (c *Connection) abort(err error) {
	c.lock.Lock()
	c.closeErr = nil
	c.lock.Unlock()
	c.fail(err)
}

// fail moves the connection to its terminal state and fails every
// outstanding request. Only the first call has an effect.
func (c *Connection) fail(err error) {
	c.lock.Lock()
	if c.state >= StateClosed {
		c.lock.Unlock()
		return
	}
	if c.closeErr != nil {
		err = c.closeErr
	}
	graceful := c.closeErr != nil || rpcerr.Is(err, rpcerr.CloseConnection)
	prev := c.state
	if graceful {
		c.state = StateClosed
	} else {
		c.state = StateFailed
	}
	c.err = err
	pending := c.pending
	c.pending = make(map[int32]*Call)
	c.canceled.Purge()
	c.dispatchQ = nil
	hooks := c.onClose
	c.onClose = nil
	c.lock.Unlock()

	c.cancel()
	c.tr.Close()

	callErr := err
	var perr *protocol.ProtocolError
	var merr *protocol.MarshalError
	if errors.As(err, &perr) || errors.As(err, &merr) {
		callErr = rpcerr.Wrap(rpcerr.ConnectionLost, err, "protocol failure")
	}
	for _, call := range pending {
		call.complete(nil, callErr)
	}
	if prev >= StateActive {
		reason := "unknown"
		if k, ok := rpcerr.KindOf(callErr); ok {
			reason = k.String()
		}
		c.opts.Metrics.ConnectionClosed(reason)
	}
	if graceful {
		c.traceNetwork("connection closed: %v", err)
	} else if prev >= StateActive {
		c.logger.WithField("category", "Network").Debugf("connection failed: %v", err)
	}
	for _, f := range hooks {
		f(c)
	}
	close(c.done)
}

// Call is one request sent on a connection.
type Call struct {
	conn  *Connection
	id    int32
	sent  int32
	once  sync.Once
	done  chan struct{}
	reply *protocol.Reply
	err   error
}

func newCall(c *Connection) *Call {
	return &Call{conn: c, done: make(chan struct{})}
}

// ID is the request id, 0 for a oneway request.
func (call *Call) ID() int32 {
	return call.id
}

// Sent reports whether the request was written to the transport.
func (call *Call) Sent() bool {
	return atomic.LoadInt32(&call.sent) == 1
}

func (call *Call) Done() <-chan struct{} {
	return call.done
}

func (call *Call) complete(r *protocol.Reply, err error) {
	call.once.Do(func() {
		call.reply, call.err = r, err
		close(call.done)
	})
}

// Wait returns the reply, nil for a oneway request. When ctx ends first
// the connection forgets the request and ctx.Err() is returned; the peer
// may still execute it.
func (call *Call) Wait(ctx context.Context) (*protocol.Reply, error) {
	select {
	case <-call.done:
		return call.reply, call.err
	case <-ctx.Done():
		call.conn.forget(call)
		call.complete(nil, ctx.Err())
		<-call.done
		return call.reply, call.err
	}
}
