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

// Package invocation drives outgoing calls: it sends a request through the
// proxy's request handler, waits for the reply and decides after a failure
// whether the call is tried again.
package invocation

import (
	"context"
	"io/ioutil"
	"sync/atomic"
	"time"

	"github.com/PwzXxm/ice-lite/locator"
	"github.com/PwzXxm/ice-lite/metrics"
	"github.com/PwzXxm/ice-lite/protocol"
	"github.com/PwzXxm/ice-lite/reference"
	"github.com/PwzXxm/ice-lite/reqhandler"
	"github.com/PwzXxm/ice-lite/router"
	"github.com/PwzXxm/ice-lite/rpcerr"
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultAddProxyRetries bounds the retries of a call whose router keeps
// forgetting the proxy.
const DefaultAddProxyRetries = 10

// Handlers is the request handler cache of a proxy.
type Handlers interface {
	Reference() *reference.Reference
	Get() reqhandler.Handler
	Clear(previous reqhandler.Handler)
}

type Options struct {
	Logger  *logrus.Entry
	Clock   clock.Clock
	Metrics *metrics.Metrics
	// RetryIntervals is the delay before each retry; its length is the
	// retry budget.
	RetryIntervals []time.Duration
	Locators       *locator.Manager
	Routers        *router.Manager
	// AddProxyRetries bounds the retries that do not count against the
	// budget. Zero means DefaultAddProxyRetries.
	AddProxyRetries int
	TraceRetry      bool
}

// RetryIntervals converts a schedule in milliseconds. A first entry of -1
// disables retries.
func RetryIntervals(ms []int) []time.Duration {
	if len(ms) > 0 && ms[0] == -1 {
		return nil
	}
	out := make([]time.Duration, 0, len(ms))
	for _, m := range ms {
		if m < 0 {
			m = 0
		}
		out = append(out, time.Duration(m)*time.Millisecond)
	}
	return out
}

type Engine struct {
	opts   Options
	logger *logrus.Entry
	clock  clock.Clock
}

func NewEngine(opts Options) *Engine {
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(ioutil.Discard)
		opts.Logger = logrus.NewEntry(l)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.AddProxyRetries <= 0 {
		opts.AddProxyRetries = DefaultAddProxyRetries
	}
	return &Engine{
		opts:   opts,
		logger: opts.Logger.WithField("component", "invocation"),
		clock:  opts.Clock,
	}
}

// Request is one logical call.
type Request struct {
	Operation string
	Mode      protocol.OperationMode
	// Context replaces the reference's context when not nil.
	Context map[string]string
	Params  protocol.Encaps
}

// attempt is the state of a call across retries.
type attempt struct {
	cnt      int
	addProxy int
}

// Invoke sends r on the proxy behind h. A twoway call returns the reply,
// whose status is OK or UserException; dispatch failures are returned as
// *rpcerr.DispatchError. A oneway call returns a nil reply once sent.
func (e *Engine) Invoke(ctx context.Context, h Handlers, r *Request) (*protocol.Reply, error) {
	ref := h.Reference()
	if ref.Mode().IsBatch() {
		return nil, errors.Errorf("batch request %q must be queued", r.Operation)
	}
	req := &protocol.Request{
		Identity:  ref.Identity(),
		Facet:     ref.Facet(),
		Operation: r.Operation,
		Mode:      r.Mode,
		Context:   r.Context,
		Params:    r.Params,
	}
	if req.Context == nil {
		req.Context = ref.Context()
	}
	twoway := ref.IsTwoway()

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var expired int32
	if ms := ref.InvocationTimeout(); ms > 0 {
		t := e.clock.AfterFunc(time.Duration(ms)*time.Millisecond, func() {
			atomic.StoreInt32(&expired, 1)
			cancel()
		})
		defer t.Stop()
	}
	interrupted := func() error {
		cause := ctx.Err()
		if cause == nil {
			cause = context.DeadlineExceeded
		}
		if atomic.LoadInt32(&expired) == 1 || cause == context.DeadlineExceeded {
			return rpcerr.Wrap(rpcerr.InvocationTimeout, cause, "%s on %s", r.Operation, ref)
		}
		return rpcerr.Wrap(rpcerr.InvocationCanceled, cause, "%s on %s", r.Operation, ref)
	}

	var a attempt
	for {
		handler := h.Get()
		reply, sent, err := e.send(callCtx, handler, req, twoway)
		if err == nil {
			e.opts.Metrics.Invocation("ok")
			return reply, nil
		}
		if callCtx.Err() != nil {
			e.opts.Metrics.Invocation("interrupted")
			return nil, interrupted()
		}
		h.Clear(handler)

		delay, err := e.checkRetry(ref, r.Mode, err, sent, &a)
		if err != nil {
			e.opts.Metrics.Invocation("failed")
			return nil, err
		}
		e.opts.Metrics.Retry()
		if err := e.sleep(callCtx, delay); err != nil {
			e.opts.Metrics.Invocation("interrupted")
			return nil, interrupted()
		}
	}
}

// send makes one attempt. sent reports whether the request reached the
// transport before the failure.
func (e *Engine) send(ctx context.Context, h reqhandler.Handler, req *protocol.Request, twoway bool) (*protocol.Reply, bool, error) {
	call, err := h.Send(ctx, req, twoway)
	if err != nil {
		return nil, false, err
	}
	reply, err := call.Wait(ctx)
	if err != nil {
		return nil, call.Sent(), err
	}
	if reply == nil {
		return nil, true, nil
	}
	if reply.Status != protocol.ReplyOK && reply.Status != protocol.ReplyUserException {
		return nil, true, rpcerr.ReplyError(reply, nil)
	}
	return reply, true, nil
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := e.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) trace(ref *reference.Reference, err error, fields logrus.Fields, format string, args ...interface{}) {
	if !e.opts.TraceRetry {
		return
	}
	entry := e.logger.WithFields(logrus.Fields{
		"category": "Retry",
		"proxy":    ref.String(),
		"error":    err,
	})
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	entry.Debugf(format, args...)
}

// checkRetry returns the delay before the next attempt, or err when the
// call must fail.
func (e *Engine) checkRetry(ref *reference.Reference, mode protocol.OperationMode, err error, sent bool, a *attempt) (time.Duration, error) {
	if ref.IsFixed() {
		return 0, err
	}
	de, notExist := rpcerr.IsObjectNotExist(err)
	kind, local := rpcerr.KindOf(err)

	// after the request was sent, only what cannot have executed twice
	if sent && !notExist && !(local && kind == rpcerr.CloseConnection) &&
		mode != protocol.Idempotent && mode != protocol.Nonmutating {
		return 0, err
	}

	if notExist {
		if ri := e.routerInfo(ref); ri != nil && de.Operation == router.AddProxyOperation {
			ri.ClearCache(ref)
			a.addProxy++
			if a.addProxy > e.opts.AddProxyRetries {
				e.trace(ref, err, nil, "cannot retry operation call because the router keeps rejecting the proxy")
				return 0, err
			}
			e.trace(ref, err, logrus.Fields{"delay": time.Duration(0)}, "retrying operation call to add proxy to router")
			return 0, nil
		}
		if !ref.IsIndirect() {
			return 0, err
		}
		if e.opts.Locators != nil {
			if li := e.opts.Locators.Get(ref.Locator()); li != nil {
				li.ClearCache(ref)
			}
		}
	} else if isDispatchError(err) {
		return 0, err
	}

	if isMarshalError(err) {
		return 0, err
	}
	if local {
		switch kind {
		case rpcerr.CommunicatorDestroyed, rpcerr.ObjectAdapterDeactivated, rpcerr.ConnectionAborted,
			rpcerr.InvocationTimeout, rpcerr.InvocationCanceled, rpcerr.TwowayOnly, rpcerr.FixedProxy:
			return 0, err
		}
	} else if !notExist && !isProtocolError(err) {
		// user code and context errors are not transient
		return 0, err
	}

	a.cnt++
	intervals := e.opts.RetryIntervals
	var delay time.Duration
	switch {
	case a.cnt == len(intervals)+1 && local && kind == rpcerr.CloseConnection:
		// a graceful close is retried once past the budget
		delay = 0
	case a.cnt > len(intervals):
		e.trace(ref, err, nil, "cannot retry operation call because retry limit has been exceeded")
		return 0, err
	default:
		delay = intervals[a.cnt-1]
	}
	e.trace(ref, err, logrus.Fields{"attempt": a.cnt, "delay": delay},
		"retrying operation call in %v because of exception", delay)
	return delay, nil
}

func (e *Engine) routerInfo(ref *reference.Reference) *router.Info {
	if e.opts.Routers == nil {
		return nil
	}
	return e.opts.Routers.Get(ref.Router())
}

func isDispatchError(err error) bool {
	var de *rpcerr.DispatchError
	return errors.As(err, &de)
}

func isMarshalError(err error) bool {
	var me *protocol.MarshalError
	return errors.As(err, &me)
}

func isProtocolError(err error) bool {
	var pe *protocol.ProtocolError
	return errors.As(err, &pe)
}
