package connection

import (
	"context"
	"sync"

	"github.com/PwzXxm/ice-lite/endpoint"
	"github.com/PwzXxm/ice-lite/rpcerr"
	"github.com/PwzXxm/ice-lite/transport"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"
)

// Factory opens outgoing connections and reuses them. Connections are
// shared per endpoint and connection id; the compress flag of an endpoint
// does not select a different connection.
type Factory struct {
	lock       deadlock.Mutex
	transports *transport.Registry
	opts       Options
	logger     *logrus.Entry
	conns      map[string][]*Connection
	connects   singleflight.Group
	destroyed  bool
}

func NewFactory(transports *transport.Registry, opts Options) *Factory {
	opts = opts.withDefaults()
	return &Factory{
		transports: transports,
		opts:       opts,
		logger:     opts.Logger.WithField("component", "connection factory"),
		conns:      make(map[string][]*Connection),
	}
}

func connKey(e endpoint.Endpoint) string {
	return endpoint.Key(e.WithCompress(false))
}

// find returns an active connection to one of eps, trying them in order.
func (f *Factory) find(eps []endpoint.Endpoint) (*Connection, endpoint.Endpoint) {
	f.lock.Lock()
	defer f.lock.Unlock()
	for _, e := range eps {
		for _, c := range f.conns[connKey(e)] {
			if c.Active() {
				return c, e
			}
		}
	}
	return nil, nil
}

// Create returns a connection to the first reachable endpoint of eps and
// whether requests on it should be compressed. An active connection is
// reused; otherwise the endpoints are dialed in order and the error of the
// last attempt is returned when none succeeds. Concurrent calls for the
// same endpoint share one connection attempt.
func (f *Factory) Create(ctx context.Context, eps []endpoint.Endpoint) (*Connection, bool, error) {
	f.lock.Lock()
	destroyed := f.destroyed
	f.lock.Unlock()
	if destroyed {
		return nil, false, rpcerr.New(rpcerr.CommunicatorDestroyed, "connection factory destroyed")
	}
	if len(eps) == 0 {
		return nil, false, rpcerr.New(rpcerr.NoEndpoint, "no endpoint to connect to")
	}
	if c, e := f.find(eps); c != nil {
		return c, e.Compress(), nil
	}

	var lastErr error
	for _, e := range eps {
		e := e
		ch := f.connects.DoChan(connKey(e), func() (interface{}, error) {
			if c, _ := f.find([]endpoint.Endpoint{e}); c != nil {
				return c, nil
			}
			return f.connect(context.WithoutCancel(ctx), e)
		})
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case res := <-ch:
			if res.Err == nil {
				return res.Val.(*Connection), e.Compress(), nil
			}
			lastErr = res.Err
			f.logger.WithField("endpoint", e.String()).Debugf("connection attempt failed: %v", res.Err)
		}
	}
	return nil, false, lastErr
}

func (f *Factory) connect(ctx context.Context, e endpoint.Endpoint) (*Connection, error) {
	tr, err := f.transports.Dial(e)
	if err != nil {
		return nil, err
	}
	c := New(tr, false, f.opts)
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	key := connKey(e)
	f.lock.Lock()
	if f.destroyed {
		f.lock.Unlock()
		c.Abort()
		return nil, rpcerr.New(rpcerr.CommunicatorDestroyed, "connection factory destroyed")
	}
	f.conns[key] = append(f.conns[key], c)
	f.lock.Unlock()
	c.OnClose(func(c *Connection) { f.remove(key, c) })
	return c, nil
}

func (f *Factory) remove(key string, c *Connection) {
	f.lock.Lock()
	defer f.lock.Unlock()
	list := f.conns[key]
	for i, x := range list {
		if x == c {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(f.conns, key)
	} else {
		f.conns[key] = list
	}
}

// Connections returns the connections currently known to the factory.
func (f *Factory) Connections() []*Connection {
	f.lock.Lock()
	defer f.lock.Unlock()
	var out []*Connection
	for _, list := range f.conns {
		out = append(out, list...)
	}
	return out
}

// Destroy closes every connection gracefully. Later calls to Create fail
// with CommunicatorDestroyed.
func (f *Factory) Destroy(ctx context.Context) error {
	f.lock.Lock()
	f.destroyed = true
	f.lock.Unlock()
	return closeAll(ctx, f.Connections())
}

func closeAll(ctx context.Context, conns []*Connection) error {
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		err error
	)
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			if e := c.Close(ctx); e != nil {
				mu.Lock()
				err = multierr.Append(err, e)
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()
	return err
}
