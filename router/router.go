// Package router keeps the client side state of routed references: the
// router's client endpoints and the set of proxies already added to the
// router.
package router

import (
	"context"
	"io/ioutil"

	"github.com/PwzXxm/ice-lite/endpoint"
	"github.com/PwzXxm/ice-lite/protocol"
	"github.com/PwzXxm/ice-lite/reference"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// AddProxyOperation is the router operation whose ObjectNotExist reply
// means the router lost its proxy table.
const AddProxyOperation = "ice_add_proxy"

// Router is the client view of a router service.
type Router interface {
	// ClientProxy returns the proxy whose endpoints clients connect to.
	ClientProxy(ctx context.Context) (*reference.Reference, error)
	// AddProxies registers proxies with the router and returns the ones it
	// evicted.
	AddProxies(ctx context.Context, proxies []*reference.Reference) ([]*reference.Reference, error)
}

// Info caches what a router told us.
type Info struct {
	lock      deadlock.Mutex
	ref       *reference.Reference
	router    Router
	logger    *logrus.Entry
	endpoints []endpoint.Endpoint
	known     bool
	added     map[protocol.Identity]struct{}
	fetch     singleflight.Group
}

func NewInfo(ref *reference.Reference, r Router, logger *logrus.Entry) *Info {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(ioutil.Discard)
		logger = logrus.NewEntry(l)
	}
	return &Info{
		ref:    ref,
		router: r,
		logger: logger.WithField("component", "router"),
		added:  make(map[protocol.Identity]struct{}),
	}
}

func (i *Info) Reference() *reference.Reference {
	return i.ref
}

// ClientEndpoints returns the endpoints to reach the router, asking the
// router once and caching the answer.
func (i *Info) ClientEndpoints(ctx context.Context) ([]endpoint.Endpoint, error) {
	i.lock.Lock()
	if i.known {
		eps := i.endpoints
		i.lock.Unlock()
		return eps, nil
	}
	i.lock.Unlock()

	ch := i.fetch.DoChan("client", func() (interface{}, error) {
		proxy, err := i.router.ClientProxy(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		return i.setClientEndpoints(proxy), nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]endpoint.Endpoint), nil
	}
}

func (i *Info) setClientEndpoints(proxy *reference.Reference) []endpoint.Endpoint {
	var eps []endpoint.Endpoint
	if proxy == nil {
		// no client proxy, use the router's own endpoints
		eps = i.ref.Endpoints()
	} else {
		// same timeout and connection id as the router, so the connection
		// to the router is reused
		timeout, ok := i.ref.Timeout()
		if eps := i.ref.Endpoints(); !ok && len(eps) > 0 {
			timeout, ok = eps[0].Timeout(), true
		}
		if ok {
			if r, err := proxy.WithTimeout(timeout); err == nil {
				proxy = r
			}
		}
		if r, err := proxy.WithRouter(nil); err == nil {
			proxy = r
		}
		if r, err := proxy.WithConnectionID(i.ref.ConnectionID()); err == nil {
			proxy = r
		}
		eps = proxy.Endpoints()
	}
	i.lock.Lock()
	i.endpoints, i.known = eps, true
	i.lock.Unlock()
	i.logger.Debugf("router client endpoints: %v", eps)
	return eps
}

// AddProxy makes sure the router knows proxy. Proxies are added once;
// ClearCache forgets which were added.
func (i *Info) AddProxy(ctx context.Context, proxy *reference.Reference) error {
	id := proxy.Identity()
	i.lock.Lock()
	_, ok := i.added[id]
	i.lock.Unlock()
	if ok {
		return nil
	}
	evicted, err := i.router.AddProxies(ctx, []*reference.Reference{proxy})
	if err != nil {
		return err
	}
	i.lock.Lock()
	i.added[id] = struct{}{}
	for _, e := range evicted {
		delete(i.added, e.Identity())
	}
	i.lock.Unlock()
	return nil
}

// ClearCache forgets the added proxies so that they are added again.
func (i *Info) ClearCache(ref *reference.Reference) {
	i.lock.Lock()
	delete(i.added, ref.Identity())
	i.lock.Unlock()
}

// Manager hands out one Info per router.
type Manager struct {
	lock   deadlock.Mutex
	dial   func(*reference.Reference) Router
	logger *logrus.Entry
	infos  map[string]*Info
}

func NewManager(dial func(*reference.Reference) Router, logger *logrus.Entry) *Manager {
	return &Manager{dial: dial, logger: logger, infos: make(map[string]*Info)}
}

// Get returns the Info for ref, nil when ref is nil.
func (m *Manager) Get(ref *reference.Reference) *Info {
	if ref == nil {
		return nil
	}
	// the router is never itself routed
	if r, err := ref.WithRouter(nil); err == nil {
		ref = r
	}
	key := ref.Key()
	m.lock.Lock()
	defer m.lock.Unlock()
	if info, ok := m.infos[key]; ok {
		return info
	}
	info := NewInfo(ref, m.dial(ref), m.logger)
	m.infos[key] = info
	return info
}

// Erase drops the Info of ref.
func (m *Manager) Erase(ref *reference.Reference) {
	if ref == nil {
		return
	}
	if r, err := ref.WithRouter(nil); err == nil {
		ref = r
	}
	m.lock.Lock()
	delete(m.infos, ref.Key())
	m.lock.Unlock()
}
