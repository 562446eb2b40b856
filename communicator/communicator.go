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

// Package communicator ties the runtime together. A Communicator owns the
// connection factory, the locator and router caches, the request handler
// factory and the invocation engine; proxies invoke through it and object
// adapters dispatch incoming requests to servants.
package communicator

import (
	"context"
	"io/ioutil"

	"github.com/PwzXxm/ice-lite/config"
	"github.com/PwzXxm/ice-lite/connection"
	"github.com/PwzXxm/ice-lite/invocation"
	"github.com/PwzXxm/ice-lite/locator"
	"github.com/PwzXxm/ice-lite/metrics"
	"github.com/PwzXxm/ice-lite/reference"
	"github.com/PwzXxm/ice-lite/reqhandler"
	"github.com/PwzXxm/ice-lite/router"
	"github.com/PwzXxm/ice-lite/rpcerr"
	"github.com/PwzXxm/ice-lite/transport"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	// Properties default to an empty set.
	Properties *config.Properties
	Logger     *logrus.Entry
	Clock      clock.Clock
	// Registerer receives the communicator's metrics when set.
	Registerer prometheus.Registerer
	// Transports default to tcp and ws, plus ssl and wss with TLS.
	Transports *transport.Registry
	TLS        *transport.TLSConfig
}

type Communicator struct {
	lock deadlock.Mutex

	name     string
	props    *config.Properties
	settings *config.Settings
	logger   *logrus.Entry
	clock    clock.Clock
	metrics  *metrics.Metrics

	refs       *reference.Factory
	transports *transport.Registry
	conns      *connection.Factory
	locators   *locator.Manager
	routers    *router.Manager
	handlers   *reqhandler.Factory
	engine     *invocation.Engine

	adapters  map[string]*ObjectAdapter
	destroyed bool
}

// New validates the properties and builds a communicator.
func New(opts Options) (*Communicator, error) {
	if opts.Properties == nil {
		opts.Properties = config.NewProperties()
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(ioutil.Discard)
		opts.Logger = logrus.NewEntry(l)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Transports == nil {
		opts.Transports = transport.NewDefaultRegistry(opts.TLS)
	}
	s, err := config.NewSettings(opts.Properties, opts.Logger)
	if err != nil {
		return nil, err
	}

	c := &Communicator{
		name:       opts.Properties.GetWithDefault("Ice.ProgramName", uuid.NewString()),
		props:      opts.Properties,
		settings:   s,
		clock:      opts.Clock,
		transports: opts.Transports,
		adapters:   make(map[string]*ObjectAdapter),
	}
	c.logger = opts.Logger.WithField("communicator", c.name)
	if opts.Registerer != nil {
		c.metrics = metrics.New(opts.Registerer, c.name)
	}

	c.refs = reference.NewFactory(s.References)
	if s.DefaultRouter != "" {
		r, err := c.refs.Parse(s.DefaultRouter)
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.Initialization, err, "Ice.Default.Router")
		}
		c.refs.SetDefaultRouter(r)
	}
	if s.DefaultLocator != "" {
		r, err := c.refs.Parse(s.DefaultLocator)
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.Initialization, err, "Ice.Default.Locator")
		}
		c.refs.SetDefaultLocator(r)
	}

	c.conns = connection.NewFactory(c.transports, c.connectionOptions(s.ClientACM, nil))
	c.locators = locator.NewManager(c.dialLocator, locator.Options{
		Logger:    c.logger,
		Clock:     c.clock,
		Metrics:   c.metrics,
		CacheSize: s.LocatorCacheSize,
		Trace:     s.TraceLocator,
	})
	c.routers = router.NewManager(c.dialRouter, c.logger)
	c.handlers = reqhandler.NewFactory(&reqhandler.Binder{
		Connections: c.conns,
		Transports:  c.transports,
		Locators:    c.locators,
		Routers:     c.routers,
		Logger:      c.logger,
		TraceRetry:  s.TraceRetry > 0,
	}, c.logger)
	c.engine = invocation.NewEngine(invocation.Options{
		Logger:         c.logger,
		Clock:          c.clock,
		Metrics:        c.metrics,
		RetryIntervals: invocation.RetryIntervals(s.RetryIntervals),
		Locators:       c.locators,
		Routers:        c.routers,
		TraceRetry:     s.TraceRetry > 0,
	})
	c.logger.Debugf("communicator created with %d properties", len(c.props.Names()))
	return c, nil
}

func (c *Communicator) connectionOptions(acm connection.ACM, d connection.Dispatcher) connection.Options {
	return connection.Options{
		Logger:           c.logger,
		Clock:            c.clock,
		Metrics:          c.metrics,
		ACM:              acm,
		MessageSizeMax:   c.settings.MessageSizeMax,
		CompressionLevel: c.settings.CompressionLevel,
		ConnectTimeout:   c.settings.OverrideConnectTimeout,
		CloseTimeout:     c.settings.OverrideCloseTimeout,
		TraceNetwork:     c.settings.TraceNetwork,
		TraceProtocol:    c.settings.TraceProtocol,
		Dispatcher:       d,
	}
}

func (c *Communicator) dialLocator(ref *reference.Reference) locator.Locator {
	return &locatorStub{proxy: c.Proxy(ref)}
}

func (c *Communicator) dialRouter(ref *reference.Reference) router.Router {
	return &routerStub{proxy: c.Proxy(ref)}
}

func (c *Communicator) Name() string                    { return c.name }
func (c *Communicator) Properties() *config.Properties  { return c.props }
func (c *Communicator) Settings() *config.Settings      { return c.settings }
func (c *Communicator) Logger() *logrus.Entry           { return c.logger }
func (c *Communicator) Metrics() *metrics.Metrics       { return c.metrics }
func (c *Communicator) References() *reference.Factory  { return c.refs }
func (c *Communicator) Transports() *transport.Registry { return c.transports }
func (c *Communicator) Connections() *connection.Factory {
	return c.conns
}
func (c *Communicator) Locators() *locator.Manager { return c.locators }
func (c *Communicator) Routers() *router.Manager   { return c.routers }

func (c *Communicator) checkDestroyed() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.destroyed {
		return rpcerr.New(rpcerr.CommunicatorDestroyed, "communicator %s", c.name)
	}
	return nil
}

// StringToProxy parses a proxy string. The empty string is the null proxy.
func (c *Communicator) StringToProxy(s string) (*Proxy, error) {
	ref, err := c.refs.Parse(s)
	if err != nil || ref == nil {
		return nil, err
	}
	return c.Proxy(ref), nil
}

// PropertyToProxy parses the proxy held by the named property.
func (c *Communicator) PropertyToProxy(name string) (*Proxy, error) {
	p, err := c.StringToProxy(c.props.Get(name))
	return p, errors.Wrapf(err, "property %s", name)
}

// CreateObjectAdapter creates an adapter configured by the <name>.*
// properties. An empty name creates an adapter without endpoints.
func (c *Communicator) CreateObjectAdapter(name string) (*ObjectAdapter, error) {
	if err := c.checkDestroyed(); err != nil {
		return nil, err
	}
	if name == "" {
		name = uuid.NewString()
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, ok := c.adapters[name]; ok {
		return nil, rpcerr.New(rpcerr.AlreadyRegistered, "object adapter %q", name)
	}
	a, err := newObjectAdapter(c, c.props.Adapter(name))
	if err != nil {
		return nil, err
	}
	c.adapters[name] = a
	return a, nil
}

// CreateObjectAdapterWithEndpoints sets <name>.Endpoints and creates the
// adapter.
func (c *Communicator) CreateObjectAdapterWithEndpoints(name, endpoints string) (*ObjectAdapter, error) {
	if name == "" {
		name = uuid.NewString()
	}
	c.props.Set(name+".Endpoints", endpoints)
	return c.CreateObjectAdapter(name)
}

func (c *Communicator) removeAdapter(a *ObjectAdapter) {
	c.lock.Lock()
	if c.adapters[a.Name()] == a {
		delete(c.adapters, a.Name())
	}
	c.lock.Unlock()
}

func (c *Communicator) Adapters() []*ObjectAdapter {
	c.lock.Lock()
	defer c.lock.Unlock()
	out := make([]*ObjectAdapter, 0, len(c.adapters))
	for _, a := range c.adapters {
		out = append(out, a)
	}
	return out
}

// Destroy deactivates the adapters and closes every connection. Calls on
// proxies fail with CommunicatorDestroyed afterwards.
func (c *Communicator) Destroy(ctx context.Context) error {
	c.lock.Lock()
	if c.destroyed {
		c.lock.Unlock()
		return nil
	}
	c.destroyed = true
	c.lock.Unlock()

	var g errgroup.Group
	for _, a := range c.Adapters() {
		a := a
		g.Go(func() error { return a.Deactivate(ctx) })
	}
	err := g.Wait()
	c.handlers.Destroy()
	err = multierr.Append(err, c.conns.Destroy(ctx))
	c.locators.Destroy()
	c.logger.Debug("communicator destroyed")
	return err
}
