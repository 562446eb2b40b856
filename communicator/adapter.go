package communicator

import (
	"context"
	"strings"

	"github.com/PwzXxm/ice-lite/config"
	"github.com/PwzXxm/ice-lite/connection"
	"github.com/PwzXxm/ice-lite/endpoint"
	"github.com/PwzXxm/ice-lite/protocol"
	"github.com/PwzXxm/ice-lite/reference"
	"github.com/PwzXxm/ice-lite/rpcerr"
	"github.com/PwzXxm/ice-lite/transport"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

type adapterState int

const (
	adapterHolding adapterState = iota
	adapterActive
	adapterDeactivated
)

// registrar is the part of a locator that records adapter endpoints.
type registrar interface {
	SetAdapterDirectProxy(ctx context.Context, adapterID string, proxy *reference.Reference) error
}

// ObjectAdapter maps identities to servants and serves them on its
// endpoints.
type ObjectAdapter struct {
	lock   deadlock.RWMutex
	comm   *Communicator
	props  config.Adapter
	logger *logrus.Entry

	servants map[protocol.Identity]map[string]Servant
	defaults map[string]Servant

	endpoints []endpoint.Endpoint
	published []endpoint.Endpoint
	locator   *reference.Reference

	state      adapterState
	registered bool
	acceptors  []*connection.Acceptor
	serving    *errgroup.Group
	cancel     context.CancelFunc
}

func parseEndpoints(s string, d endpoint.Defaults) ([]endpoint.Endpoint, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts, err := endpoint.SplitList(s)
	if err != nil {
		return nil, err
	}
	var eps []endpoint.Endpoint
	for _, part := range parts {
		e, err := endpoint.Parse(part, d)
		if err != nil {
			return nil, err
		}
		eps = append(eps, e)
	}
	return eps, nil
}

func newObjectAdapter(c *Communicator, props config.Adapter) (*ObjectAdapter, error) {
	a := &ObjectAdapter{
		comm:     c,
		props:    props,
		logger:   c.logger.WithFields(logrus.Fields{"component": "adapter", "adapter": props.Name}),
		servants: make(map[protocol.Identity]map[string]Servant),
		defaults: make(map[string]Servant),
		locator:  c.refs.Defaults().Locator,
	}
	d := c.refs.Defaults().Endpoint
	var err error
	if a.endpoints, err = parseEndpoints(props.Endpoints, d); err != nil {
		return nil, errors.Wrapf(err, "%s.Endpoints", props.Name)
	}
	if a.published, err = parseEndpoints(props.PublishedEndpoints, d); err != nil {
		return nil, errors.Wrapf(err, "%s.PublishedEndpoints", props.Name)
	}
	if props.Locator != "" {
		if a.locator, err = c.refs.Parse(props.Locator); err != nil {
			return nil, errors.Wrapf(err, "%s.Locator", props.Name)
		}
	}
	return a, nil
}

func (a *ObjectAdapter) Name() string {
	return a.props.Name
}

func (a *ObjectAdapter) AdapterID() string {
	return a.props.AdapterID
}

func (a *ObjectAdapter) Communicator() *Communicator {
	return a.comm
}

// SetLocator changes the locator the adapter registers with. It takes
// effect at the next activation.
func (a *ObjectAdapter) SetLocator(loc *Proxy) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.locator = nil
	if loc != nil {
		a.locator = loc.Reference()
	}
}

func checkIdentity(id protocol.Identity) error {
	if id.Name == "" {
		return rpcerr.New(rpcerr.IllegalIdentity, "identity %q has no name", id.String())
	}
	return nil
}

// Add registers servant for id and returns a proxy for it.
func (a *ObjectAdapter) Add(s Servant, id protocol.Identity) (*Proxy, error) {
	return a.AddFacet(s, id, "")
}

func (a *ObjectAdapter) AddFacet(s Servant, id protocol.Identity, facet string) (*Proxy, error) {
	if err := checkIdentity(id); err != nil {
		return nil, err
	}
	a.lock.Lock()
	if a.state == adapterDeactivated {
		a.lock.Unlock()
		return nil, a.deactivatedError()
	}
	facets, ok := a.servants[id]
	if !ok {
		facets = make(map[string]Servant)
		a.servants[id] = facets
	}
	if _, ok := facets[facet]; ok {
		a.lock.Unlock()
		return nil, rpcerr.New(rpcerr.AlreadyRegistered, "servant %q facet %q", id.String(), facet)
	}
	facets[facet] = s
	a.lock.Unlock()
	return a.CreateProxy(id).WithFacet(facet), nil
}

// AddWithUUID registers servant under a fresh identity.
func (a *ObjectAdapter) AddWithUUID(s Servant) (*Proxy, error) {
	return a.Add(s, protocol.Identity{Name: uuid.NewString()})
}

// AddDefaultServant registers servant for every identity of category that
// has no servant of its own. The empty category matches any identity.
func (a *ObjectAdapter) AddDefaultServant(s Servant, category string) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if _, ok := a.defaults[category]; ok {
		return rpcerr.New(rpcerr.AlreadyRegistered, "default servant for category %q", category)
	}
	a.defaults[category] = s
	return nil
}

// Remove unregisters every facet of id and returns the default facet.
func (a *ObjectAdapter) Remove(id protocol.Identity) (Servant, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	facets, ok := a.servants[id]
	if !ok {
		return nil, rpcerr.New(rpcerr.NotRegistered, "servant %q", id.String())
	}
	delete(a.servants, id)
	return facets[""], nil
}

func (a *ObjectAdapter) RemoveDefaultServant(category string) (Servant, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	s, ok := a.defaults[category]
	if !ok {
		return nil, rpcerr.New(rpcerr.NotRegistered, "default servant for category %q", category)
	}
	delete(a.defaults, category)
	return s, nil
}

// Find returns the servant that would dispatch requests for id and facet.
func (a *ObjectAdapter) Find(id protocol.Identity, facet string) Servant {
	a.lock.RLock()
	defer a.lock.RUnlock()
	s, _ := a.findLocked(id, facet)
	return s
}

// findLocked also reports whether id has servants for other facets.
func (a *ObjectAdapter) findLocked(id protocol.Identity, facet string) (Servant, bool) {
	if facets, ok := a.servants[id]; ok {
		if s, ok := facets[facet]; ok {
			return s, true
		}
		return nil, true
	}
	if s, ok := a.defaults[id.Category]; ok {
		return s, false
	}
	return a.defaults[""], false
}

func (a *ObjectAdapter) deactivatedError() error {
	return rpcerr.New(rpcerr.ObjectAdapterDeactivated, "object adapter %q", a.props.Name)
}

// Dispatch routes an incoming request to its servant.
func (a *ObjectAdapter) Dispatch(ctx context.Context, c *connection.Connection, req *protocol.Request) (protocol.Encaps, error) {
	a.lock.RLock()
	active := a.state != adapterDeactivated
	s, known := a.findLocked(req.Identity, req.Facet)
	a.lock.RUnlock()
	switch {
	case !active || (s == nil && !known):
		return protocol.Encaps{}, rpcerr.NewObjectNotExist(req.Identity, req.Facet, req.Operation)
	case s == nil:
		return protocol.Encaps{}, rpcerr.NewFacetNotExist(req.Identity, req.Facet, req.Operation)
	}
	enc := req.Params.Encoding
	if enc == (protocol.EncodingVersion{}) {
		enc = protocol.CurrentEncoding
	}
	cur := &Current{
		Adapter:   a,
		Conn:      c,
		ID:        req.Identity,
		Facet:     req.Facet,
		Operation: req.Operation,
		Mode:      req.Mode,
		Context:   req.Context,
		RequestID: req.ID,
		Encoding:  enc,
	}
	out, err := s.Dispatch(ctx, cur, req.Params.Stream())
	if err != nil {
		return protocol.Encaps{}, err
	}
	return protocol.Encaps{Encoding: enc, Data: out}, nil
}

// Activate listens on the adapter's endpoints and registers them with the
// locator when the adapter has an adapter id.
func (a *ObjectAdapter) Activate(ctx context.Context) error {
	a.lock.Lock()
	switch a.state {
	case adapterDeactivated:
		a.lock.Unlock()
		return a.deactivatedError()
	case adapterActive:
		a.lock.Unlock()
		return nil
	}

	listeners := make([]transport.Listener, len(a.endpoints))
	var g errgroup.Group
	for i, e := range a.endpoints {
		i, e := i, e
		g.Go(func() error {
			l, err := a.comm.transports.Listen(e)
			if err != nil {
				return errors.Wrapf(err, "cannot listen on %s", e)
			}
			listeners[i] = l
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, l := range listeners {
			if l != nil {
				l.Close()
			}
		}
		a.lock.Unlock()
		return err
	}

	serveCtx, cancel := context.WithCancel(context.Background())
	opts := a.comm.connectionOptions(a.comm.settings.ServerACM, a)
	opts.Logger = a.logger
	a.serving = new(errgroup.Group)
	a.acceptors = make([]*connection.Acceptor, 0, len(listeners))
	var bound []endpoint.Endpoint
	for _, l := range listeners {
		acc := connection.NewAcceptor(l, opts)
		a.acceptors = append(a.acceptors, acc)
		bound = append(bound, acc.Endpoint())
		a.serving.Go(func() error { return acc.Serve(serveCtx) })
	}
	if len(a.published) == 0 {
		a.published = bound
	}
	a.cancel = cancel
	a.state = adapterActive
	a.logger.Infof("activated on %v", bound)
	a.lock.Unlock()

	if err := a.register(ctx); err != nil {
		a.logger.Warnf("cannot register with the locator: %v", err)
		a.lock.Lock()
		a.state = adapterHolding
		a.published = nil
		a.lock.Unlock()
		return multierr.Append(err, a.stop(ctx))
	}
	return nil
}

func (a *ObjectAdapter) registrar() (registrar, error) {
	a.lock.RLock()
	loc := a.locator
	a.lock.RUnlock()
	if loc == nil {
		return nil, nil
	}
	info := a.comm.locators.Get(loc)
	reg, ok := info.Locator().(registrar)
	if !ok {
		return nil, rpcerr.New(rpcerr.FeatureNotSupported, "locator %s cannot register adapters", loc)
	}
	return reg, nil
}

func (a *ObjectAdapter) register(ctx context.Context) error {
	if a.props.AdapterID == "" {
		return nil
	}
	reg, err := a.registrar()
	if err != nil || reg == nil {
		return err
	}
	if err := reg.SetAdapterDirectProxy(ctx, a.props.AdapterID, a.directReference(protocol.Identity{Name: "dummy"})); err != nil {
		return err
	}
	a.lock.Lock()
	a.registered = true
	a.lock.Unlock()
	a.logger.Infof("registered endpoints with the locator as %s", a.props.AdapterID)
	return nil
}

func (a *ObjectAdapter) unregister(ctx context.Context) error {
	a.lock.Lock()
	registered := a.registered
	a.registered = false
	a.lock.Unlock()
	if !registered {
		return nil
	}
	reg, err := a.registrar()
	if err != nil || reg == nil {
		return err
	}
	return reg.SetAdapterDirectProxy(ctx, a.props.AdapterID, nil)
}

// stop closes the acceptors and waits for them to stop serving.
func (a *ObjectAdapter) stop(ctx context.Context) error {
	a.lock.Lock()
	accs, serving, cancel := a.acceptors, a.serving, a.cancel
	a.acceptors, a.serving, a.cancel = nil, nil, nil
	a.lock.Unlock()
	var err error
	for _, acc := range accs {
		err = multierr.Append(err, acc.Close(ctx))
	}
	if cancel != nil {
		cancel()
	}
	if serving != nil {
		err = multierr.Append(err, serving.Wait())
	}
	return err
}

// Deactivate unregisters the adapter, stops listening and closes its
// connections gracefully. Requests arriving afterwards fail with
// ObjectNotExist.
func (a *ObjectAdapter) Deactivate(ctx context.Context) error {
	a.lock.Lock()
	if a.state == adapterDeactivated {
		a.lock.Unlock()
		return nil
	}
	a.state = adapterDeactivated
	a.lock.Unlock()

	err := multierr.Combine(a.unregister(ctx), a.stop(ctx))
	a.comm.removeAdapter(a)
	a.logger.Info("deactivated")
	return err
}

func (a *ObjectAdapter) IsDeactivated() bool {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return a.state == adapterDeactivated
}

// Endpoints returns the published endpoints, or the configured ones before
// activation.
func (a *ObjectAdapter) Endpoints() []endpoint.Endpoint {
	a.lock.RLock()
	defer a.lock.RUnlock()
	if len(a.published) > 0 {
		return a.published
	}
	return a.endpoints
}

func (a *ObjectAdapter) directReference(id protocol.Identity) *reference.Reference {
	return a.comm.refs.Create(id, "", reference.Twoway, false, a.Endpoints(), "")
}

// CreateProxy returns an indirect proxy when the adapter has an adapter
// id, a direct one otherwise.
func (a *ObjectAdapter) CreateProxy(id protocol.Identity) *Proxy {
	if a.props.AdapterID != "" {
		return a.CreateIndirectProxy(id)
	}
	return a.CreateDirectProxy(id)
}

// CreateDirectProxy returns a proxy carrying the adapter's endpoints.
func (a *ObjectAdapter) CreateDirectProxy(id protocol.Identity) *Proxy {
	return a.comm.Proxy(a.directReference(id))
}

// CreateIndirectProxy returns a proxy resolved through the adapter id, or
// a well-known proxy when the adapter has none.
func (a *ObjectAdapter) CreateIndirectProxy(id protocol.Identity) *Proxy {
	ref := a.comm.refs.Create(id, "", reference.Twoway, false, nil, a.props.AdapterID)
	a.lock.RLock()
	loc := a.locator
	a.lock.RUnlock()
	if r, err := ref.WithLocator(loc); err == nil {
		ref = r
	}
	return a.comm.Proxy(ref)
}
