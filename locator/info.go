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

// Package locator resolves indirect references. Adapter ids resolve to
// endpoints and well-known identities resolve to references, which may in
// turn name an adapter. Answers are cached with a time to live and
// concurrent lookups of the same key share one locator call.
package locator

import (
	"context"
	"io/ioutil"

	"github.com/PwzXxm/ice-lite/endpoint"
	"github.com/PwzXxm/ice-lite/metrics"
	"github.com/PwzXxm/ice-lite/protocol"
	"github.com/PwzXxm/ice-lite/reference"
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Locator is the client view of a locator service. A nil reference with a
// nil error means the locator has no answer.
type Locator interface {
	FindObjectByID(ctx context.Context, id protocol.Identity) (*reference.Reference, error)
	FindAdapterByID(ctx context.Context, adapterID string) (*reference.Reference, error)
}

type Options struct {
	Logger    *logrus.Entry
	Clock     clock.Clock
	Metrics   *metrics.Metrics
	CacheSize int
	// Trace enables lookup tracing at Debug level when positive.
	Trace int
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
	return o
}

// Info resolves references through one locator.
type Info struct {
	ref     *reference.Reference
	locator Locator
	table   *Table
	lookups singleflight.Group
	metrics *metrics.Metrics
	logger  *logrus.Entry
	trace   int
}

func newInfo(ref *reference.Reference, loc Locator, table *Table, opts Options) *Info {
	return &Info{
		ref:     ref,
		locator: loc,
		table:   table,
		metrics: opts.Metrics,
		logger:  opts.Logger.WithFields(logrus.Fields{"component": "locator", "category": "Locator"}),
		trace:   opts.Trace,
	}
}

// NewInfo returns an Info with its own cache.
func NewInfo(ref *reference.Reference, loc Locator, opts Options) *Info {
	opts = opts.withDefaults()
	return newInfo(ref, loc, NewTable(opts.CacheSize, opts.Clock), opts)
}

// Reference is the locator's reference, nil for an in-process locator.
func (i *Info) Reference() *reference.Reference {
	return i.ref
}

func (i *Info) Locator() Locator {
	return i.locator
}

func (i *Info) Table() *Table {
	return i.table
}

func (i *Info) tracef(format string, args ...interface{}) {
	if i.trace > 0 {
		i.logger.Debugf(format, args...)
	}
}

// Endpoints resolves the indirect reference ref. ttl is the cache time to
// live in seconds. cached reports whether every answer used came from the
// cache. An empty result without error means the locator knows the key but
// returned no usable endpoints.
func (i *Info) Endpoints(ctx context.Context, ref *reference.Reference, ttl int) (eps []endpoint.Endpoint, cached bool, err error) {
	return i.resolve(ctx, ref, nil, ttl)
}

func (i *Info) resolve(ctx context.Context, ref, wellKnown *reference.Reference, ttl int) ([]endpoint.Endpoint, bool, error) {
	if !ref.IsIndirect() {
		return ref.Endpoints(), false, nil
	}
	if !ref.IsWellKnown() {
		if eps, ok := i.table.AdapterEndpoints(ref.AdapterID(), ttl); ok {
			i.metrics.LocatorLookup("adapter", "hit")
			i.tracef("found endpoints in locator table: adapter = %s, endpoints = %v", ref.AdapterID(), eps)
			return eps, true, nil
		}
		eps, err := i.findAdapter(ctx, ref, wellKnown)
		return eps, false, err
	}

	r, cached := i.table.ObjectReference(ref.Identity(), ttl)
	if cached {
		i.metrics.LocatorLookup("object", "hit")
	} else {
		var err error
		if r, err = i.findObject(ctx, ref); err != nil {
			return nil, false, err
		}
	}
	switch {
	case r == nil:
		return nil, false, nil
	case !r.IsIndirect():
		i.tracef("resolved well-known object %s: endpoints = %v", ref.Identity(), r.Endpoints())
		return r.Endpoints(), cached, nil
	case !r.IsWellKnown():
		i.tracef("well-known object %s is in adapter %s", ref.Identity(), r.AdapterID())
		eps, adapterCached, err := i.resolve(ctx, r, ref, ttl)
		return eps, cached && adapterCached, err
	}
	return nil, false, nil
}

func (i *Info) await(ctx context.Context, ch <-chan singleflight.Result) (interface{}, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

// findAdapter asks the locator for an adapter's endpoints. Concurrent calls
// for one adapter share a single request.
func (i *Info) findAdapter(ctx context.Context, ref, wellKnown *reference.Reference) ([]endpoint.Endpoint, error) {
	id := ref.AdapterID()
	ch := i.lookups.DoChan("adapter:"+id, func() (interface{}, error) {
		i.tracef("searching for adapter by id: %s", id)
		proxy, err := i.locator.FindAdapterByID(context.WithoutCancel(ctx), id)
		if err != nil {
			var nf *AdapterNotFound
			if errors.As(err, &nf) {
				i.metrics.LocatorLookup("adapter", "not found")
				i.table.RemoveAdapterEndpoints(id)
				i.tracef("adapter not found: %s", id)
				return nil, notRegistered("object adapter", id, err)
			}
			i.metrics.LocatorLookup("adapter", "error")
			i.tracef("couldn't contact the locator to retrieve endpoints: adapter = %s: %v", id, err)
			return nil, err
		}
		i.metrics.LocatorLookup("adapter", "found")
		if proxy == nil || proxy.IsIndirect() {
			return []endpoint.Endpoint(nil), nil
		}
		eps := proxy.Endpoints()
		i.table.AddAdapterEndpoints(id, eps)
		i.tracef("retrieved endpoints from locator, adding to locator table: adapter = %s, endpoints = %v", id, eps)
		return eps, nil
	})
	v, err := i.await(ctx, ch)
	var eps []endpoint.Endpoint
	if v != nil {
		eps = v.([]endpoint.Endpoint)
	}
	if wellKnown != nil && (err != nil || len(eps) == 0) {
		i.table.RemoveObjectReference(wellKnown.Identity())
	}
	return eps, err
}

// findObject asks the locator for a well-known object. Concurrent calls for
// one identity share a single request.
func (i *Info) findObject(ctx context.Context, ref *reference.Reference) (*reference.Reference, error) {
	id := ref.Identity()
	ch := i.lookups.DoChan("object:"+id.String(), func() (interface{}, error) {
		i.tracef("searching for well-known object: %s", id)
		proxy, err := i.locator.FindObjectByID(context.WithoutCancel(ctx), id)
		if err != nil {
			var nf *ObjectNotFound
			if errors.As(err, &nf) {
				i.metrics.LocatorLookup("object", "not found")
				i.table.RemoveObjectReference(id)
				i.tracef("object not found: %s", id)
				return nil, notRegistered("object", id.String(), err)
			}
			i.metrics.LocatorLookup("object", "error")
			i.tracef("couldn't contact the locator to retrieve endpoints: object = %s: %v", id, err)
			return nil, err
		}
		i.metrics.LocatorLookup("object", "found")
		if proxy == nil || proxy.IsWellKnown() {
			i.table.RemoveObjectReference(id)
			return (*reference.Reference)(nil), nil
		}
		i.table.AddObjectReference(id, proxy)
		return proxy, nil
	})
	v, err := i.await(ctx, ch)
	if err != nil {
		return nil, err
	}
	return v.(*reference.Reference), nil
}

// ClearCache drops what the table holds for ref. Clearing a well-known
// object also clears the adapter it resolved to.
func (i *Info) ClearCache(ref *reference.Reference) {
	if ref.AdapterID() != "" {
		if eps := i.table.RemoveAdapterEndpoints(ref.AdapterID()); eps != nil {
			i.tracef("removed endpoints for adapter %s from locator table: %v", ref.AdapterID(), eps)
		}
		return
	}
	if !ref.IsWellKnown() {
		return
	}
	r := i.table.RemoveObjectReference(ref.Identity())
	if r == nil {
		return
	}
	if !r.IsIndirect() {
		i.tracef("removed endpoints for well-known object %s from locator table: %v", ref.Identity(), r.Endpoints())
	} else if !r.IsWellKnown() {
		i.tracef("removed adapter for well-known object %s from locator table: %s", ref.Identity(), r.AdapterID())
		i.ClearCache(r)
	}
}

// Manager hands out one Info per locator. Locators that share an identity
// and encoding share one cache.
type Manager struct {
	lock   deadlock.Mutex
	dial   func(*reference.Reference) Locator
	opts   Options
	infos  map[string]*Info
	tables map[string]*Table
}

// NewManager returns a manager that reaches locators through dial.
func NewManager(dial func(*reference.Reference) Locator, opts Options) *Manager {
	return &Manager{
		dial:   dial,
		opts:   opts.withDefaults(),
		infos:  make(map[string]*Info),
		tables: make(map[string]*Table),
	}
}

// Get returns the Info for the locator ref, nil when ref is nil.
func (m *Manager) Get(ref *reference.Reference) *Info {
	if ref == nil {
		return nil
	}
	// a locator is never resolved through a locator
	if r, err := ref.WithLocator(nil); err == nil {
		ref = r
	}
	key := ref.Key()
	m.lock.Lock()
	defer m.lock.Unlock()
	if info, ok := m.infos[key]; ok {
		return info
	}
	tkey := ref.Identity().String() + "|" + ref.Encoding().String()
	table, ok := m.tables[tkey]
	if !ok {
		table = NewTable(m.opts.CacheSize, m.opts.Clock)
		m.tables[tkey] = table
	}
	info := newInfo(ref, m.dial(ref), table, m.opts)
	m.infos[key] = info
	return info
}

// Destroy forgets every Info and cache.
func (m *Manager) Destroy() {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, t := range m.tables {
		t.Clear()
	}
	m.infos = make(map[string]*Info)
	m.tables = make(map[string]*Table)
}
