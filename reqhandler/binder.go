package reqhandler

import (
	"context"
	"io/ioutil"
	"sort"

	"github.com/PwzXxm/ice-lite/connection"
	"github.com/PwzXxm/ice-lite/endpoint"
	"github.com/PwzXxm/ice-lite/locator"
	"github.com/PwzXxm/ice-lite/reference"
	"github.com/PwzXxm/ice-lite/router"
	"github.com/PwzXxm/ice-lite/rpcerr"
	"github.com/PwzXxm/ice-lite/transport"
	"github.com/PwzXxm/ice-lite/utils"
	"github.com/sirupsen/logrus"
)

// Binder turns a reference into a connection: it resolves indirect
// references through their locator, routed references through their
// router, filters and orders the endpoints and asks the connection factory.
type Binder struct {
	Connections *connection.Factory
	Transports  *transport.Registry
	Locators    *locator.Manager
	Routers     *router.Manager
	Logger      *logrus.Entry
	// TraceRetry logs the retry after a connect to cached endpoints failed.
	TraceRetry bool
}

func (b *Binder) logger() *logrus.Entry {
	if b.Logger == nil {
		l := logrus.New()
		l.SetOutput(ioutil.Discard)
		b.Logger = logrus.NewEntry(l)
	}
	return b.Logger
}

// Connect returns a connection for ref and whether requests on it are
// compressed.
func (b *Binder) Connect(ctx context.Context, ref *reference.Reference) (*connection.Connection, bool, error) {
	if ref.IsFixed() {
		h := NewFixedHandler(ref)
		return h.conn, h.compress, nil
	}
	ri := b.Routers.Get(ref.Router())
	if ri != nil {
		eps, err := ri.ClientEndpoints(ctx)
		if err != nil {
			return nil, false, err
		}
		if len(eps) > 0 {
			conn, compress, err := b.create(ctx, ref, ref.ApplyOverrides(eps))
			if err != nil {
				return nil, false, err
			}
			// the router forwards only to proxies it knows
			if err := ri.AddProxy(ctx, ref); err != nil {
				return nil, false, err
			}
			return conn, compress, nil
		}
	}
	return b.connectNoRouter(ctx, ref)
}

func (b *Binder) connectNoRouter(ctx context.Context, ref *reference.Reference) (*connection.Connection, bool, error) {
	if !ref.IsIndirect() {
		return b.create(ctx, ref, ref.Endpoints())
	}
	li := b.Locators.Get(ref.Locator())
	if li == nil {
		return nil, false, rpcerr.New(rpcerr.NoEndpoint, "%s has no locator", ref)
	}
	ttl := ref.LocatorCacheTimeout()
	eps, cached, err := li.Endpoints(ctx, ref, ttl)
	if err != nil {
		return nil, false, err
	}
	if len(eps) == 0 {
		return nil, false, rpcerr.New(rpcerr.NoEndpoint, "%s", ref)
	}
	conn, compress, err := b.create(ctx, ref, ref.ApplyOverrides(eps))
	if err == nil || !cached || ctx.Err() != nil {
		return conn, compress, err
	}

	// the cached endpoints may be stale
	if b.TraceRetry {
		b.logger().WithField("category", "Retry").Infof(
			"connection to cached endpoints failed, removing endpoints from cache and trying again\n%v", err)
	}
	li.ClearCache(ref)
	eps, _, err = li.Endpoints(ctx, ref, ttl)
	if err != nil {
		return nil, false, err
	}
	if len(eps) == 0 {
		return nil, false, rpcerr.New(rpcerr.NoEndpoint, "%s", ref)
	}
	return b.create(ctx, ref, ref.ApplyOverrides(eps))
}

func (b *Binder) create(ctx context.Context, ref *reference.Reference, eps []endpoint.Endpoint) (*connection.Connection, bool, error) {
	eps = b.Filter(ref, eps)
	if len(eps) == 0 {
		return nil, false, rpcerr.New(rpcerr.NoEndpoint, "%s", ref)
	}
	return b.Connections.Create(ctx, eps)
}

// Filter keeps the endpoints ref can use and puts them in the order they
// are tried.
func (b *Binder) Filter(ref *reference.Reference, eps []endpoint.Endpoint) []endpoint.Endpoint {
	datagram := ref.Mode().IsDatagram()
	out := make([]endpoint.Endpoint, 0, len(eps))
	for _, e := range eps {
		if e.Datagram() != datagram {
			continue
		}
		if b.Transports != nil && !b.Transports.Supports(e) {
			continue
		}
		if ref.Secure() && !e.Secure() {
			continue
		}
		out = append(out, e)
	}
	if ref.EndpointSelection() == reference.Random {
		utils.Shuffle(out)
	}
	if !ref.Secure() {
		prefer := ref.PreferSecure()
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Secure() == prefer && out[j].Secure() != prefer
		})
	}
	return out
}
