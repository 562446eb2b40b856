package communicator

import (
	"context"

	"github.com/PwzXxm/ice-lite/connection"
	"github.com/PwzXxm/ice-lite/endpoint"
	"github.com/PwzXxm/ice-lite/invocation"
	"github.com/PwzXxm/ice-lite/protocol"
	"github.com/PwzXxm/ice-lite/reference"
	"github.com/PwzXxm/ice-lite/reqhandler"
	"github.com/PwzXxm/ice-lite/rpcerr"
)

// Proxy invokes operations on the object a reference designates. Proxies
// are immutable: the With methods return new proxies. Each proxy keeps its
// own request handler and batch queue.
type Proxy struct {
	comm     *Communicator
	ref      *reference.Reference
	handlers *reqhandler.Cache
	batch    *invocation.BatchQueue
}

// Proxy wraps ref, applying the Ice.Override settings.
func (c *Communicator) Proxy(ref *reference.Reference) *Proxy {
	if ref == nil {
		return nil
	}
	if !ref.IsFixed() {
		if t := c.settings.OverrideTimeout; t != nil {
			if r, err := ref.WithTimeout(*t); err == nil {
				ref = r
			}
		}
		if z := c.settings.OverrideCompress; z != nil {
			ref = ref.WithCompress(*z)
		}
	}
	return &Proxy{
		comm:     c,
		ref:      ref,
		handlers: reqhandler.NewCache(c.handlers, ref),
		batch:    invocation.NewBatchQueue(c.settings.BatchAutoFlushSize),
	}
}

func (p *Proxy) Communicator() *Communicator         { return p.comm }
func (p *Proxy) Reference() *reference.Reference     { return p.ref }
func (p *Proxy) String() string                      { return p.ref.String() }
func (p *Proxy) Identity() protocol.Identity         { return p.ref.Identity() }
func (p *Proxy) Facet() string                       { return p.ref.Facet() }
func (p *Proxy) Mode() reference.Mode                { return p.ref.Mode() }
func (p *Proxy) Endpoints() []endpoint.Endpoint      { return p.ref.Endpoints() }
func (p *Proxy) AdapterID() string                   { return p.ref.AdapterID() }
func (p *Proxy) Encoding() protocol.EncodingVersion  { return p.ref.Encoding() }
func (p *Proxy) IsFixed() bool                       { return p.ref.IsFixed() }
func (p *Proxy) IsTwoway() bool                      { return p.ref.IsTwoway() }
func (p *Proxy) Equal(o *Proxy) bool                 { return o != nil && p.ref.Equal(o.ref) }
func (p *Proxy) Context() map[string]string          { return p.ref.Context() }
func (p *Proxy) InvocationTimeout() int              { return p.ref.InvocationTimeout() }
func (p *Proxy) EndpointSelection() reference.EndpointSelection {
	return p.ref.EndpointSelection()
}

// Locator returns the proxy of the reference's locator, nil for none.
func (p *Proxy) Locator() *Proxy {
	return p.comm.Proxy(p.ref.Locator())
}

func (p *Proxy) Router() *Proxy {
	return p.comm.Proxy(p.ref.Router())
}

type invokeOptions struct {
	context  map[string]string
	declared []string
}

type InvokeOption func(*invokeOptions)

// WithRequestContext sends ctx instead of the proxy's context.
func WithRequestContext(ctx map[string]string) InvokeOption {
	return func(o *invokeOptions) {
		if ctx == nil {
			ctx = map[string]string{}
		}
		o.context = ctx
	}
}

// Declared lists the user errors the operation may raise.
func Declared(typeIDs ...string) InvokeOption {
	return func(o *invokeOptions) {
		o.declared = append(o.declared, typeIDs...)
	}
}

// Encode builds an encapsulation in the proxy's encoding.
func (p *Proxy) Encode(write func(os *protocol.OutputStream)) protocol.Encaps {
	enc := p.ref.Encoding()
	os := protocol.NewOutputStream(enc)
	if write != nil {
		write(os)
	}
	return protocol.Encaps{Encoding: enc, Data: os.Bytes()}
}

// Invoke calls op with the encoded in parameters and returns the encoded
// out parameters. Oneway and datagram calls return once sent, batch calls
// once queued. A user error is decoded when declared, which requires a
// twoway proxy.
func (p *Proxy) Invoke(ctx context.Context, op string, mode protocol.OperationMode, in protocol.Encaps, opts ...InvokeOption) (protocol.Encaps, error) {
	if err := p.comm.checkDestroyed(); err != nil {
		return protocol.Encaps{}, err
	}
	var o invokeOptions
	for _, opt := range opts {
		opt(&o)
	}
	// declared user errors only come back in a reply
	if len(o.declared) > 0 {
		if err := p.twowayOnly(op); err != nil {
			return protocol.Encaps{}, err
		}
	}
	if in.Encoding == (protocol.EncodingVersion{}) {
		in.Encoding = p.ref.Encoding()
	}
	r := &invocation.Request{Operation: op, Mode: mode, Context: o.context, Params: in}
	if p.ref.Mode().IsBatch() {
		if p.batch.Add(p.ref, r) {
			return protocol.Encaps{}, p.FlushBatchRequests(ctx)
		}
		return protocol.Encaps{}, nil
	}
	reply, err := p.comm.engine.Invoke(ctx, p.handlers, r)
	if err != nil || reply == nil {
		return protocol.Encaps{}, err
	}
	if reply.Status == protocol.ReplyUserException {
		return protocol.Encaps{}, rpcerr.ReplyError(reply, o.declared)
	}
	return reply.Payload, nil
}

// FlushBatchRequests sends the queued batch requests in one message.
func (p *Proxy) FlushBatchRequests(ctx context.Context) error {
	if err := p.comm.checkDestroyed(); err != nil {
		return err
	}
	return p.comm.engine.Flush(ctx, p.handlers, p.batch)
}

// BatchRequests is the number of queued batch requests.
func (p *Proxy) BatchRequests() int {
	return p.batch.Len()
}

// Connection returns the connection the proxy uses, establishing it if
// needed.
func (p *Proxy) Connection(ctx context.Context) (*connection.Connection, error) {
	if err := p.comm.checkDestroyed(); err != nil {
		return nil, err
	}
	h := p.handlers.Get()
	conn, err := h.Connection(ctx)
	if err != nil {
		p.handlers.Clear(h)
		return nil, err
	}
	return conn, nil
}

// CachedConnection returns the connection bound to the proxy, nil when
// the proxy has not connected yet.
func (p *Proxy) CachedConnection() *connection.Connection {
	if p.ref.IsFixed() {
		conn, _ := p.ref.FixedConn().(*connection.Connection)
		return conn
	}
	h := p.handlers.Peek()
	if ch, ok := h.(*reqhandler.ConnectionHandler); ok {
		conn, _ := ch.Connection(context.Background())
		return conn
	}
	return nil
}

func (p *Proxy) twowayOnly(op string) error {
	if !p.ref.IsTwoway() {
		return rpcerr.New(rpcerr.TwowayOnly, "operation %s requires a twoway proxy", op)
	}
	return nil
}

func (p *Proxy) Ping(ctx context.Context) error {
	_, err := p.Invoke(ctx, "ice_ping", protocol.Nonmutating, protocol.EmptyEncaps(p.ref.Encoding()))
	return err
}

// IsA reports whether the object implements typeID.
func (p *Proxy) IsA(ctx context.Context, typeID string) (bool, error) {
	if err := p.twowayOnly("ice_isA"); err != nil {
		return false, err
	}
	in := p.Encode(func(os *protocol.OutputStream) { os.WriteString(typeID) })
	out, err := p.Invoke(ctx, "ice_isA", protocol.Nonmutating, in)
	if err != nil {
		return false, err
	}
	return out.Stream().ReadBool()
}

// ID returns the most derived type id of the object.
func (p *Proxy) ID(ctx context.Context) (string, error) {
	if err := p.twowayOnly("ice_id"); err != nil {
		return "", err
	}
	out, err := p.Invoke(ctx, "ice_id", protocol.Nonmutating, protocol.EmptyEncaps(p.ref.Encoding()))
	if err != nil {
		return "", err
	}
	return out.Stream().ReadString()
}

func (p *Proxy) IDs(ctx context.Context) ([]string, error) {
	if err := p.twowayOnly("ice_ids"); err != nil {
		return nil, err
	}
	out, err := p.Invoke(ctx, "ice_ids", protocol.Nonmutating, protocol.EmptyEncaps(p.ref.Encoding()))
	if err != nil {
		return nil, err
	}
	return out.Stream().ReadStringSeq()
}

// Checked returns the proxy if the object implements typeID, nil if it
// does not.
func (p *Proxy) Checked(ctx context.Context, typeID string) (*Proxy, error) {
	ok, err := p.IsA(ctx, typeID)
	if err != nil || !ok {
		return nil, err
	}
	return p, nil
}

func (p *Proxy) with(ref *reference.Reference) *Proxy {
	if ref == p.ref {
		return p
	}
	return p.comm.Proxy(ref)
}

func (p *Proxy) withErr(ref *reference.Reference, err error) (*Proxy, error) {
	if err != nil {
		return nil, err
	}
	return p.with(ref), nil
}

func (p *Proxy) WithIdentity(id protocol.Identity) *Proxy { return p.with(p.ref.WithIdentity(id)) }
func (p *Proxy) WithFacet(facet string) *Proxy           { return p.with(p.ref.WithFacet(facet)) }
func (p *Proxy) WithMode(m reference.Mode) *Proxy        { return p.with(p.ref.WithMode(m)) }
func (p *Proxy) Twoway() *Proxy                          { return p.WithMode(reference.Twoway) }
func (p *Proxy) Oneway() *Proxy                          { return p.WithMode(reference.Oneway) }
func (p *Proxy) BatchOneway() *Proxy                     { return p.WithMode(reference.BatchOneway) }
func (p *Proxy) Datagram() *Proxy                        { return p.WithMode(reference.Datagram) }
func (p *Proxy) BatchDatagram() *Proxy                   { return p.WithMode(reference.BatchDatagram) }
func (p *Proxy) WithSecure(secure bool) *Proxy           { return p.with(p.ref.WithSecure(secure)) }
func (p *Proxy) WithContext(ctx map[string]string) *Proxy {
	return p.with(p.ref.WithContext(ctx))
}
func (p *Proxy) WithCompress(compress bool) *Proxy { return p.with(p.ref.WithCompress(compress)) }
func (p *Proxy) WithInvocationTimeout(ms int) *Proxy {
	return p.with(p.ref.WithInvocationTimeout(ms))
}
func (p *Proxy) WithEncoding(enc protocol.EncodingVersion) *Proxy {
	return p.with(p.ref.WithEncoding(enc))
}

// WithFixed binds the proxy to conn.
func (p *Proxy) WithFixed(conn *connection.Connection) *Proxy {
	return p.with(p.ref.WithFixed(conn))
}

func (p *Proxy) WithTimeout(ms int32) (*Proxy, error) {
	return p.withErr(p.ref.WithTimeout(ms))
}

func (p *Proxy) WithConnectionID(id string) (*Proxy, error) {
	return p.withErr(p.ref.WithConnectionID(id))
}

func (p *Proxy) WithEndpoints(eps []endpoint.Endpoint) (*Proxy, error) {
	return p.withErr(p.ref.WithEndpoints(eps))
}

func (p *Proxy) WithAdapterID(id string) (*Proxy, error) {
	return p.withErr(p.ref.WithAdapterID(id))
}

// WithLocator sets the locator; nil removes it.
func (p *Proxy) WithLocator(loc *Proxy) (*Proxy, error) {
	var ref *reference.Reference
	if loc != nil {
		ref = loc.ref
	}
	return p.withErr(p.ref.WithLocator(ref))
}

// WithRouter sets the router; nil removes it.
func (p *Proxy) WithRouter(rt *Proxy) (*Proxy, error) {
	var ref *reference.Reference
	if rt != nil {
		ref = rt.ref
	}
	return p.withErr(p.ref.WithRouter(ref))
}

func (p *Proxy) WithLocatorCacheTimeout(seconds int) (*Proxy, error) {
	return p.withErr(p.ref.WithLocatorCacheTimeout(seconds))
}

func (p *Proxy) WithCacheConnection(cache bool) (*Proxy, error) {
	return p.withErr(p.ref.WithCacheConnection(cache))
}

func (p *Proxy) WithPreferSecure(prefer bool) (*Proxy, error) {
	return p.withErr(p.ref.WithPreferSecure(prefer))
}

func (p *Proxy) WithEndpointSelection(s reference.EndpointSelection) (*Proxy, error) {
	return p.withErr(p.ref.WithEndpointSelection(s))
}
