package reference

import (
	"strings"

	"github.com/PwzXxm/ice-lite/endpoint"
	"github.com/PwzXxm/ice-lite/protocol"
	"github.com/PwzXxm/ice-lite/rpcerr"
)

// Defaults are applied to every reference a Factory creates.
type Defaults struct {
	Endpoint            endpoint.Defaults
	Encoding            protocol.EncodingVersion
	Locator             *Reference
	Router              *Reference
	LocatorCacheTimeout int
	InvocationTimeout   int
	EndpointSelection   EndpointSelection
	PreferSecure        bool
	CacheConnection     bool
}

// DefaultDefaults match an unconfigured communicator.
var DefaultDefaults = Defaults{
	Endpoint:            endpoint.DefaultDefaults,
	Encoding:            protocol.CurrentEncoding,
	LocatorCacheTimeout: -1,
	InvocationTimeout:   -1,
	CacheConnection:     true,
}

// Factory creates references from parts, strings and streams.
type Factory struct {
	defaults Defaults
}

func NewFactory(d Defaults) *Factory {
	f := new(Factory)
	f.defaults = d
	if f.defaults.Encoding == (protocol.EncodingVersion{}) {
		f.defaults.Encoding = protocol.CurrentEncoding
	}
	return f
}

func (f *Factory) Defaults() Defaults {
	return f.defaults
}

// SetDefaultLocator changes the locator given to references created from
// now on.
func (f *Factory) SetDefaultLocator(locator *Reference) {
	f.defaults.Locator = locator
}

// SetDefaultRouter changes the router given to references created from now
// on.
func (f *Factory) SetDefaultRouter(router *Reference) {
	f.defaults.Router = router
}

// Create returns a routable reference. With no endpoints and no adapter id
// the reference is well-known.
func (f *Factory) Create(id protocol.Identity, facet string, mode Mode, secure bool,
	eps []endpoint.Endpoint, adapterID string) *Reference {
	d := f.defaults
	r := &Reference{
		identity:            id,
		facet:               facet,
		mode:                mode,
		secure:              secure,
		protocol:            protocol.Protocol_1_0,
		encoding:            d.Encoding,
		locator:             d.Locator,
		router:              d.Router,
		locatorCacheTimeout: d.LocatorCacheTimeout,
		invocationTimeout:   d.InvocationTimeout,
		cacheConnection:     d.CacheConnection,
		preferSecure:        d.PreferSecure,
		selection:           d.EndpointSelection,
	}
	if len(eps) > 0 {
		r.endpoints = r.applyOverrides(eps)
	} else {
		r.adapterID = adapterID
	}
	return r
}

// CreateFixed returns a reference bound to conn.
func (f *Factory) CreateFixed(id protocol.Identity, conn Conn) *Reference {
	return &Reference{
		identity:          id,
		mode:              Twoway,
		protocol:          protocol.Protocol_1_0,
		encoding:          f.defaults.Encoding,
		invocationTimeout: f.defaults.InvocationTimeout,
		fixed:             conn,
	}
}

// Parse reads a proxy string. An empty string is the null proxy and yields
// a nil reference.
func (f *Factory) Parse(s string) (*Reference, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	p, err := parseString(s, f.defaults.Endpoint)
	if err != nil {
		return nil, err
	}
	r := f.Create(p.identity, p.facet, p.mode, p.secure, p.endpoints, p.adapterID)
	if p.protocol != nil {
		r.protocol = *p.protocol
	}
	if p.encoding != nil {
		r.encoding = *p.encoding
	}
	return r, nil
}

// MustParse is Parse for strings known to be valid.
func (f *Factory) MustParse(s string) *Reference {
	r, err := f.Parse(s)
	if err != nil {
		panic(err)
	}
	return r
}

// Marshal writes r as a proxy. A nil reference is written as the null
// proxy; a fixed reference cannot be marshaled.
func Marshal(os *protocol.OutputStream, r *Reference) error {
	if r == nil {
		os.WriteIdentity(protocol.Identity{})
		return nil
	}
	if r.fixed != nil {
		return rpcerr.New(rpcerr.FixedProxy, "cannot marshal a fixed proxy")
	}
	os.WriteIdentity(r.identity)
	os.WriteFacet(r.facet)
	os.WriteUint8(byte(r.mode))
	os.WriteBool(r.secure)
	if os.Encoding() != protocol.Encoding_1_0 {
		os.WriteProtocolVersion(r.protocol)
		os.WriteEncodingVersion(r.encoding)
	}
	os.WriteSize(len(r.endpoints))
	for _, e := range r.endpoints {
		e.Marshal(os)
	}
	if len(r.endpoints) == 0 {
		os.WriteString(r.adapterID)
	}
	return nil
}

// Unmarshal reads a proxy written by Marshal. The null proxy yields a nil
// reference and no error.
func (f *Factory) Unmarshal(is *protocol.InputStream) (*Reference, error) {
	id, err := is.ReadIdentity()
	if err != nil {
		return nil, err
	}
	if id.IsZero() {
		return nil, nil
	}
	facet, err := is.ReadFacet()
	if err != nil {
		return nil, err
	}
	m, err := is.ReadUint8()
	if err != nil {
		return nil, err
	}
	if Mode(m) > BatchDatagram {
		return nil, protocol.NewMarshalError("invalid proxy mode %d", m)
	}
	secure, err := is.ReadBool()
	if err != nil {
		return nil, err
	}
	proto, enc := protocol.Protocol_1_0, protocol.Encoding_1_0
	if is.Encoding() != protocol.Encoding_1_0 {
		if proto, err = is.ReadProtocolVersion(); err != nil {
			return nil, err
		}
		if enc, err = is.ReadEncodingVersion(); err != nil {
			return nil, err
		}
	}
	// an endpoint takes at least a type and an encapsulation header
	n, err := is.ReadAndCheckSeqSize(8)
	if err != nil {
		return nil, err
	}
	var eps []endpoint.Endpoint
	for i := 0; i < n; i++ {
		e, err := endpoint.Unmarshal(is)
		if err != nil {
			return nil, err
		}
		eps = append(eps, e)
	}
	adapterID := ""
	if n == 0 {
		if adapterID, err = is.ReadString(); err != nil {
			return nil, err
		}
	}
	r := f.Create(id, facet, Mode(m), secure, eps, adapterID)
	r.protocol, r.encoding = proto, enc
	return r, nil
}
