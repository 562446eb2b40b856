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

// Package reference holds the immutable description of how to reach a
// remote object. Every With* method returns the receiver when the value is
// unchanged and a modified copy otherwise; a Reference is never mutated
// after construction, so it can be shared freely between proxies.
package reference

import (
	"fmt"
	"sort"
	"strings"

	"github.com/PwzXxm/ice-lite/endpoint"
	"github.com/PwzXxm/ice-lite/protocol"
	"github.com/PwzXxm/ice-lite/rpcerr"
)

// Mode is the invocation mode of a reference.
type Mode byte

const (
	Twoway Mode = iota
	Oneway
	BatchOneway
	Datagram
	BatchDatagram
)

func (m Mode) String() string {
	switch m {
	case Twoway:
		return "twoway"
	case Oneway:
		return "oneway"
	case BatchOneway:
		return "batch oneway"
	case Datagram:
		return "datagram"
	case BatchDatagram:
		return "batch datagram"
	}
	return fmt.Sprintf("mode(%d)", byte(m))
}

func (m Mode) IsBatch() bool {
	return m == BatchOneway || m == BatchDatagram
}

func (m Mode) IsDatagram() bool {
	return m == Datagram || m == BatchDatagram
}

// flag is the proxy-string option of the mode.
func (m Mode) flag() string {
	return [...]string{"-t", "-o", "-O", "-d", "-D"}[m]
}

// EndpointSelection orders the endpoints tried when binding a connection.
type EndpointSelection byte

const (
	Random EndpointSelection = iota
	Ordered
)

func (s EndpointSelection) String() string {
	if s == Ordered {
		return "Ordered"
	}
	return "Random"
}

// ParseEndpointSelection accepts "Random" or "Ordered".
func ParseEndpointSelection(s string) (EndpointSelection, error) {
	switch s {
	case "Random", "":
		return Random, nil
	case "Ordered":
		return Ordered, nil
	}
	return Random, rpcerr.New(rpcerr.Initialization, "unknown endpoint selection %q", s)
}

// Conn is an established connection a fixed reference is bound to.
type Conn interface {
	Endpoint() endpoint.Endpoint
	String() string
}

// Reference is either fixed to a Conn, or resolved through its endpoints,
// its adapter id, its identity (well-known) or its router.
type Reference struct {
	identity protocol.Identity
	facet    string
	mode     Mode
	secure   bool
	protocol protocol.ProtocolVersion
	encoding protocol.EncodingVersion
	context  map[string]string

	// nil means no override
	compress *bool

	// routable part, unused by fixed references
	endpoints           []endpoint.Endpoint
	adapterID           string
	locator             *Reference
	router              *Reference
	locatorCacheTimeout int
	invocationTimeout   int
	overrideTimeout     bool
	timeout             int32
	connectionID        string
	cacheConnection     bool
	preferSecure        bool
	selection           EndpointSelection

	fixed Conn
}

func (r *Reference) clone() *Reference {
	c := *r
	return &c
}

func (r *Reference) Identity() protocol.Identity {
	return r.identity
}

func (r *Reference) Facet() string {
	return r.facet
}

func (r *Reference) Mode() Mode {
	return r.mode
}

func (r *Reference) Secure() bool {
	return r.secure
}

func (r *Reference) Protocol() protocol.ProtocolVersion {
	return r.protocol
}

func (r *Reference) Encoding() protocol.EncodingVersion {
	return r.encoding
}

// Context returns the request context. Callers must not modify it.
func (r *Reference) Context() map[string]string {
	return r.context
}

// Compress returns the compression override, if any.
func (r *Reference) Compress() (compress bool, ok bool) {
	if r.compress == nil {
		return false, false
	}
	return *r.compress, true
}

// Endpoints returns the direct endpoints. Callers must not modify the slice.
func (r *Reference) Endpoints() []endpoint.Endpoint {
	return r.endpoints
}

func (r *Reference) AdapterID() string {
	return r.adapterID
}

func (r *Reference) Locator() *Reference {
	return r.locator
}

func (r *Reference) Router() *Reference {
	return r.router
}

// LocatorCacheTimeout is in seconds: 0 disables the cache, -1 never expires.
func (r *Reference) LocatorCacheTimeout() int {
	return r.locatorCacheTimeout
}

// InvocationTimeout is in milliseconds, -1 for none.
func (r *Reference) InvocationTimeout() int {
	return r.invocationTimeout
}

// Timeout returns the endpoint timeout override, if any.
func (r *Reference) Timeout() (int32, bool) {
	return r.timeout, r.overrideTimeout
}

func (r *Reference) ConnectionID() string {
	return r.connectionID
}

func (r *Reference) CacheConnection() bool {
	return r.cacheConnection
}

func (r *Reference) PreferSecure() bool {
	return r.preferSecure
}

func (r *Reference) EndpointSelection() EndpointSelection {
	return r.selection
}

// FixedConn returns the connection of a fixed reference, nil otherwise.
func (r *Reference) FixedConn() Conn {
	return r.fixed
}

func (r *Reference) IsFixed() bool {
	return r.fixed != nil
}

// IsIndirect reports whether the reference needs the locator: it has an
// adapter id or nothing but an identity.
func (r *Reference) IsIndirect() bool {
	return r.fixed == nil && len(r.endpoints) == 0
}

// IsWellKnown reports whether the reference carries only an identity.
func (r *Reference) IsWellKnown() bool {
	return r.IsIndirect() && r.adapterID == ""
}

func (r *Reference) IsTwoway() bool {
	return r.mode == Twoway
}

func fixedError(what string) error {
	return rpcerr.New(rpcerr.FixedProxy, "cannot change the %s of a fixed proxy", what)
}

func (r *Reference) WithIdentity(id protocol.Identity) *Reference {
	if id == r.identity {
		return r
	}
	c := r.clone()
	c.identity = id
	return c
}

func (r *Reference) WithFacet(facet string) *Reference {
	if facet == r.facet {
		return r
	}
	c := r.clone()
	c.facet = facet
	return c
}

// WithMode switches the invocation mode. The modes are exclusive.
func (r *Reference) WithMode(m Mode) *Reference {
	if m == r.mode {
		return r
	}
	c := r.clone()
	c.mode = m
	return c
}

func (r *Reference) WithSecure(secure bool) *Reference {
	if secure == r.secure {
		return r
	}
	c := r.clone()
	c.secure = secure
	return c
}

func (r *Reference) WithEncoding(enc protocol.EncodingVersion) *Reference {
	if enc == r.encoding {
		return r
	}
	c := r.clone()
	c.encoding = enc
	return c
}

func (r *Reference) WithProtocol(p protocol.ProtocolVersion) *Reference {
	if p == r.protocol {
		return r
	}
	c := r.clone()
	c.protocol = p
	return c
}

// WithContext copies ctx into the returned reference.
func (r *Reference) WithContext(ctx map[string]string) *Reference {
	if mapsEqual(ctx, r.context) {
		return r
	}
	c := r.clone()
	c.context = make(map[string]string, len(ctx))
	for k, v := range ctx {
		c.context[k] = v
	}
	return c
}

func (r *Reference) WithCompress(compress bool) *Reference {
	if r.compress != nil && *r.compress == compress {
		return r
	}
	c := r.clone()
	c.compress = &compress
	c.endpoints = c.applyOverrides(r.endpoints)
	return c
}

func (r *Reference) WithInvocationTimeout(ms int) *Reference {
	if ms == r.invocationTimeout {
		return r
	}
	c := r.clone()
	c.invocationTimeout = ms
	return c
}

// WithEndpoints makes the reference direct. It clears the adapter id.
func (r *Reference) WithEndpoints(eps []endpoint.Endpoint) (*Reference, error) {
	if r.fixed != nil {
		return nil, fixedError("endpoints")
	}
	if r.adapterID == "" && endpointsEqual(eps, r.endpoints) {
		return r, nil
	}
	c := r.clone()
	c.adapterID = ""
	c.endpoints = c.applyOverrides(eps)
	return c, nil
}

// WithAdapterID makes the reference indirect. It clears the endpoints.
func (r *Reference) WithAdapterID(id string) (*Reference, error) {
	if r.fixed != nil {
		return nil, fixedError("adapter id")
	}
	if id == r.adapterID && len(r.endpoints) == 0 {
		return r, nil
	}
	c := r.clone()
	c.adapterID = id
	c.endpoints = nil
	return c, nil
}

func (r *Reference) WithLocator(locator *Reference) (*Reference, error) {
	if r.fixed != nil {
		return nil, fixedError("locator")
	}
	if refsEqual(locator, r.locator) {
		return r, nil
	}
	c := r.clone()
	c.locator = locator
	return c, nil
}

func (r *Reference) WithRouter(router *Reference) (*Reference, error) {
	if r.fixed != nil {
		return nil, fixedError("router")
	}
	if refsEqual(router, r.router) {
		return r, nil
	}
	c := r.clone()
	c.router = router
	return c, nil
}

func (r *Reference) WithLocatorCacheTimeout(seconds int) (*Reference, error) {
	if r.fixed != nil {
		return nil, fixedError("locator cache timeout")
	}
	if seconds < -1 {
		return nil, rpcerr.New(rpcerr.Initialization, "invalid locator cache timeout %d", seconds)
	}
	if seconds == r.locatorCacheTimeout {
		return r, nil
	}
	c := r.clone()
	c.locatorCacheTimeout = seconds
	return c, nil
}

func (r *Reference) WithCacheConnection(cache bool) (*Reference, error) {
	if r.fixed != nil {
		return nil, fixedError("connection caching")
	}
	if cache == r.cacheConnection {
		return r, nil
	}
	c := r.clone()
	c.cacheConnection = cache
	return c, nil
}

func (r *Reference) WithPreferSecure(prefer bool) (*Reference, error) {
	if r.fixed != nil {
		return nil, fixedError("secure preference")
	}
	if prefer == r.preferSecure {
		return r, nil
	}
	c := r.clone()
	c.preferSecure = prefer
	return c, nil
}

func (r *Reference) WithEndpointSelection(s EndpointSelection) (*Reference, error) {
	if r.fixed != nil {
		return nil, fixedError("endpoint selection")
	}
	if s == r.selection {
		return r, nil
	}
	c := r.clone()
	c.selection = s
	return c, nil
}

// WithTimeout overrides the timeout of every endpoint.
func (r *Reference) WithTimeout(ms int32) (*Reference, error) {
	if r.fixed != nil {
		return nil, fixedError("timeout")
	}
	if ms < 1 && ms != endpoint.InfiniteTimeout {
		return nil, rpcerr.New(rpcerr.Initialization, "invalid timeout %d", ms)
	}
	if r.overrideTimeout && ms == r.timeout {
		return r, nil
	}
	c := r.clone()
	c.overrideTimeout, c.timeout = true, ms
	c.endpoints = c.applyOverrides(r.endpoints)
	return c, nil
}

// WithConnectionID tags the endpoints so the reference does not share
// connections with references using another id.
func (r *Reference) WithConnectionID(id string) (*Reference, error) {
	if r.fixed != nil {
		return nil, fixedError("connection id")
	}
	if id == r.connectionID {
		return r, nil
	}
	c := r.clone()
	c.connectionID = id
	c.endpoints = c.applyOverrides(r.endpoints)
	return c, nil
}

// WithFixed binds the reference to conn. The result is a fixed reference
// that never resolves anything.
func (r *Reference) WithFixed(conn Conn) *Reference {
	if conn == r.fixed {
		return r
	}
	c := r.clone()
	c.fixed = conn
	c.endpoints, c.adapterID = nil, ""
	c.locator, c.router = nil, nil
	return c
}

// applyOverrides returns eps with the connection id and timeout override of
// r applied.
func (r *Reference) applyOverrides(eps []endpoint.Endpoint) []endpoint.Endpoint {
	if len(eps) == 0 {
		return nil
	}
	out := make([]endpoint.Endpoint, len(eps))
	for i, e := range eps {
		e = e.WithConnectionID(r.connectionID)
		if r.overrideTimeout {
			e = e.WithTimeout(r.timeout)
		}
		if r.compress != nil {
			e = e.WithCompress(*r.compress)
		}
		out[i] = e
	}
	return out
}

// ApplyOverrides applies the connection id, timeout and compression
// overrides of r to endpoints obtained from elsewhere, such as the locator.
func (r *Reference) ApplyOverrides(eps []endpoint.Endpoint) []endpoint.Endpoint {
	return r.applyOverrides(eps)
}

// Equal compares every field.
func (r *Reference) Equal(o *Reference) bool {
	if r == o {
		return true
	}
	if r == nil || o == nil {
		return false
	}
	if r.identity != o.identity || r.facet != o.facet || r.mode != o.mode ||
		r.secure != o.secure || r.protocol != o.protocol || r.encoding != o.encoding ||
		!mapsEqual(r.context, o.context) || r.fixed != o.fixed {
		return false
	}
	if (r.compress == nil) != (o.compress == nil) || r.compress != nil && *r.compress != *o.compress {
		return false
	}
	return r.adapterID == o.adapterID &&
		endpointsEqual(r.endpoints, o.endpoints) &&
		refsEqual(r.locator, o.locator) &&
		refsEqual(r.router, o.router) &&
		r.locatorCacheTimeout == o.locatorCacheTimeout &&
		r.invocationTimeout == o.invocationTimeout &&
		r.overrideTimeout == o.overrideTimeout && r.timeout == o.timeout &&
		r.connectionID == o.connectionID &&
		r.cacheConnection == o.cacheConnection &&
		r.preferSecure == o.preferSecure &&
		r.selection == o.selection
}

// Key is a string equal for two references exactly when Equal holds. It is
// used to key registries of per-reference state.
func (r *Reference) Key() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(r.String())
	if r.fixed != nil {
		fmt.Fprintf(&b, "|fixed=%p", r.fixed)
	}
	if r.compress != nil {
		fmt.Fprintf(&b, "|z=%v", *r.compress)
	}
	if r.overrideTimeout {
		fmt.Fprintf(&b, "|t=%d", r.timeout)
	}
	fmt.Fprintf(&b, "|lct=%d|it=%d|cid=%q|cc=%v|ps=%v|sel=%d",
		r.locatorCacheTimeout, r.invocationTimeout, r.connectionID,
		r.cacheConnection, r.preferSecure, r.selection)
	for _, k := range sortedKeys(r.context) {
		fmt.Fprintf(&b, "|ctx:%q=%q", k, r.context[k])
	}
	if r.locator != nil {
		b.WriteString("|loc{" + r.locator.Key() + "}")
	}
	if r.router != nil {
		b.WriteString("|rt{" + r.router.Key() + "}")
	}
	return b.String()
}

func refsEqual(a, b *Reference) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(b)
}

func endpointsEqual(a, b []endpoint.Endpoint) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !endpoint.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
