package communicator

import (
	"context"

	"github.com/PwzXxm/ice-lite/locator"
	"github.com/PwzXxm/ice-lite/protocol"
	"github.com/PwzXxm/ice-lite/reference"
)

const (
	LocatorTypeID = "::Ice::Locator"
	RouterTypeID  = "::Ice::Router"
)

// locatorStub calls a remote locator.
type locatorStub struct {
	proxy *Proxy
}

func (s *locatorStub) readProxy(out protocol.Encaps) (*reference.Reference, error) {
	return s.proxy.comm.refs.Unmarshal(out.Stream())
}

func (s *locatorStub) FindObjectByID(ctx context.Context, id protocol.Identity) (*reference.Reference, error) {
	in := s.proxy.Encode(func(os *protocol.OutputStream) { os.WriteIdentity(id) })
	out, err := s.proxy.Invoke(ctx, "findObjectById", protocol.Nonmutating, in, Declared(locator.ObjectNotFoundTypeID))
	if err != nil {
		return nil, err
	}
	return s.readProxy(out)
}

func (s *locatorStub) FindAdapterByID(ctx context.Context, adapterID string) (*reference.Reference, error) {
	in := s.proxy.Encode(func(os *protocol.OutputStream) { os.WriteString(adapterID) })
	out, err := s.proxy.Invoke(ctx, "findAdapterById", protocol.Nonmutating, in, Declared(locator.AdapterNotFoundTypeID))
	if err != nil {
		return nil, err
	}
	return s.readProxy(out)
}

func (s *locatorStub) SetAdapterDirectProxy(ctx context.Context, adapterID string, proxy *reference.Reference) error {
	var merr error
	in := s.proxy.Encode(func(os *protocol.OutputStream) {
		os.WriteString(adapterID)
		merr = reference.Marshal(os, proxy)
	})
	if merr != nil {
		return merr
	}
	_, err := s.proxy.Invoke(ctx, "setAdapterDirectProxy", protocol.Idempotent, in, Declared(locator.AdapterNotFoundTypeID))
	return err
}

// LocatorClient is a typed proxy for a locator that also manages a
// registry.
type LocatorClient struct {
	*locatorStub
}

func NewLocatorClient(p *Proxy) *LocatorClient {
	return &LocatorClient{&locatorStub{proxy: p}}
}

func (l *LocatorClient) Proxy() *Proxy {
	return l.proxy
}

func (l *LocatorClient) AddObject(ctx context.Context, proxy *Proxy) error {
	var merr error
	in := l.proxy.Encode(func(os *protocol.OutputStream) { merr = reference.Marshal(os, proxy.Reference()) })
	if merr != nil {
		return merr
	}
	_, err := l.proxy.Invoke(ctx, "addObject", protocol.Normal, in)
	return err
}

func (l *LocatorClient) RemoveObject(ctx context.Context, id protocol.Identity) error {
	in := l.proxy.Encode(func(os *protocol.OutputStream) { os.WriteIdentity(id) })
	_, err := l.proxy.Invoke(ctx, "removeObject", protocol.Normal, in)
	return err
}

// NewLocatorServant serves reg as a locator. Proxies read from requests are
// created by the adapter's communicator.
func NewLocatorServant(reg *locator.Registry) *ObjectServant {
	writeProxy := func(cur *Current, r *reference.Reference) ([]byte, error) {
		out := cur.Output()
		if err := reference.Marshal(out, r); err != nil {
			return nil, err
		}
		return out.Bytes(), nil
	}
	ops := map[string]Operation{
		"findObjectById": func(ctx context.Context, cur *Current, in *protocol.InputStream) ([]byte, error) {
			id, err := in.ReadIdentity()
			if err != nil {
				return nil, err
			}
			r, err := reg.FindObjectByID(ctx, id)
			if err != nil {
				return nil, err
			}
			return writeProxy(cur, r)
		},
		"findAdapterById": func(ctx context.Context, cur *Current, in *protocol.InputStream) ([]byte, error) {
			id, err := in.ReadString()
			if err != nil {
				return nil, err
			}
			r, err := reg.FindAdapterByID(ctx, id)
			if err != nil {
				return nil, err
			}
			return writeProxy(cur, r)
		},
		"setAdapterDirectProxy": func(ctx context.Context, cur *Current, in *protocol.InputStream) ([]byte, error) {
			id, err := in.ReadString()
			if err != nil {
				return nil, err
			}
			r, err := cur.Adapter.comm.refs.Unmarshal(in)
			if err != nil {
				return nil, err
			}
			return nil, reg.SetAdapterDirectProxy(ctx, id, r)
		},
		"addObject": func(ctx context.Context, cur *Current, in *protocol.InputStream) ([]byte, error) {
			r, err := cur.Adapter.comm.refs.Unmarshal(in)
			if err != nil {
				return nil, err
			}
			return nil, reg.AddObject(ctx, r)
		},
		"removeObject": func(ctx context.Context, cur *Current, in *protocol.InputStream) ([]byte, error) {
			id, err := in.ReadIdentity()
			if err != nil {
				return nil, err
			}
			return nil, reg.RemoveObject(ctx, id)
		},
	}
	return NewObjectServant(LocatorTypeID, ops)
}

// routerStub calls a remote router.
type routerStub struct {
	proxy *Proxy
}

func (s *routerStub) ClientProxy(ctx context.Context) (*reference.Reference, error) {
	out, err := s.proxy.Invoke(ctx, "getClientProxy", protocol.Nonmutating, protocol.EmptyEncaps(s.proxy.Encoding()))
	if err != nil {
		return nil, err
	}
	return s.proxy.comm.refs.Unmarshal(out.Stream())
}

func (s *routerStub) AddProxies(ctx context.Context, proxies []*reference.Reference) ([]*reference.Reference, error) {
	var merr error
	in := s.proxy.Encode(func(os *protocol.OutputStream) { merr = WriteProxySeq(os, proxies) })
	if merr != nil {
		return nil, merr
	}
	out, err := s.proxy.Invoke(ctx, "addProxies", protocol.Idempotent, in)
	if err != nil {
		return nil, err
	}
	return ReadProxySeq(s.proxy.comm.refs, out.Stream())
}

// WriteProxySeq encodes a sequence of proxies.
func WriteProxySeq(os *protocol.OutputStream, proxies []*reference.Reference) error {
	os.WriteSize(len(proxies))
	for _, p := range proxies {
		if err := reference.Marshal(os, p); err != nil {
			return err
		}
	}
	return nil
}

// ReadProxySeq decodes a sequence of proxies.
func ReadProxySeq(f *reference.Factory, is *protocol.InputStream) ([]*reference.Reference, error) {
	n, err := is.ReadAndCheckSeqSize(2)
	if err != nil {
		return nil, err
	}
	out := make([]*reference.Reference, 0, n)
	for i := 0; i < n; i++ {
		r, err := f.Unmarshal(is)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
