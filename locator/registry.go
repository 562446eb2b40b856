package locator

import (
	"context"
	"io/ioutil"
	"sort"

	"github.com/PwzXxm/ice-lite/protocol"
	"github.com/PwzXxm/ice-lite/reference"
	"github.com/PwzXxm/ice-lite/rpcerr"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
)

// registryState is what a Store persists. References are kept in their
// string form.
type registryState struct {
	Adapters map[string]string
	Objects  map[string]string
}

// Registry is a locator implementation: it maps adapter ids to direct
// proxies and well-known identities to proxies, and persists both.
type Registry struct {
	lock    deadlock.RWMutex
	store   Store
	factory *reference.Factory
	state   registryState
	logger  *logrus.Entry
}

// NewRegistry loads the registry state from store.
func NewRegistry(store Store, factory *reference.Factory, logger *logrus.Entry) (*Registry, error) {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(ioutil.Discard)
		logger = logrus.NewEntry(l)
	}
	r := &Registry{
		store:   store,
		factory: factory,
		logger:  logger.WithField("component", "registry"),
	}
	if _, err := store.Load(&r.state); err != nil {
		return nil, err
	}
	if r.state.Adapters == nil {
		r.state.Adapters = make(map[string]string)
	}
	if r.state.Objects == nil {
		r.state.Objects = make(map[string]string)
	}
	r.logger.Infof("loaded %d adapters and %d objects", len(r.state.Adapters), len(r.state.Objects))
	return r, nil
}

func (r *Registry) saveLocked() error {
	return r.store.Save(r.state)
}

func (r *Registry) FindObjectByID(ctx context.Context, id protocol.Identity) (*reference.Reference, error) {
	r.lock.RLock()
	s, ok := r.state.Objects[id.String()]
	r.lock.RUnlock()
	if !ok {
		return nil, new(ObjectNotFound)
	}
	return r.factory.Parse(s)
}

func (r *Registry) FindAdapterByID(ctx context.Context, adapterID string) (*reference.Reference, error) {
	r.lock.RLock()
	s, ok := r.state.Adapters[adapterID]
	r.lock.RUnlock()
	if !ok {
		return nil, new(AdapterNotFound)
	}
	return r.factory.Parse(s)
}

// SetAdapterDirectProxy records the endpoints of an adapter. A nil proxy
// removes the adapter.
func (r *Registry) SetAdapterDirectProxy(ctx context.Context, adapterID string, proxy *reference.Reference) error {
	if adapterID == "" {
		return new(AdapterNotFound)
	}
	if proxy != nil && proxy.IsIndirect() {
		return rpcerr.New(rpcerr.NoEndpoint, "adapter %q registered without endpoints", adapterID)
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if proxy == nil {
		delete(r.state.Adapters, adapterID)
		r.logger.Infof("adapter %s removed", adapterID)
	} else {
		r.state.Adapters[adapterID] = proxy.String()
		r.logger.Infof("adapter %s set to %s", adapterID, proxy)
	}
	return r.saveLocked()
}

// AddObject registers a well-known object under its identity.
func (r *Registry) AddObject(ctx context.Context, proxy *reference.Reference) error {
	if proxy == nil || proxy.Identity().Name == "" {
		return rpcerr.New(rpcerr.IllegalIdentity, "well-known object without identity")
	}
	key := proxy.Identity().String()
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.state.Objects[key]; ok {
		return rpcerr.New(rpcerr.AlreadyRegistered, "object %q", key)
	}
	r.state.Objects[key] = proxy.String()
	r.logger.Infof("object %s added as %s", key, proxy)
	return r.saveLocked()
}

func (r *Registry) RemoveObject(ctx context.Context, id protocol.Identity) error {
	key := id.String()
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.state.Objects[key]; !ok {
		return rpcerr.New(rpcerr.NotRegistered, "object %q", key)
	}
	delete(r.state.Objects, key)
	r.logger.Infof("object %s removed", key)
	return r.saveLocked()
}

// Entry is one registration, for listings.
type Entry struct {
	Key   string
	Proxy string
}

func sortedEntries(m map[string]string) []Entry {
	out := make([]Entry, 0, len(m))
	for k, v := range m {
		out = append(out, Entry{Key: k, Proxy: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (r *Registry) Adapters() []Entry {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return sortedEntries(r.state.Adapters)
}

func (r *Registry) Objects() []Entry {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return sortedEntries(r.state.Objects)
}

func (r *Registry) Close() error {
	return r.store.Close()
}
