package locator

import (
	"time"

	"github.com/PwzXxm/ice-lite/endpoint"
	"github.com/PwzXxm/ice-lite/protocol"
	"github.com/PwzXxm/ice-lite/reference"
	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds each of the two caches of a Table.
const DefaultCacheSize = 1024

type adapterEntry struct {
	at        time.Time
	endpoints []endpoint.Endpoint
}

type objectEntry struct {
	at  time.Time
	ref *reference.Reference
}

// Table caches locator answers: endpoints by adapter id and references by
// well-known identity. Entries are looked up with a time to live in
// seconds; a negative ttl never expires, 0 bypasses the cache.
type Table struct {
	clock    clock.Clock
	adapters *lru.Cache[string, adapterEntry]
	objects  *lru.Cache[protocol.Identity, objectEntry]
}

func NewTable(size int, clk clock.Clock) *Table {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if clk == nil {
		clk = clock.New()
	}
	// lru.New only fails for a non positive size
	adapters, _ := lru.New[string, adapterEntry](size)
	objects, _ := lru.New[protocol.Identity, objectEntry](size)
	return &Table{clock: clk, adapters: adapters, objects: objects}
}

func (t *Table) valid(at time.Time, ttl int) bool {
	if ttl < 0 {
		return true
	}
	if ttl == 0 {
		return false
	}
	return t.clock.Now().Sub(at) <= time.Duration(ttl)*time.Second
}

func (t *Table) AdapterEndpoints(adapterID string, ttl int) ([]endpoint.Endpoint, bool) {
	if ttl == 0 {
		return nil, false
	}
	e, ok := t.adapters.Get(adapterID)
	if !ok || !t.valid(e.at, ttl) {
		return nil, false
	}
	return e.endpoints, true
}

func (t *Table) AddAdapterEndpoints(adapterID string, eps []endpoint.Endpoint) {
	t.adapters.Add(adapterID, adapterEntry{at: t.clock.Now(), endpoints: eps})
}

// RemoveAdapterEndpoints evicts adapterID and returns what was cached.
func (t *Table) RemoveAdapterEndpoints(adapterID string) []endpoint.Endpoint {
	e, ok := t.adapters.Peek(adapterID)
	if !ok {
		return nil
	}
	t.adapters.Remove(adapterID)
	return e.endpoints
}

func (t *Table) ObjectReference(id protocol.Identity, ttl int) (*reference.Reference, bool) {
	if ttl == 0 {
		return nil, false
	}
	e, ok := t.objects.Get(id)
	if !ok || !t.valid(e.at, ttl) {
		return nil, false
	}
	return e.ref, true
}

func (t *Table) AddObjectReference(id protocol.Identity, ref *reference.Reference) {
	t.objects.Add(id, objectEntry{at: t.clock.Now(), ref: ref})
}

// RemoveObjectReference evicts id and returns what was cached.
func (t *Table) RemoveObjectReference(id protocol.Identity) *reference.Reference {
	e, ok := t.objects.Peek(id)
	if !ok {
		return nil
	}
	t.objects.Remove(id)
	return e.ref
}

func (t *Table) Clear() {
	t.adapters.Purge()
	t.objects.Purge()
}

// Len returns the number of cached adapters and objects.
func (t *Table) Len() (adapters, objects int) {
	return t.adapters.Len(), t.objects.Len()
}
