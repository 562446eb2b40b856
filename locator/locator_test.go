package locator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/PwzXxm/ice-lite/endpoint"
	"github.com/PwzXxm/ice-lite/protocol"
	"github.com/PwzXxm/ice-lite/reference"
	"github.com/PwzXxm/ice-lite/rpcerr"
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var factory = reference.NewFactory(reference.DefaultDefaults)

type fakeLocator struct {
	mu           sync.Mutex
	adapterCalls int
	objectCalls  int
	gate         chan struct{}
	err          error
	adapters     map[string]*reference.Reference
	objects      map[protocol.Identity]*reference.Reference
}

func newFakeLocator() *fakeLocator {
	return &fakeLocator{
		adapters: make(map[string]*reference.Reference),
		objects:  make(map[protocol.Identity]*reference.Reference),
	}
}

func (l *fakeLocator) wait() {
	l.mu.Lock()
	gate := l.gate
	l.mu.Unlock()
	if gate != nil {
		<-gate
	}
}

func (l *fakeLocator) FindAdapterByID(ctx context.Context, id string) (*reference.Reference, error) {
	l.mu.Lock()
	l.adapterCalls++
	l.mu.Unlock()
	l.wait()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	r, ok := l.adapters[id]
	if !ok {
		return nil, new(AdapterNotFound)
	}
	return r, nil
}

func (l *fakeLocator) FindObjectByID(ctx context.Context, id protocol.Identity) (*reference.Reference, error) {
	l.mu.Lock()
	l.objectCalls++
	l.mu.Unlock()
	l.wait()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	r, ok := l.objects[id]
	if !ok {
		return nil, new(ObjectNotFound)
	}
	return r, nil
}

func (l *fakeLocator) calls() (adapters, objects int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.adapterCalls, l.objectCalls
}

func TestAdapterLookupIsCached(t *testing.T) {
	loc := newFakeLocator()
	loc.adapters["Hello"] = factory.MustParse("dummy:tcp -h h1 -p 1000")
	info := NewInfo(nil, loc, Options{})
	ref := factory.MustParse("hello @ Hello")

	eps, cached, err := info.Endpoints(context.Background(), ref, -1)
	require.NoError(t, err)
	assert.False(t, cached)
	require.Len(t, eps, 1)
	assert.Equal(t, "h1", eps[0].(*endpoint.IP).Host())

	eps, cached, err = info.Endpoints(context.Background(), ref, -1)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Len(t, eps, 1)
	a, _ := loc.calls()
	assert.Equal(t, 1, a)
}

func TestCacheTimeToLive(t *testing.T) {
	loc := newFakeLocator()
	loc.adapters["Hello"] = factory.MustParse("dummy:tcp -h h1 -p 1000")
	mock := clock.NewMock()
	info := NewInfo(nil, loc, Options{Clock: mock})
	ref := factory.MustParse("hello @ Hello")
	ctx := context.Background()

	_, _, err := info.Endpoints(ctx, ref, 10)
	require.NoError(t, err)
	mock.Add(5 * time.Second)
	_, cached, _ := info.Endpoints(ctx, ref, 10)
	assert.True(t, cached)
	mock.Add(6 * time.Second)
	_, cached, _ = info.Endpoints(ctx, ref, 10)
	assert.False(t, cached)

	_, cached, _ = info.Endpoints(ctx, ref, 0)
	assert.False(t, cached)
	a, _ := loc.calls()
	assert.Equal(t, 3, a)
}

func TestConcurrentLookupsAreCoalesced(t *testing.T) {
	loc := newFakeLocator()
	loc.adapters["Hello"] = factory.MustParse("dummy:tcp -h h1 -p 1000:tcp -h h2 -p 1000")
	loc.gate = make(chan struct{})
	info := NewInfo(nil, loc, Options{})
	ref := factory.MustParse("hello @ Hello")

	const n = 10
	results := make([][]endpoint.Endpoint, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			eps, _, err := info.Endpoints(context.Background(), ref, -1)
			assert.NoError(t, err)
			results[i] = eps
		}(i)
	}
	require.Eventually(t, func() bool {
		a, _ := loc.calls()
		return a == 1
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(loc.gate)
	wg.Wait()

	a, _ := loc.calls()
	assert.Equal(t, 1, a)
	for _, eps := range results {
		assert.Len(t, eps, 2)
	}
}

func TestCanceledWaiterDoesNotCancelLookup(t *testing.T) {
	loc := newFakeLocator()
	loc.adapters["Hello"] = factory.MustParse("dummy:tcp -h h1 -p 1000")
	loc.gate = make(chan struct{})
	info := NewInfo(nil, loc, Options{})
	ref := factory.MustParse("hello @ Hello")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := info.Endpoints(ctx, ref, -1)
		done <- err
	}()
	require.Eventually(t, func() bool {
		a, _ := loc.calls()
		return a == 1
	}, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(loc.gate)
	require.Eventually(t, func() bool {
		_, ok := info.Table().AdapterEndpoints("Hello", -1)
		return ok
	}, time.Second, time.Millisecond)
}

func TestNotFound(t *testing.T) {
	loc := newFakeLocator()
	loc.adapters["Hello"] = factory.MustParse("dummy:tcp -h h1 -p 1000")
	info := NewInfo(nil, loc, Options{})
	ref := factory.MustParse("hello @ Hello")
	ctx := context.Background()

	_, _, err := info.Endpoints(ctx, ref, -1)
	require.NoError(t, err)
	delete(loc.adapters, "Hello")

	_, _, err = info.Endpoints(ctx, ref, 0)
	assert.True(t, rpcerr.Is(err, rpcerr.NotRegistered), "err is %v", err)
	var nf *AdapterNotFound
	assert.True(t, errors.As(err, &nf))
	_, ok := info.Table().AdapterEndpoints("Hello", -1)
	assert.False(t, ok, "a not found answer evicts the entry")

	_, _, err = info.Endpoints(ctx, factory.MustParse("nobody"), -1)
	assert.True(t, rpcerr.Is(err, rpcerr.NotRegistered), "err is %v", err)
}

func TestLocatorErrorsAreNotCached(t *testing.T) {
	loc := newFakeLocator()
	loc.adapters["Hello"] = factory.MustParse("dummy:tcp -h h1 -p 1000")
	loc.err = rpcerr.New(rpcerr.ConnectionRefused, "locator down")
	info := NewInfo(nil, loc, Options{})
	ref := factory.MustParse("hello @ Hello")

	_, _, err := info.Endpoints(context.Background(), ref, -1)
	assert.True(t, rpcerr.Is(err, rpcerr.ConnectionRefused), "err is %v", err)

	loc.mu.Lock()
	loc.err = nil
	loc.mu.Unlock()
	eps, _, err := info.Endpoints(context.Background(), ref, -1)
	require.NoError(t, err)
	assert.Len(t, eps, 1)
	a, _ := loc.calls()
	assert.Equal(t, 2, a)
}

func TestWellKnownChain(t *testing.T) {
	loc := newFakeLocator()
	loc.objects[protocol.Identity{Name: "hello"}] = factory.MustParse("hello @ Hello")
	loc.adapters["Hello"] = factory.MustParse("dummy:tcp -h h1 -p 1000")
	info := NewInfo(nil, loc, Options{})
	ref := factory.MustParse("hello")
	require.True(t, ref.IsWellKnown())

	eps, cached, err := info.Endpoints(context.Background(), ref, -1)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Len(t, eps, 1)
	adapters, objects := info.Table().Len()
	assert.Equal(t, 1, adapters)
	assert.Equal(t, 1, objects)

	_, cached, err = info.Endpoints(context.Background(), ref, -1)
	require.NoError(t, err)
	assert.True(t, cached)

	info.ClearCache(ref)
	adapters, objects = info.Table().Len()
	assert.Zero(t, adapters)
	assert.Zero(t, objects)
}

func TestWellKnownDirect(t *testing.T) {
	loc := newFakeLocator()
	loc.objects[protocol.Identity{Name: "hello"}] = factory.MustParse("hello:tcp -h h1 -p 1000")
	info := NewInfo(nil, loc, Options{})

	eps, _, err := info.Endpoints(context.Background(), factory.MustParse("hello"), -1)
	require.NoError(t, err)
	assert.Len(t, eps, 1)
	a, o := loc.calls()
	assert.Zero(t, a)
	assert.Equal(t, 1, o)
}

func TestWellKnownWithMissingAdapter(t *testing.T) {
	loc := newFakeLocator()
	loc.objects[protocol.Identity{Name: "hello"}] = factory.MustParse("hello @ Gone")
	info := NewInfo(nil, loc, Options{})

	_, _, err := info.Endpoints(context.Background(), factory.MustParse("hello"), -1)
	assert.True(t, rpcerr.Is(err, rpcerr.NotRegistered), "err is %v", err)
	_, objects := info.Table().Len()
	assert.Zero(t, objects, "the object entry goes with its adapter")
}

func TestManager(t *testing.T) {
	dials := 0
	m := NewManager(func(*reference.Reference) Locator {
		dials++
		return newFakeLocator()
	}, Options{})
	assert.Nil(t, m.Get(nil))

	a := factory.MustParse("Ice/Locator:tcp -h h1 -p 4061")
	b := factory.MustParse("Ice/Locator:tcp -h h2 -p 4061")
	ia := m.Get(a)
	assert.Same(t, ia, m.Get(a))
	ib := m.Get(b)
	assert.NotSame(t, ia, ib)
	assert.Same(t, ia.Table(), ib.Table(), "same identity shares the cache")
	assert.Equal(t, 2, dials)

	withLocator, err := a.WithLocator(b)
	require.NoError(t, err)
	assert.Same(t, ia, m.Get(withLocator))
	assert.Nil(t, ia.Reference().Locator())
}
