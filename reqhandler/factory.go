package reqhandler

import (
	"context"
	"io/ioutil"

	"github.com/PwzXxm/ice-lite/reference"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
)

// Factory hands out request handlers. References that cache their
// connection share the ConnectHandler of a connect in progress.
type Factory struct {
	lock     deadlock.Mutex
	binder   *Binder
	logger   *logrus.Entry
	handlers map[string]*ConnectHandler
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewFactory(b *Binder, logger *logrus.Entry) *Factory {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(ioutil.Discard)
		logger = logrus.NewEntry(l)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Factory{
		binder:   b,
		logger:   logger.WithField("component", "request handler"),
		handlers: make(map[string]*ConnectHandler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Get returns a handler for ref. cache, when not nil, is updated with the
// bound handler once the connection is established.
func (f *Factory) Get(ref *reference.Reference, cache *Cache) Handler {
	if ref.IsFixed() {
		return NewFixedHandler(ref)
	}
	if !ref.CacheConnection() {
		h := newConnectHandler(f, ref, false)
		go h.connect(f.ctx)
		return h.attach(cache)
	}
	key := ref.Key()
	f.lock.Lock()
	h, ok := f.handlers[key]
	if !ok {
		h = newConnectHandler(f, ref, true)
		f.handlers[key] = h
		go h.connect(f.ctx)
	}
	f.lock.Unlock()
	return h.attach(cache)
}

func (f *Factory) remove(h *ConnectHandler) {
	f.lock.Lock()
	if f.handlers[h.key] == h {
		delete(f.handlers, h.key)
	}
	f.lock.Unlock()
}

// Pending returns the number of shared connects in progress.
func (f *Factory) Pending() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.handlers)
}

// Destroy cancels the connects in progress.
func (f *Factory) Destroy() {
	f.cancel()
}

// Cache is the handler a proxy currently uses.
type Cache struct {
	lock    deadlock.Mutex
	factory *Factory
	ref     *reference.Reference
	handler Handler
}

func NewCache(f *Factory, ref *reference.Reference) *Cache {
	return &Cache{factory: f, ref: ref}
}

func (c *Cache) Reference() *reference.Reference {
	return c.ref
}

// Get returns the cached handler or asks the factory for one. The handler
// is only kept when the reference caches its connection.
func (c *Cache) Get() Handler {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.handler != nil {
		return c.handler
	}
	h := c.factory.Get(c.ref, c)
	if c.ref.CacheConnection() {
		c.handler = h
	}
	return h
}

// Peek returns the cached handler without binding, nil if there is none.
func (c *Cache) Peek() Handler {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.handler
}

// Clear drops previous, or whatever handler is cached when previous is
// nil, so that the next Get binds again.
func (c *Cache) Clear(previous Handler) {
	c.update(previous, nil)
}

func (c *Cache) update(previous, next Handler) {
	c.lock.Lock()
	if previous == nil || c.handler == previous {
		c.handler = next
	}
	c.lock.Unlock()
}
