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

// Package transport provides the byte pumps a connection runs on.
// Framing, validation and request correlation live in the connection
// package; a transceiver only moves bytes. There are socket based
// implementations (tcp, ssl, ws, wss) and an in-process one used for
// testing.
package transport

import (
	"context"
	"io"
	"net"
	"syscall"

	"github.com/PwzXxm/ice-lite/endpoint"
	"github.com/PwzXxm/ice-lite/rpcerr"
	"github.com/pkg/errors"
	"github.com/sasha-s/go-deadlock"
)

// Transceiver is one established or establishing transport session.
// Read and Write block; a Write returns once every byte is handed to the
// transport.
type Transceiver interface {
	io.Reader
	io.Writer

	// Initialize performs the connect and any transport handshake. Server
	// side transceivers may have nothing left to do. It is called once,
	// before any Read or Write.
	Initialize(ctx context.Context) error

	// Close releases the session. Pending Reads and Writes fail.
	Close() error

	// Endpoint is the endpoint the session was created for.
	Endpoint() endpoint.Endpoint

	// String describes both ends for tracing.
	String() string
}

// Listener accepts incoming transceivers.
type Listener interface {
	Accept() (Transceiver, error)
	Close() error

	// Endpoint is the bound endpoint, with the actual port when the
	// requested one was 0.
	Endpoint() endpoint.Endpoint
}

// Factory creates transceivers and listeners for one endpoint type.
type Factory interface {
	Type() int16
	Dial(e endpoint.Endpoint) (Transceiver, error)
	Listen(e endpoint.Endpoint) (Listener, error)
}

// Registry maps endpoint types to factories.
type Registry struct {
	lock      deadlock.RWMutex
	factories map[int16]Factory
}

// NewRegistry returns a registry with the given factories.
func NewRegistry(factories ...Factory) *Registry {
	r := new(Registry)
	r.factories = make(map[int16]Factory)
	for _, f := range factories {
		r.factories[f.Type()] = f
	}
	return r
}

// NewDefaultRegistry knows tcp, ws and, with a TLS configuration, ssl and
// wss.
func NewDefaultRegistry(tlsConf *TLSConfig) *Registry {
	r := NewRegistry(new(TCPFactory), new(WSFactory))
	if tlsConf != nil {
		r.Register(&TCPFactory{TLS: tlsConf})
		r.Register(&WSFactory{TLS: tlsConf})
	}
	return r
}

// Register adds or replaces the factory for f.Type().
func (r *Registry) Register(f Factory) {
	r.lock.Lock()
	r.factories[f.Type()] = f
	r.lock.Unlock()
}

func (r *Registry) get(e endpoint.Endpoint) (Factory, error) {
	r.lock.RLock()
	f, ok := r.factories[e.Type()]
	r.lock.RUnlock()
	if !ok {
		return nil, rpcerr.New(rpcerr.FeatureNotSupported, "no transport for %s", e)
	}
	return f, nil
}

// Supports reports whether e can be dialed.
func (r *Registry) Supports(e endpoint.Endpoint) bool {
	_, err := r.get(e)
	return err == nil
}

func (r *Registry) Dial(e endpoint.Endpoint) (Transceiver, error) {
	f, err := r.get(e)
	if err != nil {
		return nil, err
	}
	return f.Dial(e)
}

func (r *Registry) Listen(e endpoint.Endpoint) (Listener, error) {
	f, err := r.get(e)
	if err != nil {
		return nil, err
	}
	return f.Listen(e)
}

// connectError classifies a failed connect attempt.
func connectError(ctx context.Context, e endpoint.Endpoint, err error) error {
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		return rpcerr.Wrap(rpcerr.ConnectTimeout, err, "%s", e)
	case errors.Is(err, syscall.ECONNREFUSED):
		return rpcerr.Wrap(rpcerr.ConnectionRefused, err, "%s", e)
	}
	return rpcerr.Wrap(rpcerr.ConnectFailed, err, "%s", e)
}

// ioError classifies a failed read or write on an established session.
func ioError(err error) error {
	if err == nil {
		return nil
	}
	if err == io.EOF || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return rpcerr.Wrap(rpcerr.ConnectionLost, err, "")
	}
	return rpcerr.Wrap(rpcerr.ConnectionLost, err, "socket error")
}
