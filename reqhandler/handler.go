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

// Package reqhandler decides which connection a proxy's requests go to.
//
// A proxy without a connection gets a ConnectHandler: requests issued while
// the connection is being established are queued and flushed in order once
// it is up. Proxies for the same reference share one pending ConnectHandler.
// Once bound, a proxy that caches its connection keeps a ConnectionHandler
// in its Cache until an invocation fails.
package reqhandler

import (
	"context"

	"github.com/PwzXxm/ice-lite/connection"
	"github.com/PwzXxm/ice-lite/protocol"
	"github.com/PwzXxm/ice-lite/reference"
)

// Call is a request handed to a connection. *connection.Call implements it.
type Call interface {
	// Sent reports whether the request reached the transport.
	Sent() bool
	// Wait returns the reply, nil for a oneway request.
	Wait(ctx context.Context) (*protocol.Reply, error)
}

// Handler sends the requests of one reference.
type Handler interface {
	// Send sends req. A twoway request's Call completes with its reply. Send
	// may block while the connection is being established.
	Send(ctx context.Context, req *protocol.Request, twoway bool) (Call, error)
	// SendBatch sends the encoded bodies of batched requests in one message.
	SendBatch(ctx context.Context, bodies [][]byte) error
	// Connection waits for and returns the connection requests go to.
	Connection(ctx context.Context) (*connection.Connection, error)
}

// ConnectionHandler sends on an established connection.
type ConnectionHandler struct {
	ref      *reference.Reference
	conn     *connection.Connection
	compress bool
}

func NewConnectionHandler(ref *reference.Reference, conn *connection.Connection, compress bool) *ConnectionHandler {
	return &ConnectionHandler{ref: ref, conn: conn, compress: compress}
}

func (h *ConnectionHandler) Send(ctx context.Context, req *protocol.Request, twoway bool) (Call, error) {
	return send(h.conn, req, twoway, h.compress)
}

func send(conn *connection.Connection, req *protocol.Request, twoway, compress bool) (Call, error) {
	call, err := conn.SendRequest(req, twoway, compress)
	if err != nil {
		return nil, err
	}
	return call, nil
}

func (h *ConnectionHandler) SendBatch(ctx context.Context, bodies [][]byte) error {
	return h.conn.SendBatch(bodies, h.compress)
}

func (h *ConnectionHandler) Connection(ctx context.Context) (*connection.Connection, error) {
	return h.conn, nil
}

// FixedHandler serves a reference bound to one connection for good.
type FixedHandler struct {
	ConnectionHandler
}

func NewFixedHandler(ref *reference.Reference) *FixedHandler {
	conn := ref.FixedConn().(*connection.Connection)
	compress, ok := ref.Compress()
	if !ok {
		compress = conn.Endpoint().Compress()
	}
	return &FixedHandler{ConnectionHandler{ref: ref, conn: conn, compress: compress}}
}
