package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"

	"github.com/PwzXxm/ice-lite/endpoint"
	"github.com/PwzXxm/ice-lite/rpcerr"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sasha-s/go-deadlock"
)

// WSProtocol is the websocket subprotocol negotiated by ws and wss.
const WSProtocol = "ice.zeroc.com"

// WSFactory serves ws endpoints, or wss endpoints when TLS is set.
type WSFactory struct {
	TLS *TLSConfig
}

func (f *WSFactory) Type() int16 {
	if f.TLS != nil {
		return endpoint.WSSType
	}
	return endpoint.WSType
}

func (f *WSFactory) Dial(e endpoint.Endpoint) (Transceiver, error) {
	ws, ok := e.(*endpoint.WS)
	if !ok || ws.Type() != f.Type() {
		return nil, errors.Errorf("ws factory cannot dial %s", e)
	}
	return &wsTransceiver{endpoint: ws, tls: f.TLS}, nil
}

func (f *WSFactory) Listen(e endpoint.Endpoint) (Listener, error) {
	ws, ok := e.(*endpoint.WS)
	if !ok || ws.Type() != f.Type() {
		return nil, errors.Errorf("ws factory cannot listen on %s", e)
	}
	l, err := net.Listen("tcp", ws.Address())
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.Socket, err, "listen on %s", e)
	}
	if f.TLS != nil {
		if f.TLS.Server == nil {
			l.Close()
			return nil, rpcerr.New(rpcerr.Initialization, "no server TLS configuration for %s", e)
		}
		l = tls.NewListener(l, f.TLS.Server)
	}
	port := l.Addr().(*net.TCPAddr).Port
	wl := &wsListener{
		listener: l,
		endpoint: ws.WithHost(ws.Host(), port),
		accepted: make(chan *websocket.Conn),
		done:     make(chan struct{}),
	}
	upgrader := websocket.Upgrader{
		Subprotocols: []string{WSProtocol},
		CheckOrigin:  func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc(ws.Resource(), func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		select {
		case wl.accepted <- conn:
		case <-wl.done:
			conn.Close()
		}
	})
	wl.server = &http.Server{Handler: mux}
	go wl.server.Serve(l)
	return wl, nil
}

type wsListener struct {
	listener  net.Listener
	endpoint  *endpoint.WS
	server    *http.Server
	accepted  chan *websocket.Conn
	done      chan struct{}
	closeOnce deadlock.Mutex
	closed    bool
}

func (l *wsListener) Accept() (Transceiver, error) {
	select {
	case conn := <-l.accepted:
		return &wsTransceiver{endpoint: l.endpoint, conn: conn}, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	l.closeOnce.Lock()
	defer l.closeOnce.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.done)
	return l.server.Close()
}

func (l *wsListener) Endpoint() endpoint.Endpoint {
	return l.endpoint
}

// wsTransceiver carries the byte stream in binary websocket messages. A
// read may span messages.
type wsTransceiver struct {
	endpoint *endpoint.WS
	tls      *TLSConfig
	conn     *websocket.Conn
	reader   io.Reader
	writeMu  deadlock.Mutex
}

func (t *wsTransceiver) Initialize(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}
	d := &websocket.Dialer{Subprotocols: []string{WSProtocol}}
	if t.tls != nil {
		d.TLSClientConfig = t.tls.Client
	}
	if src := t.endpoint.SourceAddress(); src != "" {
		nd := &net.Dialer{LocalAddr: &net.TCPAddr{IP: net.ParseIP(src)}}
		d.NetDialContext = nd.DialContext
	}
	conn, _, err := d.DialContext(ctx, t.endpoint.URL(), nil)
	if err != nil {
		return connectError(ctx, t.endpoint, err)
	}
	if conn.Subprotocol() != WSProtocol {
		conn.Close()
		return rpcerr.New(rpcerr.ConnectFailed, "%s: peer did not accept subprotocol %s", t.endpoint, WSProtocol)
	}
	t.conn = conn
	return nil
}

func (t *wsTransceiver) Read(b []byte) (int, error) {
	for {
		if t.reader == nil {
			typ, r, err := t.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					err = io.EOF
				}
				return 0, ioError(err)
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			t.reader = r
		}
		n, err := t.reader.Read(b)
		if err == io.EOF {
			t.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, ioError(err)
	}
}

func (t *wsTransceiver) Write(b []byte) (int, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, ioError(err)
	}
	return len(b), nil
}

func (t *wsTransceiver) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

func (t *wsTransceiver) Endpoint() endpoint.Endpoint {
	return t.endpoint
}

func (t *wsTransceiver) String() string {
	if t.conn == nil {
		return t.endpoint.URL()
	}
	return t.endpoint.Protocol() + " " + t.conn.LocalAddr().String() + " -> " + t.conn.RemoteAddr().String()
}
