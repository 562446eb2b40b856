package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"

	"github.com/PwzXxm/ice-lite/endpoint"
	"github.com/PwzXxm/ice-lite/rpcerr"
	"github.com/pkg/errors"
)

// TLSConfig holds the client and server side TLS settings of the ssl and
// wss transports.
type TLSConfig struct {
	Client *tls.Config
	Server *tls.Config
}

// TCPFactory serves tcp endpoints, or ssl endpoints when TLS is set.
type TCPFactory struct {
	TLS *TLSConfig
}

func (f *TCPFactory) Type() int16 {
	if f.TLS != nil {
		return endpoint.SSLType
	}
	return endpoint.TCPType
}

func (f *TCPFactory) Dial(e endpoint.Endpoint) (Transceiver, error) {
	ip, ok := e.(*endpoint.IP)
	if !ok || ip.Type() != f.Type() {
		return nil, errors.Errorf("tcp factory cannot dial %s", e)
	}
	return &tcpTransceiver{endpoint: ip, tls: f.TLS}, nil
}

func (f *TCPFactory) Listen(e endpoint.Endpoint) (Listener, error) {
	ip, ok := e.(*endpoint.IP)
	if !ok || ip.Type() != f.Type() {
		return nil, errors.Errorf("tcp factory cannot listen on %s", e)
	}
	l, err := net.Listen("tcp", ip.Address())
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
	return &tcpListener{listener: l, endpoint: ip.WithHost(ip.Host(), port)}, nil
}

type tcpListener struct {
	listener net.Listener
	endpoint *endpoint.IP
}

func (l *tcpListener) Accept() (Transceiver, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		return nil, err
	}
	return &tcpTransceiver{endpoint: l.endpoint, conn: conn, server: true}, nil
}

func (l *tcpListener) Close() error {
	return l.listener.Close()
}

func (l *tcpListener) Endpoint() endpoint.Endpoint {
	return l.endpoint
}

type tcpTransceiver struct {
	endpoint *endpoint.IP
	tls      *TLSConfig
	conn     net.Conn
	server   bool
}

func (t *tcpTransceiver) Initialize(ctx context.Context) error {
	if t.server {
		// server side TLS handshake, outside the accept loop
		if tc, ok := t.conn.(*tls.Conn); ok {
			if err := tc.HandshakeContext(ctx); err != nil {
				return rpcerr.Wrap(rpcerr.ConnectFailed, err, "tls handshake")
			}
		}
		return nil
	}
	d := new(net.Dialer)
	if src := t.endpoint.SourceAddress(); src != "" {
		d.LocalAddr = &net.TCPAddr{IP: net.ParseIP(src)}
	}
	conn, err := d.DialContext(ctx, "tcp", t.endpoint.Address())
	if err != nil {
		return connectError(ctx, t.endpoint, err)
	}
	if t.tls != nil {
		conf := t.tls.Client
		if conf == nil {
			conf = new(tls.Config)
		} else {
			conf = conf.Clone()
		}
		if conf.ServerName == "" {
			conf.ServerName = t.endpoint.Host()
		}
		tc := tls.Client(conn, conf)
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return connectError(ctx, t.endpoint, err)
		}
		conn = tc
	}
	t.conn = conn
	return nil
}

func (t *tcpTransceiver) Read(b []byte) (int, error) {
	n, err := t.conn.Read(b)
	return n, ioError(err)
}

func (t *tcpTransceiver) Write(b []byte) (int, error) {
	n, err := t.conn.Write(b)
	return n, ioError(err)
}

func (t *tcpTransceiver) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

func (t *tcpTransceiver) Endpoint() endpoint.Endpoint {
	return t.endpoint
}

func (t *tcpTransceiver) String() string {
	if t.conn == nil {
		return t.endpoint.Protocol() + " -> " + net.JoinHostPort(t.endpoint.Host(), strconv.Itoa(t.endpoint.Port()))
	}
	return fmt.Sprintf("%s %v -> %v", t.endpoint.Protocol(), t.conn.LocalAddr(), t.conn.RemoteAddr())
}
