package endpoint

import (
	"strings"

	"github.com/PwzXxm/ice-lite/protocol"
)

// WS is a ws or wss endpoint: a tcp or ssl endpoint plus an HTTP resource.
type WS struct {
	base
	addr
	secure   bool
	resource string
}

// NewWS returns a ws endpoint, or wss when secure is set.
func NewWS(host string, port int, timeout int32, compress, secure bool, resource string) *WS {
	if resource == "" {
		resource = "/"
	}
	return &WS{
		base:     base{timeout: timeout, compress: compress},
		addr:     addr{host: host, port: port},
		secure:   secure,
		resource: resource,
	}
}

func (e *WS) Type() int16 {
	if e.secure {
		return WSSType
	}
	return WSType
}

func (e *WS) Protocol() string {
	if e.secure {
		return "wss"
	}
	return "ws"
}

func (e *WS) Resource() string {
	return e.resource
}

// URL is the address dialed by the websocket client.
func (e *WS) URL() string {
	scheme := "ws://"
	if e.secure {
		scheme = "wss://"
	}
	res := e.resource
	if !strings.HasPrefix(res, "/") {
		res = "/" + res
	}
	return scheme + e.Address() + res
}

func (e *WS) Datagram() bool {
	return false
}

func (e *WS) Secure() bool {
	return e.secure
}

func (e *WS) WithTimeout(timeout int32) Endpoint {
	if timeout == e.timeout {
		return e
	}
	c := *e
	c.timeout = timeout
	return &c
}

func (e *WS) WithCompress(compress bool) Endpoint {
	if compress == e.compress {
		return e
	}
	c := *e
	c.compress = compress
	return &c
}

func (e *WS) WithConnectionID(id string) Endpoint {
	if id == e.connectionID {
		return e
	}
	c := *e
	c.connectionID = id
	return &c
}

func (e *WS) WithHost(host string, port int) *WS {
	c := *e
	c.host, c.port = host, port
	return &c
}

func (e *WS) Options() string {
	s := e.addr.options() + e.base.options()
	if e.resource != "" && e.resource != "/" {
		s += " -r " + Quote(e.resource)
	}
	return s
}

func (e *WS) String() string {
	return e.Protocol() + e.Options()
}

func (e *WS) Marshal(os *protocol.OutputStream) {
	os.WriteInt16(e.Type())
	os.StartEncapsulation(os.Encoding())
	os.WriteString(e.host)
	os.WriteInt32(int32(e.port))
	os.WriteInt32(e.timeout)
	os.WriteBool(e.compress)
	os.WriteString(e.resource)
	os.EndEncapsulation()
}

func (e *WS) Compare(other Endpoint) int {
	if c := compareInt(int(e.Type()), int(other.Type())); c != 0 {
		return c
	}
	o := other.(*WS)
	if c := compareAddr(e.addr, o.addr); c != 0 {
		return c
	}
	if c := strings.Compare(e.resource, o.resource); c != 0 {
		return c
	}
	return compareBase(e.base, o.base)
}

func unmarshalWS(secure bool, is *protocol.InputStream) (*WS, error) {
	e := &WS{secure: secure}
	var err error
	if e.host, err = is.ReadString(); err != nil {
		return nil, err
	}
	port, err := is.ReadInt32()
	if err != nil {
		return nil, err
	}
	e.port = int(port)
	if e.timeout, err = is.ReadInt32(); err != nil {
		return nil, err
	}
	if e.compress, err = is.ReadBool(); err != nil {
		return nil, err
	}
	if e.resource, err = is.ReadString(); err != nil {
		return nil, err
	}
	return e, nil
}
