package endpoint

import (
	"net"
	"strconv"
	"strings"

	"github.com/PwzXxm/ice-lite/protocol"
)

// addr is the host part shared by the socket based transports.
type addr struct {
	host          string
	port          int
	sourceAddress string
}

func (a addr) Host() string {
	return a.host
}

func (a addr) Port() int {
	return a.port
}

func (a addr) SourceAddress() string {
	return a.sourceAddress
}

// Address is the host:port form accepted by net.Dial and net.Listen.
func (a addr) Address() string {
	return net.JoinHostPort(a.host, strconv.Itoa(a.port))
}

func (a addr) options() string {
	var s strings.Builder
	if a.host != "" {
		s.WriteString(" -h ")
		s.WriteString(Quote(a.host))
	}
	s.WriteString(" -p ")
	s.WriteString(strconv.Itoa(a.port))
	if a.sourceAddress != "" {
		s.WriteString(" --sourceAddress ")
		s.WriteString(Quote(a.sourceAddress))
	}
	return s.String()
}

func compareAddr(a, b addr) int {
	if c := strings.Compare(a.host, b.host); c != 0 {
		return c
	}
	if c := compareInt(a.port, b.port); c != 0 {
		return c
	}
	return strings.Compare(a.sourceAddress, b.sourceAddress)
}

// IP is a tcp, ssl or udp endpoint.
type IP struct {
	base
	addr
	typ int16
}

// NewTCP returns a tcp endpoint.
func NewTCP(host string, port int, timeout int32, compress bool) *IP {
	return &IP{base: base{timeout: timeout, compress: compress}, addr: addr{host: host, port: port}, typ: TCPType}
}

// NewSSL returns an ssl endpoint.
func NewSSL(host string, port int, timeout int32, compress bool) *IP {
	return &IP{base: base{timeout: timeout, compress: compress}, addr: addr{host: host, port: port}, typ: SSLType}
}

// NewUDP returns a udp endpoint. Datagram endpoints have no timeout.
func NewUDP(host string, port int, compress bool) *IP {
	return &IP{base: base{timeout: InfiniteTimeout, compress: compress}, addr: addr{host: host, port: port}, typ: UDPType}
}

func (e *IP) Type() int16 {
	return e.typ
}

func (e *IP) Protocol() string {
	switch e.typ {
	case SSLType:
		return "ssl"
	case UDPType:
		return "udp"
	}
	return "tcp"
}

func (e *IP) Datagram() bool {
	return e.typ == UDPType
}

func (e *IP) Secure() bool {
	return e.typ == SSLType
}

func (e *IP) WithTimeout(timeout int32) Endpoint {
	if e.typ == UDPType || timeout == e.timeout {
		return e
	}
	c := *e
	c.timeout = timeout
	return &c
}

func (e *IP) WithCompress(compress bool) Endpoint {
	if compress == e.compress {
		return e
	}
	c := *e
	c.compress = compress
	return &c
}

func (e *IP) WithConnectionID(id string) Endpoint {
	if id == e.connectionID {
		return e
	}
	c := *e
	c.connectionID = id
	return &c
}

// WithHost is used by adapters publishing a listener's bound address.
func (e *IP) WithHost(host string, port int) *IP {
	c := *e
	c.host, c.port = host, port
	return &c
}

func (e *IP) Options() string {
	s := e.addr.options()
	if e.typ == UDPType {
		if e.compress {
			s += " -z"
		}
		return s
	}
	return s + e.base.options()
}

func (e *IP) String() string {
	return e.Protocol() + e.Options()
}

func (e *IP) Marshal(os *protocol.OutputStream) {
	os.WriteInt16(e.typ)
	os.StartEncapsulation(os.Encoding())
	os.WriteString(e.host)
	os.WriteInt32(int32(e.port))
	if e.typ == UDPType {
		if os.Encoding() == protocol.Encoding_1_0 {
			os.WriteProtocolVersion(protocol.Protocol_1_0)
			os.WriteEncodingVersion(protocol.Encoding_1_0)
		}
	} else {
		os.WriteInt32(e.timeout)
	}
	os.WriteBool(e.compress)
	os.EndEncapsulation()
}

func (e *IP) Compare(other Endpoint) int {
	if c := compareInt(int(e.typ), int(other.Type())); c != 0 {
		return c
	}
	o := other.(*IP)
	if c := compareAddr(e.addr, o.addr); c != 0 {
		return c
	}
	return compareBase(e.base, o.base)
}

func unmarshalIP(typ int16, is *protocol.InputStream) (*IP, error) {
	e := &IP{typ: typ}
	var err error
	if e.host, err = is.ReadString(); err != nil {
		return nil, err
	}
	port, err := is.ReadInt32()
	if err != nil {
		return nil, err
	}
	e.port = int(port)
	if typ == UDPType {
		e.timeout = InfiniteTimeout
		if is.Encoding() == protocol.Encoding_1_0 {
			if _, err = is.ReadProtocolVersion(); err != nil {
				return nil, err
			}
			if _, err = is.ReadEncodingVersion(); err != nil {
				return nil, err
			}
		}
	} else if e.timeout, err = is.ReadInt32(); err != nil {
		return nil, err
	}
	if e.compress, err = is.ReadBool(); err != nil {
		return nil, err
	}
	return e, nil
}
