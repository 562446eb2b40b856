package endpoint

import (
	"strings"

	"github.com/PwzXxm/ice-lite/protocol"
)

// Mem addresses a listener registered on an in-process network by name.
type Mem struct {
	base
	name string
}

func NewMem(name string, timeout int32, compress bool) *Mem {
	return &Mem{base: base{timeout: timeout, compress: compress}, name: name}
}

func (e *Mem) Name() string {
	return e.name
}

func (e *Mem) Type() int16 {
	return MemType
}

func (e *Mem) Protocol() string {
	return "mem"
}

func (e *Mem) Datagram() bool {
	return false
}

func (e *Mem) Secure() bool {
	return false
}

func (e *Mem) WithTimeout(timeout int32) Endpoint {
	if timeout == e.timeout {
		return e
	}
	c := *e
	c.timeout = timeout
	return &c
}

func (e *Mem) WithCompress(compress bool) Endpoint {
	if compress == e.compress {
		return e
	}
	c := *e
	c.compress = compress
	return &c
}

func (e *Mem) WithConnectionID(id string) Endpoint {
	if id == e.connectionID {
		return e
	}
	c := *e
	c.connectionID = id
	return &c
}

func (e *Mem) Options() string {
	return " -h " + Quote(e.name) + e.base.options()
}

func (e *Mem) String() string {
	return "mem" + e.Options()
}

func (e *Mem) Marshal(os *protocol.OutputStream) {
	os.WriteInt16(MemType)
	os.StartEncapsulation(os.Encoding())
	os.WriteString(e.name)
	os.WriteInt32(e.timeout)
	os.WriteBool(e.compress)
	os.EndEncapsulation()
}

func (e *Mem) Compare(other Endpoint) int {
	if c := compareInt(int(MemType), int(other.Type())); c != 0 {
		return c
	}
	o := other.(*Mem)
	if c := strings.Compare(e.name, o.name); c != 0 {
		return c
	}
	return compareBase(e.base, o.base)
}

func unmarshalMem(is *protocol.InputStream) (*Mem, error) {
	e := new(Mem)
	var err error
	if e.name, err = is.ReadString(); err != nil {
		return nil, err
	}
	if e.timeout, err = is.ReadInt32(); err != nil {
		return nil, err
	}
	if e.compress, err = is.ReadBool(); err != nil {
		return nil, err
	}
	return e, nil
}
