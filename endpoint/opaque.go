package endpoint

import (
	"bytes"
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/PwzXxm/ice-lite/protocol"
)

// Opaque keeps the binary form of an endpoint whose type id this runtime
// does not understand, so it can be written back unchanged.
type Opaque struct {
	typ         int16
	rawEncoding protocol.EncodingVersion
	raw         []byte
}

func NewOpaque(typ int16, rawEncoding protocol.EncodingVersion, raw []byte) *Opaque {
	return &Opaque{typ: typ, rawEncoding: rawEncoding, raw: append([]byte(nil), raw...)}
}

func (e *Opaque) Type() int16                      { return e.typ }
func (e *Opaque) Protocol() string                 { return "opaque" }
func (e *Opaque) Timeout() int32                   { return InfiniteTimeout }
func (e *Opaque) WithTimeout(int32) Endpoint       { return e }
func (e *Opaque) Compress() bool                   { return false }
func (e *Opaque) WithCompress(bool) Endpoint       { return e }
func (e *Opaque) ConnectionID() string             { return "" }
func (e *Opaque) WithConnectionID(string) Endpoint { return e }
func (e *Opaque) Datagram() bool                   { return false }
func (e *Opaque) Secure() bool                     { return false }

func (e *Opaque) RawEncoding() protocol.EncodingVersion {
	return e.rawEncoding
}

func (e *Opaque) RawBytes() []byte {
	return e.raw
}

func (e *Opaque) Options() string {
	return " -t " + strconv.Itoa(int(e.typ)) +
		" -e " + e.rawEncoding.String() +
		" -v " + base64.StdEncoding.EncodeToString(e.raw)
}

func (e *Opaque) String() string {
	return "opaque" + e.Options()
}

func (e *Opaque) Marshal(os *protocol.OutputStream) {
	os.WriteInt16(e.typ)
	os.WriteEncapsulation(protocol.Encaps{Encoding: e.rawEncoding, Data: e.raw})
}

func (e *Opaque) Compare(other Endpoint) int {
	if c := compareInt(int(e.typ), int(other.Type())); c != 0 {
		return c
	}
	o := other.(*Opaque)
	if c := compareInt(int(e.rawEncoding.Major), int(o.rawEncoding.Major)); c != 0 {
		return c
	}
	if c := compareInt(int(e.rawEncoding.Minor), int(o.rawEncoding.Minor)); c != 0 {
		return c
	}
	return bytes.Compare(e.raw, o.raw)
}

// Unknown is an endpoint written with a transport name no factory knows.
// It keeps the option string verbatim.
type Unknown struct {
	protocol string
	options  string
}

func (e *Unknown) Type() int16                      { return UnknownType }
func (e *Unknown) Protocol() string                 { return e.protocol }
func (e *Unknown) Timeout() int32                   { return InfiniteTimeout }
func (e *Unknown) WithTimeout(int32) Endpoint       { return e }
func (e *Unknown) Compress() bool                   { return false }
func (e *Unknown) WithCompress(bool) Endpoint       { return e }
func (e *Unknown) ConnectionID() string             { return "" }
func (e *Unknown) WithConnectionID(string) Endpoint { return e }
func (e *Unknown) Datagram() bool                   { return false }
func (e *Unknown) Secure() bool                     { return false }

func (e *Unknown) Options() string {
	if e.options == "" {
		return ""
	}
	return " " + e.options
}

func (e *Unknown) String() string {
	return e.protocol + e.Options()
}

// Marshal writes the transport name and the raw options in an
// encapsulation under UnknownType.
func (e *Unknown) Marshal(os *protocol.OutputStream) {
	os.WriteInt16(UnknownType)
	os.StartEncapsulation(os.Encoding())
	os.WriteString(e.protocol)
	os.WriteString(e.options)
	os.EndEncapsulation()
}

func (e *Unknown) Compare(other Endpoint) int {
	if c := compareInt(int(UnknownType), int(other.Type())); c != 0 {
		return c
	}
	o := other.(*Unknown)
	if c := strings.Compare(e.protocol, o.protocol); c != 0 {
		return c
	}
	return strings.Compare(e.options, o.options)
}

func unmarshalUnknown(is *protocol.InputStream) (*Unknown, error) {
	e := new(Unknown)
	var err error
	if e.protocol, err = is.ReadString(); err != nil {
		return nil, err
	}
	if e.options, err = is.ReadString(); err != nil {
		return nil, err
	}
	return e, nil
}
