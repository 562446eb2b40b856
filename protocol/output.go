package protocol

import (
	"encoding/binary"
	"math"
)

// OptionalFormat is the low three bits of an optional tag byte.
type OptionalFormat byte

const (
	OptionalF1    OptionalFormat = 0
	OptionalF2    OptionalFormat = 1
	OptionalF4    OptionalFormat = 2
	OptionalF8    OptionalFormat = 3
	OptionalSize  OptionalFormat = 4
	OptionalVSize OptionalFormat = 5
	OptionalFSize OptionalFormat = 6
	OptionalClass OptionalFormat = 7
)

// OptionalEndMarker terminates a run of optional members.
const OptionalEndMarker byte = 0xFF

// OutputStream appends wire-encoded values to a growing buffer.
type OutputStream struct {
	buf         []byte
	encoding    EncodingVersion
	encapsStack []outEncaps
	lastTag     int
}

type outEncaps struct {
	start    int
	previous EncodingVersion
	lastTag  int
}

// NewOutputStream returns an empty stream writing the given encoding.
func NewOutputStream(enc EncodingVersion) *OutputStream {
	return &OutputStream{encoding: enc, lastTag: -1}
}

// NewMessageStream returns a stream that already holds a message header of
// type t with a zero size. FinishMessage patches the size.
func NewMessageStream(t MessageType) *OutputStream {
	os := NewOutputStream(CurrentProtocolEncoding)
	os.buf = make([]byte, HeaderSize, 256)
	Header{
		Protocol: CurrentProtocol,
		Encoding: CurrentProtocolEncoding,
		Type:     t,
	}.Encode(os.buf)
	return os
}

// FinishMessage patches the header size field and returns the message bytes.
func (os *OutputStream) FinishMessage() []byte {
	SetMessageSize(os.buf)
	return os.buf
}

func (os *OutputStream) Bytes() []byte {
	return os.buf
}

func (os *OutputStream) Len() int {
	return len(os.buf)
}

// Pos is the offset the next write lands at.
func (os *OutputStream) Pos() int {
	return len(os.buf)
}

func (os *OutputStream) Encoding() EncodingVersion {
	return os.encoding
}

func (os *OutputStream) WriteUint8(v byte) {
	os.buf = append(os.buf, v)
}

func (os *OutputStream) WriteBool(v bool) {
	if v {
		os.buf = append(os.buf, 1)
	} else {
		os.buf = append(os.buf, 0)
	}
}

func (os *OutputStream) WriteInt16(v int16) {
	os.buf = binary.LittleEndian.AppendUint16(os.buf, uint16(v))
}

func (os *OutputStream) WriteInt32(v int32) {
	os.buf = binary.LittleEndian.AppendUint32(os.buf, uint32(v))
}

func (os *OutputStream) WriteInt64(v int64) {
	os.buf = binary.LittleEndian.AppendUint64(os.buf, uint64(v))
}

func (os *OutputStream) WriteFloat32(v float32) {
	os.buf = binary.LittleEndian.AppendUint32(os.buf, math.Float32bits(v))
}

func (os *OutputStream) WriteFloat64(v float64) {
	os.buf = binary.LittleEndian.AppendUint64(os.buf, math.Float64bits(v))
}

// RewriteInt32 overwrites four bytes at pos.
func (os *OutputStream) RewriteInt32(v int32, pos int) {
	binary.LittleEndian.PutUint32(os.buf[pos:], uint32(v))
}

// WriteSize writes a size: one byte below 255, otherwise 0xFF followed by an
// int.
func (os *OutputStream) WriteSize(n int) {
	if n < 255 {
		os.buf = append(os.buf, byte(n))
		return
	}
	os.buf = append(os.buf, 0xFF)
	os.WriteInt32(int32(n))
}

// WriteRaw appends bytes without a size prefix.
func (os *OutputStream) WriteRaw(b []byte) {
	os.buf = append(os.buf, b...)
}

// WriteByteSeq writes a size-prefixed byte sequence.
func (os *OutputStream) WriteByteSeq(b []byte) {
	os.WriteSize(len(b))
	os.buf = append(os.buf, b...)
}

func (os *OutputStream) WriteString(s string) {
	os.WriteSize(len(s))
	os.buf = append(os.buf, s...)
}

func (os *OutputStream) WriteStringSeq(v []string) {
	os.WriteSize(len(v))
	for _, s := range v {
		os.WriteString(s)
	}
}

// WriteContext writes a string/string dictionary.
func (os *OutputStream) WriteContext(ctx map[string]string) {
	os.WriteSize(len(ctx))
	for _, k := range sortedKeys(ctx) {
		os.WriteString(k)
		os.WriteString(ctx[k])
	}
}

func (os *OutputStream) WriteIdentity(id Identity) {
	os.WriteString(id.Name)
	os.WriteString(id.Category)
}

// WriteFacet writes the legacy facet path: an empty sequence for the default
// facet, otherwise a single element.
func (os *OutputStream) WriteFacet(facet string) {
	if facet == "" {
		os.WriteSize(0)
		return
	}
	os.WriteSize(1)
	os.WriteString(facet)
}

func (os *OutputStream) WriteProtocolVersion(v ProtocolVersion) {
	os.buf = append(os.buf, v.Major, v.Minor)
}

func (os *OutputStream) WriteEncodingVersion(v EncodingVersion) {
	os.buf = append(os.buf, v.Major, v.Minor)
}

// StartEncapsulation opens an encapsulation written with enc. The size is
// patched by EndEncapsulation.
func (os *OutputStream) StartEncapsulation(enc EncodingVersion) {
	os.encapsStack = append(os.encapsStack, outEncaps{
		start:    len(os.buf),
		previous: os.encoding,
		lastTag:  os.lastTag,
	})
	os.WriteInt32(0)
	os.WriteEncodingVersion(enc)
	os.encoding = enc
	os.lastTag = -1
}

// EndEncapsulation closes the innermost encapsulation.
func (os *OutputStream) EndEncapsulation() {
	n := len(os.encapsStack) - 1
	e := os.encapsStack[n]
	os.encapsStack = os.encapsStack[:n]
	os.RewriteInt32(int32(len(os.buf)-e.start), e.start)
	os.encoding = e.previous
	os.lastTag = e.lastTag
}

// WriteEncapsulation writes a complete encapsulation around payload.
func (os *OutputStream) WriteEncapsulation(e Encaps) {
	os.WriteInt32(int32(len(e.Data) + 6))
	os.WriteEncodingVersion(e.Encoding)
	os.buf = append(os.buf, e.Data...)
}

func (os *OutputStream) WriteEmptyEncapsulation(enc EncodingVersion) {
	os.WriteInt32(6)
	os.WriteEncodingVersion(enc)
}

// WriteOptional writes the tag byte of an optional member and reports
// whether the member value should follow. Encoding 1.0 has no optionals.
// Tags must be written in ascending order.
func (os *OutputStream) WriteOptional(tag int, format OptionalFormat) bool {
	if os.encoding == Encoding_1_0 {
		return false
	}
	if tag <= os.lastTag {
		panic("protocol: optional tags must be written in ascending order")
	}
	os.lastTag = tag
	v := byte(format)
	if tag < 30 {
		v |= byte(tag) << 3
		os.buf = append(os.buf, v)
	} else {
		v |= 0xF0
		os.buf = append(os.buf, v)
		os.WriteSize(tag)
	}
	return true
}

// WriteOptionalEndMarker terminates a run of optionals that is followed by
// more data.
func (os *OutputStream) WriteOptionalEndMarker() {
	os.buf = append(os.buf, OptionalEndMarker)
}

// StartSize reserves an int size for an FSize optional and returns its
// position for EndSize.
func (os *OutputStream) StartSize() int {
	pos := len(os.buf)
	os.WriteInt32(0)
	return pos
}

// EndSize patches the int reserved by StartSize with the number of bytes
// written since.
func (os *OutputStream) EndSize(pos int) {
	os.RewriteInt32(int32(len(os.buf)-pos-4), pos)
}
