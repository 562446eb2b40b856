package protocol

import (
	"encoding/binary"
	"math"
	"sort"
)

// InputStream decodes wire values from a byte slice. Every read checks the
// remaining length first.
type InputStream struct {
	buf         []byte
	pos         int
	encoding    EncodingVersion
	encapsStack []inEncaps
}

type inEncaps struct {
	start    int
	size     int
	previous EncodingVersion
}

// NewInputStream reads b, which is not copied.
func NewInputStream(enc EncodingVersion, b []byte) *InputStream {
	return &InputStream{buf: b, encoding: enc}
}

func (is *InputStream) Pos() int {
	return is.pos
}

func (is *InputStream) Remaining() int {
	return len(is.buf) - is.pos
}

func (is *InputStream) Encoding() EncodingVersion {
	return is.encoding
}

// Bytes returns the whole underlying buffer.
func (is *InputStream) Bytes() []byte {
	return is.buf
}

func (is *InputStream) need(n int) error {
	if n < 0 || n > len(is.buf)-is.pos {
		return errOutOfBounds(n, len(is.buf)-is.pos)
	}
	return nil
}

// Skip advances n bytes.
func (is *InputStream) Skip(n int) error {
	if err := is.need(n); err != nil {
		return err
	}
	is.pos += n
	return nil
}

func (is *InputStream) ReadUint8() (byte, error) {
	if err := is.need(1); err != nil {
		return 0, err
	}
	v := is.buf[is.pos]
	is.pos++
	return v, nil
}

func (is *InputStream) ReadBool() (bool, error) {
	v, err := is.ReadUint8()
	return v != 0, err
}

func (is *InputStream) ReadInt16() (int16, error) {
	if err := is.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(is.buf[is.pos:])
	is.pos += 2
	return int16(v), nil
}

func (is *InputStream) ReadInt32() (int32, error) {
	if err := is.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(is.buf[is.pos:])
	is.pos += 4
	return int32(v), nil
}

func (is *InputStream) ReadInt64() (int64, error) {
	if err := is.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(is.buf[is.pos:])
	is.pos += 8
	return int64(v), nil
}

func (is *InputStream) ReadFloat32() (float32, error) {
	if err := is.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(is.buf[is.pos:])
	is.pos += 4
	return math.Float32frombits(v), nil
}

func (is *InputStream) ReadFloat64() (float64, error) {
	if err := is.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(is.buf[is.pos:])
	is.pos += 8
	return math.Float64frombits(v), nil
}

// ReadSize reads a one or five byte size.
func (is *InputStream) ReadSize() (int, error) {
	b, err := is.ReadUint8()
	if err != nil {
		return 0, err
	}
	if b < 255 {
		return int(b), nil
	}
	v, err := is.ReadInt32()
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, newMarshalError("negative size %d", v)
	}
	return int(v), nil
}

// ReadAndCheckSeqSize reads a sequence size and rejects it when size times
// minSize exceeds the bytes left, so a corrupt size never drives an
// allocation.
func (is *InputStream) ReadAndCheckSeqSize(minSize int) (int, error) {
	n, err := is.ReadSize()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if int64(n)*int64(minSize) > int64(len(is.buf)-is.pos) {
		return 0, errOutOfBounds(n*minSize, len(is.buf)-is.pos)
	}
	return n, nil
}

// ReadBytes returns the next n bytes without copying.
func (is *InputStream) ReadBytes(n int) ([]byte, error) {
	if err := is.need(n); err != nil {
		return nil, err
	}
	b := is.buf[is.pos : is.pos+n]
	is.pos += n
	return b, nil
}

// ReadByteSeq reads a size-prefixed byte sequence into a fresh slice.
func (is *InputStream) ReadByteSeq() ([]byte, error) {
	n, err := is.ReadAndCheckSeqSize(1)
	if err != nil {
		return nil, err
	}
	b, err := is.ReadBytes(n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func (is *InputStream) ReadString() (string, error) {
	n, err := is.ReadSize()
	if err != nil {
		return "", err
	}
	b, err := is.ReadBytes(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (is *InputStream) ReadStringSeq() ([]string, error) {
	n, err := is.ReadAndCheckSeqSize(1)
	if err != nil {
		return nil, err
	}
	v := make([]string, n)
	for i := range v {
		if v[i], err = is.ReadString(); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// ReadContext reads a string/string dictionary.
func (is *InputStream) ReadContext() (map[string]string, error) {
	n, err := is.ReadAndCheckSeqSize(2)
	if err != nil {
		return nil, err
	}
	ctx := make(map[string]string, n)
	for i := 0; i < n; i++ {
		k, err := is.ReadString()
		if err != nil {
			return nil, err
		}
		v, err := is.ReadString()
		if err != nil {
			return nil, err
		}
		ctx[k] = v
	}
	return ctx, nil
}

func (is *InputStream) ReadIdentity() (Identity, error) {
	var id Identity
	var err error
	if id.Name, err = is.ReadString(); err != nil {
		return id, err
	}
	id.Category, err = is.ReadString()
	return id, err
}

// ReadFacet reads the legacy facet path, which holds at most one element.
func (is *InputStream) ReadFacet() (string, error) {
	path, err := is.ReadStringSeq()
	if err != nil {
		return "", err
	}
	switch len(path) {
	case 0:
		return "", nil
	case 1:
		return path[0], nil
	}
	return "", newProtocolError("facet path with %d elements", len(path))
}

func (is *InputStream) ReadProtocolVersion() (ProtocolVersion, error) {
	b, err := is.ReadBytes(2)
	if err != nil {
		return ProtocolVersion{}, err
	}
	return ProtocolVersion{Major: b[0], Minor: b[1]}, nil
}

func (is *InputStream) ReadEncodingVersion() (EncodingVersion, error) {
	b, err := is.ReadBytes(2)
	if err != nil {
		return EncodingVersion{}, err
	}
	return EncodingVersion{Major: b[0], Minor: b[1]}, nil
}

func (is *InputStream) readEncapsHeader() (int, EncodingVersion, error) {
	sz, err := is.ReadInt32()
	if err != nil {
		return 0, EncodingVersion{}, err
	}
	if sz < 6 {
		return 0, EncodingVersion{}, newMarshalError("encapsulation size %d is too small", sz)
	}
	if int(sz)-4 > len(is.buf)-is.pos {
		return 0, EncodingVersion{}, errOutOfBounds(int(sz)-4, len(is.buf)-is.pos)
	}
	enc, err := is.ReadEncodingVersion()
	return int(sz), enc, err
}

// StartEncapsulation enters an encapsulation and switches the stream to its
// encoding.
func (is *InputStream) StartEncapsulation() (EncodingVersion, error) {
	start := is.pos
	sz, enc, err := is.readEncapsHeader()
	if err != nil {
		return enc, err
	}
	if !enc.Supported() {
		return enc, newMarshalError("unsupported encoding %v", enc)
	}
	is.encapsStack = append(is.encapsStack, inEncaps{start: start, size: sz, previous: is.encoding})
	is.encoding = enc
	return enc, nil
}

// EndEncapsulation leaves the innermost encapsulation. Unread trailing
// optionals are skipped; any other leftover data is an error.
func (is *InputStream) EndEncapsulation() error {
	n := len(is.encapsStack) - 1
	if n < 0 {
		return newMarshalError("no encapsulation to end")
	}
	e := is.encapsStack[n]
	end := e.start + e.size
	if is.encoding != Encoding_1_0 {
		if err := is.SkipOptionals(); err != nil {
			return err
		}
	}
	if is.pos != end {
		return newMarshalError("encapsulation has %d unread bytes", end-is.pos)
	}
	is.encapsStack = is.encapsStack[:n]
	is.encoding = e.previous
	return nil
}

// SkipEncapsulation jumps over an encapsulation and returns its encoding.
func (is *InputStream) SkipEncapsulation() (EncodingVersion, error) {
	sz, enc, err := is.readEncapsHeader()
	if err != nil {
		return enc, err
	}
	return enc, is.Skip(sz - 6)
}

// ReadEncapsulation reads a whole encapsulation, copying its payload.
func (is *InputStream) ReadEncapsulation() (Encaps, error) {
	sz, enc, err := is.readEncapsHeader()
	if err != nil {
		return Encaps{}, err
	}
	b, err := is.ReadBytes(sz - 6)
	if err != nil {
		return Encaps{}, err
	}
	return Encaps{Encoding: enc, Data: append([]byte(nil), b...)}, nil
}

func (is *InputStream) encapsEnd() int {
	if n := len(is.encapsStack); n > 0 {
		e := is.encapsStack[n-1]
		return e.start + e.size
	}
	return len(is.buf)
}

// ReadOptional scans forward to the optional with the given tag. Lower tags
// are skipped; a higher tag, the end marker or the end of the encapsulation
// leave the stream positioned before them and return false.
func (is *InputStream) ReadOptional(tag int, expected OptionalFormat) (bool, error) {
	if is.encoding == Encoding_1_0 {
		return false, nil
	}
	for {
		if is.pos >= is.encapsEnd() {
			return false, nil
		}
		start := is.pos
		v, err := is.ReadUint8()
		if err != nil {
			return false, err
		}
		if v == OptionalEndMarker {
			is.pos = start
			return false, nil
		}
		format := OptionalFormat(v & 0x07)
		t := int(v >> 3)
		if t == 30 {
			if t, err = is.ReadSize(); err != nil {
				return false, err
			}
		}
		switch {
		case t > tag:
			is.pos = start
			return false, nil
		case t < tag:
			if err := is.SkipOptional(format); err != nil {
				return false, err
			}
		default:
			if format != expected {
				return false, newMarshalError("optional tag %d has format %d, expected %d", tag, format, expected)
			}
			return true, nil
		}
	}
}

// SkipOptional skips the value of an optional of the given format.
func (is *InputStream) SkipOptional(format OptionalFormat) error {
	switch format {
	case OptionalF1:
		return is.Skip(1)
	case OptionalF2:
		return is.Skip(2)
	case OptionalF4:
		return is.Skip(4)
	case OptionalF8:
		return is.Skip(8)
	case OptionalSize:
		_, err := is.ReadSize()
		return err
	case OptionalVSize:
		n, err := is.ReadSize()
		if err != nil {
			return err
		}
		return is.Skip(n)
	case OptionalFSize:
		n, err := is.ReadInt32()
		if err != nil {
			return err
		}
		return is.Skip(int(n))
	}
	return newMarshalError("cannot skip optional class member")
}

// SkipOptionals skips every remaining optional up to the end marker or the
// end of the encapsulation.
func (is *InputStream) SkipOptionals() error {
	for is.pos < is.encapsEnd() {
		v, err := is.ReadUint8()
		if err != nil {
			return err
		}
		if v == OptionalEndMarker {
			return nil
		}
		if v>>3 == 30 {
			if _, err := is.ReadSize(); err != nil {
				return err
			}
		}
		if err := is.SkipOptional(OptionalFormat(v & 0x07)); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
