package protocol

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizeEncodingBoundary(t *testing.T) {
	cases := []struct {
		size    int
		encoded int
	}{
		{0, 1},
		{254, 1},
		{255, 5},
		{256, 5},
		{1 << 20, 5},
	}
	for _, c := range cases {
		os := NewOutputStream(Encoding_1_1)
		os.WriteSize(c.size)
		require.Equal(t, c.encoded, os.Len(), "size %d", c.size)
		if c.encoded == 5 {
			assert.Equal(t, byte(0xFF), os.Bytes()[0])
		}
		n, err := NewInputStream(Encoding_1_1, os.Bytes()).ReadSize()
		require.NoError(t, err)
		assert.Equal(t, c.size, n)
	}
}

func TestRequestFrameSize(t *testing.T) {
	req := &Request{
		ID:        7,
		Identity:  Identity{Name: "foo", Category: "cat"},
		Facet:     "admin",
		Operation: "op",
		Mode:      Idempotent,
		Context:   map[string]string{"k": "v", "a": strings.Repeat("x", 300)},
		Params:    Encaps{Encoding: Encoding_1_1, Data: []byte{1, 2, 3}},
	}
	msg := EncodeRequest(req)
	h, err := DecodeHeader(msg)
	require.NoError(t, err)
	assert.Equal(t, int32(len(msg)), h.Size)
	assert.Equal(t, RequestMsg, h.Type)

	got, err := DecodeRequest(MessageBody(msg))
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestReplyFrameSize(t *testing.T) {
	replies := []*Reply{
		{ID: 1, Status: ReplyOK, Payload: Encaps{Encoding: Encoding_1_1, Data: []byte("abc")}},
		{ID: 2, Status: ReplyObjectNotExist, Identity: Identity{Name: "x"}, Facet: "f", Operation: "op"},
		{ID: 3, Status: ReplyUnknownException, Payload: Encaps{Encoding: Encoding_1_1, Data: []byte{0}}},
	}
	for _, r := range replies {
		msg := EncodeReply(r)
		require.Equal(t, int32(len(msg)), int32(binary.LittleEndian.Uint32(msg[10:])))
		got, err := DecodeReply(MessageBody(msg))
		require.NoError(t, err)
		if r.Status.IsNotExist() {
			assert.Equal(t, r.Identity, got.Identity)
			assert.Equal(t, r.Facet, got.Facet)
			assert.Equal(t, r.Operation, got.Operation)
		} else {
			assert.Equal(t, r.Payload.Data, got.Payload.Data)
		}
	}
}

func TestBatch(t *testing.T) {
	bodies := [][]byte{
		EncodeBatchRequestBody(&Request{Identity: Identity{Name: "a"}, Operation: "x", Params: EmptyEncaps(Encoding_1_1)}),
		EncodeBatchRequestBody(&Request{Identity: Identity{Name: "b"}, Operation: "y", Params: EmptyEncaps(Encoding_1_1)}),
	}
	msg := EncodeBatch(bodies)
	h, err := DecodeHeader(msg)
	require.NoError(t, err)
	assert.Equal(t, BatchRequestMsg, h.Type)
	reqs, err := DecodeBatch(MessageBody(msg))
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, "b", reqs[1].Identity.Name)
	assert.Equal(t, "y", reqs[1].Operation)
}

func TestHeaderValidation(t *testing.T) {
	msg := ValidateConnectionMessage()
	require.Len(t, msg, HeaderSize)
	h, err := DecodeHeader(msg)
	require.NoError(t, err)
	assert.Equal(t, ValidateConnectionMsg, h.Type)
	assert.Equal(t, int32(HeaderSize), h.Size)

	bad := append([]byte(nil), msg...)
	bad[0] = 'X'
	_, err = DecodeHeader(bad)
	var perr *ProtocolError
	assert.True(t, errors.As(err, &perr))

	bad = append([]byte(nil), msg...)
	bad[4] = 2
	_, err = DecodeHeader(bad)
	assert.True(t, errors.As(err, &perr))

	bad = append([]byte(nil), msg...)
	bad[8] = 9
	_, err = DecodeHeader(bad)
	assert.True(t, errors.As(err, &perr))

	assert.Error(t, CheckMessageSize(2048, 1024))
	assert.NoError(t, CheckMessageSize(1024, 1024))
}

func TestSequenceGuard(t *testing.T) {
	os := NewOutputStream(Encoding_1_1)
	os.WriteSize(1 << 30)
	os.WriteString("short")
	_, err := NewInputStream(Encoding_1_1, os.Bytes()).ReadStringSeq()
	var merr *MarshalError
	require.True(t, errors.As(err, &merr))

	is := NewInputStream(Encoding_1_1, []byte{10, 1, 2})
	_, err = is.ReadAndCheckSeqSize(1)
	require.True(t, errors.As(err, &merr))
}

func TestUnderflow(t *testing.T) {
	is := NewInputStream(Encoding_1_1, []byte{1, 2, 3})
	_, err := is.ReadInt32()
	var merr *MarshalError
	require.True(t, errors.As(err, &merr))
	// a failed read does not move the stream
	assert.Equal(t, 0, is.Pos())
	v, err := is.ReadInt16()
	require.NoError(t, err)
	assert.Equal(t, int16(0x0201), v)
}

func TestPrimitives(t *testing.T) {
	os := NewOutputStream(Encoding_1_1)
	os.WriteBool(true)
	os.WriteUint8(0xAB)
	os.WriteInt16(-2)
	os.WriteInt32(-70000)
	os.WriteInt64(1 << 40)
	os.WriteFloat32(1.5)
	os.WriteFloat64(-2.25)
	os.WriteString("héllo")
	os.WriteContext(map[string]string{"b": "2", "a": "1"})

	is := NewInputStream(Encoding_1_1, os.Bytes())
	b, _ := is.ReadBool()
	u, _ := is.ReadUint8()
	s, _ := is.ReadInt16()
	i, _ := is.ReadInt32()
	l, _ := is.ReadInt64()
	f, _ := is.ReadFloat32()
	d, _ := is.ReadFloat64()
	str, _ := is.ReadString()
	ctx, err := is.ReadContext()
	require.NoError(t, err)
	assert.True(t, b)
	assert.Equal(t, byte(0xAB), u)
	assert.Equal(t, int16(-2), s)
	assert.Equal(t, int32(-70000), i)
	assert.Equal(t, int64(1<<40), l)
	assert.Equal(t, float32(1.5), f)
	assert.Equal(t, -2.25, d)
	assert.Equal(t, "héllo", str)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, ctx)
	assert.Equal(t, 0, is.Remaining())
}

func TestEncapsulation(t *testing.T) {
	os := NewOutputStream(Encoding_1_1)
	os.StartEncapsulation(Encoding_1_1)
	os.WriteInt32(42)
	os.EndEncapsulation()
	require.Equal(t, int32(10), int32(binary.LittleEndian.Uint32(os.Bytes())))

	is := NewInputStream(Encoding_1_1, os.Bytes())
	enc, err := is.StartEncapsulation()
	require.NoError(t, err)
	assert.Equal(t, Encoding_1_1, enc)
	v, err := is.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(42), v)
	require.NoError(t, is.EndEncapsulation())

	// leftover data inside an encapsulation is an error
	old := NewOutputStream(Encoding_1_0)
	old.StartEncapsulation(Encoding_1_0)
	old.WriteInt32(42)
	old.EndEncapsulation()
	is = NewInputStream(Encoding_1_0, old.Bytes())
	_, err = is.StartEncapsulation()
	require.NoError(t, err)
	_, err = is.ReadInt16()
	require.NoError(t, err)
	assert.Error(t, is.EndEncapsulation())

	// unsupported encodings are rejected
	bad := append([]byte(nil), os.Bytes()...)
	bad[4] = 3
	_, err = NewInputStream(Encoding_1_1, bad).StartEncapsulation()
	assert.Error(t, err)
}

func TestOptionals(t *testing.T) {
	os := NewOutputStream(Encoding_1_1)
	os.StartEncapsulation(Encoding_1_1)
	os.WriteInt32(1)
	if os.WriteOptional(1, OptionalF4) {
		os.WriteInt32(11)
	}
	if os.WriteOptional(3, OptionalVSize) {
		os.WriteString("three")
	}
	if os.WriteOptional(40, OptionalFSize) {
		pos := os.StartSize()
		os.WriteString("forty")
		os.EndSize(pos)
	}
	os.EndEncapsulation()

	is := NewInputStream(Encoding_1_1, os.Bytes())
	_, err := is.StartEncapsulation()
	require.NoError(t, err)
	_, err = is.ReadInt32()
	require.NoError(t, err)

	// tag 2 is absent, tag 1 gets skipped on the way
	ok, err := is.ReadOptional(2, OptionalF4)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = is.ReadOptional(3, OptionalVSize)
	require.NoError(t, err)
	require.True(t, ok)
	s, err := is.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "three", s)

	// tag 40 is unknown to this reader and skipped at the end
	require.NoError(t, is.EndEncapsulation())

	assert.Panics(t, func() {
		os := NewOutputStream(Encoding_1_1)
		os.WriteOptional(5, OptionalF1)
		os.WriteOptional(4, OptionalF1)
	})
	assert.False(t, NewOutputStream(Encoding_1_0).WriteOptional(1, OptionalF1))
}

func TestOptionalEndMarker(t *testing.T) {
	os := NewOutputStream(Encoding_1_1)
	os.WriteOptional(1, OptionalF1)
	os.WriteUint8(9)
	os.WriteOptionalEndMarker()
	os.WriteInt32(77)

	is := NewInputStream(Encoding_1_1, os.Bytes())
	ok, err := is.ReadOptional(5, OptionalF1)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, is.SkipOptionals())
	v, err := is.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(77), v)
}

func TestIdentityString(t *testing.T) {
	ids := []Identity{
		{Name: "foo"},
		{Name: "foo", Category: "bar"},
		{Name: "a/b", Category: "c\\d"},
		{Name: "with space\tand\x01ctl"},
	}
	for _, id := range ids {
		parsed, err := ParseIdentity(id.String())
		require.NoError(t, err, id.String())
		assert.Equal(t, id, parsed)
	}
	_, err := ParseIdentity("a/b/c")
	assert.Error(t, err)
	_, err = ParseIdentity("cat/")
	assert.Error(t, err)
}

func TestCompression(t *testing.T) {
	req := &Request{
		ID:        3,
		Identity:  Identity{Name: "foo"},
		Operation: "op",
		Params:    Encaps{Encoding: Encoding_1_1, Data: bytes.Repeat([]byte("ice"), 500)},
	}
	msg := EncodeRequest(req)
	c, err := CompressMessage(msg, 0)
	require.NoError(t, err)
	assert.Less(t, len(c), len(msg))
	h, err := DecodeHeader(c)
	require.NoError(t, err)
	assert.Equal(t, Compressed, h.Compress)
	assert.Equal(t, int32(len(c)), h.Size)

	d, err := DecompressMessage(c, 0)
	require.NoError(t, err)
	assert.Equal(t, msg[HeaderSize:], d[HeaderSize:])

	_, err = DecompressMessage(c, 100)
	var perr *ProtocolError
	assert.True(t, errors.As(err, &perr))
}
