package endpoint

import (
	"testing"

	"github.com/PwzXxm/ice-lite/protocol"
	"github.com/PwzXxm/ice-lite/rpcerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTCP(t *testing.T) {
	e, err := Parse("tcp -h 127.0.0.1 -p 4061", DefaultDefaults)
	require.NoError(t, err)
	ip, ok := e.(*IP)
	require.True(t, ok)
	assert.Equal(t, TCPType, ip.Type())
	assert.Equal(t, "127.0.0.1", ip.Host())
	assert.Equal(t, 4061, ip.Port())
	assert.Equal(t, int32(60000), ip.Timeout())
	assert.Equal(t, "127.0.0.1:4061", ip.Address())
	assert.Equal(t, "tcp -h 127.0.0.1 -p 4061 -t 60000", ip.String())
}

func TestParseStringRoundTrip(t *testing.T) {
	inputs := []string{
		"tcp -h localhost -p 10000 -t infinite -z",
		"ssl -h ::1 -p 443 -t 5000",
		"udp -h 239.0.0.1 -p 5000 -z",
		"ws -h example.com -p 80 -r /chat",
		"wss -h example.com -p 443 -t 1000",
		"mem -h server -t 2000",
		"tcp -h 10.0.0.1 -p 1 --sourceAddress 10.0.0.2",
		"opaque -t 99 -e 1.1 -v AQIDBA==",
		"bt -a 00:11 -u x",
	}
	for _, in := range inputs {
		e, err := Parse(in, DefaultDefaults)
		require.NoError(t, err, in)
		again, err := Parse(e.String(), DefaultDefaults)
		require.NoError(t, err, e.String())
		assert.True(t, Equal(e, again), "%s != %s", e, again)
	}
}

func TestParseErrors(t *testing.T) {
	bad := []string{
		"",
		"tcp -p",
		"tcp -p 70000",
		"tcp -t 0",
		"tcp -x 1",
		"tcp -h a -h b",
		"udp -t 10",
		"tcp -r /x",
		"mem -t 10",
		"opaque -t 3",
		"opaque -v AAAA",
		`tcp -h "unterminated`,
	}
	for _, in := range bad {
		_, err := Parse(in, DefaultDefaults)
		require.Error(t, err, in)
		assert.True(t, rpcerr.Is(err, rpcerr.EndpointParse), "%q: %v", in, err)
	}
}

func TestDefaults(t *testing.T) {
	e, err := Parse("default -p 12", Defaults{Protocol: "ws", Host: "h", Timeout: 9})
	require.NoError(t, err)
	assert.Equal(t, "ws -h h -p 12 -t 9", e.String())

	e, err = Parse("tcp -h * -p 5", DefaultDefaults)
	require.NoError(t, err)
	assert.Equal(t, "", e.(*IP).Host())
}

func TestMarshalRoundTrip(t *testing.T) {
	eps := []Endpoint{
		NewTCP("a", 1, 100, true),
		NewSSL("b", 2, InfiniteTimeout, false),
		NewUDP("c", 3, true),
		NewWS("d", 4, 10, false, true, "/r"),
		NewMem("m", 50, false),
		NewOpaque(77, protocol.Encoding_1_0, []byte{9, 8, 7}),
		&Unknown{protocol: "bt", options: "-a x"},
	}
	for _, enc := range []protocol.EncodingVersion{protocol.Encoding_1_0, protocol.Encoding_1_1} {
		os := protocol.NewOutputStream(enc)
		for _, e := range eps {
			e.Marshal(os)
		}
		is := protocol.NewInputStream(enc, os.Bytes())
		for _, e := range eps {
			got, err := Unmarshal(is)
			require.NoError(t, err, e.String())
			assert.True(t, Equal(e, got), "%s != %s", e, got)
		}
		assert.Equal(t, 0, is.Remaining())
	}
}

func TestOpaqueOfKnownType(t *testing.T) {
	os := protocol.NewOutputStream(protocol.Encoding_1_1)
	NewTCP("host", 9, 1000, false).Marshal(os)
	is := protocol.NewInputStream(protocol.Encoding_1_1, os.Bytes())
	_, err := is.ReadInt16()
	require.NoError(t, err)
	encaps, err := is.ReadEncapsulation()
	require.NoError(t, err)

	op := NewOpaque(TCPType, encaps.Encoding, encaps.Data)
	e, err := Parse(op.String(), DefaultDefaults)
	require.NoError(t, err)
	assert.Equal(t, "tcp -h host -p 9 -t 1000", e.String())
}

func TestOrder(t *testing.T) {
	eps := []Endpoint{
		NewMem("z", 1, false),
		NewTCP("b", 1, 1, false),
		NewUDP("a", 1, false),
		NewTCP("a", 2, 1, false),
		NewTCP("a", 1, 1, false),
	}
	Sort(eps)
	var got []string
	for _, e := range eps {
		got = append(got, e.String())
	}
	assert.Equal(t, []string{
		"tcp -h a -p 1 -t 1",
		"tcp -h a -p 2 -t 1",
		"tcp -h b -p 1 -t 1",
		"udp -h a -p 1",
		"mem -h z -t 1",
	}, got)

	a := NewTCP("a", 1, 1, false)
	assert.Len(t, Dedup([]Endpoint{a, NewTCP("a", 1, 1, false), a.WithConnectionID("x")}), 2)
}

func TestWithReturnsSame(t *testing.T) {
	e := NewTCP("a", 1, 10, false)
	assert.Same(t, e, e.WithTimeout(10))
	assert.Same(t, e, e.WithCompress(false))
	assert.Same(t, e, e.WithConnectionID(""))
	c := e.WithCompress(true)
	assert.NotSame(t, e, c)
	assert.False(t, e.Compress())
	assert.True(t, c.Compress())
	assert.NotEqual(t, Key(e), Key(e.WithConnectionID("x")))
}

func TestSplitList(t *testing.T) {
	parts, err := SplitList(`tcp -h "::1" -p 1:ws -h a -p 2`)
	require.NoError(t, err)
	assert.Equal(t, []string{`tcp -h "::1" -p 1`, "ws -h a -p 2"}, parts)

	args, err := SplitArgs(`a "b c" 'd' "e\"f"`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b c", "d", `e"f`}, args)
}
