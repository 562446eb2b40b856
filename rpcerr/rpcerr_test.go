package rpcerr

import (
	"io"
	"testing"

	"github.com/PwzXxm/ice-lite/protocol"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type quotaExceeded struct {
	Limit int32
}

func (e *quotaExceeded) Error() string  { return "quota exceeded" }
func (e *quotaExceeded) TypeID() string { return "::Test::QuotaExceeded" }
func (e *quotaExceeded) MarshalMembers(os *protocol.OutputStream) {
	os.WriteInt32(e.Limit)
}
func (e *quotaExceeded) UnmarshalMembers(is *protocol.InputStream) (err error) {
	e.Limit, err = is.ReadInt32()
	return
}

func init() {
	RegisterUserError("::Test::QuotaExceeded", func() UserError { return new(quotaExceeded) })
}

func TestLocalErrorKind(t *testing.T) {
	err := errors.Wrap(Wrap(ConnectionLost, io.EOF, "recv"), "outer")
	k, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ConnectionLost, k)
	assert.True(t, Is(err, ConnectionLost))
	assert.False(t, Is(err, CloseConnection))
	assert.True(t, errors.Is(err, io.EOF))
	assert.Contains(t, err.Error(), "connection lost: recv: EOF")
}

func roundTrip(t *testing.T, err error, declared []string) error {
	r := ErrorReply(9, protocol.Encoding_1_1, err)
	msg := protocol.EncodeReply(r)
	decoded, derr := protocol.DecodeReply(protocol.MessageBody(msg))
	require.NoError(t, derr)
	return ReplyError(decoded, declared)
}

func TestDispatchErrorWire(t *testing.T) {
	id := protocol.Identity{Name: "foo", Category: "c"}
	got := roundTrip(t, NewObjectNotExist(id, "f", "op"), nil)
	de, ok := IsObjectNotExist(got)
	require.True(t, ok)
	assert.Equal(t, id, de.Identity)
	assert.Equal(t, "f", de.Facet)
	assert.Equal(t, "op", de.Operation)

	got = roundTrip(t, New(ConnectionLost, "boom"), nil)
	require.True(t, errors.As(got, &de))
	assert.Equal(t, protocol.ReplyUnknownLocalException, de.Status)
	assert.Contains(t, de.Message, "boom")

	got = roundTrip(t, errors.New("plain"), nil)
	require.True(t, errors.As(got, &de))
	assert.Equal(t, protocol.ReplyUnknownException, de.Status)
	assert.Equal(t, "plain", de.Message)
}

func TestUserErrorDeclared(t *testing.T) {
	got := roundTrip(t, &quotaExceeded{Limit: 5}, []string{"::Test::QuotaExceeded"})
	var qe *quotaExceeded
	require.True(t, errors.As(got, &qe))
	assert.Equal(t, int32(5), qe.Limit)

	// undeclared user errors are not reconstructed
	got = roundTrip(t, &quotaExceeded{Limit: 5}, nil)
	var de *DispatchError
	require.True(t, errors.As(got, &de))
	assert.Equal(t, protocol.ReplyUnknownUserException, de.Status)
	assert.Equal(t, "::Test::QuotaExceeded", de.Message)
}
