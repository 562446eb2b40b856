package protocol

import "fmt"

// ProtocolError reports a framing violation: bad magic, unsupported version,
// unknown message type, unknown request id, illegal size or a compression
// failure. It is always fatal to the connection that produced it.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

func newProtocolError(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// NewProtocolError builds a ProtocolError for callers outside the codec.
func NewProtocolError(format string, args ...interface{}) *ProtocolError {
	return newProtocolError(format, args...)
}

// MarshalError reports a stream that cannot be encoded or decoded, most often
// a read past the end of the buffer.
type MarshalError struct {
	Reason string
}

func (e *MarshalError) Error() string {
	return "marshal error: " + e.Reason
}

func newMarshalError(format string, args ...interface{}) *MarshalError {
	return &MarshalError{Reason: fmt.Sprintf(format, args...)}
}

// NewMarshalError builds a MarshalError for callers outside the codec.
func NewMarshalError(format string, args ...interface{}) *MarshalError {
	return newMarshalError(format, args...)
}

func errOutOfBounds(need, remaining int) *MarshalError {
	return newMarshalError("unmarshal out of bounds: need %d bytes, %d remaining", need, remaining)
}
