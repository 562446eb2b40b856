/*
 * Project: ice-lite
 * ---------------------
 * Authors:
 *   Minjian Chen 813534
 *   Shijie Liu   813277
 *   Weizhi Xu    752454
 *   Wenqing Xue  813044
 *   Zijun Chen   813190
 */

// Package protocol implements the IceP wire format: the 14 byte message
// header, size-prefixed primitives, encapsulations, tagged optionals and the
// request/reply/batch message layouts.
//
// All multi-byte values are little-endian. Streams never truncate: a read past
// the end of the buffer returns a *MarshalError.
package protocol

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// HeaderSize is the size of every message header, including the magic.
const HeaderSize = 14

// Magic is the four byte message prefix.
var Magic = [4]byte{'I', 'c', 'e', 'P'}

// offset of the size field inside the header
const headerSizeOffset = 10

// MessageType is the header byte naming the message kind.
type MessageType byte

const (
	RequestMsg            MessageType = 0
	BatchRequestMsg       MessageType = 1
	ReplyMsg              MessageType = 2
	ValidateConnectionMsg MessageType = 3
	CloseConnectionMsg    MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case RequestMsg:
		return "request"
	case BatchRequestMsg:
		return "batch request"
	case ReplyMsg:
		return "reply"
	case ValidateConnectionMsg:
		return "validate connection"
	case CloseConnectionMsg:
		return "close connection"
	}
	return "unknown(" + strconv.Itoa(int(t)) + ")"
}

// CompressStatus is the header compression byte.
type CompressStatus byte

const (
	// Uncompressed message, the peer must not compress the reply.
	CompressNone CompressStatus = 0
	// Uncompressed message, the peer may compress the reply.
	CompressReply CompressStatus = 1
	// Compressed message.
	Compressed CompressStatus = 2
)

// ReplyStatus is the first byte of a reply body after the request id.
type ReplyStatus byte

const (
	ReplyOK                    ReplyStatus = 0
	ReplyUserException         ReplyStatus = 1
	ReplyObjectNotExist        ReplyStatus = 2
	ReplyFacetNotExist         ReplyStatus = 3
	ReplyOperationNotExist     ReplyStatus = 4
	ReplyUnknownLocalException ReplyStatus = 5
	ReplyUnknownUserException  ReplyStatus = 6
	ReplyUnknownException      ReplyStatus = 7
)

// IsNotExist reports whether the status belongs to the NotExist family,
// whose replies carry identity, facet and operation instead of an
// encapsulation.
func (s ReplyStatus) IsNotExist() bool {
	return s == ReplyObjectNotExist || s == ReplyFacetNotExist || s == ReplyOperationNotExist
}

func (s ReplyStatus) String() string {
	switch s {
	case ReplyOK:
		return "ok"
	case ReplyUserException:
		return "user exception"
	case ReplyObjectNotExist:
		return "object not exist"
	case ReplyFacetNotExist:
		return "facet not exist"
	case ReplyOperationNotExist:
		return "operation not exist"
	case ReplyUnknownLocalException:
		return "unknown local exception"
	case ReplyUnknownUserException:
		return "unknown user exception"
	case ReplyUnknownException:
		return "unknown exception"
	}
	return "dispatch exception(" + strconv.Itoa(int(s)) + ")"
}

// OperationMode is the request mode byte.
type OperationMode byte

const (
	Normal      OperationMode = 0
	Nonmutating OperationMode = 1
	Idempotent  OperationMode = 2
)

func (m OperationMode) String() string {
	switch m {
	case Normal:
		return "normal"
	case Nonmutating:
		return "nonmutating"
	case Idempotent:
		return "idempotent"
	}
	return "unknown(" + strconv.Itoa(int(m)) + ")"
}

// ProtocolVersion is a major.minor protocol version.
type ProtocolVersion struct {
	Major byte
	Minor byte
}

// EncodingVersion is a major.minor encoding version.
type EncodingVersion struct {
	Major byte
	Minor byte
}

var (
	Protocol_1_0 = ProtocolVersion{Major: 1, Minor: 0}
	Encoding_1_0 = EncodingVersion{Major: 1, Minor: 0}
	Encoding_1_1 = EncodingVersion{Major: 1, Minor: 1}

	// CurrentProtocol is written into every header.
	CurrentProtocol = Protocol_1_0
	// CurrentProtocolEncoding is the encoding of the message headers themselves.
	CurrentProtocolEncoding = Encoding_1_0
	// CurrentEncoding is the default encapsulation encoding.
	CurrentEncoding = Encoding_1_1
)

func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

func (v EncodingVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Supported reports whether encapsulations with this encoding can be read.
func (v EncodingVersion) Supported() bool {
	return v.Major == 1 && v.Minor <= 1
}

func parseVersion(s string) (byte, byte, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return 0, 0, errors.Errorf("malformed version %q", s)
	}
	major, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "malformed version %q", s)
	}
	minor, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "malformed version %q", s)
	}
	return byte(major), byte(minor), nil
}

// ParseProtocolVersion parses "major.minor".
func ParseProtocolVersion(s string) (ProtocolVersion, error) {
	major, minor, err := parseVersion(s)
	return ProtocolVersion{Major: major, Minor: minor}, err
}

// ParseEncodingVersion parses "major.minor".
func ParseEncodingVersion(s string) (EncodingVersion, error) {
	major, minor, err := parseVersion(s)
	return EncodingVersion{Major: major, Minor: minor}, err
}

// Header is a decoded message header.
type Header struct {
	Protocol ProtocolVersion
	Encoding EncodingVersion
	Type     MessageType
	Compress CompressStatus
	Size     int32
}

// Encode writes the header into the first HeaderSize bytes of b.
func (h Header) Encode(b []byte) {
	copy(b[0:4], Magic[:])
	b[4] = h.Protocol.Major
	b[5] = h.Protocol.Minor
	b[6] = h.Encoding.Major
	b[7] = h.Encoding.Minor
	b[8] = byte(h.Type)
	b[9] = byte(h.Compress)
	binary.LittleEndian.PutUint32(b[headerSizeOffset:], uint32(h.Size))
}

// DecodeHeader validates and decodes a message header.
func DecodeHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, newMarshalError("header needs %d bytes, got %d", HeaderSize, len(b))
	}
	if b[0] != Magic[0] || b[1] != Magic[1] || b[2] != Magic[2] || b[3] != Magic[3] {
		return h, newProtocolError("bad magic %#x", b[0:4])
	}
	h.Protocol = ProtocolVersion{Major: b[4], Minor: b[5]}
	if h.Protocol.Major != CurrentProtocol.Major {
		return h, newProtocolError("unsupported protocol version %v", h.Protocol)
	}
	h.Encoding = EncodingVersion{Major: b[6], Minor: b[7]}
	if h.Encoding.Major != CurrentProtocolEncoding.Major {
		return h, newProtocolError("unsupported protocol encoding %v", h.Encoding)
	}
	h.Type = MessageType(b[8])
	if h.Type > CloseConnectionMsg {
		return h, newProtocolError("unknown message type %d", b[8])
	}
	h.Compress = CompressStatus(b[9])
	if h.Compress > Compressed {
		return h, newProtocolError("invalid compression status %d", b[9])
	}
	h.Size = int32(binary.LittleEndian.Uint32(b[headerSizeOffset:]))
	if h.Size < HeaderSize {
		return h, newProtocolError("illegal message size %d", h.Size)
	}
	return h, nil
}

// CheckMessageSize rejects a declared size above max (max <= 0 disables the
// check).
func CheckMessageSize(size int32, max int) error {
	if max > 0 && int(size) > max {
		return newProtocolError("message size %d exceeds the maximum allowed of %d", size, max)
	}
	return nil
}

func controlMessage(t MessageType) []byte {
	b := make([]byte, HeaderSize)
	Header{
		Protocol: CurrentProtocol,
		Encoding: CurrentProtocolEncoding,
		Type:     t,
		Size:     HeaderSize,
	}.Encode(b)
	return b
}

// ValidateConnectionMessage returns the header-only validation message, also
// used as heartbeat.
func ValidateConnectionMessage() []byte {
	return controlMessage(ValidateConnectionMsg)
}

// CloseConnectionMessage returns the header-only graceful close message.
func CloseConnectionMessage() []byte {
	return controlMessage(CloseConnectionMsg)
}

// SetMessageSize patches the size field of an encoded message to len(msg).
func SetMessageSize(msg []byte) {
	binary.LittleEndian.PutUint32(msg[headerSizeOffset:], uint32(len(msg)))
}

// SetCompressStatus patches the compression byte of an encoded message.
func SetCompressStatus(msg []byte, c CompressStatus) {
	msg[9] = byte(c)
}

// SetRequestID patches the request id of an encoded request or reply message.
func SetRequestID(msg []byte, id int32) {
	binary.LittleEndian.PutUint32(msg[HeaderSize:], uint32(id))
}
