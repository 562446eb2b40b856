package rpcerr

import (
	"fmt"
	"sync"

	"github.com/PwzXxm/ice-lite/protocol"
	"github.com/pkg/errors"
)

// DispatchError is an error reported by the server through the reply
// status. The NotExist family carries identity, facet and operation; the
// Unknown family and any status above UnknownException carry a message.
type DispatchError struct {
	Status    protocol.ReplyStatus
	Identity  protocol.Identity
	Facet     string
	Operation string
	Message   string
}

func (e *DispatchError) Error() string {
	if e.Status.IsNotExist() {
		s := fmt.Sprintf("%v: identity %q", e.Status, e.Identity.String())
		if e.Facet != "" {
			s += fmt.Sprintf(" facet %q", e.Facet)
		}
		return s + fmt.Sprintf(" operation %q", e.Operation)
	}
	return fmt.Sprintf("%v: %s", e.Status, e.Message)
}

func NewObjectNotExist(id protocol.Identity, facet, operation string) *DispatchError {
	return &DispatchError{Status: protocol.ReplyObjectNotExist, Identity: id, Facet: facet, Operation: operation}
}

func NewFacetNotExist(id protocol.Identity, facet, operation string) *DispatchError {
	return &DispatchError{Status: protocol.ReplyFacetNotExist, Identity: id, Facet: facet, Operation: operation}
}

func NewOperationNotExist(id protocol.Identity, facet, operation string) *DispatchError {
	return &DispatchError{Status: protocol.ReplyOperationNotExist, Identity: id, Facet: facet, Operation: operation}
}

func NewUnknown(status protocol.ReplyStatus, message string) *DispatchError {
	return &DispatchError{Status: status, Message: message}
}

// IsObjectNotExist reports whether err is an ObjectNotExist dispatch error.
func IsObjectNotExist(err error) (*DispatchError, bool) {
	var de *DispatchError
	if errors.As(err, &de) && de.Status == protocol.ReplyObjectNotExist {
		return de, true
	}
	return nil, false
}

// UserError is an application error declared by an operation. Members are
// encoded after the type id inside the reply encapsulation.
type UserError interface {
	error
	TypeID() string
	MarshalMembers(os *protocol.OutputStream)
	UnmarshalMembers(is *protocol.InputStream) error
}

var (
	userErrorsMu sync.RWMutex
	userErrors   = make(map[string]func() UserError)
)

// RegisterUserError makes a user error decodable by type id.
func RegisterUserError(typeID string, factory func() UserError) {
	userErrorsMu.Lock()
	userErrors[typeID] = factory
	userErrorsMu.Unlock()
}

func userErrorFactory(typeID string) func() UserError {
	userErrorsMu.RLock()
	defer userErrorsMu.RUnlock()
	return userErrors[typeID]
}

// EncodeUserError writes a user error into an encapsulation.
func EncodeUserError(enc protocol.EncodingVersion, ue UserError) protocol.Encaps {
	os := protocol.NewOutputStream(enc)
	os.WriteString(ue.TypeID())
	ue.MarshalMembers(os)
	return protocol.Encaps{Encoding: enc, Data: os.Bytes()}
}

// DecodeUserError decodes a user exception payload. Errors not listed in
// declared, or without a registered factory, come back as an
// UnknownUserException dispatch error.
func DecodeUserError(payload protocol.Encaps, declared []string) error {
	is := payload.Stream()
	typeID, err := is.ReadString()
	if err != nil {
		return err
	}
	known := false
	for _, d := range declared {
		if d == typeID {
			known = true
			break
		}
	}
	factory := userErrorFactory(typeID)
	if !known || factory == nil {
		return NewUnknown(protocol.ReplyUnknownUserException, typeID)
	}
	ue := factory()
	if err := ue.UnmarshalMembers(is); err != nil {
		return err
	}
	return ue
}

func messageEncaps(enc protocol.EncodingVersion, msg string) protocol.Encaps {
	os := protocol.NewOutputStream(enc)
	os.WriteString(msg)
	return protocol.Encaps{Encoding: enc, Data: os.Bytes()}
}

// ErrorReply maps a dispatch failure to the reply sent for request id.
func ErrorReply(id int32, enc protocol.EncodingVersion, err error) *protocol.Reply {
	r := &protocol.Reply{ID: id}
	var de *DispatchError
	var ue UserError
	var le *LocalError
	switch {
	case errors.As(err, &de):
		r.Status = de.Status
		if de.Status.IsNotExist() {
			r.Identity, r.Facet, r.Operation = de.Identity, de.Facet, de.Operation
		} else {
			r.Payload = messageEncaps(enc, de.Message)
		}
	case errors.As(err, &ue):
		r.Status = protocol.ReplyUserException
		r.Payload = EncodeUserError(enc, ue)
	case errors.As(err, &le):
		r.Status = protocol.ReplyUnknownLocalException
		r.Payload = messageEncaps(enc, le.Error())
	default:
		r.Status = protocol.ReplyUnknownException
		r.Payload = messageEncaps(enc, err.Error())
	}
	return r
}

// ReplyError maps a non-OK reply back to an error for the caller.
func ReplyError(r *protocol.Reply, declared []string) error {
	switch {
	case r.Status == protocol.ReplyOK:
		return nil
	case r.Status == protocol.ReplyUserException:
		return DecodeUserError(r.Payload, declared)
	case r.Status.IsNotExist():
		return &DispatchError{Status: r.Status, Identity: r.Identity, Facet: r.Facet, Operation: r.Operation}
	}
	msg, err := r.Payload.Stream().ReadString()
	if err != nil {
		return err
	}
	return NewUnknown(r.Status, msg)
}
