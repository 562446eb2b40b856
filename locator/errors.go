package locator

import (
	"github.com/PwzXxm/ice-lite/protocol"
	"github.com/PwzXxm/ice-lite/rpcerr"
)

const (
	AdapterNotFoundTypeID = "::Ice::AdapterNotFoundException"
	ObjectNotFoundTypeID  = "::Ice::ObjectNotFoundException"
)

// AdapterNotFound is raised by a locator that does not know an adapter id.
type AdapterNotFound struct{}

func (*AdapterNotFound) Error() string                                   { return "adapter not found" }
func (*AdapterNotFound) TypeID() string                                  { return AdapterNotFoundTypeID }
func (*AdapterNotFound) MarshalMembers(os *protocol.OutputStream)        {}
func (*AdapterNotFound) UnmarshalMembers(is *protocol.InputStream) error { return nil }

// ObjectNotFound is raised by a locator that does not know an identity.
type ObjectNotFound struct{}

func (*ObjectNotFound) Error() string                                   { return "object not found" }
func (*ObjectNotFound) TypeID() string                                  { return ObjectNotFoundTypeID }
func (*ObjectNotFound) MarshalMembers(os *protocol.OutputStream)        {}
func (*ObjectNotFound) UnmarshalMembers(is *protocol.InputStream) error { return nil }

func init() {
	rpcerr.RegisterUserError(AdapterNotFoundTypeID, func() rpcerr.UserError { return new(AdapterNotFound) })
	rpcerr.RegisterUserError(ObjectNotFoundTypeID, func() rpcerr.UserError { return new(ObjectNotFound) })
}

func notRegistered(kind, id string, cause error) error {
	return rpcerr.Wrap(rpcerr.NotRegistered, cause, "%s %q", kind, id)
}
