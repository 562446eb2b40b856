package communicator

import (
	"context"
	"sort"

	"github.com/PwzXxm/ice-lite/connection"
	"github.com/PwzXxm/ice-lite/protocol"
	"github.com/PwzXxm/ice-lite/rpcerr"
)

// ObjectTypeID is implemented by every object.
const ObjectTypeID = "::Ice::Object"

// Current describes the request being dispatched.
type Current struct {
	Adapter   *ObjectAdapter
	Conn      *connection.Connection
	ID        protocol.Identity
	Facet     string
	Operation string
	Mode      protocol.OperationMode
	Context   map[string]string
	RequestID int32
	Encoding  protocol.EncodingVersion
}

// Output returns a stream for the out parameters of the request.
func (cur *Current) Output() *protocol.OutputStream {
	return protocol.NewOutputStream(cur.Encoding)
}

// Servant executes the requests of one or more objects. in is positioned
// at the start of the in parameters; the result holds the encoded out
// parameters.
type Servant interface {
	Dispatch(ctx context.Context, cur *Current, in *protocol.InputStream) ([]byte, error)
}

type ServantFunc func(ctx context.Context, cur *Current, in *protocol.InputStream) ([]byte, error)

func (f ServantFunc) Dispatch(ctx context.Context, cur *Current, in *protocol.InputStream) ([]byte, error) {
	return f(ctx, cur, in)
}

// Operation is the implementation of one operation of an ObjectServant.
type Operation func(ctx context.Context, cur *Current, in *protocol.InputStream) ([]byte, error)

// ObjectServant dispatches to a table of operations and answers the
// builtin ice_ping, ice_isA, ice_id and ice_ids operations.
type ObjectServant struct {
	typeID string
	ids    []string
	ops    map[string]Operation
}

// NewObjectServant returns a servant of type typeID that also implements
// bases.
func NewObjectServant(typeID string, ops map[string]Operation, bases ...string) *ObjectServant {
	seen := map[string]bool{ObjectTypeID: true, typeID: true}
	ids := []string{ObjectTypeID}
	if typeID != ObjectTypeID {
		ids = append(ids, typeID)
	}
	for _, b := range bases {
		if !seen[b] {
			seen[b] = true
			ids = append(ids, b)
		}
	}
	sort.Strings(ids)
	if ops == nil {
		ops = make(map[string]Operation)
	}
	return &ObjectServant{typeID: typeID, ids: ids, ops: ops}
}

func (s *ObjectServant) TypeID() string {
	return s.typeID
}

func (s *ObjectServant) IsA(typeID string) bool {
	i := sort.SearchStrings(s.ids, typeID)
	return i < len(s.ids) && s.ids[i] == typeID
}

func (s *ObjectServant) Dispatch(ctx context.Context, cur *Current, in *protocol.InputStream) ([]byte, error) {
	if op, ok := s.ops[cur.Operation]; ok {
		return op(ctx, cur, in)
	}
	out := cur.Output()
	switch cur.Operation {
	case "ice_ping":
	case "ice_isA":
		id, err := in.ReadString()
		if err != nil {
			return nil, err
		}
		out.WriteBool(s.IsA(id))
	case "ice_id":
		out.WriteString(s.typeID)
	case "ice_ids":
		out.WriteStringSeq(s.ids)
	default:
		return nil, rpcerr.NewOperationNotExist(cur.ID, cur.Facet, cur.Operation)
	}
	return out.Bytes(), nil
}
