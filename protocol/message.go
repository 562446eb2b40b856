package protocol

// Encaps is the payload of an encapsulation without its six byte header.
type Encaps struct {
	Encoding EncodingVersion
	Data     []byte
}

// EmptyEncaps is an encapsulation with no payload.
func EmptyEncaps(enc EncodingVersion) Encaps {
	return Encaps{Encoding: enc}
}

// Stream returns an input stream positioned at the start of the payload.
func (e Encaps) Stream() *InputStream {
	return NewInputStream(e.Encoding, e.Data)
}

// Request is a decoded request, or the input to encode one.
type Request struct {
	// ID is 0 for requests that expect no reply.
	ID        int32
	Identity  Identity
	Facet     string
	Operation string
	Mode      OperationMode
	Context   map[string]string
	Params    Encaps
}

func writeRequestBody(os *OutputStream, r *Request) {
	os.WriteIdentity(r.Identity)
	os.WriteFacet(r.Facet)
	os.WriteString(r.Operation)
	os.WriteUint8(byte(r.Mode))
	os.WriteContext(r.Context)
	os.WriteEncapsulation(r.Params)
}

// EncodeRequest encodes a complete request message. The request id is
// written as given; connections patch it with SetRequestID.
func EncodeRequest(r *Request) []byte {
	os := NewMessageStream(RequestMsg)
	os.WriteInt32(r.ID)
	writeRequestBody(os, r)
	return os.FinishMessage()
}

// EncodeBatchRequestBody encodes one request of a batch: a request without
// the request id.
func EncodeBatchRequestBody(r *Request) []byte {
	os := NewOutputStream(CurrentProtocolEncoding)
	writeRequestBody(os, r)
	return os.Bytes()
}

// EncodeBatch assembles a batch request message from bodies produced by
// EncodeBatchRequestBody.
func EncodeBatch(bodies [][]byte) []byte {
	os := NewMessageStream(BatchRequestMsg)
	os.WriteInt32(int32(len(bodies)))
	for _, b := range bodies {
		os.WriteRaw(b)
	}
	return os.FinishMessage()
}

func readRequestBody(is *InputStream, r *Request) error {
	var err error
	if r.Identity, err = is.ReadIdentity(); err != nil {
		return err
	}
	if r.Facet, err = is.ReadFacet(); err != nil {
		return err
	}
	if r.Operation, err = is.ReadString(); err != nil {
		return err
	}
	mode, err := is.ReadUint8()
	if err != nil {
		return err
	}
	if mode > byte(Idempotent) {
		return newMarshalError("invalid operation mode %d", mode)
	}
	r.Mode = OperationMode(mode)
	if r.Context, err = is.ReadContext(); err != nil {
		return err
	}
	r.Params, err = is.ReadEncapsulation()
	return err
}

// DecodeRequest decodes a request message body; is must be positioned right
// after the header.
func DecodeRequest(is *InputStream) (*Request, error) {
	r := new(Request)
	var err error
	if r.ID, err = is.ReadInt32(); err != nil {
		return nil, err
	}
	if err = readRequestBody(is, r); err != nil {
		return nil, err
	}
	return r, nil
}

// DecodeBatch decodes all requests of a batch message body.
func DecodeBatch(is *InputStream) ([]*Request, error) {
	n, err := is.ReadInt32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, newMarshalError("negative batch request count %d", n)
	}
	// every batched request takes at least 13 bytes
	if int64(n)*13 > int64(is.Remaining()) {
		return nil, errOutOfBounds(int(n)*13, is.Remaining())
	}
	reqs := make([]*Request, 0, n)
	for i := int32(0); i < n; i++ {
		r := new(Request)
		if err := readRequestBody(is, r); err != nil {
			return nil, err
		}
		reqs = append(reqs, r)
	}
	return reqs, nil
}

// Reply is a decoded reply, or the input to encode one.
type Reply struct {
	ID     int32
	Status ReplyStatus
	// Payload is set for every status outside the NotExist family.
	Payload Encaps
	// Identity, Facet and Operation are set for the NotExist family.
	Identity  Identity
	Facet     string
	Operation string
}

// EncodeReply encodes a complete reply message.
func EncodeReply(r *Reply) []byte {
	os := NewMessageStream(ReplyMsg)
	os.WriteInt32(r.ID)
	os.WriteUint8(byte(r.Status))
	if r.Status.IsNotExist() {
		os.WriteIdentity(r.Identity)
		os.WriteFacet(r.Facet)
		os.WriteString(r.Operation)
	} else {
		os.WriteEncapsulation(r.Payload)
	}
	return os.FinishMessage()
}

// DecodeReply decodes a reply message body; is must be positioned right
// after the header.
func DecodeReply(is *InputStream) (*Reply, error) {
	r := new(Reply)
	var err error
	if r.ID, err = is.ReadInt32(); err != nil {
		return nil, err
	}
	status, err := is.ReadUint8()
	if err != nil {
		return nil, err
	}
	r.Status = ReplyStatus(status)
	if r.Status.IsNotExist() {
		if r.Identity, err = is.ReadIdentity(); err != nil {
			return nil, err
		}
		if r.Facet, err = is.ReadFacet(); err != nil {
			return nil, err
		}
		if r.Operation, err = is.ReadString(); err != nil {
			return nil, err
		}
		return r, nil
	}
	if r.Payload, err = is.ReadEncapsulation(); err != nil {
		return nil, err
	}
	return r, nil
}

// MessageBody returns a stream over msg positioned after the header.
func MessageBody(msg []byte) *InputStream {
	is := NewInputStream(CurrentProtocolEncoding, msg)
	is.pos = HeaderSize
	return is
}
