package protocol

import (
	"encoding/binary"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// CompressThreshold is the smallest message worth compressing.
const CompressThreshold = 100

var (
	encoders sync.Map // level -> *zstd.Encoder
	decoder  *zstd.Decoder
	decOnce  sync.Once
	decErr   error
)

func encoderFor(level int) (*zstd.Encoder, error) {
	if e, ok := encoders.Load(level); ok {
		return e.(*zstd.Encoder), nil
	}
	lvl := zstd.SpeedDefault
	if level > 0 {
		lvl = zstd.EncoderLevelFromZstd(level)
	}
	e, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(lvl))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	actual, _ := encoders.LoadOrStore(level, e)
	return actual.(*zstd.Encoder), nil
}

// CompressMessage compresses everything after the header. The compressed
// body starts with the uncompressed message size. The result keeps the
// header fields, with compression status 2 and the new size.
func CompressMessage(msg []byte, level int) ([]byte, error) {
	enc, err := encoderFor(level)
	if err != nil {
		return nil, err
	}
	out := make([]byte, HeaderSize+4, HeaderSize+4+len(msg)/2)
	copy(out, msg[:HeaderSize])
	binary.LittleEndian.PutUint32(out[HeaderSize:], uint32(len(msg)))
	out = enc.EncodeAll(msg[HeaderSize:], out)
	SetCompressStatus(out, Compressed)
	SetMessageSize(out)
	return out, nil
}

// DecompressMessage reverses CompressMessage. The declared uncompressed size
// is checked against max before anything is allocated.
func DecompressMessage(msg []byte, max int) ([]byte, error) {
	if len(msg) < HeaderSize+4 {
		return nil, newProtocolError("compressed message too short")
	}
	size := int32(binary.LittleEndian.Uint32(msg[HeaderSize:]))
	if size <= HeaderSize {
		return nil, newProtocolError("illegal uncompressed size %d", size)
	}
	if err := CheckMessageSize(size, max); err != nil {
		return nil, err
	}
	decOnce.Do(func() {
		decoder, decErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	if decErr != nil {
		return nil, errors.WithStack(decErr)
	}
	out := make([]byte, HeaderSize, size)
	copy(out, msg[:HeaderSize])
	out, err := decoder.DecodeAll(msg[HeaderSize+4:], out)
	if err != nil {
		return nil, newProtocolError("decompression failed: %v", err)
	}
	if len(out) != int(size) {
		return nil, newProtocolError("decompressed %d bytes, header announced %d", len(out), size)
	}
	SetMessageSize(out)
	return out, nil
}
