package transport

import (
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/nats-io/nats.go"
)

const (
	// HeaderContentEncoding marks compressed frames
	HeaderContentEncoding = "Content-Encoding"
	zstdName              = "zstd"
)

var (
	decoderPool sync.Pool
	encoderPool sync.Pool
)

// decodeFrame returns the payload of a message, decompressing zstd frames
func decodeFrame(msg *nats.Msg) ([]byte, error) {
	if msg.Header.Get(HeaderContentEncoding) != zstdName {
		return msg.Data, nil
	}

	dec, ok := decoderPool.Get().(*zstd.Decoder)
	if !ok {
		var err error
		dec, err = zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
	}
	defer decoderPool.Put(dec)

	return dec.DecodeAll(msg.Data, nil)
}

// EncodeFrame builds a zstd-compressed message, the form publishers use for
// large results
func EncodeFrame(subject string, payload []byte) (*nats.Msg, error) {
	enc, ok := encoderPool.Get().(*zstd.Encoder)
	if !ok {
		var err error
		enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, err
		}
	}
	defer encoderPool.Put(enc)

	msg := nats.NewMsg(subject)
	msg.Header.Set(HeaderContentEncoding, zstdName)
	msg.Data = enc.EncodeAll(payload, nil)
	return msg, nil
}
