package serde

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

//nolint:gochecknoglobals // Encoders and decoders are safe for concurrent use and expensive to build.
var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	errZstdInit error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		if zstdEncoder, errZstdInit = zstd.NewWriter(nil); errZstdInit != nil {
			return
		}

		zstdDecoder, errZstdInit = zstd.NewReader(nil)
	})

	return zstdEncoder, zstdDecoder, errZstdInit
}

// NewZstd returns a byte-array serde compressing data with Zstandard.
func NewZstd() Fused[[]byte, []byte] {
	serializer := SerializerFunc[[]byte, []byte](func(src []byte) ([]byte, error) {
		encoder, _, err := zstdCodecs()
		if err != nil {
			return nil, fmt.Errorf("serde.Zstd: failed to initialize encoder, %w", err)
		}

		return encoder.EncodeAll(src, nil), nil
	})

	deserializer := DeserializerFunc[[]byte, []byte](func(dst []byte) ([]byte, error) {
		_, decoder, err := zstdCodecs()
		if err != nil {
			return nil, fmt.Errorf("serde.Zstd: failed to initialize decoder, %w", err)
		}

		data, err := decoder.DecodeAll(dst, nil)
		if err != nil {
			return nil, fmt.Errorf("serde.Zstd: failed to decompress data, %w", err)
		}

		return data, nil
	})

	return Fuse[[]byte, []byte](serializer, deserializer)
}
