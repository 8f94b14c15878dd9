package coding

import (
	"errors"

	"github.com/klauspost/compress/zstd"
)

// zstdCompressor is the default general-purpose compressor. Encoder
// and decoder are built once per instance; both are safe for
// concurrent use.
type zstdCompressor struct {
	enc   *zstd.Encoder
	dec   *zstd.Decoder
	level int
}

func newZstdCompressor(level int) (Compressor, error) {
	if level <= 0 {
		level = 3
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, &CompressError{Algorithm: AlgZstd, Err: err}
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, &CompressError{Algorithm: AlgZstd, Err: err}
	}
	return &zstdCompressor{enc: enc, dec: dec, level: level}, nil
}

func (z *zstdCompressor) Algorithm() string { return AlgZstd }

func (z *zstdCompressor) Compress(data []byte) ([]byte, error) {
	return z.enc.EncodeAll(data, nil), nil
}

func (z *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := z.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, &DecompressError{Algorithm: AlgZstd, Err: err}
	}
	return out, nil
}

// noopCompressor passes bytes through unchanged. Used for payloads
// known to be incompressible.
type noopCompressor struct{}

func (noopCompressor) Algorithm() string { return AlgNone }

func (noopCompressor) Compress(data []byte) ([]byte, error) { return data, nil }

func (noopCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }

// rleCompressor is a byte run-length coder kept as the dependency-free
// fallback. Each run encodes as a count byte (1..255, saturating)
// followed by the value byte.
type rleCompressor struct{}

func (rleCompressor) Algorithm() string { return AlgRLE }

func (rleCompressor) Compress(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data)/2+2)
	for i := 0; i < len(data); {
		value := data[i]
		run := 1
		for i+run < len(data) && data[i+run] == value && run < 255 {
			run++
		}
		out = append(out, byte(run), value)
		i += run
	}
	return out, nil
}

func (rleCompressor) Decompress(data []byte) ([]byte, error) {
	if len(data)%2 != 0 {
		return nil, &DecompressError{Algorithm: AlgRLE, Err: ErrMalformedRLE}
	}
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i += 2 {
		count := int(data[i])
		if count == 0 {
			return nil, &DecompressError{Algorithm: AlgRLE, Err: ErrMalformedRLE}
		}
		value := data[i+1]
		for j := 0; j < count; j++ {
			out = append(out, value)
		}
	}
	return out, nil
}

// IsMalformedPayload reports whether err rejects the payload itself,
// as opposed to an internal codec failure.
func IsMalformedPayload(err error) bool {
	return errors.Is(err, ErrMalformedRLE)
}
