// Package coding supplies the pluggable transforms the storage
// pipeline applies to object bytes: compression, authenticated
// encryption, erasure coding, and rateless fountain coding.
//
// Every implementation is selected by a string algorithm label. The
// label is recorded in the object manifest, so bytes written under one
// configuration remain readable after the live configuration moves on.
package coding

import "strings"

// Algorithm labels. These are persisted in manifests; changing one
// breaks compatibility with previously stored objects.
const (
	AlgZstd = "zstd"
	AlgNone = "none"
	AlgRLE  = "rle"

	AlgChaCha20Poly1305 = "chacha20-poly1305"

	AlgReedSolomon = "reed-solomon"
	AlgXor         = "xor"

	AlgFountainLT = "lt"
)

// Compressor implementations shrink chunk payloads before encryption.
type Compressor interface {
	Algorithm() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// Encryptor implementations provide authenticated encryption over a
// single chunk. Encrypt output is nonce then ciphertext then tag;
// Decrypt authenticates before returning any plaintext.
type Encryptor interface {
	Algorithm() string
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(blob []byte) ([]byte, error)
}

// ShardKind distinguishes data shards from parity shards.
type ShardKind uint8

const (
	// ShardData holds original bytes.
	ShardData ShardKind = iota
	// ShardParity holds redundancy computed over the data shards.
	ShardParity
)

// Shard is one erasure-coded piece of a chunk.
type Shard struct {
	Index int
	Kind  ShardKind
	Bytes []byte
}

// ErasureMeta describes the shard layout of one encoded chunk.
type ErasureMeta struct {
	DataShards   int
	ParityShards int
	ShardLen     int
	OriginalLen  int
}

// TotalShards is the data+parity shard count of the layout.
func (m ErasureMeta) TotalShards() int {
	return m.DataShards + m.ParityShards
}

// ErasureCoder implementations split a chunk into redundant shards and
// rebuild the chunk from a subset of them. Reconstruct takes a slice
// of TotalShards slots with nil entries for missing shards.
type ErasureCoder interface {
	Algorithm() string
	Encode(data []byte) (ErasureMeta, []Shard, error)
	Reconstruct(meta ErasureMeta, shards []*Shard) ([]byte, error)
}

// CompressorFor builds a compressor from its manifest label. The level
// only applies to algorithms with tunable effort.
func CompressorFor(name string, level int) (Compressor, error) {
	switch CanonicalAlgorithm(name) {
	case AlgZstd, "":
		return newZstdCompressor(level)
	case AlgNone:
		return noopCompressor{}, nil
	case AlgRLE:
		return rleCompressor{}, nil
	default:
		return nil, &UnsupportedAlgorithmError{Name: name}
	}
}

// EncryptorFor builds an encryptor from its manifest label and a raw
// symmetric key.
func EncryptorFor(name string, key []byte) (Encryptor, error) {
	switch CanonicalAlgorithm(name) {
	case AlgChaCha20Poly1305, "":
		return newChaChaEncryptor(key)
	default:
		return nil, &UnsupportedAlgorithmError{Name: name}
	}
}

// ErasureCoderFor builds an erasure coder from its manifest label and
// shard layout.
func ErasureCoderFor(name string, dataShards, parityShards int) (ErasureCoder, error) {
	switch CanonicalAlgorithm(name) {
	case AlgReedSolomon, "":
		return newReedSolomonCoder(dataShards, parityShards)
	case AlgXor:
		return newXorCoder(dataShards, parityShards)
	default:
		return nil, &UnsupportedAlgorithmError{Name: name}
	}
}

// FountainCoderFor builds a fountain coder from its label, symbol size
// and emission rate (rate >= 1.0, the overproduction factor).
func FountainCoderFor(name string, symbolSize int, rate float64) (FountainCoder, error) {
	switch CanonicalAlgorithm(name) {
	case AlgFountainLT, "":
		return newLTFountain(symbolSize, rate)
	default:
		return nil, &UnsupportedAlgorithmError{Name: name}
	}
}

// CanonicalAlgorithm normalizes a label: trims, lower-cases, folds
// underscores to hyphens, and maps historical aliases onto the
// canonical names.
func CanonicalAlgorithm(raw string) string {
	normalized := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(raw), "_", "-"))
	switch normalized {
	case "rs", "reedsolomon":
		return AlgReedSolomon
	case "xor-parity":
		return AlgXor
	case "chacha", "chacha20":
		return AlgChaCha20Poly1305
	default:
		return normalized
	}
}
