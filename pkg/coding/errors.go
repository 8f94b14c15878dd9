package coding

import (
	"errors"
	"fmt"
)

// UnsupportedAlgorithmError is returned by the registry constructors
// when an algorithm label is not recognized. Labels travel inside
// manifests, so an unknown label usually means the manifest was written
// by a newer deployment.
type UnsupportedAlgorithmError struct {
	Name string
}

func (e *UnsupportedAlgorithmError) Error() string {
	return fmt.Sprintf("unsupported coding algorithm %q", e.Name)
}

// CompressError wraps a failure while compressing.
type CompressError struct {
	Algorithm string
	Err       error
}

func (e *CompressError) Error() string {
	return fmt.Sprintf("%s compress: %v", e.Algorithm, e.Err)
}

func (e *CompressError) Unwrap() error { return e.Err }

// DecompressError wraps a failure while decompressing, including
// malformed payload rejections.
type DecompressError struct {
	Algorithm string
	Err       error
}

func (e *DecompressError) Error() string {
	return fmt.Sprintf("%s decompress: %v", e.Algorithm, e.Err)
}

func (e *DecompressError) Unwrap() error { return e.Err }

// ReconstructError reports an erasure reconstruction that cannot
// proceed, either because too few shards survive or because the shard
// layout does not match the metadata.
type ReconstructError struct {
	Reason string
}

func (e *ReconstructError) Error() string {
	return "erasure reconstruct: " + e.Reason
}

var (
	// ErrInvalidKeyLength rejects encryption keys that are not KeySize bytes.
	ErrInvalidKeyLength = errors.New("encryption key must be 32 bytes")

	// ErrInvalidCiphertext rejects payloads too short to carry a nonce
	// and tag.
	ErrInvalidCiphertext = errors.New("ciphertext truncated")

	// ErrEncryptionFailed reports an AEAD seal failure.
	ErrEncryptionFailed = errors.New("encryption failed")

	// ErrDecryptionFailed is the single error returned for every
	// authentication failure. Callers cannot distinguish a wrong key
	// from tampered ciphertext, and no partial plaintext ever escapes.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrMalformedRLE rejects run-length payloads with an odd length or
	// a zero-length run.
	ErrMalformedRLE = errors.New("malformed run-length payload")

	// ErrShardCountMismatch reports a reconstruct call whose shard slice
	// does not match the metadata's data+parity layout.
	ErrShardCountMismatch = errors.New("shard count does not match metadata")

	// ErrPacketTruncated rejects fountain packets shorter than the
	// minimum header.
	ErrPacketTruncated = errors.New("fountain packet truncated")

	// ErrInsufficientPackets reports a fountain decode that has not yet
	// accumulated enough packets to solve for every symbol.
	ErrInsufficientPackets = errors.New("insufficient fountain packets")
)
