package pipeline

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// Key prefixes in the backing store.
const (
	chunkPrefix    = "chunk/"
	manifestPrefix = "manifest/"
	receiptPrefix  = "receipt/"
)

// manifestVersion is bumped when the serialized layout changes.
const manifestVersion = 1

var (
	// ErrManifestCorrupt is returned when a loaded manifest fails its
	// self-hash check or cannot be decoded.
	ErrManifestCorrupt = errors.New("manifest corrupt")

	// ErrLengthMismatch is returned when recovered bytes do not match
	// the lengths the manifest records.
	ErrLengthMismatch = errors.New("recovered length does not match manifest")
)

// ID is a 32-byte blake3 content address, serialized as lowercase hex.
type ID [32]byte

// String returns the hex form.
func (id ID) String() string { return hex.EncodeToString(id[:]) }

// IsZero reports whether the id is unset.
func (id ID) IsZero() bool { return id == ID{} }

// ParseID decodes a 64-character hex content address.
func ParseID(s string) (ID, error) {
	var id ID
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(id) {
		return ID{}, fmt.Errorf("invalid content id %q", s)
	}
	copy(id[:], raw)
	return id, nil
}

// MarshalYAML emits the hex form.
func (id ID) MarshalYAML() (interface{}, error) {
	return id.String(), nil
}

// UnmarshalYAML parses the hex form.
func (id *ID) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ChunkKey is the store key for a chunk or shard id.
func ChunkKey(id ID) string { return chunkPrefix + id.String() }

// ManifestKey is the store key for a manifest hash.
func ManifestKey(id ID) string { return manifestPrefix + id.String() }

// ReceiptKey is the store key for a receipt.
func ReceiptKey(id ID) string { return receiptPrefix + id.String() }

// ChunkRef names one stored piece and the providers holding a copy.
// With erasure coding active each shard gets its own ref; refs are
// ordered chunk-major, so a chunk's shard group is a contiguous run of
// Redundancy.Data+Redundancy.Parity refs.
type ChunkRef struct {
	ID        ID       `yaml:"id"`
	Providers []string `yaml:"providers,omitempty"`
}

// Redundancy records the erasure policy an object was stored under.
// Scheme "none" means refs map one-to-one onto chunks.
type Redundancy struct {
	Scheme string `yaml:"scheme"`
	Data   int    `yaml:"data,omitempty"`
	Parity int    `yaml:"parity,omitempty"`
}

// GroupSize is the number of refs per logical chunk.
func (r Redundancy) GroupSize() int {
	if r.Scheme == "" || r.Scheme == "none" {
		return 1
	}
	return r.Data + r.Parity
}

// ObjectManifest is the durable description of one stored object. It
// is serialized as YAML under manifest/<hex(SelfHash)>.
type ObjectManifest struct {
	Version  uint16     `yaml:"version"`
	TotalLen uint64     `yaml:"totalLen"`
	ChunkLen uint32     `yaml:"chunkLen"`
	Chunks   []ChunkRef `yaml:"chunks"`

	Redundancy Redundancy `yaml:"redundancy"`

	// Per-chunk length triples: plaintext, after compression, after
	// encryption. Recovery verifies each stage against these.
	ChunkLens           []uint32 `yaml:"chunkLens"`
	ChunkCompressedLens []uint32 `yaml:"chunkCompressedLens"`
	ChunkCipherLens     []uint32 `yaml:"chunkCipherLens"`

	CompressionAlg   string `yaml:"compressionAlg,omitempty"`
	CompressionLevel int    `yaml:"compressionLevel,omitempty"`
	EncryptionAlg    string `yaml:"encryptionAlg,omitempty"`
	ErasureAlg       string `yaml:"erasureAlg,omitempty"`

	// ContentKey is the per-object symmetric key, stored raw. It is no
	// better protected than the store it lives in.
	ContentKey []byte `yaml:"contentKey,omitempty"`

	// SelfHash is blake3 over the manifest serialized with this field
	// zeroed. Set exactly once by Seal, never recomputed after.
	SelfHash ID `yaml:"selfHash"`
}

// NumChunks is the logical chunk count.
func (m *ObjectManifest) NumChunks() int { return len(m.ChunkLens) }

// Group returns the refs belonging to logical chunk i.
func (m *ObjectManifest) Group(i int) []ChunkRef {
	size := m.Redundancy.GroupSize()
	return m.Chunks[i*size : (i+1)*size]
}

// Seal computes and sets the self-hash. Sealing an already sealed
// manifest is an error: the hash is set exactly once.
func (m *ObjectManifest) Seal() error {
	if !m.SelfHash.IsZero() {
		return fmt.Errorf("manifest already sealed as %s", m.SelfHash)
	}
	sum, err := m.hashBody()
	if err != nil {
		return err
	}
	m.SelfHash = sum
	return nil
}

// VerifySelfHash recomputes the hash over the zeroed-field
// serialization and compares it with the stored value.
func (m *ObjectManifest) VerifySelfHash() error {
	sum, err := m.hashBody()
	if err != nil {
		return err
	}
	if sum != m.SelfHash {
		return fmt.Errorf("%w: self-hash mismatch, stored %s computed %s",
			ErrManifestCorrupt, m.SelfHash, sum)
	}
	return nil
}

func (m *ObjectManifest) hashBody() (ID, error) {
	unsealed := *m
	unsealed.SelfHash = ID{}
	body, err := yaml.Marshal(&unsealed)
	if err != nil {
		return ID{}, fmt.Errorf("serialize manifest for hashing: %w", err)
	}
	return ID(blake3.Sum256(body)), nil
}

// Marshal serializes the sealed manifest.
func (m *ObjectManifest) Marshal() ([]byte, error) {
	return yaml.Marshal(m)
}

// UnmarshalManifest decodes and self-hash-verifies a stored manifest.
func UnmarshalManifest(blob []byte) (*ObjectManifest, error) {
	m := &ObjectManifest{}
	if err := yaml.Unmarshal(blob, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestCorrupt, err)
	}
	if err := m.VerifySelfHash(); err != nil {
		return nil, err
	}
	return m, nil
}

// StoreReceipt is the persisted record of a completed put. It is
// written last, so its presence implies the manifest and every chunk
// landed.
type StoreReceipt struct {
	ManifestHash ID         `yaml:"manifestHash"`
	ChunkCount   uint32     `yaml:"chunkCount"`
	TotalLen     uint64     `yaml:"totalLen"`
	Redundancy   Redundancy `yaml:"redundancy"`
	Lane         string     `yaml:"lane,omitempty"`
	StoredAt     int64      `yaml:"storedAt"`
}

// shardID is the content address of one stored piece: blake3 over the
// shard's slot byte followed by its bytes. The slot byte keeps two
// identical shards in different slots from colliding.
func shardID(slot uint8, shard []byte) ID {
	h := blake3.New()
	h.Write([]byte{slot})
	h.Write(shard)
	var id ID
	copy(id[:], h.Sum(nil))
	return id
}
