package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/perigee-storage/perigee/pkg/coding"
)

func sampleManifest() *ObjectManifest {
	return &ObjectManifest{
		Version:             manifestVersion,
		TotalLen:            1234,
		ChunkLen:            1 << 20,
		Chunks:              []ChunkRef{{ID: shardID(0, []byte("piece"))}},
		Redundancy:          Redundancy{Scheme: coding.AlgNone},
		ChunkLens:           []uint32{1234},
		ChunkCompressedLens: []uint32{600},
		ChunkCipherLens:     []uint32{628},
		CompressionAlg:      coding.AlgZstd,
		EncryptionAlg:       coding.AlgChaCha20Poly1305,
		ContentKey:          make([]byte, coding.KeySize),
	}
}

func TestManifestSealAndVerify(t *testing.T) {
	m := sampleManifest()
	require.True(t, m.SelfHash.IsZero())
	require.NoError(t, m.Seal())
	require.False(t, m.SelfHash.IsZero())
	require.NoError(t, m.VerifySelfHash())

	// Sealing is a one-shot operation.
	require.Error(t, m.Seal())
}

func TestManifestRoundTrip(t *testing.T) {
	m := sampleManifest()
	require.NoError(t, m.Seal())
	blob, err := m.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalManifest(blob)
	require.NoError(t, err)
	require.Equal(t, m.SelfHash, got.SelfHash)
	require.Equal(t, m.TotalLen, got.TotalLen)
	require.Equal(t, m.Chunks, got.Chunks)
	require.Equal(t, m.ChunkLens, got.ChunkLens)
}

func TestManifestTamperDetected(t *testing.T) {
	m := sampleManifest()
	require.NoError(t, m.Seal())

	m.TotalLen++
	require.ErrorIs(t, m.VerifySelfHash(), ErrManifestCorrupt)
}

func TestManifestMutatedSerializationRejected(t *testing.T) {
	m := sampleManifest()
	require.NoError(t, m.Seal())
	blob, err := m.Marshal()
	require.NoError(t, err)

	tampered := []byte(string(blob))
	tampered[20] ^= 0x01
	_, err = UnmarshalManifest(tampered)
	require.ErrorIs(t, err, ErrManifestCorrupt)
}

func TestParseID(t *testing.T) {
	id := shardID(3, []byte("shard bytes"))
	parsed, err := ParseID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)

	_, err = ParseID("zz")
	require.Error(t, err)
	_, err = ParseID("abcd")
	require.Error(t, err)
}

func TestShardIDSlotMatters(t *testing.T) {
	payload := []byte("same bytes")
	require.NotEqual(t, shardID(0, payload), shardID(1, payload))
}

func TestRedundancyGroupSize(t *testing.T) {
	require.Equal(t, 1, Redundancy{Scheme: coding.AlgNone}.GroupSize())
	require.Equal(t, 1, Redundancy{}.GroupSize())
	require.Equal(t, 5, Redundancy{Scheme: coding.AlgXor, Data: 4, Parity: 1}.GroupSize())
	require.Equal(t, 24, Redundancy{Scheme: coding.AlgReedSolomon, Data: 16, Parity: 8}.GroupSize())
}
