package coding

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	payload := make([]byte, n)
	rng := rand.New(rand.NewSource(int64(n)))
	_, err := rng.Read(payload)
	require.NoError(t, err)
	return payload
}

func shardPtrs(shards []Shard) []*Shard {
	out := make([]*Shard, len(shards))
	for i := range shards {
		out[i] = &shards[i]
	}
	return out
}

func TestReedSolomonRoundTrip(t *testing.T) {
	coder, err := ErasureCoderFor(AlgReedSolomon, 16, 8)
	require.NoError(t, err)

	payload := randomPayload(t, 1<<20)
	meta, shards, err := coder.Encode(payload)
	require.NoError(t, err)
	require.Equal(t, 24, len(shards))
	require.Equal(t, len(payload), meta.OriginalLen)

	restored, err := coder.Reconstruct(meta, shardPtrs(shards))
	require.NoError(t, err)
	require.Equal(t, payload, restored)
}

func TestReedSolomonRecoversUpToParityLosses(t *testing.T) {
	coder, err := ErasureCoderFor(AlgReedSolomon, 4, 2)
	require.NoError(t, err)

	payload := randomPayload(t, 100_000)
	meta, shards, err := coder.Encode(payload)
	require.NoError(t, err)

	// Drop two shards, one data and one parity.
	slots := shardPtrs(shards)
	slots[1] = nil
	slots[5] = nil

	restored, err := coder.Reconstruct(meta, slots)
	require.NoError(t, err)
	require.Equal(t, payload, restored)
}

func TestReedSolomonFailsBeyondParity(t *testing.T) {
	coder, err := ErasureCoderFor(AlgReedSolomon, 4, 2)
	require.NoError(t, err)

	payload := randomPayload(t, 10_000)
	meta, shards, err := coder.Encode(payload)
	require.NoError(t, err)

	slots := shardPtrs(shards)
	slots[0] = nil
	slots[1] = nil
	slots[4] = nil

	_, err = coder.Reconstruct(meta, slots)
	var rerr *ReconstructError
	require.ErrorAs(t, err, &rerr)
}

func TestReedSolomonPayloadNotShardAligned(t *testing.T) {
	coder, err := ErasureCoderFor(AlgReedSolomon, 5, 2)
	require.NoError(t, err)

	// 1009 is prime, so padding is exercised.
	payload := randomPayload(t, 1009)
	meta, shards, err := coder.Encode(payload)
	require.NoError(t, err)

	slots := shardPtrs(shards)
	slots[4] = nil
	restored, err := coder.Reconstruct(meta, slots)
	require.NoError(t, err)
	require.Equal(t, payload, restored)
}

func TestReedSolomonEmptyPayload(t *testing.T) {
	coder, err := ErasureCoderFor(AlgReedSolomon, 4, 2)
	require.NoError(t, err)

	meta, shards, err := coder.Encode(nil)
	require.NoError(t, err)
	require.Equal(t, 0, meta.ShardLen)

	restored, err := coder.Reconstruct(meta, shardPtrs(shards))
	require.NoError(t, err)
	require.Empty(t, restored)
}

func TestReconstructShardCountMismatch(t *testing.T) {
	coder, err := ErasureCoderFor(AlgReedSolomon, 4, 2)
	require.NoError(t, err)

	meta, shards, err := coder.Encode(randomPayload(t, 64))
	require.NoError(t, err)

	_, err = coder.Reconstruct(meta, shardPtrs(shards[:5]))
	require.ErrorIs(t, err, ErrShardCountMismatch)
}

func TestXorRecoversSingleMissingShard(t *testing.T) {
	coder, err := ErasureCoderFor(AlgXor, 4, 1)
	require.NoError(t, err)

	payload := randomPayload(t, 256*1024)
	meta, shards, err := coder.Encode(payload)
	require.NoError(t, err)
	require.Equal(t, 5, len(shards))
	require.Equal(t, ShardParity, shards[4].Kind)

	for drop := 0; drop < 4; drop++ {
		slots := shardPtrs(shards)
		slots[drop] = nil
		restored, err := coder.Reconstruct(meta, slots)
		require.NoError(t, err)
		require.True(t, bytes.Equal(payload, restored), "dropped shard %d", drop)
	}
}

func TestXorCannotRecoverTwoMissing(t *testing.T) {
	coder, err := ErasureCoderFor(AlgXor, 4, 1)
	require.NoError(t, err)

	meta, shards, err := coder.Encode(randomPayload(t, 4096))
	require.NoError(t, err)

	slots := shardPtrs(shards)
	slots[0] = nil
	slots[2] = nil

	_, err = coder.Reconstruct(meta, slots)
	var rerr *ReconstructError
	require.ErrorAs(t, err, &rerr)
}

func TestXorNeedsSurvivingParity(t *testing.T) {
	coder, err := ErasureCoderFor(AlgXor, 3, 1)
	require.NoError(t, err)

	meta, shards, err := coder.Encode(randomPayload(t, 999))
	require.NoError(t, err)

	slots := shardPtrs(shards)
	slots[1] = nil
	slots[3] = nil

	_, err = coder.Reconstruct(meta, slots)
	var rerr *ReconstructError
	require.ErrorAs(t, err, &rerr)
}
