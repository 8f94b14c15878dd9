package coding

import (
	"bytes"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// reedSolomonCoder encodes chunks with a systematic Reed-Solomon code
// over GF(2^8). Any dataShards of the dataShards+parityShards pieces
// rebuild the chunk.
type reedSolomonCoder struct {
	data   int
	parity int
	rs     reedsolomon.Encoder
}

func newReedSolomonCoder(dataShards, parityShards int) (ErasureCoder, error) {
	if dataShards < 1 {
		return nil, &ReconstructError{Reason: "at least one data shard required"}
	}
	rs, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("reed-solomon layout (%d,%d): %w", dataShards, parityShards, err)
	}
	return &reedSolomonCoder{data: dataShards, parity: parityShards, rs: rs}, nil
}

func (c *reedSolomonCoder) Algorithm() string { return AlgReedSolomon }

func (c *reedSolomonCoder) Encode(data []byte) (ErasureMeta, []Shard, error) {
	meta := ErasureMeta{
		DataShards:   c.data,
		ParityShards: c.parity,
		ShardLen:     shardLen(len(data), c.data),
		OriginalLen:  len(data),
	}
	buffers := splitPadded(data, c.data, meta.ShardLen, meta.TotalShards())
	if meta.ShardLen > 0 {
		if err := c.rs.Encode(buffers); err != nil {
			return ErasureMeta{}, nil, fmt.Errorf("reed-solomon encode: %w", err)
		}
	}
	return meta, labelShards(buffers, c.data), nil
}

func (c *reedSolomonCoder) Reconstruct(meta ErasureMeta, shards []*Shard) ([]byte, error) {
	buffers, err := shardSlots(meta, shards)
	if err != nil {
		return nil, err
	}
	if meta.ShardLen == 0 {
		return []byte{}, nil
	}
	if err := c.rs.Reconstruct(buffers); err != nil {
		return nil, &ReconstructError{Reason: err.Error()}
	}
	var out bytes.Buffer
	out.Grow(meta.OriginalLen)
	if err := c.rs.Join(&out, buffers, meta.OriginalLen); err != nil {
		return nil, &ReconstructError{Reason: err.Error()}
	}
	return out.Bytes(), nil
}

// xorCoder is the dependency-light fallback: n data shards plus parity
// shards all equal to their XOR. It can rebuild exactly one missing
// data shard.
type xorCoder struct {
	data   int
	parity int
}

func newXorCoder(dataShards, parityShards int) (ErasureCoder, error) {
	if dataShards < 1 {
		return nil, &ReconstructError{Reason: "at least one data shard required"}
	}
	return &xorCoder{data: dataShards, parity: parityShards}, nil
}

func (c *xorCoder) Algorithm() string { return AlgXor }

func (c *xorCoder) Encode(data []byte) (ErasureMeta, []Shard, error) {
	meta := ErasureMeta{
		DataShards:   c.data,
		ParityShards: c.parity,
		ShardLen:     shardLen(len(data), c.data),
		OriginalLen:  len(data),
	}
	buffers := splitPadded(data, c.data, meta.ShardLen, meta.TotalShards())
	if c.parity > 0 && meta.ShardLen > 0 {
		parity := make([]byte, meta.ShardLen)
		for i := 0; i < c.data; i++ {
			xorInto(parity, buffers[i])
		}
		for i := c.data; i < meta.TotalShards(); i++ {
			copy(buffers[i], parity)
		}
	}
	return meta, labelShards(buffers, c.data), nil
}

func (c *xorCoder) Reconstruct(meta ErasureMeta, shards []*Shard) ([]byte, error) {
	buffers, err := shardSlots(meta, shards)
	if err != nil {
		return nil, err
	}
	if meta.ShardLen == 0 {
		return []byte{}, nil
	}

	var missing []int
	for i := 0; i < meta.DataShards; i++ {
		if buffers[i] == nil {
			missing = append(missing, i)
		}
	}
	switch {
	case len(missing) == 0:
		// nothing to rebuild
	case len(missing) > 1:
		return nil, &ReconstructError{
			Reason: fmt.Sprintf("xor parity cannot recover %d missing data shards", len(missing)),
		}
	default:
		var parity []byte
		for i := meta.DataShards; i < meta.TotalShards(); i++ {
			if buffers[i] != nil {
				parity = buffers[i]
				break
			}
		}
		if parity == nil {
			return nil, &ReconstructError{Reason: "no parity shard survives for xor recovery"}
		}
		if len(parity) != meta.ShardLen {
			return nil, &ReconstructError{Reason: "parity shard length mismatch"}
		}
		rebuilt := make([]byte, meta.ShardLen)
		copy(rebuilt, parity)
		for i := 0; i < meta.DataShards; i++ {
			if i == missing[0] {
				continue
			}
			xorInto(rebuilt, buffers[i])
		}
		buffers[missing[0]] = rebuilt
	}

	out := make([]byte, 0, meta.OriginalLen)
	for i := 0; i < meta.DataShards; i++ {
		out = append(out, buffers[i]...)
	}
	if len(out) > meta.OriginalLen {
		out = out[:meta.OriginalLen]
	}
	return out, nil
}

func shardLen(dataLen, dataShards int) int {
	if dataLen == 0 {
		return 0
	}
	return (dataLen + dataShards - 1) / dataShards
}

// splitPadded lays data out across dataShards zero-padded buffers and
// appends zeroed parity buffers up to total.
func splitPadded(data []byte, dataShards, shardLen, total int) [][]byte {
	buffers := make([][]byte, total)
	for i := range buffers {
		buffers[i] = make([]byte, shardLen)
		if i < dataShards && shardLen > 0 {
			start := i * shardLen
			if start < len(data) {
				copy(buffers[i], data[start:])
			}
		}
	}
	return buffers
}

func labelShards(buffers [][]byte, dataShards int) []Shard {
	shards := make([]Shard, len(buffers))
	for i, b := range buffers {
		kind := ShardData
		if i >= dataShards {
			kind = ShardParity
		}
		shards[i] = Shard{Index: i, Kind: kind, Bytes: b}
	}
	return shards
}

// shardSlots validates the reconstruct input and flattens it into the
// nil-holed buffer layout the coders work on.
func shardSlots(meta ErasureMeta, shards []*Shard) ([][]byte, error) {
	total := meta.TotalShards()
	if len(shards) != total {
		return nil, ErrShardCountMismatch
	}
	buffers := make([][]byte, total)
	for _, s := range shards {
		if s == nil {
			continue
		}
		if s.Index < 0 || s.Index >= total {
			return nil, &ReconstructError{
				Reason: fmt.Sprintf("shard index %d outside layout of %d", s.Index, total),
			}
		}
		buffers[s.Index] = s.Bytes
	}
	return buffers, nil
}

func xorInto(dst, src []byte) {
	for i := range dst {
		if i < len(src) {
			dst[i] ^= src[i]
		}
	}
}
