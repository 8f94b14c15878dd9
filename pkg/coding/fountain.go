package coding

import (
	"encoding/binary"
	"fmt"
	mrand "math/rand"
	"sort"
)

// fountainHeaderSize is the packet header: a little-endian uint64
// sequence number seeding the symbol combination.
const fountainHeaderSize = 8

// FountainMeta describes one fountain-coded payload.
type FountainMeta struct {
	SymbolSize  int
	OriginalLen int
}

// SymbolCount is the number of source symbols the payload splits into.
func (m FountainMeta) SymbolCount() int {
	if m.OriginalLen == 0 || m.SymbolSize == 0 {
		return 0
	}
	return (m.OriginalLen + m.SymbolSize - 1) / m.SymbolSize
}

// FountainCoder implementations emit a rateless stream of symbol
// packets; any sufficiently large subset of packets rebuilds the
// payload.
type FountainCoder interface {
	Algorithm() string
	Encode(data []byte) (FountainMeta, [][]byte, error)
	NewDecoder(meta FountainMeta) *FountainDecoder
}

// ltFountain is a Luby-transform code. The first SymbolCount packets
// are systematic (one source symbol each); later packets XOR a
// pseudo-random subset of symbols derived from the packet sequence
// number, so encoder and decoder agree on the combination without
// shipping indices.
type ltFountain struct {
	symbolSize int
	rate       float64
}

func newLTFountain(symbolSize int, rate float64) (FountainCoder, error) {
	if symbolSize <= 0 {
		return nil, fmt.Errorf("fountain symbol size must be positive, got %d", symbolSize)
	}
	if rate < 1.0 {
		return nil, fmt.Errorf("fountain rate must be >= 1.0, got %g", rate)
	}
	return &ltFountain{symbolSize: symbolSize, rate: rate}, nil
}

func (f *ltFountain) Algorithm() string { return AlgFountainLT }

func (f *ltFountain) Encode(data []byte) (FountainMeta, [][]byte, error) {
	meta := FountainMeta{SymbolSize: f.symbolSize, OriginalLen: len(data)}
	symbolCount := meta.SymbolCount()
	symbols := buildSymbols(data, f.symbolSize, symbolCount)

	budget := symbolCount
	if symbolCount > 0 {
		overhead := int(float64(symbolCount) * (f.rate - 1.0))
		if float64(overhead) < float64(symbolCount)*(f.rate-1.0) {
			overhead++
		}
		budget = symbolCount + overhead
	}

	packets := make([][]byte, 0, budget)
	for seq := 0; seq < budget; seq++ {
		payload := make([]byte, f.symbolSize)
		for _, idx := range symbolIndices(symbolCount, uint64(seq)) {
			xorInto(payload, symbols[idx])
		}
		packet := make([]byte, fountainHeaderSize+f.symbolSize)
		binary.LittleEndian.PutUint64(packet, uint64(seq))
		copy(packet[fountainHeaderSize:], payload)
		packets = append(packets, packet)
	}
	return meta, packets, nil
}

func (f *ltFountain) NewDecoder(meta FountainMeta) *FountainDecoder {
	symbolCount := meta.SymbolCount()
	return &FountainDecoder{
		meta:    meta,
		symbols: make([][]byte, symbolCount),
	}
}

// FountainDecoder accumulates packets and solves for the source
// symbols by iterative peeling. Push packets until Ready reports true,
// then call Bytes.
type FountainDecoder struct {
	meta      FountainMeta
	symbols   [][]byte
	recovered int
	equations []equation
}

type equation struct {
	indices []int
	payload []byte
}

// Push feeds one packet into the solver. Malformed packets are
// rejected; well-formed duplicates are harmless.
func (d *FountainDecoder) Push(packet []byte) error {
	if len(packet) < fountainHeaderSize {
		return ErrPacketTruncated
	}
	payload := packet[fountainHeaderSize:]
	if len(payload) != d.meta.SymbolSize {
		return ErrPacketTruncated
	}
	seq := binary.LittleEndian.Uint64(packet)
	indices := symbolIndices(d.meta.SymbolCount(), seq)
	eq := equation{
		indices: indices,
		payload: append([]byte(nil), payload...),
	}
	d.equations = append(d.equations, eq)
	d.peel()
	return nil
}

// Ready reports whether every source symbol has been solved.
func (d *FountainDecoder) Ready() bool {
	return d.recovered == d.meta.SymbolCount()
}

// Bytes returns the reconstructed payload, or ErrInsufficientPackets
// when the solver has unsolved symbols left.
func (d *FountainDecoder) Bytes() ([]byte, error) {
	if !d.Ready() {
		return nil, ErrInsufficientPackets
	}
	out := make([]byte, 0, d.meta.OriginalLen)
	for _, sym := range d.symbols {
		out = append(out, sym...)
	}
	if len(out) > d.meta.OriginalLen {
		out = out[:d.meta.OriginalLen]
	}
	return out, nil
}

// peel repeatedly substitutes solved symbols into pending equations
// and promotes any equation reduced to a single unknown.
func (d *FountainDecoder) peel() {
	progress := true
	for progress {
		progress = false
		for ei := range d.equations {
			eq := &d.equations[ei]
			if len(eq.indices) == 0 {
				continue
			}
			remaining := eq.indices[:0]
			for _, idx := range eq.indices {
				if d.symbols[idx] != nil {
					xorInto(eq.payload, d.symbols[idx])
				} else {
					remaining = append(remaining, idx)
				}
			}
			eq.indices = remaining
			if len(eq.indices) == 1 && d.symbols[eq.indices[0]] == nil {
				idx := eq.indices[0]
				d.symbols[idx] = append([]byte(nil), eq.payload...)
				d.recovered++
				eq.indices = eq.indices[:0]
				progress = true
			}
		}
	}
}

// Decode is the non-incremental convenience: feed every packet, then
// extract.
func Decode(coder FountainCoder, meta FountainMeta, packets [][]byte) ([]byte, error) {
	dec := coder.NewDecoder(meta)
	for _, p := range packets {
		if err := dec.Push(p); err != nil {
			return nil, err
		}
	}
	return dec.Bytes()
}

func buildSymbols(data []byte, symbolSize, count int) [][]byte {
	symbols := make([][]byte, count)
	for i := 0; i < count; i++ {
		sym := make([]byte, symbolSize)
		start := i * symbolSize
		if start < len(data) {
			copy(sym, data[start:])
		}
		symbols[i] = sym
	}
	return symbols
}

// symbolIndices derives the symbol combination for a sequence number.
// Sequence numbers below the symbol count are systematic; the rest
// seed a PRNG shared with the decoder.
func symbolIndices(symbolCount int, seq uint64) []int {
	if symbolCount == 0 {
		return nil
	}
	if seq < uint64(symbolCount) {
		return []int{int(seq)}
	}
	rng := mrand.New(mrand.NewSource(int64(seq)))
	degree := 1 + rng.Intn(symbolCount)
	indices := rng.Perm(symbolCount)[:degree]
	sort.Ints(indices)
	return indices
}
