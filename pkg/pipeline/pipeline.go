// Package pipeline orchestrates object storage: adaptive chunking,
// compression, authenticated encryption, erasure coding, placement
// across providers, recovery and repair.
//
// The backing store offers atomic single-key writes only, so the
// pipeline orders its writes: chunk bytes before the manifest, the
// manifest before the receipt. A crash mid-put leaves at worst
// orphaned chunk bytes, never a manifest referencing missing chunks.
package pipeline

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/perigee-storage/perigee/pkg/catalog"
	"github.com/perigee-storage/perigee/pkg/coding"
	"github.com/perigee-storage/perigee/pkg/dlogger"
	"github.com/perigee-storage/perigee/pkg/profile"
	"github.com/perigee-storage/perigee/pkg/settings"
	"github.com/perigee-storage/perigee/pkg/storage"
)

var (
	// ErrInsufficientEscrow aborts a put whose lane cannot cover the
	// charge.
	ErrInsufficientEscrow = errors.New("insufficient escrow")

	// ErrPlacementExhausted is returned once every eligible provider
	// refused a chunk at the smallest ladder size.
	ErrPlacementExhausted = errors.New("placement exhausted")

	// ErrChunkMissing is returned when a referenced piece is neither
	// stored locally nor fetchable from a peer.
	ErrChunkMissing = errors.New("chunk missing")
)

// Settlement is the billing collaborator. Charges are keyed by an
// opaque lane string; balance logic lives outside the pipeline.
type Settlement interface {
	Charge(ctx context.Context, lane string, bytes int) error
}

// Fetcher retrieves a piece from a peer when the local store misses.
type Fetcher interface {
	FetchChunk(ctx context.Context, id ID) ([]byte, error)
}

// Pipeline is the storage orchestrator. All methods are safe for
// concurrent use; configuration is read fresh at the start of every
// operation.
type Pipeline struct {
	store  storage.Store
	config *settings.Holder
	cat    *catalog.NodeCatalog
	settle Settlement
	fetch  Fetcher
	cache  *lru.Cache[string, []byte]
	l      *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithCatalog wires provider placement. Without a catalog the pipeline
// stores chunks locally only.
func WithCatalog(cat *catalog.NodeCatalog) Option {
	return func(p *Pipeline) { p.cat = cat }
}

// WithSettlement wires the billing collaborator.
func WithSettlement(s Settlement) Option {
	return func(p *Pipeline) { p.settle = s }
}

// WithFetcher wires the peer-fetch collaborator used on local misses.
func WithFetcher(f Fetcher) Option {
	return func(p *Pipeline) { p.fetch = f }
}

// WithLogger sets the pipeline logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.l = l
		}
	}
}

// New builds a pipeline over the given store and live configuration.
func New(store storage.Store, config *settings.Holder, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		store:  store,
		config: config,
		l:      dlogger.MustNew(dlogger.LogLevelInfo),
	}
	for _, opt := range opts {
		opt(p)
	}
	entries := config.Current().Cache.Entries
	if entries <= 0 {
		entries = 1
	}
	cache, err := lru.New[string, []byte](entries)
	if err != nil {
		return nil, err
	}
	p.cache = cache
	return p, nil
}

// PutObject stores data and returns the receipt. The chunk size starts
// at the destination's preferred size and steps down the ladder when
// placement is refused, before failing for good.
func (p *Pipeline) PutObject(ctx context.Context, data []byte, lane string) (*StoreReceipt, error) {
	snap := p.config.Current()
	if p.settle != nil {
		if err := p.settle.Charge(ctx, lane, len(data)); err != nil {
			return nil, fmt.Errorf("settle lane %q: %w", lane, err)
		}
	}

	contentKey := make([]byte, coding.KeySize)
	if _, err := rand.Read(contentKey); err != nil {
		return nil, fmt.Errorf("generate content key: %w", err)
	}
	comp, err := coding.CompressorFor(snap.Compression.Algorithm, snap.Compression.Level)
	if err != nil {
		return nil, err
	}
	enc, err := coding.EncryptorFor(snap.Encryption.Algorithm, contentKey)
	if err != nil {
		return nil, err
	}

	ladder := snap.Ladder()
	chunkLen := p.preferredChunkLen(ctx, snap, ladder)
	for {
		receipt, err := p.putOnce(ctx, data, lane, snap, contentKey, comp, enc, chunkLen)
		if err == nil {
			return receipt, nil
		}
		if errors.Is(err, ErrPlacementExhausted) {
			if down := ladder.Down(chunkLen); down != chunkLen {
				p.l.Info("placement refused, shrinking chunks",
					zap.Uint32("from", chunkLen),
					zap.Uint32("to", down))
				chunkLen = down
				continue
			}
		}
		return nil, err
	}
}

func (p *Pipeline) putOnce(
	ctx context.Context,
	data []byte,
	lane string,
	snap *settings.Snapshot,
	contentKey []byte,
	comp coding.Compressor,
	enc coding.Encryptor,
	chunkLen uint32,
) (*StoreReceipt, error) {
	scheme := coding.CanonicalAlgorithm(snap.Redundancy.Scheme)
	var coder coding.ErasureCoder
	if scheme != coding.AlgNone && scheme != "" {
		var err error
		coder, err = coding.ErasureCoderFor(scheme, snap.Redundancy.DataShards, snap.Redundancy.ParityShards)
		if err != nil {
			return nil, err
		}
	}

	m := &ObjectManifest{
		Version:          manifestVersion,
		TotalLen:         uint64(len(data)),
		ChunkLen:         chunkLen,
		CompressionAlg:   comp.Algorithm(),
		CompressionLevel: snap.Compression.Level,
		EncryptionAlg:    enc.Algorithm(),
		ContentKey:       contentKey,
		Redundancy:       Redundancy{Scheme: coding.AlgNone},
	}
	if coder != nil {
		m.Redundancy = Redundancy{
			Scheme: coder.Algorithm(),
			Data:   snap.Redundancy.DataShards,
			Parity: snap.Redundancy.ParityShards,
		}
		m.ErasureAlg = coder.Algorithm()
	}

	ladder := snap.Ladder()
	for offset := 0; offset < len(data) || offset == 0; offset += int(chunkLen) {
		end := offset + int(chunkLen)
		if end > len(data) {
			end = len(data)
		}
		plain := data[offset:end]

		compressed, err := comp.Compress(plain)
		if err != nil {
			return nil, err
		}
		cipher, err := enc.Encrypt(compressed)
		if err != nil {
			return nil, err
		}
		m.ChunkLens = append(m.ChunkLens, uint32(len(plain)))
		m.ChunkCompressedLens = append(m.ChunkCompressedLens, uint32(len(compressed)))
		m.ChunkCipherLens = append(m.ChunkCipherLens, uint32(len(cipher)))

		chunkIndex := len(m.ChunkLens) - 1
		pieces := [][]byte{cipher}
		if coder != nil {
			_, shards, err := coder.Encode(cipher)
			if err != nil {
				return nil, err
			}
			pieces = pieces[:0]
			for _, s := range shards {
				pieces = append(pieces, s.Bytes)
			}
		}
		for slot, piece := range pieces {
			id := shardID(uint8(slot), piece)
			if err := storage.WriteAll(ctx, p.store, ChunkKey(id), piece); err != nil {
				return nil, fmt.Errorf("persist chunk %s: %w", id, err)
			}
			providers, err := p.placePiece(ctx, chunkIndex, piece, ladder)
			if err != nil {
				return nil, err
			}
			m.Chunks = append(m.Chunks, ChunkRef{ID: id, Providers: providers})
		}
		if len(data) == 0 {
			break
		}
	}

	if err := m.Seal(); err != nil {
		return nil, err
	}
	body, err := m.Marshal()
	if err != nil {
		return nil, err
	}
	if err := storage.WriteAll(ctx, p.store, ManifestKey(m.SelfHash), body); err != nil {
		return nil, fmt.Errorf("persist manifest %s: %w", m.SelfHash, err)
	}

	receipt := &StoreReceipt{
		ManifestHash: m.SelfHash,
		ChunkCount:   uint32(m.NumChunks()),
		TotalLen:     m.TotalLen,
		Redundancy:   m.Redundancy,
		Lane:         lane,
		StoredAt:     time.Now().Unix(),
	}
	receiptBody, err := yaml.Marshal(receipt)
	if err != nil {
		return nil, err
	}
	if err := storage.WriteAll(ctx, p.store, ReceiptKey(m.SelfHash), receiptBody); err != nil {
		return nil, fmt.Errorf("persist receipt %s: %w", m.SelfHash, err)
	}
	p.l.Info("object stored",
		zap.String("manifest", m.SelfHash.String()),
		zap.Uint64("bytes", m.TotalLen),
		zap.Int("chunks", m.NumChunks()),
		zap.String("redundancy", m.Redundancy.Scheme))
	return receipt, nil
}

// placePiece walks the eligible providers in placement order until one
// accepts the piece, folding each attempt's outcome into that
// provider's profile. Failure is declared only once every eligible
// provider has refused. Without a catalog the piece stays local only.
func (p *Pipeline) placePiece(ctx context.Context, chunkIndex int, piece []byte, ladder profile.Ladder) ([]string, error) {
	if p.cat == nil {
		return nil, nil
	}
	order, err := p.cat.Placements(ctx, chunkIndex, nil)
	if err != nil {
		if errors.Is(err, catalog.ErrNoEligibleProviders) {
			return nil, fmt.Errorf("%w: %v", ErrPlacementExhausted, err)
		}
		return nil, err
	}

	transportless := false
	var lastErr error
	for _, providerID := range order {
		provider, err := p.cat.Provider(providerID)
		if err != nil {
			return nil, err
		}
		start := time.Now()
		sendErr := provider.SendChunk(ctx, piece)
		if errors.Is(sendErr, storage.ErrNotSupported) {
			// Discovery-only handle without transport, not a transfer
			// outcome.
			transportless = true
			continue
		}
		sample := profile.Sample{
			Bytes:    len(piece),
			Duration: time.Since(start),
			OK:       sendErr == nil,
		}
		if _, uerr := p.cat.UpdateProfile(ctx, providerID, func(pr *profile.Profile) {
			sample.RTT = time.Duration(pr.RTTEWMA * float64(time.Millisecond))
			pr.RecordTransfer(sample, ladder)
		}); uerr != nil {
			return nil, uerr
		}
		if sendErr == nil {
			return []string{providerID}, nil
		}
		lastErr = sendErr
		p.l.Info("provider refused chunk, failing over",
			zap.String("provider", providerID),
			zap.Error(sendErr))
	}
	if transportless {
		// Only discovery handles remain: keep the local copy.
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %d providers refused, last: %v", ErrPlacementExhausted, len(order), lastErr)
}

// GetObject loads, verifies and reassembles a stored object.
func (p *Pipeline) GetObject(ctx context.Context, manifestHash ID) ([]byte, error) {
	m, err := p.LoadManifest(ctx, manifestHash)
	if err != nil {
		return nil, err
	}
	comp, err := coding.CompressorFor(m.CompressionAlg, m.CompressionLevel)
	if err != nil {
		return nil, err
	}
	enc, err := coding.EncryptorFor(m.EncryptionAlg, m.ContentKey)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, m.TotalLen)
	for ci := 0; ci < m.NumChunks(); ci++ {
		cacheKey := manifestHash.String() + "/" + strconv.Itoa(ci)
		if plain, ok := p.cache.Get(cacheKey); ok {
			out = append(out, plain...)
			continue
		}
		cipher, err := p.chunkCipher(ctx, m, ci)
		if err != nil {
			return nil, err
		}
		if uint32(len(cipher)) != m.ChunkCipherLens[ci] {
			return nil, fmt.Errorf("%w: chunk %d ciphertext", ErrLengthMismatch, ci)
		}
		compressed, err := enc.Decrypt(cipher)
		if err != nil {
			return nil, err
		}
		if uint32(len(compressed)) != m.ChunkCompressedLens[ci] {
			return nil, fmt.Errorf("%w: chunk %d compressed", ErrLengthMismatch, ci)
		}
		plain, err := comp.Decompress(compressed)
		if err != nil {
			return nil, err
		}
		if uint32(len(plain)) != m.ChunkLens[ci] {
			return nil, fmt.Errorf("%w: chunk %d plaintext", ErrLengthMismatch, ci)
		}
		p.cache.Add(cacheKey, plain)
		out = append(out, plain...)
	}
	if uint64(len(out)) != m.TotalLen {
		return nil, fmt.Errorf("%w: object total", ErrLengthMismatch)
	}
	return out, nil
}

// chunkCipher recovers the ciphertext of logical chunk ci, gathering
// shards and reconstructing through the erasure coder when pieces are
// missing.
func (p *Pipeline) chunkCipher(ctx context.Context, m *ObjectManifest, ci int) ([]byte, error) {
	group := m.Group(ci)
	if m.Redundancy.GroupSize() == 1 {
		piece, err := p.fetchPiece(ctx, 0, group[0].ID)
		if err != nil {
			return nil, err
		}
		return piece, nil
	}

	coder, err := coding.ErasureCoderFor(m.Redundancy.Scheme, m.Redundancy.Data, m.Redundancy.Parity)
	if err != nil {
		return nil, err
	}
	cipherLen := int(m.ChunkCipherLens[ci])
	meta := coding.ErasureMeta{
		DataShards:   m.Redundancy.Data,
		ParityShards: m.Redundancy.Parity,
		ShardLen:     ceilDiv(cipherLen, m.Redundancy.Data),
		OriginalLen:  cipherLen,
	}
	slots := make([]*coding.Shard, meta.TotalShards())
	available := 0
	for slot, ref := range group {
		piece, err := p.fetchPiece(ctx, uint8(slot), ref.ID)
		if err != nil {
			if errors.Is(err, ErrChunkMissing) {
				continue
			}
			return nil, err
		}
		kind := coding.ShardData
		if slot >= m.Redundancy.Data {
			kind = coding.ShardParity
		}
		slots[slot] = &coding.Shard{Index: slot, Kind: kind, Bytes: piece}
		available++
	}
	if available == 0 {
		return nil, fmt.Errorf("%w: chunk %d has no surviving shards", ErrChunkMissing, ci)
	}
	return coder.Reconstruct(meta, slots)
}

// fetchPiece loads one stored piece, consulting the peer fetcher on a
// local miss. Bytes failing their content address count as missing.
func (p *Pipeline) fetchPiece(ctx context.Context, slot uint8, id ID) ([]byte, error) {
	piece, err := storage.ReadAll(ctx, p.store, ChunkKey(id))
	if err == nil {
		if shardID(slot, piece) != id {
			p.l.Warn("stored piece fails its content address", zap.String("id", id.String()))
			err = storage.ErrNotFound
		} else {
			return piece, nil
		}
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if p.fetch == nil {
		return nil, fmt.Errorf("%w: %s", ErrChunkMissing, id)
	}
	piece, ferr := p.fetch.FetchChunk(ctx, id)
	if ferr != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrChunkMissing, id, ferr)
	}
	if shardID(slot, piece) != id {
		return nil, fmt.Errorf("%w: %s: peer returned corrupt bytes", ErrChunkMissing, id)
	}
	return piece, nil
}

// LoadManifest loads and self-hash-verifies a manifest.
func (p *Pipeline) LoadManifest(ctx context.Context, manifestHash ID) (*ObjectManifest, error) {
	blob, err := storage.ReadAll(ctx, p.store, ManifestKey(manifestHash))
	if err != nil {
		return nil, fmt.Errorf("load manifest %s: %w", manifestHash, err)
	}
	m, err := UnmarshalManifest(blob)
	if err != nil {
		return nil, err
	}
	if m.SelfHash != manifestHash {
		return nil, fmt.Errorf("%w: stored under %s, sealed as %s",
			ErrManifestCorrupt, manifestHash, m.SelfHash)
	}
	return m, nil
}

// DeleteObject removes the receipt, the manifest, then every piece.
// Reversed write order keeps the receipt-implies-complete invariant
// through a crash mid-delete.
func (p *Pipeline) DeleteObject(ctx context.Context, manifestHash ID) error {
	m, err := p.LoadManifest(ctx, manifestHash)
	if err != nil {
		return err
	}
	if err := p.store.Delete(ctx, ReceiptKey(manifestHash)); err != nil {
		return err
	}
	if err := p.store.Delete(ctx, ManifestKey(manifestHash)); err != nil {
		return err
	}
	for _, ref := range m.Chunks {
		if err := p.store.Delete(ctx, ChunkKey(ref.ID)); err != nil {
			return err
		}
	}
	for ci := 0; ci < m.NumChunks(); ci++ {
		p.cache.Remove(manifestHash.String() + "/" + strconv.Itoa(ci))
	}
	return nil
}

// ManifestSummary is one row of the stored-object inventory.
type ManifestSummary struct {
	Hash           ID
	TotalLen       uint64
	Chunks         int
	Redundancy     Redundancy
	CompressionAlg string
	FallbackCodecs bool
	Corrupt        bool
}

// ManifestSummaries lists stored objects, newest-key-first up to
// limit (0 means all). Corrupt manifests appear flagged rather than
// aborting the listing.
func (p *Pipeline) ManifestSummaries(ctx context.Context, limit int) ([]ManifestSummary, error) {
	keys, err := p.store.KeysPrefix(ctx, manifestPrefix)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	var out []ManifestSummary
	for _, key := range keys {
		if limit > 0 && len(out) >= limit {
			break
		}
		hash, err := ParseID(key[len(manifestPrefix):])
		if err != nil {
			continue
		}
		summary := ManifestSummary{Hash: hash}
		m, err := p.LoadManifest(ctx, hash)
		if err != nil {
			summary.Corrupt = true
			out = append(out, summary)
			continue
		}
		summary.TotalLen = m.TotalLen
		summary.Chunks = m.NumChunks()
		summary.Redundancy = m.Redundancy
		summary.CompressionAlg = m.CompressionAlg
		summary.FallbackCodecs = m.CompressionAlg == coding.AlgRLE || m.Redundancy.Scheme == coding.AlgXor
		out = append(out, summary)
	}
	return out, nil
}

// Store exposes the backing store for collaborators such as the
// repairer.
func (p *Pipeline) Store() storage.Store { return p.store }

// Profiles snapshots the known providers ranked by fitness score.
// Without a catalog there are no providers to report.
func (p *Pipeline) Profiles(ctx context.Context) ([]catalog.Ranked, error) {
	if p.cat == nil {
		return nil, nil
	}
	return p.cat.RankedNodes(ctx)
}

func (p *Pipeline) preferredChunkLen(ctx context.Context, snap *settings.Snapshot, ladder profile.Ladder) uint32 {
	fallback := ladder.Clamp(snap.Chunking.DefaultSize)
	if p.cat == nil {
		return fallback
	}
	providerID, err := p.cat.Place(ctx, 0, nil)
	if err != nil {
		return fallback
	}
	prof, err := p.cat.Profile(ctx, providerID)
	if err != nil {
		return fallback
	}
	if prof.PreferredChunk == 0 {
		return fallback
	}
	return ladder.Clamp(prof.PreferredChunk)
}

func ceilDiv(n, d int) int {
	if n == 0 {
		return 0
	}
	return (n + d - 1) / d
}
