package pipeline

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/perigee-storage/perigee/pkg/catalog"
	"github.com/perigee-storage/perigee/pkg/coding"
	"github.com/perigee-storage/perigee/pkg/dlogger"
	"github.com/perigee-storage/perigee/pkg/profile"
	"github.com/perigee-storage/perigee/pkg/settings"
	"github.com/perigee-storage/perigee/pkg/storage"
	"github.com/perigee-storage/perigee/pkg/storage/localfs"
)

func testSnapshot(mutate func(*settings.Snapshot)) *settings.Holder {
	h := settings.NewHolder(nil)
	snap := settings.Default()
	if mutate != nil {
		mutate(snap)
	}
	h.Swap(snap)
	return h
}

func newTestPipeline(t *testing.T, config *settings.Holder, opts ...Option) *Pipeline {
	t.Helper()
	if config == nil {
		config = testSnapshot(nil)
	}
	opts = append([]Option{WithLogger(dlogger.MustNew(dlogger.LogLevelNone))}, opts...)
	p, err := New(localfs.New(afero.NewMemMapFs()), config, opts...)
	require.NoError(t, err)
	return p
}

func payloadBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	rng := rand.New(rand.NewSource(int64(n) + 1))
	_, err := rng.Read(b)
	require.NoError(t, err)
	return b
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name   string
		mutate func(*settings.Snapshot)
		size   int
	}{
		{"zstd reed-solomon multi-chunk", nil, 3<<20 + 123},
		{"zstd reed-solomon single-chunk", nil, 4096},
		{"rle xor", func(s *settings.Snapshot) {
			s.Compression.Algorithm = coding.AlgRLE
			s.Redundancy = settings.RedundancySettings{Scheme: coding.AlgXor, DataShards: 4, ParityShards: 1}
		}, 256 << 10},
		{"no compression no redundancy", func(s *settings.Snapshot) {
			s.Compression.Algorithm = coding.AlgNone
			s.Redundancy.Scheme = coding.AlgNone
		}, 100_000},
		{"empty payload", nil, 0},
		{"one byte", nil, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newTestPipeline(t, testSnapshot(tc.mutate))
			payload := payloadBytes(t, tc.size)

			receipt, err := p.PutObject(ctx, payload, "standard")
			require.NoError(t, err)
			require.Equal(t, uint64(len(payload)), receipt.TotalLen)
			require.Equal(t, "standard", receipt.Lane)

			got, err := p.GetObject(ctx, receipt.ManifestHash)
			require.NoError(t, err)
			require.True(t, bytes.Equal(payload, got))
		})
	}
}

func TestGetServesFromCacheAfterChunkLoss(t *testing.T) {
	ctx := context.Background()
	config := testSnapshot(func(s *settings.Snapshot) {
		s.Redundancy.Scheme = coding.AlgNone
	})
	p := newTestPipeline(t, config)
	payload := payloadBytes(t, 4096)

	receipt, err := p.PutObject(ctx, payload, "")
	require.NoError(t, err)
	_, err = p.GetObject(ctx, receipt.ManifestHash)
	require.NoError(t, err)

	// Losing the chunk no longer matters: the decrypted chunk is
	// cached.
	m, err := p.LoadManifest(ctx, receipt.ManifestHash)
	require.NoError(t, err)
	require.NoError(t, p.store.Delete(ctx, ChunkKey(m.Chunks[0].ID)))

	got, err := p.GetObject(ctx, receipt.ManifestHash)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestGetToleratesShardLossWithinParity(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t, nil)
	payload := payloadBytes(t, 2<<20)

	receipt, err := p.PutObject(ctx, payload, "")
	require.NoError(t, err)
	m, err := p.LoadManifest(ctx, receipt.ManifestHash)
	require.NoError(t, err)

	// Drop parity-many shards of the first chunk.
	group := m.Group(0)
	for i := 0; i < m.Redundancy.Parity; i++ {
		require.NoError(t, p.store.Delete(ctx, ChunkKey(group[i].ID)))
	}

	got, err := p.GetObject(ctx, receipt.ManifestHash)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestGetFailsBeyondParity(t *testing.T) {
	ctx := context.Background()
	config := testSnapshot(func(s *settings.Snapshot) {
		s.Redundancy = settings.RedundancySettings{Scheme: coding.AlgXor, DataShards: 4, ParityShards: 1}
	})
	p := newTestPipeline(t, config)
	payload := payloadBytes(t, 512 << 10)

	receipt, err := p.PutObject(ctx, payload, "")
	require.NoError(t, err)
	m, err := p.LoadManifest(ctx, receipt.ManifestHash)
	require.NoError(t, err)

	group := m.Group(0)
	require.NoError(t, p.store.Delete(ctx, ChunkKey(group[0].ID)))
	require.NoError(t, p.store.Delete(ctx, ChunkKey(group[1].ID)))

	_, err = p.GetObject(ctx, receipt.ManifestHash)
	var rerr *coding.ReconstructError
	require.ErrorAs(t, err, &rerr)
}

func TestGetMissingChunkNoRedundancy(t *testing.T) {
	ctx := context.Background()
	config := testSnapshot(func(s *settings.Snapshot) {
		s.Redundancy.Scheme = coding.AlgNone
		s.Cache.Entries = 1
	})
	p := newTestPipeline(t, config)

	receipt, err := p.PutObject(ctx, payloadBytes(t, 4096), "")
	require.NoError(t, err)
	m, err := p.LoadManifest(ctx, receipt.ManifestHash)
	require.NoError(t, err)
	require.NoError(t, p.store.Delete(ctx, ChunkKey(m.Chunks[0].ID)))

	_, err = p.GetObject(ctx, receipt.ManifestHash)
	require.ErrorIs(t, err, ErrChunkMissing)
}

type mapFetcher map[ID][]byte

func (f mapFetcher) FetchChunk(_ context.Context, id ID) ([]byte, error) {
	piece, ok := f[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return piece, nil
}

func TestGetConsultsFetcherOnMiss(t *testing.T) {
	ctx := context.Background()
	fetcher := mapFetcher{}
	config := testSnapshot(func(s *settings.Snapshot) {
		s.Redundancy.Scheme = coding.AlgNone
	})
	p := newTestPipeline(t, config, WithFetcher(fetcher))

	payload := payloadBytes(t, 4096)
	receipt, err := p.PutObject(ctx, payload, "")
	require.NoError(t, err)
	m, err := p.LoadManifest(ctx, receipt.ManifestHash)
	require.NoError(t, err)

	// Move the chunk to the peer.
	id := m.Chunks[0].ID
	piece, err := storage.ReadAll(ctx, p.store, ChunkKey(id))
	require.NoError(t, err)
	fetcher[id] = piece
	require.NoError(t, p.store.Delete(ctx, ChunkKey(id)))

	got, err := p.GetObject(ctx, receipt.ManifestHash)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestFetcherCorruptBytesRejected(t *testing.T) {
	ctx := context.Background()
	fetcher := mapFetcher{}
	config := testSnapshot(func(s *settings.Snapshot) {
		s.Redundancy.Scheme = coding.AlgNone
	})
	p := newTestPipeline(t, config, WithFetcher(fetcher))

	receipt, err := p.PutObject(ctx, payloadBytes(t, 4096), "")
	require.NoError(t, err)
	m, err := p.LoadManifest(ctx, receipt.ManifestHash)
	require.NoError(t, err)

	id := m.Chunks[0].ID
	fetcher[id] = []byte("not the real bytes")
	require.NoError(t, p.store.Delete(ctx, ChunkKey(id)))

	_, err = p.GetObject(ctx, receipt.ManifestHash)
	require.ErrorIs(t, err, ErrChunkMissing)
}

type fixedSettlement struct {
	err     error
	charges []string
}

func (s *fixedSettlement) Charge(_ context.Context, lane string, _ int) error {
	s.charges = append(s.charges, lane)
	return s.err
}

func TestSettlementChargedPerLane(t *testing.T) {
	ctx := context.Background()
	settle := &fixedSettlement{}
	p := newTestPipeline(t, nil, WithSettlement(settle))

	_, err := p.PutObject(ctx, payloadBytes(t, 1024), "premium")
	require.NoError(t, err)
	require.Equal(t, []string{"premium"}, settle.charges)
}

func TestSettlementFailureAbortsBeforeManifest(t *testing.T) {
	ctx := context.Background()
	settle := &fixedSettlement{err: ErrInsufficientEscrow}
	p := newTestPipeline(t, nil, WithSettlement(settle))

	_, err := p.PutObject(ctx, payloadBytes(t, 1024), "broke")
	require.ErrorIs(t, err, ErrInsufficientEscrow)

	keys, err := p.store.Keys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestDeleteObject(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t, nil)

	receipt, err := p.PutObject(ctx, payloadBytes(t, 100_000), "")
	require.NoError(t, err)
	require.NoError(t, p.DeleteObject(ctx, receipt.ManifestHash))

	keys, err := p.store.Keys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)

	_, err = p.GetObject(ctx, receipt.ManifestHash)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestManifestSummaries(t *testing.T) {
	ctx := context.Background()
	config := testSnapshot(func(s *settings.Snapshot) {
		s.Compression.Algorithm = coding.AlgRLE
		s.Redundancy = settings.RedundancySettings{Scheme: coding.AlgXor, DataShards: 4, ParityShards: 1}
	})
	p := newTestPipeline(t, config)

	_, err := p.PutObject(ctx, payloadBytes(t, 1024), "")
	require.NoError(t, err)
	_, err = p.PutObject(ctx, payloadBytes(t, 2048), "")
	require.NoError(t, err)

	summaries, err := p.ManifestSummaries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	for _, s := range summaries {
		require.False(t, s.Corrupt)
		require.True(t, s.FallbackCodecs)
		require.Equal(t, coding.AlgXor, s.Redundancy.Scheme)
	}

	limited, err := p.ManifestSummaries(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestPutRecordsProvidersInManifest(t *testing.T) {
	ctx := context.Background()
	cache := profile.NewCache(localfs.New(afero.NewMemMapFs()), nil)
	cat := catalog.New(cache)
	sink := &sinkProvider{id: "sink-1", rtt: 5 * time.Millisecond}
	cat.Register(sink)
	require.NoError(t, cat.ProbeAndPrune(ctx))

	p := newTestPipeline(t, nil, WithCatalog(cat))
	receipt, err := p.PutObject(ctx, payloadBytes(t, 100_000), "")
	require.NoError(t, err)

	m, err := p.LoadManifest(ctx, receipt.ManifestHash)
	require.NoError(t, err)
	for _, ref := range m.Chunks {
		require.Equal(t, []string{"sink-1"}, ref.Providers)
	}
	require.NotEmpty(t, sink.sent)

	// Transfer outcomes landed in the provider profile.
	prof, err := cat.Profile(ctx, "sink-1")
	require.NoError(t, err)
	require.Equal(t, uint64(len(m.Chunks)), prof.TotalChunks)

	ranked, err := p.Profiles(ctx)
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	require.Equal(t, "sink-1", ranked[0].ID)
}

type sinkProvider struct {
	id   string
	rtt  time.Duration
	fail bool
	sent [][]byte
}

func (s *sinkProvider) ID() string { return s.id }

func (s *sinkProvider) SendChunk(_ context.Context, chunk []byte) error {
	if s.fail {
		return errors.New("over capacity")
	}
	s.sent = append(s.sent, chunk)
	return nil
}

func (s *sinkProvider) Probe(context.Context) (time.Duration, error) {
	return s.rtt, nil
}

func TestPutFailsOverPastRefusingProvider(t *testing.T) {
	ctx := context.Background()
	cache := profile.NewCache(localfs.New(afero.NewMemMapFs()), nil)
	cat := catalog.New(cache)
	broken := &sinkProvider{id: "broken", rtt: 5 * time.Millisecond, fail: true}
	healthy := &sinkProvider{id: "healthy", rtt: 50 * time.Millisecond}
	cat.Register(broken)
	cat.Register(healthy)
	require.NoError(t, cat.ProbeAndPrune(ctx))

	p := newTestPipeline(t, nil, WithCatalog(cat))
	payload := payloadBytes(t, 100_000)
	receipt, err := p.PutObject(ctx, payload, "")
	require.NoError(t, err)

	got, err := p.GetObject(ctx, receipt.ManifestHash)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	// The low-RTT provider refuses every piece; placement falls over
	// to the healthy one instead of failing the put.
	m, err := p.LoadManifest(ctx, receipt.ManifestHash)
	require.NoError(t, err)
	for _, ref := range m.Chunks {
		require.Equal(t, []string{"healthy"}, ref.Providers)
	}
	require.NotEmpty(t, healthy.sent)

	// Refusals landed on the broken provider's profile.
	prof, err := cat.Profile(ctx, "broken")
	require.NoError(t, err)
	require.Equal(t, prof.TotalChunks, prof.TotalFailures)
	require.NotZero(t, prof.TotalFailures)
}

func TestPutFailsWhenEveryProviderRefuses(t *testing.T) {
	ctx := context.Background()
	cache := profile.NewCache(localfs.New(afero.NewMemMapFs()), nil)
	cat := catalog.New(cache)
	cat.Register(&sinkProvider{id: "full-1", fail: true})

	p := newTestPipeline(t, nil, WithCatalog(cat))
	_, err := p.PutObject(ctx, payloadBytes(t, 100_000), "")
	require.ErrorIs(t, err, ErrPlacementExhausted)

	// No manifest was written for the failed put.
	keys, kerr := p.store.KeysPrefix(ctx, manifestPrefix)
	require.NoError(t, kerr)
	require.Empty(t, keys)
}
