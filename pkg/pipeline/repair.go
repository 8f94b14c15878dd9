package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/perigee-storage/perigee/pkg/coding"
	"github.com/perigee-storage/perigee/pkg/storage"
)

const (
	failurePrefix = "repair/failures/"

	// Exponential backoff bounds for shards that failed to repair.
	backoffFloor = 30 * time.Second
	backoffCeil  = time.Hour
)

// RepairRequest scopes one repair scan.
type RepairRequest struct {
	// Manifests restricts the scan; empty scans every stored manifest.
	Manifests []ID
	// Force retries shards the journal or the failure backoff would
	// otherwise skip.
	Force bool
	// Replace re-places repaired shards onto providers through the
	// catalog.
	Replace bool
}

// RepairSummary is the outcome of one scan.
type RepairSummary struct {
	Manifests     int
	Attempts      int
	Successes     int
	Failures      int
	Skipped       int
	BytesRepaired uint64
}

// failureRecord tracks the backoff state of one unrepairable shard.
type failureRecord struct {
	Failures    int   `yaml:"failures"`
	LastAttempt int64 `yaml:"lastAttempt"`
	NextAttempt int64 `yaml:"nextAttempt"`
}

// Repairer scans manifests for missing or corrupt shards and rebuilds
// them through the erasure coder. Scans are idempotent: outcomes land
// in the repair journal and already-repaired shards are skipped.
type Repairer struct {
	pipe *Pipeline
	log  *RepairLog
	l    *zap.Logger
}

// NewRepairer builds a repairer over the pipeline's store and journal.
func NewRepairer(pipe *Pipeline, log *RepairLog) *Repairer {
	return &Repairer{pipe: pipe, log: log, l: pipe.l}
}

// RunOnce executes one bounded scan. Manifests are drained by a fixed
// worker pool; per-manifest failures are counted, not propagated, so
// one broken object cannot stop the scan. The journal is pruned on the
// way out.
func (r *Repairer) RunOnce(ctx context.Context, req RepairRequest) (*RepairSummary, error) {
	manifests := req.Manifests
	if len(manifests) == 0 {
		keys, err := r.pipe.store.KeysPrefix(ctx, manifestPrefix)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			hash, err := ParseID(key[len(manifestPrefix):])
			if err != nil {
				continue
			}
			manifests = append(manifests, hash)
		}
	}

	workers := r.pipe.config.Current().Repair.Workers
	if workers <= 0 {
		workers = 4
	}

	summary := &RepairSummary{Manifests: len(manifests)}
	var mu sync.Mutex

	jobs := make(chan ID)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for hash := range jobs {
				local := r.repairManifest(ctx, hash, req)
				mu.Lock()
				summary.Attempts += local.Attempts
				summary.Successes += local.Successes
				summary.Failures += local.Failures
				summary.Skipped += local.Skipped
				summary.BytesRepaired += local.BytesRepaired
				mu.Unlock()
			}
		}()
	}
	for _, hash := range manifests {
		if ctx.Err() != nil {
			break
		}
		jobs <- hash
	}
	close(jobs)
	wg.Wait()

	if err := r.log.Prune(); err != nil {
		r.l.Warn("repair log prune failed", zap.Error(err))
	}
	r.l.Info("repair scan complete",
		zap.Int("manifests", summary.Manifests),
		zap.Int("successes", summary.Successes),
		zap.Int("failures", summary.Failures),
		zap.Int("skipped", summary.Skipped))
	return summary, ctx.Err()
}

func (r *Repairer) repairManifest(ctx context.Context, hash ID, req RepairRequest) RepairSummary {
	var s RepairSummary
	m, err := r.pipe.LoadManifest(ctx, hash)
	if err != nil {
		r.l.Warn("manifest unreadable, skipping",
			zap.String("manifest", hash.String()),
			zap.Error(err))
		s.Failures++
		return s
	}

	for ci := 0; ci < m.NumChunks(); ci++ {
		group := m.Group(ci)
		for slot, ref := range group {
			ok, err := r.shardIntact(ctx, uint8(slot), ref.ID)
			if err != nil {
				s.Failures++
				continue
			}
			if ok {
				continue
			}
			if !req.Force && r.log.Seen(hash, ci, slot) {
				s.Skipped++
				continue
			}
			if !req.Force && r.inBackoff(ctx, hash, ci, slot) {
				s.Skipped++
				continue
			}
			s.Attempts++
			n, err := r.repairShard(ctx, m, ci, slot, req.Replace)
			entry := RepairEntry{
				Manifest: hash.String(),
				Chunk:    ci,
				Shard:    slot,
			}
			if err != nil {
				s.Failures++
				entry.Outcome = OutcomeFailed
				entry.Reason = err.Error()
				r.recordFailure(ctx, hash, ci, slot)
				r.l.Warn("shard repair failed",
					zap.String("manifest", hash.String()),
					zap.Int("chunk", ci),
					zap.Int("shard", slot),
					zap.Error(err))
			} else {
				s.Successes++
				s.BytesRepaired += uint64(n)
				entry.Outcome = OutcomeRepaired
				r.clearFailure(ctx, hash, ci, slot)
			}
			if lerr := r.log.Append(entry); lerr != nil {
				r.l.Warn("repair journal append failed", zap.Error(lerr))
			}
		}
	}
	return s
}

// shardIntact reports whether the stored piece exists and matches its
// content address.
func (r *Repairer) shardIntact(ctx context.Context, slot uint8, id ID) (bool, error) {
	piece, err := storage.ReadAll(ctx, r.pipe.store, ChunkKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return shardID(slot, piece) == id, nil
}

// repairShard rebuilds one missing piece and persists it. With erasure
// coding the surviving shards are reconstructed into the chunk
// ciphertext, re-encoded, and the regenerated shard is verified
// against its recorded content address before the write. Without
// redundancy only the peer fetcher can recover the piece. Returns the
// repaired byte count.
func (r *Repairer) repairShard(ctx context.Context, m *ObjectManifest, ci, slot int, replace bool) (int, error) {
	group := m.Group(ci)
	ref := group[slot]

	var piece []byte
	if m.Redundancy.GroupSize() == 1 {
		if r.pipe.fetch == nil {
			return 0, fmt.Errorf("%w: no redundancy and no peer fetcher", ErrChunkMissing)
		}
		fetched, err := r.pipe.fetch.FetchChunk(ctx, ref.ID)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrChunkMissing, err)
		}
		if shardID(uint8(slot), fetched) != ref.ID {
			return 0, fmt.Errorf("%w: peer returned corrupt bytes", ErrChunkMissing)
		}
		piece = fetched
	} else {
		cipher, err := r.pipe.chunkCipher(ctx, m, ci)
		if err != nil {
			return 0, err
		}
		coder, err := coding.ErasureCoderFor(m.Redundancy.Scheme, m.Redundancy.Data, m.Redundancy.Parity)
		if err != nil {
			return 0, err
		}
		_, shards, err := coder.Encode(cipher)
		if err != nil {
			return 0, err
		}
		// Every regenerated shard must land on its recorded address,
		// not just the one being replaced.
		for i, s := range shards {
			if shardID(uint8(i), s.Bytes) != group[i].ID {
				return 0, fmt.Errorf("%w: re-encoded shard %d diverges from manifest", ErrManifestCorrupt, i)
			}
		}
		piece = shards[slot].Bytes
	}

	if err := storage.WriteAll(ctx, r.pipe.store, ChunkKey(ref.ID), piece); err != nil {
		return 0, err
	}
	if replace && r.pipe.cat != nil {
		if _, err := r.pipe.placePiece(ctx, ci, piece, r.pipe.config.Current().Ladder()); err != nil {
			r.l.Warn("re-placement after repair failed",
				zap.String("id", ref.ID.String()),
				zap.Error(err))
		}
	}
	return len(piece), nil
}

func (r *Repairer) inBackoff(ctx context.Context, hash ID, ci, slot int) bool {
	blob, err := storage.ReadAll(ctx, r.pipe.store, failureKey(hash, ci, slot))
	if err != nil {
		return false
	}
	var rec failureRecord
	if yaml.Unmarshal(blob, &rec) != nil {
		return false
	}
	return time.Now().Unix() < rec.NextAttempt
}

func (r *Repairer) recordFailure(ctx context.Context, hash ID, ci, slot int) {
	key := failureKey(hash, ci, slot)
	rec := failureRecord{}
	if blob, err := storage.ReadAll(ctx, r.pipe.store, key); err == nil {
		_ = yaml.Unmarshal(blob, &rec)
	}
	rec.Failures++
	delay := backoffFloor << (rec.Failures - 1)
	if delay > backoffCeil || delay <= 0 {
		delay = backoffCeil
	}
	now := time.Now()
	rec.LastAttempt = now.Unix()
	rec.NextAttempt = now.Add(delay).Unix()
	blob, err := yaml.Marshal(&rec)
	if err != nil {
		return
	}
	if err := storage.WriteAll(ctx, r.pipe.store, key, blob); err != nil {
		r.l.Warn("failure record write failed", zap.Error(err))
	}
}

func (r *Repairer) clearFailure(ctx context.Context, hash ID, ci, slot int) {
	if err := r.pipe.store.Delete(ctx, failureKey(hash, ci, slot)); err != nil &&
		!errors.Is(err, storage.ErrNotFound) {
		r.l.Warn("failure record delete failed", zap.Error(err))
	}
}

func failureKey(hash ID, ci, slot int) string {
	return failurePrefix + hash.String() + "/" + strconv.Itoa(ci) + "/" + strconv.Itoa(slot)
}
