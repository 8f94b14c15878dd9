package directory

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/perigee-storage/perigee/pkg/catalog"
	"github.com/perigee-storage/perigee/pkg/profile"
	"github.com/perigee-storage/perigee/pkg/storage"
)

// SendFunc transmits one chunk to a remote provider. The transport
// collaborator supplies it; discovery itself never moves chunk bytes.
type SendFunc func(ctx context.Context, providerID string, chunk []byte) error

// RemoteProvider adapts a discovered advertisement into a catalog
// provider handle. Without a transport it accepts no chunks.
type RemoteProvider struct {
	catalog.UnimplementedProvider
	id   string
	send SendFunc
}

// NewRemoteProvider builds a handle for a discovered provider.
func NewRemoteProvider(id string, send SendFunc) *RemoteProvider {
	return &RemoteProvider{id: id, send: send}
}

// ID returns the provider id from the advertisement.
func (r *RemoteProvider) ID() string { return r.id }

// SendChunk forwards to the transport, or reports the capability
// missing when none is wired.
func (r *RemoteProvider) SendChunk(ctx context.Context, chunk []byte) error {
	if r.send == nil {
		return storage.ErrNotSupported
	}
	return r.send(ctx, r.id, chunk)
}

// Candidate is one ranked answer to a discovery request.
type Candidate struct {
	ID         string
	Region     string
	Capacity   uint64
	PricePerGB float64
	Score      float64
	Remote     bool
}

// Directory verifies discovery messages and maintains the remote side
// of the node catalog.
type Directory struct {
	catalog *catalog.NodeCatalog
	send    SendFunc
	l       *zap.Logger

	mu      sync.Mutex
	seen    map[string]struct{}
	remotes map[string]Advertisement
}

// Option configures a Directory.
type Option func(*Directory)

// WithLogger sets the directory logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Directory) {
		if l != nil {
			d.l = l
		}
	}
}

// WithTransport wires the chunk transport used for providers learned
// from advertisements.
func WithTransport(send SendFunc) Option {
	return func(d *Directory) {
		d.send = send
	}
}

// New builds a directory feeding the given catalog.
func New(cat *catalog.NodeCatalog, opts ...Option) *Directory {
	d := &Directory{
		catalog: cat,
		l:       zap.NewNop(),
		seen:    make(map[string]struct{}),
		remotes: make(map[string]Advertisement),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HandleAdvertisement verifies the broadcast and upserts the provider
// into the catalog as a remote candidate. Replayed publisher/nonce
// pairs are rejected.
func (d *Directory) HandleAdvertisement(ctx context.Context, ad *Advertisement) error {
	if err := ad.Verify(time.Now()); err != nil {
		return fmt.Errorf("advertisement from %s: %w", ad.ProviderID, err)
	}
	d.mu.Lock()
	key := seenKey(ad.PublicKey, ad.Nonce)
	if _, dup := d.seen[key]; dup {
		d.mu.Unlock()
		return fmt.Errorf("advertisement from %s: %w", ad.ProviderID, ErrDuplicate)
	}
	d.seen[key] = struct{}{}
	d.remotes[ad.ProviderID] = *ad
	d.mu.Unlock()

	d.catalog.Register(NewRemoteProvider(ad.ProviderID, d.send))
	if _, err := d.catalog.UpdateProfile(ctx, ad.ProviderID, func(p *profile.Profile) {
		adoptAdvertised(p, &ad.Profile)
	}); err != nil {
		return err
	}
	d.l.Debug("advertisement accepted",
		zap.String("provider", ad.ProviderID),
		zap.String("region", ad.Region))
	return nil
}

// HandleLookupResponse verifies a relayed batch and feeds each carried
// advertisement through HandleAdvertisement. Verification failures on
// individual advertisements skip that entry rather than dropping the
// batch.
func (d *Directory) HandleLookupResponse(ctx context.Context, resp *LookupResponse) (int, error) {
	if err := resp.Verify(time.Now()); err != nil {
		return 0, err
	}
	d.mu.Lock()
	key := seenKey(resp.PublicKey, resp.Nonce)
	if _, dup := d.seen[key]; dup {
		d.mu.Unlock()
		return 0, ErrDuplicate
	}
	d.seen[key] = struct{}{}
	d.mu.Unlock()

	accepted := 0
	for i := range resp.Providers {
		ad := resp.Providers[i]
		if err := d.HandleAdvertisement(ctx, &ad); err != nil {
			d.l.Debug("carried advertisement rejected",
				zap.String("provider", ad.ProviderID),
				zap.Error(err))
			continue
		}
		accepted++
	}
	return accepted, nil
}

// Discover ranks the known local and remote providers by fitness for
// the request and returns at most req.Limit candidates.
func (d *Directory) Discover(ctx context.Context, req *LookupRequest) ([]Candidate, error) {
	ranked, err := d.catalog.RankedNodes(ctx)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	remotes := make(map[string]Advertisement, len(d.remotes))
	for id, ad := range d.remotes {
		remotes[id] = ad
	}
	d.mu.Unlock()

	var perShare uint64
	if req.Shares > 0 {
		perShare = req.Size / uint64(req.Shares)
	}

	var out []Candidate
	for _, node := range ranked {
		if node.Profile.Maintenance {
			continue
		}
		cand := Candidate{ID: node.ID, Score: node.Score}
		if ad, ok := remotes[node.ID]; ok {
			cand.Region = ad.Region
			cand.Capacity = ad.Capacity
			cand.PricePerGB = ad.PricePerGB
			cand.Remote = true
		}
		if cand.Remote && perShare > 0 && cand.Capacity < perShare {
			continue
		}
		if req.Region != "" && cand.Remote && cand.Region != req.Region {
			continue
		}
		if req.MaxPrice > 0 && cand.PricePerGB > req.MaxPrice {
			continue
		}
		if req.MinSuccessRate > 0 && node.Profile.SuccessRateEWMA < req.MinSuccessRate {
			continue
		}
		out = append(out, cand)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

// adoptAdvertised folds a remote provider's self-reported stats into
// the local profile without overwriting locally measured history.
// The maintenance flag is never taken from an advertisement: the
// catalog owns it, and only SetMaintenance may change it.
func adoptAdvertised(local, advertised *profile.Profile) {
	if local.TotalChunks == 0 {
		local.BWEWMA = advertised.BWEWMA
		local.RTTEWMA = advertised.RTTEWMA
		local.LossEWMA = advertised.LossEWMA
		local.SuccessRateEWMA = advertised.SuccessRateEWMA
		if advertised.PreferredChunk != 0 {
			local.PreferredChunk = advertised.PreferredChunk
		}
	}
}

func seenKey(pub []byte, nonce uint64) string {
	return hex.EncodeToString(pub) + "/" + fmt.Sprintf("%d", nonce)
}
