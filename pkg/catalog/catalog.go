// Package catalog tracks chunk-storage providers and decides where
// chunks go. The registry, maintenance flags and the profile cache
// form one shared resource behind a single mutex, so placement
// decisions and concurrent transfer-completion updates cannot
// interleave badly.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/perigee-storage/perigee/pkg/profile"
	"github.com/perigee-storage/perigee/pkg/storage"
)

// Provider is the capability handle for one chunk destination. SendChunk
// may block for the duration of a transfer; callers schedule it on a
// bounded pool.
type Provider interface {
	ID() string
	SendChunk(ctx context.Context, chunk []byte) error
	Probe(ctx context.Context) (time.Duration, error)
}

// UnimplementedProvider supplies the default Probe for providers whose
// transport cannot measure latency.
type UnimplementedProvider struct{}

// Probe reports that the provider does not support active probing.
func (UnimplementedProvider) Probe(context.Context) (time.Duration, error) {
	return 0, storage.ErrNotSupported
}

// ErrUnknownProvider is returned for ids never registered.
var ErrUnknownProvider = errors.New("provider not registered")

// ErrNoEligibleProviders is returned when every candidate is in
// maintenance or unreachable.
var ErrNoEligibleProviders = errors.New("no eligible providers")

type node struct {
	provider  Provider
	rtt       time.Duration
	probed    bool
	reachable bool
}

// NodeCatalog is the provider registry plus its adaptive profiles.
type NodeCatalog struct {
	mu       sync.Mutex
	nodes    map[string]*node
	order    []string
	profiles *profile.Cache
	l        *zap.Logger
}

// Option configures a NodeCatalog.
type Option func(*NodeCatalog)

// WithLogger sets the catalog logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *NodeCatalog) {
		if l != nil {
			c.l = l
		}
	}
}

// New builds a catalog over the given profile cache.
func New(profiles *profile.Cache, opts ...Option) *NodeCatalog {
	c := &NodeCatalog{
		nodes:    make(map[string]*node),
		profiles: profiles,
		l:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds or replaces a provider handle. A fresh registration
// starts reachable so it can receive chunks before the first probe.
func (c *NodeCatalog) Register(p Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := p.ID()
	if _, known := c.nodes[id]; !known {
		c.order = append(c.order, id)
	}
	c.nodes[id] = &node{provider: p, reachable: true}
	c.l.Debug("provider registered", zap.String("provider", id))
}

// Provider returns the registered handle for id.
func (c *NodeCatalog) Provider(id string) (Provider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return n.provider, nil
}

// Providers lists registered ids in registration order.
func (c *NodeCatalog) Providers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

// ProbeAndPrune measures RTT against every registered provider.
// Unreachable providers are excluded from new placements but stay
// registered for historical lookups and repair reads. Providers that
// do not support probing stay eligible on their last known standing.
// Probes run without the registry lock so a slow provider cannot
// stall placement.
func (c *NodeCatalog) ProbeAndPrune(ctx context.Context) error {
	c.mu.Lock()
	ids := append([]string(nil), c.order...)
	handles := make(map[string]Provider, len(ids))
	for _, id := range ids {
		handles[id] = c.nodes[id].provider
	}
	c.mu.Unlock()

	type outcome struct {
		rtt time.Duration
		err error
	}
	outcomes := make(map[string]outcome, len(ids))
	for _, id := range ids {
		rtt, err := handles[id].Probe(ctx)
		outcomes[id] = outcome{rtt: rtt, err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		n, ok := c.nodes[id]
		if !ok {
			// unregistered while probing
			continue
		}
		res := outcomes[id]
		switch {
		case res.err == nil:
			n.rtt, n.probed, n.reachable = res.rtt, true, true
			if _, uerr := c.profiles.Update(ctx, id, func(p *profile.Profile) {
				p.RTTEWMA = foldRTT(p.RTTEWMA, res.rtt)
			}); uerr != nil {
				return uerr
			}
		case errors.Is(res.err, storage.ErrNotSupported):
			// keep last standing
		default:
			n.reachable = false
			c.l.Info("provider unreachable",
				zap.String("provider", id),
				zap.Error(res.err))
		}
	}
	return nil
}

// SetMaintenance toggles placement eligibility without deleting the
// provider's history.
func (c *NodeCatalog) SetMaintenance(ctx context.Context, id string, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	_, err := c.profiles.Update(ctx, id, func(p *profile.Profile) {
		p.Maintenance = on
	})
	return err
}

// Place picks the destination for one chunk. Candidates defaults to
// every registered provider. The first chunk goes to the eligible
// provider with the lowest measured RTT; later chunks fan out across
// the eligible set in RTT order.
func (c *NodeCatalog) Place(ctx context.Context, chunkIndex int, candidates []string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	eligible, err := c.eligibleLocked(ctx, candidates)
	if err != nil {
		return "", err
	}
	if len(eligible) == 0 {
		return "", ErrNoEligibleProviders
	}
	return eligible[chunkIndex%len(eligible)], nil
}

// Placements returns every eligible provider for one chunk in
// preference order: the fan-out pick first, then the rest of the
// eligible set as failover destinations. Callers walk the list until
// a send succeeds.
func (c *NodeCatalog) Placements(ctx context.Context, chunkIndex int, candidates []string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	eligible, err := c.eligibleLocked(ctx, candidates)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		return nil, ErrNoEligibleProviders
	}
	first := chunkIndex % len(eligible)
	out := make([]string, 0, len(eligible))
	out = append(out, eligible[first:]...)
	out = append(out, eligible[:first]...)
	return out, nil
}

// eligibleLocked filters candidates down to reachable, non-maintenance
// providers sorted by ascending RTT.
func (c *NodeCatalog) eligibleLocked(ctx context.Context, candidates []string) ([]string, error) {
	if candidates == nil {
		candidates = c.order
	}
	type ranked struct {
		id  string
		rtt float64
	}
	var out []ranked
	for _, id := range candidates {
		n, ok := c.nodes[id]
		if !ok || !n.reachable {
			continue
		}
		p, err := c.profiles.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if p.Maintenance {
			continue
		}
		rtt := p.RTTEWMA
		if n.probed {
			rtt = float64(n.rtt) / float64(time.Millisecond)
		}
		out = append(out, ranked{id: id, rtt: rtt})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].rtt < out[j].rtt })
	ids := make([]string, len(out))
	for i, r := range out {
		ids[i] = r.id
	}
	return ids, nil
}

// Ranked is one provider with its placement score.
type Ranked struct {
	ID      string
	Score   float64
	Profile profile.Profile
}

// RankedNodes returns every registered provider ordered by descending
// score. Maintenance and reachability do not filter here; callers that
// place chunks use Place instead.
func (c *NodeCatalog) RankedNodes(ctx context.Context) ([]Ranked, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Ranked, 0, len(c.order))
	for _, id := range c.order {
		p, err := c.profiles.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, Ranked{ID: id, Score: p.Score(), Profile: *p})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// UpdateProfile applies fn to the provider's profile under the catalog
// lock and persists the result.
func (c *NodeCatalog) UpdateProfile(ctx context.Context, id string, fn func(*profile.Profile)) (*profile.Profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profiles.Update(ctx, id, fn)
}

// Profile returns a copy of the provider's current profile.
func (c *NodeCatalog) Profile(ctx context.Context, id string) (profile.Profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.profiles.Get(ctx, id)
	if err != nil {
		return profile.Profile{}, err
	}
	return *p, nil
}

// foldRTT smooths a probe measurement into the profile's RTT average.
func foldRTT(prev float64, rtt time.Duration) float64 {
	ms := float64(rtt) / float64(time.Millisecond)
	if prev == 0 {
		return ms
	}
	return prev*0.8 + ms*0.2
}
