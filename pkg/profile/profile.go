// Package profile tracks per-provider transfer statistics and adapts
// the preferred chunk size to observed throughput, latency and loss.
// The model is additive-increase/multiplicative-decrease applied to
// chunk sizing instead of packet windows: sizes step up one ladder
// rung at a time after a stability window, and step down immediately
// when loss crosses the high-water mark or a transfer fails.
package profile

import (
	"time"
)

const (
	// MinChunk and MaxChunk bound the sizing ladder.
	MinChunk = 256 << 10
	MaxChunk = 4 << 20
	// DefaultChunk is the conservative starting size for a provider
	// with no history.
	DefaultChunk = 1 << 20

	// ewmaAlpha is the smoothing factor for all moving averages. The
	// first sample seeds the average directly.
	ewmaAlpha = 0.2

	// Loss and RTT thresholds gating ladder movement. Between the low
	// and high marks the preferred size holds steady.
	lossHigh = 0.02
	lossLow  = 0.002
	rttHigh  = 200 * time.Millisecond
	rttLow   = 80 * time.Millisecond

	// targetTransferTime is how long one chunk transfer should take at
	// the provider's smoothed bandwidth. Sizes never step above the
	// rung this target justifies.
	targetTransferTime = 3 * time.Second

	// stableThreshold is how many consecutive clean transfers must
	// land at the current size before a step up is considered.
	stableThreshold = 3
)

// Ladder is an ascending list of candidate chunk sizes.
type Ladder []uint32

// DefaultLadder doubles from MinChunk to MaxChunk.
func DefaultLadder() Ladder {
	var l Ladder
	for size := uint32(MinChunk); size <= MaxChunk; size *= 2 {
		l = append(l, size)
	}
	return l
}

// Up returns the next rung above size, or size at the top.
func (l Ladder) Up(size uint32) uint32 {
	for _, rung := range l {
		if rung > size {
			return rung
		}
	}
	return size
}

// Down returns the next rung below size, or size at the bottom.
func (l Ladder) Down(size uint32) uint32 {
	for i := len(l) - 1; i >= 0; i-- {
		if l[i] < size {
			return l[i]
		}
	}
	return size
}

// Clamp snaps size onto the nearest rung at or below it.
func (l Ladder) Clamp(size uint32) uint32 {
	if len(l) == 0 {
		return size
	}
	best := l[0]
	for _, rung := range l {
		if rung <= size {
			best = rung
		}
	}
	return best
}

// Profile is the persisted adaptive state for one provider.
type Profile struct {
	ID              string  `yaml:"id"`
	BWEWMA          float64 `yaml:"bwEWMA"`
	RTTEWMA         float64 `yaml:"rttEWMA"`
	LossEWMA        float64 `yaml:"lossEWMA"`
	PreferredChunk  uint32  `yaml:"preferredChunk"`
	StableChunks    uint32  `yaml:"stableChunks"`
	SuccessRateEWMA float64 `yaml:"successRateEWMA"`
	RecentFailures  uint32  `yaml:"recentFailures"`
	TotalChunks     uint64  `yaml:"totalChunks"`
	TotalFailures   uint64  `yaml:"totalFailures"`
	Maintenance     bool    `yaml:"maintenance"`
	UpdatedAt       int64   `yaml:"updatedAt"`
}

// New returns the conservative default profile for a freshly-seen
// provider.
func New(id string) *Profile {
	return &Profile{
		ID:              id,
		PreferredChunk:  DefaultChunk,
		SuccessRateEWMA: 1.0,
	}
}

// Sample is one completed (or failed) chunk transfer measurement.
type Sample struct {
	Bytes    int
	Duration time.Duration
	RTT      time.Duration
	Loss     float64
	OK       bool
}

// RecordTransfer folds one transfer into the profile. A nil ladder
// uses DefaultLadder. Failed transfers carry no bandwidth sample; they
// reset the stability window and step the size down one rung.
func (p *Profile) RecordTransfer(s Sample, ladder Ladder) {
	if ladder == nil {
		ladder = DefaultLadder()
	}
	p.UpdatedAt = time.Now().Unix()
	p.TotalChunks++

	if !s.OK {
		p.TotalFailures++
		p.RecentFailures++
		p.SuccessRateEWMA = p.ewma(p.SuccessRateEWMA, 0)
		p.StableChunks = 0
		p.PreferredChunk = ladder.Down(p.PreferredChunk)
		return
	}

	p.RecentFailures = 0
	p.SuccessRateEWMA = p.ewma(p.SuccessRateEWMA, 1)
	if s.Duration > 0 {
		p.BWEWMA = p.ewma(p.BWEWMA, float64(s.Bytes)/s.Duration.Seconds())
	}
	p.RTTEWMA = p.ewma(p.RTTEWMA, float64(s.RTT)/float64(time.Millisecond))
	p.LossEWMA = p.ewma(p.LossEWMA, s.Loss)
	p.StableChunks++

	switch {
	case p.LossEWMA >= lossHigh || p.RTTEWMA >= float64(rttHigh/time.Millisecond):
		p.PreferredChunk = ladder.Down(p.PreferredChunk)
		p.StableChunks = 0
	case p.StableChunks >= stableThreshold &&
		p.LossEWMA <= lossLow &&
		p.RTTEWMA <= float64(rttLow/time.Millisecond):
		next := ladder.Up(p.PreferredChunk)
		if next != p.PreferredChunk && p.BWEWMA*targetTransferTime.Seconds() >= float64(next) {
			p.PreferredChunk = next
			p.StableChunks = 0
		}
	}
}

// Score ranks a provider for placement: high success and low loss help,
// high latency hurts. Providers with no RTT history rank with a 1ms
// floor so fresh nodes are not unbeatable.
func (p *Profile) Score() float64 {
	rtt := p.RTTEWMA
	if rtt < 1 {
		rtt = 1
	}
	return (1 - p.LossEWMA) * p.SuccessRateEWMA / rtt
}

// ewma folds sample into prev. The first measurement seeds the
// average directly instead of smoothing against the zero value.
func (p *Profile) ewma(prev, sample float64) float64 {
	if prev == 0 && p.TotalChunks-p.TotalFailures <= 1 {
		return sample
	}
	return prev*(1-ewmaAlpha) + sample*ewmaAlpha
}
