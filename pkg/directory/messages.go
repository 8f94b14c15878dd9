// Package directory implements signed provider discovery: providers
// broadcast time-bounded advertisements, peers answer lookups with
// batches of provider profiles, and every message carries an ed25519
// signature checked before anything reaches the node catalog.
package directory

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	irand "github.com/perigee-storage/perigee/internal/rand"
	"github.com/perigee-storage/perigee/pkg/profile"
)

// maxTrustDepth bounds the provenance path of a relayed lookup
// response. Responses forwarded through more relays are discarded.
const maxTrustDepth = 4

// clockSkew is the tolerance for issuers whose clocks run ahead.
const clockSkew = 30 * time.Second

var (
	// ErrBadSignature rejects a message whose signature does not verify.
	ErrBadSignature = errors.New("signature verification failed")

	// ErrExpired rejects a message outside its validity window.
	ErrExpired = errors.New("message expired")

	// ErrNotYetValid rejects a message issued in the future beyond
	// clock-skew tolerance.
	ErrNotYetValid = errors.New("message issued in the future")

	// ErrTrustDepthExceeded rejects a response relayed too many times.
	ErrTrustDepthExceeded = errors.New("provenance path exceeds trust depth")

	// ErrDuplicate rejects a replayed publisher/nonce pair.
	ErrDuplicate = errors.New("duplicate message")
)

// Advertisement is a provider's signed capability broadcast.
type Advertisement struct {
	ProviderID string          `yaml:"providerId"`
	Region     string          `yaml:"region,omitempty"`
	Capacity   uint64          `yaml:"capacity"`
	PricePerGB float64         `yaml:"pricePerGB"`
	Profile    profile.Profile `yaml:"profile"`
	IssuedAt   int64           `yaml:"issuedAt"`
	TTLSeconds int64           `yaml:"ttlSeconds"`
	Nonce      uint64          `yaml:"nonce"`
	PublicKey  []byte          `yaml:"publicKey"`
	Signature  []byte          `yaml:"signature,omitempty"`
}

// SignAdvertisement stamps, keys and signs the advertisement in
// place. A zero nonce is replaced by a random one.
func SignAdvertisement(ad *Advertisement, ttl time.Duration, key ed25519.PrivateKey) error {
	if ad.Nonce == 0 {
		ad.Nonce = irand.Uint64()
	}
	ad.IssuedAt = time.Now().Unix()
	ad.TTLSeconds = int64(ttl / time.Second)
	ad.PublicKey = key.Public().(ed25519.PublicKey)
	ad.Signature = nil
	body, err := canonicalBytes(ad)
	if err != nil {
		return err
	}
	ad.Signature = ed25519.Sign(key, body)
	return nil
}

// Verify checks the signature and the freshness window.
func (ad *Advertisement) Verify(now time.Time) error {
	if err := verifySigned(ad.PublicKey, ad.Signature, ad, func(a *Advertisement) { a.Signature = nil }); err != nil {
		return err
	}
	return checkWindow(now, ad.IssuedAt, ad.TTLSeconds)
}

// LookupRequest asks peers for providers fit for a placement need.
type LookupRequest struct {
	Size           uint64  `yaml:"size"`
	Shares         int     `yaml:"shares"`
	Region         string  `yaml:"region,omitempty"`
	MaxPrice       float64 `yaml:"maxPrice,omitempty"`
	MinSuccessRate float64 `yaml:"minSuccessRate,omitempty"`
	Limit          int     `yaml:"limit"`
	IssuedAt       int64   `yaml:"issuedAt"`
	TTLSeconds     int64   `yaml:"ttlSeconds"`
	Nonce          uint64  `yaml:"nonce"`
	PublicKey      []byte  `yaml:"publicKey"`
	Signature      []byte  `yaml:"signature,omitempty"`
}

// SignLookupRequest stamps, keys and signs the request in place. A
// zero nonce is replaced by a random one.
func SignLookupRequest(req *LookupRequest, ttl time.Duration, key ed25519.PrivateKey) error {
	if req.Nonce == 0 {
		req.Nonce = irand.Uint64()
	}
	req.IssuedAt = time.Now().Unix()
	req.TTLSeconds = int64(ttl / time.Second)
	req.PublicKey = key.Public().(ed25519.PublicKey)
	req.Signature = nil
	body, err := canonicalBytes(req)
	if err != nil {
		return err
	}
	req.Signature = ed25519.Sign(key, body)
	return nil
}

// Verify checks the signature and the freshness window.
func (req *LookupRequest) Verify(now time.Time) error {
	if err := verifySigned(req.PublicKey, req.Signature, req, func(r *LookupRequest) { r.Signature = nil }); err != nil {
		return err
	}
	return checkWindow(now, req.IssuedAt, req.TTLSeconds)
}

// LookupResponse carries a batch of advertisements plus the provenance
// path of relaying keys. Each relay appends its public key and
// re-signs, so the receiver can bound how much indirection it trusts.
type LookupResponse struct {
	Nonce      uint64          `yaml:"nonce"`
	Providers  []Advertisement `yaml:"providers"`
	Path       [][]byte        `yaml:"path,omitempty"`
	IssuedAt   int64           `yaml:"issuedAt"`
	TTLSeconds int64           `yaml:"ttlSeconds"`
	PublicKey  []byte          `yaml:"publicKey"`
	Signature  []byte          `yaml:"signature,omitempty"`
}

// SignLookupResponse stamps the response, appends the signer to the
// provenance path, and signs.
func SignLookupResponse(resp *LookupResponse, ttl time.Duration, key ed25519.PrivateKey) error {
	pub := key.Public().(ed25519.PublicKey)
	if resp.Nonce == 0 {
		resp.Nonce = irand.Uint64()
	}
	resp.IssuedAt = time.Now().Unix()
	resp.TTLSeconds = int64(ttl / time.Second)
	resp.PublicKey = pub
	if !containsKey(resp.Path, pub) {
		resp.Path = append(resp.Path, append([]byte(nil), pub...))
	}
	if len(resp.Path) > maxTrustDepth {
		return ErrTrustDepthExceeded
	}
	resp.Signature = nil
	body, err := canonicalBytes(resp)
	if err != nil {
		return err
	}
	resp.Signature = ed25519.Sign(key, body)
	return nil
}

// Verify checks the signature, the freshness window, and the trust
// depth of the provenance path.
func (resp *LookupResponse) Verify(now time.Time) error {
	if len(resp.Path) > maxTrustDepth {
		return ErrTrustDepthExceeded
	}
	if err := verifySigned(resp.PublicKey, resp.Signature, resp, func(r *LookupResponse) { r.Signature = nil }); err != nil {
		return err
	}
	return checkWindow(now, resp.IssuedAt, resp.TTLSeconds)
}

// canonicalBytes serializes a message for signing. YAML keeps struct
// field order, so both sides produce identical bytes.
func canonicalBytes(msg any) ([]byte, error) {
	body, err := yaml.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("serialize for signing: %w", err)
	}
	return body, nil
}

// verifySigned clears the signature on a shallow copy, re-serializes,
// and checks the detached signature against it.
func verifySigned[T any](pub, sig []byte, msg *T, clear func(*T)) error {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return ErrBadSignature
	}
	unsigned := *msg
	clear(&unsigned)
	body, err := canonicalBytes(&unsigned)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), body, sig) {
		return ErrBadSignature
	}
	return nil
}

func checkWindow(now time.Time, issuedAt, ttlSeconds int64) error {
	issued := time.Unix(issuedAt, 0)
	if issued.After(now.Add(clockSkew)) {
		return ErrNotYetValid
	}
	if now.After(issued.Add(time.Duration(ttlSeconds) * time.Second)) {
		return ErrExpired
	}
	return nil
}

func containsKey(path [][]byte, key []byte) bool {
	for _, k := range path {
		if bytes.Equal(k, key) {
			return true
		}
	}
	return false
}
