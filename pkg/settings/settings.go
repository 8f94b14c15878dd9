// Package settings provides the live configuration for the object
// pipeline. Operations read a Snapshot at their start and never cache
// it for the process lifetime: the holder can be hot-swapped from a
// watched config file or programmatically, and in-flight operations
// keep the snapshot they started with.
package settings

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/docker/go-units"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/perigee-storage/perigee/pkg/coding"
	"github.com/perigee-storage/perigee/pkg/profile"
)

// Snapshot is one immutable view of the pipeline configuration.
type Snapshot struct {
	Compression CompressionSettings
	Encryption  EncryptionSettings
	Redundancy  RedundancySettings
	Chunking    ChunkingSettings
	Cache       CacheSettings
	Repair      RepairSettings
}

// CompressionSettings selects the chunk compressor.
type CompressionSettings struct {
	Algorithm string `mapstructure:"algorithm"`
	Level     int    `mapstructure:"level"`
}

// EncryptionSettings selects the chunk encryptor.
type EncryptionSettings struct {
	Algorithm string `mapstructure:"algorithm"`
}

// RedundancySettings selects the erasure scheme. Scheme "none" skips
// erasure coding entirely.
type RedundancySettings struct {
	Scheme       string `mapstructure:"scheme"`
	DataShards   int    `mapstructure:"dataShards"`
	ParityShards int    `mapstructure:"parityShards"`
}

// ChunkingSettings bounds the adaptive chunk-size ladder. Sizes are
// human-readable ("256KiB", "4MiB") in the config file.
type ChunkingSettings struct {
	MinSize     uint32
	MaxSize     uint32
	DefaultSize uint32
}

// CacheSettings sizes the decrypted-chunk LRU.
type CacheSettings struct {
	Entries int `mapstructure:"entries"`
}

// RepairSettings tunes the repair scanner.
type RepairSettings struct {
	Workers  int    `mapstructure:"workers"`
	LogDir   string `mapstructure:"logDir"`
	KeepLogs int    `mapstructure:"keepLogs"`
}

// Default is the built-in configuration.
func Default() *Snapshot {
	return &Snapshot{
		Compression: CompressionSettings{Algorithm: coding.AlgZstd, Level: 3},
		Encryption:  EncryptionSettings{Algorithm: coding.AlgChaCha20Poly1305},
		Redundancy:  RedundancySettings{Scheme: coding.AlgReedSolomon, DataShards: 16, ParityShards: 8},
		Chunking: ChunkingSettings{
			MinSize:     profile.MinChunk,
			MaxSize:     profile.MaxChunk,
			DefaultSize: profile.DefaultChunk,
		},
		Cache:  CacheSettings{Entries: 128},
		Repair: RepairSettings{Workers: 4, LogDir: ".perigee/repairlog", KeepLogs: 14},
	}
}

// Ladder derives the chunk-size ladder for this snapshot, doubling
// from the configured floor to the ceiling.
func (s *Snapshot) Ladder() profile.Ladder {
	min, max := s.Chunking.MinSize, s.Chunking.MaxSize
	if min == 0 || max < min {
		return profile.DefaultLadder()
	}
	var l profile.Ladder
	for size := min; size <= max && size != 0; size *= 2 {
		l = append(l, size)
	}
	return l
}

// Holder publishes the current snapshot. Reads are lock-free.
type Holder struct {
	current atomic.Pointer[Snapshot]
	l       *zap.Logger
}

// NewHolder starts at the built-in defaults. A nil logger is replaced
// by a no-op logger.
func NewHolder(l *zap.Logger) *Holder {
	if l == nil {
		l = zap.NewNop()
	}
	h := &Holder{l: l}
	h.current.Store(Default())
	return h
}

// Current returns the snapshot operations should use. The returned
// value must be treated as read-only.
func (h *Holder) Current() *Snapshot {
	return h.current.Load()
}

// Swap publishes a new snapshot.
func (h *Holder) Swap(s *Snapshot) {
	h.current.Store(s)
	h.l.Info("settings swapped",
		zap.String("compression", s.Compression.Algorithm),
		zap.String("redundancy", s.Redundancy.Scheme))
}

// Load reads the config file at path, publishes the resulting
// snapshot, and keeps watching the file: every later change is parsed
// and published atomically. Values absent from the file keep their
// defaults.
func (h *Holder) Load(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("perigee")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	snap, err := fromViper(v)
	if err != nil {
		return err
	}
	h.Swap(snap)

	v.OnConfigChange(func(fsnotify.Event) {
		next, err := fromViper(v)
		if err != nil {
			h.l.Warn("config reload rejected", zap.Error(err))
			return
		}
		h.Swap(next)
	})
	v.WatchConfig()
	return nil
}

func fromViper(v *viper.Viper) (*Snapshot, error) {
	snap := Default()
	if err := v.UnmarshalKey("compression", &snap.Compression); err != nil {
		return nil, fmt.Errorf("compression settings: %w", err)
	}
	if err := v.UnmarshalKey("encryption", &snap.Encryption); err != nil {
		return nil, fmt.Errorf("encryption settings: %w", err)
	}
	if err := v.UnmarshalKey("redundancy", &snap.Redundancy); err != nil {
		return nil, fmt.Errorf("redundancy settings: %w", err)
	}
	if err := v.UnmarshalKey("cache", &snap.Cache); err != nil {
		return nil, fmt.Errorf("cache settings: %w", err)
	}
	if err := v.UnmarshalKey("repair", &snap.Repair); err != nil {
		return nil, fmt.Errorf("repair settings: %w", err)
	}
	for key, target := range map[string]*uint32{
		"chunking.minSize":     &snap.Chunking.MinSize,
		"chunking.maxSize":     &snap.Chunking.MaxSize,
		"chunking.defaultSize": &snap.Chunking.DefaultSize,
	} {
		raw := v.GetString(key)
		if raw == "" {
			continue
		}
		size, err := units.RAMInBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s %q: %w", key, raw, err)
		}
		*target = uint32(size)
	}
	if err := snap.validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Snapshot) validate() error {
	if _, err := coding.CompressorFor(s.Compression.Algorithm, s.Compression.Level); err != nil {
		return err
	}
	if s.Redundancy.Scheme != coding.AlgNone {
		if _, err := coding.ErasureCoderFor(s.Redundancy.Scheme, s.Redundancy.DataShards, s.Redundancy.ParityShards); err != nil {
			return err
		}
	}
	if s.Chunking.MinSize > s.Chunking.MaxSize {
		return fmt.Errorf("chunking floor %d above ceiling %d", s.Chunking.MinSize, s.Chunking.MaxSize)
	}
	if s.Chunking.DefaultSize < s.Chunking.MinSize || s.Chunking.DefaultSize > s.Chunking.MaxSize {
		return fmt.Errorf("chunking default %d outside [%d, %d]",
			s.Chunking.DefaultSize, s.Chunking.MinSize, s.Chunking.MaxSize)
	}
	return nil
}
