package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/muurk/headunit/internal/buffer"
	"github.com/muurk/headunit/internal/discovery"
	"github.com/muurk/headunit/internal/video"
)

// CurrentVersion is the config file format version.
const CurrentVersion = 1

// Config represents the entire user configuration file.
type Config struct {
	Version   int             `yaml:"version"`
	Video     VideoConfig     `yaml:"video"`
	Buffers   BufferConfig    `yaml:"buffers"`
	Transport TransportConfig `yaml:"transport"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Viewer    ViewerConfig    `yaml:"viewer"`
}

// VideoConfig is forwarded to the decoder with every access unit. Both
// fields may change while a session runs.
type VideoConfig struct {
	Codec                 string `yaml:"codec"`                   // "h264" or "h265"
	ForceSoftwareDecoding bool   `yaml:"force_software_decoding"` // Bypass hardware decoders
}

// BufferConfig selects the hot-path buffer policy. Read once at start-up.
type BufferConfig struct {
	Policy     string `yaml:"policy"`      // "fresh" or "pooled"
	PoolSize   int    `yaml:"pool_size"`   // Idle buffers kept by the pool
	BufferSize int    `yaml:"buffer_size"` // Capacity of each pooled buffer in bytes
}

// TransportConfig holds per-operation timeouts. Nothing is retried.
type TransportConfig struct {
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// DiscoveryConfig configures the network scan.
type DiscoveryConfig struct {
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	Concurrency  int           `yaml:"concurrency"`
	Static       []string      `yaml:"static,omitempty"` // Extra gateway suspects (e.g., "10.0.2.2")
	MDNS         bool          `yaml:"mdns"`
	ServiceType  string        `yaml:"service_type"`
	MDNSTimeout  time.Duration `yaml:"mdns_timeout"`
}

// ViewerConfig is the WebSocket viewer endpoint. Empty Listen disables it.
type ViewerConfig struct {
	Listen string `yaml:"listen,omitempty"` // e.g., "127.0.0.1:8089"
	Path   string `yaml:"path"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Video: VideoConfig{
			Codec: video.CodecH264.String(),
		},
		Buffers: BufferConfig{
			Policy:     buffer.PolicyPooled.String(),
			PoolSize:   buffer.DefaultPoolSize,
			BufferSize: buffer.DefaultBufferSize,
		},
		Transport: TransportConfig{
			DialTimeout:      5 * time.Second,
			ReadTimeout:      10 * time.Second,
			WriteTimeout:     5 * time.Second,
			HandshakeTimeout: 15 * time.Second,
		},
		Discovery: DiscoveryConfig{
			ProbeTimeout: discovery.DefaultProbeTimeout,
			Concurrency:  discovery.DefaultConcurrency,
			MDNS:         true,
			ServiceType:  discovery.DefaultServiceType,
			MDNSTimeout:  discovery.DefaultMDNSTimeout,
		},
		Viewer: ViewerConfig{
			Path: "/video",
		},
	}
}

// Validate checks every section and returns all problems joined.
func (c *Config) Validate() error {
	var errs []error

	if c.Version != CurrentVersion {
		errs = append(errs, fmt.Errorf("unsupported config version: %d (expected %d)", c.Version, CurrentVersion))
	}
	if _, err := video.ParseCodec(c.Video.Codec); err != nil {
		errs = append(errs, fmt.Errorf("video.codec: %w", err))
	}
	if _, err := buffer.ParsePolicy(c.Buffers.Policy); err != nil {
		errs = append(errs, fmt.Errorf("buffers.policy: %w", err))
	}
	if c.Buffers.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("buffers.pool_size must not be negative, got %d", c.Buffers.PoolSize))
	}
	if c.Buffers.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("buffers.buffer_size must be positive, got %d", c.Buffers.BufferSize))
	}

	for name, d := range map[string]time.Duration{
		"transport.dial_timeout":      c.Transport.DialTimeout,
		"transport.read_timeout":      c.Transport.ReadTimeout,
		"transport.write_timeout":     c.Transport.WriteTimeout,
		"transport.handshake_timeout": c.Transport.HandshakeTimeout,
		"discovery.probe_timeout":     c.Discovery.ProbeTimeout,
		"discovery.mdns_timeout":      c.Discovery.MDNSTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	if c.Discovery.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("discovery.concurrency must be positive, got %d", c.Discovery.Concurrency))
	}
	if c.Discovery.MDNS && c.Discovery.ServiceType == "" {
		errs = append(errs, errors.New("discovery.service_type is required when mdns is enabled"))
	}

	return errors.Join(errs...)
}

// DecodeOptions converts the video section. Call only on a validated Config.
func (c *Config) DecodeOptions() video.DecodeOptions {
	codec, _ := video.ParseCodec(c.Video.Codec)
	return video.DecodeOptions{
		ForceSoftware: c.Video.ForceSoftwareDecoding,
		Codec:         codec,
	}
}

// NewPool builds the buffer pool described by the buffers section.
func (c *Config) NewPool() *buffer.Pool {
	policy, _ := buffer.ParsePolicy(c.Buffers.Policy)
	return buffer.NewPool(policy,
		buffer.WithMaxIdle(c.Buffers.PoolSize),
		buffer.WithBufferSize(c.Buffers.BufferSize),
	)
}

// NewScanner builds a discovery scanner from the discovery section.
func (c *Config) NewScanner() *discovery.Scanner {
	s := discovery.NewScanner()
	s.ProbeTimeout = c.Discovery.ProbeTimeout
	s.Concurrency = c.Discovery.Concurrency
	s.Static = append([]string(nil), c.Discovery.Static...)
	s.MDNS = c.Discovery.MDNS
	s.ServiceType = c.Discovery.ServiceType
	s.MDNSTimeout = c.Discovery.MDNSTimeout
	return s
}
