// Package config loads the YAML configuration of a volume and turns it into
// the objects the volume is built from.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/i5heu/ouroboros-rdfs/pkg/blockstore"
	"github.com/i5heu/ouroboros-rdfs/pkg/model"
	"github.com/i5heu/ouroboros-rdfs/pkg/signature"
	"gopkg.in/yaml.v2"
)

// FileName is the configuration file looked up in the search paths.
const FileName = "rdfs.yaml"

var ErrInvalid = errors.New("config: invalid configuration")

type Config struct {
	BlockSize   uint32      `yaml:"blockSize"`
	TotalBlocks uint64      `yaml:"totalBlocks"`
	Threshold   uint32      `yaml:"threshold"`
	Redundancy  model.Ratio `yaml:"redundancy"`

	Signature string `yaml:"signature"` // ed25519 or blake3
	KeyFile   string `yaml:"keyFile"`

	Backend       string   `yaml:"backend"` // memory or badger
	Paths         []string `yaml:"paths,omitempty"`
	MinimumFreeGB uint64   `yaml:"minimumFreeGB"`
	Compression   string   `yaml:"compression"`
	SyncWrites    bool     `yaml:"syncWrites"`

	// GCInterval is how often a badger store reclaims value log space.
	GCInterval time.Duration `yaml:"gcInterval"`

	Workers   int    `yaml:"workers"`
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
}

// Default returns the configuration used for absent fields.
func Default() Config {
	return Config{
		BlockSize:   4096,
		TotalBlocks: 1 << 20,
		Threshold:   10,
		Redundancy:  model.Ratio{Num: 1, Den: 2},
		Signature:   signature.SchemeEd25519.String(),
		Backend:     "badger",
		Compression: "none",
		GCInterval:  10 * time.Minute,
		LogLevel:    "info",
		LogFormat:   "text",
	}
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse yaml: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Save writes c as YAML to path, creating the directory if needed.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: encode yaml: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// AddPath appends a storage path unless it is already listed.
func (c *Config) AddPath(path string) bool {
	path = filepath.Clean(path)
	for _, p := range c.Paths {
		if filepath.Clean(p) == path {
			return false
		}
	}
	c.Paths = append(c.Paths, path)
	return true
}

// RemovePath drops every occurrence of path and reports whether there was
// one.
func (c *Config) RemovePath(path string) bool {
	path = filepath.Clean(path)
	kept := c.Paths[:0]
	for _, p := range c.Paths {
		if filepath.Clean(p) != path {
			kept = append(kept, p)
		}
	}
	removed := len(kept) != len(c.Paths)
	c.Paths = kept
	return removed
}

// Find returns the first search path containing FileName.
func Find(searchPaths []string) (string, error) {
	for _, dir := range searchPaths {
		p := filepath.Join(dir, FileName)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("config: no %s in %v: %w", FileName, searchPaths, os.ErrNotExist)
}

// SearchPaths are the default locations for the configuration file, most
// specific first.
func SearchPaths() []string {
	paths := []string{"."}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "rdfs"))
	}
	return append(paths, "/etc/rdfs")
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.BlockSize == 0 {
		c.BlockSize = d.BlockSize
	}
	if c.TotalBlocks == 0 {
		c.TotalBlocks = d.TotalBlocks
	}
	if c.Threshold == 0 {
		c.Threshold = d.Threshold
	}
	if c.Redundancy.Den == 0 {
		c.Redundancy = d.Redundancy
	}
	if c.Signature == "" {
		c.Signature = d.Signature
	}
	if c.Backend == "" {
		c.Backend = d.Backend
	}
	if c.Compression == "" {
		c.Compression = d.Compression
	}
	if c.GCInterval == 0 {
		c.GCInterval = d.GCInterval
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
}

// Validate checks the fields that do not touch the file system.
func (c Config) Validate() error {
	scheme, err := signature.ParseScheme(c.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.TotalBlocks <= uint64(model.FirstFreeID) {
		return fmt.Errorf("%w: totalBlocks %d leaves no free blocks", ErrInvalid, c.TotalBlocks)
	}
	if c.Threshold == 0 {
		return fmt.Errorf("%w: threshold must be > 0", ErrInvalid)
	}
	if !c.Redundancy.Valid() {
		return fmt.Errorf("%w: redundancy %s", ErrInvalid, c.Redundancy)
	}
	if uint64(c.Threshold)+c.Redundancy.CeilMul(c.Threshold) > 256 {
		return fmt.Errorf("%w: threshold %d with redundancy %s exceeds 256 symbols", ErrInvalid, c.Threshold, c.Redundancy)
	}
	if uint64(c.BlockSize) <= uint64(20+scheme.Size()) {
		return fmt.Errorf("%w: blockSize %d leaves no payload under %s", ErrInvalid, c.BlockSize, scheme)
	}
	if c.GCInterval < 0 {
		return fmt.Errorf("%w: gcInterval %s", ErrInvalid, c.GCInterval)
	}
	if _, err := blockstore.ParseCompression(c.Compression); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch c.Backend {
	case "memory":
	case "badger":
		if len(c.Paths) == 0 {
			return fmt.Errorf("%w: badger backend needs at least one path", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalid, c.Backend)
	}
	return nil
}

// Scheme returns the configured signature scheme.
func (c Config) Scheme() signature.Scheme {
	s, _ := signature.ParseScheme(c.Signature)
	return s
}
