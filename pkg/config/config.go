// Package config loads the process-wide configuration recognized by
// portage: worker sizing, the database path, the hash algorithm, and
// scan defaults. Bucket definitions may be declared in the same YAML
// document for bootstrapping a fresh store.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/portage/pkg/types"
)

// BucketDef declares a bucket for bootstrapping a fresh store directly
// from the configuration document.
type BucketDef struct {
	Name          string   `yaml:"name"`
	SourceFolders []string `yaml:"sourceFolders"`
	DestFolder    string   `yaml:"destFolder"`
	WorkerCount   int      `yaml:"workerCount"`
}

// Config is the recognized process-wide configuration surface.
type Config struct {
	WorkerDefaultCount int                 `yaml:"workerDefaultCount"`
	WorkerMaxCount     int                 `yaml:"workerMaxCount"`
	DatabasePath       string              `yaml:"databasePath"`
	HashAlgorithm      types.HashAlgorithm `yaml:"hashAlgorithm"`
	CopyBufferSize     int                 `yaml:"copyBufferSize"`
	ScanIgnorePatterns []string            `yaml:"scanIgnorePatterns"`
	ScanRecursive      bool                `yaml:"scanRecursive"`
	FastPathSizeMatch  bool                `yaml:"fastPathSizeMatch"`

	Buckets []BucketDef `yaml:"buckets"`
}

// Default returns the zero-config defaults used when no YAML document
// overrides a field.
func Default() Config {
	return Config{
		WorkerDefaultCount: 4,
		WorkerMaxCount:     16,
		DatabasePath:       "portage.db",
		HashAlgorithm:      types.HashSHA256,
		CopyBufferSize:     256 * 1024,
		ScanRecursive:      true,
		FastPathSizeMatch:  false,
	}
}

// Load reads and validates a YAML configuration document at path,
// filling unset fields from Default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that hashAlgorithm is one of the three recognized
// values, and that worker counts are positive and bounded by
// workerMaxCount.
func (c Config) Validate() error {
	switch c.HashAlgorithm {
	case types.HashSHA256, types.HashXXHash64, types.HashXXHash3:
	default:
		return fmt.Errorf("config: unrecognized hashAlgorithm %q", c.HashAlgorithm)
	}
	if c.WorkerDefaultCount <= 0 {
		return fmt.Errorf("config: workerDefaultCount must be positive, got %d", c.WorkerDefaultCount)
	}
	if c.WorkerMaxCount <= 0 {
		return fmt.Errorf("config: workerMaxCount must be positive, got %d", c.WorkerMaxCount)
	}
	if c.WorkerDefaultCount > c.WorkerMaxCount {
		return fmt.Errorf("config: workerDefaultCount (%d) exceeds workerMaxCount (%d)", c.WorkerDefaultCount, c.WorkerMaxCount)
	}
	for _, b := range c.Buckets {
		if b.WorkerCount > c.WorkerMaxCount {
			return fmt.Errorf("config: bucket %q workerCount (%d) exceeds workerMaxCount (%d)", b.Name, b.WorkerCount, c.WorkerMaxCount)
		}
	}
	return nil
}
