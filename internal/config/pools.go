package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PoolSpec describes one pool to track, as listed in pools.yaml.
type PoolSpec struct {
	// Address is the pool contract's on-chain address.
	Address string `yaml:"address"`

	// TrackedAsset is the jetton master address whose swaps against the
	// pool's base asset are counted toward user volume.
	TrackedAsset string `yaml:"tracked_asset"`

	// Active controls whether the backfill and live tail pick up this
	// pool. Defaults to true when omitted.
	Active *bool `yaml:"active,omitempty"`
}

// IsActive reports whether the pool should be indexed, defaulting to true.
func (p PoolSpec) IsActive() bool {
	return p.Active == nil || *p.Active
}

// PoolsManifest is the top-level shape of pools.yaml.
type PoolsManifest struct {
	Pools []PoolSpec `yaml:"pools"`
}

// LoadPools reads and parses a pools.yaml manifest. A missing file yields
// an empty manifest rather than an error, since a fresh deployment may
// add pools later via the out-of-scope admin surface.
func LoadPools(path string) (*PoolsManifest, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &PoolsManifest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pools manifest: %w", err)
	}

	var m PoolsManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse pools manifest: %w", err)
	}
	for i, p := range m.Pools {
		if p.Address == "" {
			return nil, fmt.Errorf("pools manifest entry %d missing address", i)
		}
		if p.TrackedAsset == "" {
			return nil, fmt.Errorf("pools manifest entry %d (%s) missing tracked_asset", i, p.Address)
		}
	}
	return &m, nil
}
