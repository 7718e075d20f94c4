// Package config loads and defaults the per-component configuration
// structs used across the core: the HSW index, the BM25 engine, the
// sharding router, and the replication manager.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/amuzetnoM/hektor/internal/distance"
)

// HSWConfig configures one HSW index instance. Dimension, Metric, M,
// EfConstruction, MaxElements, and Seed are immutable after
// construction; EfSearch is runtime-tunable.
type HSWConfig struct {
	Dimension      int             `json:"dimension" yaml:"dimension"`
	Metric         distance.Metric `json:"metric" yaml:"metric"`
	M              int             `json:"m" yaml:"m"`
	EfConstruction int             `json:"ef_construction" yaml:"ef_construction"`
	EfSearch       int             `json:"ef_search" yaml:"ef_search"`
	MaxElements    int             `json:"max_elements" yaml:"max_elements"`
	Seed           uint64          `json:"seed" yaml:"seed"`
	AllowReplace   bool            `json:"allow_replace" yaml:"allow_replace"`
}

func DefaultHSWConfig(dimension int, metric distance.Metric) HSWConfig {
	return HSWConfig{
		Dimension:      dimension,
		Metric:         metric,
		M:              16,
		EfConstruction: 200,
		EfSearch:       64,
		MaxElements:    1_000_000,
		Seed:           0,
		AllowReplace:   false,
	}
}

// BM25Config configures tokenization and ranking for one BM25 engine.
type BM25Config struct {
	K1            float64 `json:"k1" yaml:"k1"`
	B             float64 `json:"b" yaml:"b"`
	MinTokenLen   int     `json:"min_token_len" yaml:"min_token_len"`
	Lowercase     bool    `json:"lowercase" yaml:"lowercase"`
	StemmingLight bool    `json:"stemming_light" yaml:"stemming_light"`
}

func DefaultBM25Config() BM25Config {
	return BM25Config{
		K1:            1.2,
		B:             0.75,
		MinTokenLen:   2,
		Lowercase:     true,
		StemmingLight: true,
	}
}

// RouterConfig configures a sharding router.
type RouterConfig struct {
	Strategy             string `json:"strategy" yaml:"strategy"` // "hash", "range", "consistent"
	VirtualNodesPerShard int    `json:"virtual_nodes_per_shard" yaml:"virtual_nodes_per_shard"`
}

func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Strategy:             "consistent",
		VirtualNodesPerShard: 150,
	}
}

// ReplicationConfig configures a replication manager instance.
type ReplicationConfig struct {
	DurabilityMode       string   `json:"durability_mode" yaml:"durability_mode"` // none|async|semi_sync|sync
	MinReplicas          int      `json:"min_replicas" yaml:"min_replicas"`
	HeartbeatInterval    Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	FailoverPollInterval Duration `json:"failover_poll_interval" yaml:"failover_poll_interval"`
	SyncTimeout          Duration `json:"sync_timeout" yaml:"sync_timeout"`
}

func DefaultReplicationConfig() ReplicationConfig {
	return ReplicationConfig{
		DurabilityMode:       "async",
		MinReplicas:          1,
		HeartbeatInterval:    Duration(1_000_000_000), // 1s, expressed in ns
		FailoverPollInterval: Duration(1_000_000_000), // 1s
		SyncTimeout:          Duration(2_000_000_000), // 2s
	}
}

// Config is the root configuration for a distributed facade instance.
type Config struct {
	Dimension   int               `json:"dimension" yaml:"dimension"`
	Metric      distance.Metric   `json:"metric" yaml:"metric"`
	HSW         HSWConfig         `json:"hsw" yaml:"hsw"`
	BM25        BM25Config        `json:"bm25" yaml:"bm25"`
	Router      RouterConfig      `json:"router" yaml:"router"`
	Replication ReplicationConfig `json:"replication" yaml:"replication"`
}

// Load reads a Config from path, choosing the codec by file extension
// (.json or .yaml/.yml).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
