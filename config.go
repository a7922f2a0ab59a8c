package splitgill

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"
)

// Config wires a Client. The zero value gives an in-memory instance, which
// is what tests want; real deployments set Backend and DataDir.
type Config struct {
	// Backend selects the kv store: "memory", "pebble" or "tikv".
	// tikv reads its placement driver endpoint from PD_ENDPOINT.
	Backend string `json:"backend"`
	// DataDir is the pebble directory, required for the pebble backend.
	DataDir string `json:"data_dir"`

	// Bus selects event distribution: "solo" (in-process, the default) or
	// "nats". NatsURL points at the server for the nats bus; left empty, an
	// embedded server is started.
	Bus     string `json:"bus"`
	NatsURL string `json:"nats_url"`

	// LockTimeout bounds waits for commit and sync locks.
	LockTimeout time.Duration `json:"lock_timeout"`

	// Sync tunes the default sync behaviour.
	Sync SyncTuning `json:"sync"`
}

// SyncTuning mirrors the per-run sync knobs at config level.
type SyncTuning struct {
	Parallel    bool `json:"parallel"`
	WorkerCount int  `json:"worker_count"`
	BulkSize    int  `json:"bulk_size"`
}

// LoadConfig reads a yaml (or json) config file.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "reading config")
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parsing config")
	}
	return cfg, nil
}
