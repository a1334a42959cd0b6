// Package monconfig loads the monitor's flat configuration map (spec.md
// §6 "Environment") from a YAML file, lets data_dir, monmap_path, name,
// bind_addr and the four timeout durations be overridden by environment
// variables (t_slurp, paxos_trim_min and features come only from the
// file), and validates it before a Monitor is constructed.
package monconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/hyc/ceph/internal/monerr"
)

// Config is the monitor's static configuration.
type Config struct {
	DataDir  string `json:"data_dir"`
	MonmapPath string `json:"monmap_path"`
	Name     string `json:"name"`
	BindAddr string `json:"bind_addr"`

	ProbeTimeout    time.Duration `json:"-"`
	ElectionTimeout time.Duration `json:"-"`
	LeaseTimeout    time.Duration `json:"-"`
	SyncTimeout     time.Duration `json:"-"`

	// TSlurp is the version-gap threshold beyond which a peer is sent to
	// slurp instead of being caught up by paxos recovery replay.
	TSlurp uint64 `json:"t_slurp"`

	// PaxosTrimMin is the minimum number of committed-but-unneeded
	// versions retained before trim runs (spec.md §8 scenario 6).
	PaxosTrimMin uint64 `json:"paxos_trim_min"`

	Features []string `json:"features"`

	// raw duration strings, parsed by Load.
	ProbeTimeoutRaw    string `json:"probe_timeout"`
	ElectionTimeoutRaw string `json:"election_timeout"`
	LeaseTimeoutRaw    string `json:"lease_timeout"`
	SyncTimeoutRaw     string `json:"sync_timeout"`
}

// LeaseRenew is the lease-renewal cadence decided in DESIGN.md for the
// open question of renewal vs. election_timeout: election_timeout / 5.
func (c Config) LeaseRenew() time.Duration {
	return c.ElectionTimeout / 5
}

const envPrefix = "CEPH_MON_"

// Load reads a YAML config file, applies CEPH_MON_<KEY> environment
// overrides (upper-cased dotted-to-underscore key names), parses duration
// fields, and validates the result.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("%w: reading %s: %v", monerr.ErrConfigInvalid, path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parsing %s: %v", monerr.ErrConfigInvalid, path, err)
		}
	}
	applyEnvOverrides(&cfg)
	if err := cfg.parseDurations(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	override := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	override("DATA_DIR", &cfg.DataDir)
	override("MONMAP_PATH", &cfg.MonmapPath)
	override("NAME", &cfg.Name)
	override("BIND_ADDR", &cfg.BindAddr)
	override("PROBE_TIMEOUT", &cfg.ProbeTimeoutRaw)
	override("ELECTION_TIMEOUT", &cfg.ElectionTimeoutRaw)
	override("LEASE_TIMEOUT", &cfg.LeaseTimeoutRaw)
	override("SYNC_TIMEOUT", &cfg.SyncTimeoutRaw)
}

func (c *Config) parseDurations() error {
	defaults := map[string]string{
		"probe_timeout":    "2s",
		"election_timeout": "5s",
		"lease_timeout":    "10s",
		"sync_timeout":     "30s",
	}
	set := func(raw string, key string, dst *time.Duration) error {
		if raw == "" {
			raw = defaults[key]
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", monerr.ErrConfigInvalid, key, raw, err)
		}
		*dst = d
		return nil
	}
	if err := set(c.ProbeTimeoutRaw, "probe_timeout", &c.ProbeTimeout); err != nil {
		return err
	}
	if err := set(c.ElectionTimeoutRaw, "election_timeout", &c.ElectionTimeout); err != nil {
		return err
	}
	if err := set(c.LeaseTimeoutRaw, "lease_timeout", &c.LeaseTimeout); err != nil {
		return err
	}
	if err := set(c.SyncTimeoutRaw, "sync_timeout", &c.SyncTimeout); err != nil {
		return err
	}
	if c.TSlurp == 0 {
		c.TSlurp = 500
	}
	if c.PaxosTrimMin == 0 {
		c.PaxosTrimMin = 500
	}
	return nil
}

// Validate checks required fields, returning monerr.ErrConfigInvalid wrapped with
// the offending field.
func (c Config) Validate() error {
	var missing []string
	if c.DataDir == "" {
		missing = append(missing, "data_dir")
	}
	if c.Name == "" {
		missing = append(missing, "name")
	}
	if c.BindAddr == "" {
		missing = append(missing, "bind_addr")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required fields: %s", monerr.ErrConfigInvalid, strings.Join(missing, ", "))
	}
	return nil
}
