// Package config loads the persistence runtime's configuration surface via
// viper, grounded on BeadsLog's internal/config.Initialize, generalized
// from a CLI-flag-bound singleton to a root-scoped loader a PersistApp owns
// for the lifetime of one open root.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// SnapshotPolicy is the snapshot.* configuration surface.
type SnapshotPolicy struct {
	EveryNEvents               int `mapstructure:"every_n_events" json:"every_n_events"`
	EveryTMS                   int `mapstructure:"every_t_ms" json:"every_t_ms"`
	BackgroundWorkerIntervalMS int `mapstructure:"background_worker_interval_ms" json:"background_worker_interval_ms"`
}

// ConflictRetryPolicy is the conflict_retry.* configuration surface.
type ConflictRetryPolicy struct {
	MaxAttempts     int  `mapstructure:"max_attempts" json:"max_attempts"`
	BaseBackoffMS   int  `mapstructure:"base_backoff_ms" json:"base_backoff_ms"`
	MaxBackoffMS    int  `mapstructure:"max_backoff_ms" json:"max_backoff_ms"`
	RetryWriteWrite bool `mapstructure:"retry_write_write" json:"retry_write_write"`
}

// ReplicationPolicy is the replication.* configuration surface, plus the
// ack_timeout_ms field this module adds to bound how long a quorum write
// waits for follower acks before giving up.
type ReplicationPolicy struct {
	RequireQuorum       bool `mapstructure:"require_quorum" json:"require_quorum"`
	EnforceEpochFencing bool `mapstructure:"enforce_epoch_fencing" json:"enforce_epoch_fencing"`
	AckTimeoutMS        int  `mapstructure:"ack_timeout_ms" json:"ack_timeout_ms"`
}

// Policy is the full PersistAppPolicy configuration surface.
type Policy struct {
	Snapshot            SnapshotPolicy      `mapstructure:"snapshot" json:"snapshot"`
	ConflictRetry       ConflictRetryPolicy `mapstructure:"conflict_retry" json:"conflict_retry"`
	MaxInflightCommands int                 `mapstructure:"max_inflight_commands" json:"max_inflight_commands"`
	Replication         ReplicationPolicy   `mapstructure:"replication" json:"replication"`
}

// Default returns the out-of-the-box policy that Load overlays config.yaml
// and PERSIST_ environment variables onto.
func Default() Policy {
	return Policy{
		Snapshot: SnapshotPolicy{
			EveryNEvents: 500,
			EveryTMS:     30_000,
		},
		ConflictRetry: ConflictRetryPolicy{
			MaxAttempts:     5,
			BaseBackoffMS:   20,
			MaxBackoffMS:    1_000,
			RetryWriteWrite: true,
		},
		MaxInflightCommands: 64,
		Replication: ReplicationPolicy{
			RequireQuorum:       true,
			EnforceEpochFencing: true,
			AckTimeoutMS:        2_000,
		},
	}
}

// Load reads an optional YAML policy document at <root>/config.yaml,
// overlaying it onto Default() and binding PERSIST_-prefixed environment
// variables, mirroring BeadsLog's viper precedence (file, then env).
func Load(root string) (Policy, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	def := Default()
	v.SetDefault("snapshot.every_n_events", def.Snapshot.EveryNEvents)
	v.SetDefault("snapshot.every_t_ms", def.Snapshot.EveryTMS)
	v.SetDefault("snapshot.background_worker_interval_ms", def.Snapshot.BackgroundWorkerIntervalMS)
	v.SetDefault("conflict_retry.max_attempts", def.ConflictRetry.MaxAttempts)
	v.SetDefault("conflict_retry.base_backoff_ms", def.ConflictRetry.BaseBackoffMS)
	v.SetDefault("conflict_retry.max_backoff_ms", def.ConflictRetry.MaxBackoffMS)
	v.SetDefault("conflict_retry.retry_write_write", def.ConflictRetry.RetryWriteWrite)
	v.SetDefault("max_inflight_commands", def.MaxInflightCommands)
	v.SetDefault("replication.require_quorum", def.Replication.RequireQuorum)
	v.SetDefault("replication.enforce_epoch_fencing", def.Replication.EnforceEpochFencing)
	v.SetDefault("replication.ack_timeout_ms", def.Replication.AckTimeoutMS)

	v.SetEnvPrefix("PERSIST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	configPath := filepath.Join(root, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Policy{}, fmt.Errorf("failed to read config %q: %w", configPath, err)
		}
	}

	var p Policy
	if err := v.Unmarshal(&p); err != nil {
		return Policy{}, fmt.Errorf("failed to decode policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate enforces the §6 configuration surface's numeric bounds.
func (p Policy) Validate() error {
	if p.Snapshot.EveryNEvents < 1 {
		return fmt.Errorf("snapshot.every_n_events must be >= 1, got %d", p.Snapshot.EveryNEvents)
	}
	if p.Snapshot.EveryTMS < 10 {
		return fmt.Errorf("snapshot.every_t_ms must be >= 10, got %d", p.Snapshot.EveryTMS)
	}
	if p.ConflictRetry.MaxAttempts < 1 {
		return fmt.Errorf("conflict_retry.max_attempts must be >= 1, got %d", p.ConflictRetry.MaxAttempts)
	}
	if p.MaxInflightCommands < 1 {
		return fmt.Errorf("max_inflight_commands must be >= 1, got %d", p.MaxInflightCommands)
	}
	return nil
}

// SnapshotWorkerEnabled reports whether a background snapshot worker
// should be spawned.
func (p Policy) SnapshotWorkerEnabled() bool {
	return p.Snapshot.BackgroundWorkerIntervalMS > 0
}

func (p SnapshotPolicy) EveryT() time.Duration {
	return time.Duration(p.EveryTMS) * time.Millisecond
}

func (p ReplicationPolicy) AckTimeout() time.Duration {
	return time.Duration(p.AckTimeoutMS) * time.Millisecond
}

// Watcher wakes a reload callback whenever <root>/config.yaml changes on
// disk, so a second process editing quorum overrides or retry tuning takes
// effect without a restart.
type Watcher struct {
	fw *fsnotify.Watcher
}

// WatchConfig starts watching <root>/config.yaml (and root itself, so a
// create-then-rename editor save is still observed) and invokes onChange
// with the freshly reloaded Policy whenever the file changes. Reload
// errors are passed to onError rather than stopping the watcher. The
// returned Watcher must be closed when no longer needed.
func WatchConfig(root string, onChange func(Policy), onError func(error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to start config watcher: %w", err)
	}
	if err := fw.Add(root); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", root, err)
	}

	configPath := filepath.Join(root, "config.yaml")
	go func() {
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if ev.Name != configPath {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				p, err := Load(root)
				if err != nil {
					onError(err)
					continue
				}
				onChange(p)
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				onError(err)
			}
		}
	}()

	return &Watcher{fw: fw}, nil
}

// Close stops the watcher goroutine.
func (w *Watcher) Close() error {
	return w.fw.Close()
}
