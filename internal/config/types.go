package config

import (
	"fmt"
	"time"

	"remindkit/internal/localstore"
	"remindkit/internal/recompute"
	"remindkit/internal/remote"
	"remindkit/internal/syncqueue"
	logx "remindkit/pkg/logx"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// LocalStore holds the device-local queue document and declined markers.
	LocalStore LocalStoreConfig `json:"local_store,omitempty"`

	// Remote selects the reminder document backend.
	Remote RemoteConfig `json:"remote"`

	Queue     QueueConfig     `json:"queue"`
	Writer    WriterConfig    `json:"writer,omitempty"`
	Recompute RecomputeConfig `json:"recompute,omitempty"`
	Jobs      JobsConfig      `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

func (c LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

// LocalStoreConfig selects the local persistence driver.
// An empty or "none" driver disables local persistence (and with it the
// offline queue).
type LocalStoreConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

func (c LocalStoreConfig) Materialize() (localstore.Config, error) {
	busy, err := ParseDurationField("local_store.busy_timeout", c.BusyTimeout)
	if err != nil {
		return localstore.Config{}, err
	}
	return localstore.Config{
		Driver:      c.Driver,
		Path:        c.Path,
		BusyTimeout: busy,
	}, nil
}

// RemoteConfig selects the reminder document backend.
//
// Example:
//
//	"remote": { "driver": "sqlite", "path": "./remindkit.db" }
type RemoteConfig struct {
	Driver      string `json:"driver"` // "memory" or "sqlite"
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// QueueConfig controls the offline timezone-change queue.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type QueueConfig struct {
	Enabled       bool   `json:"enabled"`
	MaxItems      int    `json:"max_items,omitempty"`
	MaxAttempts   int    `json:"max_attempts,omitempty"`
	ItemDelay     string `json:"item_delay,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

func (c QueueConfig) Materialize() (syncqueue.Config, error) {
	delay, err := ParseDurationField("queue.item_delay", c.ItemDelay)
	if err != nil {
		return syncqueue.Config{}, err
	}
	base, err := ParseDurationField("queue.retry_base", c.RetryBase)
	if err != nil {
		return syncqueue.Config{}, err
	}
	maxDelay, err := ParseDurationField("queue.retry_max_delay", c.RetryMaxDelay)
	if err != nil {
		return syncqueue.Config{}, err
	}
	return syncqueue.Config{
		Enabled:       c.Enabled,
		MaxItems:      c.MaxItems,
		MaxAttempts:   c.MaxAttempts,
		ItemDelay:     delay,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}, nil
}

// WriterConfig controls idempotent reminder creation.
type WriterConfig struct {
	MappingTTL       string `json:"mapping_ttl,omitempty"` // Go duration string
	RetryMaxAttempts int    `json:"retry_max_attempts,omitempty"`
	RetryBase        string `json:"retry_base,omitempty"`
	RetryMaxDelay    string `json:"retry_max_delay,omitempty"`
}

func (c WriterConfig) MappingTTLDuration() (time.Duration, error) {
	return ParseDurationField("writer.mapping_ttl", c.MappingTTL)
}

func (c WriterConfig) RetryPolicy() (remote.RetryPolicy, error) {
	base, err := ParseDurationField("writer.retry_base", c.RetryBase)
	if err != nil {
		return remote.RetryPolicy{}, err
	}
	maxDelay, err := ParseDurationField("writer.retry_max_delay", c.RetryMaxDelay)
	if err != nil {
		return remote.RetryPolicy{}, err
	}
	return remote.RetryPolicy{
		MaxAttempts: c.RetryMaxAttempts,
		Base:        base,
		MaxDelay:    maxDelay,
	}, nil
}

type RecomputeConfig struct {
	ClientCeiling int `json:"client_ceiling,omitempty"`
	BatchSize     int `json:"batch_size,omitempty"`
}

func (c RecomputeConfig) Materialize() recompute.Config {
	return recompute.Config{
		ClientCeiling: c.ClientCeiling,
		BatchSize:     c.BatchSize,
	}
}

// JobsConfig holds cron specs for the periodic jobs.
//
// Defaults (when omitted):
//   - flush_spec: "@every 1m"   (queue flush)
//   - sweep_spec: "@every 1h"   (expired idempotency-mapping sweep)
type JobsConfig struct {
	FlushSpec string `json:"flush_spec,omitempty"`
	SweepSpec string `json:"sweep_spec,omitempty"`
}

func (c JobsConfig) FlushSpecOrDefault() string {
	if c.FlushSpec == "" {
		return "@every 1m"
	}
	return c.FlushSpec
}

func (c JobsConfig) SweepSpecOrDefault() string {
	if c.SweepSpec == "" {
		return "@every 1h"
	}
	return c.SweepSpec
}

// Validate performs cheap structural checks that don't need collaborators.
func (c *Config) Validate() error {
	switch c.Remote.Driver {
	case "", "memory", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("remote.driver: unknown driver %q", c.Remote.Driver)
	}
	if (c.Remote.Driver == "sqlite" || c.Remote.Driver == "sqlite3") && c.Remote.Path == "" {
		return fmt.Errorf("remote.path is required for sqlite driver")
	}
	if c.Queue.Enabled && (c.LocalStore.Driver == "" || c.LocalStore.Driver == "none") {
		return fmt.Errorf("queue.enabled requires a local_store driver")
	}
	if _, err := c.LocalStore.Materialize(); err != nil {
		return err
	}
	if _, err := c.Queue.Materialize(); err != nil {
		return err
	}
	if _, err := c.Writer.MappingTTLDuration(); err != nil {
		return err
	}
	if _, err := c.Writer.RetryPolicy(); err != nil {
		return err
	}
	return nil
}
