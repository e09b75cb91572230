package core

import (
	"fmt"
	"strings"
	"time"
)

type WorkerConfig struct {
	Interval      time.Duration `koanf:"interval" mapstructure:"interval"`
	StartupJitter time.Duration `koanf:"startup_jitter" mapstructure:"startup_jitter"`
	BatchSize     int           `koanf:"batch_size" mapstructure:"batch_size"`
	BatchBudget   time.Duration `koanf:"batch_budget" mapstructure:"batch_budget"`
}

type RenewalConfig struct {
	Worker    WorkerConfig  `koanf:"worker" mapstructure:"worker"`
	Lookahead time.Duration `koanf:"lookahead" mapstructure:"lookahead"`
	// ClaimWindow is how long a renewal claim mark suppresses re-selection of
	// the same row by concurrent instances.
	ClaimWindow time.Duration `koanf:"claim_window" mapstructure:"claim_window"`
	Duration    time.Duration `koanf:"duration" mapstructure:"duration"`
	Price       int64         `koanf:"price" mapstructure:"price"`
}

type ActivationConfig struct {
	Worker      WorkerConfig `koanf:"worker" mapstructure:"worker"`
	MaxAttempts int          `koanf:"max_attempts" mapstructure:"max_attempts"`
}

type ReconcileConfig struct {
	Worker WorkerConfig `koanf:"worker" mapstructure:"worker"`
	// GraceWindow protects credentials committed after the scanner snapshot.
	GraceWindow time.Duration `koanf:"grace_window" mapstructure:"grace_window"`
}

type CleanupConfig struct {
	MaxAttempts    int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `koanf:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff" mapstructure:"max_backoff"`
}

type Config struct {
	ServiceName string           `koanf:"service_name" mapstructure:"service_name"`
	Renewal     RenewalConfig    `koanf:"renewal" mapstructure:"renewal"`
	Expiry      WorkerConfig     `koanf:"expiry" mapstructure:"expiry"`
	Activation  ActivationConfig `koanf:"activation" mapstructure:"activation"`
	Reconcile   ReconcileConfig  `koanf:"reconcile" mapstructure:"reconcile"`
	Cleanup     CleanupConfig    `koanf:"cleanup" mapstructure:"cleanup"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "entitlements",
		Renewal: RenewalConfig{
			Worker: WorkerConfig{
				Interval:      5 * time.Minute,
				StartupJitter: time.Minute,
				BatchSize:     100,
				BatchBudget:   time.Minute,
			},
			Lookahead:   24 * time.Hour,
			ClaimWindow: 10 * time.Minute,
			Duration:    30 * 24 * time.Hour,
			Price:       1000,
		},
		Expiry: WorkerConfig{
			Interval:      time.Minute,
			StartupJitter: time.Minute,
			BatchSize:     200,
			BatchBudget:   time.Minute,
		},
		Activation: ActivationConfig{
			Worker: WorkerConfig{
				Interval:      time.Minute,
				StartupJitter: 30 * time.Second,
				BatchSize:     50,
				BatchBudget:   30 * time.Second,
			},
			MaxAttempts: 5,
		},
		Reconcile: ReconcileConfig{
			Worker: WorkerConfig{
				Interval:      time.Hour,
				StartupJitter: 5 * time.Minute,
				BatchSize:     500,
				BatchBudget:   5 * time.Minute,
			},
			GraceWindow: time.Hour,
		},
		Cleanup: CleanupConfig{
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Renewal.Duration < 0 {
		return fmt.Errorf("core: renewal.duration must not be negative")
	}
	if c.Renewal.Price < 0 {
		return fmt.Errorf("core: renewal.price must not be negative")
	}
	if c.Activation.MaxAttempts < 0 {
		return fmt.Errorf("core: activation.max_attempts must not be negative")
	}
	if c.Reconcile.GraceWindow < 0 {
		return fmt.Errorf("core: reconcile.grace_window must not be negative")
	}
	return nil
}
