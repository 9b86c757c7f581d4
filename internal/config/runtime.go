package config

import (
	"genomed/internal/assembler"
	"genomed/internal/composer"
	"genomed/internal/layer"
	"genomed/internal/pool"
)

// PoolSettings maps the pool section onto pool.Config.
func (c Config) PoolSettings() pool.Config {
	p := c.Pool
	return pool.Config{
		Tiers: map[pool.Tier]pool.TierLimits{
			pool.Hot:  {Min: p.Hot.Min, Max: p.Hot.Max},
			pool.Warm: {Min: p.Warm.Min, Max: p.Warm.Max},
			pool.Cold: {Min: p.Cold.Min, Max: p.Cold.Max},
		},
		MaxProcesses:   p.MaxProcesses,
		SpawnTimeout:   p.SpawnTimeout.D(),
		LoadTimeout:    p.LoadTimeout.D(),
		AcquireTimeout: p.AcquireTimeout.D(),
		ShutdownGrace:  p.ShutdownGrace.D(),
		HealthInterval: p.HealthInterval.D(),
		HealthTimeout:  p.HealthTimeout.D(),
		StartupGrace:   p.StartupGrace.D(),
		RetryBudget:    p.RetryBudget,
		SpoolDir:       p.SpoolDir,
	}
}

// AssembleOptions maps the assembly section onto assembler.Options.
func (c Config) AssembleOptions() assembler.Options {
	return assembler.Options{
		Load:    layer.LoadOptions{SkipVerify: c.Assembly.SkipVerify},
		Compose: composer.Options{DisableNormalize: c.Assembly.DisableNormalize},
	}
}

// CacheBudgetBytes returns the cache budget in bytes.
func (c Config) CacheBudgetBytes() int64 { return c.CacheBudgetMB << 20 }
