package pool

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Tier orders processes by how likely they are to serve the next request.
type Tier uint8

const (
	// Cold processes are spawned on demand when nothing else is free.
	Cold Tier = iota
	// Warm processes are spare capacity with no genome bound.
	Warm
	// Hot processes hold a bound genome.
	Hot
)

// Tiers lists every tier from coldest to hottest.
var Tiers = []Tier{Cold, Warm, Hot}

func (t Tier) String() string {
	switch t {
	case Cold:
		return "cold"
	case Warm:
		return "warm"
	case Hot:
		return "hot"
	}
	return fmt.Sprintf("tier(%d)", uint8(t))
}

// ParseTier maps a tier name to a Tier.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cold":
		return Cold, nil
	case "warm":
		return Warm, nil
	case "hot":
		return Hot, nil
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

type tierEvent uint8

const (
	tierBind tierEvent = iota
	tierUnbind
)

// tierMoves is the promotion/demotion table. Binding promotes any process to
// Hot; unbinding demotes a Hot process to Warm and leaves the others alone.
var tierMoves = map[tierEvent]map[Tier]Tier{
	tierBind:   {Cold: Hot, Warm: Hot, Hot: Hot},
	tierUnbind: {Cold: Cold, Warm: Warm, Hot: Warm},
}

func moveTier(t Tier, ev tierEvent) Tier { return tierMoves[ev][t] }

// TierLimits bounds how many processes a tier keeps. Min is maintained by
// the health loop; Max caps processes spawned directly into the tier
// (0 means no per-tier cap).
type TierLimits struct {
	Min int `json:"min" yaml:"min" toml:"min"`
	Max int `json:"max" yaml:"max" toml:"max"`
}

// Config is the pool's explicit configuration. Zero durations select the
// defaults below.
type Config struct {
	Tiers          map[Tier]TierLimits
	MaxProcesses   int
	SpawnTimeout   time.Duration
	LoadTimeout    time.Duration
	AcquireTimeout time.Duration
	ShutdownGrace  time.Duration
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	StartupGrace   time.Duration
	// RetryBudget is how many consecutive spawn or terminate failures the
	// pool absorbs before it reports itself degraded.
	RetryBudget int
	// SpoolDir receives composite adapter artifacts. Empty means a
	// temporary directory owned by the pool.
	SpoolDir string
}

const (
	defaultMaxProcesses   = 4
	defaultSpawnTimeout   = 10 * time.Second
	defaultLoadTimeout    = 30 * time.Second
	defaultAcquireTimeout = 30 * time.Second
	defaultShutdownGrace  = 5 * time.Second
	defaultHealthInterval = 10 * time.Second
	defaultHealthTimeout  = 2 * time.Second
	defaultStartupGrace   = 60 * time.Second
	defaultRetryBudget    = 5
)

func (c Config) withDefaults() Config {
	if c.MaxProcesses <= 0 {
		c.MaxProcesses = defaultMaxProcesses
	}
	setDur := func(d *time.Duration, def time.Duration) {
		if *d <= 0 {
			*d = def
		}
	}
	setDur(&c.SpawnTimeout, defaultSpawnTimeout)
	setDur(&c.LoadTimeout, defaultLoadTimeout)
	setDur(&c.AcquireTimeout, defaultAcquireTimeout)
	setDur(&c.ShutdownGrace, defaultShutdownGrace)
	setDur(&c.HealthInterval, defaultHealthInterval)
	setDur(&c.HealthTimeout, defaultHealthTimeout)
	setDur(&c.StartupGrace, defaultStartupGrace)
	if c.RetryBudget <= 0 {
		c.RetryBudget = defaultRetryBudget
	}
	tiers := make(map[Tier]TierLimits, len(c.Tiers))
	for t, l := range c.Tiers {
		tiers[t] = l
	}
	c.Tiers = tiers
	return c
}

// Validate reports configurations the pool cannot honor.
func (c Config) Validate() error {
	c = c.withDefaults()
	var errs []error
	total := 0
	for t, l := range c.Tiers {
		if l.Min < 0 || l.Max < 0 {
			errs = append(errs, fmt.Errorf("tier %s: negative limits", t))
		}
		if l.Max > 0 && l.Min > l.Max {
			errs = append(errs, fmt.Errorf("tier %s: min %d exceeds max %d", t, l.Min, l.Max))
		}
		total += l.Min
	}
	if total > c.MaxProcesses {
		errs = append(errs, fmt.Errorf("tier minimums total %d, max processes %d", total, c.MaxProcesses))
	}
	return errors.Join(errs...)
}
