package loom

import "time"

// Default configuration values.
const (
	// DefaultZombieThreshold is the heartbeat staleness after which an
	// ACTIVE UOW is reclaimed.
	DefaultZombieThreshold = 300 * time.Second

	// DefaultZombiePeriod is the zombie sweeper tick interval.
	DefaultZombiePeriod = 60 * time.Second

	// DefaultMemoryRetention is the role-memory decay horizon.
	DefaultMemoryRetention = 90 * 24 * time.Hour

	// DefaultPilotTimeout bounds WaitForPilot; expiry counts as rejection.
	DefaultPilotTimeout = 300 * time.Second
)

// DefaultHighRiskStatuses is the pilot gate applied when Options leaves
// HighRiskStatuses nil: terminal transitions require approval.
var DefaultHighRiskStatuses = []Status{StatusCompleted, StatusFailed}

// Options configures Engine behavior.
//
// Zero values are valid - the Engine will use sensible defaults.
type Options struct {
	// ZombieThreshold is the heartbeat staleness that marks an ACTIVE UOW
	// as a zombie. Zero means DefaultZombieThreshold.
	ZombieThreshold time.Duration

	// MemoryRetention is the decay horizon for role-attribute memories.
	// Zero means DefaultMemoryRetention.
	MemoryRetention time.Duration

	// PilotTimeout bounds pilot-approval waits. Zero means
	// DefaultPilotTimeout.
	PilotTimeout time.Duration

	// HighRiskStatuses gates SaveWithPilotCheck. Nil means
	// DefaultHighRiskStatuses; an empty non-nil slice disables the gate.
	HighRiskStatuses []Status

	// MaxInteractions is the per-UOW interaction budget applied at
	// instantiation. Hitting the budget parks the UOW in ZOMBIED_SOFT
	// awaiting pilot clarification. Zero means unlimited.
	MaxInteractions int
}

func (o Options) zombieThreshold() time.Duration {
	if o.ZombieThreshold > 0 {
		return o.ZombieThreshold
	}
	return DefaultZombieThreshold
}

func (o Options) memoryRetention() time.Duration {
	if o.MemoryRetention > 0 {
		return o.MemoryRetention
	}
	return DefaultMemoryRetention
}

func (o Options) pilotTimeout() time.Duration {
	if o.PilotTimeout > 0 {
		return o.PilotTimeout
	}
	return DefaultPilotTimeout
}

func (o Options) highRiskStatuses() []Status {
	if o.HighRiskStatuses == nil {
		return DefaultHighRiskStatuses
	}
	return o.HighRiskStatuses
}
