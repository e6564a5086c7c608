package loom

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/loomworks/loom/loom/emit"
)

// RunZombieProtocol reclaims ACTIVE UOWs whose heartbeat is older than the
// threshold: each zombie fails with a `_zombie` attribute naming the stale
// holder, its heartbeat lock clears, and it routes to the remediation (TAU)
// inbound queue when the workflow has one. A non-positive threshold uses
// the configured default. Returns the number reclaimed.
func (e *Engine) RunZombieProtocol(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		threshold = e.opts.zombieThreshold()
	}
	cutoff := e.now().UTC().Add(-threshold)
	zombies, err := e.store.FindZombies(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for i := range zombies {
		u := &zombies[i]
		spec := UpdateSpec{
			UOWID:     u.ID,
			NewStatus: StatusFailed,
			Payload: map[string]any{
				ZombieKey: map[string]any{
					"stale_actor":    u.LockedBy,
					"last_heartbeat": heartbeatString(u.LastHeartbeat),
					"reclaimed_at":   e.now().UTC().Format(time.RFC3339Nano),
				},
			},
			ActorID:        SystemActorID,
			Reasoning:      "Zombie reclaim: heartbeat expired",
			ClearHeartbeat: true,
			// The holder may submit between the scan and the reclaim; the
			// precondition makes the reclaim lose cleanly.
			ExpectStatus: StatusActive,
		}
		tau, err := e.store.InboundInteractionForRoleType(ctx, u.WorkflowID, RoleTau)
		if err != nil {
			return reclaimed, err
		}
		if tau != "" {
			spec.NewInteraction = &tau
		}
		if _, err := e.store.UpdateState(ctx, spec); err != nil {
			if errors.Is(err, ErrNotLocked) {
				continue
			}
			return reclaimed, err
		}
		e.noteChildTerminal(ctx, u)
		e.metrics.CountTransition(StatusActive, StatusFailed)
		e.emitEvent("uow_zombie_reclaimed", map[string]any{
			"uow_id":      u.ID,
			"stale_actor": u.LockedBy,
		})
		e.record(emit.Entry{
			InstanceID: u.InstanceID,
			UOWID:      u.ID,
			Type:       emit.LogStateTransition,
			Message:    "zombie reclaimed",
			Detail:     map[string]any{"stale_actor": u.LockedBy},
		})
		reclaimed++
	}

	e.metrics.CountZombieReclaims(reclaimed)
	return reclaimed, nil
}

func heartbeatString(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// RunMemoryDecay deletes role-memory records not accessed within the
// retention horizon. Never-accessed and toxic records are exempt (toxic
// records are kept as a permanent exclusion list). A non-positive retention
// uses the configured default. Returns the number deleted.
func (e *Engine) RunMemoryDecay(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		retention = e.opts.memoryRetention()
	}
	cutoff := e.now().UTC().Add(-retention)
	decayed, err := e.store.DecayRoleAttributes(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if decayed > 0 {
		e.emitEvent("memory_decayed", map[string]any{"count": decayed})
	}
	e.metrics.CountMemoryDecayed(decayed)
	return decayed, nil
}

// MarkMemoryToxic flags a harvested memory as poisoned. Toxic records are
// excluded from every retrieval and survive decay, so the bad learning
// cannot be re-harvested into a fresh record unnoticed.
func (e *Engine) MarkMemoryToxic(ctx context.Context, attributeID, pilotID, reason string) error {
	if err := e.store.SetRoleAttributeToxic(ctx, attributeID, true); err != nil {
		return err
	}
	e.emitEvent("memory_marked_toxic", map[string]any{
		"attribute_id": attributeID,
		"pilot_id":     pilotID,
		"reason":       reason,
	})
	return nil
}

// Sweeper runs the periodic maintenance loops: zombie reclaim, memory
// decay, and telemetry flushing.
type Sweeper struct {
	engine *Engine

	// ZombiePeriod is the reclaim tick interval. Zero means
	// DefaultZombiePeriod.
	ZombiePeriod time.Duration

	// DecayPeriod is the memory-decay tick interval. Zero means daily.
	DecayPeriod time.Duration

	// FlushPeriod is the telemetry drain interval. Zero means 5s.
	FlushPeriod time.Duration

	// FlushBatch bounds one telemetry drain. Zero means 256.
	FlushBatch int

	// OnError receives loop failures. Optional.
	OnError func(op string, err error)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper for the engine with default periods.
func NewSweeper(e *Engine) *Sweeper {
	return &Sweeper{engine: e}
}

// Start launches the background loops. Each loop ticks with a small random
// jitter so replicas sharing a store do not sweep in lockstep.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	zombiePeriod := s.ZombiePeriod
	if zombiePeriod <= 0 {
		zombiePeriod = DefaultZombiePeriod
	}
	decayPeriod := s.DecayPeriod
	if decayPeriod <= 0 {
		decayPeriod = 24 * time.Hour
	}
	flushPeriod := s.FlushPeriod
	if flushPeriod <= 0 {
		flushPeriod = 5 * time.Second
	}
	flushBatch := s.FlushBatch
	if flushBatch <= 0 {
		flushBatch = 256
	}

	s.loop(ctx, "zombie_protocol", zombiePeriod, func(ctx context.Context) error {
		_, err := s.engine.RunZombieProtocol(ctx, 0)
		return err
	})
	s.loop(ctx, "memory_decay", decayPeriod, func(ctx context.Context) error {
		_, err := s.engine.RunMemoryDecay(ctx, 0)
		return err
	})
	s.loop(ctx, "telemetry_flush", flushPeriod, func(ctx context.Context) error {
		_, err := s.engine.FlushTelemetry(ctx, flushBatch)
		return err
	})
}

// Stop cancels the loops and waits for them to exit, then drains any
// remaining telemetry.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		n, err := s.engine.FlushTelemetry(drainCtx, 256)
		if err != nil || n == 0 {
			return
		}
	}
}

func (s *Sweeper) loop(ctx context.Context, op string, period time.Duration, fn func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		jitter := time.Duration(rand.Int63n(int64(period / 10)))
		timer := time.NewTimer(period + jitter)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}

			if err := fn(ctx); err != nil && ctx.Err() == nil && s.OnError != nil {
				s.OnError(op, err)
			}

			jitter = time.Duration(rand.Int63n(int64(period / 10)))
			timer.Reset(period + jitter)
		}
	}()
}
