package loom

import (
	"context"
	"errors"
)

// Pilot overrides: the human escape hatches. Every override is recorded in
// the hash-chained history with the pilot's id and never increments the
// interaction counter.

// KillSwitch pauses every ACTIVE UOW in an instance. Returns the number of
// UOWs paused. Work already terminal or pending is untouched.
func (e *Engine) KillSwitch(ctx context.Context, instanceID, pilotID, reason string) (int, error) {
	if _, err := e.store.GetInstance(ctx, instanceID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, engErr(CodeNotFound, "instance "+instanceID+" does not exist", err)
		}
		return 0, err
	}

	active, err := e.store.FindByStatus(ctx, StatusActive, instanceID)
	if err != nil {
		return 0, err
	}

	paused := 0
	for i := range active {
		u := &active[i]
		_, err := e.store.UpdateState(ctx, UpdateSpec{
			UOWID:          u.ID,
			NewStatus:      StatusPaused,
			ActorID:        pilotID,
			Reasoning:      "Kill switch: " + reason,
			Event:          EventPilotOverride,
			ClearHeartbeat: true,
			EventPayload:   map[string]any{"pilot_id": pilotID, "reason": reason},
		})
		if err != nil {
			return paused, err
		}
		e.metrics.CountTransition(StatusActive, StatusPaused)
		paused++
	}

	e.emitEvent("pilot_kill_switch", map[string]any{
		"instance_id": instanceID,
		"pilot_id":    pilotID,
		"reason":      reason,
		"paused":      paused,
	})
	return paused, nil
}

// SubmitClarification answers a ZOMBIED_SOFT UOW: the pilot's guidance is
// recorded as a `_clarification` attribute, the interaction budget is reset,
// and the UOW returns to ACTIVE for its holder to continue.
func (e *Engine) SubmitClarification(ctx context.Context, uowID, pilotID, clarification string) error {
	u, _, err := e.store.GetUOW(ctx, uowID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return engErr(CodeNotFound, "uow "+uowID+" does not exist", err)
		}
		return err
	}
	if u.Status != StatusZombiedSoft {
		return &EngineError{
			Code:    CodeInvalidSpec,
			Message: "clarification only applies to ZOMBIED_SOFT, uow is " + string(u.Status),
		}
	}
	if clarification == "" {
		return &EngineError{Code: CodeInvalidSpec, Message: "clarification must not be empty"}
	}

	_, err = e.store.UpdateState(ctx, UpdateSpec{
		UOWID:     uowID,
		NewStatus: StatusActive,
		Payload: map[string]any{
			ClarificationKey: map[string]any{
				"text":     clarification,
				"pilot_id": pilotID,
			},
		},
		ActorID:               pilotID,
		Reasoning:             "Pilot clarification",
		Event:                 EventPilotOverride,
		ResetInteractionCount: true,
		EventPayload:          map[string]any{"pilot_id": pilotID},
	})
	if err != nil {
		return err
	}
	e.metrics.CountTransition(StatusZombiedSoft, StatusActive)
	e.emitEvent("pilot_clarification", map[string]any{
		"uow_id":   uowID,
		"pilot_id": pilotID,
	})
	return nil
}

// WaiveViolation overrides a guard rejection on a FAILED UOW: the pilot
// accepts responsibility, the waiver is recorded as a CONSTITUTIONAL_WAIVER
// history entry naming the ignored rule, and the UOW returns to ACTIVE.
// Justification is mandatory.
func (e *Engine) WaiveViolation(ctx context.Context, uowID, pilotID, rule, justification string) error {
	if justification == "" {
		return &EngineError{Code: CodeInvalidSpec, Message: "waiver justification must not be empty"}
	}

	u, _, err := e.store.GetUOW(ctx, uowID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return engErr(CodeNotFound, "uow "+uowID+" does not exist", err)
		}
		return err
	}

	_, err = e.store.UpdateState(ctx, UpdateSpec{
		UOWID:     uowID,
		NewStatus: StatusActive,
		ActorID:   pilotID,
		Reasoning: "Constitutional waiver: " + justification,
		Event:     EventConstitutionalWaiver,
		EventPayload: map[string]any{
			"rule_ignored":  rule,
			"waived_by":     pilotID,
			"justification": justification,
		},
	})
	if err != nil {
		return err
	}
	e.metrics.CountTransition(u.Status, StatusActive)
	e.emitEvent("pilot_waiver_granted", map[string]any{
		"uow_id":       uowID,
		"pilot_id":     pilotID,
		"rule_ignored": rule,
	})
	return nil
}

// ResumeUOW approves a transition held in PENDING_PILOT_APPROVAL, releasing
// the UOW back to ACTIVE.
func (e *Engine) ResumeUOW(ctx context.Context, uowID, pilotID string) error {
	return e.pilotRelease(ctx, uowID, pilotID, StatusActive, "Pilot approved", "pilot_resume")
}

// CancelUOW rejects a transition held in PENDING_PILOT_APPROVAL, failing
// the UOW.
func (e *Engine) CancelUOW(ctx context.Context, uowID, pilotID string) error {
	return e.pilotRelease(ctx, uowID, pilotID, StatusFailed, "Pilot cancelled", "pilot_cancel")
}

func (e *Engine) pilotRelease(ctx context.Context, uowID, pilotID string, target Status, reasoning, event string) error {
	u, _, err := e.store.GetUOW(ctx, uowID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return engErr(CodeNotFound, "uow "+uowID+" does not exist", err)
		}
		return err
	}
	if u.Status != StatusPendingPilotApproval {
		return &EngineError{
			Code:    CodeInvalidSpec,
			Message: "uow " + uowID + " is not awaiting pilot approval",
		}
	}

	_, err = e.store.UpdateState(ctx, UpdateSpec{
		UOWID:          uowID,
		NewStatus:      target,
		ActorID:        pilotID,
		Reasoning:      reasoning,
		Event:          EventPilotOverride,
		ClearHeartbeat: target == StatusFailed,
		EventPayload:   map[string]any{"pilot_id": pilotID},
	})
	if err != nil {
		return err
	}
	if target == StatusFailed {
		e.noteChildTerminal(ctx, u)
	}
	e.metrics.CountTransition(StatusPendingPilotApproval, target)
	e.emitEvent(event, map[string]any{
		"uow_id":   uowID,
		"pilot_id": pilotID,
	})
	return nil
}
