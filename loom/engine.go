package loom

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/loom/emit"
	"github.com/loomworks/loom/loom/guard"
)

// Engine is the orchestration controller every external entry point calls.
//
// All collaborators are explicit dependencies: the persistence store, the
// broadcast emitter, the bounded telemetry buffer, the model-override
// resolver, and the metrics collector. The engine itself holds no mutable
// state beyond its configuration; all shared state lives in the store.
type Engine struct {
	store     Store
	emitter   emit.Emitter
	telemetry *emit.Buffer
	models    guard.ModelResolver
	metrics   *Metrics
	guards    *guard.Evaluator
	opts      Options

	// now supplies the engine clock. Tests override it.
	now func() time.Time
}

// WorkItem is the checkout result handed to an actor: the locked UOW, its
// current attribute map, and the merged memory context for the role.
type WorkItem struct {
	UOWID      string         `json:"uow_id"`
	Attributes map[string]any `json:"attributes"`
	Context    map[string]any `json:"context"`
}

// allowAllModels is the resolver used when no registry is configured: every
// override passes unmodified.
type allowAllModels struct{}

func (allowAllModels) Resolve(id string) (string, bool) { return id, false }

// New creates an Engine.
//
// Parameters:
//   - st: persistence backend (required)
//   - emitter: broadcast event receiver (optional, can be nil)
//   - telemetry: bounded telemetry buffer (optional, can be nil)
//   - models: model-override whitelist resolver (optional; nil allows all)
//   - metrics: Prometheus collector (optional, can be nil)
//   - opts: engine configuration; zero values use defaults
func New(st Store, emitter emit.Emitter, telemetry *emit.Buffer, models guard.ModelResolver, metrics *Metrics, opts Options) *Engine {
	e := &Engine{
		store:     st,
		emitter:   emitter,
		telemetry: telemetry,
		models:    models,
		metrics:   metrics,
		opts:      opts,
		now:       time.Now,
	}
	if e.models == nil {
		e.models = allowAllModels{}
	}
	e.guards = &guard.Evaluator{Shadow: e.shadowCapture}
	return e
}

// emitEvent broadcasts one event. Broadcaster failures never surface; the
// emitter contract swallows them.
func (e *Engine) emitEvent(eventType string, payload map[string]any) {
	if e.emitter != nil {
		e.emitter.Emit(eventType, payload)
	}
}

// record queues one telemetry entry, counting drops under backpressure.
func (e *Engine) record(entry emit.Entry) {
	if e.telemetry == nil {
		return
	}
	if entry.At.IsZero() {
		entry.At = e.now().UTC()
	}
	if !e.telemetry.Record(entry) {
		e.metrics.CountTelemetryDrop()
	}
}

// shadowCapture is the guard evaluator's failure hook: every DSL or config
// error lands in the telemetry buffer as an ERROR entry with the failing
// expression and variable snapshot.
func (e *Engine) shadowCapture(expr string, vars map[string]any, err error) {
	uowID, _ := vars["uow_id"].(string)
	e.record(emit.Entry{
		UOWID:   uowID,
		Type:    emit.LogError,
		Message: "guard evaluation failed",
		Detail: map[string]any{
			"expression": expr,
			"variables":  vars,
			"error":      err.Error(),
			"error_code": CodeEvaluationFailure,
		},
	})
}

// FlushTelemetry drains up to batch buffered telemetry entries into the
// store's interaction log.
func (e *Engine) FlushTelemetry(ctx context.Context, batch int) (int, error) {
	if e.telemetry == nil {
		return 0, nil
	}
	return e.telemetry.Flush(ctx, e.store, batch)
}

// InstantiateWorkflow deploys a blueprint: clones the workflow graph into
// the instance tier and seeds the origin UOW at the ALPHA role's outbound
// interaction.
//
// initialContext becomes the UOW's version-1 attributes, authored by the
// system actor. A key "interaction_policy" holding a mapping is lifted out
// of the attributes into the UOW's immutable policy snapshot.
//
// Returns the new instance id. Fails TEMPLATE_NOT_FOUND when the blueprint
// does not exist, INVALID_BLUEPRINT when the clone would be malformed, and
// INSTANTIATION_FAILED (after compensation) when persistence fails mid-way.
func (e *Engine) InstantiateWorkflow(ctx context.Context, templateID string, initialContext map[string]any, name, description string) (string, error) {
	tpl, err := e.store.GetTemplate(ctx, templateID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", engErr(CodeTemplateNotFound, "blueprint "+templateID+" does not exist", err)
		}
		return "", engErr(CodeInstantiationFailed, "failed to load blueprint", err)
	}

	now := e.now().UTC()
	instanceID := uuid.NewString()
	if name == "" {
		name = tpl.Workflow.Name
	}

	clone, alphaOutbound, err := cloneGraph(tpl, instanceID)
	if err != nil {
		return "", err
	}

	inst := &Instance{
		ID:          instanceID,
		TemplateID:  templateID,
		Name:        name,
		Description: description,
		Status:      "ACTIVE",
		DeployedAt:  now,
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return "", engErr(CodeInstantiationFailed, "failed to create instance", err)
	}
	if err := e.store.PutInstanceGraph(ctx, clone); err != nil {
		_ = e.store.DeleteInstance(ctx, instanceID)
		return "", engErr(CodeInstantiationFailed, "failed to clone workflow graph", err)
	}

	attrs := make(map[string]any, len(initialContext))
	var policy map[string]any
	for key, value := range initialContext {
		if key == "interaction_policy" {
			if p, ok := value.(map[string]any); ok {
				policy = p
				continue
			}
		}
		attrs[key] = value
	}
	if policy != nil {
		// The snapshot is immutable after creation, so a malformed branch
		// expression can only be caught here.
		if err := guard.ValidatePolicy(policy, nil); err != nil {
			_ = e.store.DeleteInstance(ctx, instanceID)
			return "", engErr(CodeInvalidSpec, "interaction policy is invalid", err)
		}
	}

	u, err := e.store.CreateUOW(ctx, CreateUOWSpec{
		InstanceID:      instanceID,
		WorkflowID:      clone.Workflow.ID,
		InteractionID:   alphaOutbound,
		Attributes:      attrs,
		ActorID:         SystemActorID,
		Reasoning:       "Initial workflow context",
		MaxInteractions: e.opts.MaxInteractions,
		Policy:          policy,
	})
	if err != nil {
		_ = e.store.DeleteInstance(ctx, instanceID)
		return "", engErr(CodeInstantiationFailed, "failed to create origin uow", err)
	}

	e.emitEvent("workflow_instantiated", map[string]any{
		"instance_id": instanceID,
		"template_id": templateID,
		"uow_id":      u.ID,
	})
	e.metrics.CountTransition("", StatusPending)
	return instanceID, nil
}

// cloneGraph copies a blueprint graph into the instance tier with fresh ids,
// preserving edges through blueprint-to-instance id maps. Roles with a
// child-workflow reference are cloned unexpanded.
func cloneGraph(tpl *Set, instanceID string) (*Set, string, error) {
	roleIDs := make(map[string]string, len(tpl.Roles))
	interactionIDs := make(map[string]string, len(tpl.Interactions))
	componentIDs := make(map[string]string, len(tpl.Components))

	clone := &Set{}
	clone.Workflow = tpl.Workflow
	clone.Workflow.ID = uuid.NewString()
	clone.Workflow.InstanceID = instanceID
	clone.Workflow.TemplateID = tpl.Workflow.ID

	var alphaRoleID string
	for _, r := range tpl.Roles {
		nr := r
		nr.ID = uuid.NewString()
		nr.InstanceID = instanceID
		nr.WorkflowID = clone.Workflow.ID
		roleIDs[r.ID] = nr.ID
		if r.Type == RoleAlpha {
			alphaRoleID = nr.ID
		}
		clone.Roles = append(clone.Roles, nr)
	}
	if alphaRoleID == "" {
		return nil, "", &EngineError{Code: CodeInvalidBlueprint, Message: "blueprint has no ALPHA role"}
	}

	for _, it := range tpl.Interactions {
		ni := it
		ni.ID = uuid.NewString()
		ni.InstanceID = instanceID
		ni.WorkflowID = clone.Workflow.ID
		interactionIDs[it.ID] = ni.ID
		clone.Interactions = append(clone.Interactions, ni)
	}

	var alphaOutbound string
	for _, c := range tpl.Components {
		nc := c
		nc.ID = uuid.NewString()
		nc.InstanceID = instanceID
		nc.WorkflowID = clone.Workflow.ID
		nc.RoleID = roleIDs[c.RoleID]
		nc.InteractionID = interactionIDs[c.InteractionID]
		if nc.RoleID == "" || nc.InteractionID == "" {
			return nil, "", &EngineError{Code: CodeInvalidBlueprint, Message: "component " + c.ID + " references an unknown role or interaction"}
		}
		componentIDs[c.ID] = nc.ID
		if nc.RoleID == alphaRoleID && nc.Direction == DirectionOutbound && alphaOutbound == "" {
			alphaOutbound = nc.InteractionID
		}
		clone.Components = append(clone.Components, nc)
	}
	if alphaOutbound == "" {
		return nil, "", &EngineError{Code: CodeInvalidBlueprint, Message: "ALPHA role has no outbound interaction"}
	}

	for _, g := range tpl.Guardians {
		ng := g
		ng.ID = uuid.NewString()
		ng.InstanceID = instanceID
		ng.WorkflowID = clone.Workflow.ID
		ng.ComponentID = componentIDs[g.ComponentID]
		if ng.ComponentID == "" {
			return nil, "", &EngineError{Code: CodeInvalidBlueprint, Message: "guardian " + g.Name + " references an unknown component"}
		}
		clone.Guardians = append(clone.Guardians, ng)
	}

	return clone, alphaOutbound, nil
}

// guardSpec adapts a stored guardian to the evaluator input.
func guardSpec(g *Guardian) guard.Spec {
	return guard.Spec{Name: g.Name, Type: string(g.Type), Config: g.Config}
}

// snapshotOf builds the reserved-metadata view of a UOW for DSL evaluation.
func snapshotOf(u *UOW) guard.Snapshot {
	return guard.Snapshot{
		UOWID:              u.ID,
		ParentID:           u.ParentID,
		Status:             string(u.Status),
		ChildCount:         u.ChildCount,
		FinishedChildCount: u.FinishedChildCount,
	}
}

// CheckoutWork finds and locks the next admissible UOW for an actor on a
// role.
//
// Candidates are scanned in creation order across the role's inbound
// interactions. A candidate whose guard rejects it is routed to the
// error-handler (EPSILON) inbound queue with a `_guard_rejection` attribute
// and the scan continues. The winning candidate is locked by the
// PENDING -> ACTIVE compare-and-swap; a concurrent winner simply makes this
// caller move on to the next candidate.
//
// Returns nil when the role has no inbound edges or no admissible work.
func (e *Engine) CheckoutWork(ctx context.Context, actorID, roleID string) (*WorkItem, error) {
	start := e.now()
	role, err := e.store.GetRole(ctx, roleID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, engErr(CodeNotFound, "role "+roleID+" does not exist", err)
		}
		return nil, engErr(CodeCheckoutFailed, "failed to load role", err)
	}

	assigned, err := e.store.HasAssignment(ctx, actorID, roleID)
	if err != nil {
		return nil, engErr(CodeCheckoutFailed, "failed to check assignment", err)
	}
	if !assigned {
		return nil, engErr(CodeNotAuthorized, "actor "+actorID+" is not assigned to role "+roleID, ErrNotAuthorized)
	}

	inbound, err := e.store.ComponentsForRole(ctx, roleID, DirectionInbound)
	if err != nil {
		return nil, engErr(CodeCheckoutFailed, "failed to list inbound components", err)
	}
	if len(inbound) == 0 {
		e.metrics.ObserveCheckout(string(role.Type), e.now().Sub(start), "empty")
		return nil, nil
	}

	byInteraction := make(map[string]Component, len(inbound))
	interactionIDs := make([]string, 0, len(inbound))
	for _, c := range inbound {
		byInteraction[c.InteractionID] = c
		interactionIDs = append(interactionIDs, c.InteractionID)
	}

	candidates, err := e.store.FindPendingAt(ctx, interactionIDs)
	if err != nil {
		return nil, engErr(CodeCheckoutFailed, "failed to scan candidates", err)
	}

	for i := range candidates {
		candidate := &candidates[i]
		_, attrs, err := e.store.GetUOW(ctx, candidate.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, engErr(CodeCheckoutFailed, "failed to load candidate", err)
		}

		component := byInteraction[candidate.CurrentInteractionID]
		admitted, err := e.admit(ctx, candidate, attrs, component)
		if err != nil {
			return nil, err
		}
		if !admitted {
			continue
		}

		locked, lockedAttrs, err := e.store.LockUOW(ctx, candidate.ID, actorID)
		if errors.Is(err, ErrNotPending) || errors.Is(err, ErrNotFound) {
			// Lost the compare-and-swap to a concurrent checkout.
			continue
		}
		if err != nil {
			if errors.Is(err, ErrGuardUnauthorized) {
				return nil, err
			}
			return nil, engErr(CodeCheckoutFailed, "failed to lock uow", err)
		}

		memory, err := e.buildContext(ctx, locked.InstanceID, roleID, actorID)
		if err != nil {
			return nil, engErr(CodeCheckoutFailed, "failed to build memory context", err)
		}

		e.metrics.CountTransition(StatusPending, StatusActive)
		e.metrics.ObserveCheckout(string(role.Type), e.now().Sub(start), "locked")
		e.emitEvent("uow_checked_out", map[string]any{
			"uow_id":   locked.ID,
			"actor_id": actorID,
			"role_id":  roleID,
		})
		e.record(emit.Entry{
			InstanceID:    locked.InstanceID,
			UOWID:         locked.ID,
			RoleID:        roleID,
			InteractionID: locked.CurrentInteractionID,
			Type:          emit.LogInteraction,
			Message:       "checked out by " + actorID,
		})
		return &WorkItem{UOWID: locked.ID, Attributes: lockedAttrs, Context: memory}, nil
	}

	e.metrics.ObserveCheckout(string(role.Type), e.now().Sub(start), "empty")
	return nil, nil
}

// admit runs the inbound guard for a candidate. A rejection routes the
// candidate down the failure path and returns false.
func (e *Engine) admit(ctx context.Context, u *UOW, attrs map[string]any, component Component) (bool, error) {
	guardian, err := e.store.GuardianForComponent(ctx, component.ID)
	if err != nil {
		return false, engErr(CodeCheckoutFailed, "failed to load guardian", err)
	}
	if guardian == nil {
		return true, nil
	}

	if guardian.Type == GuardConditionalInjector {
		if err := e.applyInjector(ctx, guardian, u, attrs); err != nil {
			return false, err
		}
		return true, nil
	}

	decision := e.guards.Evaluate(guardSpec(guardian), snapshotOf(u), attrs)
	e.record(emit.Entry{
		InstanceID:    u.InstanceID,
		UOWID:         u.ID,
		RoleID:        component.RoleID,
		InteractionID: component.InteractionID,
		Type:          emit.LogGuardianDecision,
		Message:       guardian.Name,
		Detail:        map[string]any{"allow": decision.Allow, "rule": decision.Rule},
	})
	if decision.Allow {
		e.metrics.CountGuardDecision(string(guardian.Type), "allow")
		return true, nil
	}
	if decision.Err != nil {
		e.metrics.CountGuardDecision(string(guardian.Type), "error")
	} else {
		e.metrics.CountGuardDecision(string(guardian.Type), "reject")
	}

	if guardian.Type == GuardCerberus {
		// Reconciliation pending: the parent stays parked at the terminal
		// queue until its children finish, never the failure path.
		return false, nil
	}

	if err := e.rejectToEpsilon(ctx, u, guardian, decision); err != nil {
		return false, err
	}
	return false, nil
}

// rejectToEpsilon routes a guard-rejected candidate down the failure path:
// FAILED at the EPSILON inbound interaction with a `_guard_rejection`
// attribute naming the guard.
func (e *Engine) rejectToEpsilon(ctx context.Context, u *UOW, guardian *Guardian, decision guard.Decision) error {
	rejection := map[string]any{
		"rule":       decision.Rule,
		"guard_name": guardian.Name,
		"guard_type": string(guardian.Type),
		"timestamp":  e.now().UTC().Format(time.RFC3339Nano),
	}
	if decision.Err != nil {
		// A rejection caused by a broken guard, not by the data: the code
		// distinguishes config defects from genuine gate failures downstream.
		code := CodeEvaluationFailure
		if errors.Is(decision.Err, guard.ErrUnknownType) {
			code = CodeUnknownGuardType
		}
		rejection["error_code"] = code
	}
	spec := UpdateSpec{
		UOWID:     u.ID,
		NewStatus: StatusFailed,
		Payload: map[string]any{
			GuardRejectionKey: rejection,
		},
		ActorID:   SystemActorID,
		Reasoning: "Guard rejection: " + guardian.Name,
	}
	epsilon, err := e.store.InboundInteractionForRoleType(ctx, u.WorkflowID, RoleEpsilon)
	if err != nil {
		return engErr(CodeCheckoutFailed, "failed to resolve error-handler queue", err)
	}
	if epsilon != "" {
		spec.NewInteraction = &epsilon
	}
	if _, err := e.store.UpdateState(ctx, spec); err != nil {
		return engErr(CodeCheckoutFailed, "failed to route rejection", err)
	}
	e.noteChildTerminal(ctx, u)
	e.metrics.CountTransition(StatusPending, StatusFailed)
	e.emitEvent("uow_guard_rejected", map[string]any{
		"uow_id":     u.ID,
		"guard_name": guardian.Name,
		"rule":       decision.Rule,
	})
	return nil
}

// applyInjector evaluates a conditional injector's rules against the UOW and
// applies the winning mutation: model override resolved through the
// whitelist, instructions appended, knowledge fragments unioned, audit entry
// recorded.
func (e *Engine) applyInjector(ctx context.Context, guardian *Guardian, u *UOW, attrs map[string]any) error {
	m, err := e.guards.EvaluateInjector(guardSpec(guardian), snapshotOf(u), attrs, e.models)
	if err != nil {
		e.shadowCapture(guardian.Name, attrs, err)
		e.metrics.CountGuardDecision(string(GuardConditionalInjector), "error")
		return nil
	}
	if m == nil {
		return nil
	}
	e.metrics.CountGuardDecision(string(GuardConditionalInjector), "allow")
	mutation := Mutation{
		GuardName:     m.GuardName,
		Condition:     m.Condition,
		ModelOverride: m.ModelOverride,
		FailoverUsed:  m.FailoverUsed,
		FailoverModel: m.FailoverModel,
		Timestamp:     e.now().UTC(),
	}
	if err := e.store.ApplyMutation(ctx, u.ID, m.Instructions, m.Fragments, mutation); err != nil {
		return engErr(CodeCheckoutFailed, "failed to apply mutation", err)
	}
	e.emitEvent("uow_mutated", map[string]any{
		"uow_id":         u.ID,
		"guard_name":     m.GuardName,
		"model_override": m.ModelOverride,
		"failover_used":  m.FailoverUsed,
	})
	return nil
}

// roleForUOW resolves the role currently processing a UOW: the consumer of
// its current interaction.
func (e *Engine) roleForUOW(ctx context.Context, u *UOW) (*Role, error) {
	consumers, err := e.store.ConsumersOf(ctx, u.CurrentInteractionID)
	if err != nil {
		return nil, err
	}
	if len(consumers) == 0 {
		return nil, nil
	}
	return e.store.GetRole(ctx, consumers[0].RoleID)
}

// verifyLock checks that the UOW is ACTIVE and locked by this actor.
func verifyLock(u *UOW, actorID string) error {
	if u.Status != StatusActive {
		return ErrNotLocked
	}
	if u.LockedBy != "" && u.LockedBy != actorID {
		return ErrNotLocked
	}
	return nil
}

// SubmitWork completes one interaction on a locked UOW.
//
// Result attributes are appended as new versions (the reserved
// `_learned_rule` key is harvested into role memory, never persisted on the
// UOW). The outbound route is chosen by the UOW's interaction-policy
// snapshot when present, else the processing role's default outbound
// interaction; with no outbound edge the UOW completes. Hitting the
// interaction budget parks the UOW in ZOMBIED_SOFT awaiting pilot
// clarification.
func (e *Engine) SubmitWork(ctx context.Context, uowID, actorID string, results map[string]any, reasoning string) error {
	u, attrs, err := e.store.GetUOW(ctx, uowID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return engErr(CodeNotFound, "uow "+uowID+" does not exist", err)
		}
		return err
	}
	if err := verifyLock(u, actorID); err != nil {
		return engErr(CodeNotLocked, "uow "+uowID+" is not locked by "+actorID, err)
	}

	role, err := e.roleForUOW(ctx, u)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	// Harvest failures are swallowed: learning never fails the data plane.
	if role != nil {
		if err := e.harvest(ctx, u, role.ID, actorID, results); err != nil {
			e.record(emit.Entry{
				InstanceID: u.InstanceID,
				UOWID:      u.ID,
				RoleID:     role.ID,
				Type:       emit.LogError,
				Message:    "learning harvest failed",
				Detail:     map[string]any{"error": err.Error()},
			})
		}
	}

	merged := make(map[string]any, len(attrs)+len(results))
	for k, v := range attrs {
		merged[k] = v
	}
	for k, v := range results {
		if k == LearnedRuleKey {
			continue
		}
		merged[k] = v
	}

	next, err := e.routeOutbound(ctx, u, role, merged)
	if err != nil {
		return err
	}

	newStatus := StatusCompleted
	spec := UpdateSpec{
		UOWID:          uowID,
		Payload:        results,
		ActorID:        actorID,
		Reasoning:      reasoning,
		AutoIncrement:  true,
		ClearHeartbeat: true,
		// Re-checked inside the store transaction: a transition landing
		// after verifyLock (a zombie reclaim, a kill-switch) must not be
		// overwritten by this submit.
		ExpectStatus:   StatusActive,
		ExpectLockedBy: actorID,
	}
	if next != "" {
		newStatus = StatusPending
		spec.NewInteraction = &next

		// Arrival at the terminal role: when the reconciliation guard admits
		// the token it completes in the same transition instead of parking
		// at the terminal queue.
		done, err := e.terminalAdmission(ctx, u, next, merged)
		if err != nil {
			return err
		}
		if done {
			newStatus = StatusCompleted
		}
	}

	// Interaction budget: the increment performed by this submit counts.
	if newStatus == StatusPending && u.MaxInteractions > 0 && u.InteractionCount+1 >= u.MaxInteractions {
		newStatus = StatusZombiedSoft
	}
	spec.NewStatus = newStatus

	result, err := e.store.SaveWithPilotCheck(ctx, spec, e.opts.highRiskStatuses(), e.opts.pilotTimeout())
	if err != nil {
		if errors.Is(err, ErrNotLocked) {
			return engErr(CodeNotLocked, "uow "+uowID+" is not locked by "+actorID, err)
		}
		return err
	}
	if !result.Success {
		held := UpdateSpec{
			UOWID:          uowID,
			NewStatus:      StatusPendingPilotApproval,
			ActorID:        actorID,
			Reasoning:      "awaiting pilot approval",
			ExpectStatus:   StatusActive,
			ExpectLockedBy: actorID,
		}
		if _, err := e.store.UpdateState(ctx, held); err != nil {
			if errors.Is(err, ErrNotLocked) {
				return engErr(CodeNotLocked, "uow "+uowID+" is not locked by "+actorID, err)
			}
			return err
		}
		e.metrics.CountTransition(StatusActive, StatusPendingPilotApproval)
		return &EngineError{Code: CodePilotApproval, Message: "transition requires pilot approval"}
	}

	if newStatus == StatusCompleted {
		e.noteChildTerminal(ctx, u)
	}
	if newStatus == StatusZombiedSoft {
		e.emitEvent("uow_zombied_soft", map[string]any{
			"uow_id":            uowID,
			"interaction_count": u.InteractionCount + 1,
		})
	}
	e.metrics.CountTransition(StatusActive, newStatus)
	e.emitEvent("uow_submitted", map[string]any{
		"uow_id":   uowID,
		"actor_id": actorID,
		"status":   string(newStatus),
	})
	e.record(emit.Entry{
		InstanceID:    u.InstanceID,
		UOWID:         uowID,
		InteractionID: u.CurrentInteractionID,
		Type:          emit.LogStateTransition,
		Message:       "submitted by " + actorID,
		Detail:        map[string]any{"status": string(newStatus)},
	})
	return nil
}

// terminalAdmission reports whether routing to next delivers the token to
// the terminal (OMEGA) role with its reconciliation guard satisfied. A
// parent with outstanding children is not admitted; it waits PENDING at the
// terminal queue until the children finish.
func (e *Engine) terminalAdmission(ctx context.Context, u *UOW, next string, attrs map[string]any) (bool, error) {
	consumers, err := e.store.ConsumersOf(ctx, next)
	if err != nil {
		return false, err
	}
	for _, c := range consumers {
		role, err := e.store.GetRole(ctx, c.RoleID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return false, err
		}
		if role.Type != RoleOmega {
			continue
		}
		guardian, err := e.store.GuardianForComponent(ctx, c.ID)
		if err != nil {
			return false, err
		}
		if guardian == nil {
			return true, nil
		}
		d := e.guards.Evaluate(guardSpec(guardian), snapshotOf(u), attrs)
		e.metrics.CountGuardDecision(string(guardian.Type), decisionLabel(d))
		return d.Allow, nil
	}
	return false, nil
}

func decisionLabel(d guard.Decision) string {
	switch {
	case d.Allow:
		return "allow"
	case d.Err != nil:
		return "error"
	default:
		return "reject"
	}
}

// routeOutbound picks the next interaction after a submit: policy branches
// first (first match wins, shadow fall-through to on_error/default), else
// the processing role's default outbound edge. An outbound conditional
// injector is applied on the way. Returns "" when the token completes.
func (e *Engine) routeOutbound(ctx context.Context, u *UOW, role *Role, attrs map[string]any) (string, error) {
	if role != nil {
		outbound, err := e.store.ComponentsForRole(ctx, role.ID, DirectionOutbound)
		if err != nil {
			return "", err
		}
		for _, c := range outbound {
			guardian, err := e.store.GuardianForComponent(ctx, c.ID)
			if err != nil {
				return "", err
			}
			if guardian != nil && guardian.Type == GuardConditionalInjector {
				if err := e.applyInjector(ctx, guardian, u, attrs); err != nil {
					return "", err
				}
			}
		}

		if len(u.Policy) > 0 {
			next, _ := e.guards.EvaluatePolicy(u.Policy, snapshotOf(u), attrs)
			if next != "" {
				return next, nil
			}
			return "", nil
		}
		if len(outbound) > 0 {
			return outbound[0].InteractionID, nil
		}
		return "", nil
	}

	if len(u.Policy) > 0 {
		next, _ := e.guards.EvaluatePolicy(u.Policy, snapshotOf(u), attrs)
		return next, nil
	}
	return "", nil
}

// ReportFailure records an actor-reported failure: an `_error` attribute,
// FAILED status, heartbeat cleared, and routing to the error-handler
// (EPSILON) inbound queue when the workflow defines one.
func (e *Engine) ReportFailure(ctx context.Context, uowID, actorID, errorCode, details string) error {
	u, _, err := e.store.GetUOW(ctx, uowID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return engErr(CodeNotFound, "uow "+uowID+" does not exist", err)
		}
		return err
	}
	if err := verifyLock(u, actorID); err != nil {
		return engErr(CodeNotLocked, "uow "+uowID+" is not locked by "+actorID, err)
	}

	spec := UpdateSpec{
		UOWID:     uowID,
		NewStatus: StatusFailed,
		Payload: map[string]any{
			ErrorKey: map[string]any{
				"error_code": errorCode,
				"details":    details,
				"timestamp":  e.now().UTC().Format(time.RFC3339Nano),
				"actor_id":   actorID,
			},
		},
		ActorID:        actorID,
		Reasoning:      "Failure reported: " + errorCode,
		AutoIncrement:  true,
		ClearHeartbeat: true,
		EventPayload:   map[string]any{"error_code": errorCode},
		ExpectStatus:   StatusActive,
		ExpectLockedBy: actorID,
	}
	epsilon, err := e.store.InboundInteractionForRoleType(ctx, u.WorkflowID, RoleEpsilon)
	if err != nil {
		return err
	}
	if epsilon != "" {
		spec.NewInteraction = &epsilon
	}

	if _, err := e.store.UpdateState(ctx, spec); err != nil {
		if errors.Is(err, ErrNotLocked) {
			return engErr(CodeNotLocked, "uow "+uowID+" is not locked by "+actorID, err)
		}
		return err
	}
	e.noteChildTerminal(ctx, u)
	e.metrics.CountTransition(StatusActive, StatusFailed)
	e.emitEvent("uow_failed", map[string]any{
		"uow_id":     uowID,
		"actor_id":   actorID,
		"error_code": errorCode,
	})
	e.record(emit.Entry{
		InstanceID: u.InstanceID,
		UOWID:      uowID,
		Type:       emit.LogError,
		Message:    "failure reported: " + errorCode,
		Detail:     map[string]any{"details": details},
	})
	return nil
}

// Heartbeat advances the liveness timestamp on a locked UOW. Idempotent:
// status and counters are untouched.
func (e *Engine) Heartbeat(ctx context.Context, uowID, actorID string) error {
	err := e.store.TouchHeartbeat(ctx, uowID, actorID, e.now().UTC())
	if errors.Is(err, ErrNotFound) {
		return engErr(CodeNotFound, "uow "+uowID+" does not exist", err)
	}
	if errors.Is(err, ErrNotLocked) {
		return engErr(CodeNotLocked, "uow "+uowID+" is not locked by "+actorID, err)
	}
	return err
}

// noteChildTerminal reconciles the parent's finished-child counter when a
// child reaches a terminal state. The counter feeds the cerberus admission
// check at the terminal (OMEGA) role.
func (e *Engine) noteChildTerminal(ctx context.Context, u *UOW) {
	if u.ParentID == "" {
		return
	}
	if err := e.store.ChildFinished(ctx, u.ParentID); err != nil && !errors.Is(err, ErrNotFound) {
		e.record(emit.Entry{
			InstanceID: u.InstanceID,
			UOWID:      u.ID,
			Type:       emit.LogError,
			Message:    "failed to reconcile parent child counter",
			Detail:     map[string]any{"parent_id": u.ParentID, "error": err.Error()},
		})
	}
}

// SpawnChild creates a child UOW under a parent at the given interaction,
// incrementing the parent's child counter in the same store transaction.
// Used by BETA decomposition flows.
func (e *Engine) SpawnChild(ctx context.Context, parentID, interactionID string, attributes map[string]any, actorID, reasoning string) (string, error) {
	parent, _, err := e.store.GetUOW(ctx, parentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", engErr(CodeNotFound, "uow "+parentID+" does not exist", err)
		}
		return "", err
	}
	child, err := e.store.CreateUOW(ctx, CreateUOWSpec{
		InstanceID:      parent.InstanceID,
		WorkflowID:      parent.WorkflowID,
		ParentID:        parentID,
		InteractionID:   interactionID,
		Attributes:      attributes,
		ActorID:         actorID,
		Reasoning:       reasoning,
		MaxInteractions: parent.MaxInteractions,
	})
	if err != nil {
		return "", err
	}
	e.metrics.CountTransition("", StatusPending)
	e.emitEvent("uow_spawned", map[string]any{
		"uow_id":    child.ID,
		"parent_id": parentID,
		"actor_id":  actorID,
	})
	return child.ID, nil
}

// VerifyState recomputes a UOW's content hash and compares it with the
// stored value, publishing a STATE_DRIFT violation on mismatch.
func (e *Engine) VerifyState(ctx context.Context, uowID string) error {
	ok, err := e.store.VerifyStateHash(ctx, uowID, true)
	if err != nil {
		return err
	}
	if !ok {
		return engErr(CodeStateDrift, "content hash drift on uow "+uowID, ErrStateDrift)
	}
	return nil
}

// Store exposes the underlying persistence backend for adapters that need
// read access (admin surfaces, tests).
func (e *Engine) Store() Store { return e.store }
