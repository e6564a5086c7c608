// Package store provides persistence backends for the Loom engine: an
// in-memory store for tests and single-process development, and SQL stores
// (SQLite, MySQL) for durable deployments.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/loom"
	"github.com/loomworks/loom/loom/emit"
)

// MemStore is an in-memory implementation of loom.Store.
//
// All state lives behind one mutex, which makes every operation trivially
// atomic: the checkout compare-and-swap, versioned attribute appends, and
// hash-chained history all hold the same guarantees as the SQL stores.
//
// Use for tests and prototyping; state is lost on process exit.
type MemStore struct {
	mu sync.Mutex

	gc      loom.GuardContext
	emitter emit.Emitter

	templates map[string]*loom.Set

	instances    map[string]*loom.Instance
	workflows    map[string]loom.Workflow
	roles        map[string]loom.Role
	interactions map[string]loom.Interaction
	components   map[string]loom.Component
	guardians    map[string]loom.Guardian // keyed by component id

	actors      map[string]loom.Actor
	assignments []loom.Assignment

	roleAttrs map[string]*loom.RoleAttribute

	uows     map[string]*loom.UOW
	uowAttrs map[string][]loom.UOWAttribute
	history  map[string][]loom.HistoryEntry
	seq      int64

	logs []emit.Entry
}

var _ loom.Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
//
// gc is the guard-authorization capability consulted before every mutating
// UOW operation; nil disables the check. emitter receives violation packets;
// nil drops them.
func NewMemStore(gc loom.GuardContext, emitter emit.Emitter) *MemStore {
	return &MemStore{
		gc:           gc,
		emitter:      emitter,
		templates:    make(map[string]*loom.Set),
		instances:    make(map[string]*loom.Instance),
		workflows:    make(map[string]loom.Workflow),
		roles:        make(map[string]loom.Role),
		interactions: make(map[string]loom.Interaction),
		components:   make(map[string]loom.Component),
		guardians:    make(map[string]loom.Guardian),
		actors:       make(map[string]loom.Actor),
		roleAttrs:    make(map[string]*loom.RoleAttribute),
		uows:         make(map[string]*loom.UOW),
		uowAttrs:     make(map[string][]loom.UOWAttribute),
		history:      make(map[string][]loom.HistoryEntry),
	}
}

// authorize runs the guard-authorization hook. A refusal publishes a
// CRITICAL AUTHORIZATION violation and fails GUARD_UNAUTHORIZED.
func (s *MemStore) authorize(ctx context.Context, actorID, uowID string) error {
	if s.gc == nil || s.gc.IsAuthorized(ctx, actorID, uowID) {
		return nil
	}
	s.emitViolation(loom.ViolationPacket{
		Rule:     loom.ViolationAuthorization,
		Severity: loom.SeverityCritical,
		UOWID:    uowID,
		Remedy:   "verify the actor-role assignment or request a pilot waiver",
		Detail:   "actor " + actorID + " refused by guard context",
	})
	return loom.ErrGuardUnauthorized
}

func (s *MemStore) emitViolation(v loom.ViolationPacket) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit("violation", map[string]any{
		"rule":     v.Rule,
		"severity": v.Severity,
		"uow_id":   v.UOWID,
		"remedy":   v.Remedy,
		"detail":   v.Detail,
	})
}

// Blueprint tier.

// PutTemplate stores a deep copy of the blueprint graph.
func (s *MemStore) PutTemplate(_ context.Context, set *loom.Set) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, err := copySet(set)
	if err != nil {
		return err
	}
	s.templates[set.Workflow.ID] = cp
	return nil
}

// GetTemplate loads a blueprint graph by workflow id.
func (s *MemStore) GetTemplate(_ context.Context, workflowID string) (*loom.Set, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.templates[workflowID]
	if !ok {
		return nil, loom.ErrNotFound
	}
	return copySet(set)
}

// Instance tier: topology.

func (s *MemStore) CreateInstance(_ context.Context, inst *loom.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inst
	s.instances[inst.ID] = &cp
	return nil
}

func (s *MemStore) GetInstance(_ context.Context, id string) (*loom.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, loom.ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

// DeleteInstance removes the instance and everything scoped to it. This is
// the compensation step for a failed instantiation.
func (s *MemStore) DeleteInstance(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, id)
	for k, v := range s.workflows {
		if v.InstanceID == id {
			delete(s.workflows, k)
		}
	}
	for k, v := range s.roles {
		if v.InstanceID == id {
			delete(s.roles, k)
		}
	}
	for k, v := range s.interactions {
		if v.InstanceID == id {
			delete(s.interactions, k)
		}
	}
	for k, v := range s.components {
		if v.InstanceID == id {
			delete(s.components, k)
		}
	}
	for k, v := range s.guardians {
		if v.InstanceID == id {
			delete(s.guardians, k)
		}
	}
	for k, v := range s.actors {
		if v.InstanceID == id {
			delete(s.actors, k)
		}
	}
	kept := s.assignments[:0]
	for _, a := range s.assignments {
		if a.InstanceID != id {
			kept = append(kept, a)
		}
	}
	s.assignments = kept
	for k, v := range s.roleAttrs {
		if v.InstanceID == id {
			delete(s.roleAttrs, k)
		}
	}
	for k, u := range s.uows {
		if u.InstanceID == id {
			delete(s.uows, k)
			delete(s.uowAttrs, k)
			delete(s.history, k)
		}
	}
	return nil
}

func (s *MemStore) PutInstanceGraph(_ context.Context, set *loom.Set) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, err := copySet(set)
	if err != nil {
		return err
	}
	s.workflows[cp.Workflow.ID] = cp.Workflow
	for _, r := range cp.Roles {
		s.roles[r.ID] = r
	}
	for _, it := range cp.Interactions {
		s.interactions[it.ID] = it
	}
	for _, c := range cp.Components {
		s.components[c.ID] = c
	}
	for _, g := range cp.Guardians {
		s.guardians[g.ComponentID] = g
	}
	return nil
}

func (s *MemStore) GetRole(_ context.Context, roleID string) (*loom.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[roleID]
	if !ok {
		return nil, loom.ErrNotFound
	}
	return &r, nil
}

func (s *MemStore) RolesForInstance(_ context.Context, instanceID string) ([]loom.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []loom.Role
	for _, r := range s.roles {
		if r.InstanceID == instanceID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemStore) ComponentsForRole(_ context.Context, roleID string, dir loom.Direction) ([]loom.Component, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []loom.Component
	for _, c := range s.components {
		if c.RoleID == roleID && c.Direction == dir {
			out = append(out, c)
		}
	}
	// Name order keeps edge priority stable across clones; ids are minted
	// fresh at instantiation.
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemStore) ConsumersOf(_ context.Context, interactionID string) ([]loom.Component, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []loom.Component
	for _, c := range s.components {
		if c.InteractionID == interactionID && c.Direction == loom.DirectionInbound {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemStore) GuardianForComponent(_ context.Context, componentID string) (*loom.Guardian, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.guardians[componentID]
	if !ok {
		return nil, nil
	}
	cp := g
	cp.Config = copyMap(g.Config)
	return &cp, nil
}

func (s *MemStore) InboundInteractionForRoleType(_ context.Context, workflowID string, rt loom.RoleType) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.roles {
		if r.WorkflowID != workflowID || r.Type != rt {
			continue
		}
		for _, c := range s.components {
			if c.RoleID == r.ID && c.Direction == loom.DirectionInbound {
				return c.InteractionID, nil
			}
		}
	}
	return "", nil
}

// Actors.

func (s *MemStore) CreateActor(_ context.Context, a *loom.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.actors[a.ID] = cp
	return nil
}

func (s *MemStore) GetActor(_ context.Context, id string) (*loom.Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actors[id]
	if !ok {
		return nil, loom.ErrNotFound
	}
	cp := a
	return &cp, nil
}

func (s *MemStore) CreateAssignment(_ context.Context, as *loom.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments = append(s.assignments, *as)
	return nil
}

func (s *MemStore) HasAssignment(_ context.Context, actorID, roleID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.assignments {
		if a.ActorID == actorID && a.RoleID == roleID && a.Active {
			return true, nil
		}
	}
	return false, nil
}

// UOW lifecycle.

// CreateUOW inserts a PENDING UOW plus version-1 attributes, computes the
// initial content hash and appends the UOW_CREATED history entry. When the
// spec names a parent, the parent's child_count is incremented in the same
// critical section, which serializes against a concurrent cerberus check.
func (s *MemStore) CreateUOW(ctx context.Context, spec loom.CreateUOWSpec) (*loom.UOW, error) {
	if spec.InstanceID == "" || spec.WorkflowID == "" || spec.InteractionID == "" {
		return nil, &loom.EngineError{Code: loom.CodeInvalidSpec, Message: "instance, workflow and interaction ids are required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	u := &loom.UOW{
		ID:                   uuid.NewString(),
		InstanceID:           spec.InstanceID,
		WorkflowID:           spec.WorkflowID,
		ParentID:             spec.ParentID,
		CurrentInteractionID: spec.InteractionID,
		Status:               loom.StatusPending,
		MaxInteractions:      spec.MaxInteractions,
		Policy:               copyMap(spec.Policy),
		CreatedAt:            now,
	}

	attrs := map[string]any{}
	for key, value := range spec.Attributes {
		norm, err := normalize(value)
		if err != nil {
			return nil, &loom.EngineError{Code: loom.CodeInvalidSpec, Message: "attribute " + key + " is not serializable", Err: err}
		}
		attrs[key] = norm
		s.uowAttrs[u.ID] = append(s.uowAttrs[u.ID], loom.UOWAttribute{
			ID:        uuid.NewString(),
			UOWID:     u.ID,
			Key:       key,
			Value:     norm,
			Version:   1,
			ActorID:   spec.ActorID,
			Reasoning: spec.Reasoning,
			CreatedAt: now,
		})
	}

	hash, err := loom.HashAttributes(attrs)
	if err != nil {
		delete(s.uowAttrs, u.ID)
		return nil, err
	}
	u.ContentHash = hash
	s.uows[u.ID] = u

	if spec.ParentID != "" {
		if parent, ok := s.uows[spec.ParentID]; ok {
			parent.ChildCount++
		}
	}

	s.seq++
	s.history[u.ID] = append(s.history[u.ID], loom.HistoryEntry{
		ID:             uuid.NewString(),
		UOWID:          u.ID,
		Seq:            s.seq,
		Event:          loom.EventUOWCreated,
		NewStatus:      loom.StatusPending,
		NewHash:        hash,
		NewInteraction: spec.InteractionID,
		ActorID:        spec.ActorID,
		Reasoning:      spec.Reasoning,
		CreatedAt:      now,
	})

	return copyUOW(u), nil
}

// GetUOW returns the record plus its current attribute map.
func (s *MemStore) GetUOW(_ context.Context, id string) (*loom.UOW, map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uows[id]
	if !ok {
		return nil, nil, loom.ErrNotFound
	}
	return copyUOW(u), s.currentAttrs(id), nil
}

// currentAttrs builds the latest-version-wins attribute map. Caller holds
// the lock.
func (s *MemStore) currentAttrs(uowID string) map[string]any {
	attrs := map[string]any{}
	versions := map[string]int{}
	for _, row := range s.uowAttrs[uowID] {
		if row.Version >= versions[row.Key] {
			versions[row.Key] = row.Version
			attrs[row.Key] = row.Value
		}
	}
	return attrs
}

// UpdateState applies one atomic mutation per loom.UpdateSpec.
func (s *MemStore) UpdateState(ctx context.Context, spec loom.UpdateSpec) (*loom.UOW, error) {
	if err := s.authorize(ctx, spec.ActorID, spec.UOWID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uows[spec.UOWID]
	if !ok {
		return nil, loom.ErrNotFound
	}
	if spec.ExpectStatus != "" && u.Status != spec.ExpectStatus {
		return nil, loom.ErrNotLocked
	}
	if spec.ExpectLockedBy != "" && u.LockedBy != spec.ExpectLockedBy {
		return nil, loom.ErrNotLocked
	}

	now := time.Now().UTC()
	prevStatus := u.Status
	prevHash := u.ContentHash
	prevInteraction := u.CurrentInteractionID

	attrs := s.currentAttrs(u.ID)
	versions := map[string]int{}
	for _, row := range s.uowAttrs[u.ID] {
		if row.Version > versions[row.Key] {
			versions[row.Key] = row.Version
		}
	}

	for key, value := range spec.Payload {
		// The learned-rule key is harvested into role memory, never
		// persisted onto the UOW; the policy snapshot is immutable.
		if key == loom.LearnedRuleKey || key == "interaction_policy" {
			continue
		}
		norm, err := normalize(value)
		if err != nil {
			return nil, &loom.EngineError{Code: loom.CodeInvalidSpec, Message: "attribute " + key + " is not serializable", Err: err}
		}
		if existing, ok := attrs[key]; ok && reflect.DeepEqual(existing, norm) {
			continue
		}
		attrs[key] = norm
		s.uowAttrs[u.ID] = append(s.uowAttrs[u.ID], loom.UOWAttribute{
			ID:        uuid.NewString(),
			UOWID:     u.ID,
			Key:       key,
			Value:     norm,
			Version:   versions[key] + 1,
			ActorID:   spec.ActorID,
			Reasoning: spec.Reasoning,
			CreatedAt: now,
		})
	}

	hash, err := loom.HashAttributes(attrs)
	if err != nil {
		return nil, err
	}
	u.ContentHash = hash
	u.Status = spec.NewStatus
	if spec.NewInteraction != nil {
		u.CurrentInteractionID = *spec.NewInteraction
	}
	if spec.ClearHeartbeat {
		u.LastHeartbeat = nil
		u.LockedBy = ""
	}
	if spec.AutoIncrement {
		u.InteractionCount++
	}
	if spec.ResetInteractionCount {
		u.InteractionCount = 0
	}

	event := spec.Event
	if event == "" {
		event = loom.EventStateTransition
	}
	s.seq++
	s.history[u.ID] = append(s.history[u.ID], loom.HistoryEntry{
		ID:              uuid.NewString(),
		UOWID:           u.ID,
		Seq:             s.seq,
		Event:           event,
		PrevStatus:      prevStatus,
		NewStatus:       u.Status,
		PrevHash:        prevHash,
		NewHash:         hash,
		PrevInteraction: prevInteraction,
		NewInteraction:  u.CurrentInteractionID,
		ActorID:         spec.ActorID,
		Reasoning:       spec.Reasoning,
		Payload:         copyMap(spec.EventPayload),
		CreatedAt:       now,
	})

	return copyUOW(u), nil
}

// SaveWithPilotCheck wraps UpdateState behind a pilot gate for high-risk
// target statuses.
func (s *MemStore) SaveWithPilotCheck(ctx context.Context, spec loom.UpdateSpec, highRisk []loom.Status, timeout time.Duration) (*loom.SaveResult, error) {
	risky := false
	for _, st := range highRisk {
		if spec.NewStatus == st {
			risky = true
			break
		}
	}
	if risky && s.gc != nil {
		decision := s.gc.WaitForPilot(ctx, spec.UOWID, "transition to "+string(spec.NewStatus), timeout)
		if !decision.Approved && !decision.Waived {
			return &loom.SaveResult{Success: false, BlockedBy: loom.CodePilotApproval}, nil
		}
		if decision.Waived {
			if spec.EventPayload == nil {
				spec.EventPayload = map[string]any{}
			}
			spec.EventPayload["waiver"] = true
			spec.EventPayload["waived_by"] = decision.PilotID
			spec.EventPayload["justification"] = decision.Reason
		}
	}
	u, err := s.UpdateState(ctx, spec)
	if err != nil {
		return nil, err
	}
	return &loom.SaveResult{Success: true, UOW: u}, nil
}

// LockUOW is the checkout compare-and-swap: PENDING -> ACTIVE for exactly
// one concurrent caller.
func (s *MemStore) LockUOW(ctx context.Context, uowID, actorID string) (*loom.UOW, map[string]any, error) {
	if err := s.authorize(ctx, actorID, uowID); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uows[uowID]
	if !ok {
		return nil, nil, loom.ErrNotFound
	}
	if u.Status != loom.StatusPending {
		return nil, nil, loom.ErrNotPending
	}

	now := time.Now().UTC()
	prevHash := u.ContentHash
	u.Status = loom.StatusActive
	u.LastHeartbeat = &now
	u.LockedBy = actorID

	s.seq++
	s.history[u.ID] = append(s.history[u.ID], loom.HistoryEntry{
		ID:              uuid.NewString(),
		UOWID:           u.ID,
		Seq:             s.seq,
		Event:           loom.EventStateTransition,
		PrevStatus:      loom.StatusPending,
		NewStatus:       loom.StatusActive,
		PrevHash:        prevHash,
		NewHash:         u.ContentHash,
		PrevInteraction: u.CurrentInteractionID,
		NewInteraction:  u.CurrentInteractionID,
		ActorID:         actorID,
		Reasoning:       "checkout",
		CreatedAt:       now,
	})

	return copyUOW(u), s.currentAttrs(u.ID), nil
}

// TouchHeartbeat advances last_heartbeat on an ACTIVE UOW. Idempotent:
// status and counters are untouched.
func (s *MemStore) TouchHeartbeat(ctx context.Context, uowID, actorID string, now time.Time) error {
	if err := s.authorize(ctx, actorID, uowID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uows[uowID]
	if !ok {
		return loom.ErrNotFound
	}
	if u.Status != loom.StatusActive {
		return loom.ErrNotLocked
	}
	if u.LockedBy != "" && u.LockedBy != actorID {
		return loom.ErrNotLocked
	}
	ts := now.UTC()
	u.LastHeartbeat = &ts
	return nil
}

// ApplyMutation records a conditional-injector application.
func (s *MemStore) ApplyMutation(_ context.Context, uowID string, instructions string, fragments []string, m loom.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.uows[uowID]
	if !ok {
		return loom.ErrNotFound
	}
	if m.ModelOverride != "" {
		u.ModelID = m.ModelOverride
	}
	if instructions != "" {
		if u.InjectedInstructions != "" {
			u.InjectedInstructions += "\n"
		}
		u.InjectedInstructions += instructions
	}
	for _, f := range fragments {
		if !containsString(u.KnowledgeFragments, f) {
			u.KnowledgeFragments = append(u.KnowledgeFragments, f)
		}
	}
	u.MutationAudit = append(u.MutationAudit, m)
	return nil
}

func (s *MemStore) AddChild(_ context.Context, parentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uows[parentID]
	if !ok {
		return loom.ErrNotFound
	}
	u.ChildCount++
	return nil
}

func (s *MemStore) ChildFinished(_ context.Context, parentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uows[parentID]
	if !ok {
		return loom.ErrNotFound
	}
	if u.FinishedChildCount < u.ChildCount {
		u.FinishedChildCount++
	}
	return nil
}

// Queries.

func (s *MemStore) FindByStatus(_ context.Context, status loom.Status, instanceID string) ([]loom.UOW, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []loom.UOW
	for _, u := range s.uows {
		if u.Status != status {
			continue
		}
		if instanceID != "" && u.InstanceID != instanceID {
			continue
		}
		out = append(out, *copyUOW(u))
	}
	sortUOWs(out)
	return out, nil
}

func (s *MemStore) FindPendingAt(_ context.Context, interactionIDs []string) ([]loom.UOW, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := map[string]bool{}
	for _, id := range interactionIDs {
		wanted[id] = true
	}
	var out []loom.UOW
	for _, u := range s.uows {
		if u.Status == loom.StatusPending && wanted[u.CurrentInteractionID] {
			out = append(out, *copyUOW(u))
		}
	}
	sortUOWs(out)
	return out, nil
}

func (s *MemStore) FindZombies(_ context.Context, cutoff time.Time) ([]loom.UOW, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []loom.UOW
	for _, u := range s.uows {
		if u.Status == loom.StatusActive && u.LastHeartbeat != nil && u.LastHeartbeat.Before(cutoff) {
			out = append(out, *copyUOW(u))
		}
	}
	sortUOWs(out)
	return out, nil
}

func (s *MemStore) FindByInteractionLimit(_ context.Context, instanceID string) ([]loom.UOW, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []loom.UOW
	for _, u := range s.uows {
		if instanceID != "" && u.InstanceID != instanceID {
			continue
		}
		if u.MaxInteractions > 0 && u.InteractionCount >= u.MaxInteractions {
			out = append(out, *copyUOW(u))
		}
	}
	sortUOWs(out)
	return out, nil
}

// History.

func (s *MemStore) AppendHistory(_ context.Context, entry loom.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.uows[entry.UOWID]; !ok {
		return loom.ErrNotFound
	}
	s.seq++
	entry.Seq = s.seq
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.history[entry.UOWID] = append(s.history[entry.UOWID], entry)
	return nil
}

func (s *MemStore) GetHistory(_ context.Context, uowID string, limit int) ([]loom.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.history[uowID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]loom.HistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// VerifyStateHash recomputes the hash from the live attribute set.
func (s *MemStore) VerifyStateHash(_ context.Context, uowID string, emitViolation bool) (bool, error) {
	s.mu.Lock()
	u, ok := s.uows[uowID]
	if !ok {
		s.mu.Unlock()
		return false, loom.ErrNotFound
	}
	stored := u.ContentHash
	attrs := s.currentAttrs(uowID)
	s.mu.Unlock()

	computed, err := loom.HashAttributes(attrs)
	if err != nil {
		return false, err
	}
	if computed == stored {
		return true, nil
	}
	if emitViolation {
		s.emitViolation(loom.ViolationPacket{
			Rule:     loom.ViolationStateDrift,
			Severity: loom.SeverityCritical,
			UOWID:    uowID,
			Remedy:   "rollback, quarantine, or request a pilot waiver",
			Detail:   fmt.Sprintf("stored %s computed %s", stored, computed),
		})
	}
	return false, nil
}

// Role memory.

func (s *MemStore) UpsertRoleAttribute(_ context.Context, attr loom.RoleAttribute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.roleAttrs {
		if existing.InstanceID == attr.InstanceID &&
			existing.RoleID == attr.RoleID &&
			existing.ContextType == attr.ContextType &&
			existing.ContextID == attr.ContextID &&
			existing.Key == attr.Key {
			existing.Value = attr.Value
			existing.Confidence = attr.Confidence
			existing.LastAccessedAt = attr.LastAccessedAt
			return nil
		}
	}
	if attr.ID == "" {
		attr.ID = uuid.NewString()
	}
	if attr.CreatedAt.IsZero() {
		attr.CreatedAt = time.Now().UTC()
	}
	cp := attr
	s.roleAttrs[attr.ID] = &cp
	return nil
}

func (s *MemStore) RoleAttributes(_ context.Context, instanceID, roleID, actorID string) ([]loom.RoleAttribute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []loom.RoleAttribute
	for _, a := range s.roleAttrs {
		if a.InstanceID != instanceID || a.RoleID != roleID || a.Toxic {
			continue
		}
		if a.ContextType == loom.ContextGlobal ||
			(a.ContextType == loom.ContextActor && a.ContextID == actorID) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) TouchRoleAttributes(_ context.Context, ids []string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := now.UTC()
	for _, id := range ids {
		if a, ok := s.roleAttrs[id]; ok {
			t := ts
			a.LastAccessedAt = &t
		}
	}
	return nil
}

func (s *MemStore) DecayRoleAttributes(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, a := range s.roleAttrs {
		// Toxic records are a permanent exclusion list; decay never touches
		// them or the same bad rule could be re-harvested untainted.
		if !a.Toxic && a.LastAccessedAt != nil && a.LastAccessedAt.Before(cutoff) {
			delete(s.roleAttrs, id)
			count++
		}
	}
	return count, nil
}

func (s *MemStore) SetRoleAttributeToxic(_ context.Context, id string, toxic bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.roleAttrs[id]
	if !ok {
		return loom.ErrNotFound
	}
	a.Toxic = toxic
	return nil
}

// RoleAttributeByKey looks up a single memory record regardless of toxic
// flag. Used by admin surfaces and tests.
func (s *MemStore) RoleAttributeByKey(instanceID, roleID string, ct loom.ContextType, contextID, key string) (*loom.RoleAttribute, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.roleAttrs {
		if a.InstanceID == instanceID && a.RoleID == roleID &&
			a.ContextType == ct && a.ContextID == contextID && a.Key == key {
			cp := *a
			return &cp, true
		}
	}
	return nil, false
}

// Telemetry sink.

func (s *MemStore) WriteLogEntries(_ context.Context, entries []emit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entries...)
	return nil
}

// LogEntries returns a copy of the drained interaction log. Test helper.
func (s *MemStore) LogEntries() []emit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]emit.Entry, len(s.logs))
	copy(out, s.logs)
	return out
}

// helpers

func sortUOWs(us []loom.UOW) {
	sort.Slice(us, func(i, j int) bool {
		if us[i].CreatedAt.Equal(us[j].CreatedAt) {
			return us[i].ID < us[j].ID
		}
		return us[i].CreatedAt.Before(us[j].CreatedAt)
	})
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// normalize round-trips a value through JSON so stored attribute values use
// the same concrete types every backend produces. Content hashes are then
// deterministic across stores.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, err := normalize(m)
	if err != nil {
		return nil
	}
	return out.(map[string]any)
}

func copyUOW(u *loom.UOW) *loom.UOW {
	cp := *u
	if u.LastHeartbeat != nil {
		t := *u.LastHeartbeat
		cp.LastHeartbeat = &t
	}
	cp.Policy = copyMap(u.Policy)
	cp.KnowledgeFragments = append([]string(nil), u.KnowledgeFragments...)
	cp.MutationAudit = append([]loom.Mutation(nil), u.MutationAudit...)
	return &cp
}

func copySet(set *loom.Set) (*loom.Set, error) {
	cp := &loom.Set{Workflow: set.Workflow}
	cp.Roles = append([]loom.Role(nil), set.Roles...)
	cp.Interactions = append([]loom.Interaction(nil), set.Interactions...)
	cp.Components = append([]loom.Component(nil), set.Components...)
	cp.Guardians = make([]loom.Guardian, 0, len(set.Guardians))
	for _, g := range set.Guardians {
		g.Config = copyMap(g.Config)
		cp.Guardians = append(cp.Guardians, g)
	}
	return cp, nil
}
