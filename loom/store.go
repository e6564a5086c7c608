package loom

import (
	"context"
	"time"

	"github.com/loomworks/loom/loom/emit"
)

// Set is a complete workflow graph: one workflow plus its roles,
// interactions, components and guardians. The blueprint tier stores the
// immutable original; instantiation writes a per-instance clone.
type Set struct {
	Workflow     Workflow
	Roles        []Role
	Interactions []Interaction
	Components   []Component
	Guardians    []Guardian
}

// CreateUOWSpec describes a new UOW. Attributes become version-1 rows
// authored by ActorID with Reasoning; the initial content hash and the
// UOW_CREATED history entry are produced atomically with the insert.
type CreateUOWSpec struct {
	InstanceID      string
	WorkflowID      string
	ParentID        string
	InteractionID   string
	Attributes      map[string]any
	ActorID         string
	Reasoning       string
	MaxInteractions int
	Policy          map[string]any
}

// UpdateSpec describes one atomic state mutation of a UOW.
//
// Payload keys are merged into the attribute set: a key whose value is new
// or changed gets a fresh row at version = current+1; unchanged values are
// skipped. The content hash is recomputed, the status and heartbeat updated,
// and a history entry appended carrying the previous hash and status. Any
// key matching the policy snapshot is silently ignored.
type UpdateSpec struct {
	UOWID     string
	NewStatus Status
	Payload   map[string]any
	ActorID   string
	Reasoning string

	// AutoIncrement bumps interaction_count. Pilot actions leave it false.
	AutoIncrement bool

	// ResetInteractionCount zeroes interaction_count (pilot clarification).
	ResetInteractionCount bool

	// NewInteraction moves the token to another queue when non-nil.
	NewInteraction *string

	// ClearHeartbeat zeroes last_heartbeat (submit, report, zombie reclaim).
	ClearHeartbeat bool

	// Event overrides the history event type; zero value means
	// STATE_TRANSITION.
	Event EventType

	// EventPayload is attached to the history entry.
	EventPayload map[string]any

	// ExpectStatus, when non-empty, makes the update conditional: the store
	// fails with ErrNotLocked inside the same transaction when the UOW is no
	// longer in this status. Guards against a transition landing between the
	// caller's read and the write.
	ExpectStatus Status

	// ExpectLockedBy, when non-empty, additionally requires the UOW to still
	// be locked by this actor.
	ExpectLockedBy string
}

// SaveResult is the outcome of SaveWithPilotCheck.
type SaveResult struct {
	Success   bool
	BlockedBy string // CodePilotApproval when the pilot rejected or timed out
	UOW       *UOW
}

// PilotDecision is the answer to a WaitForPilot request.
type PilotDecision struct {
	Approved bool
	Waived   bool
	PilotID  string
	Reason   string
}

// GuardContext is the capability handed to the store's mutating operations.
//
// IsAuthorized is consulted before any state mutation; refusal emits a
// ViolationPacket and fails with GUARD_UNAUTHORIZED. WaitForPilot blocks a
// high-risk transition until a pilot approves, waives, rejects, or the
// timeout expires (expiry counts as rejection).
type GuardContext interface {
	IsAuthorized(ctx context.Context, actorID, uowID string) bool
	WaitForPilot(ctx context.Context, uowID, reason string, timeout time.Duration) PilotDecision
}

// ViolationPacket describes a rule violation published to the broadcaster.
type ViolationPacket struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	UOWID    string `json:"uow_id"`
	Remedy   string `json:"remedy"`
	Detail   string `json:"detail,omitempty"`
}

// Violation rule and severity vocabulary.
const (
	ViolationAuthorization = "AUTHORIZATION"
	ViolationStateDrift    = "STATE_DRIFT"
	SeverityCritical       = "CRITICAL"
)

// Store is the persistence contract shared by every engine component. It
// spans both tiers: read-only blueprint access and mutable instance state.
//
// Implementations must guarantee:
//   - LockUOW is a compare-and-swap on status: PENDING -> ACTIVE succeeds
//     for exactly one concurrent caller; losers get ErrNotPending.
//   - Attribute versions are strictly monotonic per (uow, key).
//   - History is append-only and hash-chained.
//   - The interaction-policy snapshot never mutates after creation.
type Store interface {
	// Blueprint tier.

	// PutTemplate stores a blueprint graph. Used by the importer.
	PutTemplate(ctx context.Context, set *Set) error

	// GetTemplate loads a blueprint graph by workflow id.
	// Returns ErrNotFound when the template does not exist.
	GetTemplate(ctx context.Context, workflowID string) (*Set, error)

	// Instance tier: topology.

	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)

	// DeleteInstance removes an instance and everything scoped to it.
	// Used as the compensation step when instantiation fails mid-way.
	DeleteInstance(ctx context.Context, id string) error

	// PutInstanceGraph stores a cloned workflow graph in the instance tier.
	PutInstanceGraph(ctx context.Context, set *Set) error

	GetRole(ctx context.Context, roleID string) (*Role, error)

	// RolesForInstance lists the instance-tier roles of a deployment. Used
	// by adapters to resolve role ids after instantiation.
	RolesForInstance(ctx context.Context, instanceID string) ([]Role, error)

	// ComponentsForRole lists the role's edges in the given direction.
	ComponentsForRole(ctx context.Context, roleID string, dir Direction) ([]Component, error)

	// ConsumersOf lists the INBOUND components attached to an interaction.
	ConsumersOf(ctx context.Context, interactionID string) ([]Component, error)

	// GuardianForComponent returns the gate on a component, or nil when the
	// edge is unguarded.
	GuardianForComponent(ctx context.Context, componentID string) (*Guardian, error)

	// InboundInteractionForRoleType resolves the inbound queue of the
	// workflow's role of the given type ("" when the workflow has none).
	// Used for EPSILON and TAU routing.
	InboundInteractionForRoleType(ctx context.Context, workflowID string, rt RoleType) (string, error)

	// Actors.

	CreateActor(ctx context.Context, a *Actor) error
	GetActor(ctx context.Context, id string) (*Actor, error)
	CreateAssignment(ctx context.Context, as *Assignment) error
	HasAssignment(ctx context.Context, actorID, roleID string) (bool, error)

	// UOW lifecycle.

	CreateUOW(ctx context.Context, spec CreateUOWSpec) (*UOW, error)

	// GetUOW returns the record plus its current attribute map
	// (latest version wins per key).
	GetUOW(ctx context.Context, id string) (*UOW, map[string]any, error)

	// UpdateState applies one atomic mutation. See UpdateSpec.
	UpdateState(ctx context.Context, spec UpdateSpec) (*UOW, error)

	// SaveWithPilotCheck wraps UpdateState: when the target status is in
	// highRisk it first asks GuardContext.WaitForPilot. Rejection returns
	// SaveResult{Success: false, BlockedBy: PILOT_APPROVAL_REQUIRED}; a
	// waiver records the waiver metadata in the history payload.
	SaveWithPilotCheck(ctx context.Context, spec UpdateSpec, highRisk []Status, timeout time.Duration) (*SaveResult, error)

	// LockUOW is the checkout lock: CAS PENDING -> ACTIVE, setting
	// last_heartbeat and locked_by. Exactly one concurrent caller wins.
	LockUOW(ctx context.Context, uowID, actorID string) (*UOW, map[string]any, error)

	// TouchHeartbeat advances last_heartbeat on an ACTIVE UOW. Idempotent.
	TouchHeartbeat(ctx context.Context, uowID, actorID string, now time.Time) error

	// ApplyMutation records a conditional-injector application: model id,
	// appended instructions, unioned knowledge fragments, audit entry.
	ApplyMutation(ctx context.Context, uowID string, instructions string, fragments []string, m Mutation) error

	// AddChild increments child_count on the parent row.
	AddChild(ctx context.Context, parentID string) error

	// ChildFinished increments finished_child_count on the parent row.
	// Implementations must never let it exceed child_count.
	ChildFinished(ctx context.Context, parentID string) error

	// Queries.

	FindByStatus(ctx context.Context, status Status, instanceID string) ([]UOW, error)
	FindPendingAt(ctx context.Context, interactionIDs []string) ([]UOW, error)
	FindZombies(ctx context.Context, cutoff time.Time) ([]UOW, error)
	FindByInteractionLimit(ctx context.Context, instanceID string) ([]UOW, error)

	// History.

	AppendHistory(ctx context.Context, entry HistoryEntry) error
	GetHistory(ctx context.Context, uowID string, limit int) ([]HistoryEntry, error)

	// VerifyStateHash recomputes the hash from the live attribute set and
	// compares with the stored value. When emitViolation is set a mismatch
	// also publishes a STATE_DRIFT violation.
	VerifyStateHash(ctx context.Context, uowID string, emitViolation bool) (bool, error)

	// Role memory.

	UpsertRoleAttribute(ctx context.Context, attr RoleAttribute) error

	// RoleAttributes returns the non-toxic union of GLOBAL records and the
	// actor's personal records for the role.
	RoleAttributes(ctx context.Context, instanceID, roleID, actorID string) ([]RoleAttribute, error)

	TouchRoleAttributes(ctx context.Context, ids []string, now time.Time) error

	// DecayRoleAttributes deletes records whose last_accessed_at is older
	// than cutoff. Records never accessed (nil) are exempt.
	DecayRoleAttributes(ctx context.Context, cutoff time.Time) (int, error)

	SetRoleAttributeToxic(ctx context.Context, id string, toxic bool) error

	// Telemetry sink: stores drain the telemetry buffer into the
	// interaction log.
	emit.Sink
}
