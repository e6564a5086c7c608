// Package loom provides the core workflow orchestration engine for Loom.
package loom

// Status is the lifecycle state of a unit of work.
//
// The vocabulary is the extended set: the four base states plus the three
// pilot-facing states. A UOW is born PENDING at an interaction, becomes
// ACTIVE on checkout, and ends COMPLETED or FAILED. PAUSED, ZOMBIED_SOFT and
// PENDING_PILOT_APPROVAL are reachable only through the pilot interface and
// the interaction-budget check.
type Status string

const (
	// StatusPending means the UOW is waiting at an interaction for checkout.
	StatusPending Status = "PENDING"

	// StatusActive means the UOW is checked out and locked by an actor.
	StatusActive Status = "ACTIVE"

	// StatusCompleted is terminal success.
	StatusCompleted Status = "COMPLETED"

	// StatusFailed is terminal failure. A failed UOW is additionally routed
	// to the error-handler (EPSILON) or timeout-handler (TAU) inbound queue.
	StatusFailed Status = "FAILED"

	// StatusPaused is set by the pilot kill switch on every ACTIVE UOW.
	StatusPaused Status = "PAUSED"

	// StatusZombiedSoft means the UOW hit its interaction budget and is
	// stalled awaiting pilot clarification.
	StatusZombiedSoft Status = "ZOMBIED_SOFT"

	// StatusPendingPilotApproval means a high-risk transition is blocked
	// awaiting an explicit pilot decision.
	StatusPendingPilotApproval Status = "PENDING_PILOT_APPROVAL"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// RoleType classifies a role node in the workflow graph.
type RoleType string

const (
	// RoleAlpha originates tokens. Exactly one per workflow.
	RoleAlpha RoleType = "ALPHA"

	// RoleBeta processes tokens. BETA roles declare a decomposition strategy.
	RoleBeta RoleType = "BETA"

	// RoleOmega finalizes tokens. Its inbound guard must be CERBERUS.
	RoleOmega RoleType = "OMEGA"

	// RoleEpsilon handles errors. Rejected and failed tokens land here.
	RoleEpsilon RoleType = "EPSILON"

	// RoleTau handles timeouts. Reclaimed zombies land here.
	RoleTau RoleType = "TAU"
)

// Strategy is the decomposition strategy declared by BETA roles.
type Strategy string

const (
	StrategyHomogeneous   Strategy = "HOMOGENEOUS"
	StrategyHeterogeneous Strategy = "HETEROGENEOUS"
)

// Direction orients a component edge between a role and an interaction.
type Direction string

const (
	// DirectionInbound means the role consumes tokens from the interaction.
	DirectionInbound Direction = "INBOUND"

	// DirectionOutbound means the role produces tokens onto the interaction.
	DirectionOutbound Direction = "OUTBOUND"
)

// GuardType selects the decision procedure of a guardian.
type GuardType string

const (
	GuardPassThru            GuardType = "PASS_THRU"
	GuardCriteriaGate        GuardType = "CRITERIA_GATE"
	GuardTTLCheck            GuardType = "TTL_CHECK"
	GuardComposite           GuardType = "COMPOSITE"
	GuardDirectionalFilter   GuardType = "DIRECTIONAL_FILTER"
	GuardCerberus            GuardType = "CERBERUS"
	GuardConditionalInjector GuardType = "CONDITIONAL_INJECTOR"
)

// ActorType classifies who performs work.
type ActorType string

const (
	ActorHuman   ActorType = "HUMAN"
	ActorAIAgent ActorType = "AI_AGENT"
	ActorSystem  ActorType = "SYSTEM"
)

// ContextType scopes a role-attribute memory record.
type ContextType string

const (
	// ContextGlobal memories are shared by every actor on the role.
	ContextGlobal ContextType = "GLOBAL"

	// ContextActor memories belong to a single actor's personal playbook.
	ContextActor ContextType = "ACTOR"
)

// GlobalContextID is the literal context id of GLOBAL memory records.
const GlobalContextID = "GLOBAL"

// EventType categorizes a UOW history entry.
type EventType string

const (
	EventUOWCreated           EventType = "UOW_CREATED"
	EventStateTransition      EventType = "STATE_TRANSITION"
	EventConstitutionalWaiver EventType = "CONSTITUTIONAL_WAIVER"
	EventPilotOverride        EventType = "PILOT_OVERRIDE"
)

// SystemActorID is the well-known actor id used for engine-authored
// mutations: initial context, guard rejections, zombie reclaims.
const SystemActorID = "00000000-0000-0000-0000-000000000001"
