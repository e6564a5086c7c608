package loom

import "time"

// Entities are plain data; relationships are explicit ids resolved through
// the Store. Blueprint-tier rows carry an empty InstanceID; instance-tier
// rows are scoped by the InstanceID of their isolation root.

// Workflow is a workflow definition: the blueprint original or its
// per-instance clone.
type Workflow struct {
	ID         string
	InstanceID string // empty in the blueprint tier
	TemplateID string // blueprint workflow this clone came from
	Name       string
	Version    string
	Notes      string
}

// Role is a logical node in the workflow graph.
type Role struct {
	ID              string
	InstanceID      string
	WorkflowID      string
	Name            string
	Type            RoleType
	Strategy        Strategy // required for BETA roles
	ChildWorkflowID string   // recursive gateway reference, cloned unexpanded
}

// Interaction is a queue between roles.
type Interaction struct {
	ID         string
	InstanceID string
	WorkflowID string
	Name       string
}

// Component is a directed edge joining a role and an interaction.
type Component struct {
	ID            string
	InstanceID    string
	WorkflowID    string
	InteractionID string
	RoleID        string
	Direction     Direction
	Name          string
}

// Guardian is a gate attached to a component. Config is an opaque mapping
// interpreted by the guard evaluator according to Type.
type Guardian struct {
	ID          string
	InstanceID  string
	WorkflowID  string
	ComponentID string
	Name        string
	Type        GuardType
	Config      map[string]any
}

// Instance is a running clone of a blueprint and the isolation boundary for
// all runtime state.
type Instance struct {
	ID          string
	TemplateID  string
	Name        string
	Description string
	Status      string
	DeployedAt  time.Time
}

// Actor performs work against roles it is assigned to.
type Actor struct {
	ID           string
	InstanceID   string
	Identity     string
	Type         ActorType
	Capabilities []string
}

// Assignment authorizes an actor to check out work for a role.
type Assignment struct {
	ID         string
	InstanceID string
	ActorID    string
	RoleID     string
	Active     bool
}

// RoleAttribute is a role-scoped memory record, created on harvest and
// deleted on decay. Toxic records survive decay checks but are excluded
// from every retrieval.
type RoleAttribute struct {
	ID             string
	InstanceID     string
	RoleID         string
	ContextType    ContextType
	ContextID      string // GlobalContextID or an actor id
	Key            string
	Value          any
	Confidence     int // 0-100
	Toxic          bool
	CreatedAt      time.Time
	LastAccessedAt *time.Time
}

// Mutation is one conditional-injector application recorded on a UOW's
// mutation audit log.
type Mutation struct {
	GuardName     string    `json:"guard_name"`
	Condition     string    `json:"condition"`
	ModelOverride string    `json:"model_override,omitempty"`
	FailoverUsed  bool      `json:"failover_used"`
	FailoverModel string    `json:"failover_model,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// UOW is the atomic unit of work routed through the graph.
type UOW struct {
	ID                   string
	InstanceID           string
	WorkflowID           string
	ParentID             string
	CurrentInteractionID string
	Status               Status
	ChildCount           int
	FinishedChildCount   int
	LastHeartbeat        *time.Time
	LockedBy             string // actor holding the ACTIVE lock
	ContentHash          string
	InteractionCount     int
	MaxInteractions      int // 0 means unlimited
	RetryCount           int

	// Policy is the immutable interaction-policy snapshot recorded at
	// creation. The store silently drops any later mutation attempt.
	Policy map[string]any

	// Conditional-injector mutation surface.
	ModelID              string
	InjectedInstructions string
	KnowledgeFragments   []string
	MutationAudit        []Mutation

	CreatedAt time.Time
}

// UOWAttribute is one versioned payload cell. Every mutation appends a new
// row; the current value of a key is its maximum-version row.
type UOWAttribute struct {
	ID        string
	UOWID     string
	Key       string
	Value     any
	Version   int
	ActorID   string
	Reasoning string
	CreatedAt time.Time
}

// HistoryEntry is one append-only state-transition record. PrevHash of entry
// k equals NewHash of entry k-1, chaining state identity backwards.
type HistoryEntry struct {
	ID              string
	UOWID           string
	Seq             int64
	Event           EventType
	PrevStatus      Status
	NewStatus       Status
	PrevHash        string
	NewHash         string
	PrevInteraction string
	NewInteraction  string
	ActorID         string
	Reasoning       string
	Payload         map[string]any
	CreatedAt       time.Time
}

// Reserved attribute keys. LearnedRuleKey is harvested into role memory and
// never persisted onto the UOW itself; the others are engine-authored.
const (
	LearnedRuleKey    = "_learned_rule"
	GuardRejectionKey = "_guard_rejection"
	ErrorKey          = "_error"
	ZombieKey         = "_zombie"
	ClarificationKey  = "_clarification"
)
