package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/loom"
)

// The store contract is backend-independent; every test here runs against
// each backend through its factory in memory_test.go / sqlite_test.go.

type storeFactory func(t *testing.T) loom.Store

// fixture is a deployed instance graph with the ids tests need.
type fixture struct {
	store         loom.Store
	instanceID    string
	workflowID    string
	betaRoleID    string
	workQueue     string // ALPHA -> BETA
	doneQueue     string // BETA -> OMEGA
	errorQueue    string // EPSILON inbound
	timeoutQueue  string // TAU inbound
	betaInboundID string // component id of BETA's inbound edge
}

func deployGraph(t *testing.T, st loom.Store) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		store:        st,
		instanceID:   uuid.NewString(),
		workflowID:   uuid.NewString(),
		workQueue:    uuid.NewString(),
		doneQueue:    uuid.NewString(),
		errorQueue:   uuid.NewString(),
		timeoutQueue: uuid.NewString(),
	}

	if err := st.CreateInstance(ctx, &loom.Instance{
		ID:         f.instanceID,
		TemplateID: uuid.NewString(),
		Name:       "invoice-approval",
		Status:     "ACTIVE",
		DeployedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	alphaID := uuid.NewString()
	f.betaRoleID = uuid.NewString()
	omegaID := uuid.NewString()
	epsilonID := uuid.NewString()
	tauID := uuid.NewString()
	f.betaInboundID = uuid.NewString()

	set := &loom.Set{
		Workflow: loom.Workflow{ID: f.workflowID, InstanceID: f.instanceID, Name: "invoice-approval"},
		Roles: []loom.Role{
			{ID: alphaID, InstanceID: f.instanceID, WorkflowID: f.workflowID, Name: "intake", Type: loom.RoleAlpha},
			{ID: f.betaRoleID, InstanceID: f.instanceID, WorkflowID: f.workflowID, Name: "review", Type: loom.RoleBeta, Strategy: loom.StrategyHomogeneous},
			{ID: omegaID, InstanceID: f.instanceID, WorkflowID: f.workflowID, Name: "archive", Type: loom.RoleOmega},
			{ID: epsilonID, InstanceID: f.instanceID, WorkflowID: f.workflowID, Name: "triage", Type: loom.RoleEpsilon},
			{ID: tauID, InstanceID: f.instanceID, WorkflowID: f.workflowID, Name: "stale", Type: loom.RoleTau},
		},
		Interactions: []loom.Interaction{
			{ID: f.workQueue, InstanceID: f.instanceID, WorkflowID: f.workflowID, Name: "work"},
			{ID: f.doneQueue, InstanceID: f.instanceID, WorkflowID: f.workflowID, Name: "done"},
			{ID: f.errorQueue, InstanceID: f.instanceID, WorkflowID: f.workflowID, Name: "errors"},
			{ID: f.timeoutQueue, InstanceID: f.instanceID, WorkflowID: f.workflowID, Name: "timeouts"},
		},
		Components: []loom.Component{
			{ID: uuid.NewString(), InstanceID: f.instanceID, WorkflowID: f.workflowID, RoleID: alphaID, InteractionID: f.workQueue, Direction: loom.DirectionOutbound, Name: "intake-out"},
			{ID: f.betaInboundID, InstanceID: f.instanceID, WorkflowID: f.workflowID, RoleID: f.betaRoleID, InteractionID: f.workQueue, Direction: loom.DirectionInbound, Name: "review-in"},
			{ID: uuid.NewString(), InstanceID: f.instanceID, WorkflowID: f.workflowID, RoleID: f.betaRoleID, InteractionID: f.doneQueue, Direction: loom.DirectionOutbound, Name: "review-out"},
			{ID: uuid.NewString(), InstanceID: f.instanceID, WorkflowID: f.workflowID, RoleID: omegaID, InteractionID: f.doneQueue, Direction: loom.DirectionInbound, Name: "archive-in"},
			{ID: uuid.NewString(), InstanceID: f.instanceID, WorkflowID: f.workflowID, RoleID: epsilonID, InteractionID: f.errorQueue, Direction: loom.DirectionInbound, Name: "triage-in"},
			{ID: uuid.NewString(), InstanceID: f.instanceID, WorkflowID: f.workflowID, RoleID: tauID, InteractionID: f.timeoutQueue, Direction: loom.DirectionInbound, Name: "stale-in"},
		},
	}
	if err := st.PutInstanceGraph(ctx, set); err != nil {
		t.Fatalf("PutInstanceGraph: %v", err)
	}
	return f
}

func (f *fixture) createUOW(t *testing.T, attrs map[string]any) *loom.UOW {
	t.Helper()
	u, err := f.store.CreateUOW(context.Background(), loom.CreateUOWSpec{
		InstanceID:    f.instanceID,
		WorkflowID:    f.workflowID,
		InteractionID: f.workQueue,
		Attributes:    attrs,
		ActorID:       loom.SystemActorID,
		Reasoning:     "Initial workflow context",
	})
	if err != nil {
		t.Fatalf("CreateUOW: %v", err)
	}
	return u
}

func runStoreSuite(t *testing.T, factory storeFactory) {
	t.Run("CreateAndGetUOW", func(t *testing.T) { testCreateAndGetUOW(t, factory) })
	t.Run("AttributeVersioning", func(t *testing.T) { testAttributeVersioning(t, factory) })
	t.Run("HashChain", func(t *testing.T) { testHashChain(t, factory) })
	t.Run("LockSingleWinner", func(t *testing.T) { testLockSingleWinner(t, factory) })
	t.Run("PolicyImmutable", func(t *testing.T) { testPolicyImmutable(t, factory) })
	t.Run("LearnedRuleNotPersisted", func(t *testing.T) { testLearnedRuleNotPersisted(t, factory) })
	t.Run("Heartbeat", func(t *testing.T) { testHeartbeat(t, factory) })
	t.Run("ChildCounters", func(t *testing.T) { testChildCounters(t, factory) })
	t.Run("FindZombies", func(t *testing.T) { testFindZombies(t, factory) })
	t.Run("ApplyMutation", func(t *testing.T) { testApplyMutation(t, factory) })
	t.Run("RoleMemory", func(t *testing.T) { testRoleMemory(t, factory) })
	t.Run("VerifyStateHash", func(t *testing.T) { testVerifyStateHash(t, factory) })
	t.Run("TemplateRoundTrip", func(t *testing.T) { testTemplateRoundTrip(t, factory) })
	t.Run("RolesForInstance", func(t *testing.T) { testRolesForInstance(t, factory) })
	t.Run("InboundForRoleType", func(t *testing.T) { testInboundForRoleType(t, factory) })
	t.Run("Assignments", func(t *testing.T) { testAssignments(t, factory) })
	t.Run("ResetInteractionCount", func(t *testing.T) { testResetInteractionCount(t, factory) })
	t.Run("ConditionalUpdate", func(t *testing.T) { testConditionalUpdate(t, factory) })
}

func testCreateAndGetUOW(t *testing.T, factory storeFactory) {
	f := deployGraph(t, factory(t))
	ctx := context.Background()

	created := f.createUOW(t, map[string]any{"invoice_id": "INV-003", "amount": 1500})

	u, attrs, err := f.store.GetUOW(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetUOW: %v", err)
	}
	if u.Status != loom.StatusPending {
		t.Errorf("Status = %s, want PENDING", u.Status)
	}
	if u.CurrentInteractionID != f.workQueue {
		t.Errorf("CurrentInteractionID = %s, want work queue", u.CurrentInteractionID)
	}
	if attrs["invoice_id"] != "INV-003" {
		t.Errorf("invoice_id = %v", attrs["invoice_id"])
	}

	wantHash, _ := loom.HashAttributes(attrs)
	if u.ContentHash != wantHash {
		t.Errorf("ContentHash = %s, want %s", u.ContentHash, wantHash)
	}

	history, err := f.store.GetHistory(ctx, created.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) != 1 || history[0].Event != loom.EventUOWCreated {
		t.Fatalf("history = %+v, want one UOW_CREATED entry", history)
	}
	if history[0].NewHash != u.ContentHash {
		t.Errorf("UOW_CREATED NewHash = %s, want %s", history[0].NewHash, u.ContentHash)
	}

	if _, _, err := f.store.GetUOW(ctx, uuid.NewString()); !errors.Is(err, loom.ErrNotFound) {
		t.Errorf("GetUOW(unknown) = %v, want ErrNotFound", err)
	}
}

func testAttributeVersioning(t *testing.T, factory storeFactory) {
	f := deployGraph(t, factory(t))
	ctx := context.Background()
	u := f.createUOW(t, map[string]any{"status": "pending", "amount": 1500})

	// Unchanged value: no new version. Changed value: version 2.
	_, err := f.store.UpdateState(ctx, loom.UpdateSpec{
		UOWID:     u.ID,
		NewStatus: loom.StatusPending,
		Payload:   map[string]any{"status": "pending", "amount": 1500},
		ActorID:   loom.SystemActorID,
	})
	if err != nil {
		t.Fatalf("UpdateState (no-op payload): %v", err)
	}
	_, err = f.store.UpdateState(ctx, loom.UpdateSpec{
		UOWID:     u.ID,
		NewStatus: loom.StatusCompleted,
		Payload:   map[string]any{"status": "approved", "approver": "mgr-123"},
		ActorID:   loom.SystemActorID,
	})
	if err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	_, attrs, err := f.store.GetUOW(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUOW: %v", err)
	}
	if attrs["status"] != "approved" {
		t.Errorf("status = %v, want approved", attrs["status"])
	}
	if attrs["approver"] != "mgr-123" {
		t.Errorf("approver = %v", attrs["approver"])
	}
}

func testHashChain(t *testing.T, factory storeFactory) {
	f := deployGraph(t, factory(t))
	ctx := context.Background()
	u := f.createUOW(t, map[string]any{"status": "pending"})

	if _, _, err := f.store.LockUOW(ctx, u.ID, "actor-1"); err != nil {
		t.Fatalf("LockUOW: %v", err)
	}
	if _, err := f.store.UpdateState(ctx, loom.UpdateSpec{
		UOWID:     u.ID,
		NewStatus: loom.StatusCompleted,
		Payload:   map[string]any{"status": "approved"},
		ActorID:   "actor-1",
	}); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	history, err := f.store.GetHistory(ctx, u.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) < 3 {
		t.Fatalf("history has %d entries, want >= 3", len(history))
	}
	if history[0].PrevHash != "" {
		t.Errorf("first entry PrevHash = %q, want empty", history[0].PrevHash)
	}
	for k := 1; k < len(history); k++ {
		if history[k].PrevHash != history[k-1].NewHash {
			t.Errorf("chain broken at %d: PrevHash %s != prior NewHash %s",
				k, history[k].PrevHash, history[k-1].NewHash)
		}
		if history[k].Seq <= history[k-1].Seq {
			t.Errorf("seq not increasing at %d: %d then %d", k, history[k-1].Seq, history[k].Seq)
		}
	}
}

func testLockSingleWinner(t *testing.T, factory storeFactory) {
	f := deployGraph(t, factory(t))
	ctx := context.Background()
	u := f.createUOW(t, nil)

	const callers = 8
	var wg sync.WaitGroup
	wins := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		actor := uuid.NewString()
		go func() {
			defer wg.Done()
			locked, _, err := f.store.LockUOW(ctx, u.ID, actor)
			if err == nil {
				wins <- locked.LockedBy
				return
			}
			if !errors.Is(err, loom.ErrNotPending) {
				t.Errorf("loser got %v, want ErrNotPending", err)
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("%d concurrent checkouts won, want exactly 1", len(winners))
	}

	got, _, err := f.store.GetUOW(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUOW: %v", err)
	}
	if got.Status != loom.StatusActive || got.LockedBy != winners[0] {
		t.Errorf("uow = %s locked by %q, want ACTIVE by %q", got.Status, got.LockedBy, winners[0])
	}
	if got.LastHeartbeat == nil {
		t.Error("LastHeartbeat not set on checkout")
	}
}

func testPolicyImmutable(t *testing.T, factory storeFactory) {
	f := deployGraph(t, factory(t))
	ctx := context.Background()

	policy := map[string]any{
		"branches": []any{map[string]any{"when": "amount > 100", "to": f.doneQueue}},
	}
	u, err := f.store.CreateUOW(ctx, loom.CreateUOWSpec{
		InstanceID:    f.instanceID,
		WorkflowID:    f.workflowID,
		InteractionID: f.workQueue,
		Attributes:    map[string]any{"amount": 500},
		ActorID:       loom.SystemActorID,
		Policy:        policy,
	})
	if err != nil {
		t.Fatalf("CreateUOW: %v", err)
	}

	if _, err := f.store.UpdateState(ctx, loom.UpdateSpec{
		UOWID:     u.ID,
		NewStatus: loom.StatusPending,
		Payload: map[string]any{
			"interaction_policy": map[string]any{"branches": []any{}},
			"amount":             900,
		},
		ActorID: loom.SystemActorID,
	}); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	got, attrs, err := f.store.GetUOW(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUOW: %v", err)
	}
	if len(got.Policy) == 0 {
		t.Fatal("policy snapshot lost")
	}
	branches, _ := got.Policy["branches"].([]any)
	if len(branches) != 1 {
		t.Errorf("policy mutated: %+v", got.Policy)
	}
	if _, leaked := attrs["interaction_policy"]; leaked {
		t.Error("interaction_policy leaked into the attribute set")
	}
}

func testLearnedRuleNotPersisted(t *testing.T, factory storeFactory) {
	f := deployGraph(t, factory(t))
	ctx := context.Background()
	u := f.createUOW(t, nil)

	if _, err := f.store.UpdateState(ctx, loom.UpdateSpec{
		UOWID:     u.ID,
		NewStatus: loom.StatusCompleted,
		Payload: map[string]any{
			"status":            "ok",
			loom.LearnedRuleKey: map[string]any{"key": "invoice_limit", "value": 500},
		},
		ActorID: loom.SystemActorID,
	}); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	_, attrs, err := f.store.GetUOW(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUOW: %v", err)
	}
	if _, leaked := attrs[loom.LearnedRuleKey]; leaked {
		t.Error("_learned_rule persisted on the UOW")
	}
	if attrs["status"] != "ok" {
		t.Errorf("status = %v, want ok", attrs["status"])
	}
}

func testHeartbeat(t *testing.T, factory storeFactory) {
	f := deployGraph(t, factory(t))
	ctx := context.Background()
	u := f.createUOW(t, nil)

	if err := f.store.TouchHeartbeat(ctx, u.ID, "actor-1", time.Now()); !errors.Is(err, loom.ErrNotLocked) {
		t.Errorf("heartbeat on PENDING = %v, want ErrNotLocked", err)
	}

	if _, _, err := f.store.LockUOW(ctx, u.ID, "actor-1"); err != nil {
		t.Fatalf("LockUOW: %v", err)
	}
	if err := f.store.TouchHeartbeat(ctx, u.ID, "actor-2", time.Now()); !errors.Is(err, loom.ErrNotLocked) {
		t.Errorf("heartbeat by wrong actor = %v, want ErrNotLocked", err)
	}

	// Idempotent: two heartbeats leave status and counters unchanged.
	before, _, _ := f.store.GetUOW(ctx, u.ID)
	if err := f.store.TouchHeartbeat(ctx, u.ID, "actor-1", time.Now()); err != nil {
		t.Fatalf("TouchHeartbeat: %v", err)
	}
	if err := f.store.TouchHeartbeat(ctx, u.ID, "actor-1", time.Now()); err != nil {
		t.Fatalf("second TouchHeartbeat: %v", err)
	}
	after, _, _ := f.store.GetUOW(ctx, u.ID)
	if after.Status != before.Status || after.InteractionCount != before.InteractionCount {
		t.Error("heartbeat changed status or counters")
	}
	if after.LastHeartbeat == nil {
		t.Error("LastHeartbeat cleared by heartbeat")
	}
}

func testChildCounters(t *testing.T, factory storeFactory) {
	f := deployGraph(t, factory(t))
	ctx := context.Background()
	parent := f.createUOW(t, nil)

	for i := 0; i < 2; i++ {
		_, err := f.store.CreateUOW(ctx, loom.CreateUOWSpec{
			InstanceID:    f.instanceID,
			WorkflowID:    f.workflowID,
			ParentID:      parent.ID,
			InteractionID: f.workQueue,
			ActorID:       loom.SystemActorID,
		})
		if err != nil {
			t.Fatalf("CreateUOW child: %v", err)
		}
	}

	got, _, _ := f.store.GetUOW(ctx, parent.ID)
	if got.ChildCount != 2 {
		t.Fatalf("ChildCount = %d, want 2", got.ChildCount)
	}

	// finished_child_count never exceeds child_count.
	for i := 0; i < 4; i++ {
		if err := f.store.ChildFinished(ctx, parent.ID); err != nil {
			t.Fatalf("ChildFinished: %v", err)
		}
	}
	got, _, _ = f.store.GetUOW(ctx, parent.ID)
	if got.FinishedChildCount != 2 {
		t.Errorf("FinishedChildCount = %d, want capped at 2", got.FinishedChildCount)
	}
}

func testFindZombies(t *testing.T, factory storeFactory) {
	f := deployGraph(t, factory(t))
	ctx := context.Background()

	stale := f.createUOW(t, nil)
	fresh := f.createUOW(t, nil)
	if _, _, err := f.store.LockUOW(ctx, stale.ID, "actor-1"); err != nil {
		t.Fatalf("LockUOW: %v", err)
	}
	if _, _, err := f.store.LockUOW(ctx, fresh.ID, "actor-2"); err != nil {
		t.Fatalf("LockUOW: %v", err)
	}
	if err := f.store.TouchHeartbeat(ctx, stale.ID, "actor-1", time.Now().Add(-10*time.Minute)); err != nil {
		t.Fatalf("TouchHeartbeat: %v", err)
	}

	zombies, err := f.store.FindZombies(ctx, time.Now().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("FindZombies: %v", err)
	}
	if len(zombies) != 1 || zombies[0].ID != stale.ID {
		t.Errorf("zombies = %+v, want only the stale uow", zombies)
	}

	// Empty sweep is a no-op, never an error.
	none, err := f.store.FindZombies(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("FindZombies(old cutoff): %v", err)
	}
	if len(none) != 0 {
		t.Errorf("zombies = %d, want 0", len(none))
	}
}

func testApplyMutation(t *testing.T, factory storeFactory) {
	f := deployGraph(t, factory(t))
	ctx := context.Background()
	u := f.createUOW(t, nil)

	m1 := loom.Mutation{GuardName: "escalate", Condition: "amount > 100", ModelOverride: "gpt-4", Timestamp: time.Now().UTC()}
	if err := f.store.ApplyMutation(ctx, u.ID, "check totals", []string{"frag-a"}, m1); err != nil {
		t.Fatalf("ApplyMutation: %v", err)
	}
	m2 := loom.Mutation{GuardName: "escalate", Condition: "amount > 100", Timestamp: time.Now().UTC()}
	if err := f.store.ApplyMutation(ctx, u.ID, "be careful", []string{"frag-a", "frag-b"}, m2); err != nil {
		t.Fatalf("ApplyMutation: %v", err)
	}

	got, _, err := f.store.GetUOW(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUOW: %v", err)
	}
	if got.ModelID != "gpt-4" {
		t.Errorf("ModelID = %q, want gpt-4", got.ModelID)
	}
	if got.InjectedInstructions != "check totals\nbe careful" {
		t.Errorf("InjectedInstructions = %q", got.InjectedInstructions)
	}
	if len(got.KnowledgeFragments) != 2 {
		t.Errorf("KnowledgeFragments = %v, want deduplicated pair", got.KnowledgeFragments)
	}
	if len(got.MutationAudit) != 2 {
		t.Errorf("MutationAudit length = %d, want 2", len(got.MutationAudit))
	}
}

func testRoleMemory(t *testing.T, factory storeFactory) {
	f := deployGraph(t, factory(t))
	ctx := context.Background()

	attr := loom.RoleAttribute{
		ID:          uuid.NewString(),
		InstanceID:  f.instanceID,
		RoleID:      f.betaRoleID,
		ContextType: loom.ContextActor,
		ContextID:   "actor-1",
		Key:         "invoice_limit",
		Value:       500,
		Confidence:  100,
		CreatedAt:   time.Now().UTC(),
	}
	if err := f.store.UpsertRoleAttribute(ctx, attr); err != nil {
		t.Fatalf("UpsertRoleAttribute: %v", err)
	}

	// Upsert with the same scope and key updates in place.
	attr.ID = uuid.NewString()
	attr.Value = 600
	if err := f.store.UpsertRoleAttribute(ctx, attr); err != nil {
		t.Fatalf("UpsertRoleAttribute (update): %v", err)
	}

	records, err := f.store.RoleAttributes(ctx, f.instanceID, f.betaRoleID, "actor-1")
	if err != nil {
		t.Fatalf("RoleAttributes: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1 (upsert must not duplicate)", len(records))
	}
	if v, _ := toInt(records[0].Value); v != 600 {
		t.Errorf("value = %v, want 600", records[0].Value)
	}

	// Another actor does not see actor-scoped records.
	other, _ := f.store.RoleAttributes(ctx, f.instanceID, f.betaRoleID, "actor-2")
	if len(other) != 0 {
		t.Errorf("actor-2 sees %d records, want 0", len(other))
	}

	// Toxic records are excluded from every retrieval but survive decay.
	if err := f.store.SetRoleAttributeToxic(ctx, records[0].ID, true); err != nil {
		t.Fatalf("SetRoleAttributeToxic: %v", err)
	}
	records, _ = f.store.RoleAttributes(ctx, f.instanceID, f.betaRoleID, "actor-1")
	if len(records) != 0 {
		t.Errorf("toxic record returned: %+v", records)
	}
	n, err := f.store.DecayRoleAttributes(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("DecayRoleAttributes: %v", err)
	}
	if n != 0 {
		t.Errorf("decay removed %d records, want 0 (toxic and never-accessed exempt)", n)
	}
}

// The status and lock-holder preconditions are checked inside the same
// transaction as the write, so an update racing a reclaim or kill switch
// loses cleanly instead of clobbering the newer state.
func testConditionalUpdate(t *testing.T, factory storeFactory) {
	f := deployGraph(t, factory(t))
	ctx := context.Background()
	u := f.createUOW(t, map[string]any{"status": "pending"})

	if _, _, err := f.store.LockUOW(ctx, u.ID, "actor-1"); err != nil {
		t.Fatalf("LockUOW: %v", err)
	}

	// Wrong holder.
	_, err := f.store.UpdateState(ctx, loom.UpdateSpec{
		UOWID:          u.ID,
		NewStatus:      loom.StatusCompleted,
		ActorID:        "actor-2",
		ExpectStatus:   loom.StatusActive,
		ExpectLockedBy: "actor-2",
	})
	if !errors.Is(err, loom.ErrNotLocked) {
		t.Fatalf("UpdateState with wrong holder = %v, want ErrNotLocked", err)
	}

	// A reclaim lands first; the holder's stale conditional write must lose.
	if _, err := f.store.UpdateState(ctx, loom.UpdateSpec{
		UOWID:          u.ID,
		NewStatus:      loom.StatusFailed,
		Payload:        map[string]any{"reclaimed": true},
		ActorID:        loom.SystemActorID,
		ClearHeartbeat: true,
	}); err != nil {
		t.Fatalf("UpdateState (reclaim): %v", err)
	}
	_, err = f.store.UpdateState(ctx, loom.UpdateSpec{
		UOWID:          u.ID,
		NewStatus:      loom.StatusCompleted,
		Payload:        map[string]any{"status": "approved"},
		ActorID:        "actor-1",
		ExpectStatus:   loom.StatusActive,
		ExpectLockedBy: "actor-1",
	})
	if !errors.Is(err, loom.ErrNotLocked) {
		t.Fatalf("stale conditional update = %v, want ErrNotLocked", err)
	}

	got, attrs, err := f.store.GetUOW(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUOW: %v", err)
	}
	if got.Status != loom.StatusFailed {
		t.Errorf("status = %s, want FAILED preserved", got.Status)
	}
	if attrs["status"] == "approved" {
		t.Error("failed precondition still wrote attributes")
	}

	// Unconditional updates keep working.
	if _, err := f.store.UpdateState(ctx, loom.UpdateSpec{
		UOWID:     u.ID,
		NewStatus: loom.StatusFailed,
		Payload:   map[string]any{"note": "triaged"},
		ActorID:   loom.SystemActorID,
	}); err != nil {
		t.Fatalf("UpdateState (unconditional): %v", err)
	}
}

func testVerifyStateHash(t *testing.T, factory storeFactory) {
	f := deployGraph(t, factory(t))
	ctx := context.Background()
	u := f.createUOW(t, map[string]any{"amount": 42})

	ok, err := f.store.VerifyStateHash(ctx, u.ID, false)
	if err != nil {
		t.Fatalf("VerifyStateHash: %v", err)
	}
	if !ok {
		t.Error("fresh uow reported drifted")
	}
}

func testTemplateRoundTrip(t *testing.T, factory storeFactory) {
	st := factory(t)
	ctx := context.Background()

	wfID := uuid.NewString()
	roleID := uuid.NewString()
	qID := uuid.NewString()
	set := &loom.Set{
		Workflow: loom.Workflow{ID: wfID, Name: "bp", Version: "1"},
		Roles: []loom.Role{
			{ID: roleID, WorkflowID: wfID, Name: "intake", Type: loom.RoleAlpha},
		},
		Interactions: []loom.Interaction{{ID: qID, WorkflowID: wfID, Name: "work"}},
		Components: []loom.Component{
			{ID: uuid.NewString(), WorkflowID: wfID, RoleID: roleID, InteractionID: qID, Direction: loom.DirectionOutbound, Name: "intake-out"},
		},
		Guardians: []loom.Guardian{},
	}
	if err := st.PutTemplate(ctx, set); err != nil {
		t.Fatalf("PutTemplate: %v", err)
	}

	got, err := st.GetTemplate(ctx, wfID)
	if err != nil {
		t.Fatalf("GetTemplate: %v", err)
	}
	if got.Workflow.Name != "bp" || len(got.Roles) != 1 || len(got.Interactions) != 1 || len(got.Components) != 1 {
		t.Errorf("template round trip mangled the graph: %+v", got)
	}

	if _, err := st.GetTemplate(ctx, uuid.NewString()); !errors.Is(err, loom.ErrNotFound) {
		t.Errorf("GetTemplate(unknown) = %v, want ErrNotFound", err)
	}
}

func testRolesForInstance(t *testing.T, factory storeFactory) {
	f := deployGraph(t, factory(t))
	roles, err := f.store.RolesForInstance(context.Background(), f.instanceID)
	if err != nil {
		t.Fatalf("RolesForInstance: %v", err)
	}
	if len(roles) != 5 {
		t.Fatalf("roles = %d, want 5", len(roles))
	}
}

func testInboundForRoleType(t *testing.T, factory storeFactory) {
	f := deployGraph(t, factory(t))
	ctx := context.Background()

	epsilon, err := f.store.InboundInteractionForRoleType(ctx, f.workflowID, loom.RoleEpsilon)
	if err != nil {
		t.Fatalf("InboundInteractionForRoleType: %v", err)
	}
	if epsilon != f.errorQueue {
		t.Errorf("EPSILON inbound = %s, want error queue", epsilon)
	}

	tau, _ := f.store.InboundInteractionForRoleType(ctx, f.workflowID, loom.RoleTau)
	if tau != f.timeoutQueue {
		t.Errorf("TAU inbound = %s, want timeout queue", tau)
	}

	// ALPHA has no inbound edge.
	alpha, err := f.store.InboundInteractionForRoleType(ctx, f.workflowID, loom.RoleAlpha)
	if err != nil || alpha != "" {
		t.Errorf("ALPHA inbound = (%q, %v), want empty", alpha, err)
	}
}

func testAssignments(t *testing.T, factory storeFactory) {
	f := deployGraph(t, factory(t))
	ctx := context.Background()

	actorID := uuid.NewString()
	if err := f.store.CreateActor(ctx, &loom.Actor{
		ID: actorID, InstanceID: f.instanceID, Identity: "reviewer@example.com", Type: loom.ActorHuman,
	}); err != nil {
		t.Fatalf("CreateActor: %v", err)
	}

	ok, err := f.store.HasAssignment(ctx, actorID, f.betaRoleID)
	if err != nil || ok {
		t.Fatalf("HasAssignment before assign = (%v, %v), want (false, nil)", ok, err)
	}

	if err := f.store.CreateAssignment(ctx, &loom.Assignment{
		ID: uuid.NewString(), InstanceID: f.instanceID, ActorID: actorID, RoleID: f.betaRoleID, Active: true,
	}); err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}
	ok, err = f.store.HasAssignment(ctx, actorID, f.betaRoleID)
	if err != nil || !ok {
		t.Errorf("HasAssignment after assign = (%v, %v), want (true, nil)", ok, err)
	}
}

func testResetInteractionCount(t *testing.T, factory storeFactory) {
	f := deployGraph(t, factory(t))
	ctx := context.Background()
	u := f.createUOW(t, nil)

	for i := 0; i < 3; i++ {
		if _, err := f.store.UpdateState(ctx, loom.UpdateSpec{
			UOWID:         u.ID,
			NewStatus:     loom.StatusPending,
			ActorID:       loom.SystemActorID,
			AutoIncrement: true,
		}); err != nil {
			t.Fatalf("UpdateState: %v", err)
		}
	}
	got, _, _ := f.store.GetUOW(ctx, u.ID)
	if got.InteractionCount != 3 {
		t.Fatalf("InteractionCount = %d, want 3", got.InteractionCount)
	}

	if _, err := f.store.UpdateState(ctx, loom.UpdateSpec{
		UOWID:                 u.ID,
		NewStatus:             loom.StatusActive,
		ActorID:               "pilot-1",
		ResetInteractionCount: true,
	}); err != nil {
		t.Fatalf("UpdateState (reset): %v", err)
	}
	got, _, _ = f.store.GetUOW(ctx, u.ID)
	if got.InteractionCount != 0 {
		t.Errorf("InteractionCount = %d, want 0 after reset", got.InteractionCount)
	}
}

// toInt widens the numeric representations the backends may hand back.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
