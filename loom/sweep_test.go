package loom_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/loom"
	"github.com/loomworks/loom/loom/emit"
	"github.com/loomworks/loom/loom/store"
)

func TestZombieProtocolReclaimsStaleWork(t *testing.T) {
	f := newFixture(t, templateSpec{reviewOutbound: true}, map[string]any{"invoice_id": "INV-020"}, loom.Options{})
	f.assign("reviewer-1", "review")

	item, err := f.engine.CheckoutWork(f.ctx, "reviewer-1", f.roles["review"])
	if err != nil || item == nil {
		t.Fatalf("CheckoutWork = %v, %v", item, err)
	}

	// Backdate the heartbeat instead of sleeping.
	stale := time.Now().UTC().Add(-10 * time.Minute)
	if err := f.store.TouchHeartbeat(f.ctx, item.UOWID, "reviewer-1", stale); err != nil {
		t.Fatalf("TouchHeartbeat: %v", err)
	}

	n, err := f.engine.RunZombieProtocol(f.ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("RunZombieProtocol: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed = %d, want 1", n)
	}

	u, attrs := f.getUOW(item.UOWID)
	if u.Status != loom.StatusFailed {
		t.Errorf("status = %s, want FAILED", u.Status)
	}
	if u.CurrentInteractionID != f.inboundOf("stale") {
		t.Errorf("current interaction = %s, want the timeouts queue", u.CurrentInteractionID)
	}
	if u.LastHeartbeat != nil {
		t.Error("heartbeat not cleared on reclaim")
	}
	zombie, ok := attrs[loom.ZombieKey].(map[string]any)
	if !ok {
		t.Fatalf("no %s attribute: %v", loom.ZombieKey, attrs)
	}
	if zombie["stale_actor"] != "reviewer-1" {
		t.Errorf("stale_actor = %v, want reviewer-1", zombie["stale_actor"])
	}
	if got := len(f.events.ByType("uow_zombie_reclaimed")); got != 1 {
		t.Errorf("uow_zombie_reclaimed events = %d, want 1", got)
	}

	// Already reclaimed: nothing left to sweep.
	n, err = f.engine.RunZombieProtocol(f.ctx, 5*time.Minute)
	if err != nil || n != 0 {
		t.Fatalf("second sweep = %d, %v, want 0, nil", n, err)
	}
}

func TestZombieProtocolSparesFreshHeartbeats(t *testing.T) {
	f := newFixture(t, templateSpec{reviewOutbound: true}, nil, loom.Options{})
	f.assign("reviewer-1", "review")

	item, err := f.engine.CheckoutWork(f.ctx, "reviewer-1", f.roles["review"])
	if err != nil || item == nil {
		t.Fatalf("CheckoutWork = %v, %v", item, err)
	}

	n, err := f.engine.RunZombieProtocol(f.ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("RunZombieProtocol: %v", err)
	}
	if n != 0 {
		t.Fatalf("reclaimed = %d, want 0", n)
	}
	u, _ := f.getUOW(item.UOWID)
	if u.Status != loom.StatusActive {
		t.Errorf("status = %s, want ACTIVE", u.Status)
	}
}

func TestReclaimedWorkRejectsStaleSubmit(t *testing.T) {
	f := newFixture(t, templateSpec{reviewOutbound: true}, map[string]any{"invoice_id": "INV-021"}, loom.Options{})
	f.assign("reviewer-1", "review")

	item, err := f.engine.CheckoutWork(f.ctx, "reviewer-1", f.roles["review"])
	if err != nil || item == nil {
		t.Fatalf("CheckoutWork = %v, %v", item, err)
	}
	stale := time.Now().UTC().Add(-10 * time.Minute)
	if err := f.store.TouchHeartbeat(f.ctx, item.UOWID, "reviewer-1", stale); err != nil {
		t.Fatalf("TouchHeartbeat: %v", err)
	}
	if n, err := f.engine.RunZombieProtocol(f.ctx, 5*time.Minute); err != nil || n != 1 {
		t.Fatalf("RunZombieProtocol = %d, %v, want 1, nil", n, err)
	}

	// The original holder wakes up and submits against reclaimed work. The
	// reclaim must stand: no resurrection to COMPLETED.
	err = f.engine.SubmitWork(f.ctx, item.UOWID, "reviewer-1", map[string]any{"status": "approved"}, "")
	if loom.CodeOf(err) != loom.CodeNotLocked {
		t.Fatalf("SubmitWork after reclaim = %v, want NOT_LOCKED", err)
	}

	u, attrs := f.getUOW(item.UOWID)
	if u.Status != loom.StatusFailed {
		t.Errorf("status = %s, want FAILED preserved", u.Status)
	}
	if u.CurrentInteractionID != f.inboundOf("stale") {
		t.Errorf("reclaimed uow left the timeouts queue: %s", u.CurrentInteractionID)
	}
	if _, ok := attrs[loom.ZombieKey]; !ok {
		t.Error("reclaim record lost")
	}
	if attrs["status"] == "approved" {
		t.Error("stale submit wrote attributes")
	}
	if got := len(f.events.ByType("uow_submitted")); got != 0 {
		t.Errorf("uow_submitted events = %d, want 0", got)
	}
}

func TestMemoryDecayDeletesStaleRecords(t *testing.T) {
	f := newFixture(t, templateSpec{reviewOutbound: true}, nil, loom.Options{})
	roleID := f.roles["review"]
	old := time.Now().UTC().Add(-30 * 24 * time.Hour)

	upsert := func(key string, toxic bool, accessed *time.Time) {
		err := f.store.UpsertRoleAttribute(f.ctx, loom.RoleAttribute{
			ID:             uuid.NewString(),
			InstanceID:     f.instance,
			RoleID:         roleID,
			ContextType:    loom.ContextGlobal,
			ContextID:      loom.GlobalContextID,
			Key:            key,
			Value:          "v",
			Confidence:     80,
			Toxic:          toxic,
			CreatedAt:      old,
			LastAccessedAt: accessed,
		})
		if err != nil {
			t.Fatalf("UpsertRoleAttribute(%s): %v", key, err)
		}
	}

	upsert("stale-rule", false, &old)
	upsert("poisoned-rule", true, &old) // toxic records survive decay
	upsert("unused-rule", false, nil)   // never accessed: exempt

	n, err := f.engine.RunMemoryDecay(f.ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("RunMemoryDecay: %v", err)
	}
	if n != 1 {
		t.Fatalf("decayed = %d, want 1", n)
	}

	records, err := f.engine.GetMemory(f.ctx, f.instance, roleID, "reviewer-1", "")
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	for _, r := range records {
		if r.Key == "stale-rule" {
			t.Error("stale-rule survived decay")
		}
		if r.Key == "poisoned-rule" {
			t.Error("toxic record leaked into retrieval")
		}
	}
	if len(records) != 1 || records[0].Key != "unused-rule" {
		t.Errorf("records = %v, want only unused-rule", records)
	}

	// The toxic record is hidden from retrieval but must still exist:
	// deleting it would let the same bad rule be re-learned untainted.
	mem := f.store.(*store.MemStore)
	poisoned, ok := mem.RoleAttributeByKey(f.instance, roleID, loom.ContextGlobal, loom.GlobalContextID, "poisoned-rule")
	if !ok {
		t.Fatal("toxic record deleted by decay")
	}
	if !poisoned.Toxic {
		t.Error("toxic flag lost")
	}
}

func TestSweeperStopDrainsTelemetry(t *testing.T) {
	desk := loom.NewDesk()
	st := store.NewMemStore(desk, emit.NewNullEmitter())
	engine := loom.New(st, nil, emit.NewBuffer(64), nil, nil, loom.Options{})

	templateID := putTemplate(t, st, templateSpec{reviewOutbound: true})
	if _, err := engine.InstantiateWorkflow(context.Background(), templateID, nil, "", ""); err != nil {
		t.Fatalf("InstantiateWorkflow: %v", err)
	}

	s := loom.NewSweeper(engine)
	s.ZombiePeriod = 10 * time.Millisecond
	s.DecayPeriod = 10 * time.Millisecond
	s.FlushPeriod = 10 * time.Millisecond
	s.Start(context.Background())
	s.Stop()

	// Entries recorded after the loops stopped still land in the store.
	if _, err := engine.FlushTelemetry(context.Background(), 64); err != nil {
		t.Fatalf("FlushTelemetry: %v", err)
	}
}

func TestFlushTelemetryPersistsEntries(t *testing.T) {
	desk := loom.NewDesk()
	st := store.NewMemStore(desk, emit.NewNullEmitter())
	engine := loom.New(st, nil, emit.NewBuffer(64), nil, nil, loom.Options{})

	templateID := putTemplate(t, st, templateSpec{reviewOutbound: true})
	instanceID, err := engine.InstantiateWorkflow(context.Background(), templateID, map[string]any{"k": 1}, "", "")
	if err != nil {
		t.Fatalf("InstantiateWorkflow: %v", err)
	}
	roles, err := st.RolesForInstance(context.Background(), instanceID)
	if err != nil {
		t.Fatalf("RolesForInstance: %v", err)
	}
	var review string
	for _, r := range roles {
		if r.Name == "review" {
			review = r.ID
		}
	}
	_ = st.CreateActor(context.Background(), &loom.Actor{ID: "a-1", InstanceID: instanceID, Identity: "a-1", Type: loom.ActorHuman})
	if err := st.CreateAssignment(context.Background(), &loom.Assignment{
		ID: uuid.NewString(), InstanceID: instanceID, ActorID: "a-1", RoleID: review, Active: true,
	}); err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}

	// Checkout records an interaction-log entry in the buffer.
	item, err := engine.CheckoutWork(context.Background(), "a-1", review)
	if err != nil || item == nil {
		t.Fatalf("CheckoutWork = %v, %v", item, err)
	}

	n, err := engine.FlushTelemetry(context.Background(), 64)
	if err != nil {
		t.Fatalf("FlushTelemetry: %v", err)
	}
	if n == 0 {
		t.Fatal("flushed 0 entries, want at least the checkout entry")
	}
	if got := len(st.LogEntries()); got != n {
		t.Errorf("persisted entries = %d, want %d", got, n)
	}
}
