package store

import (
	"context"
	"testing"
	"time"

	"github.com/loomworks/loom/loom"
	"github.com/loomworks/loom/loom/emit"
)

func memFactory(t *testing.T) loom.Store {
	t.Helper()
	return NewMemStore(loom.NewDesk(), emit.NewNullEmitter())
}

func TestMemStore(t *testing.T) {
	runStoreSuite(t, memFactory)
}

type denyAll struct{}

func (denyAll) IsAuthorized(context.Context, string, string) bool { return false }
func (denyAll) WaitForPilot(_ context.Context, _, _ string, _ time.Duration) loom.PilotDecision {
	return loom.PilotDecision{}
}

func TestMemStoreGuardRefusalEmitsViolation(t *testing.T) {
	emitter := emit.NewCollectEmitter()
	st := NewMemStore(denyAll{}, emitter)
	f := deployGraph(t, st)

	// Creation is engine-authored; the guard hook gates the mutation path.
	u, err := st.CreateUOW(context.Background(), loom.CreateUOWSpec{
		InstanceID:    f.instanceID,
		WorkflowID:    f.workflowID,
		InteractionID: f.workQueue,
		ActorID:       loom.SystemActorID,
	})
	if err != nil {
		t.Fatalf("CreateUOW: %v", err)
	}

	_, err = st.UpdateState(context.Background(), loom.UpdateSpec{
		UOWID:     u.ID,
		NewStatus: loom.StatusCompleted,
		ActorID:   "intruder",
	})
	if loom.CodeOf(err) != loom.CodeGuardUnauthorized {
		t.Fatalf("UpdateState under refusal = %v, want GUARD_UNAUTHORIZED", err)
	}

	violations := emitter.ByType("violation")
	if len(violations) != 1 {
		t.Fatalf("violations = %d, want 1", len(violations))
	}
	if violations[0].Payload["rule"] != loom.ViolationAuthorization {
		t.Errorf("violation rule = %v, want AUTHORIZATION", violations[0].Payload["rule"])
	}
	if violations[0].Payload["severity"] != loom.SeverityCritical {
		t.Errorf("violation severity = %v, want CRITICAL", violations[0].Payload["severity"])
	}
}

func TestMemStoreWriteLogEntries(t *testing.T) {
	st := NewMemStore(loom.NewDesk(), emit.NewNullEmitter())
	entries := []emit.Entry{
		{UOWID: "u-1", Type: emit.LogTelemetry, Message: "a", At: time.Now().UTC()},
		{UOWID: "u-2", Type: emit.LogError, Message: "b", At: time.Now().UTC()},
	}
	if err := st.WriteLogEntries(context.Background(), entries); err != nil {
		t.Fatalf("WriteLogEntries: %v", err)
	}
	got := st.LogEntries()
	if len(got) != 2 {
		t.Fatalf("LogEntries = %d, want 2", len(got))
	}
}
