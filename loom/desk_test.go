package loom

import (
	"context"
	"testing"
	"time"
)

func TestDeskDecideAnswersWaiter(t *testing.T) {
	d := NewDesk()

	go func() {
		for i := 0; i < 200; i++ {
			if d.Decide("u-1", PilotDecision{Approved: true, PilotID: "pilot-1"}) {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	dec := d.WaitForPilot(context.Background(), "u-1", "transition to COMPLETED", time.Second)
	if !dec.Approved {
		t.Fatalf("decision = %+v, want approved", dec)
	}
	if dec.PilotID != "pilot-1" {
		t.Errorf("pilot id = %q, want pilot-1", dec.PilotID)
	}
}

func TestDeskTimeoutCountsAsRejection(t *testing.T) {
	d := NewDesk()
	dec := d.WaitForPilot(context.Background(), "u-1", "transition to FAILED", 10*time.Millisecond)
	if dec.Approved || dec.Waived {
		t.Fatalf("decision = %+v, want rejection on expiry", dec)
	}
	if dec.Reason == "" {
		t.Error("expiry decision carries no reason")
	}
}

func TestDeskContextCancelRejects(t *testing.T) {
	d := NewDesk()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dec := d.WaitForPilot(ctx, "u-1", "shutdown", time.Minute)
	if dec.Approved {
		t.Fatalf("decision = %+v, want rejection on cancel", dec)
	}
}

func TestDeskDecideWithoutWaiter(t *testing.T) {
	d := NewDesk()
	if d.Decide("nobody", PilotDecision{Approved: true}) {
		t.Error("Decide reported success with no waiter")
	}
}

func TestDeskPendingLists(t *testing.T) {
	d := NewDesk()
	done := make(chan struct{})
	go func() {
		d.WaitForPilot(context.Background(), "u-9", "hold", time.Second)
		close(done)
	}()

	deadline := time.After(time.Second)
	for {
		if ids := d.Pending(); len(ids) == 1 && ids[0] == "u-9" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("u-9 never appeared in Pending")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if !d.Decide("u-9", PilotDecision{Approved: true}) {
		t.Fatal("Decide found no waiter")
	}
	<-done
	if ids := d.Pending(); len(ids) != 0 {
		t.Errorf("Pending after decide = %v, want empty", ids)
	}
}

func TestDeskAuthorizerHook(t *testing.T) {
	d := NewDesk()
	if !d.IsAuthorized(context.Background(), "anyone", "u-1") {
		t.Error("nil Auth must allow")
	}

	d.Auth = func(_ context.Context, actorID, _ string) bool { return actorID == "trusted" }
	if d.IsAuthorized(context.Background(), "intruder", "u-1") {
		t.Error("Auth hook ignored")
	}
	if !d.IsAuthorized(context.Background(), "trusted", "u-1") {
		t.Error("Auth hook rejected the trusted actor")
	}
}
