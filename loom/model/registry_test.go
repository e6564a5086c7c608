package model

import (
	"context"
	"testing"
)

type stubModel struct{ reply string }

func (s *stubModel) Chat(_ context.Context, _ []Message) (ChatOut, error) {
	return ChatOut{Text: s.reply}, nil
}

func TestRegistryResolveWhitelisted(t *testing.T) {
	r := NewRegistry("safe-model")
	r.Allow("premium", nil)

	id, substituted := r.Resolve("premium")
	if id != "premium" || substituted {
		t.Errorf("Resolve(premium) = %s, %v, want premium, false", id, substituted)
	}
}

func TestRegistryResolveSubstitutesFailover(t *testing.T) {
	r := NewRegistry("safe-model")

	id, substituted := r.Resolve("rogue-model")
	if id != "safe-model" || !substituted {
		t.Errorf("Resolve(rogue-model) = %s, %v, want safe-model, true", id, substituted)
	}
}

func TestRegistryFailoverAlwaysAllowed(t *testing.T) {
	r := NewRegistry("safe-model")
	if !r.Allowed("safe-model") {
		t.Error("failover model not whitelisted")
	}
	if id, substituted := r.Resolve("safe-model"); id != "safe-model" || substituted {
		t.Errorf("Resolve(safe-model) = %s, %v", id, substituted)
	}
}

func TestRegistryClientBinding(t *testing.T) {
	r := NewRegistry("safe-model")
	stub := &stubModel{reply: "ok"}
	r.Allow("premium", stub)
	r.Allow("id-only", nil)

	if r.Client("premium") != stub {
		t.Error("bound client not returned")
	}
	if r.Client("id-only") != nil {
		t.Error("id-only registration returned a client")
	}
	if r.Client("unknown") != nil {
		t.Error("unknown model returned a client")
	}

	out, err := r.Client("premium").Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	if err != nil || out.Text != "ok" {
		t.Errorf("Chat = %+v, %v", out, err)
	}
}
