package loom

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/loom/emit"
)

// Role memory: harvested learnings keyed by role, scoped GLOBAL or to one
// actor. Retrieval merges both scopes with the actor's personal records
// winning on key collision, and touches last_accessed_at so the decay
// sweeper spares records still in use.

// buildContext assembles the memory context handed out at checkout.
func (e *Engine) buildContext(ctx context.Context, instanceID, roleID, actorID string) (map[string]any, error) {
	records, err := e.store.RoleAttributes(ctx, instanceID, roleID, actorID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return map[string]any{}, nil
	}

	merged := make(map[string]any, len(records))
	touched := make([]string, 0, len(records))
	for _, r := range records {
		if r.ContextType == ContextGlobal {
			merged[r.Key] = r.Value
		}
		touched = append(touched, r.ID)
	}
	for _, r := range records {
		if r.ContextType == ContextActor {
			merged[r.Key] = r.Value
		}
	}
	if err := e.store.TouchRoleAttributes(ctx, touched, e.now().UTC()); err != nil {
		return nil, err
	}
	return merged, nil
}

// harvest extracts the reserved `_learned_rule` key from submitted results
// and upserts it as an actor-scoped memory at full confidence. The key is
// consumed here and never reaches the UOW's attribute set.
//
// The expected shape is {"key": string, "value": any}. Malformed payloads
// are logged and skipped; learning never fails a submit.
func (e *Engine) harvest(ctx context.Context, u *UOW, roleID, actorID string, results map[string]any) error {
	raw, ok := results[LearnedRuleKey]
	if !ok {
		return nil
	}

	rule, ok := raw.(map[string]any)
	if !ok {
		return fmt.Errorf("learned rule must be a mapping, got %T", raw)
	}
	key, _ := rule["key"].(string)
	value, hasValue := rule["value"]
	if key == "" || !hasValue {
		return fmt.Errorf("learned rule needs key and value, got %v", rule)
	}

	now := e.now().UTC()
	attr := RoleAttribute{
		ID:          uuid.NewString(),
		InstanceID:  u.InstanceID,
		RoleID:      roleID,
		ContextType: ContextActor,
		ContextID:   actorID,
		Key:         key,
		Value:       value,
		Confidence:  100,
		CreatedAt:   now,
	}
	if err := e.store.UpsertRoleAttribute(ctx, attr); err != nil {
		return err
	}
	e.record(emit.Entry{
		InstanceID: u.InstanceID,
		UOWID:      u.ID,
		RoleID:     roleID,
		Type:       emit.LogTelemetry,
		Message:    "learned rule harvested",
		Detail:     map[string]any{"key": key, "actor_id": actorID},
	})
	return nil
}

// MemoryRecord is one retrieval hit from GetMemory.
type MemoryRecord struct {
	Key            string     `json:"key"`
	Value          any        `json:"value"`
	ContextType    string     `json:"context_type"`
	Confidence     int        `json:"confidence"`
	CreatedAt      time.Time  `json:"created_at"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
}

// GetMemory queries an actor's merged role memory. An empty query returns
// everything; otherwise keys are matched by case-insensitive substring.
// Retrieval counts as access for decay purposes.
func (e *Engine) GetMemory(ctx context.Context, instanceID, roleID, actorID, query string) ([]MemoryRecord, error) {
	records, err := e.store.RoleAttributes(ctx, instanceID, roleID, actorID)
	if err != nil {
		return nil, err
	}

	// Actor-scoped records shadow GLOBAL records with the same key.
	actorKeys := make(map[string]bool)
	for _, r := range records {
		if r.ContextType == ContextActor {
			actorKeys[r.Key] = true
		}
	}

	needle := strings.ToLower(query)
	out := make([]MemoryRecord, 0, len(records))
	touched := make([]string, 0, len(records))
	for _, r := range records {
		if r.ContextType == ContextGlobal && actorKeys[r.Key] {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(r.Key), needle) {
			continue
		}
		touched = append(touched, r.ID)
		out = append(out, MemoryRecord{
			Key:            r.Key,
			Value:          r.Value,
			ContextType:    string(r.ContextType),
			Confidence:     r.Confidence,
			CreatedAt:      r.CreatedAt,
			LastAccessedAt: r.LastAccessedAt,
		})
	}

	if len(touched) > 0 {
		if err := e.store.TouchRoleAttributes(ctx, touched, e.now().UTC()); err != nil {
			return nil, err
		}
	}
	return out, nil
}
