package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/loom"
	"github.com/loomworks/loom/loom/emit"
)

// dialect captures the differences between the supported SQL backends. Both
// drivers accept "?" placeholders, so only schema bootstrap and row-locking
// syntax vary.
type dialect struct {
	name      string
	schema    []string
	forUpdate string // row-lock suffix for SELECT inside a transaction
}

// SQLStore is a relational implementation of loom.Store shared by the SQLite
// and MySQL backends. All timestamps are stored as RFC 3339 text and all
// attribute values as JSON text, so content hashes are identical across
// backends and the in-memory store.
type SQLStore struct {
	db      *sql.DB
	d       dialect
	gc      loom.GuardContext
	emitter emit.Emitter

	mu     sync.RWMutex
	closed bool
}

var _ loom.Store = (*SQLStore)(nil)

func newSQLStore(db *sql.DB, d dialect, gc loom.GuardContext, emitter emit.Emitter) (*SQLStore, error) {
	s := &SQLStore{db: db, d: d, gc: gc, emitter: emitter}
	ctx := context.Background()
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return s, nil
}

// Close closes the database connection. Double-close is a no-op.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.open(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

func (s *SQLStore) open() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

func (s *SQLStore) authorize(ctx context.Context, actorID, uowID string) error {
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

func (s *SQLStore) emitViolation(v loom.ViolationPacket) {
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

// JSON and time codecs. Values round-trip through encoding/json so every
// backend produces identical attribute maps, which keeps content hashes
// portable.

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal value: %w", err)
	}
	return string(data), nil
}

func decodeJSON(s string) (any, error) {
	if s == "" {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return out, nil
}

func decodeMap(s string) (map[string]any, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal map: %w", err)
	}
	return out, nil
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// Blueprint tier. The blueprint original is immutable after import, so the
// whole graph is stored as one JSON document per workflow id.

func (s *SQLStore) PutTemplate(ctx context.Context, set *loom.Set) error {
	if err := s.open(); err != nil {
		return err
	}
	doc, err := encodeJSON(templateDoc{
		Workflow:     set.Workflow,
		Roles:        set.Roles,
		Interactions: set.Interactions,
		Components:   set.Components,
		Guardians:    set.Guardians,
	})
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM bp_templates WHERE workflow_id = ?`, set.Workflow.ID); err != nil {
		return fmt.Errorf("failed to replace template: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO bp_templates (workflow_id, graph, created_at) VALUES (?, ?, ?)`,
		set.Workflow.ID, doc, encodeTime(time.Now())); err != nil {
		return fmt.Errorf("failed to store template: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) GetTemplate(ctx context.Context, workflowID string) (*loom.Set, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT graph FROM bp_templates WHERE workflow_id = ?`, workflowID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, loom.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load template: %w", err)
	}
	var td templateDoc
	if err := json.Unmarshal([]byte(doc), &td); err != nil {
		return nil, fmt.Errorf("failed to unmarshal template: %w", err)
	}
	return &loom.Set{
		Workflow:     td.Workflow,
		Roles:        td.Roles,
		Interactions: td.Interactions,
		Components:   td.Components,
		Guardians:    td.Guardians,
	}, nil
}

type templateDoc struct {
	Workflow     loom.Workflow      `json:"workflow"`
	Roles        []loom.Role        `json:"roles"`
	Interactions []loom.Interaction `json:"interactions"`
	Components   []loom.Component   `json:"components"`
	Guardians    []loom.Guardian    `json:"guardians"`
}

// Instance tier: topology.

func (s *SQLStore) CreateInstance(ctx context.Context, inst *loom.Instance) error {
	if err := s.open(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instances (id, template_id, name, description, status, deployed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.TemplateID, inst.Name, inst.Description, inst.Status, encodeTime(inst.DeployedAt))
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

func (s *SQLStore) GetInstance(ctx context.Context, id string) (*loom.Instance, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	var (
		inst       loom.Instance
		deployedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, template_id, name, description, status, deployed_at FROM instances WHERE id = ?`, id).
		Scan(&inst.ID, &inst.TemplateID, &inst.Name, &inst.Description, &inst.Status, &deployedAt)
	if err == sql.ErrNoRows {
		return nil, loom.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load instance: %w", err)
	}
	if inst.DeployedAt, err = decodeTime(deployedAt); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *SQLStore) DeleteInstance(ctx context.Context, id string) error {
	if err := s.open(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Child rows of UOWs first, then everything scoped by instance_id.
	scoped := []string{
		`DELETE FROM uow_attributes WHERE uow_id IN (SELECT id FROM uows WHERE instance_id = ?)`,
		`DELETE FROM uow_history WHERE uow_id IN (SELECT id FROM uows WHERE instance_id = ?)`,
		`DELETE FROM uows WHERE instance_id = ?`,
		`DELETE FROM role_attributes WHERE instance_id = ?`,
		`DELETE FROM assignments WHERE instance_id = ?`,
		`DELETE FROM actors WHERE instance_id = ?`,
		`DELETE FROM guardians WHERE instance_id = ?`,
		`DELETE FROM components WHERE instance_id = ?`,
		`DELETE FROM interactions WHERE instance_id = ?`,
		`DELETE FROM roles WHERE instance_id = ?`,
		`DELETE FROM workflows WHERE instance_id = ?`,
		`DELETE FROM interaction_log WHERE instance_id = ?`,
		`DELETE FROM instances WHERE id = ?`,
	}
	for _, q := range scoped {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("failed to delete instance state: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) PutInstanceGraph(ctx context.Context, set *loom.Set) error {
	if err := s.open(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	w := set.Workflow
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflows (id, instance_id, template_id, name, version, notes) VALUES (?, ?, ?, ?, ?, ?)`,
		w.ID, w.InstanceID, w.TemplateID, w.Name, w.Version, w.Notes); err != nil {
		return fmt.Errorf("failed to store workflow: %w", err)
	}
	for _, r := range set.Roles {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO roles (id, instance_id, workflow_id, name, type, strategy, child_workflow_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.InstanceID, r.WorkflowID, r.Name, string(r.Type), string(r.Strategy), r.ChildWorkflowID); err != nil {
			return fmt.Errorf("failed to store role: %w", err)
		}
	}
	for _, it := range set.Interactions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO interactions (id, instance_id, workflow_id, name) VALUES (?, ?, ?, ?)`,
			it.ID, it.InstanceID, it.WorkflowID, it.Name); err != nil {
			return fmt.Errorf("failed to store interaction: %w", err)
		}
	}
	for _, c := range set.Components {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO components (id, instance_id, workflow_id, interaction_id, role_id, direction, name)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.InstanceID, c.WorkflowID, c.InteractionID, c.RoleID, string(c.Direction), c.Name); err != nil {
			return fmt.Errorf("failed to store component: %w", err)
		}
	}
	for _, g := range set.Guardians {
		cfg, err := encodeJSON(g.Config)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO guardians (id, instance_id, workflow_id, component_id, name, type, config)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			g.ID, g.InstanceID, g.WorkflowID, g.ComponentID, g.Name, string(g.Type), cfg); err != nil {
			return fmt.Errorf("failed to store guardian: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) GetRole(ctx context.Context, roleID string) (*loom.Role, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	var (
		r        loom.Role
		rt, strt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, instance_id, workflow_id, name, type, strategy, child_workflow_id FROM roles WHERE id = ?`, roleID).
		Scan(&r.ID, &r.InstanceID, &r.WorkflowID, &r.Name, &rt, &strt, &r.ChildWorkflowID)
	if err == sql.ErrNoRows {
		return nil, loom.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load role: %w", err)
	}
	r.Type = loom.RoleType(rt)
	r.Strategy = loom.Strategy(strt)
	return &r, nil
}

func (s *SQLStore) RolesForInstance(ctx context.Context, instanceID string) ([]loom.Role, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, workflow_id, name, type, strategy, child_workflow_id
		 FROM roles WHERE instance_id = ? ORDER BY name`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query roles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []loom.Role
	for rows.Next() {
		var (
			r        loom.Role
			rt, strt string
		)
		if err := rows.Scan(&r.ID, &r.InstanceID, &r.WorkflowID, &r.Name, &rt, &strt, &r.ChildWorkflowID); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		r.Type = loom.RoleType(rt)
		r.Strategy = loom.Strategy(strt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) queryComponents(ctx context.Context, query string, args ...any) ([]loom.Component, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query components: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []loom.Component
	for rows.Next() {
		var (
			c   loom.Component
			dir string
		)
		if err := rows.Scan(&c.ID, &c.InstanceID, &c.WorkflowID, &c.InteractionID, &c.RoleID, &dir, &c.Name); err != nil {
			return nil, fmt.Errorf("failed to scan component: %w", err)
		}
		c.Direction = loom.Direction(dir)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) ComponentsForRole(ctx context.Context, roleID string, dir loom.Direction) ([]loom.Component, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	return s.queryComponents(ctx,
		`SELECT id, instance_id, workflow_id, interaction_id, role_id, direction, name
		 FROM components WHERE role_id = ? AND direction = ? ORDER BY name`,
		roleID, string(dir))
}

func (s *SQLStore) ConsumersOf(ctx context.Context, interactionID string) ([]loom.Component, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	return s.queryComponents(ctx,
		`SELECT id, instance_id, workflow_id, interaction_id, role_id, direction, name
		 FROM components WHERE interaction_id = ? AND direction = ? ORDER BY name`,
		interactionID, string(loom.DirectionInbound))
}

func (s *SQLStore) GuardianForComponent(ctx context.Context, componentID string) (*loom.Guardian, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	var (
		g       loom.Guardian
		gt, cfg string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, instance_id, workflow_id, component_id, name, type, config FROM guardians WHERE component_id = ?`,
		componentID).
		Scan(&g.ID, &g.InstanceID, &g.WorkflowID, &g.ComponentID, &g.Name, &gt, &cfg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load guardian: %w", err)
	}
	g.Type = loom.GuardType(gt)
	if g.Config, err = decodeMap(cfg); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *SQLStore) InboundInteractionForRoleType(ctx context.Context, workflowID string, rt loom.RoleType) (string, error) {
	if err := s.open(); err != nil {
		return "", err
	}
	var interactionID string
	err := s.db.QueryRowContext(ctx,
		`SELECT c.interaction_id
		 FROM components c JOIN roles r ON r.id = c.role_id
		 WHERE r.workflow_id = ? AND r.type = ? AND c.direction = ?
		 ORDER BY c.name LIMIT 1`,
		workflowID, string(rt), string(loom.DirectionInbound)).Scan(&interactionID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve inbound interaction: %w", err)
	}
	return interactionID, nil
}

// Actors.

func (s *SQLStore) CreateActor(ctx context.Context, a *loom.Actor) error {
	if err := s.open(); err != nil {
		return err
	}
	caps, err := encodeJSON(a.Capabilities)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO actors (id, instance_id, identity, type, capabilities) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.InstanceID, a.Identity, string(a.Type), caps)
	if err != nil {
		return fmt.Errorf("failed to create actor: %w", err)
	}
	return nil
}

func (s *SQLStore) GetActor(ctx context.Context, id string) (*loom.Actor, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	var (
		a        loom.Actor
		at, caps string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, instance_id, identity, type, capabilities FROM actors WHERE id = ?`, id).
		Scan(&a.ID, &a.InstanceID, &a.Identity, &at, &caps)
	if err == sql.ErrNoRows {
		return nil, loom.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load actor: %w", err)
	}
	a.Type = loom.ActorType(at)
	if caps != "" && caps != "null" {
		if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
		}
	}
	return &a, nil
}

func (s *SQLStore) CreateAssignment(ctx context.Context, as *loom.Assignment) error {
	if err := s.open(); err != nil {
		return err
	}
	active := 0
	if as.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assignments (id, instance_id, actor_id, role_id, active) VALUES (?, ?, ?, ?, ?)`,
		as.ID, as.InstanceID, as.ActorID, as.RoleID, active)
	if err != nil {
		return fmt.Errorf("failed to create assignment: %w", err)
	}
	return nil
}

func (s *SQLStore) HasAssignment(ctx context.Context, actorID, roleID string) (bool, error) {
	if err := s.open(); err != nil {
		return false, err
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM assignments WHERE actor_id = ? AND role_id = ? AND active = 1`,
		actorID, roleID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check assignment: %w", err)
	}
	return count > 0, nil
}

// UOW lifecycle.

func (s *SQLStore) CreateUOW(ctx context.Context, spec loom.CreateUOWSpec) (*loom.UOW, error) {
	if spec.InstanceID == "" || spec.WorkflowID == "" || spec.InteractionID == "" {
		return nil, &loom.EngineError{Code: loom.CodeInvalidSpec, Message: "instance, workflow and interaction ids are required"}
	}
	if err := s.open(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	id := uuid.NewString()

	attrs := map[string]any{}
	for key, value := range spec.Attributes {
		norm, err := normalize(value)
		if err != nil {
			return nil, &loom.EngineError{Code: loom.CodeInvalidSpec, Message: "attribute " + key + " is not serializable", Err: err}
		}
		attrs[key] = norm
	}
	hash, err := loom.HashAttributes(attrs)
	if err != nil {
		return nil, err
	}
	policy, err := encodeJSON(spec.Policy)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO uows
		 (id, instance_id, workflow_id, parent_id, current_interaction_id, status,
		  child_count, finished_child_count, last_heartbeat, locked_by, content_hash,
		  interaction_count, max_interactions, retry_count, policy, model_id,
		  injected_instructions, knowledge_fragments, mutation_audit, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, 0, NULL, '', ?, 0, ?, 0, ?, '', '', '[]', '[]', ?)`,
		id, spec.InstanceID, spec.WorkflowID, spec.ParentID, spec.InteractionID,
		string(loom.StatusPending), hash, spec.MaxInteractions, policy, encodeTime(now)); err != nil {
		return nil, fmt.Errorf("failed to insert uow: %w", err)
	}

	for key, value := range attrs {
		encoded, err := encodeJSON(value)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO uow_attributes (id, uow_id, attr_key, attr_value, version, actor_id, reasoning, created_at)
			 VALUES (?, ?, ?, ?, 1, ?, ?, ?)`,
			uuid.NewString(), id, key, encoded, spec.ActorID, spec.Reasoning, encodeTime(now)); err != nil {
			return nil, fmt.Errorf("failed to insert attribute: %w", err)
		}
	}

	if spec.ParentID != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE uows SET child_count = child_count + 1 WHERE id = ?`, spec.ParentID); err != nil {
			return nil, fmt.Errorf("failed to increment child count: %w", err)
		}
	}

	if err := insertHistory(ctx, tx, loom.HistoryEntry{
		ID:             uuid.NewString(),
		UOWID:          id,
		Event:          loom.EventUOWCreated,
		NewStatus:      loom.StatusPending,
		NewHash:        hash,
		NewInteraction: spec.InteractionID,
		ActorID:        spec.ActorID,
		Reasoning:      spec.Reasoning,
		CreatedAt:      now,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	u, _, err := s.GetUOW(ctx, id)
	return u, err
}

func scanUOW(row interface{ Scan(dest ...any) error }) (*loom.UOW, error) {
	var (
		u                       loom.UOW
		status                  string
		heartbeat               sql.NullString
		policy, frags, audit    string
		createdAt               string
	)
	err := row.Scan(&u.ID, &u.InstanceID, &u.WorkflowID, &u.ParentID, &u.CurrentInteractionID,
		&status, &u.ChildCount, &u.FinishedChildCount, &heartbeat, &u.LockedBy,
		&u.ContentHash, &u.InteractionCount, &u.MaxInteractions, &u.RetryCount,
		&policy, &u.ModelID, &u.InjectedInstructions, &frags, &audit, &createdAt)
	if err != nil {
		return nil, err
	}
	u.Status = loom.Status(status)
	if heartbeat.Valid && heartbeat.String != "" {
		t, err := decodeTime(heartbeat.String)
		if err != nil {
			return nil, err
		}
		u.LastHeartbeat = &t
	}
	if u.Policy, err = decodeMap(policy); err != nil {
		return nil, err
	}
	if frags != "" && frags != "null" {
		if err := json.Unmarshal([]byte(frags), &u.KnowledgeFragments); err != nil {
			return nil, fmt.Errorf("failed to unmarshal knowledge fragments: %w", err)
		}
	}
	if audit != "" && audit != "null" {
		if err := json.Unmarshal([]byte(audit), &u.MutationAudit); err != nil {
			return nil, fmt.Errorf("failed to unmarshal mutation audit: %w", err)
		}
	}
	if u.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	return &u, nil
}

const uowColumns = `id, instance_id, workflow_id, parent_id, current_interaction_id, status,
	child_count, finished_child_count, last_heartbeat, locked_by, content_hash,
	interaction_count, max_interactions, retry_count, policy, model_id,
	injected_instructions, knowledge_fragments, mutation_audit, created_at`

func (s *SQLStore) GetUOW(ctx context.Context, id string) (*loom.UOW, map[string]any, error) {
	if err := s.open(); err != nil {
		return nil, nil, err
	}
	u, err := scanUOW(s.db.QueryRowContext(ctx,
		`SELECT `+uowColumns+` FROM uows WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil, loom.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load uow: %w", err)
	}
	attrs, _, err := s.currentAttrs(ctx, s.db, id)
	if err != nil {
		return nil, nil, err
	}
	return u, attrs, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// currentAttrs returns the latest-version-wins attribute map plus the
// per-key max version.
func (s *SQLStore) currentAttrs(ctx context.Context, q querier, uowID string) (map[string]any, map[string]int, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT attr_key, attr_value, version FROM uow_attributes WHERE uow_id = ? ORDER BY version`, uowID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query attributes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	attrs := map[string]any{}
	versions := map[string]int{}
	for rows.Next() {
		var (
			key, encoded string
			version      int
		)
		if err := rows.Scan(&key, &encoded, &version); err != nil {
			return nil, nil, fmt.Errorf("failed to scan attribute: %w", err)
		}
		if version >= versions[key] {
			versions[key] = version
			value, err := decodeJSON(encoded)
			if err != nil {
				return nil, nil, err
			}
			attrs[key] = value
		}
	}
	return attrs, versions, rows.Err()
}

func insertHistory(ctx context.Context, tx *sql.Tx, e loom.HistoryEntry) error {
	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM uow_history WHERE uow_id = ?`, e.UOWID).Scan(&seq); err != nil {
		return fmt.Errorf("failed to compute history seq: %w", err)
	}
	payload, err := encodeJSON(e.Payload)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO uow_history
		 (id, uow_id, seq, event, prev_status, new_status, prev_hash, new_hash,
		  prev_interaction, new_interaction, actor_id, reasoning, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UOWID, seq, string(e.Event), string(e.PrevStatus), string(e.NewStatus),
		e.PrevHash, e.NewHash, e.PrevInteraction, e.NewInteraction,
		e.ActorID, e.Reasoning, payload, encodeTime(e.CreatedAt)); err != nil {
		return fmt.Errorf("failed to insert history: %w", err)
	}
	return nil
}

func (s *SQLStore) UpdateState(ctx context.Context, spec loom.UpdateSpec) (*loom.UOW, error) {
	if err := s.authorize(ctx, spec.ActorID, spec.UOWID); err != nil {
		return nil, err
	}
	if err := s.open(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := scanUOW(tx.QueryRowContext(ctx,
		`SELECT `+uowColumns+` FROM uows WHERE id = ?`+s.d.forUpdate, spec.UOWID))
	if err == sql.ErrNoRows {
		return nil, loom.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load uow: %w", err)
	}
	if spec.ExpectStatus != "" && prev.Status != spec.ExpectStatus {
		return nil, loom.ErrNotLocked
	}
	if spec.ExpectLockedBy != "" && prev.LockedBy != spec.ExpectLockedBy {
		return nil, loom.ErrNotLocked
	}

	attrs, versions, err := s.currentAttrs(ctx, tx, spec.UOWID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
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
		if existing, ok := attrs[key]; ok && jsonEqual(existing, norm) {
			continue
		}
		attrs[key] = norm
		encoded, err := encodeJSON(norm)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO uow_attributes (id, uow_id, attr_key, attr_value, version, actor_id, reasoning, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), spec.UOWID, key, encoded, versions[key]+1, spec.ActorID, spec.Reasoning, encodeTime(now)); err != nil {
			return nil, fmt.Errorf("failed to insert attribute: %w", err)
		}
	}

	hash, err := loom.HashAttributes(attrs)
	if err != nil {
		return nil, err
	}

	interaction := prev.CurrentInteractionID
	if spec.NewInteraction != nil {
		interaction = *spec.NewInteraction
	}
	increment := 0
	if spec.AutoIncrement {
		increment = 1
	}

	set := `status = ?, content_hash = ?, current_interaction_id = ?, interaction_count = interaction_count + ?`
	args := []any{string(spec.NewStatus), hash, interaction, increment}
	if spec.ResetInteractionCount {
		set = `status = ?, content_hash = ?, current_interaction_id = ?, interaction_count = 0`
		args = args[:3]
	}
	if spec.ClearHeartbeat {
		set += `, last_heartbeat = NULL, locked_by = ''`
	}
	args = append(args, spec.UOWID)
	if _, err := tx.ExecContext(ctx, `UPDATE uows SET `+set+` WHERE id = ?`, args...); err != nil {
		return nil, fmt.Errorf("failed to update uow: %w", err)
	}

	event := spec.Event
	if event == "" {
		event = loom.EventStateTransition
	}
	if err := insertHistory(ctx, tx, loom.HistoryEntry{
		ID:              uuid.NewString(),
		UOWID:           spec.UOWID,
		Event:           event,
		PrevStatus:      prev.Status,
		NewStatus:       spec.NewStatus,
		PrevHash:        prev.ContentHash,
		NewHash:         hash,
		PrevInteraction: prev.CurrentInteractionID,
		NewInteraction:  interaction,
		ActorID:         spec.ActorID,
		Reasoning:       spec.Reasoning,
		Payload:         spec.EventPayload,
		CreatedAt:       now,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	u, _, err := s.GetUOW(ctx, spec.UOWID)
	return u, err
}

func (s *SQLStore) SaveWithPilotCheck(ctx context.Context, spec loom.UpdateSpec, highRisk []loom.Status, timeout time.Duration) (*loom.SaveResult, error) {
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

// LockUOW performs the checkout compare-and-swap with a single conditional
// UPDATE: exactly one concurrent caller moves PENDING -> ACTIVE.
func (s *SQLStore) LockUOW(ctx context.Context, uowID, actorID string) (*loom.UOW, map[string]any, error) {
	if err := s.authorize(ctx, actorID, uowID); err != nil {
		return nil, nil, err
	}
	if err := s.open(); err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE uows SET status = ?, last_heartbeat = ?, locked_by = ?
		 WHERE id = ? AND status = ?`,
		string(loom.StatusActive), encodeTime(now), actorID, uowID, string(loom.StatusPending))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lock uow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM uows WHERE id = ?`, uowID).Scan(&count); err != nil {
			return nil, nil, fmt.Errorf("failed to check uow: %w", err)
		}
		if count == 0 {
			return nil, nil, loom.ErrNotFound
		}
		return nil, nil, loom.ErrNotPending
	}

	u, err := scanUOW(tx.QueryRowContext(ctx,
		`SELECT `+uowColumns+` FROM uows WHERE id = ?`, uowID))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load uow: %w", err)
	}

	if err := insertHistory(ctx, tx, loom.HistoryEntry{
		ID:              uuid.NewString(),
		UOWID:           uowID,
		Event:           loom.EventStateTransition,
		PrevStatus:      loom.StatusPending,
		NewStatus:       loom.StatusActive,
		PrevHash:        u.ContentHash,
		NewHash:         u.ContentHash,
		PrevInteraction: u.CurrentInteractionID,
		NewInteraction:  u.CurrentInteractionID,
		ActorID:         actorID,
		Reasoning:       "checkout",
		CreatedAt:       now,
	}); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit: %w", err)
	}

	attrs, _, err := s.currentAttrs(ctx, s.db, uowID)
	if err != nil {
		return nil, nil, err
	}
	return u, attrs, nil
}

func (s *SQLStore) TouchHeartbeat(ctx context.Context, uowID, actorID string, now time.Time) error {
	if err := s.authorize(ctx, actorID, uowID); err != nil {
		return err
	}
	if err := s.open(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE uows SET last_heartbeat = ?
		 WHERE id = ? AND status = ? AND (locked_by = '' OR locked_by = ?)`,
		encodeTime(now), uowID, string(loom.StatusActive), actorID)
	if err != nil {
		return fmt.Errorf("failed to touch heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		var count int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM uows WHERE id = ?`, uowID).Scan(&count); err != nil {
			return fmt.Errorf("failed to check uow: %w", err)
		}
		if count == 0 {
			return loom.ErrNotFound
		}
		return loom.ErrNotLocked
	}
	return nil
}

func (s *SQLStore) ApplyMutation(ctx context.Context, uowID string, instructions string, fragments []string, m loom.Mutation) error {
	if err := s.open(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	u, err := scanUOW(tx.QueryRowContext(ctx,
		`SELECT `+uowColumns+` FROM uows WHERE id = ?`+s.d.forUpdate, uowID))
	if err == sql.ErrNoRows {
		return loom.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load uow: %w", err)
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

	frags, err := encodeJSON(u.KnowledgeFragments)
	if err != nil {
		return err
	}
	audit, err := encodeJSON(u.MutationAudit)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE uows SET model_id = ?, injected_instructions = ?, knowledge_fragments = ?, mutation_audit = ?
		 WHERE id = ?`,
		u.ModelID, u.InjectedInstructions, frags, audit, uowID); err != nil {
		return fmt.Errorf("failed to apply mutation: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) AddChild(ctx context.Context, parentID string) error {
	if err := s.open(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE uows SET child_count = child_count + 1 WHERE id = ?`, parentID)
	if err != nil {
		return fmt.Errorf("failed to increment child count: %w", err)
	}
	return requireRow(res)
}

func (s *SQLStore) ChildFinished(ctx context.Context, parentID string) error {
	if err := s.open(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE uows SET finished_child_count = finished_child_count + 1
		 WHERE id = ? AND finished_child_count < child_count`, parentID)
	if err != nil {
		return fmt.Errorf("failed to increment finished child count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		var count int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM uows WHERE id = ?`, parentID).Scan(&count); err != nil {
			return fmt.Errorf("failed to check uow: %w", err)
		}
		if count == 0 {
			return loom.ErrNotFound
		}
		// Already fully reconciled; the counter is capped at child_count.
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return loom.ErrNotFound
	}
	return nil
}

// Queries.

func (s *SQLStore) queryUOWs(ctx context.Context, query string, args ...any) ([]loom.UOW, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query uows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []loom.UOW
	for rows.Next() {
		u, err := scanUOW(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan uow: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func (s *SQLStore) FindByStatus(ctx context.Context, status loom.Status, instanceID string) ([]loom.UOW, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	if instanceID == "" {
		return s.queryUOWs(ctx,
			`SELECT `+uowColumns+` FROM uows WHERE status = ? ORDER BY created_at, id`, string(status))
	}
	return s.queryUOWs(ctx,
		`SELECT `+uowColumns+` FROM uows WHERE status = ? AND instance_id = ? ORDER BY created_at, id`,
		string(status), instanceID)
}

func (s *SQLStore) FindPendingAt(ctx context.Context, interactionIDs []string) ([]loom.UOW, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	if len(interactionIDs) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := []any{string(loom.StatusPending)}
	for i, id := range interactionIDs {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, id)
	}
	// #nosec G201 -- placeholders are "?" marks for a parameterized query
	query := fmt.Sprintf(`SELECT `+uowColumns+` FROM uows
		WHERE status = ? AND current_interaction_id IN (%s)
		ORDER BY created_at, id`, placeholders)
	return s.queryUOWs(ctx, query, args...)
}

func (s *SQLStore) FindZombies(ctx context.Context, cutoff time.Time) ([]loom.UOW, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	return s.queryUOWs(ctx,
		`SELECT `+uowColumns+` FROM uows
		 WHERE status = ? AND last_heartbeat IS NOT NULL AND last_heartbeat < ?
		 ORDER BY created_at, id`,
		string(loom.StatusActive), encodeTime(cutoff))
}

func (s *SQLStore) FindByInteractionLimit(ctx context.Context, instanceID string) ([]loom.UOW, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	if instanceID == "" {
		return s.queryUOWs(ctx,
			`SELECT `+uowColumns+` FROM uows
			 WHERE max_interactions > 0 AND interaction_count >= max_interactions
			 ORDER BY created_at, id`)
	}
	return s.queryUOWs(ctx,
		`SELECT `+uowColumns+` FROM uows
		 WHERE instance_id = ? AND max_interactions > 0 AND interaction_count >= max_interactions
		 ORDER BY created_at, id`, instanceID)
}

// History.

func (s *SQLStore) AppendHistory(ctx context.Context, entry loom.HistoryEntry) error {
	if err := s.open(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM uows WHERE id = ?`, entry.UOWID).Scan(&count); err != nil {
		return fmt.Errorf("failed to check uow: %w", err)
	}
	if count == 0 {
		return loom.ErrNotFound
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := insertHistory(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) GetHistory(ctx context.Context, uowID string, limit int) ([]loom.HistoryEntry, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	query := `SELECT id, uow_id, seq, event, prev_status, new_status, prev_hash, new_hash,
		prev_interaction, new_interaction, actor_id, reasoning, payload, created_at
		FROM uow_history WHERE uow_id = ? ORDER BY seq`
	args := []any{uowID}
	if limit > 0 {
		// Last N entries in ascending order.
		query = `SELECT * FROM (
			SELECT id, uow_id, seq, event, prev_status, new_status, prev_hash, new_hash,
				prev_interaction, new_interaction, actor_id, reasoning, payload, created_at
			FROM uow_history WHERE uow_id = ? ORDER BY seq DESC LIMIT ?
		) h ORDER BY seq`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []loom.HistoryEntry
	for rows.Next() {
		var (
			e                              loom.HistoryEntry
			event, prevStatus, newStatus   string
			payload, createdAt             string
		)
		if err := rows.Scan(&e.ID, &e.UOWID, &e.Seq, &event, &prevStatus, &newStatus,
			&e.PrevHash, &e.NewHash, &e.PrevInteraction, &e.NewInteraction,
			&e.ActorID, &e.Reasoning, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		e.Event = loom.EventType(event)
		e.PrevStatus = loom.Status(prevStatus)
		e.NewStatus = loom.Status(newStatus)
		if e.Payload, err = decodeMap(payload); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) VerifyStateHash(ctx context.Context, uowID string, emitViolation bool) (bool, error) {
	if err := s.open(); err != nil {
		return false, err
	}
	var stored string
	err := s.db.QueryRowContext(ctx, `SELECT content_hash FROM uows WHERE id = ?`, uowID).Scan(&stored)
	if err == sql.ErrNoRows {
		return false, loom.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to load content hash: %w", err)
	}
	attrs, _, err := s.currentAttrs(ctx, s.db, uowID)
	if err != nil {
		return false, err
	}
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

func (s *SQLStore) UpsertRoleAttribute(ctx context.Context, attr loom.RoleAttribute) error {
	if err := s.open(); err != nil {
		return err
	}
	value, err := encodeJSON(attr.Value)
	if err != nil {
		return err
	}
	accessed := sql.NullString{}
	if attr.LastAccessedAt != nil {
		accessed = sql.NullString{String: encodeTime(*attr.LastAccessedAt), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE role_attributes SET attr_value = ?, confidence = ?, last_accessed_at = ?
		 WHERE instance_id = ? AND role_id = ? AND context_type = ? AND context_id = ? AND attr_key = ?`,
		value, attr.Confidence, accessed,
		attr.InstanceID, attr.RoleID, string(attr.ContextType), attr.ContextID, attr.Key)
	if err != nil {
		return fmt.Errorf("failed to update role attribute: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		id := attr.ID
		if id == "" {
			id = uuid.NewString()
		}
		created := attr.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		toxic := 0
		if attr.Toxic {
			toxic = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO role_attributes
			 (id, instance_id, role_id, context_type, context_id, attr_key, attr_value,
			  confidence, toxic, created_at, last_accessed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, attr.InstanceID, attr.RoleID, string(attr.ContextType), attr.ContextID,
			attr.Key, value, attr.Confidence, toxic, encodeTime(created), accessed); err != nil {
			return fmt.Errorf("failed to insert role attribute: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) RoleAttributes(ctx context.Context, instanceID, roleID, actorID string) ([]loom.RoleAttribute, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, role_id, context_type, context_id, attr_key, attr_value,
			confidence, toxic, created_at, last_accessed_at
		 FROM role_attributes
		 WHERE instance_id = ? AND role_id = ? AND toxic = 0
			AND (context_type = ? OR (context_type = ? AND context_id = ?))
		 ORDER BY id`,
		instanceID, roleID, string(loom.ContextGlobal), string(loom.ContextActor), actorID)
	if err != nil {
		return nil, fmt.Errorf("failed to query role attributes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []loom.RoleAttribute
	for rows.Next() {
		a, err := scanRoleAttribute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanRoleAttribute(row interface{ Scan(dest ...any) error }) (*loom.RoleAttribute, error) {
	var (
		a         loom.RoleAttribute
		ct, value string
		toxic     int
		createdAt string
		accessed  sql.NullString
	)
	if err := row.Scan(&a.ID, &a.InstanceID, &a.RoleID, &ct, &a.ContextID, &a.Key, &value,
		&a.Confidence, &toxic, &createdAt, &accessed); err != nil {
		return nil, fmt.Errorf("failed to scan role attribute: %w", err)
	}
	a.ContextType = loom.ContextType(ct)
	a.Toxic = toxic != 0
	var err error
	if a.Value, err = decodeJSON(value); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if accessed.Valid && accessed.String != "" {
		t, err := decodeTime(accessed.String)
		if err != nil {
			return nil, err
		}
		a.LastAccessedAt = &t
	}
	return &a, nil
}

func (s *SQLStore) TouchRoleAttributes(ctx context.Context, ids []string, now time.Time) error {
	if err := s.open(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	placeholders := ""
	args := []any{encodeTime(now)}
	for i, id := range ids {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, id)
	}
	// #nosec G201 -- placeholders are "?" marks for a parameterized query
	query := fmt.Sprintf(`UPDATE role_attributes SET last_accessed_at = ? WHERE id IN (%s)`, placeholders)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to touch role attributes: %w", err)
	}
	return nil
}

func (s *SQLStore) DecayRoleAttributes(ctx context.Context, cutoff time.Time) (int, error) {
	if err := s.open(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM role_attributes WHERE toxic = 0 AND last_accessed_at IS NOT NULL AND last_accessed_at < ?`,
		encodeTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to decay role attributes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLStore) SetRoleAttributeToxic(ctx context.Context, id string, toxic bool) error {
	if err := s.open(); err != nil {
		return err
	}
	flag := 0
	if toxic {
		flag = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE role_attributes SET toxic = ? WHERE id = ?`, flag, id)
	if err != nil {
		return fmt.Errorf("failed to set toxic flag: %w", err)
	}
	return requireRow(res)
}

// Telemetry sink.

func (s *SQLStore) WriteLogEntries(ctx context.Context, entries []emit.Entry) error {
	if err := s.open(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range entries {
		detail, err := encodeJSON(e.Detail)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO interaction_log
			 (id, instance_id, uow_id, role_id, interaction_id, log_type, message, detail, at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), e.InstanceID, e.UOWID, e.RoleID, e.InteractionID,
			string(e.Type), e.Message, detail, encodeTime(e.At)); err != nil {
			return fmt.Errorf("failed to insert log entry: %w", err)
		}
	}
	return tx.Commit()
}

// jsonEqual compares two normalized JSON values by re-encoding. Map key
// order is canonical under encoding/json, so equal values encode equally.
func jsonEqual(a, b any) bool {
	da, errA := json.Marshal(a)
	db, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(da) == string(db)
}
