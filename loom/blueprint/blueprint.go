// Package blueprint imports and exports workflow definitions as YAML.
//
// Blueprint documents reference roles, interactions and components by name;
// Load resolves names to freshly minted ids so the stored graph uses the
// same id-based edges as the instance tier. Validate enforces the topology
// rules a running workflow depends on and rejects any document that would
// produce a malformed instance.
package blueprint

import (
	"fmt"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/loom"
	"github.com/loomworks/loom/loom/guard"
)

// Document is the YAML shape of a blueprint.
type Document struct {
	Workflow     WorkflowDoc      `yaml:"workflow"`
	Roles        []RoleDoc        `yaml:"roles"`
	Interactions []InteractionDoc `yaml:"interactions"`
	Components   []ComponentDoc   `yaml:"components"`
	Guardians    []GuardianDoc    `yaml:"guardians,omitempty"`
}

type WorkflowDoc struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version,omitempty"`
	Notes   string `yaml:"notes,omitempty"`
}

type RoleDoc struct {
	Name          string `yaml:"name"`
	Type          string `yaml:"type"`
	Strategy      string `yaml:"strategy,omitempty"`
	ChildWorkflow string `yaml:"child_workflow,omitempty"`
}

type InteractionDoc struct {
	Name string `yaml:"name"`
}

type ComponentDoc struct {
	Name        string `yaml:"name"`
	Role        string `yaml:"role"`
	Interaction string `yaml:"interaction"`
	Direction   string `yaml:"direction"`
}

type GuardianDoc struct {
	Name      string         `yaml:"name"`
	Component string         `yaml:"component"`
	Type      string         `yaml:"type"`
	Config    map[string]any `yaml:"config,omitempty"`
}

// Error reports a blueprint defect with the rule and element that broke it.
type Error struct {
	Rule    string
	Element string
	Msg     string
}

func (e *Error) Error() string {
	if e.Element == "" {
		return fmt.Sprintf("blueprint %s: %s", e.Rule, e.Msg)
	}
	return fmt.Sprintf("blueprint %s: %s: %s", e.Rule, e.Element, e.Msg)
}

func defect(rule, element, msg string) error {
	return &Error{Rule: rule, Element: element, Msg: msg}
}

// Load decodes a blueprint document, resolves its name references, and
// validates the resulting graph. The returned Set carries fresh UUIDs and
// belongs to the blueprint tier (empty instance id).
func Load(data []byte) (*loom.Set, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode blueprint: %w", err)
	}
	set, err := resolve(&doc)
	if err != nil {
		return nil, err
	}
	if err := Validate(set); err != nil {
		return nil, err
	}
	return set, nil
}

func resolve(doc *Document) (*loom.Set, error) {
	if doc.Workflow.Name == "" {
		return nil, defect("workflow", "", "name is required")
	}

	set := &loom.Set{
		Workflow: loom.Workflow{
			ID:      uuid.NewString(),
			Name:    doc.Workflow.Name,
			Version: doc.Workflow.Version,
			Notes:   doc.Workflow.Notes,
		},
	}

	roleIDs := make(map[string]string, len(doc.Roles))
	for _, r := range doc.Roles {
		if r.Name == "" {
			return nil, defect("roles", "", "every role needs a name")
		}
		if _, dup := roleIDs[r.Name]; dup {
			return nil, defect("roles", r.Name, "duplicate role name")
		}
		role := loom.Role{
			ID:              uuid.NewString(),
			WorkflowID:      set.Workflow.ID,
			Name:            r.Name,
			Type:            loom.RoleType(r.Type),
			Strategy:        loom.Strategy(r.Strategy),
			ChildWorkflowID: r.ChildWorkflow,
		}
		switch role.Type {
		case loom.RoleAlpha, loom.RoleBeta, loom.RoleOmega, loom.RoleEpsilon, loom.RoleTau:
		default:
			return nil, defect("roles", r.Name, "unknown role type "+r.Type)
		}
		roleIDs[r.Name] = role.ID
		set.Roles = append(set.Roles, role)
	}

	interactionIDs := make(map[string]string, len(doc.Interactions))
	for _, it := range doc.Interactions {
		if it.Name == "" {
			return nil, defect("interactions", "", "every interaction needs a name")
		}
		if _, dup := interactionIDs[it.Name]; dup {
			return nil, defect("interactions", it.Name, "duplicate interaction name")
		}
		interaction := loom.Interaction{
			ID:         uuid.NewString(),
			WorkflowID: set.Workflow.ID,
			Name:       it.Name,
		}
		interactionIDs[it.Name] = interaction.ID
		set.Interactions = append(set.Interactions, interaction)
	}

	componentIDs := make(map[string]string, len(doc.Components))
	for _, c := range doc.Components {
		if c.Name == "" {
			return nil, defect("components", "", "every component needs a name")
		}
		if _, dup := componentIDs[c.Name]; dup {
			return nil, defect("components", c.Name, "duplicate component name")
		}
		roleID, ok := roleIDs[c.Role]
		if !ok {
			return nil, defect("components", c.Name, "unknown role "+c.Role)
		}
		interactionID, ok := interactionIDs[c.Interaction]
		if !ok {
			return nil, defect("components", c.Name, "unknown interaction "+c.Interaction)
		}
		dir := loom.Direction(c.Direction)
		if dir != loom.DirectionInbound && dir != loom.DirectionOutbound {
			return nil, defect("components", c.Name, "direction must be INBOUND or OUTBOUND")
		}
		component := loom.Component{
			ID:            uuid.NewString(),
			WorkflowID:    set.Workflow.ID,
			RoleID:        roleID,
			InteractionID: interactionID,
			Direction:     dir,
			Name:          c.Name,
		}
		componentIDs[c.Name] = component.ID
		set.Components = append(set.Components, component)
	}

	for _, g := range doc.Guardians {
		componentID, ok := componentIDs[g.Component]
		if !ok {
			return nil, defect("guardians", g.Name, "unknown component "+g.Component)
		}
		set.Guardians = append(set.Guardians, loom.Guardian{
			ID:          uuid.NewString(),
			WorkflowID:  set.Workflow.ID,
			ComponentID: componentID,
			Name:        g.Name,
			Type:        loom.GuardType(g.Type),
			Config:      g.Config,
		})
	}

	return set, nil
}

// Validate enforces the topology rules a running workflow depends on:
//
//	R1  exactly one ALPHA role
//	R2  exactly one OMEGA role
//	R3  exactly one EPSILON role
//	R4  exactly one TAU role
//	R5  every BETA role declares a decomposition strategy
//	R6  every interaction has at least one producer and one consumer;
//	    interactions consumed by the EPSILON and TAU roles are exempt from
//	    the producer half, since the engine routes failures and reclaimed
//	    zombies there without a graph edge
//	R7  the ALPHA role has an outbound component
//	R8  every EPSILON and OMEGA inbound component carries a guardian,
//	    and the OMEGA one is CERBERUS
//	R9  every guardian type is known
//	R10 conditional-injector rule conditions parse under the DSL
func Validate(set *loom.Set) error {
	var alpha, omega, epsilon, tau int
	roleByID := make(map[string]*loom.Role, len(set.Roles))
	for i := range set.Roles {
		r := &set.Roles[i]
		roleByID[r.ID] = r
		switch r.Type {
		case loom.RoleAlpha:
			alpha++
		case loom.RoleOmega:
			omega++
		case loom.RoleEpsilon:
			epsilon++
		case loom.RoleTau:
			tau++
		case loom.RoleBeta:
			if r.Strategy != loom.StrategyHomogeneous && r.Strategy != loom.StrategyHeterogeneous {
				return defect("R5", r.Name, "BETA role needs strategy HOMOGENEOUS or HETEROGENEOUS")
			}
		}
	}
	if alpha != 1 {
		return defect("R1", set.Workflow.Name, fmt.Sprintf("want exactly one ALPHA role, have %d", alpha))
	}
	if omega != 1 {
		return defect("R2", set.Workflow.Name, fmt.Sprintf("want exactly one OMEGA role, have %d", omega))
	}
	if epsilon != 1 {
		return defect("R3", set.Workflow.Name, fmt.Sprintf("want exactly one EPSILON role, have %d", epsilon))
	}
	if tau != 1 {
		return defect("R4", set.Workflow.Name, fmt.Sprintf("want exactly one TAU role, have %d", tau))
	}

	producers := make(map[string]int, len(set.Interactions))
	consumers := make(map[string]int, len(set.Interactions))
	engineFed := make(map[string]bool) // EPSILON and TAU inbound queues
	alphaOutbound := false
	guarded := make(map[string]*loom.Guardian, len(set.Guardians))
	for i := range set.Guardians {
		g := &set.Guardians[i]
		guarded[g.ComponentID] = g
	}

	for i := range set.Components {
		c := &set.Components[i]
		role := roleByID[c.RoleID]
		if role == nil {
			return defect("components", c.Name, "dangling role reference")
		}
		switch c.Direction {
		case loom.DirectionOutbound:
			producers[c.InteractionID]++
			if role.Type == loom.RoleAlpha {
				alphaOutbound = true
			}
		case loom.DirectionInbound:
			consumers[c.InteractionID]++
			if role.Type == loom.RoleEpsilon || role.Type == loom.RoleTau {
				engineFed[c.InteractionID] = true
			}
			if role.Type == loom.RoleEpsilon || role.Type == loom.RoleOmega {
				g := guarded[c.ID]
				if g == nil {
					return defect("R8", c.Name, string(role.Type)+" inbound component must carry a guardian")
				}
				if role.Type == loom.RoleOmega && g.Type != loom.GuardCerberus {
					return defect("R8", c.Name, "OMEGA inbound guardian must be CERBERUS")
				}
			}
		}
	}

	for _, it := range set.Interactions {
		if producers[it.ID] == 0 && !engineFed[it.ID] {
			return defect("R6", it.Name, "interaction has no producer")
		}
		if consumers[it.ID] == 0 {
			return defect("R6", it.Name, "interaction has no consumer")
		}
	}
	if !alphaOutbound {
		return defect("R7", set.Workflow.Name, "ALPHA role has no outbound component")
	}

	for i := range set.Guardians {
		g := &set.Guardians[i]
		switch g.Type {
		case loom.GuardPassThru, loom.GuardCriteriaGate, loom.GuardTTLCheck,
			loom.GuardComposite, loom.GuardDirectionalFilter, loom.GuardCerberus:
		case loom.GuardConditionalInjector:
			if err := validateInjector(g); err != nil {
				return err
			}
		default:
			return defect("R9", g.Name, "unknown guardian type "+string(g.Type))
		}
	}
	return nil
}

// validateInjector parses every rule condition so a bad expression fails at
// import rather than silently at runtime.
func validateInjector(g *loom.Guardian) error {
	rawRules, ok := g.Config["rules"].([]any)
	if !ok || len(rawRules) == 0 {
		return defect("R10", g.Name, "injector needs a non-empty rules list")
	}
	for i, raw := range rawRules {
		rule, ok := raw.(map[string]any)
		if !ok {
			return defect("R10", g.Name, fmt.Sprintf("rule %d is not a mapping", i))
		}
		cond, _ := rule["condition"].(string)
		if cond == "" {
			return defect("R10", g.Name, fmt.Sprintf("rule %d has no condition", i))
		}
		if _, err := guard.Parse(cond); err != nil {
			return defect("R10", g.Name, fmt.Sprintf("rule %d: %v", i, err))
		}
		if action, _ := rule["action"].(string); action != "" && action != "mutate" {
			return defect("R10", g.Name, fmt.Sprintf("rule %d: unsupported action %q", i, action))
		}
	}
	return nil
}

// Export renders a graph back into the YAML document shape, resolving ids
// to names. Load(Export(set)) reproduces the same topology (with fresh ids).
func Export(set *loom.Set) ([]byte, error) {
	roleNames := make(map[string]string, len(set.Roles))
	interactionNames := make(map[string]string, len(set.Interactions))
	componentNames := make(map[string]string, len(set.Components))

	doc := Document{
		Workflow: WorkflowDoc{
			Name:    set.Workflow.Name,
			Version: set.Workflow.Version,
			Notes:   set.Workflow.Notes,
		},
	}
	for _, r := range set.Roles {
		roleNames[r.ID] = r.Name
		doc.Roles = append(doc.Roles, RoleDoc{
			Name:          r.Name,
			Type:          string(r.Type),
			Strategy:      string(r.Strategy),
			ChildWorkflow: r.ChildWorkflowID,
		})
	}
	for _, it := range set.Interactions {
		interactionNames[it.ID] = it.Name
		doc.Interactions = append(doc.Interactions, InteractionDoc{Name: it.Name})
	}
	for _, c := range set.Components {
		componentNames[c.ID] = c.Name
		doc.Components = append(doc.Components, ComponentDoc{
			Name:        c.Name,
			Role:        roleNames[c.RoleID],
			Interaction: interactionNames[c.InteractionID],
			Direction:   string(c.Direction),
		})
	}
	for _, g := range set.Guardians {
		doc.Guardians = append(doc.Guardians, GuardianDoc{
			Name:      g.Name,
			Component: componentNames[g.ComponentID],
			Type:      string(g.Type),
			Config:    g.Config,
		})
	}
	return yaml.Marshal(&doc)
}
