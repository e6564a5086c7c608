package blueprint

import (
	"errors"
	"strings"
	"testing"

	"github.com/loomworks/loom/loom"
)

const baseDoc = `workflow:
  name: invoice-intake
  version: "1"
roles:
  - name: intake
    type: ALPHA
  - name: review
    type: BETA
    strategy: HOMOGENEOUS
  - name: archive
    type: OMEGA
  - name: triage
    type: EPSILON
  - name: stale
    type: TAU
interactions:
  - name: work
  - name: done
  - name: errors
  - name: timeouts
components:
  - name: intake-out
    role: intake
    interaction: work
    direction: OUTBOUND
  - name: review-in
    role: review
    interaction: work
    direction: INBOUND
  - name: review-out
    role: review
    interaction: done
    direction: OUTBOUND
  - name: archive-in
    role: archive
    interaction: done
    direction: INBOUND
  - name: triage-in
    role: triage
    interaction: errors
    direction: INBOUND
  - name: stale-in
    role: stale
    interaction: timeouts
    direction: INBOUND
guardians:
  - name: reconcile
    component: archive-in
    type: CERBERUS
  - name: triage-gate
    component: triage-in
    type: PASS_THRU
`

func TestLoadValidBlueprint(t *testing.T) {
	set, err := Load([]byte(baseDoc))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if set.Workflow.Name != "invoice-intake" || set.Workflow.Version != "1" {
		t.Errorf("workflow = %+v", set.Workflow)
	}
	if set.Workflow.InstanceID != "" {
		t.Error("blueprint-tier workflow carries an instance id")
	}
	if set.Workflow.ID == "" {
		t.Error("workflow id not minted")
	}
	if len(set.Roles) != 5 || len(set.Interactions) != 4 || len(set.Components) != 6 || len(set.Guardians) != 2 {
		t.Errorf("counts = %d roles, %d interactions, %d components, %d guardians",
			len(set.Roles), len(set.Interactions), len(set.Components), len(set.Guardians))
	}
	for _, c := range set.Components {
		if c.RoleID == "" || c.InteractionID == "" {
			t.Errorf("component %s has an unresolved reference", c.Name)
		}
	}
	for _, g := range set.Guardians {
		if g.ComponentID == "" {
			t.Errorf("guardian %s has an unresolved component", g.Name)
		}
	}
}

func TestLoadInjectorConfigSurvives(t *testing.T) {
	doc := baseDoc + `  - name: escalate
    component: review-out
    type: CONDITIONAL_INJECTOR
    config:
      rules:
        - condition: "amount > 50000"
          action: mutate
          payload:
            model_override: premium
`
	set, err := Load([]byte(doc))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var injector *loom.Guardian
	for i := range set.Guardians {
		if set.Guardians[i].Name == "escalate" {
			injector = &set.Guardians[i]
		}
	}
	if injector == nil {
		t.Fatal("escalate guardian missing")
	}
	rules, ok := injector.Config["rules"].([]any)
	if !ok || len(rules) != 1 {
		t.Fatalf("rules = %v", injector.Config["rules"])
	}
	rule, ok := rules[0].(map[string]any)
	if !ok || rule["condition"] != "amount > 50000" {
		t.Errorf("rule = %v", rules[0])
	}
}

func TestLoadDefects(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		wantRule string
	}{
		{
			name: "two alpha roles",
			doc: strings.Replace(baseDoc,
				"  - name: review\n    type: BETA\n    strategy: HOMOGENEOUS",
				"  - name: review\n    type: ALPHA", 1),
			wantRule: "R1",
		},
		{
			name:     "beta without strategy",
			doc:      strings.Replace(baseDoc, "    strategy: HOMOGENEOUS\n", "", 1),
			wantRule: "R5",
		},
		{
			name:     "orphan interaction",
			doc:      strings.Replace(baseDoc, "  - name: timeouts\n", "  - name: timeouts\n  - name: orphan\n", 1),
			wantRule: "R6",
		},
		{
			name: "alpha without outbound",
			doc: strings.Replace(baseDoc,
				"  - name: intake-out\n    role: intake",
				"  - name: intake-out\n    role: review", 1),
			wantRule: "R7",
		},
		{
			name:     "omega guard not cerberus",
			doc:      strings.Replace(baseDoc, "type: CERBERUS", "type: PASS_THRU", 1),
			wantRule: "R8",
		},
		{
			name: "epsilon inbound unguarded",
			doc: strings.Replace(baseDoc,
				"  - name: triage-gate\n    component: triage-in\n    type: PASS_THRU\n", "", 1),
			wantRule: "R8",
		},
		{
			name:     "unknown guardian type",
			doc:      strings.Replace(baseDoc, "type: PASS_THRU", "type: MAGIC", 1),
			wantRule: "R9",
		},
		{
			name: "injector with unparseable condition",
			doc: baseDoc + `  - name: escalate
    component: review-out
    type: CONDITIONAL_INJECTOR
    config:
      rules:
        - condition: "amount >"
          action: mutate
`,
			wantRule: "R10",
		},
		{
			name: "injector without rules",
			doc: baseDoc + `  - name: escalate
    component: review-out
    type: CONDITIONAL_INJECTOR
    config: {}
`,
			wantRule: "R10",
		},
		{
			name: "component references unknown role",
			doc: strings.Replace(baseDoc,
				"  - name: review-in\n    role: review",
				"  - name: review-in\n    role: ghost", 1),
			wantRule: "components",
		},
		{
			name:     "duplicate interaction name",
			doc:      strings.Replace(baseDoc, "  - name: done\n", "  - name: done\n  - name: done\n", 1),
			wantRule: "interactions",
		},
		{
			name:     "bad component direction",
			doc:      strings.Replace(baseDoc, "direction: OUTBOUND", "direction: SIDEWAYS", 1),
			wantRule: "components",
		},
		{
			name:     "unknown role type",
			doc:      strings.Replace(baseDoc, "type: TAU", "type: ZETA", 1),
			wantRule: "roles",
		},
		{
			name:     "guardian references unknown component",
			doc:      strings.Replace(baseDoc, "component: archive-in", "component: nowhere", 1),
			wantRule: "guardians",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.doc))
			if err == nil {
				t.Fatal("Load accepted a defective blueprint")
			}
			var be *Error
			if !errors.As(err, &be) {
				t.Fatalf("error %v is not a blueprint Error", err)
			}
			if be.Rule != tt.wantRule {
				t.Errorf("rule = %s, want %s (%v)", be.Rule, tt.wantRule, err)
			}
		})
	}
}

func TestExportRoundTrip(t *testing.T) {
	first, err := Load([]byte(baseDoc))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	data, err := Export(first)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	second, err := Load(data)
	if err != nil {
		t.Fatalf("Load(Export()): %v", err)
	}

	if second.Workflow.Name != first.Workflow.Name {
		t.Errorf("workflow name = %s, want %s", second.Workflow.Name, first.Workflow.Name)
	}

	type roleKey struct {
		name, typ, strategy string
	}
	rolesOf := func(set *loom.Set) map[roleKey]bool {
		out := make(map[roleKey]bool)
		for _, r := range set.Roles {
			out[roleKey{r.Name, string(r.Type), string(r.Strategy)}] = true
		}
		return out
	}
	if got, want := rolesOf(second), rolesOf(first); len(got) != len(want) {
		t.Fatalf("role sets differ: %v vs %v", got, want)
	} else {
		for k := range want {
			if !got[k] {
				t.Errorf("role %v lost in round trip", k)
			}
		}
	}

	// Edges compare by (role name, interaction name, direction).
	edgesOf := func(set *loom.Set) map[string]bool {
		roleNames := make(map[string]string)
		for _, r := range set.Roles {
			roleNames[r.ID] = r.Name
		}
		interactionNames := make(map[string]string)
		for _, it := range set.Interactions {
			interactionNames[it.ID] = it.Name
		}
		out := make(map[string]bool)
		for _, c := range set.Components {
			out[roleNames[c.RoleID]+"/"+interactionNames[c.InteractionID]+"/"+string(c.Direction)] = true
		}
		return out
	}
	got, want := edgesOf(second), edgesOf(first)
	if len(got) != len(want) {
		t.Fatalf("edge sets differ: %v vs %v", got, want)
	}
	for k := range want {
		if !got[k] {
			t.Errorf("edge %s lost in round trip", k)
		}
	}

	// Fresh ids each load.
	if second.Workflow.ID == first.Workflow.ID {
		t.Error("round trip reused the workflow id")
	}
}
