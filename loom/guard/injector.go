package guard

import (
	"fmt"
)

// ModelResolver validates a model override against the deployment's
// whitelist. Resolve returns the effective model id and whether the safe
// failover model was substituted.
type ModelResolver interface {
	Resolve(id string) (model string, failoverUsed bool)
}

// Mutation is the effective outcome of a conditional-injector evaluation.
type Mutation struct {
	GuardName     string
	Condition     string
	ModelOverride string
	FailoverUsed  bool
	FailoverModel string
	Instructions  string
	Fragments     []string
}

// EvaluateInjector evaluates a CONDITIONAL_INJECTOR's ordered rule list.
//
// Each rule is {condition, action, payload} with action "mutate". Rules are
// evaluated in order and later matches win: the final matching rule
// determines the effective mutation. A rule whose condition fails to
// evaluate is shadow-logged and treated as non-matching.
//
// Returns nil when no rule matched.
func (ev *Evaluator) EvaluateInjector(s Spec, snap Snapshot, attrs map[string]any, models ModelResolver) (*Mutation, error) {
	rawRules, ok := s.Config["rules"].([]any)
	if !ok {
		return nil, fmt.Errorf("injector %s: config has no rules list", s.Name)
	}

	vars := Vars(snap, attrs)
	var winner map[string]any
	var winnerCond string

	for i, raw := range rawRules {
		rule, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("injector %s: rule %d is malformed", s.Name, i)
		}
		cond, _ := rule["condition"].(string)
		if action, _ := rule["action"].(string); action != "" && action != "mutate" {
			continue
		}

		expr, err := Parse(cond)
		if err != nil {
			ev.shadow(cond, vars, err)
			continue
		}
		match, err := expr.EvalBool(vars)
		if err != nil {
			ev.shadow(cond, vars, err)
			continue
		}
		if match {
			payload, _ := rule["payload"].(map[string]any)
			winner = payload
			winnerCond = cond
		}
	}

	if winner == nil {
		return nil, nil
	}

	m := &Mutation{
		GuardName: s.Name,
		Condition: winnerCond,
	}
	if override, _ := winner["model_override"].(string); override != "" {
		resolved, failover := models.Resolve(override)
		m.ModelOverride = resolved
		m.FailoverUsed = failover
		if failover {
			m.FailoverModel = resolved
		}
	}
	if instructions, _ := winner["instructions"].(string); instructions != "" {
		m.Instructions = instructions
	}
	if rawFragments, ok := winner["knowledge_fragments"].([]any); ok {
		for _, f := range rawFragments {
			if s, ok := f.(string); ok {
				m.Fragments = append(m.Fragments, s)
			}
		}
	}
	return m, nil
}

// EvaluatePolicy selects the next interaction from an interaction-policy
// snapshot.
//
// The policy shape is:
//
//	{
//	  "branches": [{"when": "<expr>", "to": "<interaction-id>"}, ...],
//	  "default":  "<interaction-id>",   // optional
//	  "on_error": "<interaction-id>",   // optional
//	}
//
// Branches are evaluated in order and the first match wins, the same
// priority order the engine uses for edges generally. An evaluation failure
// is shadow-logged and falls through to the on_error branch when one is
// configured, else to default. Returns "" when nothing matched.
func (ev *Evaluator) EvaluatePolicy(policy map[string]any, snap Snapshot, attrs map[string]any) (string, error) {
	vars := Vars(snap, attrs)
	defaultTo, _ := policy["default"].(string)
	onError, _ := policy["on_error"].(string)

	rawBranches, _ := policy["branches"].([]any)
	for _, raw := range rawBranches {
		branch, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		when, _ := branch["when"].(string)
		to, _ := branch["to"].(string)
		if when == "" || to == "" {
			continue
		}

		expr, err := Parse(when)
		if err != nil {
			ev.shadow(when, vars, err)
			if onError != "" {
				return onError, nil
			}
			return defaultTo, err
		}
		match, err := expr.EvalBool(vars)
		if err != nil {
			ev.shadow(when, vars, err)
			if onError != "" {
				return onError, nil
			}
			return defaultTo, err
		}
		if match {
			return to, nil
		}
	}
	return defaultTo, nil
}

// ValidatePolicy parses every branch expression against the permitted
// variable set. Used at blueprint import.
func ValidatePolicy(policy map[string]any, allowed func(name string) bool) error {
	rawBranches, _ := policy["branches"].([]any)
	for i, raw := range rawBranches {
		branch, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("policy branch %d is malformed", i)
		}
		when, _ := branch["when"].(string)
		expr, err := Parse(when)
		if err != nil {
			return err
		}
		if allowed != nil {
			if err := expr.Validate(allowed); err != nil {
				return err
			}
		}
	}
	return nil
}
