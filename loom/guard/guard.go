package guard

import (
	"errors"
	"fmt"
	"time"
)

// Guard type names. These match the guardian type vocabulary at the storage
// boundary.
const (
	TypePassThru            = "PASS_THRU"
	TypeCriteriaGate        = "CRITERIA_GATE"
	TypeTTLCheck            = "TTL_CHECK"
	TypeComposite           = "COMPOSITE"
	TypeDirectionalFilter   = "DIRECTIONAL_FILTER"
	TypeCerberus            = "CERBERUS"
	TypeConditionalInjector = "CONDITIONAL_INJECTOR"
)

// ErrUnknownType is returned for a guardian type outside the dispatch table.
var ErrUnknownType = errors.New("unknown guard type")

// Spec is a guardian to evaluate: a tagged sum of {type, config}.
type Spec struct {
	Name   string
	Type   string
	Config map[string]any
}

// Snapshot carries the reserved UOW metadata visible to guard evaluation
// and DSL expressions.
type Snapshot struct {
	UOWID              string
	ParentID           string
	Status             string
	ChildCount         int
	FinishedChildCount int
}

// Decision is the outcome of a blocking guard.
//
// Err is set when evaluation itself failed (DSL error, missing attribute,
// type mismatch, unknown guard type). Callers treat a failed evaluation as a
// rejection for blocking guards; the failure is additionally shadow-logged.
type Decision struct {
	Allow bool
	Rule  string
	Err   error
}

// ShadowFunc captures evaluation failures for the telemetry stream: the
// failing expression or guard, the variable snapshot, and the error.
type ShadowFunc func(expr string, vars map[string]any, err error)

// Evaluator dispatches guardian evaluation. The zero value is usable; Now
// and Shadow default to time.Now and a no-op.
type Evaluator struct {
	// Now supplies the evaluation clock (TTL checks). Defaults to time.Now.
	Now func() time.Time

	// Shadow receives evaluation failures. Optional.
	Shadow ShadowFunc
}

// NewEvaluator creates an Evaluator with the given shadow capture hook.
func NewEvaluator(shadow ShadowFunc) *Evaluator {
	return &Evaluator{Shadow: shadow}
}

func (ev *Evaluator) now() time.Time {
	if ev.Now != nil {
		return ev.Now()
	}
	return time.Now()
}

func (ev *Evaluator) shadow(expr string, vars map[string]any, err error) {
	if ev.Shadow != nil {
		ev.Shadow(expr, vars, err)
	}
}

// Vars builds the DSL variable namespace: the attribute map plus the
// reserved metadata names from the snapshot.
func Vars(snap Snapshot, attrs map[string]any) map[string]any {
	vars := make(map[string]any, len(attrs)+len(ReservedNames))
	for k, v := range attrs {
		vars[k] = v
	}
	vars["uow_id"] = snap.UOWID
	vars["child_count"] = snap.ChildCount
	vars["finished_child_count"] = snap.FinishedChildCount
	vars["status"] = snap.Status
	if snap.ParentID == "" {
		vars["parent_id"] = nil
	} else {
		vars["parent_id"] = snap.ParentID
	}
	return vars
}

// Evaluate runs the blocking decision procedure for a guardian.
//
// Evaluation failures are shadow-logged and returned with Allow=false.
func (ev *Evaluator) Evaluate(s Spec, snap Snapshot, attrs map[string]any) Decision {
	switch s.Type {
	case TypePassThru, TypeDirectionalFilter, TypeConditionalInjector:
		// Pass-through: directional filters route elsewhere and injectors
		// mutate rather than block.
		return Decision{Allow: true}

	case TypeCriteriaGate:
		return ev.evalCriteria(s, attrs)

	case TypeTTLCheck:
		return ev.evalTTL(s, attrs)

	case TypeComposite:
		return ev.evalComposite(s, snap, attrs)

	case TypeCerberus:
		// Reconciliation at the terminal role: a parent is admitted only
		// once every spawned child has finished. Childless tokens pass.
		if snap.ChildCount == 0 || snap.FinishedChildCount >= snap.ChildCount {
			return Decision{Allow: true}
		}
		return Decision{
			Allow: false,
			Rule: fmt.Sprintf("cerberus: %d of %d children finished",
				snap.FinishedChildCount, snap.ChildCount),
		}

	default:
		err := fmt.Errorf("%w: %s", ErrUnknownType, s.Type)
		ev.shadow(s.Name, Vars(snap, attrs), err)
		return Decision{Allow: false, Rule: "unknown guard type " + s.Type, Err: err}
	}
}

func (ev *Evaluator) evalCriteria(s Spec, attrs map[string]any) Decision {
	field, _ := s.Config["field"].(string)
	op, _ := s.Config["operator"].(string)
	if op == "" {
		op, _ = s.Config["op"].(string)
	}
	threshold, hasThreshold := s.Config["threshold"]
	if field == "" || op == "" || !hasThreshold {
		return Decision{Allow: false, Rule: "criteria gate: incomplete config"}
	}

	value, ok := attrs[field]
	if !ok {
		return Decision{Allow: false, Rule: fmt.Sprintf("criteria gate: missing field %q", field)}
	}

	var (
		pass bool
		err  error
	)
	switch op {
	case "GT":
		pass, err = orderedCompare(value, threshold, ">")
	case "LT":
		pass, err = orderedCompare(value, threshold, "<")
	case "EQ":
		pass = valueEqual(value, threshold)
	case "IN":
		pass, err = member(value, threshold)
	default:
		err = fmt.Errorf("criteria gate: unsupported operator %q", op)
	}
	if err != nil {
		ev.shadow(s.Name, attrs, err)
		return Decision{Allow: false, Rule: "criteria gate: " + err.Error(), Err: err}
	}
	if !pass {
		return Decision{
			Allow: false,
			Rule:  fmt.Sprintf("criteria gate: %s %s %v failed for %v", field, op, threshold, value),
		}
	}
	return Decision{Allow: true}
}

func (ev *Evaluator) evalTTL(s Spec, attrs map[string]any) Decision {
	refField, _ := s.Config["reference_field"].(string)
	maxAge, ok := toFloat(s.Config["max_age_seconds"])
	if refField == "" || !ok {
		return Decision{Allow: false, Rule: "ttl check: incomplete config"}
	}

	raw, present := attrs[refField]
	str, isStr := raw.(string)
	if !present || !isStr {
		return Decision{Allow: false, Rule: fmt.Sprintf("ttl check: missing reference field %q", refField)}
	}

	ref, err := parseTimestamp(str)
	if err != nil {
		ev.shadow(s.Name, attrs, err)
		return Decision{Allow: false, Rule: "ttl check: " + err.Error(), Err: err}
	}

	age := ev.now().UTC().Sub(ref)
	if age <= time.Duration(maxAge*float64(time.Second)) {
		return Decision{Allow: true}
	}
	return Decision{
		Allow: false,
		Rule:  fmt.Sprintf("ttl check: %s is %s old (max %gs)", refField, age.Truncate(time.Second), maxAge),
	}
}

func (ev *Evaluator) evalComposite(s Spec, snap Snapshot, attrs map[string]any) Decision {
	logic, _ := s.Config["logic"].(string)
	if logic != "AND" && logic != "OR" {
		return Decision{Allow: false, Rule: "composite: logic must be AND or OR"}
	}
	rawSteps, _ := s.Config["steps"].([]any)
	if len(rawSteps) == 0 {
		return Decision{Allow: false, Rule: "composite: no steps"}
	}

	for i, raw := range rawSteps {
		stepMap, ok := raw.(map[string]any)
		if !ok {
			return Decision{Allow: false, Rule: fmt.Sprintf("composite: step %d is malformed", i)}
		}
		childType, _ := stepMap["type"].(string)
		childCfg, _ := stepMap["config"].(map[string]any)
		child := Spec{
			Name:   fmt.Sprintf("%s[%d]", s.Name, i),
			Type:   childType,
			Config: childCfg,
		}
		d := ev.Evaluate(child, snap, attrs)
		if logic == "AND" && !d.Allow {
			return Decision{Allow: false, Rule: "composite AND: " + d.Rule, Err: d.Err}
		}
		if logic == "OR" && d.Allow {
			return Decision{Allow: true}
		}
	}
	if logic == "AND" {
		return Decision{Allow: true}
	}
	return Decision{Allow: false, Rule: "composite OR: no step passed"}
}

// orderedCompare applies < or > via the DSL comparison rules.
func orderedCompare(l, r any, op string) (bool, error) {
	v, err := compare(op, l, r)
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// parseTimestamp accepts RFC 3339 timestamps; naive timestamps (no zone)
// are assumed UTC.
func parseTimestamp(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
