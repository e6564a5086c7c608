package guard

import (
	"errors"
	"testing"
)

func mustParse(t *testing.T, src string) *Expr {
	t.Helper()
	expr, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse(%q) error: %v", src, err)
	}
	return expr
}

func TestParseAndEval(t *testing.T) {
	tests := []struct {
		src  string
		vars map[string]any
		want bool
	}{
		{"amount > 1000", map[string]any{"amount": 1500}, true},
		{"amount > 1000", map[string]any{"amount": 500}, false},
		{"amount >= 1000 and status == 'pending'", map[string]any{"amount": 1000, "status": "pending"}, true},
		{"amount < 10 or status != 'closed'", map[string]any{"amount": 50, "status": "open"}, true},
		{"not approved", map[string]any{"approved": false}, true},
		{"status in ['open', 'pending']", map[string]any{"status": "pending"}, true},
		{"status not in ['open', 'pending']", map[string]any{"status": "closed"}, true},
		{"parent_id == null", map[string]any{"parent_id": nil}, true},
		{"(amount > 100) and (amount < 200)", map[string]any{"amount": 150}, true},
		{"count = 3", map[string]any{"count": 3}, true},
		{"true", nil, true},
	}
	for _, tt := range tests {
		expr := mustParse(t, tt.src)
		got, err := expr.EvalBool(tt.vars)
		if err != nil {
			t.Errorf("EvalBool(%q) error: %v", tt.src, err)
			continue
		}
		if got != tt.want {
			t.Errorf("EvalBool(%q) = %v, want %v", tt.src, got, tt.want)
		}
	}
}

func TestParseRejectsForbiddenConstructs(t *testing.T) {
	bad := []string{
		"foo(1)",
		"a.b",
		"a + b",
		"a[0]",
		"a > ",
		"a >< b",
		"'unterminated",
	}
	for _, src := range bad {
		if _, err := Parse(src); err == nil {
			t.Errorf("Parse(%q) succeeded, want syntax error", src)
		}
	}
}

func TestEvalMissingVariable(t *testing.T) {
	expr := mustParse(t, "amount > 10")
	_, err := expr.EvalBool(map[string]any{"other": 1})
	var attrErr *AttributeError
	if !errors.As(err, &attrErr) {
		t.Fatalf("error = %v, want AttributeError", err)
	}
	if attrErr.Name != "amount" {
		t.Errorf("AttributeError.Name = %q, want amount", attrErr.Name)
	}
}

func TestEvalTypeMismatch(t *testing.T) {
	expr := mustParse(t, "amount > 10")
	if _, err := expr.EvalBool(map[string]any{"amount": "lots"}); err == nil {
		t.Error("expected eval error comparing string to number")
	}
}

func TestValidateAgainstAllowedSet(t *testing.T) {
	allowed := map[string]bool{"amount": true, "status": true}
	for _, name := range ReservedNames {
		allowed[name] = true
	}
	allow := func(name string) bool { return allowed[name] }

	if err := mustParse(t, "amount > 10 and uow_id != null").Validate(allow); err != nil {
		t.Errorf("Validate rejected permitted variables: %v", err)
	}

	err := mustParse(t, "secret == 1").Validate(allow)
	var attrErr *AttributeError
	if !errors.As(err, &attrErr) {
		t.Fatalf("error = %v, want AttributeError", err)
	}
}

func TestNonBooleanResult(t *testing.T) {
	expr := mustParse(t, "amount")
	if _, err := expr.EvalBool(map[string]any{"amount": 7}); err == nil {
		t.Error("expected error for non-boolean expression result")
	}
}

func TestNumericCoercion(t *testing.T) {
	// JSON decoding can surface numbers as int, int64 or float64; comparisons
	// must not care.
	expr := mustParse(t, "amount > 1000")
	for _, v := range []any{1500, int64(1500), float64(1500)} {
		got, err := expr.EvalBool(map[string]any{"amount": v})
		if err != nil {
			t.Errorf("EvalBool with %T: %v", v, err)
			continue
		}
		if !got {
			t.Errorf("EvalBool with %T = false, want true", v)
		}
	}
}
