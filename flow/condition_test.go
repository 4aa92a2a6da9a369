package flow

import "testing"

func TestEvalCondition(t *testing.T) {
	ctx := TemplateContext{
		Vars: map[string]any{
			"status":  "approved",
			"count":   float64(5),
			"ratio":   2.5,
			"name":    "ada lovelace",
			"tags":    []any{"vip", "beta"},
			"empty":   "",
			"details": map[string]any{"region": "eu"},
		},
	}

	cases := []struct {
		name string
		expr string
		want bool
	}{
		{"string equality", "status == 'approved'", true},
		{"string inequality", "status != 'rejected'", true},
		{"equality miss", "status == 'rejected'", false},
		{"numeric less than", "count < 10", true},
		{"numeric greater or equal", "count >= 5", true},
		{"numeric greater than miss", "count > 5", false},
		{"float comparison", "ratio <= 2.5", true},
		{"string vs number coercion", "count == '5'", true},
		{"contains on string", "name contains 'love'", true},
		{"not_contains on string", "name not_contains 'zzz'", true},
		{"contains on slice", "tags contains 'vip'", true},
		{"contains miss on slice", "tags contains 'gold'", false},
		{"starts_with", "name starts_with 'ada'", true},
		{"ends_with", "name ends_with 'lace'", true},
		{"in operator", "'vip' in tags", true},
		{"is_empty on empty string", "empty is_empty", true},
		{"is_empty on populated var", "status is_empty", false},
		{"is_not_empty", "tags is_not_empty", true},
		{"nested path operand", "details.region == 'eu'", true},
		{"placeholder operand", "{{vars.count}} > 4", true},
		{"unresolved path compares as literal", "status == approved", true},
		{"boolean literal", "true == yes", true},
		{"null literal", "missing_var == null", false},
		{"blank expression", "", false},
		{"unknown operator is false", "count ~= 5", false},
		{"operator inside quotes ignored", "name == 'a == b'", false},
		{"le beats lt on split", "count <= 5", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := EvalCondition(tc.expr, ctx); got != tc.want {
				t.Errorf("EvalCondition(%q) = %v, want %v", tc.expr, got, tc.want)
			}
		})
	}
}

func TestEvalConditionNeverPanics(t *testing.T) {
	ctx := TemplateContext{}
	for _, expr := range []string{
		"== ==", "a <", "> b", "contains", "'unterminated == 1",
		"is_empty", "x in", "{{}} == 1",
	} {
		if EvalCondition(expr, ctx) {
			t.Errorf("malformed expression %q evaluated true", expr)
		}
	}
}
