package flow

import (
	"strconv"
	"strings"
)

// Condition evaluation: a single binary or unary comparison of the
// form `<lhs> <op> <rhs>`, evaluated after template substitution.
//
// Supported binary operators: ==, !=, <, <=, >, >=, contains,
// not_contains, starts_with, ends_with, in.
// Supported unary operators: is_empty, is_not_empty.
//
// Operands are either template paths (resolved against the context) or
// literals: quoted strings, numbers, booleans (true/false/yes/no), and
// null/none. An unknown operator evaluates to false, never to an
// error — a typo in a rule must not crash a run. There is no general
// expression language and no evaluation of arbitrary code.

// binaryOps in match order. Longer symbols first so "<=" wins over "<".
var binaryOps = []string{
	"==", "!=", "<=", ">=", "<", ">",
	"not_contains", "contains", "starts_with", "ends_with", "in",
}

var unaryOps = []string{"is_not_empty", "is_empty"}

// EvalCondition evaluates expr against the context. Malformed
// expressions and unknown operators evaluate to false.
func EvalCondition(expr string, ctx TemplateContext) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false
	}

	// Unary forms: `<operand> is_empty`.
	for _, op := range unaryOps {
		if strings.HasSuffix(expr, " "+op) {
			operand := strings.TrimSpace(strings.TrimSuffix(expr, " "+op))
			v := evalOperand(operand, ctx)
			empty := isEmptyValue(v)
			if op == "is_empty" {
				return empty
			}
			return !empty
		}
	}

	lhs, op, rhs, ok := splitCondition(expr)
	if !ok {
		return false
	}

	left := evalOperand(lhs, ctx)
	right := evalOperand(rhs, ctx)

	switch op {
	case "==":
		return looseEqual(left, right)
	case "!=":
		return !looseEqual(left, right)
	case "<", "<=", ">", ">=":
		ln, lok := toNumber(left)
		rn, rok := toNumber(right)
		if !lok || !rok {
			return false
		}
		switch op {
		case "<":
			return ln < rn
		case "<=":
			return ln <= rn
		case ">":
			return ln > rn
		default:
			return ln >= rn
		}
	case "contains":
		return containsValue(left, right)
	case "not_contains":
		return !containsValue(left, right)
	case "starts_with":
		return strings.HasPrefix(stringify(left), stringify(right))
	case "ends_with":
		return strings.HasSuffix(stringify(left), stringify(right))
	case "in":
		return containsValue(right, left)
	default:
		return false
	}
}

// splitCondition finds the operator token, respecting quoted operands.
func splitCondition(expr string) (lhs, op, rhs string, ok bool) {
	for _, candidate := range binaryOps {
		var token string
		if isWordOp(candidate) {
			token = " " + candidate + " "
		} else {
			token = candidate
		}
		idx := indexOutsideQuotes(expr, token)
		if idx < 0 {
			continue
		}
		lhs = strings.TrimSpace(expr[:idx])
		rhs = strings.TrimSpace(expr[idx+len(token):])
		if lhs == "" || rhs == "" {
			continue
		}
		return lhs, candidate, rhs, true
	}
	return "", "", "", false
}

func isWordOp(op string) bool {
	for _, r := range op {
		if r != '_' && (r < 'a' || r > 'z') {
			return false
		}
	}
	return true
}

// indexOutsideQuotes returns the first index of token in s that is not
// inside a single- or double-quoted region.
func indexOutsideQuotes(s, token string) int {
	var quote byte
	for i := 0; i+len(token) <= len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		if c == '\'' || c == '"' {
			quote = c
			continue
		}
		if s[i:i+len(token)] == token {
			return i
		}
	}
	return -1
}

// evalOperand resolves a literal or a context path.
func evalOperand(operand string, ctx TemplateContext) any {
	operand = strings.TrimSpace(operand)

	// Quoted string literal.
	if len(operand) >= 2 {
		if (operand[0] == '\'' && operand[len(operand)-1] == '\'') ||
			(operand[0] == '"' && operand[len(operand)-1] == '"') {
			return operand[1 : len(operand)-1]
		}
	}

	// Rendered placeholder, e.g. `{{vars.count}}`.
	if strings.HasPrefix(operand, "{{") && strings.HasSuffix(operand, "}}") {
		return RenderValue(operand, ctx)
	}

	switch strings.ToLower(operand) {
	case "true", "yes":
		return true
	case "false", "no":
		return false
	case "null", "none":
		return nil
	}

	if n, err := strconv.ParseFloat(operand, 64); err == nil {
		return n
	}

	// Bare path: resolve against the context; unresolved paths keep
	// their literal spelling so `status == pending` compares strings.
	if v, ok := resolvePath(operand, ctx); ok {
		return v
	}
	return operand
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func looseEqual(a, b any) bool {
	if an, aok := toNumber(a); aok {
		if bn, bok := toNumber(b); bok {
			return an == bn
		}
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			return ab == bb
		}
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return stringify(a) == stringify(b)
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		n, err := strconv.ParseFloat(t, 64)
		return n, err == nil
	}
	return 0, false
}

func containsValue(container, item any) bool {
	switch t := container.(type) {
	case string:
		return strings.Contains(t, stringify(item))
	case []any:
		for _, el := range t {
			if looseEqual(el, item) {
				return true
			}
		}
		return false
	case map[string]any:
		_, ok := t[stringify(item)]
		return ok
	}
	return false
}
