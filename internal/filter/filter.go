// Package filter evaluates schedule filter expressions against record data.
//
// Every operator is a pure predicate over the record's field value and the
// filter's value. String comparisons ignore case; ordering operators coerce
// both sides to numbers, or to dates when both sides parse as dates.
// Unknown operators never match.
package filter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// Evaluate reports whether data satisfies expr. Logic is matched without
// regard to case. An empty AND expression matches everything; an empty OR
// expression matches nothing. Unknown logic matches nothing.
func Evaluate(data map[string]any, expr schema.FilterExpression) bool {
	logic, ok := expr.Logic.Canonical()
	if !ok {
		return false
	}
	if logic == schema.LogicOr {
		for _, f := range expr.Filters {
			if Match(data, f) {
				return true
			}
		}
		return false
	}
	for _, f := range expr.Filters {
		if !Match(data, f) {
			return false
		}
	}
	return true
}

// EvaluateRecord is Evaluate over a record's data. Deleted records never match.
func EvaluateRecord(rec *schema.Record, expr schema.FilterExpression) bool {
	if rec == nil || rec.Deleted() {
		return false
	}
	return Evaluate(rec.Data, expr)
}

// FilterRecords returns the records matching expr, in input order.
func FilterRecords(records []*schema.Record, expr schema.FilterExpression) []*schema.Record {
	out := make([]*schema.Record, 0, len(records))
	for _, rec := range records {
		if EvaluateRecord(rec, expr) {
			out = append(out, rec)
		}
	}
	return out
}

// Match applies a single filter to data.
func Match(data map[string]any, f schema.Filter) bool {
	v := data[f.Field]
	switch f.Operator {
	case schema.OpEquals:
		return equal(v, f.Value)
	case schema.OpNotEquals:
		return !equal(v, f.Value)
	case schema.OpContains:
		return contains(v, f.Value)
	case schema.OpNotContains:
		return !contains(v, f.Value)
	case schema.OpIsEmpty:
		return empty(v)
	case schema.OpIsNotEmpty:
		return !empty(v)
	case schema.OpGreaterThan:
		return ordered(v, f.Value, func(c int) bool { return c > 0 })
	case schema.OpLessThan:
		return ordered(v, f.Value, func(c int) bool { return c < 0 })
	case schema.OpGreaterOrEqual:
		return ordered(v, f.Value, func(c int) bool { return c >= 0 })
	case schema.OpLessOrEqual:
		return ordered(v, f.Value, func(c int) bool { return c <= 0 })
	case schema.OpStartsWith:
		return strings.HasPrefix(fold(v), fold(f.Value))
	case schema.OpEndsWith:
		return strings.HasSuffix(fold(v), fold(f.Value))
	case schema.OpIn:
		return in(v, f.Value)
	case schema.OpNotIn:
		return !in(v, f.Value)
	}
	return false
}

// ValidOperator reports whether op is one the engine understands.
func ValidOperator(op schema.FilterOperator) bool {
	return op.Known()
}

// Check reports problems in expr without rejecting it: unknown operators
// and unknown fields only ever fail closed at evaluation time.
func Check(expr schema.FilterExpression, model *schema.Model) *schema.ValidationResult {
	res := &schema.ValidationResult{}
	if _, ok := expr.Logic.Canonical(); !ok {
		res.AddError("logic", "INVALID_LOGIC", fmt.Sprintf("logic %q is not AND or OR", expr.Logic))
	}
	for i, f := range expr.Filters {
		path := fmt.Sprintf("filters[%d]", i)
		if !ValidOperator(f.Operator) {
			res.AddWarning(path+".operator", "UNKNOWN_OPERATOR",
				fmt.Sprintf("operator %q is unknown and never matches", f.Operator))
		}
		if model != nil {
			if _, ok := model.Field(f.Field); !ok {
				res.AddWarning(path+".field", "UNKNOWN_FIELD",
					fmt.Sprintf("field %q is not in model %q", f.Field, model.Name))
			}
		}
	}
	return res
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			return x == y
		}
	}
	if x, ok := a.(bool); ok {
		if y, ok := boolean(b); ok {
			return x == y
		}
		return false
	}
	return fold(a) == fold(b)
}

func contains(v, needle any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case []any:
		for _, item := range t {
			if equal(item, needle) {
				return true
			}
		}
		return false
	case map[string]any:
		_, ok := t[fmt.Sprint(needle)]
		return ok
	}
	return strings.Contains(fold(v), fold(needle))
}

func empty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// ordered compares v to ref numerically, or as dates when both sides are
// dates. Values that are neither never match.
func ordered(v, ref any, ok func(int) bool) bool {
	if x, isNum := number(v); isNum {
		if y, isNum := number(ref); isNum {
			return ok(compare(x, y))
		}
	}
	if x, isDate := date(v); isDate {
		if y, isDate := date(ref); isDate {
			return ok(x.Compare(y))
		}
	}
	return false
}

func compare(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// in accepts a list value or a comma-separated string.
func in(v, list any) bool {
	var items []any
	switch t := list.(type) {
	case []any:
		items = t
	case []string:
		for _, s := range t {
			items = append(items, s)
		}
	case string:
		for _, s := range strings.Split(t, ",") {
			items = append(items, strings.TrimSpace(s))
		}
	default:
		return false
	}
	for _, item := range items {
		if equal(v, item) {
			return true
		}
	}
	return false
}

func fold(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.ToLower(t)
	case float64:
		return strings.ToLower(strconv.FormatFloat(t, 'f', -1, 64))
	}
	return strings.ToLower(fmt.Sprint(v))
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func boolean(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return b, err == nil
	}
	return false, false
}

var dateLayouts = []string{time.RFC3339Nano, time.DateTime, time.DateOnly}

func date(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range dateLayouts {
			if d, err := time.Parse(layout, s); err == nil {
				return d, true
			}
		}
	}
	return time.Time{}, false
}
