package criteria

import (
	"cmp"
	"math"
	"strconv"
	"strings"

	"github.com/g960059/drillgrid/internal/model"
)

// Evaluate compares a record value with an expected value under datatype and
// operator. Unparseable numbers or booleans make the comparison false no
// matter the operator. Unknown datatypes compare as strings; unknown
// operators compare for equality.
func Evaluate(recordValue, expected string, op model.Operator, datatype model.Datatype) bool {
	switch model.Datatype(strings.ToLower(strings.TrimSpace(string(datatype)))) {
	case model.DatatypeNumber:
		l, okL := parseNumber(recordValue)
		r, okR := parseNumber(expected)
		if !okL || !okR {
			return false
		}
		return compare(cmp.Compare(l, r), op)
	case model.DatatypeBoolean:
		l, okL := parseBool(recordValue)
		r, okR := parseBool(expected)
		if !okL || !okR {
			return false
		}
		return compare(boolCompare(l, r), op)
	default:
		return compare(strings.Compare(recordValue, expected), op)
	}
}

// EvaluateCriterion looks the criterion field up in record by
// case-insensitive header match. A missing field is an unmet criterion.
func EvaluateCriterion(c model.Criterion, record model.Record) bool {
	name := strings.TrimSpace(c.FieldName)
	if name == "" {
		return false
	}
	value, ok := record.Lookup(name)
	if !ok {
		return false
	}
	op := model.Operator(strings.TrimSpace(string(c.Operator)))
	return Evaluate(value, Stringify(c.Expected), op, c.Datatype)
}

// EvaluateTask is complete only when the task has at least one criterion and
// every criterion holds. Evaluation stops at the first failure.
func EvaluateTask(task model.Task, record model.Record) model.TaskStatus {
	if len(task.Criteria) == 0 {
		return model.StatusIncomplete
	}
	for _, c := range task.Criteria {
		if !EvaluateCriterion(c, record) {
			return model.StatusIncomplete
		}
	}
	return model.StatusComplete
}

// Stringify renders a decoded JSON expected value the way it was written.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case interface{ String() string }:
		return x.String()
	default:
		return ""
	}
}

func parseNumber(raw string) (float64, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

func parseBool(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "y", "yes":
		return true, true
	case "false", "0", "n", "no":
		return false, true
	default:
		return false, false
	}
}

func boolCompare(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

func compare(c int, op model.Operator) bool {
	switch op {
	case model.OpLess:
		return c < 0
	case model.OpLessEqual:
		return c <= 0
	case model.OpGreater:
		return c > 0
	case model.OpGreaterEqual:
		return c >= 0
	case model.OpNotEqual:
		return c != 0
	default:
		return c == 0
	}
}
