package criteria

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/g960059/drillgrid/internal/model"
)

func TestEvaluateNumber(t *testing.T) {
	assert.True(t, Evaluate("80", "80", ">=", "number"))
	assert.True(t, Evaluate(" 85 ", "80", ">", "NUMBER"))
	assert.False(t, Evaluate("60", "80", ">=", "number"))
	assert.True(t, Evaluate("1e2", "100", "==", "number"))
}

func TestEvaluateNumberUnparseableIsFalse(t *testing.T) {
	assert.False(t, Evaluate("abc", "1", "==", "number"))
	assert.False(t, Evaluate("abc", "1", "!=", "number"))
	assert.False(t, Evaluate("", "0", "==", "number"))
	assert.False(t, Evaluate("NaN", "NaN", "!=", "number"))
}

func TestEvaluateBoolean(t *testing.T) {
	assert.True(t, Evaluate("Yes", "true", "==", "boolean"))
	assert.True(t, Evaluate(" n ", "0", "==", "boolean"))
	assert.True(t, Evaluate("y", "no", "!=", "boolean"))
	assert.False(t, Evaluate("maybe", "true", "!=", "boolean"))
	assert.False(t, Evaluate("", "false", "==", "boolean"))
}

func TestEvaluateStringIsExact(t *testing.T) {
	assert.True(t, Evaluate("pass", "pass", "==", "string"))
	assert.False(t, Evaluate("Pass", "pass", "==", "string"))
	assert.False(t, Evaluate("pass ", "pass", "==", ""))
	assert.True(t, Evaluate("b", "a", ">", "text"))
}

func TestEvaluateUnknownOperatorFallsBackToEquality(t *testing.T) {
	assert.True(t, Evaluate("5", "5.0", "~", "number"))
	assert.False(t, Evaluate("5", "6", "", "number"))
}

func record(headers []string, values ...string) model.Record {
	return model.Record{Headers: headers, Values: values}
}

func TestEvaluateCriterionLooksUpHeaderCaseInsensitively(t *testing.T) {
	rec := record([]string{"Flow", " Coverage "}, "f1", "85")
	c := model.Criterion{FieldName: "coverage", Datatype: model.DatatypeNumber, Operator: model.OpGreaterEqual, Expected: float64(80)}
	assert.True(t, EvaluateCriterion(c, rec))

	c.FieldName = "missing"
	assert.False(t, EvaluateCriterion(c, rec))

	c.FieldName = "  "
	assert.False(t, EvaluateCriterion(c, rec))
}

func TestEvaluateTask(t *testing.T) {
	rec := record([]string{"coverage", "signed"}, "85", "yes")

	empty := model.Task{ID: "t0"}
	assert.Equal(t, model.StatusIncomplete, EvaluateTask(empty, rec))

	task := model.Task{ID: "t1", Criteria: model.Criteria{
		{FieldName: "coverage", Datatype: "number", Operator: ">=", Expected: "80"},
		{FieldName: "signed", Datatype: "boolean", Operator: "==", Expected: true},
	}}
	assert.Equal(t, model.StatusComplete, EvaluateTask(task, rec))

	task.Criteria = append(task.Criteria, model.Criterion{FieldName: "owner", Datatype: "string", Operator: "==", Expected: "me"})
	assert.Equal(t, model.StatusIncomplete, EvaluateTask(task, rec))
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "80", Stringify(float64(80)))
	assert.Equal(t, "0.5", Stringify(0.5))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "7", Stringify(7))
}
