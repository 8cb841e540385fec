package engine

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/tidwall/gjson"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/xjson"
)

// NodeOutput is the document a completed node exposes to edge conditions.
type NodeOutput struct {
	Node      string               `json:"node"`
	Operation string               `json:"operation"`
	Artifacts []domain.ArtifactRef `json:"artifacts"`
	Count     int                  `json:"count"`
}

func newNodeOutput(node domain.Node, artifacts []domain.ArtifactRef) NodeOutput {
	if artifacts == nil {
		artifacts = []domain.ArtifactRef{}
	}
	return NodeOutput{
		Node:      node.ID,
		Operation: node.Operation,
		Artifacts: artifacts,
		Count:     len(artifacts),
	}
}

var conditionRoots = map[string]bool{"output": true, "nodes": true}

// CompileCondition checks that a condition can be evaluated. Expressions may
// only read the output and nodes variables and may not call functions.
func CompileCondition(cond *domain.Condition) error {
	if cond == nil {
		return nil
	}
	if err := cond.Validate(); err != nil {
		return err
	}
	if !cond.IsExpression() {
		return nil
	}

	_, err := parseConditionExpression(cond.Expression)
	return err
}

func parseConditionExpression(src string) (hclsyntax.Expression, error) {
	expr, diags := hclsyntax.ParseExpression([]byte(src), "condition", hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return nil, fmt.Errorf("invalid condition expression: %s", diags.Error())
	}

	for _, traversal := range expr.Variables() {
		root := traversal.RootName()
		if !conditionRoots[root] {
			return nil, fmt.Errorf("condition expression references unknown variable %q", root)
		}
	}

	diags = hclsyntax.VisitAll(expr, func(node hclsyntax.Node) hcl.Diagnostics {
		if call, ok := node.(*hclsyntax.FunctionCallExpr); ok {
			return hcl.Diagnostics{{
				Severity: hcl.DiagError,
				Summary:  "function calls are not allowed",
				Detail:   fmt.Sprintf("condition expressions cannot call %s()", call.Name),
				Subject:  call.Range().Ptr(),
			}}
		}
		return nil
	})
	if diags.HasErrors() {
		return nil, fmt.Errorf("invalid condition expression: %s", diags.Error())
	}

	return expr, nil
}

// EvaluateCondition decides whether an edge is traversed. A nil condition is
// always true. Any failure is returned as an error wrapping
// domain.ErrConditionEvaluation; it is never treated as true.
func EvaluateCondition(cond *domain.Condition, source NodeOutput, completed map[string]NodeOutput) (bool, error) {
	if cond == nil {
		return true, nil
	}

	var (
		ok  bool
		err error
	)
	if cond.IsExpression() {
		ok, err = evaluateExpression(cond.Expression, source, completed)
	} else {
		ok, err = evaluatePredicate(cond, source)
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrConditionEvaluation, err)
	}
	return ok, nil
}

func evaluatePredicate(cond *domain.Condition, source NodeOutput) (bool, error) {
	doc, err := xjson.Marshal(source)
	if err != nil {
		return false, err
	}

	result := gjson.GetBytes(doc, cond.Field)

	switch cond.Operator {
	case domain.OpExists:
		return result.Exists(), nil
	case domain.OpNotExists:
		return !result.Exists(), nil
	case domain.OpEquals:
		return result.Exists() && valuesEqual(result, cond.Value), nil
	case domain.OpNotEquals:
		return !result.Exists() || !valuesEqual(result, cond.Value), nil
	case domain.OpGreater, domain.OpGreaterOrEq, domain.OpLess, domain.OpLessOrEq:
		return compareNumbers(cond, result)
	case domain.OpContains:
		return contains(cond, result)
	}

	return false, fmt.Errorf("unsupported operator %q", cond.Operator)
}

func valuesEqual(result gjson.Result, value interface{}) bool {
	if value == nil {
		return result.Type == gjson.Null
	}

	if want, ok := toFloat(value); ok {
		return result.Type == gjson.Number && result.Float() == want
	}

	switch v := value.(type) {
	case bool:
		return (result.Type == gjson.True || result.Type == gjson.False) && result.Bool() == v
	case string:
		return result.Type == gjson.String && result.String() == v
	}

	return result.String() == fmt.Sprint(value)
}

func compareNumbers(cond *domain.Condition, result gjson.Result) (bool, error) {
	want, ok := toFloat(cond.Value)
	if !ok {
		return false, fmt.Errorf("operator %q needs a numeric value, got %T", cond.Operator, cond.Value)
	}
	if !result.Exists() {
		return false, fmt.Errorf("field %q not found", cond.Field)
	}
	if result.Type != gjson.Number {
		return false, fmt.Errorf("field %q is not a number", cond.Field)
	}

	got := result.Float()
	switch cond.Operator {
	case domain.OpGreater:
		return got > want, nil
	case domain.OpGreaterOrEq:
		return got >= want, nil
	case domain.OpLess:
		return got < want, nil
	default:
		return got <= want, nil
	}
}

func contains(cond *domain.Condition, result gjson.Result) (bool, error) {
	if !result.Exists() {
		return false, nil
	}

	if result.IsArray() {
		for _, item := range result.Array() {
			if valuesEqual(item, cond.Value) {
				return true, nil
			}
		}
		return false, nil
	}

	if result.Type == gjson.String {
		needle, ok := cond.Value.(string)
		if !ok {
			return false, fmt.Errorf("operator %q on a string needs a string value", cond.Operator)
		}
		return strings.Contains(result.String(), needle), nil
	}

	return false, fmt.Errorf("field %q is neither a list nor a string", cond.Field)
}

func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

func evaluateExpression(src string, source NodeOutput, completed map[string]NodeOutput) (bool, error) {
	expr, err := parseConditionExpression(src)
	if err != nil {
		return false, err
	}

	output, err := toCtyValue(source)
	if err != nil {
		return false, err
	}

	nodes, err := toCtyValue(completed)
	if err != nil {
		return false, err
	}

	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"output": output,
			"nodes":  nodes,
		},
	}

	value, diags := expr.Value(evalCtx)
	if diags.HasErrors() {
		return false, fmt.Errorf("evaluate condition: %s", diags.Error())
	}

	value, err = convert.Convert(value, cty.Bool)
	if err != nil {
		return false, fmt.Errorf("condition must produce a boolean: %w", err)
	}
	if value.IsNull() || !value.IsKnown() {
		return false, fmt.Errorf("condition produced no value")
	}

	return value.True(), nil
}

func toCtyValue(v interface{}) (cty.Value, error) {
	doc, err := xjson.Marshal(v)
	if err != nil {
		return cty.NilVal, err
	}

	ty, err := ctyjson.ImpliedType(doc)
	if err != nil {
		return cty.NilVal, err
	}

	return ctyjson.Unmarshal(doc, ty)
}
