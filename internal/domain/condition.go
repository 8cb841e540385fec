package domain

import (
	"errors"
	"fmt"
)

type ConditionOperator string

const (
	OpEquals      ConditionOperator = "eq"
	OpNotEquals   ConditionOperator = "ne"
	OpGreater     ConditionOperator = "gt"
	OpGreaterOrEq ConditionOperator = "gte"
	OpLess        ConditionOperator = "lt"
	OpLessOrEq    ConditionOperator = "lte"
	OpContains    ConditionOperator = "contains"
	OpExists      ConditionOperator = "exists"
	OpNotExists   ConditionOperator = "not_exists"
)

var knownOperators = map[ConditionOperator]bool{
	OpEquals:      true,
	OpNotEquals:   true,
	OpGreater:     true,
	OpGreaterOrEq: true,
	OpLess:        true,
	OpLessOrEq:    true,
	OpContains:    true,
	OpExists:      true,
	OpNotExists:   true,
}

// Condition gates traversal of an edge. It is either a field predicate
// (Field, Operator, Value) over the source node's output document, or an
// Expression in the sandboxed expression language. Exactly one form is set.
type Condition struct {
	Field      string            `json:"field,omitempty" yaml:"field,omitempty"`
	Operator   ConditionOperator `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value      interface{}       `json:"value,omitempty" yaml:"value,omitempty"`
	Expression string            `json:"expression,omitempty" yaml:"expression,omitempty"`
}

func (c *Condition) IsExpression() bool {
	return c.Expression != ""
}

func (c *Condition) Validate() error {
	switch {
	case c.Expression != "" && (c.Field != "" || c.Operator != ""):
		return errors.New("condition sets both an expression and a field predicate")
	case c.Expression != "":
		return nil
	case c.Field == "":
		return errors.New("condition has neither a field nor an expression")
	case !knownOperators[c.Operator]:
		return fmt.Errorf("condition uses unknown operator %q", c.Operator)
	case c.Operator != OpExists && c.Operator != OpNotExists && c.Value == nil:
		return fmt.Errorf("condition operator %q requires a value", c.Operator)
	}
	return nil
}
