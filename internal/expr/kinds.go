package expr

import (
	"fmt"

	"github.com/roach88/quarry/internal/ir"
)

// NodeKind identifies the shape of a node.
type NodeKind int

const (
	NodeArg NodeKind = iota
	NodeConst
	NodeProp
	NodeUnary
	NodeBinary
	NodeCompose
	NodeCollection
)

var nodeNames = [...]string{"arg", "const", "prop", "unary", "binary", "compose", "collection"}

func (n NodeKind) String() string {
	if int(n) < len(nodeNames) {
		return nodeNames[n]
	}
	return fmt.Sprintf("node(%d)", int(n))
}

// ValueKind is the result type of a node. The zero value is a generic object.
type ValueKind int

const (
	KindObject ValueKind = iota
	KindBool
	KindNumeric
	KindString
	KindComparable
	KindCollection
)

var valueKindNames = [...]string{"object", "bool", "numeric", "string", "comparable", "collection"}

func (k ValueKind) String() string {
	if int(k) < len(valueKindNames) {
		return valueKindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseValueKind maps a kind name back to its ValueKind.
func ParseValueKind(s string) (ValueKind, error) {
	for i, name := range valueKindNames {
		if name == s {
			return ValueKind(i), nil
		}
	}
	return KindObject, fmt.Errorf("unknown value kind %q", s)
}

// KindOfValue maps a runtime value kind to the expression value kind.
func KindOfValue(k ir.Kind) ValueKind {
	switch k {
	case ir.KindBool:
		return KindBool
	case ir.KindInt, ir.KindFloat, ir.KindDecimal:
		return KindNumeric
	case ir.KindString:
		return KindString
	case ir.KindArray:
		return KindCollection
	case ir.KindObject:
		return KindObject
	default:
		return KindComparable
	}
}

// Op is an operator kind.
type Op int

const (
	OpNone Op = iota

	// Unary
	OpNot
	OpNegate
	OpIsNull
	OpIsNotNull
	OpLower
	OpUpper
	OpLength

	// Binary
	OpAnd
	OpOr
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpContains
	OpStartsWith
	OpEndsWith
	OpSearchText
	OpIn
	OpConcat

	// Collection
	OpFilter
	OpMap
	OpFlatMap
	OpAny
	OpAll
	OpCount
	OpSum
	OpMin
	OpMax
	OpAvg
)

var opNames = map[Op]string{
	OpNone:       "none",
	OpNot:        "not",
	OpNegate:     "neg",
	OpIsNull:     "isnull",
	OpIsNotNull:  "notnull",
	OpLower:      "lower",
	OpUpper:      "upper",
	OpLength:     "length",
	OpAnd:        "and",
	OpOr:         "or",
	OpEq:         "eq",
	OpNe:         "ne",
	OpLt:         "lt",
	OpLe:         "le",
	OpGt:         "gt",
	OpGe:         "ge",
	OpAdd:        "add",
	OpSub:        "sub",
	OpMul:        "mul",
	OpDiv:        "div",
	OpMod:        "mod",
	OpContains:   "contains",
	OpStartsWith: "startswith",
	OpEndsWith:   "endswith",
	OpSearchText: "search",
	OpIn:         "in",
	OpConcat:     "concat",
	OpFilter:     "filter",
	OpMap:        "map",
	OpFlatMap:    "flatmap",
	OpAny:        "any",
	OpAll:        "all",
	OpCount:      "count",
	OpSum:        "sum",
	OpMin:        "min",
	OpMax:        "max",
	OpAvg:        "avg",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// ParseOp maps an operator name back to its Op.
func ParseOp(s string) (Op, error) {
	for op, name := range opNames {
		if name == s && op != OpNone {
			return op, nil
		}
	}
	return OpNone, fmt.Errorf("unknown operator %q", s)
}

// IsUnary reports whether o takes one operand.
func (o Op) IsUnary() bool { return o >= OpNot && o <= OpLength }

// IsBinary reports whether o takes two operands.
func (o Op) IsBinary() bool { return o >= OpAnd && o <= OpConcat }

// IsCollection reports whether o operates over a collection.
func (o Op) IsCollection() bool { return o >= OpFilter && o <= OpAvg }

// IsAggregate reports whether o reduces a collection to one value.
func (o Op) IsAggregate() bool { return o >= OpCount && o <= OpAvg }

// resultKind is the value kind produced by an operator, given its first operand.
func resultKind(o Op, operand ValueKind) ValueKind {
	switch o {
	case OpNot, OpIsNull, OpIsNotNull, OpAnd, OpOr, OpEq, OpNe, OpLt, OpLe, OpGt, OpGe,
		OpContains, OpStartsWith, OpEndsWith, OpSearchText, OpIn, OpAny, OpAll:
		return KindBool
	case OpNegate, OpLength, OpAdd, OpSub, OpMul, OpDiv, OpMod, OpCount, OpSum, OpAvg:
		return KindNumeric
	case OpLower, OpUpper, OpConcat:
		return KindString
	case OpFilter, OpMap, OpFlatMap:
		return KindCollection
	case OpMin, OpMax:
		if operand == KindObject {
			return KindComparable
		}
		return operand
	default:
		return operand
	}
}
