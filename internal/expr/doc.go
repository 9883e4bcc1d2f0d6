// Package expr provides the typed expression tree used for predicates,
// mappings, sort keys and update values.
//
// Expr is a sealed interface: only the node types in this package implement
// it, so compilers can switch exhaustively over node kinds.
//
// Node kinds:
//   - Arg: the current argument (the entity, or a collection element inside
//     a lambda, or the inner result of a Compose)
//   - Const: a literal ir.Value
//   - Prop: property access on a target expression
//   - Unary, Binary: operators
//   - Compose: feeds one expression's result into another as its argument
//   - Collection: filter, map, flat-map and aggregate over a collection
//
// Every node reports its result ValueKind so backends can map types and
// further composition can be checked. Nodes are immutable values; property
// chains built from the same names compare equal with == and can be used as
// map keys.
//
// Example:
//
//	expr.And(
//	    expr.Gt(expr.Num("total"), expr.C(5)),
//	    expr.Any(expr.Coll("items"), expr.Gt(expr.Num("qty"), expr.C(2))),
//	)
package expr
