// Package compiler renders expression trees through reducer tables.
//
// A Table maps node shapes to reducers; a Compiler walks an expression
// bottom up and hands every node its already-compiled operands. The result
// type is generic: SQL text for the relational backends, pipeline values for
// the document backend, and closures for in-process evaluation.
//
// Reducer resolution order is exact signature, operator, value kind, node
// kind, then identity for unary operators when the table allows it. A node
// with no reducer fails with an unsupported-expression error naming it.
//
// Constants can be turned into bound parameters by the Params interceptor,
// which appends them to a caller-supplied list in visitation order:
//
//	var params []any
//	c := compiler.New(compiler.SQLite())
//	sql, err := c.Compile(pred, compiler.WithInterceptor(compiler.Params(&params, compiler.QuestionMark)))
package compiler
