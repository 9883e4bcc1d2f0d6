// Package harness runs scripted scenarios against a configured provider.
//
// A scenario opens the CUE configuration it names, runs its steps in order
// and checks the outcome of each, then evaluates assertions over the final
// state. The trace of a run is deterministic and is compared against golden
// files.
//
// # Scenario Format
//
//	name: order_totals
//	description: "Live list follows concurrent increments"
//	config: orders.cue
//	setup:
//	  - upsert: {entity: Customer, record: {id: 1, name: Ada}}
//	steps:
//	  - live:
//	      name: big
//	      entity: Order
//	      where: {op: gt, args: [{prop: total, kind: numeric}, {const: 10}]}
//	      order_by: [{path: id}]
//	  - upsert: {entity: Order, record: {id: 1, customer: 1, total: 5}}
//	    expect: {version: 0}
//	  - concurrent:
//	      - upsert: {entity: Order, key: 1, add: {total: 4}}
//	      - upsert: {entity: Order, key: 1, add: {total: 4}}
//	  - query:
//	      entity: Order
//	      aggregate: {op: sum, of: {prop: total, kind: numeric}}
//	    expect: {results: 13}
//	assertions:
//	  - record: {entity: Order, key: 1, expect: {total: 13}}
//	  - live: {name: big, count: 1}
//
// # Steps
//
//   - upsert: read-modify-write of one record; record fields replace,
//     add fields are added to numbers
//   - concurrent: writes racing each other
//   - update, delete: commands over a predicate, or a key for delete
//   - query: results, or an aggregate of them
//   - live: opens a named live list (mode list) or change stream (mode
//     changes)
//
// Expressions use the wire form accepted by expr.Decode.
//
// # Determinism
//
// Writes are stamped by a testutil.StepClock starting at 0. After each step
// the runner waits until every live list agrees with a fresh run of its
// query, so snapshots in the trace do not depend on timing. The steps of a
// concurrent step are traced without versions or sequences.
package harness
