// Package ir defines the value model shared by every layer of quarry.
//
// Raw backend records, query constants and evaluated expression results are
// all ir.Value trees. Package ir imports nothing internal, so it stays the
// foundational layer with no circular dependencies.
//
// Key constraints:
//   - Value is sealed; the variants are Null, Bool, Int, Float, Decimal,
//     String, Array and Object.
//   - Compare is a total order across all variants; numbers compare after
//     numeric promotion.
//   - MarshalCanonical is the only serialization used for identity
//     (query cache keys, change log hashing).
package ir
