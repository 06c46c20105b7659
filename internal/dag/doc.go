// Package dag resolves stage definitions into a directed acyclic graph.
//
// An edge runs from a producing stage to every stage that consumes its
// artifacts. Build checks that each artifact dependency names exactly one
// known producer with a matching artifact rule, rejects cycles with the full
// chain of stages involved, and exposes a deterministic execution order.
package dag
