// Package depgraph implements the dependency graph: a directed multigraph
// of typed edges keyed by unit id, with forward and reverse adjacency
// indices, a deterministic Kahn's-algorithm ordering closure over After
// edges, a requirement-closure walk, and a two-tier cycle policy (ordering
// cycles are broken by dropping an edge; requirement cycles abort the
// transaction).
package depgraph
