// Package registry implements the unit registry: canonical name to
// interned id, id to *unit.Entry, and alias collapsing for symlinked unit
// files.
//
// Ids stay stable across a unit being renamed via an alias, and the
// dependency graph (internal/depgraph) keys its adjacency lists on the
// cheaper, fixed-width ID rather than on strings.
package registry
