// Package loader parses unit files into unit.Definition values.
//
// Everything in this package is text-in, Definition-out; downstream
// packages never touch raw unit file text again.
package loader
