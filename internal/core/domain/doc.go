// Package domain holds the pure types of a bootstrap: service descriptors and
// their lifecycle state machine, dependency modes, identifiers and the bound
// port table.
//
// Nothing here talks to a container engine. The imperative shell
// (internal/shell/bootstrap) drives these values through a real engine.
package domain
