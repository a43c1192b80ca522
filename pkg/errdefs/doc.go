// Package errdefs defines Grove's error taxonomy. Recoverable kinds
// (transient, precondition-not-met) are absorbed by the reconciliation
// loop and surfaced as health; the rest are returned to the operator
// with a category and a readable message, never a raw engine error.
package errdefs
