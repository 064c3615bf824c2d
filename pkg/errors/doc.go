// Package errors defines sentinel errors shared across FireProxy packages.
// Callers match them with errors.Is after wrapping with fmt.Errorf %w.
package errors
