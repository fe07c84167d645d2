// Package logging builds the process slog.Logger from configuration: JSON
// for machines, a compact colorized line format for terminals.
package logging
