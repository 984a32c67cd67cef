package component

import "log/slog"

// NewLogger derives a component-scoped logger carrying a component attribute
// on every record. A nil base falls back to the process default logger.
func NewLogger(base *slog.Logger, name string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With("component", name)
}
