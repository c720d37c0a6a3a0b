// Package sym defines the symbols tock prints in logs and the CLI.
// They are stable across the CLI, admin API and documentation.
package sym

// System infrastructure symbols.
const (
	Pulse      = "꩜" // scheduler ticks, dispatch, retries
	PulseOpen  = "✿" // graceful startup, orphaned run recovery
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database/storage layer
	AM         = "≡" // configuration
	Calendar   = "▦" // business-day calendars
	Worker     = "⚙" // worker registry
)

var descriptions = map[string]string{
	Pulse:      "scheduler",
	PulseOpen:  "startup",
	PulseClose: "shutdown",
	DB:         "storage",
	AM:         "configuration",
	Calendar:   "calendars",
	Worker:     "workers",
}

// Describe returns the short description of a symbol, or "" if unknown.
func Describe(symbol string) string {
	return descriptions[symbol]
}

// All returns every known symbol.
func All() []string {
	return []string{Pulse, PulseOpen, PulseClose, DB, AM, Calendar, Worker}
}
