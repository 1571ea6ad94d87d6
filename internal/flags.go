package internal

// Feature flags consumed by the orchestrator.
const (
	// FlagGeneration gates whether lookup misses enqueue generation at all.
	FlagGeneration = "ai_generation"

	// FlagBaselineUpdates gates the baseline-locked in-place update policy.
	// When off, regeneration requests always create a new context-tag
	// variant even if a baseline ID was supplied.
	FlagBaselineUpdates = "baseline_locked_updates"
)

// FeatureFlags is the flag-lookup boundary. The production implementation is
// a static map populated from config; tests flip flags directly.
type FeatureFlags interface {
	IsActive(name string) bool
}

// StaticFlags is a fixed flag set.
type StaticFlags map[string]bool

var _ FeatureFlags = (StaticFlags)(nil)

// IsActive reports whether the named flag is on. Unknown flags are off.
func (f StaticFlags) IsActive(name string) bool {
	return f[name]
}
