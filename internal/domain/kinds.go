package domain

// RunKind identifies the variant of work a run represents.
type RunKind string

const (
	RunKindAutoTurn   RunKind = "auto_turn"
	RunKindHumanTurn  RunKind = "human_turn"
	RunKindRegenerate RunKind = "regenerate"
	RunKindForceTalk  RunKind = "force_talk"
)

// KindCapabilities describes what a run kind can do. Kind-specific behavior is
// resolved through this table rather than per-kind types.
type KindCapabilities struct {
	// ShouldExecute marks kinds that are dispatched to workers. A human_turn
	// run is a placeholder and never invokes generation.
	ShouldExecute bool
	// IsAIResponse marks kinds whose output is an AI-generated message.
	IsAIResponse bool
	// VisibleOnlyWhenSkipped hides the run from UI listings unless it resolved
	// as skipped (a timed-out human turn is worth showing, a completed one is
	// already represented by its message).
	VisibleOnlyWhenSkipped bool
}

var kindCapabilities = map[RunKind]KindCapabilities{
	RunKindAutoTurn:   {ShouldExecute: true, IsAIResponse: true},
	RunKindForceTalk:  {ShouldExecute: true, IsAIResponse: true},
	RunKindRegenerate: {ShouldExecute: true, IsAIResponse: true},
	RunKindHumanTurn:  {VisibleOnlyWhenSkipped: true},
}

// CapabilitiesFor returns the capability entry for a kind. Unknown kinds get a
// zero entry, which executes nothing and is never visible.
func CapabilitiesFor(kind RunKind) (KindCapabilities, bool) {
	caps, ok := kindCapabilities[kind]
	return caps, ok
}

// ExecutableKinds lists the kinds workers may claim and execute.
func ExecutableKinds() []RunKind {
	kinds := make([]RunKind, 0, len(kindCapabilities))
	for kind, caps := range kindCapabilities {
		if caps.ShouldExecute {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}
