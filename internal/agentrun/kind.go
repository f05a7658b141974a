package agentrun

// TaskKind is the category of background work a run belongs to. It is the
// dimension along which concurrency and waiting-queue limits are accounted.
type TaskKind string

const (
	KindSummary     TaskKind = "summary"
	KindTranslation TaskKind = "translation"
	KindTagging     TaskKind = "tagging"
)

// Kinds lists every known task kind.
func Kinds() []TaskKind {
	return []TaskKind{KindSummary, KindTranslation, KindTagging}
}

// Known reports whether k is one of the closed set of task kinds.
func (k TaskKind) Known() bool {
	switch k {
	case KindSummary, KindTranslation, KindTagging:
		return true
	default:
		return false
	}
}

// RequestSource records what initiated a task submission.
type RequestSource string

const (
	SourceManual RequestSource = "manual"
	SourceAuto   RequestSource = "auto"
	SourceSystem RequestSource = "system"
)

// VisibilityPolicy controls whether a run surfaces in user-facing views or
// stays a background detail. The engine carries it on the TaskSpec untouched.
type VisibilityPolicy string

const (
	VisibilityVisible    VisibilityPolicy = "visible"
	VisibilityBackground VisibilityPolicy = "background"
)
