package agentrun

import "fmt"

// RunOwner is the composite identity of one logical, user-visible unit of
// work: task category, the entity the work is about, and a variant slot.
//
// SlotKey disambiguates variants of the same task for the same subject (for
// example target language plus detail level). Callers serialize it to an
// opaque, already-normalized string such as "en|brief"; the engine compares
// it for equality and never parses it.
//
// Owners are comparable and used as map keys. At most one RunState and at
// most one membership (active xor waiting xor neither) exists per owner.
type RunOwner struct {
	Kind      TaskKind
	SubjectID string
	SlotKey   string
}

func (o RunOwner) String() string {
	if o.SlotKey == "" {
		return fmt.Sprintf("%s/%s", o.Kind, o.SubjectID)
	}
	return fmt.Sprintf("%s/%s/%s", o.Kind, o.SubjectID, o.SlotKey)
}
