package resolve

import "github.com/rcliao/memory-mesh/internal/model"

// LastWriteWins picks a side deterministically: the later UpdatedAt wins,
// then the lexicographically higher OriginNode. Identical timestamps and
// nodes keep the local side.
func LastWriteWins(local, remote model.MemoryEntry) model.ChoiceKind {
	switch {
	case remote.UpdatedAt.After(local.UpdatedAt):
		return model.KeepRemote
	case local.UpdatedAt.After(remote.UpdatedAt):
		return model.KeepLocal
	case remote.OriginNode > local.OriginNode:
		return model.KeepRemote
	default:
		return model.KeepLocal
	}
}

// Suggest returns the choices offered for rec, the LWW pick first.
func Suggest(rec model.ConflictRecord) []model.ChoiceKind {
	first := LastWriteWins(rec.Local, rec.Remote)
	out := []model.ChoiceKind{first}
	for _, k := range []model.ChoiceKind{model.KeepLocal, model.KeepRemote, model.KeepBoth, model.AIMerge} {
		if k != first {
			out = append(out, k)
		}
	}
	return out
}
