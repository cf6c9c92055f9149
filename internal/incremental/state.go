package incremental

import (
	"github.com/fyrsmithlabs/ontoledger/internal/cid"
	"github.com/fyrsmithlabs/ontoledger/internal/ledger"
)

// State is the freshness of a unit group.
type State int

const (
	Missing State = iota
	Fresh
	Stale
	Regenerated
)

func (s State) String() string {
	switch s {
	case Missing:
		return "missing"
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Regenerated:
		return "regenerated"
	default:
		return "unknown"
	}
}

// Decide compares the signatures of group with the predecessor URI. The
// comparison is exact string equality.
func Decide(doc *ledger.Document, group, predecessorURI string) State {
	sigs := doc.Signatures(group)
	if len(sigs) == 0 {
		return Missing
	}
	for _, s := range sigs {
		if !s.DerivesFrom(predecessorURI) {
			return Stale
		}
	}
	return Fresh
}

// DecideRoot decides a root unit, which has no predecessor: it is Fresh when
// its single signature identifies content.
func DecideRoot(doc *ledger.Document, group, content string) State {
	sigs := doc.Signatures(group)
	if len(sigs) == 0 {
		return Missing
	}
	want := cid.ComputeString(content).URI()
	if len(sigs) == 1 && sigs[0].ID == want {
		return Fresh
	}
	return Stale
}

// next is the state after a successful generation.
func next(s State) State {
	if s == Stale {
		return Regenerated
	}
	return Fresh
}
