package remote

import (
	"bytes"
	"sort"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/notesync/internal/model"
)

// ChangeType classifies a ChangeRecord.
type ChangeType int

const (
	ChangeAdd ChangeType = iota + 1
	ChangeUpdate
	ChangeDelete
)

func (t ChangeType) String() string {
	switch t {
	case ChangeAdd:
		return "add"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ChangeRecord describes one node touched by a commit. Node holds the state
// after the commit, or the last state before it for deletions.
type ChangeRecord struct {
	Type ChangeType
	Node model.RemoteNode
}

// buildChanges lists deletions leaves-to-root, then additions and updates
// parents-first in sibling order.
func buildChanges(old, cur map[uuid.UUID]*node, touched, deleted map[uuid.UUID]bool) []ChangeRecord {
	out := make([]ChangeRecord, 0, len(touched)+len(deleted))

	dels := make([]uuid.UUID, 0, len(deleted))
	for id := range deleted {
		dels = append(dels, id)
	}
	sort.Slice(dels, func(i, j int) bool {
		di, dj := depth(old, dels[i]), depth(old, dels[j])
		if di != dj {
			return di > dj
		}
		return bytes.Compare(dels[i].Bytes(), dels[j].Bytes()) < 0
	})
	oldTx := &ReadTx{nodes: old}
	for _, id := range dels {
		out = append(out, ChangeRecord{Type: ChangeDelete, Node: oldTx.export(old[id])})
	}

	if len(touched) == 0 {
		return out
	}
	curTx := &ReadTx{nodes: cur}
	var roots []uuid.UUID
	for id, n := range cur {
		if n.ParentID == uuid.Nil {
			roots = append(roots, id)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return bytes.Compare(roots[i].Bytes(), roots[j].Bytes()) < 0 })
	stack := make([]uuid.UUID, 0, len(cur))
	for i := len(roots) - 1; i >= 0; i-- {
		stack = append(stack, roots[i])
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := cur[id]
		if touched[id] {
			typ := ChangeUpdate
			if old[id] == nil {
				typ = ChangeAdd
			}
			out = append(out, ChangeRecord{Type: typ, Node: curTx.export(n)})
		}
		for i := len(n.children) - 1; i >= 0; i-- {
			stack = append(stack, n.children[i])
		}
	}
	return out
}
