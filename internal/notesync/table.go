// Package notesync keeps the local note tree and the remote directory in step:
// the AssociationTable pairs node identities, the Associator reconciles both
// trees once per session and the ChangeProcessor mirrors later edits.
package notesync

import (
	"bytes"
	"sort"

	"github.com/gofrs/uuid/v5"
)

// AssociationTable is a bijection between local node ids and remote node ids.
// Like the tree it is used from one goroutine at a time.
type AssociationTable struct {
	byLocal  map[int64]uuid.UUID
	byRemote map[uuid.UUID]int64
	// dirty holds remote ids whose stored external id differs from the
	// associated local id and must be rewritten remotely.
	dirty map[uuid.UUID]struct{}
}

// NewAssociationTable returns an empty table.
func NewAssociationTable() *AssociationTable {
	return &AssociationTable{
		byLocal:  make(map[int64]uuid.UUID),
		byRemote: make(map[uuid.UUID]int64),
		dirty:    make(map[uuid.UUID]struct{}),
	}
}

// Associate pairs local and remote, dropping any previous pairing of either side.
func (t *AssociationTable) Associate(local int64, remote uuid.UUID) {
	if old, ok := t.byLocal[local]; ok {
		delete(t.byRemote, old)
		delete(t.dirty, old)
	}
	if old, ok := t.byRemote[remote]; ok {
		delete(t.byLocal, old)
	}
	t.byLocal[local] = remote
	t.byRemote[remote] = local
}

// RemoteID returns the remote id paired with local.
func (t *AssociationTable) RemoteID(local int64) (uuid.UUID, bool) {
	id, ok := t.byLocal[local]
	return id, ok
}

// LocalID returns the local id paired with remote.
func (t *AssociationTable) LocalID(remote uuid.UUID) (int64, bool) {
	id, ok := t.byRemote[remote]
	return id, ok
}

// DisassociateLocal removes the pairing of local, if any.
func (t *AssociationTable) DisassociateLocal(local int64) {
	if remote, ok := t.byLocal[local]; ok {
		delete(t.byRemote, remote)
		delete(t.dirty, remote)
		delete(t.byLocal, local)
	}
}

// DisassociateRemote removes the pairing of remote, if any.
func (t *AssociationTable) DisassociateRemote(remote uuid.UUID) {
	if local, ok := t.byRemote[remote]; ok {
		delete(t.byLocal, local)
		delete(t.byRemote, remote)
		delete(t.dirty, remote)
	}
}

// MarkDirty records that the external id stored on remote is stale.
// Unassociated ids are ignored.
func (t *AssociationTable) MarkDirty(remote uuid.UUID) {
	if _, ok := t.byRemote[remote]; ok {
		t.dirty[remote] = struct{}{}
	}
}

// Dirty returns the stale remote ids in a stable order.
func (t *AssociationTable) Dirty() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(t.dirty))
	for id := range t.dirty {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Bytes(), out[j].Bytes()) < 0 })
	return out
}

// ClearDirty forgets the given ids once their external ids were written.
func (t *AssociationTable) ClearDirty(ids ...uuid.UUID) {
	for _, id := range ids {
		delete(t.dirty, id)
	}
}

// Len returns the number of pairs.
func (t *AssociationTable) Len() int { return len(t.byLocal) }

// Clear drops every pairing.
func (t *AssociationTable) Clear() {
	t.byLocal = make(map[int64]uuid.UUID)
	t.byRemote = make(map[uuid.UUID]int64)
	t.dirty = make(map[uuid.UUID]struct{})
}
