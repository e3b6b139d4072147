package remote

import (
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/notesync/internal/errs"
	"github.com/and161185/notesync/internal/model"
)

// ReadTx is a consistent view of the directory.
type ReadTx struct {
	nodes   map[uuid.UUID]*node
	byExt   map[int64]uuid.UUID
	byTag   map[string]uuid.UUID
	version int64
}

// Version returns the directory version the transaction reads.
func (tx *ReadTx) Version() int64 { return tx.version }

// Len returns the number of nodes.
func (tx *ReadTx) Len() int { return len(tx.nodes) }

func (tx *ReadTx) get(op string, id uuid.UUID) (*node, error) {
	n := tx.nodes[id]
	if n == nil {
		return nil, errs.Datatype(op, fmt.Errorf("node %s: %w", id, errs.ErrNotFound))
	}
	return n, nil
}

func (tx *ReadTx) export(n *node) model.RemoteNode {
	rn := n.RemoteNode
	rn.Payload.Attachments = append([]model.Attachment(nil), n.Payload.Attachments...)
	rn.Position = 0
	if p := tx.nodes[n.ParentID]; p != nil {
		rn.Position = indexOf(p.children, n.ID)
	}
	return rn
}

// Lookup returns the node with id.
func (tx *ReadTx) Lookup(id uuid.UUID) (model.RemoteNode, error) {
	n, err := tx.get("lookup", id)
	if err != nil {
		return model.RemoteNode{}, err
	}
	return tx.export(n), nil
}

// LookupTag returns the permanent node carrying a server tag.
func (tx *ReadTx) LookupTag(tag string) (model.RemoteNode, error) {
	id, ok := tx.byTag[tag]
	if !ok {
		return model.RemoteNode{}, errs.Datatype("lookup tag", fmt.Errorf("tag %q: %w", tag, errs.ErrNotFound))
	}
	return tx.Lookup(id)
}

// LookupExternal finds the node associated with a local id.
func (tx *ReadTx) LookupExternal(ext int64) (model.RemoteNode, bool) {
	id, ok := tx.byExt[ext]
	if !ok {
		return model.RemoteNode{}, false
	}
	return tx.export(tx.nodes[id]), true
}

// ChildIDs returns the ordered child ids of id.
func (tx *ReadTx) ChildIDs(id uuid.UUID) ([]uuid.UUID, error) {
	n, err := tx.get("children", id)
	if err != nil {
		return nil, err
	}
	return append([]uuid.UUID(nil), n.children...), nil
}

// Children returns the ordered children of id.
func (tx *ReadTx) Children(id uuid.UUID) ([]model.RemoteNode, error) {
	n, err := tx.get("children", id)
	if err != nil {
		return nil, err
	}
	out := make([]model.RemoteNode, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, tx.export(tx.nodes[c]))
	}
	return out, nil
}

// FirstChild returns the first child of id, uuid.Nil when it has none.
func (tx *ReadTx) FirstChild(id uuid.UUID) (uuid.UUID, error) {
	n, err := tx.get("first child", id)
	if err != nil {
		return uuid.Nil, err
	}
	if len(n.children) == 0 {
		return uuid.Nil, nil
	}
	return n.children[0], nil
}

// Predecessor returns the previous sibling of id, uuid.Nil for the first child.
func (tx *ReadTx) Predecessor(id uuid.UUID) (uuid.UUID, error) {
	sib, i, err := tx.siblings("predecessor", id)
	if err != nil || i == 0 {
		return uuid.Nil, err
	}
	return sib[i-1], nil
}

// Successor returns the next sibling of id, uuid.Nil for the last child.
func (tx *ReadTx) Successor(id uuid.UUID) (uuid.UUID, error) {
	sib, i, err := tx.siblings("successor", id)
	if err != nil || i == len(sib)-1 {
		return uuid.Nil, err
	}
	return sib[i+1], nil
}

func (tx *ReadTx) siblings(op string, id uuid.UUID) ([]uuid.UUID, int, error) {
	n, err := tx.get(op, id)
	if err != nil {
		return nil, 0, err
	}
	p := tx.nodes[n.ParentID]
	if p == nil {
		return []uuid.UUID{id}, 0, nil
	}
	return p.children, indexOf(p.children, id), nil
}

// IsDescendant reports whether id lies in the subtree of ancestor (itself included).
func (tx *ReadTx) IsDescendant(id, ancestor uuid.UUID) bool {
	for n := tx.nodes[id]; n != nil; n = tx.nodes[n.ParentID] {
		if n.ID == ancestor {
			return true
		}
		if n.ParentID == uuid.Nil {
			break
		}
	}
	return false
}

// WriteTx is a write transaction. Mutations stay invisible to readers until
// the enclosing Update commits.
type WriteTx struct {
	ReadTx
	origin Origin
	base   map[uuid.UUID]*node
	owned  map[uuid.UUID]bool

	touched    map[uuid.UUID]bool
	deleted    map[uuid.UUID]bool
	oldParents []uuid.UUID
}

// begin clones the index maps; nodes are copied on first write. mu must be held.
func (d *Directory) begin(origin Origin) *WriteTx {
	tx := &WriteTx{
		ReadTx: ReadTx{
			nodes:   make(map[uuid.UUID]*node, len(d.nodes)),
			byExt:   make(map[int64]uuid.UUID, len(d.byExt)),
			byTag:   make(map[string]uuid.UUID, len(d.byTag)),
			version: d.version,
		},
		origin:  origin,
		base:    d.nodes,
		owned:   make(map[uuid.UUID]bool),
		touched: make(map[uuid.UUID]bool),
		deleted: make(map[uuid.UUID]bool),
	}
	for k, v := range d.nodes {
		tx.nodes[k] = v
	}
	for k, v := range d.byExt {
		tx.byExt[k] = v
	}
	for k, v := range d.byTag {
		tx.byTag[k] = v
	}
	return tx
}

// Origin returns who issued the transaction.
func (tx *WriteTx) Origin() Origin { return tx.origin }

func (tx *WriteTx) mutable(op string, id uuid.UUID) (*node, error) {
	n, err := tx.get(op, id)
	if err != nil {
		return nil, err
	}
	if !tx.owned[id] {
		n = n.clone()
		tx.nodes[id] = n
		tx.owned[id] = true
	}
	return n, nil
}

func (tx *WriteTx) insert(op string, parent *node, pred uuid.UUID, id uuid.UUID) error {
	idx := 0
	if pred != uuid.Nil {
		i := indexOf(parent.children, pred)
		if i < 0 {
			return errs.Datatype(op, fmt.Errorf("predecessor %s not under %s: %w", pred, parent.ID, errs.ErrInvalidArgument))
		}
		idx = i + 1
	}
	parent.children = append(parent.children, uuid.Nil)
	copy(parent.children[idx+1:], parent.children[idx:])
	parent.children[idx] = id
	return nil
}

func (tx *WriteTx) folder(op string, id uuid.UUID) (*node, error) {
	p, err := tx.mutable(op, id)
	if err != nil {
		return nil, err
	}
	if !p.IsFolder {
		return nil, errs.Datatype(op, fmt.Errorf("parent %s: %w", id, errs.ErrNotFolder))
	}
	return p, nil
}

// Create adds a node under parent after pred (uuid.Nil means first) and
// returns its new id.
func (tx *WriteTx) Create(parent, pred uuid.UUID, isFolder bool, title string, p model.RemotePayload) (uuid.UUID, error) {
	pn, err := tx.folder("create", parent)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return uuid.Nil, errs.Datatype("create", err)
	}
	if err := tx.insert("create", pn, pred, id); err != nil {
		return uuid.Nil, err
	}
	n := &node{RemoteNode: model.RemoteNode{ID: id, ParentID: parent, IsFolder: isFolder, Title: title, Payload: p}}
	tx.nodes[id] = n
	tx.owned[id] = true
	tx.touched[id] = true
	return id, nil
}

func (tx *WriteTx) createTagged(parent uuid.UUID, tag, title string, special model.Special) (uuid.UUID, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return uuid.Nil, errs.Datatype("create tagged", err)
	}
	if parent != uuid.Nil {
		pn, err := tx.folder("create tagged", parent)
		if err != nil {
			return uuid.Nil, err
		}
		pn.children = append(pn.children, id)
	}
	tx.nodes[id] = &node{RemoteNode: model.RemoteNode{
		ID: id, ParentID: parent, IsFolder: true, Title: title, ServerTag: tag,
		Payload: model.RemotePayload{Special: special},
	}}
	tx.owned[id] = true
	tx.touched[id] = true
	tx.byTag[tag] = id
	return id, nil
}

// SetTitle renames id.
func (tx *WriteTx) SetTitle(id uuid.UUID, title string) error {
	n, err := tx.mutable("set title", id)
	if err != nil {
		return err
	}
	if n.Title != title {
		n.Title = title
		tx.touched[id] = true
	}
	return nil
}

// SetPayload replaces the payload of id.
func (tx *WriteTx) SetPayload(id uuid.UUID, p model.RemotePayload) error {
	n, err := tx.mutable("set payload", id)
	if err != nil {
		return err
	}
	if samePayload(n.Payload, p) {
		return nil
	}
	n.Payload = p
	n.Payload.Attachments = append([]model.Attachment(nil), p.Attachments...)
	tx.touched[id] = true
	return nil
}

// SetExternalID associates id with a local node id; 0 clears it.
func (tx *WriteTx) SetExternalID(id uuid.UUID, ext int64) error {
	n, err := tx.mutable("set external id", id)
	if err != nil {
		return err
	}
	if n.ExternalID == ext {
		return nil
	}
	if n.ExternalID != 0 && tx.byExt[n.ExternalID] == id {
		delete(tx.byExt, n.ExternalID)
	}
	n.ExternalID = ext
	if ext != 0 {
		tx.byExt[ext] = id
	}
	tx.touched[id] = true
	return nil
}

// Move places id under parent after pred (uuid.Nil means first).
func (tx *WriteTx) Move(id, parent, pred uuid.UUID) error {
	n, err := tx.get("move", id)
	if err != nil {
		return err
	}
	if n.ServerTag != "" {
		return errs.Datatype("move", fmt.Errorf("tagged node %s: %w", id, errs.ErrPermanentNode))
	}
	if pred == id || tx.IsDescendant(parent, id) {
		return errs.Datatype("move", fmt.Errorf("node %s into itself: %w", id, errs.ErrCycle))
	}
	if n.ParentID == parent {
		if cur, err := tx.Predecessor(id); err == nil && cur == pred {
			return nil
		}
	}
	pn, err := tx.folder("move", parent)
	if err != nil {
		return err
	}
	if pred != uuid.Nil && indexOf(pn.children, pred) < 0 {
		return errs.Datatype("move", fmt.Errorf("predecessor %s not under %s: %w", pred, parent, errs.ErrInvalidArgument))
	}
	old, err := tx.mutable("move", n.ParentID)
	if err != nil {
		return err
	}
	old.children = removeID(old.children, id)
	if err := tx.insert("move", pn, pred, id); err != nil {
		return err
	}
	n, _ = tx.mutable("move", id)
	n.ParentID = parent
	tx.oldParents = append(tx.oldParents, old.ID)
	tx.touched[id] = true
	return nil
}

// Remove deletes id, which must have no children.
func (tx *WriteTx) Remove(id uuid.UUID) error {
	n, err := tx.get("remove", id)
	if err != nil {
		return err
	}
	if n.ServerTag != "" {
		return errs.Datatype("remove", fmt.Errorf("tagged node %s: %w", id, errs.ErrPermanentNode))
	}
	if len(n.children) > 0 {
		return errs.Datatype("remove", fmt.Errorf("node %s has children: %w", id, errs.ErrInvalidArgument))
	}
	p, err := tx.mutable("remove", n.ParentID)
	if err != nil {
		return err
	}
	p.children = removeID(p.children, id)
	delete(tx.nodes, id)
	if n.ExternalID != 0 && tx.byExt[n.ExternalID] == id {
		delete(tx.byExt, n.ExternalID)
	}
	delete(tx.touched, id)
	delete(tx.owned, id)
	if tx.base[id] != nil {
		tx.deleted[id] = true
	}
	tx.oldParents = append(tx.oldParents, n.ParentID)
	return nil
}

func samePayload(a, b model.RemotePayload) bool {
	return a.URL == b.URL && a.Content == b.Content && a.CreatedAt.Equal(b.CreatedAt) &&
		a.Special == b.Special && model.SameAttachmentRefs(a.Attachments, b.Attachments)
}

func indexOf(ids []uuid.UUID, id uuid.UUID) int {
	for i, c := range ids {
		if c == id {
			return i
		}
	}
	return -1
}

func removeID(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	if i := indexOf(ids, id); i >= 0 {
		return append(ids[:i], ids[i+1:]...)
	}
	return ids
}
