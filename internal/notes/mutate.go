package notes

import (
	"fmt"
	"sort"
	"time"

	"github.com/and161185/notesync/internal/errs"
	"github.com/and161185/notesync/internal/model"
)

func (m *Model) checkParent(parent *Node, index int) error {
	if !m.Loaded() {
		return errs.ErrNotLoaded
	}
	if !m.Contains(parent) {
		return fmt.Errorf("parent: %w", errs.ErrNotFound)
	}
	if parent.IsRoot() {
		return errs.ErrPermanentNode
	}
	if !parent.IsFolder() {
		return errs.ErrNotFolder
	}
	if index < 0 || index > len(parent.children) {
		return fmt.Errorf("index %d of %d: %w", index, len(parent.children), errs.ErrInvalidIndex)
	}
	return nil
}

// checkEditable validates a node whose attributes are about to change.
func (m *Model) checkEditable(n *Node) error {
	if !m.Loaded() {
		return errs.ErrNotLoaded
	}
	if !m.Contains(n) {
		return errs.ErrNotFound
	}
	if n.permanent {
		return errs.ErrPermanentNode
	}
	return nil
}

// AddFolder inserts an empty folder at index of parent.
func (m *Model) AddFolder(parent *Node, index int, title string) (*Node, error) {
	return m.AddNode(parent, index, &model.Entry{Kind: model.KindFolder, Title: title})
}

// AddNote inserts a note at index of parent.
func (m *Model) AddNote(parent *Node, index int, title, url, content string) (*Node, error) {
	return m.AddNode(parent, index, &model.Entry{Kind: model.KindNote, Title: title, URL: url, Content: content})
}

// AddNode inserts a copy of e (and its children) at index of parent. Every
// inserted node gets a fresh id; entry ids are ignored. A single NodeAdded
// notification is sent for the subtree root.
func (m *Model) AddNode(parent *Node, index int, e *model.Entry) (*Node, error) {
	if err := m.checkParent(parent, index); err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("nil entry: %w", errs.ErrInvalidArgument)
	}
	var bad error
	e.Walk(func(c *model.Entry) bool {
		switch {
		case c.Kind == model.KindTrash:
			bad = fmt.Errorf("trash node: %w", errs.ErrInvalidArgument)
		case c.Kind.IsFolder() && c.URL != "":
			bad = fmt.Errorf("url on folder: %w", errs.ErrInvalidArgument)
		case !c.Kind.IsFolder() && len(c.Children) > 0:
			bad = fmt.Errorf("note with children: %w", errs.ErrInvalidArgument)
		}
		return bad == nil
	})
	if bad != nil {
		return nil, bad
	}

	m.mu.Lock()
	n := m.installEntry(e, parent.id, false)
	parent.insertChild(index, n.id)
	m.mu.Unlock()

	m.notify(func(o Observer) { o.NodeAdded(m, parent, index) })
	m.scheduleSave()
	return n, nil
}

// Move places n at index of newParent. index is interpreted before n is
// removed from its current position, so moving within one parent to
// index == oldIndex or oldIndex+1 is a no-op.
func (m *Model) Move(n, newParent *Node, index int) error {
	if err := m.checkParent(newParent, index); err != nil {
		return err
	}
	if !m.Contains(n) {
		return errs.ErrNotFound
	}
	if n.permanent {
		return errs.ErrPermanentNode
	}
	if m.HasAncestor(newParent, n) {
		return errs.ErrCycle
	}
	oldParent := m.Parent(n)
	oldIndex := oldParent.indexOf(n.id)
	if oldParent == newParent && (index == oldIndex || index == oldIndex+1) {
		return nil
	}

	m.mu.Lock()
	oldParent.removeChildAt(oldIndex)
	if oldParent == newParent && index > oldIndex {
		index--
	}
	newParent.insertChild(index, n.id)
	n.parent = newParent.id
	m.mu.Unlock()

	m.notify(func(o Observer) { o.NodeMoved(m, oldParent, oldIndex, newParent, index) })
	m.scheduleSave()
	return nil
}

// Remove deletes n and its subtree permanently. Routing user deletions into the
// trash is the caller's business.
func (m *Model) Remove(n *Node) error {
	if err := m.checkEditable(n); err != nil {
		return err
	}
	parent := m.Parent(n)
	index := parent.indexOf(n.id)
	m.notify(func(o Observer) { o.WillRemoveNode(m, parent, index, n) })

	m.mu.Lock()
	sub := m.detach(parent, index)
	m.mu.Unlock()

	m.notify(func(o Observer) { o.NodeRemoved(m, parent, index, sub) })
	m.scheduleSave()
	return nil
}

// detach unlinks the child at index of parent and drops its subtree from the
// arena. mu must be held.
func (m *Model) detach(parent *Node, index int) *Subtree {
	id := parent.children[index]
	parent.removeChildAt(index)
	sub := &Subtree{Root: m.nodes[id], nodes: make(map[int64]*Node)}
	stack := []int64{id}
	for len(stack) > 0 {
		cur := m.nodes[stack[len(stack)-1]]
		stack = stack[:len(stack)-1]
		sub.nodes[cur.id] = cur
		delete(m.nodes, cur.id)
		m.urls.remove(cur.url, cur.id)
		stack = append(stack, cur.children...)
	}
	return sub
}

// RemoveAllUserNodes deletes everything under main, keeping permanent nodes.
func (m *Model) RemoveAllUserNodes() error {
	if !m.Loaded() {
		return errs.ErrNotLoaded
	}
	m.BeginExtensiveChanges()
	defer m.EndExtensiveChanges()

	m.notify(func(o Observer) { o.WillRemoveAllUserNodes(m) })
	m.mu.Lock()
	var removed []*Subtree
	for len(m.main.children) > 0 {
		removed = append(removed, m.detach(m.main, 0))
	}
	m.mu.Unlock()
	m.notify(func(o Observer) { o.AllUserNodesRemoved(m, removed) })
	m.scheduleSave()
	return nil
}

// changeNode wraps a field update in WillChangeNode/NodeChanged.
func (m *Model) changeNode(n *Node, apply func()) {
	m.notify(func(o Observer) { o.WillChangeNode(m, n) })
	m.mu.Lock()
	apply()
	m.mu.Unlock()
	m.notify(func(o Observer) { o.NodeChanged(m, n) })
	m.scheduleSave()
}

// SetTitle renames n.
func (m *Model) SetTitle(n *Node, title string) error {
	if err := m.checkEditable(n); err != nil {
		return err
	}
	if n.title == title {
		return nil
	}
	m.changeNode(n, func() { n.title = title })
	return nil
}

// SetContent replaces the body of n.
func (m *Model) SetContent(n *Node, content string) error {
	if err := m.checkEditable(n); err != nil {
		return err
	}
	if n.content == content {
		return nil
	}
	m.changeNode(n, func() { n.content = content })
	return nil
}

// SetURL sets the URL of a note. Folders never carry URLs.
func (m *Model) SetURL(n *Node, url string) error {
	if err := m.checkEditable(n); err != nil {
		return err
	}
	if n.IsFolder() {
		return fmt.Errorf("url on folder: %w", errs.ErrInvalidArgument)
	}
	if n.url == url {
		return nil
	}
	m.changeNode(n, func() {
		m.urls.remove(n.url, n.id)
		n.url = url
		m.urls.add(url, n.id)
	})
	return nil
}

// SetCreatedAt overrides the creation timestamp (used when applying remote data).
func (m *Model) SetCreatedAt(n *Node, at time.Time) error {
	if err := m.checkEditable(n); err != nil {
		return err
	}
	if n.createdAt.Equal(at) {
		return nil
	}
	m.changeNode(n, func() { n.createdAt = at })
	return nil
}

// SetAttachments replaces the attachment list of a note.
func (m *Model) SetAttachments(n *Node, atts []model.Attachment) error {
	if err := m.checkEditable(n); err != nil {
		return err
	}
	if n.IsFolder() {
		return fmt.Errorf("attachments on folder: %w", errs.ErrInvalidArgument)
	}
	if sameAttachments(n.attachments, atts) {
		return nil
	}
	m.notify(func(o Observer) { o.WillChangeAttachments(m, n) })
	m.mu.Lock()
	n.attachments = append([]model.Attachment(nil), atts...)
	m.mu.Unlock()
	m.notify(func(o Observer) { o.AttachmentsChanged(m, n) })
	m.scheduleSave()
	return nil
}

// AddAttachment appends a to the attachments of n.
func (m *Model) AddAttachment(n *Node, a model.Attachment) error {
	if !m.Contains(n) {
		return m.checkEditable(n)
	}
	return m.SetAttachments(n, append(n.Attachments(), a))
}

// RemoveAttachment drops the attachment with checksum from n.
func (m *Model) RemoveAttachment(n *Node, checksum string) error {
	if !m.Contains(n) {
		return m.checkEditable(n)
	}
	var kept []model.Attachment
	for _, a := range n.attachments {
		if a.Checksum != checksum {
			kept = append(kept, a)
		}
	}
	if len(kept) == len(n.attachments) {
		return errs.ErrNotFound
	}
	return m.SetAttachments(n, kept)
}

func sameAttachments(a, b []model.Attachment) bool {
	if !model.SameAttachmentRefs(a, b) {
		return false
	}
	for i := range a {
		if (a[i].Data == nil) != (b[i].Data == nil) {
			return false
		}
	}
	return true
}

// SetSyncVersion records the transaction version that last touched n. It does
// not notify observers; it only schedules a save.
func (m *Model) SetSyncVersion(n *Node, v int64) error {
	if !m.Loaded() {
		return errs.ErrNotLoaded
	}
	if !m.Contains(n) {
		return errs.ErrNotFound
	}
	if n.syncVersion == v {
		return nil
	}
	m.mu.Lock()
	n.syncVersion = v
	m.mu.Unlock()
	m.scheduleSave()
	return nil
}

// ClearSyncVersions forgets every recorded transaction version so the next
// association runs a full merge. Observers are not notified.
func (m *Model) ClearSyncVersions() error {
	if !m.Loaded() {
		return errs.ErrNotLoaded
	}
	m.mu.Lock()
	for _, n := range m.nodes {
		n.syncVersion = model.InvalidVersion
	}
	m.mu.Unlock()
	m.scheduleSave()
	return nil
}

func (m *Model) checkReorder(parent *Node) error {
	if !m.Loaded() {
		return errs.ErrNotLoaded
	}
	if !m.Contains(parent) {
		return errs.ErrNotFound
	}
	if parent.IsRoot() {
		return errs.ErrPermanentNode
	}
	if !parent.IsFolder() {
		return errs.ErrNotFolder
	}
	return nil
}

// SortChildren orders the children of parent: folders first, then by the
// collator on titles, then by URL. Ties keep their current order.
func (m *Model) SortChildren(parent *Node) error {
	if err := m.checkReorder(parent); err != nil {
		return err
	}
	if len(parent.children) < 2 {
		return nil
	}
	children := m.Children(parent)
	sort.SliceStable(children, func(i, j int) bool {
		a, b := children[i], children[j]
		if a.IsFolder() != b.IsFolder() {
			return a.IsFolder()
		}
		if c := m.collator.Compare(a.title, b.title); c != 0 {
			return c < 0
		}
		return a.url < b.url
	})
	m.setChildren(parent, children)
	return nil
}

// ReorderChildren sets the child order of parent. ordered must be a
// permutation of the current children.
func (m *Model) ReorderChildren(parent *Node, ordered []*Node) error {
	if err := m.checkReorder(parent); err != nil {
		return err
	}
	if len(ordered) != len(parent.children) {
		return fmt.Errorf("reorder: %d of %d children: %w", len(ordered), len(parent.children), errs.ErrInvalidArgument)
	}
	seen := make(map[int64]bool, len(ordered))
	for _, c := range ordered {
		if !m.Contains(c) || c.parent != parent.id || seen[c.id] {
			return fmt.Errorf("reorder: not a permutation: %w", errs.ErrInvalidArgument)
		}
		seen[c.id] = true
	}
	m.setChildren(parent, ordered)
	return nil
}

func (m *Model) setChildren(parent *Node, ordered []*Node) {
	m.notify(func(o Observer) { o.WillReorderChildren(m, parent) })
	ids := make([]int64, len(ordered))
	for i, c := range ordered {
		ids[i] = c.id
	}
	m.mu.Lock()
	parent.children = ids
	m.mu.Unlock()
	m.notify(func(o Observer) { o.ChildrenReordered(m, parent) })
	m.scheduleSave()
}

// BeginExtensiveChanges opens a bracket of bulk changes; brackets nest.
func (m *Model) BeginExtensiveChanges() {
	m.extensiveDepth++
	if m.extensiveDepth == 1 {
		m.notify(func(o Observer) { o.ExtensiveChangesBeginning(m) })
	}
}

// EndExtensiveChanges closes a bracket opened by BeginExtensiveChanges.
func (m *Model) EndExtensiveChanges() {
	if m.extensiveDepth == 0 {
		return
	}
	m.extensiveDepth--
	if m.extensiveDepth == 0 {
		m.notify(func(o Observer) { o.ExtensiveChangesEnded(m) })
	}
}

// IsDoingExtensiveChanges reports whether an extensive-changes bracket is open.
func (m *Model) IsDoingExtensiveChanges() bool { return m.extensiveDepth > 0 }

// BeginGroupedChanges opens an undo group.
func (m *Model) BeginGroupedChanges() {
	m.groupedDepth++
	if m.groupedDepth == 1 {
		m.notify(func(o Observer) { o.GroupedChangesBeginning(m) })
	}
}

// EndGroupedChanges closes an undo group.
func (m *Model) EndGroupedChanges() {
	if m.groupedDepth == 0 {
		return
	}
	m.groupedDepth--
	if m.groupedDepth == 0 {
		m.notify(func(o Observer) { o.GroupedChangesEnded(m) })
	}
}
