package notes

import (
	"time"

	"github.com/and161185/notesync/internal/model"
)

// RootID is the id of the invisible root that owns the permanent nodes.
const RootID int64 = 0

// Node is an entry of the note tree. Nodes live in the model's arena; parent
// and children are id references resolved through the owning Model (or the
// detached Subtree after removal).
//
// Fields are mutated only through Model methods.
type Node struct {
	id          int64
	kind        model.Kind
	title       string
	content     string
	url         string
	createdAt   time.Time
	attachments []model.Attachment
	syncVersion int64
	permanent   bool

	parent   int64 // RootID for permanent nodes; meaningless for the root itself
	children []int64
}

func (n *Node) ID() int64 { return n.id }
func (n *Node) Kind() model.Kind { return n.kind }
func (n *Node) IsFolder() bool { return n.kind.IsFolder() }
func (n *Node) Title() string { return n.title }
func (n *Node) Content() string { return n.content }
func (n *Node) URL() string { return n.url }
func (n *Node) CreatedAt() time.Time { return n.createdAt }
func (n *Node) SyncVersion() int64 { return n.syncVersion }
func (n *Node) ParentID() int64 { return n.parent }
func (n *Node) ChildCount() int { return len(n.children) }
func (n *Node) IsPermanent() bool { return n.permanent }
func (n *Node) IsRoot() bool { return n.id == RootID }

// Attachments returns a copy of the attachment list.
func (n *Node) Attachments() []model.Attachment {
	return append([]model.Attachment(nil), n.attachments...)
}

// ChildIDs returns a copy of the ordered child id list.
func (n *Node) ChildIDs() []int64 {
	return append([]int64(nil), n.children...)
}

func (n *Node) indexOf(id int64) int {
	for i, c := range n.children {
		if c == id {
			return i
		}
	}
	return -1
}

func (n *Node) insertChild(index int, id int64) {
	n.children = append(n.children, 0)
	copy(n.children[index+1:], n.children[index:])
	n.children[index] = id
}

func (n *Node) removeChildAt(index int) {
	n.children = append(n.children[:index], n.children[index+1:]...)
}

// entry copies the node fields (not the children) into a model.Entry.
func (n *Node) entry() *model.Entry {
	return &model.Entry{
		ID:          n.id,
		Kind:        n.kind,
		Title:       n.title,
		Content:     n.content,
		URL:         n.url,
		CreatedAt:   n.createdAt,
		Attachments: n.Attachments(),
		SyncVersion: n.syncVersion,
	}
}

// Subtree is a node tree detached from the model by Remove. It stays readable
// after removal so observers can inspect what was deleted.
type Subtree struct {
	Root  *Node
	nodes map[int64]*Node
}

// Node returns a node of the detached subtree by id.
func (s *Subtree) Node(id int64) *Node { return s.nodes[id] }

// Children returns the ordered children of n within the subtree.
func (s *Subtree) Children(n *Node) []*Node {
	out := make([]*Node, 0, len(n.children))
	for _, id := range n.children {
		if c := s.nodes[id]; c != nil {
			out = append(out, c)
		}
	}
	return out
}

// PostOrder lists the subtree children-before-parents, Root last.
func (s *Subtree) PostOrder() []*Node {
	var out []*Node
	type frame struct {
		n    *Node
		next int
	}
	stack := []frame{{n: s.Root}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.n.children) {
			c := s.nodes[top.n.children[top.next]]
			top.next++
			if c != nil {
				stack = append(stack, frame{n: c})
			}
			continue
		}
		out = append(out, top.n)
		stack = stack[:len(stack)-1]
	}
	return out
}

// Len returns the number of nodes in the subtree.
func (s *Subtree) Len() int { return len(s.nodes) }
