package notes

// Observer receives tree notifications. Callbacks run on the goroutine that
// issued the mutation, except Loaded which runs on the loading goroutine.
// Observers may add or remove observers during a callback; the change takes
// effect from the next notification.
type Observer interface {
	Loaded(m *Model, idsReassigned bool)
	BeingDeleted(m *Model)

	NodeAdded(m *Model, parent *Node, index int)
	WillRemoveNode(m *Model, parent *Node, index int, node *Node)
	NodeRemoved(m *Model, parent *Node, index int, removed *Subtree)
	WillChangeNode(m *Model, node *Node)
	NodeChanged(m *Model, node *Node)
	NodeMoved(m *Model, oldParent *Node, oldIndex int, newParent *Node, newIndex int)
	WillReorderChildren(m *Model, parent *Node)
	ChildrenReordered(m *Model, parent *Node)
	WillChangeAttachments(m *Model, node *Node)
	AttachmentsChanged(m *Model, node *Node)

	ExtensiveChangesBeginning(m *Model)
	ExtensiveChangesEnded(m *Model)
	GroupedChangesBeginning(m *Model)
	GroupedChangesEnded(m *Model)

	WillRemoveAllUserNodes(m *Model)
	AllUserNodesRemoved(m *Model, removed []*Subtree)
}

// BaseObserver implements Observer with no-ops; embed it and override what you need.
type BaseObserver struct{}

func (BaseObserver) Loaded(*Model, bool) {}
func (BaseObserver) BeingDeleted(*Model) {}
func (BaseObserver) NodeAdded(*Model, *Node, int) {}
func (BaseObserver) WillRemoveNode(*Model, *Node, int, *Node) {}
func (BaseObserver) NodeRemoved(*Model, *Node, int, *Subtree) {}
func (BaseObserver) WillChangeNode(*Model, *Node) {}
func (BaseObserver) NodeChanged(*Model, *Node) {}
func (BaseObserver) NodeMoved(*Model, *Node, int, *Node, int) {}
func (BaseObserver) WillReorderChildren(*Model, *Node) {}
func (BaseObserver) ChildrenReordered(*Model, *Node) {}
func (BaseObserver) WillChangeAttachments(*Model, *Node) {}
func (BaseObserver) AttachmentsChanged(*Model, *Node) {}
func (BaseObserver) ExtensiveChangesBeginning(*Model) {}
func (BaseObserver) ExtensiveChangesEnded(*Model) {}
func (BaseObserver) GroupedChangesBeginning(*Model) {}
func (BaseObserver) GroupedChangesEnded(*Model) {}
func (BaseObserver) WillRemoveAllUserNodes(*Model) {}
func (BaseObserver) AllUserNodesRemoved(*Model, []*Subtree) {}

// AddObserver registers o. Safe to call from any goroutine.
func (m *Model) AddObserver(o Observer) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, o)
}

// RemoveObserver unregisters o.
func (m *Model) RemoveObserver(o Observer) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	for i, cur := range m.observers {
		if cur == o {
			m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
			return
		}
	}
}

// notify dispatches to a snapshot of the observer list.
func (m *Model) notify(fn func(Observer)) {
	m.obsMu.Lock()
	snapshot := append([]Observer(nil), m.observers...)
	m.obsMu.Unlock()
	for _, o := range snapshot {
		fn(o)
	}
}
