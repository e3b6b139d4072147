// Package notes implements the in-memory note tree: an arena of nodes owned by
// a Model, with permanent main/other/trash roots, change notifications and
// scheduled persistence.
//
// The Model follows a single-writer discipline: mutations and observer
// dispatch happen on one goroutine at a time. Snapshot, the URL index queries
// and WaitUntilLoaded may be called from any goroutine.
package notes

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/and161185/notesync/internal/model"
)

// State is the load state of a Model.
type State int32

const (
	Unloaded State = iota
	Loading
	Loaded
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	default:
		return "unknown"
	}
}

// Default titles of the permanent nodes.
const (
	MainTitle  = "Notes"
	OtherTitle = "Other notes"
	TrashTitle = "Trash"
)

// Loader produces the initial tree contents. It may block on I/O.
type Loader interface {
	Load(ctx context.Context) (*LoadDetails, error)
}

// Storage is the persistence backend the model schedules saves on.
type Storage interface {
	Loader
	// ScheduleSave requests a (debounced) write of the current tree.
	ScheduleSave()
	// Flush writes a pending save synchronously.
	Flush() error
}

// LoadDetails carries a decoded tree into the model. Nil permanent entries are
// created empty.
type LoadDetails struct {
	Main, Other, Trash *model.Entry
	// MaxID is the highest node id present in the entries.
	MaxID int64
	// SyncVersion is the model-wide transaction version (root high-water mark).
	SyncVersion int64

	IDsReassigned    bool
	StoredChecksum   string
	ComputedChecksum string
}

// EmptyLoadDetails describes a fresh tree with only the permanent nodes.
func EmptyLoadDetails() *LoadDetails {
	return &LoadDetails{SyncVersion: model.InvalidVersion}
}

// NeedsResave reports whether the decoded data should be written back at once.
func (d *LoadDetails) NeedsResave() bool {
	return d.IDsReassigned || d.StoredChecksum != d.ComputedChecksum
}

// Snapshot is a detached copy of the persisted part of the tree.
type Snapshot struct {
	Main, Other, Trash *model.Entry
	SyncVersion        int64
}

// Collator compares titles for SortChildren; it is the locale-aware hook.
type Collator interface {
	Compare(a, b string) int
}

type foldCollator struct{}

func (foldCollator) Compare(a, b string) int {
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}

// Option configures a Model.
type Option func(*Model)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(m *Model) { m.log = l } }

// WithClock sets the clock used for creation timestamps.
func WithClock(c clockwork.Clock) Option { return func(m *Model) { m.clock = c } }

// WithCollator sets the title comparator used by SortChildren.
func WithCollator(c Collator) Option { return func(m *Model) { m.collator = c } }

// Model owns the root and every descendant node.
type Model struct {
	log      *zap.Logger
	clock    clockwork.Clock
	collator Collator

	state  atomic.Int32
	loaded chan struct{}

	// mu guards the arena against Snapshot readers on other goroutines. The
	// owner goroutine reads without it.
	mu     sync.RWMutex
	nodes  map[int64]*Node
	root   *Node
	main   *Node
	other  *Node
	trash  *Node
	nextID int64

	obsMu     sync.Mutex
	observers []Observer

	urls *urlIndex

	storage        Storage
	extensiveDepth int
	groupedDepth   int
}

// NewModel constructs an unloaded model.
func NewModel(opts ...Option) *Model {
	m := &Model{
		log:      zap.NewNop(),
		clock:    clockwork.NewRealClock(),
		collator: foldCollator{},
		loaded:   make(chan struct{}),
		nodes:    make(map[int64]*Node),
		urls:     newURLIndex(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the current load state.
func (m *Model) State() State { return State(m.state.Load()) }

// Loaded reports whether the model finished loading.
func (m *Model) Loaded() bool { return m.State() == Loaded }

// Load starts loading from s on a background goroutine and returns at once.
// Calling Load more than once is a programming error and panics.
func (m *Model) Load(ctx context.Context, s Storage) {
	if !m.state.CompareAndSwap(int32(Unloaded), int32(Loading)) {
		panic("notes: Load called twice")
	}
	m.storage = s
	go func() {
		details, err := s.Load(ctx)
		if err != nil {
			m.log.Warn("load failed, starting with an empty tree", zap.Error(err))
			details = EmptyLoadDetails()
		}
		if details == nil {
			details = EmptyLoadDetails()
		}
		m.finishLoading(details)
	}()
}

// LoadSync loads synchronously on the calling goroutine; used by tools and tests.
func (m *Model) LoadSync(ctx context.Context, s Storage) {
	if !m.state.CompareAndSwap(int32(Unloaded), int32(Loading)) {
		panic("notes: Load called twice")
	}
	m.storage = s
	details, err := s.Load(ctx)
	if err != nil {
		m.log.Warn("load failed, starting with an empty tree", zap.Error(err))
		details = EmptyLoadDetails()
	}
	if details == nil {
		details = EmptyLoadDetails()
	}
	m.finishLoading(details)
}

// WaitUntilLoaded blocks until the model is loaded or ctx is done.
func (m *Model) WaitUntilLoaded(ctx context.Context) error {
	select {
	case <-m.loaded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Model) finishLoading(d *LoadDetails) {
	m.mu.Lock()
	m.root = &Node{id: RootID, kind: model.KindFolder, permanent: true, syncVersion: model.InvalidVersion}
	m.nodes[RootID] = m.root
	m.nextID = d.MaxID + 1
	if m.nextID <= RootID {
		m.nextID = RootID + 1
	}
	m.main = m.installPermanent(d.Main, model.KindFolder, MainTitle)
	m.other = m.installPermanent(d.Other, model.KindFolder, OtherTitle)
	m.trash = m.installPermanent(d.Trash, model.KindTrash, TrashTitle)
	m.root.syncVersion = d.SyncVersion
	m.mu.Unlock()

	m.state.Store(int32(Loaded))
	close(m.loaded)
	m.log.Info("notes loaded",
		zap.Int("nodes", len(m.nodes)-1),
		zap.Bool("ids_reassigned", d.IDsReassigned),
	)
	m.notify(func(o Observer) { o.Loaded(m, d.IDsReassigned) })
	if d.NeedsResave() {
		m.resave()
	}
}

// resave writes the repaired tree right away instead of waiting for the
// debounce delay.
func (m *Model) resave() {
	if m.storage == nil {
		return
	}
	m.storage.ScheduleSave()
	if err := m.storage.Flush(); err != nil {
		m.log.Warn("resave repaired notes", zap.Error(err))
	}
}

// installPermanent must run with mu held.
func (m *Model) installPermanent(e *model.Entry, kind model.Kind, title string) *Node {
	pe := model.Entry{SyncVersion: model.InvalidVersion}
	if e != nil {
		pe = *e
	}
	pe.Kind = kind
	n := m.installEntry(&pe, RootID, true)
	n.permanent = true
	n.url = ""
	if n.title == "" {
		n.title = title
	}
	m.root.children = append(m.root.children, n.id)
	return n
}

// installEntry inserts e and its subtree under parent. With keepIDs the entry
// ids and versions are reused as loaded; otherwise fresh ids are allocated,
// versions are reset and missing timestamps are stamped. mu must be held.
func (m *Model) installEntry(e *model.Entry, parent int64, keepIDs bool) *Node {
	id := e.ID
	if !keepIDs || id <= RootID || m.nodes[id] != nil {
		id = m.allocID()
	}
	if id >= m.nextID {
		m.nextID = id + 1
	}
	n := &Node{
		id:          id,
		kind:        e.Kind,
		title:       e.Title,
		content:     e.Content,
		url:         e.URL,
		createdAt:   e.CreatedAt,
		attachments: append([]model.Attachment(nil), e.Attachments...),
		syncVersion: e.SyncVersion,
		parent:      parent,
	}
	if !keepIDs {
		n.syncVersion = model.InvalidVersion
		if n.createdAt.IsZero() {
			n.createdAt = m.clock.Now()
		}
	}
	if n.kind == 0 {
		n.kind = model.KindNote
	}
	if n.kind.IsFolder() {
		n.url = ""
	}
	m.nodes[id] = n
	if n.url != "" {
		m.urls.add(n.url, id)
	}
	if n.kind.IsFolder() {
		for _, c := range e.Children {
			child := m.installEntry(c, id, keepIDs)
			n.children = append(n.children, child.id)
		}
	}
	return n
}

func (m *Model) allocID() int64 {
	id := m.nextID
	m.nextID++
	return id
}

// Close notifies observers that the model is going away and flushes a pending save.
func (m *Model) Close() error {
	if m.storage == nil {
		return nil
	}
	m.notify(func(o Observer) { o.BeingDeleted(m) })
	return m.storage.Flush()
}

func (m *Model) scheduleSave() {
	if m.storage != nil {
		m.storage.ScheduleSave()
	}
}

// Root returns the invisible root, or nil before loading.
func (m *Model) Root() *Node {
	if !m.Loaded() {
		return nil
	}
	return m.root
}

// Main returns the main permanent folder.
func (m *Model) Main() *Node {
	if !m.Loaded() {
		return nil
	}
	return m.main
}

// Other returns the other permanent folder.
func (m *Model) Other() *Node {
	if !m.Loaded() {
		return nil
	}
	return m.other
}

// Trash returns the trash permanent node.
func (m *Model) Trash() *Node {
	if !m.Loaded() {
		return nil
	}
	return m.trash
}

// NextID returns the id the next created node will receive.
func (m *Model) NextID() int64 { return m.nextID }

// Node returns the node with id, or nil.
func (m *Model) Node(id int64) *Node {
	if !m.Loaded() {
		return nil
	}
	return m.nodes[id]
}

// Contains reports whether n belongs to this model's arena.
func (m *Model) Contains(n *Node) bool {
	return n != nil && m.Loaded() && m.nodes[n.id] == n
}

// Parent returns the parent of n, nil for the root.
func (m *Model) Parent(n *Node) *Node {
	if n == nil || n.IsRoot() {
		return nil
	}
	return m.nodes[n.parent]
}

// Children returns the ordered children of n.
func (m *Model) Children(n *Node) []*Node {
	out := make([]*Node, 0, len(n.children))
	for _, id := range n.children {
		out = append(out, m.nodes[id])
	}
	return out
}

// Child returns the i-th child of n.
func (m *Model) Child(n *Node, i int) *Node {
	if i < 0 || i >= len(n.children) {
		return nil
	}
	return m.nodes[n.children[i]]
}

// IndexOf returns the position of n within its parent, -1 for the root.
func (m *Model) IndexOf(n *Node) int {
	p := m.Parent(n)
	if p == nil {
		return -1
	}
	return p.indexOf(n.id)
}

// HasAncestor reports whether a is n or one of its ancestors.
func (m *Model) HasAncestor(n, a *Node) bool {
	for cur := n; cur != nil; cur = m.Parent(cur) {
		if cur == a {
			return true
		}
	}
	return false
}

// IsUserNode reports whether n is a non-permanent node of this model.
func (m *Model) IsUserNode(n *Node) bool {
	return m.Contains(n) && !n.permanent
}

// Walk visits n and its descendants in pre-order; returning false skips a subtree.
func (m *Model) Walk(n *Node, fn func(*Node) bool) {
	stack := []*Node{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !fn(cur) {
			continue
		}
		for i := len(cur.children) - 1; i >= 0; i-- {
			stack = append(stack, m.nodes[cur.children[i]])
		}
	}
}

// Entry returns a detached copy of n's subtree.
func (m *Model) Entry(n *Node) *model.Entry {
	e := n.entry()
	for _, id := range n.children {
		e.Children = append(e.Children, m.Entry(m.nodes[id]))
	}
	return e
}

// Snapshot copies the persisted part of the tree. Safe from any goroutine;
// returns nil before loading.
func (m *Model) Snapshot() *Snapshot {
	if !m.Loaded() {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &Snapshot{
		Main:        m.Entry(m.main),
		Other:       m.Entry(m.other),
		Trash:       m.Entry(m.trash),
		SyncVersion: m.root.syncVersion,
	}
}

// NodesByURL returns ids of notes with the given URL. Safe from any goroutine.
func (m *Model) NodesByURL(url string) []int64 { return m.urls.lookup(url) }

// IsNoteURL reports whether any note carries url. Safe from any goroutine.
func (m *Model) IsNoteURL(url string) bool { return len(m.urls.lookup(url)) > 0 }

// Len returns the number of nodes, root excluded.
func (m *Model) Len() int {
	if !m.Loaded() {
		return 0
	}
	return len(m.nodes) - 1
}
