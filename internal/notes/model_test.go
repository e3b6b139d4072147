package notes

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/notesync/internal/errs"
	"github.com/and161185/notesync/internal/model"
)

type fakeStorage struct {
	details *LoadDetails
	err     error
	block   chan struct{}

	saves   atomic.Int32
	flushes atomic.Int32
}

func (f *fakeStorage) Load(ctx context.Context) (*LoadDetails, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.details, f.err
}
func (f *fakeStorage) ScheduleSave() { f.saves.Add(1) }
func (f *fakeStorage) Flush() error  { f.flushes.Add(1); return nil }

// recorder logs notifications as short strings.
type recorder struct {
	BaseObserver
	events []string
}

func (r *recorder) Loaded(_ *Model, reassigned bool) {
	r.events = append(r.events, fmt.Sprintf("loaded:%v", reassigned))
}
func (r *recorder) NodeAdded(_ *Model, p *Node, i int) {
	r.events = append(r.events, fmt.Sprintf("added:%d:%d", p.ID(), i))
}
func (r *recorder) WillRemoveNode(_ *Model, p *Node, i int, n *Node) {
	r.events = append(r.events, fmt.Sprintf("will-remove:%d:%d:%d", p.ID(), i, n.ID()))
}
func (r *recorder) NodeRemoved(_ *Model, p *Node, i int, s *Subtree) {
	r.events = append(r.events, fmt.Sprintf("removed:%d:%d:%d", p.ID(), i, s.Len()))
}
func (r *recorder) WillChangeNode(_ *Model, n *Node) {
	r.events = append(r.events, fmt.Sprintf("will-change:%d", n.ID()))
}
func (r *recorder) NodeChanged(_ *Model, n *Node) {
	r.events = append(r.events, fmt.Sprintf("changed:%d", n.ID()))
}
func (r *recorder) NodeMoved(_ *Model, op *Node, oi int, np *Node, ni int) {
	r.events = append(r.events, fmt.Sprintf("moved:%d:%d->%d:%d", op.ID(), oi, np.ID(), ni))
}
func (r *recorder) ChildrenReordered(_ *Model, p *Node) {
	r.events = append(r.events, fmt.Sprintf("reordered:%d", p.ID()))
}
func (r *recorder) AttachmentsChanged(_ *Model, n *Node) {
	r.events = append(r.events, fmt.Sprintf("attachments:%d", n.ID()))
}
func (r *recorder) ExtensiveChangesBeginning(*Model) { r.events = append(r.events, "extensive-begin") }
func (r *recorder) ExtensiveChangesEnded(*Model)     { r.events = append(r.events, "extensive-end") }
func (r *recorder) AllUserNodesRemoved(_ *Model, removed []*Subtree) {
	r.events = append(r.events, fmt.Sprintf("all-removed:%d", len(removed)))
}

func newLoaded(t *testing.T) (*Model, *fakeStorage) {
	t.Helper()
	s := &fakeStorage{details: EmptyLoadDetails()}
	m := NewModel(WithLogger(zaptest.NewLogger(t)), WithClock(clockwork.NewFakeClockAt(time.Unix(1700000000, 0))))
	m.LoadSync(context.Background(), s)
	return m, s
}

func TestModel_FreshTree(t *testing.T) {
	t.Parallel()
	m, _ := newLoaded(t)

	require.True(t, m.Loaded())
	require.Equal(t, int64(1), m.Main().ID())
	require.Equal(t, int64(2), m.Other().ID())
	require.Equal(t, int64(3), m.Trash().ID())
	require.Equal(t, int64(4), m.NextID())
	require.Equal(t, model.KindTrash, m.Trash().Kind())
	require.Equal(t, MainTitle, m.Main().Title())
	require.Equal(t, 3, m.Root().ChildCount())
	require.Equal(t, model.InvalidVersion, m.Root().SyncVersion())
}

func TestModel_NotLoaded(t *testing.T) {
	t.Parallel()
	m := NewModel()
	require.Nil(t, m.Main())
	require.Nil(t, m.Snapshot())

	_, err := m.AddFolder(&Node{id: 1, kind: model.KindFolder}, 0, "x")
	require.ErrorIs(t, err, errs.ErrNotLoaded)
}

func TestModel_LoadAsync(t *testing.T) {
	t.Parallel()
	s := &fakeStorage{details: EmptyLoadDetails(), block: make(chan struct{})}
	m := NewModel()
	rec := &recorder{}
	m.AddObserver(rec)
	m.Load(context.Background(), s)
	require.Equal(t, Loading, m.State())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, m.WaitUntilLoaded(ctx), context.DeadlineExceeded)

	close(s.block)
	require.NoError(t, m.WaitUntilLoaded(context.Background()))
	require.Eventually(t, func() bool { return m.Loaded() }, time.Second, time.Millisecond)
	require.Panics(t, func() { m.Load(context.Background(), s) })
}

func TestModel_LoadErrorGivesEmptyTree(t *testing.T) {
	t.Parallel()
	s := &fakeStorage{err: errors.New("boom")}
	m := NewModel(WithLogger(zaptest.NewLogger(t)))
	m.LoadSync(context.Background(), s)
	require.True(t, m.Loaded())
	require.Equal(t, 3, m.Len())
}

func TestModel_LoadDetailsKept(t *testing.T) {
	t.Parallel()
	d := &LoadDetails{
		Main: &model.Entry{ID: 1, Children: []*model.Entry{
			{ID: 10, Kind: model.KindFolder, Title: "Trips", SyncVersion: 7, Children: []*model.Entry{
				{ID: 11, Kind: model.KindNote, Title: "Rome", URL: "https://rome.example"},
			}},
		}},
		Other:         &model.Entry{ID: 2},
		Trash:         &model.Entry{ID: 3},
		MaxID:         11,
		SyncVersion:   7,
		IDsReassigned: true,
	}
	s := &fakeStorage{details: d}
	m := NewModel()
	rec := &recorder{}
	m.AddObserver(rec)
	m.LoadSync(context.Background(), s)

	trips := m.Node(10)
	require.NotNil(t, trips)
	require.Equal(t, int64(7), trips.SyncVersion())
	require.Equal(t, int64(12), m.NextID())
	require.Equal(t, int64(7), m.Root().SyncVersion())
	require.Equal(t, []int64{11}, m.NodesByURL("https://rome.example"))
	require.Equal(t, []string{"loaded:true"}, rec.events)
	require.Equal(t, int32(1), s.saves.Load(), "reassigned ids trigger a save")
	require.Equal(t, int32(1), s.flushes.Load(), "the repaired tree is written at once")
}

func TestModel_AddAndRemove(t *testing.T) {
	t.Parallel()
	m, s := newLoaded(t)
	rec := &recorder{}
	m.AddObserver(rec)

	f, err := m.AddFolder(m.Main(), 0, "Trips")
	require.NoError(t, err)
	n, err := m.AddNote(f, 0, "Rome", "https://rome.example", "")
	require.NoError(t, err)
	require.Equal(t, int64(4), f.ID())
	require.Equal(t, int64(5), n.ID())
	require.Equal(t, model.InvalidVersion, n.SyncVersion())
	require.True(t, n.CreatedAt().Equal(time.Unix(1700000000, 0)))
	require.True(t, m.IsNoteURL("https://rome.example"))

	_, err = m.AddNote(n, 0, "x", "", "")
	require.ErrorIs(t, err, errs.ErrNotFolder)
	_, err = m.AddNote(f, 5, "x", "", "")
	require.ErrorIs(t, err, errs.ErrInvalidIndex)
	_, err = m.AddNote(m.Root(), 0, "x", "", "")
	require.ErrorIs(t, err, errs.ErrPermanentNode)

	require.NoError(t, m.Remove(f))
	require.Nil(t, m.Node(5))
	require.False(t, m.IsNoteURL("https://rome.example"))
	require.ErrorIs(t, m.Remove(m.Trash()), errs.ErrPermanentNode)
	require.ErrorIs(t, m.Remove(f), errs.ErrNotFound)

	require.Equal(t, []string{
		"added:1:0", "added:4:0",
		"will-remove:1:0:4", "removed:1:0:2",
	}, rec.events)
	require.Equal(t, int32(3), s.saves.Load())
}

func TestModel_AddNodeSubtreeFreshIDs(t *testing.T) {
	t.Parallel()
	m, _ := newLoaded(t)
	e := &model.Entry{ID: 1, Kind: model.KindFolder, Title: "Copy", Children: []*model.Entry{
		{ID: 2, Kind: model.KindNote, Title: "a"},
		{ID: 2, Kind: model.KindNote, Title: "b"},
	}}
	n, err := m.AddNode(m.Other(), 0, e)
	require.NoError(t, err)
	require.Equal(t, []int64{5, 6}, n.ChildIDs())

	_, err = m.AddNode(m.Other(), 0, &model.Entry{Kind: model.KindTrash})
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestModel_Move(t *testing.T) {
	t.Parallel()
	m, _ := newLoaded(t)
	a, _ := m.AddNote(m.Main(), 0, "a", "", "")
	b, _ := m.AddNote(m.Main(), 1, "b", "", "")
	c, _ := m.AddNote(m.Main(), 2, "c", "", "")
	f, _ := m.AddFolder(m.Other(), 0, "f")
	rec := &recorder{}
	m.AddObserver(rec)

	// Same position is a no-op in both interpretations.
	require.NoError(t, m.Move(a, m.Main(), 0))
	require.NoError(t, m.Move(a, m.Main(), 1))
	require.Empty(t, rec.events)

	// a to the end: index counted before removal.
	require.NoError(t, m.Move(a, m.Main(), 3))
	require.Equal(t, []int64{b.ID(), c.ID(), a.ID()}, m.Main().ChildIDs())
	require.Equal(t, []string{"moved:1:0->1:2"}, rec.events)

	require.NoError(t, m.Move(c, f, 0))
	require.Equal(t, f.ID(), c.ParentID())

	require.ErrorIs(t, m.Move(f, f, 0), errs.ErrCycle)
	require.ErrorIs(t, m.Move(m.Main(), m.Other(), 0), errs.ErrPermanentNode)
	require.ErrorIs(t, m.Move(a, b, 0), errs.ErrNotFolder)
	require.ErrorIs(t, m.Move(a, m.Root(), 0), errs.ErrPermanentNode)
	require.ErrorIs(t, m.Move(a, f, 9), errs.ErrInvalidIndex)
}

func TestModel_MoveCycleDeep(t *testing.T) {
	t.Parallel()
	m, _ := newLoaded(t)
	f1, _ := m.AddFolder(m.Main(), 0, "f1")
	f2, _ := m.AddFolder(f1, 0, "f2")
	f3, _ := m.AddFolder(f2, 0, "f3")
	require.ErrorIs(t, m.Move(f1, f3, 0), errs.ErrCycle)
	require.Equal(t, m.Main().ID(), f1.ParentID())
}

func TestModel_Setters(t *testing.T) {
	t.Parallel()
	m, _ := newLoaded(t)
	n, _ := m.AddNote(m.Main(), 0, "a", "https://a.example", "")
	f, _ := m.AddFolder(m.Main(), 1, "f")
	rec := &recorder{}
	m.AddObserver(rec)

	require.NoError(t, m.SetTitle(n, "b"))
	require.NoError(t, m.SetTitle(n, "b"))
	require.NoError(t, m.SetURL(n, "https://b.example"))
	require.False(t, m.IsNoteURL("https://a.example"))
	require.True(t, m.IsNoteURL("https://b.example"))
	require.ErrorIs(t, m.SetURL(f, "https://f.example"), errs.ErrInvalidArgument)
	require.ErrorIs(t, m.SetTitle(m.Main(), "x"), errs.ErrPermanentNode)

	att := model.NewAttachment("text/plain", []byte("hello"))
	require.NoError(t, m.AddAttachment(n, att))
	require.Len(t, n.Attachments(), 1)
	require.NoError(t, m.RemoveAttachment(n, att.Checksum))
	require.ErrorIs(t, m.RemoveAttachment(n, att.Checksum), errs.ErrNotFound)

	require.Equal(t, []string{
		"will-change:4", "changed:4",
		"will-change:4", "changed:4",
		"attachments:4", "attachments:4",
	}, rec.events)
}

func TestModel_SetSyncVersionSilent(t *testing.T) {
	t.Parallel()
	m, s := newLoaded(t)
	rec := &recorder{}
	m.AddObserver(rec)
	before := s.saves.Load()

	require.NoError(t, m.SetSyncVersion(m.Root(), 42))
	require.Equal(t, int64(42), m.Snapshot().SyncVersion)
	require.Empty(t, rec.events)
	require.Equal(t, before+1, s.saves.Load())
}

func TestModel_SortAndReorder(t *testing.T) {
	t.Parallel()
	m, _ := newLoaded(t)
	b, _ := m.AddNote(m.Main(), 0, "b", "", "")
	a, _ := m.AddNote(m.Main(), 1, "A", "", "")
	f, _ := m.AddFolder(m.Main(), 2, "z")

	require.NoError(t, m.SortChildren(m.Main()))
	require.Equal(t, []int64{f.ID(), a.ID(), b.ID()}, m.Main().ChildIDs())

	require.NoError(t, m.ReorderChildren(m.Main(), []*Node{b, a, f}))
	require.Equal(t, []int64{b.ID(), a.ID(), f.ID()}, m.Main().ChildIDs())

	require.ErrorIs(t, m.ReorderChildren(m.Main(), []*Node{b, a}), errs.ErrInvalidArgument)
	require.ErrorIs(t, m.ReorderChildren(m.Main(), []*Node{b, b, f}), errs.ErrInvalidArgument)
	require.ErrorIs(t, m.ReorderChildren(m.Root(), nil), errs.ErrPermanentNode)
}

func TestModel_RemoveAllUserNodes(t *testing.T) {
	t.Parallel()
	m, _ := newLoaded(t)
	f, _ := m.AddFolder(m.Main(), 0, "f")
	_, _ = m.AddNote(f, 0, "n", "", "")
	_, _ = m.AddNote(m.Main(), 1, "n2", "", "")
	o, _ := m.AddNote(m.Other(), 0, "kept", "", "")
	rec := &recorder{}
	m.AddObserver(rec)

	require.NoError(t, m.RemoveAllUserNodes())
	require.Equal(t, 0, m.Main().ChildCount())
	require.True(t, m.Contains(o))
	require.Equal(t, []string{"extensive-begin", "all-removed:2", "extensive-end"}, rec.events)
}

func TestModel_ExtensiveNesting(t *testing.T) {
	t.Parallel()
	m, _ := newLoaded(t)
	rec := &recorder{}
	m.AddObserver(rec)

	m.BeginExtensiveChanges()
	m.BeginExtensiveChanges()
	require.True(t, m.IsDoingExtensiveChanges())
	m.EndExtensiveChanges()
	m.EndExtensiveChanges()
	m.EndExtensiveChanges()
	require.False(t, m.IsDoingExtensiveChanges())
	require.Equal(t, []string{"extensive-begin", "extensive-end"}, rec.events)
}

type selfRemover struct {
	BaseObserver
	calls int
}

func (s *selfRemover) NodeAdded(m *Model, _ *Node, _ int) {
	s.calls++
	m.RemoveObserver(s)
}

func TestModel_ObserverRemovedDuringDispatch(t *testing.T) {
	t.Parallel()
	m, _ := newLoaded(t)
	sr := &selfRemover{}
	rec := &recorder{}
	m.AddObserver(sr)
	m.AddObserver(rec)

	_, _ = m.AddNote(m.Main(), 0, "a", "", "")
	_, _ = m.AddNote(m.Main(), 0, "b", "", "")
	require.Equal(t, 1, sr.calls)
	require.Equal(t, []string{"added:1:0", "added:1:0"}, rec.events)
}

func TestModel_IDsUniqueAndAcyclic(t *testing.T) {
	t.Parallel()
	m, _ := newLoaded(t)
	parents := []*Node{m.Main(), m.Other()}
	for i := 0; i < 50; i++ {
		p := parents[i%len(parents)]
		if i%3 == 0 {
			f, err := m.AddFolder(p, 0, fmt.Sprintf("f%d", i))
			require.NoError(t, err)
			parents = append(parents, f)
			continue
		}
		_, err := m.AddNote(p, p.ChildCount(), fmt.Sprintf("n%d", i), "", "")
		require.NoError(t, err)
	}
	for i := 2; i < len(parents); i++ {
		_ = m.Move(parents[i], parents[(i*7)%len(parents)], 0)
	}

	seen := map[int64]bool{}
	m.Walk(m.Root(), func(n *Node) bool {
		require.False(t, seen[n.ID()], "id %d visited twice", n.ID())
		seen[n.ID()] = true
		return true
	})
	require.Equal(t, m.Len()+1, len(seen))
}

func TestModel_CloseFlushes(t *testing.T) {
	t.Parallel()
	m, s := newLoaded(t)
	require.NoError(t, m.Close())
	require.Equal(t, int32(1), s.flushes.Load())
}
