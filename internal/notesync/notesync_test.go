package notesync

import (
	"context"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/notesync/internal/errs"
	"github.com/and161185/notesync/internal/model"
	"github.com/and161185/notesync/internal/notes"
	"github.com/and161185/notesync/internal/remote"
)

type memStorage struct{ d *notes.LoadDetails }

func (s memStorage) Load(context.Context) (*notes.LoadDetails, error) { return s.d, nil }
func (memStorage) ScheduleSave()                                     {}
func (memStorage) Flush() error                                      { return nil }

func newTree(t *testing.T, d *notes.LoadDetails) *notes.Model {
	t.Helper()
	if d == nil {
		d = notes.EmptyLoadDetails()
	}
	m := notes.NewModel(notes.WithLogger(zaptest.NewLogger(t)))
	m.LoadSync(context.Background(), memStorage{d})
	return m
}

func newRemote(t *testing.T) *remote.Directory {
	t.Helper()
	d := remote.New(remote.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, d.EnsurePermanentFolders(context.Background()))
	return d
}

func tagged(t *testing.T, d *remote.Directory, tag string) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	require.NoError(t, d.View(context.Background(), func(tx *remote.ReadTx) error {
		n, err := tx.LookupTag(tag)
		id = n.ID
		return err
	}))
	return id
}

func serverCreate(t *testing.T, d *remote.Directory, parent, pred uuid.UUID, folder bool, title, url string) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	_, err := d.Update(context.Background(), remote.OriginServer, func(tx *remote.WriteTx) error {
		var err error
		id, err = tx.Create(parent, pred, folder, title, model.RemotePayload{URL: url})
		return err
	})
	require.NoError(t, err)
	return id
}

func remoteKids(t *testing.T, d *remote.Directory, parent uuid.UUID) []model.RemoteNode {
	t.Helper()
	var out []model.RemoteNode
	require.NoError(t, d.View(context.Background(), func(tx *remote.ReadTx) error {
		var err error
		out, err = tx.Children(parent)
		return err
	}))
	return out
}

func remoteTitles(t *testing.T, d *remote.Directory, parent uuid.UUID) []string {
	t.Helper()
	var out []string
	for _, n := range remoteKids(t, d, parent) {
		out = append(out, n.Title)
	}
	return out
}

func localTitles(m *notes.Model, n *notes.Node) []string {
	var out []string
	for _, c := range m.Children(n) {
		out = append(out, c.Title())
	}
	return out
}

func associate(t *testing.T, m *notes.Model, d *remote.Directory, table *AssociationTable) *MergeResult {
	t.Helper()
	res, err := NewAssociator(m, d, table, zaptest.NewLogger(t)).Associate(context.Background())
	require.NoError(t, err)
	return res
}

func TestAssociationTable_Bijection(t *testing.T) {
	t.Parallel()
	tb := NewAssociationTable()
	a, b := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())

	tb.Associate(1, a)
	tb.Associate(2, b)
	tb.MarkDirty(a)
	tb.MarkDirty(uuid.Must(uuid.NewV4()))
	require.Equal(t, []uuid.UUID{a}, tb.Dirty())

	tb.Associate(1, b)
	_, ok := tb.LocalID(a)
	require.False(t, ok)
	_, ok = tb.RemoteID(2)
	require.False(t, ok)
	id, _ := tb.LocalID(b)
	require.Equal(t, int64(1), id)
	require.Empty(t, tb.Dirty())
	require.Equal(t, 1, tb.Len())

	tb.DisassociateLocal(1)
	require.Equal(t, 0, tb.Len())
}

func TestAssociator_MatchesExistingTree(t *testing.T) {
	t.Parallel()
	m := newTree(t, &notes.LoadDetails{
		Main: &model.Entry{ID: 1, Children: []*model.Entry{
			{ID: 10, Kind: model.KindFolder, Title: "Trips", Children: []*model.Entry{
				{ID: 11, Kind: model.KindNote, Title: "Rome", URL: "https://rome.example"},
			}},
		}},
		Other:       &model.Entry{ID: 2},
		Trash:       &model.Entry{ID: 3},
		MaxID:       11,
		SyncVersion: model.InvalidVersion,
	})
	d := newRemote(t)
	trips := serverCreate(t, d, tagged(t, d, remote.TagMain), uuid.Nil, true, "Trips", "")
	rome := serverCreate(t, d, trips, uuid.Nil, false, "Rome", "https://rome.example")

	table := NewAssociationTable()
	res := associate(t, m, d, table)

	require.Equal(t, 5, table.Len(), "three permanent pairs plus Trips and Rome")
	require.Zero(t, res.LocalAdded)
	require.Zero(t, res.RemoteAdded)
	require.Equal(t, 2, res.RemoteModified, "external ids written")
	lid, _ := table.LocalID(trips)
	require.Equal(t, int64(10), lid)
	lid, _ = table.LocalID(rome)
	require.Equal(t, int64(11), lid)

	kids := remoteKids(t, d, trips)
	require.Equal(t, int64(11), kids[0].ExternalID)
	require.Equal(t, d.Version(), m.Root().SyncVersion())
	require.Equal(t, kids[0].Version, m.Node(11).SyncVersion())
}

func TestAssociator_MergeConverges(t *testing.T) {
	t.Parallel()
	m := newTree(t, nil)
	f, err := m.AddFolder(m.Main(), 0, "F")
	require.NoError(t, err)
	_, err = m.AddNote(f, 0, "x", "https://x.example", "")
	require.NoError(t, err)
	_, err = m.AddNote(m.Main(), 0, "A", "https://a.example", "")
	require.NoError(t, err)

	d := newRemote(t)
	main := tagged(t, d, remote.TagMain)
	b := serverCreate(t, d, main, uuid.Nil, false, "B", "https://b.example")
	rf := serverCreate(t, d, main, b, true, "F", "")
	serverCreate(t, d, rf, uuid.Nil, false, "y", "https://y.example")

	table := NewAssociationTable()
	res := associate(t, m, d, table)
	require.Equal(t, 2, res.LocalAdded, "B and y")
	require.Equal(t, 2, res.RemoteAdded, "A and x")
	require.Equal(t, 3, res.LocalBefore)
	require.Equal(t, 5, res.LocalAfter)
	require.Equal(t, 3, res.RemoteBefore)
	require.Equal(t, 5, res.RemoteAfter)

	require.Equal(t, []string{"B", "F", "A"}, localTitles(m, m.Main()))
	require.Equal(t, []string{"B", "F", "A"}, remoteTitles(t, d, main))
	require.Equal(t, []string{"y", "x"}, localTitles(m, f))
	require.Equal(t, []string{"y", "x"}, remoteTitles(t, d, rf))

	again := associate(t, m, d, NewAssociationTable())
	require.True(t, again.FastPath)
	require.Zero(t, again.LocalAdded+again.LocalModified+again.RemoteAdded+again.RemoteModified)
	require.Equal(t, d.Version(), again.Version)
}

func TestAssociator_Duplicates(t *testing.T) {
	t.Parallel()
	m := newTree(t, nil)
	for i := 0; i < 2; i++ {
		_, err := m.AddNote(m.Main(), 0, "same", "https://same.example", "")
		require.NoError(t, err)
	}
	d := newRemote(t)
	res := associate(t, m, d, NewAssociationTable())
	require.Equal(t, 1, res.Duplicates)
	require.Equal(t, []string{"same", "same"}, remoteTitles(t, d, tagged(t, d, remote.TagMain)))
}

func TestAssociator_DeleteJournal(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name string
		// titles of local nodes deleted on the server, children first
		remove []string
		edit   func(m *notes.Model, byTitle map[string]*notes.Node)

		wantMain      []string
		wantFolder    []string
		localDeleted  int
		remoteDeleted int
	}{
		{
			name:          "removes the node and no siblings",
			remove:        []string{"X"},
			wantMain:      []string{"S", "F"},
			wantFolder:    []string{"C"},
			localDeleted:  1,
			remoteDeleted: 1,
		},
		{
			name:   "edited note survives",
			remove: []string{"X"},
			edit: func(m *notes.Model, byTitle map[string]*notes.Node) {
				_ = m.SetTitle(byTitle["X"], "edited")
			},
			wantMain:      []string{"S", "F", "edited"},
			wantFolder:    []string{"C"},
			remoteDeleted: 1,
		},
		{
			name:          "folder goes after its children",
			remove:        []string{"C", "F"},
			wantMain:      []string{"X", "S"},
			localDeleted:  2,
			remoteDeleted: 2,
		},
		{
			name:   "non-empty folder is kept",
			remove: []string{"C", "F"},
			edit: func(m *notes.Model, byTitle map[string]*notes.Node) {
				_, _ = m.AddNote(byTitle["F"], 0, "N", "", "")
			},
			wantMain:      []string{"X", "S", "F"},
			wantFolder:    []string{"N"},
			localDeleted:  1,
			remoteDeleted: 2,
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			m := newTree(t, nil)
			byTitle := map[string]*notes.Node{}
			x, err := m.AddNote(m.Main(), 0, "X", "https://x.example", "")
			require.NoError(t, err)
			sib, err := m.AddNote(m.Main(), 1, "S", "", "sibling")
			require.NoError(t, err)
			f, err := m.AddFolder(m.Main(), 2, "F")
			require.NoError(t, err)
			c, err := m.AddNote(f, 0, "C", "", "")
			require.NoError(t, err)
			for _, n := range []*notes.Node{x, sib, f, c} {
				byTitle[n.Title()] = n
			}

			d := newRemote(t)
			table := NewAssociationTable()
			associate(t, m, d, table)

			_, err = d.Update(ctx, remote.OriginServer, func(tx *remote.WriteTx) error {
				for _, title := range tc.remove {
					rid, _ := table.RemoteID(byTitle[title].ID())
					if err := tx.Remove(rid); err != nil {
						return err
					}
				}
				return nil
			})
			require.NoError(t, err)
			require.Len(t, d.DeleteJournal(), len(tc.remove))

			if tc.edit != nil {
				tc.edit(m, byTitle)
			}
			table = NewAssociationTable()
			res := associate(t, m, d, table)
			require.Empty(t, d.DeleteJournal())
			require.Equal(t, tc.localDeleted, res.LocalDeleted)
			require.Equal(t, tc.remoteDeleted, res.RemoteDeleted)

			main := tagged(t, d, remote.TagMain)
			require.Equal(t, tc.wantMain, localTitles(m, m.Main()))
			require.Equal(t, tc.wantMain, remoteTitles(t, d, main))
			if tc.wantFolder != nil {
				require.True(t, m.Contains(f))
				require.Equal(t, tc.wantFolder, localTitles(m, f))
				rf, ok := table.RemoteID(f.ID())
				require.True(t, ok)
				require.Equal(t, tc.wantFolder, remoteTitles(t, d, rf))
			} else {
				require.False(t, m.Contains(f))
			}
		})
	}
}

func TestAssociator_LocalVersionAhead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := notes.EmptyLoadDetails()
	d.SyncVersion = 5
	m := newTree(t, d)
	_, err := m.AddNote(m.Main(), 0, "kept", "", "")
	require.NoError(t, err)
	dir := newRemote(t)
	table := NewAssociationTable()

	_, err = NewAssociator(m, dir, table, nil).Associate(ctx)
	require.Error(t, err)
	require.True(t, errs.IsPersistence(err))
	require.ErrorIs(t, err, errs.ErrVersionConflict)
	require.Equal(t, 0, table.Len())

	require.NoError(t, m.ClearSyncVersions())
	require.Equal(t, model.InvalidVersion, m.Root().SyncVersion())
	res := associate(t, m, dir, table)
	require.False(t, res.FastPath)
	require.Equal(t, 1, res.RemoteAdded)
	require.Equal(t, dir.Version(), m.Root().SyncVersion())
	require.Equal(t, []string{"kept"}, remoteTitles(t, dir, tagged(t, dir, remote.TagMain)))

	again := associate(t, m, dir, table)
	require.True(t, again.FastPath)
	require.Zero(t, again.RemoteAdded)
}

func TestAssociator_NotLoaded(t *testing.T) {
	t.Parallel()
	_, err := NewAssociator(notes.NewModel(), newRemote(t), NewAssociationTable(), nil).Associate(context.Background())
	require.ErrorIs(t, err, errs.ErrNotLoaded)
}

type capture struct{ errs []error }

func (c *capture) OnUnrecoverableError(err error) { c.errs = append(c.errs, err) }

func started(t *testing.T) (*notes.Model, *remote.Directory, *AssociationTable, *ChangeProcessor, *capture) {
	t.Helper()
	m := newTree(t, nil)
	d := newRemote(t)
	table := NewAssociationTable()
	associate(t, m, d, table)
	c := &capture{}
	p := NewChangeProcessor(m, d, table, c, zaptest.NewLogger(t))
	p.Start(context.Background())
	t.Cleanup(p.Stop)
	return m, d, table, p, c
}

func TestChangeProcessor_LocalCreateAndMove(t *testing.T) {
	t.Parallel()
	m, d, table, _, c := started(t)
	main := tagged(t, d, remote.TagMain)

	n1, err := m.AddNote(m.Main(), 0, "N1", "https://1.example", "")
	require.NoError(t, err)
	kids := remoteKids(t, d, main)
	require.Len(t, kids, 1)
	require.Equal(t, n1.ID(), kids[0].ExternalID)
	require.Equal(t, d.Version(), n1.SyncVersion())

	_, err = m.AddNote(m.Main(), 1, "N2", "", "")
	require.NoError(t, err)
	_, err = m.AddNote(m.Main(), 2, "N3", "", "")
	require.NoError(t, err)
	require.Equal(t, []string{"N1", "N2", "N3"}, remoteTitles(t, d, main))

	require.NoError(t, m.Move(n1, m.Main(), 3))
	require.Equal(t, []string{"N2", "N3", "N1"}, localTitles(m, m.Main()))
	require.Equal(t, []string{"N2", "N3", "N1"}, remoteTitles(t, d, main))

	require.NoError(t, m.SetTitle(n1, "renamed"))
	require.Equal(t, "renamed", remoteKids(t, d, main)[2].Title)

	require.NoError(t, m.Move(n1, m.Other(), 0))
	require.Equal(t, []string{"renamed"}, remoteTitles(t, d, tagged(t, d, remote.TagOther)))
	require.Equal(t, d.Version(), m.Root().SyncVersion())
	require.Empty(t, c.errs)
	require.Equal(t, 6, table.Len())
}

func TestChangeProcessor_LocalSubtreeAndRemove(t *testing.T) {
	t.Parallel()
	m, d, table, _, c := started(t)
	main := tagged(t, d, remote.TagMain)

	f, err := m.AddNode(m.Main(), 0, &model.Entry{Kind: model.KindFolder, Title: "F", Children: []*model.Entry{
		{Kind: model.KindNote, Title: "a"},
		{Kind: model.KindNote, Title: "b"},
	}})
	require.NoError(t, err)
	rf, ok := table.RemoteID(f.ID())
	require.True(t, ok)
	require.Equal(t, []string{"a", "b"}, remoteTitles(t, d, rf))

	require.NoError(t, m.ReorderChildren(f, []*notes.Node{m.Child(f, 1), m.Child(f, 0)}))
	require.Equal(t, []string{"b", "a"}, remoteTitles(t, d, rf))

	require.NoError(t, m.Remove(f))
	require.Empty(t, remoteTitles(t, d, main))
	require.Equal(t, 3, table.Len())
	require.Empty(t, c.errs)
}

func TestChangeProcessor_ServerChanges(t *testing.T) {
	t.Parallel()
	m, d, table, _, c := started(t)
	main := tagged(t, d, remote.TagMain)

	var rf, ra, rb uuid.UUID
	_, err := d.Update(context.Background(), remote.OriginServer, func(tx *remote.WriteTx) error {
		var err error
		if rf, err = tx.Create(main, uuid.Nil, true, "F", model.RemotePayload{}); err != nil {
			return err
		}
		if ra, err = tx.Create(rf, uuid.Nil, false, "a", model.RemotePayload{URL: "https://a.example"}); err != nil {
			return err
		}
		rb, err = tx.Create(rf, ra, false, "b", model.RemotePayload{})
		return err
	})
	require.NoError(t, err)
	require.Empty(t, c.errs)

	require.Equal(t, []string{"F"}, localTitles(m, m.Main()))
	f := m.Child(m.Main(), 0)
	require.Equal(t, []string{"a", "b"}, localTitles(m, f))
	require.Equal(t, []int64{m.Child(f, 0).ID()}, m.NodesByURL("https://a.example"))
	la, _ := table.LocalID(ra)
	require.Equal(t, la, remoteKids(t, d, rf)[0].ExternalID, "external ids written back")
	require.Equal(t, d.Version(), m.Root().SyncVersion())

	_, err = d.Update(context.Background(), remote.OriginServer, func(tx *remote.WriteTx) error {
		if err := tx.Move(rb, rf, uuid.Nil); err != nil {
			return err
		}
		return tx.SetTitle(ra, "A")
	})
	require.NoError(t, err)
	require.Equal(t, []string{"b", "A"}, localTitles(m, f))

	_, err = d.Update(context.Background(), remote.OriginServer, func(tx *remote.WriteTx) error {
		_, err := tx.Create(rf, rb, false, "----", model.RemotePayload{Special: model.SpecialSeparator})
		return err
	})
	require.NoError(t, err)
	require.Equal(t, []string{"b", "A"}, localTitles(m, f), "separators stay remote")
	require.Empty(t, c.errs)
}

func TestChangeProcessor_ServerFolderDeleteKeepsMovedChild(t *testing.T) {
	t.Parallel()
	m, d, table, _, c := started(t)

	f, err := m.AddFolder(m.Main(), 0, "F")
	require.NoError(t, err)
	keep, err := m.AddNote(f, 0, "keep", "", "")
	require.NoError(t, err)
	rf, _ := table.RemoteID(f.ID())
	rk, _ := table.RemoteID(keep.ID())
	other := tagged(t, d, remote.TagOther)

	_, err = d.Update(context.Background(), remote.OriginServer, func(tx *remote.WriteTx) error {
		if err := tx.Move(rk, other, uuid.Nil); err != nil {
			return err
		}
		return tx.Remove(rf)
	})
	require.NoError(t, err)
	require.Empty(t, c.errs)
	require.Empty(t, localTitles(m, m.Main()))
	require.Equal(t, []string{"keep"}, localTitles(m, m.Other()), "no recovery folder left behind")
}

func TestChangeProcessor_OrphanStopsSync(t *testing.T) {
	t.Parallel()
	m, d, table, p, c := started(t)

	f, err := m.AddFolder(m.Main(), 0, "F")
	require.NoError(t, err)
	rf, _ := table.RemoteID(f.ID())

	p.Stop()
	_, err = m.AddNote(f, 0, "unsynced", "", "")
	require.NoError(t, err)
	p.Start(context.Background())

	_, err = d.Update(context.Background(), remote.OriginServer, func(tx *remote.WriteTx) error {
		return tx.Remove(rf)
	})
	require.NoError(t, err)
	require.Len(t, c.errs, 1)
	require.ErrorIs(t, c.errs[0], errs.ErrInvariant)
	require.True(t, p.Stopped())
	require.Equal(t, []string{FosterTitle}, localTitles(m, m.Other()))

	_, err = m.AddNote(m.Main(), 0, "ignored", "", "")
	require.NoError(t, err)
	require.Empty(t, remoteTitles(t, d, tagged(t, d, remote.TagMain)))
}

func TestChangeProcessor_UnknownParentFails(t *testing.T) {
	t.Parallel()
	m, d, table, p, c := started(t)

	f, err := m.AddFolder(m.Main(), 0, "F")
	require.NoError(t, err)
	child, err := m.AddNote(f, 0, "child", "", "")
	require.NoError(t, err)
	rc, _ := table.RemoteID(child.ID())
	table.DisassociateLocal(f.ID())

	_, err = d.Update(context.Background(), remote.OriginServer, func(tx *remote.WriteTx) error {
		return tx.SetTitle(rc, "renamed")
	})
	require.NoError(t, err)
	require.Len(t, c.errs, 1)
	require.True(t, errs.IsDatatype(c.errs[0]))
	require.True(t, p.Stopped())
	require.Equal(t, "child", child.Title())
}

func TestChangeProcessor_CreatesUnsyncedNodesOnDemand(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, d, table, p, c := started(t)
	main := tagged(t, d, remote.TagMain)

	p.Stop()
	u, err := m.AddNote(m.Main(), 0, "u", "", "")
	require.NoError(t, err)
	uf, err := m.AddFolder(m.Main(), 1, "uf")
	require.NoError(t, err)
	_, err = m.AddNote(uf, 0, "uc", "", "")
	require.NoError(t, err)
	p.Start(ctx)
	require.Empty(t, remoteTitles(t, d, main))

	require.NoError(t, m.SetTitle(u, "edited"))
	require.Equal(t, []string{"edited"}, remoteTitles(t, d, main))
	require.Equal(t, d.Version(), u.SyncVersion())

	// the unsynced predecessor is created first
	_, err = m.AddNote(m.Main(), 2, "after", "", "")
	require.NoError(t, err)
	require.Equal(t, []string{"edited", "uf", "after"}, remoteTitles(t, d, main))
	ruf, ok := table.RemoteID(uf.ID())
	require.True(t, ok)
	require.Equal(t, []string{"uc"}, remoteTitles(t, d, ruf))

	p.Stop()
	late, err := m.AddNote(m.Main(), 3, "late", "", "")
	require.NoError(t, err)
	p.Start(ctx)
	require.NoError(t, m.Move(late, m.Main(), 0))
	require.Equal(t, []string{"late", "edited", "uf", "after"}, remoteTitles(t, d, main))
	require.Equal(t, localTitles(m, m.Main()), remoteTitles(t, d, main))

	require.Empty(t, c.errs)
	require.False(t, p.Stopped())
	require.Equal(t, 8, table.Len())

	// a node whose parent cannot be resolved still stops sync
	table.DisassociateLocal(m.Other().ID())
	_, err = m.AddNote(m.Other(), 0, "stray", "", "")
	require.NoError(t, err)
	require.Len(t, c.errs, 1)
	require.True(t, errs.IsDatatype(c.errs[0]))
	require.ErrorIs(t, c.errs[0], errs.ErrNotFound)
	require.True(t, p.Stopped())
}
