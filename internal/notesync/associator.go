package notesync

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/and161185/notesync/internal/errs"
	"github.com/and161185/notesync/internal/model"
	"github.com/and161185/notesync/internal/notes"
	"github.com/and161185/notesync/internal/remote"
)

// MergeResult reports what one association pass did on each side.
type MergeResult struct {
	LocalBefore, LocalAfter   int
	RemoteBefore, RemoteAfter int

	LocalAdded, LocalModified, LocalDeleted int
	RemoteAdded, RemoteModified             int
	// RemoteDeleted counts deletions taken from the delete journal.
	RemoteDeleted int

	Duplicates int
	FastPath   bool
	Version    int64
}

func (r *MergeResult) fields() []zap.Field {
	return []zap.Field{
		zap.Int("local_before", r.LocalBefore),
		zap.Int("local_after", r.LocalAfter),
		zap.Int("remote_before", r.RemoteBefore),
		zap.Int("remote_after", r.RemoteAfter),
		zap.Int("local_added", r.LocalAdded),
		zap.Int("local_modified", r.LocalModified),
		zap.Int("local_deleted", r.LocalDeleted),
		zap.Int("remote_added", r.RemoteAdded),
		zap.Int("remote_modified", r.RemoteModified),
		zap.Int("remote_deleted", r.RemoteDeleted),
		zap.Int("duplicates", r.Duplicates),
		zap.Bool("fast_path", r.FastPath),
		zap.Int64("version", r.Version),
	}
}

// Associator reconciles a freshly loaded tree with the remote directory.
type Associator struct {
	log   *zap.Logger
	model *notes.Model
	dir   *remote.Directory
	table *AssociationTable
}

// NewAssociator wires an associator. A nil logger disables logging.
func NewAssociator(m *notes.Model, dir *remote.Directory, table *AssociationTable, log *zap.Logger) *Associator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Associator{log: log, model: m, dir: dir, table: table}
}

// pending is a local node that has no remote counterpart yet.
type pending struct {
	node   *notes.Node
	parent uuid.UUID
	pred   uuid.UUID
}

// mergeFrame is one associated folder pair awaiting its children.
type mergeFrame struct {
	local  *notes.Node
	remote uuid.UUID
}

type pass struct {
	*Associator
	ctx   context.Context
	rt    *remoteTree
	res   *MergeResult
	fast  bool
	extra []pending
	// versions to stamp on local nodes updated from remote data
	updated map[int64]int64
}

// Associate pairs every local node with a remote node, creating what is
// missing on either side. It aborts with a persistence error when the local
// tree claims a newer version than the directory.
func (a *Associator) Associate(ctx context.Context) (*MergeResult, error) {
	if !a.model.Loaded() {
		return nil, errs.ErrNotLoaded
	}
	localVer := a.model.Root().SyncVersion()
	remoteVer := a.dir.Version()
	if localVer != model.InvalidVersion && localVer > remoteVer {
		return nil, errs.Persistence("associate",
			fmt.Errorf("local version %d ahead of remote %d: %w", localVer, remoteVer, errs.ErrVersionConflict))
	}

	a.table.Clear()
	p := &pass{
		Associator: a,
		ctx:        ctx,
		res:        &MergeResult{FastPath: localVer == remoteVer},
		fast:       localVer == remoteVer,
		updated:    make(map[int64]int64),
	}
	p.res.LocalBefore = a.model.Len() - 3

	a.model.BeginExtensiveChanges()
	err := p.run()
	a.model.EndExtensiveChanges()
	if err != nil {
		a.log.Error("association failed", zap.Error(err))
		return nil, err
	}

	p.res.LocalAfter = a.model.Len() - 3
	p.res.Duplicates = countDuplicates(a.model)
	if rt, err := readRemoteTree(ctx, a.dir); err == nil {
		p.res.RemoteAfter = rt.userCount()
	}
	p.res.Version = a.model.Root().SyncVersion()
	a.log.Info("notes associated", p.res.fields()...)
	return p.res, nil
}

func (p *pass) run() error {
	if err := p.applyDeleteJournal(); err != nil {
		return err
	}

	rt, err := readRemoteTree(p.ctx, p.dir)
	if err != nil {
		return err
	}
	p.rt = rt
	p.res.RemoteBefore = rt.userCount()

	m := p.model
	stack := []mergeFrame{
		{m.Trash(), rt.perm[remote.TagTrash]},
		{m.Other(), rt.perm[remote.TagOther]},
		{m.Main(), rt.perm[remote.TagMain]},
	}
	for _, f := range stack {
		p.table.Associate(f.local.ID(), f.remote)
	}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		folders, err := p.mergeChildren(f)
		if err != nil {
			return err
		}
		for i := len(folders) - 1; i >= 0; i-- {
			stack = append(stack, folders[i])
		}
	}
	return p.commitRemote()
}

// mergeChildren matches the remote children of one folder pair against the
// local children and returns the child folder pairs to descend into.
func (p *pass) mergeChildren(f mergeFrame) ([]mergeFrame, error) {
	m := p.model
	finder := newTitleFinder(m.Children(f.local))
	var folders []mergeFrame
	index := 0
	for _, rid := range p.rt.children[f.remote] {
		rn := p.rt.nodes[rid]
		if rn.Payload.Special == model.SpecialSeparator {
			p.log.Debug("skipping remote separator", zap.String("remote_id", rid.String()))
			continue
		}
		n := finder.take(rn)
		if n == nil {
			created, err := m.AddNode(f.local, index, entryFromRemote(rn))
			if err != nil {
				return nil, errs.Datatype("associate: create local", err)
			}
			n = created
			p.res.LocalAdded++
			p.updated[n.ID()] = rn.Version
		} else {
			if err := m.Move(n, f.local, index); err != nil {
				return nil, errs.Datatype("associate: position local", err)
			}
			if !p.fast || n.SyncVersion() != rn.Version {
				changed, err := applyRemoteFields(m, n, rn)
				if err != nil {
					return nil, errs.Datatype("associate: update local", err)
				}
				if changed {
					p.res.LocalModified++
				}
			}
			if n.SyncVersion() != rn.Version {
				p.updated[n.ID()] = rn.Version
			}
		}
		index++

		p.table.Associate(n.ID(), rid)
		if rn.ExternalID != n.ID() {
			p.table.MarkDirty(rid)
		}
		if n.IsFolder() {
			folders = append(folders, mergeFrame{n, rid})
		}
	}

	// Whatever stayed unmatched is unknown remotely. Extras sit after the
	// matched children, in local order.
	pred := uuid.Nil
	if kids := p.rt.children[f.remote]; len(kids) > 0 {
		pred = kids[len(kids)-1]
	}
	for _, n := range m.Children(f.local)[index:] {
		p.extra = append(p.extra, pending{node: n, parent: f.remote, pred: pred})
		pred = uuid.Nil // chained at commit time
	}
	return folders, nil
}

// commitRemote creates the extra local subtrees remotely and rewrites stale
// external ids, all in one transaction, then stamps versions locally.
func (p *pass) commitRemote() error {
	m := p.model
	type pair struct {
		local  int64
		remote uuid.UUID
	}
	var created []pair
	dirty := p.table.Dirty()

	if len(p.extra) > 0 || len(dirty) > 0 {
		_, err := p.dir.Update(p.ctx, remote.OriginLocal, func(tx *remote.WriteTx) error {
			created = created[:0]
			var last uuid.UUID
			var lastParent uuid.UUID
			for _, x := range p.extra {
				pred := x.pred
				if x.parent == lastParent && last != uuid.Nil {
					pred = last
				}
				id, err := p.pushSubtree(tx, x.node, x.parent, pred, func(l int64, r uuid.UUID) {
					created = append(created, pair{l, r})
				})
				if err != nil {
					return err
				}
				last, lastParent = id, x.parent
			}
			for _, rid := range dirty {
				local, ok := p.table.LocalID(rid)
				if !ok {
					continue
				}
				if err := tx.SetExternalID(rid, local); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, c := range created {
			p.table.Associate(c.local, c.remote)
		}
		p.table.ClearDirty(dirty...)
		p.res.RemoteAdded += len(created)
		p.res.RemoteModified += len(dirty)
	}

	// Stamp every local node with the version of the remote node it mirrors.
	err := p.dir.View(p.ctx, func(tx *remote.ReadTx) error {
		for _, c := range created {
			if rn, err := tx.Lookup(c.remote); err == nil {
				p.updated[c.local] = rn.Version
			}
		}
		for _, rid := range dirty {
			if local, ok := p.table.LocalID(rid); ok {
				if rn, err := tx.Lookup(rid); err == nil {
					p.updated[local] = rn.Version
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for id, v := range p.updated {
		if n := m.Node(id); n != nil {
			_ = m.SetSyncVersion(n, v)
		}
	}
	return m.SetSyncVersion(m.Root(), p.dir.Version())
}

// pushSubtree creates n and its descendants under parent after pred.
func (p *pass) pushSubtree(tx *remote.WriteTx, n *notes.Node, parent, pred uuid.UUID, record func(int64, uuid.UUID)) (uuid.UUID, error) {
	id, err := tx.Create(parent, pred, n.IsFolder(), n.Title(), payloadOf(n))
	if err != nil {
		return uuid.Nil, err
	}
	if err := tx.SetExternalID(id, n.ID()); err != nil {
		return uuid.Nil, err
	}
	record(n.ID(), id)
	childPred := uuid.Nil
	for _, c := range p.model.Children(n) {
		cid, err := p.pushSubtree(tx, c, id, childPred, record)
		if err != nil {
			return uuid.Nil, err
		}
		childPred = cid
	}
	return id, nil
}

// applyDeleteJournal removes local nodes whose remote counterparts were
// deleted while nobody listened. Children go before parents; a folder goes
// only if it ended up empty. The journal is purged either way.
func (p *pass) applyDeleteJournal() error {
	journal := p.dir.DeleteJournal()
	if len(journal) == 0 {
		return nil
	}
	// every tombstone is a server-side deletion seen by this pass
	p.res.RemoteDeleted = len(journal)
	m := p.model
	byLocal := make(map[int64]model.Tombstone, len(journal))
	ids := make([]uuid.UUID, 0, len(journal))
	for _, t := range journal {
		ids = append(ids, t.RemoteID)
		if t.ExternalID != 0 {
			byLocal[t.ExternalID] = t
		}
	}

	var order []*notes.Node
	for _, perm := range []*notes.Node{m.Main(), m.Other(), m.Trash()} {
		order = append(order, postOrder(m, perm)...)
	}
	for _, n := range order {
		if n.IsPermanent() {
			continue
		}
		t, ok := byLocal[n.ID()]
		if !ok {
			continue
		}
		if !tombstoneMatches(t, n) {
			p.log.Warn("stale tombstone", zap.Int64("local_id", n.ID()), zap.String("remote_id", t.RemoteID.String()))
			continue
		}
		if n.IsFolder() && n.ChildCount() > 0 {
			p.log.Warn("tombstoned folder not empty, kept", zap.Int64("local_id", n.ID()))
			continue
		}
		if err := m.Remove(n); err != nil {
			return errs.Datatype("apply delete journal", err)
		}
		p.res.LocalDeleted++
	}
	return p.dir.PurgeJournal(p.ctx, ids...)
}

func tombstoneMatches(t model.Tombstone, n *notes.Node) bool {
	return t.IsFolder == n.IsFolder() &&
		t.Title == n.Title() &&
		t.Payload.URL == n.URL() &&
		t.Payload.Content == n.Content() &&
		t.Payload.Special == model.SpecialNone
}

// postOrder lists the subtree of root children-first.
func postOrder(m *notes.Model, root *notes.Node) []*notes.Node {
	var out []*notes.Node
	type frame struct {
		n    *notes.Node
		next int
	}
	stack := []frame{{n: root}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < top.n.ChildCount() {
			c := m.Child(top.n, top.next)
			top.next++
			stack = append(stack, frame{n: c})
			continue
		}
		out = append(out, top.n)
		stack = stack[:len(stack)-1]
	}
	return out
}

// countDuplicates counts user nodes sharing title, content and URL with an
// earlier node. Duplicates are reported, never merged.
func countDuplicates(m *notes.Model) int {
	seen := make(map[string]struct{})
	dups := 0
	m.Walk(m.Root(), func(n *notes.Node) bool {
		if n.IsPermanent() {
			return true
		}
		h, _ := blake2b.New256(nil)
		for _, f := range []string{n.Kind().String(), n.Title(), n.Content(), n.URL()} {
			h.Write([]byte(f))
			h.Write([]byte{0})
		}
		key := hex.EncodeToString(h.Sum(nil))
		if _, ok := seen[key]; ok {
			dups++
		} else {
			seen[key] = struct{}{}
		}
		return true
	})
	return dups
}

// titleFinder buckets unmatched local children by title.
type titleFinder struct {
	buckets map[string][]*notes.Node
}

func newTitleFinder(children []*notes.Node) *titleFinder {
	f := &titleFinder{buckets: make(map[string][]*notes.Node)}
	for _, c := range children {
		f.buckets[c.Title()] = append(f.buckets[c.Title()], c)
	}
	return f
}

// take removes and returns the best local match for rn: same kind and URL,
// preferring an external id match, then a content match, then the first
// candidate in local order.
func (f *titleFinder) take(rn model.RemoteNode) *notes.Node {
	bucket := f.buckets[rn.Title]
	best := -1
	for i, n := range bucket {
		if n.IsFolder() != rn.IsFolder || n.URL() != rn.Payload.URL {
			continue
		}
		if rn.ExternalID != 0 && n.ID() == rn.ExternalID {
			best = i
			break
		}
		if best < 0 || (n.Content() == rn.Payload.Content && bucket[best].Content() != rn.Payload.Content) {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	n := bucket[best]
	f.buckets[rn.Title] = append(bucket[:best:best], bucket[best+1:]...)
	return n
}
