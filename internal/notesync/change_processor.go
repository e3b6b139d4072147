package notesync

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/notesync/internal/errs"
	"github.com/and161185/notesync/internal/model"
	"github.com/and161185/notesync/internal/notes"
	"github.com/and161185/notesync/internal/remote"
)

// FosterTitle names the folder that temporarily holds local children of
// remotely deleted folders.
const FosterTitle = "Recovered notes"

// ErrorHandler is told once when synchronization hits an error it cannot
// recover from. The processor stops before the call.
type ErrorHandler interface {
	OnUnrecoverableError(err error)
}

// ErrorHandlerFunc adapts a function to ErrorHandler.
type ErrorHandlerFunc func(error)

// OnUnrecoverableError calls f(err).
func (f ErrorHandlerFunc) OnUnrecoverableError(err error) { f(err) }

// ChangeProcessor mirrors local tree edits into the directory and applies
// server-side directory changes to the tree. Run it after a successful
// Associate. Local and server events must not be delivered concurrently.
type ChangeProcessor struct {
	notes.BaseObserver

	log   *zap.Logger
	model *notes.Model
	dir   *remote.Directory
	table *AssociationTable
	errh  ErrorHandler

	ctx     context.Context
	muted   bool
	started bool
	stopped bool
}

// NewChangeProcessor wires a processor. errh may be nil.
func NewChangeProcessor(m *notes.Model, dir *remote.Directory, table *AssociationTable, errh ErrorHandler, log *zap.Logger) *ChangeProcessor {
	if log == nil {
		log = zap.NewNop()
	}
	return &ChangeProcessor{log: log, model: m, dir: dir, table: table, errh: errh}
}

// Start subscribes to both sides. ctx bounds every directory transaction
// issued from callbacks.
func (p *ChangeProcessor) Start(ctx context.Context) {
	if p.started {
		return
	}
	p.ctx, p.started, p.stopped = ctx, true, false
	p.model.AddObserver(p)
	p.dir.AddListener(p)
}

// Stop unsubscribes. It is safe to call more than once.
func (p *ChangeProcessor) Stop() {
	p.stopped = true
	if !p.started {
		return
	}
	p.started = false
	p.model.RemoveObserver(p)
	p.dir.RemoveListener(p)
}

// Stopped reports whether the processor is not running, because it was never
// started, was stopped or hit an error.
func (p *ChangeProcessor) Stopped() bool { return p.stopped || !p.started }

func (p *ChangeProcessor) skip() bool { return p.muted || p.stopped || !p.started }

func (p *ChangeProcessor) fail(err error) {
	if p.stopped {
		return
	}
	p.log.Error("notes sync stopped", zap.Error(err))
	p.Stop()
	if p.errh != nil {
		p.errh.OnUnrecoverableError(err)
	}
}

// update runs fn as a local-origin commit and stamps the commit version on
// the returned local nodes and the root. A failed persistence step keeps the
// in-memory commit, so associations made by fn are still applied.
func (p *ChangeProcessor) update(op string, fn func(tx *remote.WriteTx) (assoc map[int64]uuid.UUID, stamp []int64, err error)) {
	var (
		assoc map[int64]uuid.UUID
		stamp []int64
	)
	v, err := p.dir.Update(p.ctx, remote.OriginLocal, func(tx *remote.WriteTx) error {
		var e error
		assoc, stamp, e = fn(tx)
		return e
	})
	if err != nil && !errs.IsPersistence(err) {
		var se *errs.SyncError
		if !errors.As(err, &se) {
			err = errs.Datatype(op, err)
		}
		p.fail(err)
		return
	}
	for l, r := range assoc {
		p.table.Associate(l, r)
	}
	for _, id := range stamp {
		if n := p.model.Node(id); n != nil {
			_ = p.model.SetSyncVersion(n, v)
		}
	}
	_ = p.model.SetSyncVersion(p.model.Root(), v)
	if err != nil {
		p.fail(err)
	}
}

// localTx resolves local nodes to remote ids inside one write transaction,
// creating the remote counterparts that do not exist yet.
type localTx struct {
	p     *ChangeProcessor
	tx    *remote.WriteTx
	op    string
	assoc map[int64]uuid.UUID
	stamp []int64
}

func (p *ChangeProcessor) begin(op string, tx *remote.WriteTx) *localTx {
	return &localTx{p: p, tx: tx, op: op, assoc: make(map[int64]uuid.UUID)}
}

func (t *localTx) done(err error) (map[int64]uuid.UUID, []int64, error) {
	return t.assoc, t.stamp, err
}

func (t *localTx) lookup(n *notes.Node) (uuid.UUID, bool) {
	if id, ok := t.assoc[n.ID()]; ok {
		return id, true
	}
	return t.p.table.RemoteID(n.ID())
}

// resolve returns the remote id of n. An unassociated user node is created
// remotely after its local predecessor, together with its subtree. An
// unassociated permanent folder cannot be resolved.
func (t *localTx) resolve(n *notes.Node) (uuid.UUID, error) {
	if id, ok := t.lookup(n); ok {
		return id, nil
	}
	m := t.p.model
	parent := m.Parent(n)
	if parent == nil || n.IsPermanent() {
		return uuid.Nil, errs.Datatype(t.op, fmt.Errorf("local node %d unassociated: %w", n.ID(), errs.ErrNotFound))
	}
	prid, err := t.resolve(parent)
	if err != nil {
		return uuid.Nil, err
	}
	// resolving an unassociated parent pushes n with it
	if id, ok := t.lookup(n); ok {
		return id, nil
	}
	pred, err := t.predecessor(parent, m.IndexOf(n))
	if err != nil {
		return uuid.Nil, err
	}
	t.p.log.Debug("creating unsynced node", zap.String("op", t.op), zap.Int64("id", n.ID()))
	return t.push(n, prid, pred)
}

// predecessor returns the remote id of the sibling before index, or uuid.Nil.
func (t *localTx) predecessor(parent *notes.Node, index int) (uuid.UUID, error) {
	if index <= 0 {
		return uuid.Nil, nil
	}
	return t.resolve(t.p.model.Child(parent, index-1))
}

// push creates n under parent after pred, then places its children. Children
// that already have a remote counterpart are moved rather than recreated.
func (t *localTx) push(n *notes.Node, parent, pred uuid.UUID) (uuid.UUID, error) {
	id, err := t.tx.Create(parent, pred, n.IsFolder(), n.Title(), payloadOf(n))
	if err != nil {
		return uuid.Nil, err
	}
	if err := t.tx.SetExternalID(id, n.ID()); err != nil {
		return uuid.Nil, err
	}
	t.assoc[n.ID()] = id
	t.stamp = append(t.stamp, n.ID())
	prev := uuid.Nil
	for _, c := range t.p.model.Children(n) {
		cid, ok := t.lookup(c)
		if ok {
			if err := t.tx.Move(cid, id, prev); err != nil {
				return uuid.Nil, err
			}
			t.stamp = append(t.stamp, c.ID())
		} else if cid, err = t.push(c, id, prev); err != nil {
			return uuid.Nil, err
		}
		prev = cid
	}
	return id, nil
}

// NodeAdded creates the new subtree remotely.
func (p *ChangeProcessor) NodeAdded(m *notes.Model, parent *notes.Node, index int) {
	if p.skip() {
		return
	}
	n := m.Child(parent, index)
	p.update("create", func(tx *remote.WriteTx) (map[int64]uuid.UUID, []int64, error) {
		t := p.begin("create", tx)
		_, err := t.resolve(n)
		return t.done(err)
	})
}

// NodeRemoved deletes the remote counterpart and everything below it.
func (p *ChangeProcessor) NodeRemoved(_ *notes.Model, _ *notes.Node, _ int, removed *notes.Subtree) {
	if p.skip() {
		return
	}
	p.removeSubtrees([]*notes.Subtree{removed})
}

// AllUserNodesRemoved deletes every remote user node.
func (p *ChangeProcessor) AllUserNodesRemoved(_ *notes.Model, removed []*notes.Subtree) {
	if p.skip() {
		return
	}
	p.removeSubtrees(removed)
}

func (p *ChangeProcessor) removeSubtrees(subs []*notes.Subtree) {
	var gone []uuid.UUID
	p.update("remove", func(tx *remote.WriteTx) (map[int64]uuid.UUID, []int64, error) {
		gone = gone[:0]
		for _, s := range subs {
			rid, ok := p.table.RemoteID(s.Root.ID())
			if !ok {
				continue
			}
			order, err := remotePostOrder(tx, rid)
			if err != nil {
				return nil, nil, err
			}
			for _, id := range order {
				if err := tx.Remove(id); err != nil {
					return nil, nil, err
				}
				gone = append(gone, id)
			}
		}
		return nil, nil, nil
	})
	for _, id := range gone {
		p.table.DisassociateRemote(id)
	}
	for _, s := range subs {
		for _, n := range s.PostOrder() {
			p.table.DisassociateLocal(n.ID())
		}
	}
}

// remotePostOrder lists the remote subtree at id children-first.
func remotePostOrder(tx *remote.WriteTx, id uuid.UUID) ([]uuid.UUID, error) {
	var out []uuid.UUID
	kids, err := tx.ChildIDs(id)
	if err != nil {
		return nil, err
	}
	for _, k := range kids {
		sub, err := remotePostOrder(tx, k)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return append(out, id), nil
}

// NodeChanged pushes title and payload.
func (p *ChangeProcessor) NodeChanged(_ *notes.Model, n *notes.Node) {
	if p.skip() || n.IsPermanent() {
		return
	}
	p.pushFields(n)
}

// AttachmentsChanged pushes the attachment references.
func (p *ChangeProcessor) AttachmentsChanged(_ *notes.Model, n *notes.Node) {
	if p.skip() || n.IsPermanent() {
		return
	}
	p.pushFields(n)
}

func (p *ChangeProcessor) pushFields(n *notes.Node) {
	p.update("change", func(tx *remote.WriteTx) (map[int64]uuid.UUID, []int64, error) {
		t := p.begin("change", tx)
		if _, ok := t.lookup(n); !ok {
			_, err := t.resolve(n)
			return t.done(err)
		}
		rid, _ := t.lookup(n)
		if err := tx.SetTitle(rid, n.Title()); err != nil {
			return t.done(err)
		}
		if err := tx.SetPayload(rid, payloadOf(n)); err != nil {
			return t.done(err)
		}
		t.stamp = append(t.stamp, n.ID())
		return t.done(nil)
	})
}

// NodeMoved repositions the remote node after its new local predecessor.
func (p *ChangeProcessor) NodeMoved(m *notes.Model, _ *notes.Node, _ int, newParent *notes.Node, newIndex int) {
	if p.skip() {
		return
	}
	n := m.Child(newParent, newIndex)
	p.update("move", func(tx *remote.WriteTx) (map[int64]uuid.UUID, []int64, error) {
		t := p.begin("move", tx)
		rid, ok := t.lookup(n)
		if !ok {
			// created in place
			_, err := t.resolve(n)
			return t.done(err)
		}
		prid, err := t.resolve(newParent)
		if err != nil {
			return t.done(err)
		}
		pred, err := t.predecessor(newParent, newIndex)
		if err != nil {
			return t.done(err)
		}
		if err := tx.Move(rid, prid, pred); err != nil {
			return t.done(err)
		}
		t.stamp = append(t.stamp, n.ID())
		return t.done(nil)
	})
}

// ChildrenReordered replays the full local order remotely.
func (p *ChangeProcessor) ChildrenReordered(m *notes.Model, parent *notes.Node) {
	if p.skip() {
		return
	}
	p.update("reorder", func(tx *remote.WriteTx) (map[int64]uuid.UUID, []int64, error) {
		t := p.begin("reorder", tx)
		prid, err := t.resolve(parent)
		if err != nil {
			return t.done(err)
		}
		pred := uuid.Nil
		for _, c := range m.Children(parent) {
			rid, err := t.resolve(c)
			if err != nil {
				return t.done(err)
			}
			if err := tx.Move(rid, prid, pred); err != nil {
				return t.done(err)
			}
			t.stamp = append(t.stamp, c.ID())
			pred = rid
		}
		return t.done(nil)
	})
}

// BeingDeleted stops the processor; the tree is going away.
func (p *ChangeProcessor) BeingDeleted(*notes.Model) { p.Stop() }

// ApplyChanges applies one server-origin commit to the tree.
func (p *ChangeProcessor) ApplyChanges(ctx context.Context, version int64, changes []remote.ChangeRecord) {
	if p.stopped || !p.started {
		return
	}
	m := p.model
	p.muted = true
	m.BeginExtensiveChanges()
	created, err := p.applyBatch(ctx, version, changes)
	m.EndExtensiveChanges()
	p.muted = false
	if err != nil {
		p.fail(err)
		return
	}
	if len(created) == 0 {
		return
	}

	// Record local ids on the nodes created here so a later association can
	// recognize them.
	p.update("write external ids", func(tx *remote.WriteTx) (map[int64]uuid.UUID, []int64, error) {
		stamp := make([]int64, 0, len(created))
		for rid, local := range created {
			if err := tx.SetExternalID(rid, local); err != nil {
				return nil, nil, err
			}
			stamp = append(stamp, local)
		}
		return nil, stamp, nil
	})
}

func (p *ChangeProcessor) applyBatch(ctx context.Context, version int64, changes []remote.ChangeRecord) (map[uuid.UUID]int64, error) {
	const op = "apply remote changes"
	m := p.model
	created := make(map[uuid.UUID]int64)
	var foster *notes.Node

	for _, c := range changes {
		if c.Type != remote.ChangeDelete {
			continue
		}
		lid, ok := p.table.LocalID(c.Node.ID)
		if !ok {
			continue
		}
		p.table.DisassociateRemote(c.Node.ID)
		n := m.Node(lid)
		if n == nil || n.IsPermanent() {
			continue
		}
		for n.ChildCount() > 0 {
			if foster == nil {
				f, err := m.AddFolder(m.Other(), m.Other().ChildCount(), FosterTitle)
				if err != nil {
					return nil, errs.Datatype(op, err)
				}
				foster = f
			}
			if err := m.Move(m.Child(n, 0), foster, foster.ChildCount()); err != nil {
				return nil, errs.Datatype(op, err)
			}
		}
		if err := m.Remove(n); err != nil {
			return nil, errs.Datatype(op, err)
		}
	}

	parents := make(map[uuid.UUID]*notes.Node)
	var parentOrder []uuid.UUID
	stamps := make(map[int64]int64)
	for _, c := range changes {
		if c.Type == remote.ChangeDelete {
			continue
		}
		rn := c.Node
		if rn.ServerTag != "" {
			continue
		}
		if rn.Payload.Special == model.SpecialSeparator {
			p.log.Debug("skipping remote separator", zap.String("remote_id", rn.ID.String()))
			continue
		}
		plid, ok := p.table.LocalID(rn.ParentID)
		parent := m.Node(plid)
		if !ok || parent == nil {
			return nil, errs.Datatype(op, fmt.Errorf("parent %s of %s unknown locally: %w", rn.ParentID, rn.ID, errs.ErrInvariant))
		}
		if _, seen := parents[rn.ParentID]; !seen {
			parents[rn.ParentID] = parent
			parentOrder = append(parentOrder, rn.ParentID)
		}

		var n *notes.Node
		if lid, ok := p.table.LocalID(rn.ID); ok {
			n = m.Node(lid)
		}
		if n == nil {
			e := entryFromRemote(rn)
			added, err := m.AddNode(parent, parent.ChildCount(), e)
			if err != nil {
				return nil, errs.Datatype(op, err)
			}
			p.table.Associate(added.ID(), rn.ID)
			created[rn.ID] = added.ID()
			stamps[added.ID()] = rn.Version
			continue
		}
		if n.IsFolder() != rn.IsFolder {
			return nil, errs.Datatype(op, fmt.Errorf("node %s changed kind: %w", rn.ID, errs.ErrInvariant))
		}
		if _, err := applyRemoteFields(m, n, rn); err != nil {
			return nil, errs.Datatype(op, err)
		}
		if m.Parent(n) != parent {
			if err := m.Move(n, parent, parent.ChildCount()); err != nil {
				return nil, errs.Datatype(op, err)
			}
		}
		stamps[n.ID()] = rn.Version
	}

	if err := p.positionChildren(ctx, parentOrder, parents); err != nil {
		return nil, err
	}

	if foster != nil {
		if foster.ChildCount() > 0 {
			return nil, errs.Datatype(op, fmt.Errorf("%d local nodes orphaned by remote folder deletes: %w",
				foster.ChildCount(), errs.ErrInvariant))
		}
		if err := m.Remove(foster); err != nil {
			return nil, errs.Datatype(op, err)
		}
	}

	for id, v := range stamps {
		if n := m.Node(id); n != nil {
			_ = m.SetSyncVersion(n, v)
		}
	}
	_ = m.SetSyncVersion(m.Root(), version)
	return created, nil
}

// positionChildren orders the local children of each parent after the
// committed remote order. Unassociated local children keep their relative
// order at the end.
func (p *ChangeProcessor) positionChildren(ctx context.Context, order []uuid.UUID, parents map[uuid.UUID]*notes.Node) error {
	m := p.model
	orders := make(map[uuid.UUID][]uuid.UUID, len(order))
	err := p.dir.View(ctx, func(tx *remote.ReadTx) error {
		for _, rid := range order {
			kids, err := tx.ChildIDs(rid)
			if err != nil {
				return err
			}
			orders[rid] = kids
		}
		return nil
	})
	if err != nil {
		return errs.Datatype("position children", err)
	}
	for _, rid := range order {
		parent := parents[rid]
		idx := 0
		for _, kid := range orders[rid] {
			lid, ok := p.table.LocalID(kid)
			if !ok {
				continue
			}
			n := m.Node(lid)
			if n == nil || m.Parent(n) != parent {
				continue
			}
			if err := m.Move(n, parent, idx); err != nil {
				return errs.Datatype("position children", err)
			}
			idx++
		}
	}
	return nil
}
