// Package remote is the local mirror of the sync service's node graph for the
// notes type. Reads and writes happen in transactions; every write commit that
// changes something advances the directory version by one.
package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/notesync/internal/errs"
	"github.com/and161185/notesync/internal/model"
	"github.com/and161185/notesync/internal/repository"
)

// Server tags of the permanent folders.
const (
	TagTypeRoot = "notes"
	TagMain     = "main_notes"
	TagOther    = "other_notes"
	TagTrash    = "trash_notes"
)

// Origin tells who issued a write transaction.
type Origin int

const (
	// OriginLocal marks writes made on behalf of the local tree.
	OriginLocal Origin = iota
	// OriginServer marks updates applied from the sync service.
	OriginServer
)

func (o Origin) String() string {
	if o == OriginServer {
		return "server"
	}
	return "local"
}

// ChangeListener receives the changes of server-origin commits. It runs on the
// committing goroutine after the directory lock is released, so it may open
// its own transactions.
type ChangeListener interface {
	ApplyChanges(ctx context.Context, version int64, changes []ChangeRecord)
}

type node struct {
	model.RemoteNode
	children []uuid.UUID
}

func (n *node) clone() *node {
	c := *n
	c.children = append([]uuid.UUID(nil), n.children...)
	c.Payload.Attachments = append([]model.Attachment(nil), n.Payload.Attachments...)
	return &c
}

// Directory holds the remote graph.
type Directory struct {
	log     *zap.Logger
	repo    repository.DirectoryRepository
	account string
	guid    uuid.UUID

	mu      sync.RWMutex
	nodes   map[uuid.UUID]*node
	byExt   map[int64]uuid.UUID
	byTag   map[string]uuid.UUID
	version int64
	journal []model.Tombstone

	lisMu     sync.Mutex
	listeners []ChangeListener
}

// Option configures a Directory.
type Option func(*Directory)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(d *Directory) { d.log = l } }

// WithRepository makes every commit durable in repo under account.
func WithRepository(repo repository.DirectoryRepository, account string) Option {
	return func(d *Directory) { d.repo, d.account = repo, account }
}

// New returns an empty in-memory directory at version 0.
func New(opts ...Option) *Directory {
	d := &Directory{
		log:   zap.NewNop(),
		guid:  uuid.Must(uuid.NewV4()),
		nodes: make(map[uuid.UUID]*node),
		byExt: make(map[int64]uuid.UUID),
		byTag: make(map[string]uuid.UUID),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Open builds a directory from the state stored in its repository.
func Open(ctx context.Context, opts ...Option) (*Directory, error) {
	d := New(opts...)
	if d.repo == nil {
		return d, nil
	}
	st, err := d.repo.LoadDirectory(ctx, d.account)
	if err != nil {
		return nil, errs.Persistence("load directory", err)
	}
	if err := d.restore(st); err != nil {
		return nil, errs.Datatype("load directory", err)
	}
	d.log.Info("directory loaded",
		zap.String("account", d.account),
		zap.Int64("version", d.version),
		zap.Int("nodes", len(d.nodes)),
		zap.Int("journal", len(d.journal)),
	)
	return d, nil
}

func (d *Directory) restore(st *model.DirectoryState) error {
	if st == nil {
		return nil
	}
	d.version = st.Version
	d.journal = append(d.journal, st.Journal...)
	for _, rn := range st.Nodes {
		d.nodes[rn.ID] = &node{RemoteNode: rn}
	}
	sorted := append([]model.RemoteNode(nil), st.Nodes...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })
	for _, rn := range sorted {
		if rn.ParentID == uuid.Nil {
			continue
		}
		p := d.nodes[rn.ParentID]
		if p == nil {
			return fmt.Errorf("node %s: parent %s: %w", rn.ID, rn.ParentID, errs.ErrNotFound)
		}
		p.children = append(p.children, rn.ID)
	}
	d.reindex()
	return nil
}

func (d *Directory) reindex() {
	d.byExt = make(map[int64]uuid.UUID, len(d.nodes))
	d.byTag = make(map[string]uuid.UUID)
	for id, n := range d.nodes {
		if n.ExternalID != 0 {
			d.byExt[n.ExternalID] = id
		}
		if n.ServerTag != "" {
			d.byTag[n.ServerTag] = id
		}
	}
}

// CacheGUID identifies this directory instance in logs.
func (d *Directory) CacheGUID() uuid.UUID { return d.guid }

// Version returns the directory model version.
func (d *Directory) Version() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

// AddListener registers l for server-origin changes.
func (d *Directory) AddListener(l ChangeListener) {
	d.lisMu.Lock()
	defer d.lisMu.Unlock()
	d.listeners = append(d.listeners, l)
}

// RemoveListener unregisters l.
func (d *Directory) RemoveListener(l ChangeListener) {
	d.lisMu.Lock()
	defer d.lisMu.Unlock()
	for i, cur := range d.listeners {
		if cur == l {
			d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
			return
		}
	}
}

func (d *Directory) listenerSnapshot() []ChangeListener {
	d.lisMu.Lock()
	defer d.lisMu.Unlock()
	return append([]ChangeListener(nil), d.listeners...)
}

// View runs fn in a read transaction.
func (d *Directory) View(ctx context.Context, fn func(*ReadTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return fn(&ReadTx{nodes: d.nodes, byExt: d.byExt, byTag: d.byTag, version: d.version})
}

// Update runs fn in a write transaction and commits it atomically. If fn
// fails nothing changes. It returns the directory version after the commit.
//
// When the repository rejects the commit the in-memory state is kept and a
// KindPersistence error is returned.
func (d *Directory) Update(ctx context.Context, origin Origin, fn func(*WriteTx) error) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	d.mu.Lock()
	tx := d.begin(origin)
	if err := fn(tx); err != nil {
		v := d.version
		d.mu.Unlock()
		return v, err
	}
	if len(tx.touched) == 0 && len(tx.deleted) == 0 {
		v := d.version
		d.mu.Unlock()
		return v, nil
	}

	old := d.nodes
	base := d.version
	d.version++
	for id := range tx.touched {
		if n := tx.nodes[id]; n != nil {
			n.Version = d.version
		}
	}
	d.nodes, d.byExt, d.byTag = tx.nodes, tx.byExt, tx.byTag
	changes := buildChanges(old, d.nodes, tx.touched, tx.deleted)

	listeners := d.listenerSnapshot()
	var journaled []model.Tombstone
	if origin == OriginServer && len(listeners) == 0 {
		for _, c := range changes {
			if c.Type == ChangeDelete {
				journaled = append(journaled, tombstone(c.Node))
			}
		}
		d.journal = append(d.journal, journaled...)
	}
	commit := d.commitRecord(base, tx, journaled)
	version := d.version
	d.mu.Unlock()

	d.log.Debug("directory commit",
		zap.String("origin", origin.String()),
		zap.Int64("version", version),
		zap.Int("changes", len(changes)),
	)

	var persistErr error
	if d.repo != nil {
		if err := d.repo.SaveCommit(ctx, d.account, commit); err != nil {
			d.log.Error("persist directory commit", zap.Int64("version", version), zap.Error(err))
			persistErr = errs.Persistence("commit", err)
		}
	}

	if origin == OriginServer {
		for _, l := range listeners {
			l.ApplyChanges(ctx, version, changes)
		}
	}
	return version, persistErr
}

// commitRecord collects the durable delta. Siblings of every touched node are
// included because their positions may have shifted. mu must be held.
func (d *Directory) commitRecord(base int64, tx *WriteTx, journaled []model.Tombstone) model.DirectoryCommit {
	c := model.DirectoryCommit{BaseVersion: base, Version: d.version, Journal: journaled}
	parents := make(map[uuid.UUID]bool)
	for id := range tx.touched {
		if n := d.nodes[id]; n != nil {
			parents[n.ParentID] = true
		}
	}
	for _, p := range tx.oldParents {
		parents[p] = true
	}
	emitted := make(map[uuid.UUID]bool)
	emit := func(n *node, pos int) {
		if emitted[n.ID] {
			return
		}
		emitted[n.ID] = true
		rn := n.RemoteNode
		rn.Position = pos
		c.Upserts = append(c.Upserts, rn)
	}
	for p := range parents {
		if p == uuid.Nil {
			for id := range tx.touched {
				if n := d.nodes[id]; n != nil && n.ParentID == uuid.Nil {
					emit(n, 0)
				}
			}
			continue
		}
		pn := d.nodes[p]
		if pn == nil {
			continue
		}
		for i, cid := range pn.children {
			emit(d.nodes[cid], i)
		}
	}
	sort.Slice(c.Upserts, func(i, j int) bool {
		return depth(d.nodes, c.Upserts[i].ID) < depth(d.nodes, c.Upserts[j].ID)
	})
	for id := range tx.deleted {
		c.Deletes = append(c.Deletes, id)
	}
	return c
}

// DeleteJournal returns the remote deletions not yet applied locally.
func (d *Directory) DeleteJournal() []model.Tombstone {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]model.Tombstone(nil), d.journal...)
}

// PurgeJournal drops the tombstones of ids after they were applied.
func (d *Directory) PurgeJournal(ctx context.Context, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	drop := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	d.mu.Lock()
	kept := d.journal[:0:0]
	for _, t := range d.journal {
		if !drop[t.RemoteID] {
			kept = append(kept, t)
		}
	}
	d.journal = kept
	commit := model.DirectoryCommit{BaseVersion: d.version, Version: d.version, Purged: ids}
	d.mu.Unlock()

	if d.repo != nil {
		if err := d.repo.SaveCommit(ctx, d.account, commit); err != nil {
			return errs.Persistence("purge journal", err)
		}
	}
	return nil
}

// EnsurePermanentFolders creates the type root and the main, other and trash
// folders when missing, in one server-origin commit.
func (d *Directory) EnsurePermanentFolders(ctx context.Context) error {
	_, err := d.Update(ctx, OriginServer, func(tx *WriteTx) error {
		root, ok := tx.byTag[TagTypeRoot]
		if !ok {
			var err error
			if root, err = tx.createTagged(uuid.Nil, TagTypeRoot, "Notes", model.SpecialNone); err != nil {
				return err
			}
		}
		for _, f := range []struct {
			tag, title string
			special    model.Special
		}{
			{TagMain, "Notes", model.SpecialNone},
			{TagOther, "Other notes", model.SpecialNone},
			{TagTrash, "Trash", model.SpecialTrash},
		} {
			if _, ok := tx.byTag[f.tag]; ok {
				continue
			}
			if _, err := tx.createTagged(root, f.tag, f.title, f.special); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

func tombstone(n model.RemoteNode) model.Tombstone {
	return model.Tombstone{
		RemoteID:   n.ID,
		ExternalID: n.ExternalID,
		IsFolder:   n.IsFolder,
		Title:      n.Title,
		Payload:    n.Payload,
	}
}

func depth(nodes map[uuid.UUID]*node, id uuid.UUID) int {
	d := 0
	for n := nodes[id]; n != nil && n.ParentID != uuid.Nil; n = nodes[n.ParentID] {
		d++
	}
	return d
}
