package notesync

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/notesync/internal/model"
	"github.com/and161185/notesync/internal/notes"
	"github.com/and161185/notesync/internal/remote"
)

// payloadOf builds the remote payload of a local node. Blobs stay local.
func payloadOf(n *notes.Node) model.RemotePayload {
	p := model.RemotePayload{
		URL:       n.URL(),
		Content:   n.Content(),
		CreatedAt: n.CreatedAt(),
	}
	for _, a := range n.Attachments() {
		p.Attachments = append(p.Attachments, a.Ref())
	}
	return p
}

// entryFromRemote builds a childless local entry for rn.
func entryFromRemote(rn model.RemoteNode) *model.Entry {
	e := &model.Entry{
		Kind:      model.KindNote,
		Title:     rn.Title,
		Content:   rn.Payload.Content,
		URL:       rn.Payload.URL,
		CreatedAt: rn.Payload.CreatedAt,
	}
	if rn.IsFolder {
		e.Kind = model.KindFolder
		e.URL = ""
	}
	for _, a := range rn.Payload.Attachments {
		e.Attachments = append(e.Attachments, a.Ref())
	}
	return e
}

// applyRemoteFields copies remote data onto n and reports whether anything changed.
func applyRemoteFields(m *notes.Model, n *notes.Node, rn model.RemoteNode) (bool, error) {
	changed := false
	if n.Title() != rn.Title {
		if err := m.SetTitle(n, rn.Title); err != nil {
			return changed, err
		}
		changed = true
	}
	if n.Content() != rn.Payload.Content {
		if err := m.SetContent(n, rn.Payload.Content); err != nil {
			return changed, err
		}
		changed = true
	}
	if !n.IsFolder() {
		if n.URL() != rn.Payload.URL {
			if err := m.SetURL(n, rn.Payload.URL); err != nil {
				return changed, err
			}
			changed = true
		}
		if !model.SameAttachmentRefs(n.Attachments(), rn.Payload.Attachments) {
			refs := make([]model.Attachment, 0, len(rn.Payload.Attachments))
			for _, a := range rn.Payload.Attachments {
				refs = append(refs, a.Ref())
			}
			if err := m.SetAttachments(n, refs); err != nil {
				return changed, err
			}
			changed = true
		}
	}
	if !rn.Payload.CreatedAt.IsZero() && !n.CreatedAt().Equal(rn.Payload.CreatedAt) {
		if err := m.SetCreatedAt(n, rn.Payload.CreatedAt); err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}

// remoteTree is a read-only copy of the directory taken in one read transaction.
type remoteTree struct {
	version  int64
	root     uuid.UUID
	perm     map[string]uuid.UUID
	nodes    map[uuid.UUID]model.RemoteNode
	children map[uuid.UUID][]uuid.UUID
}

func readRemoteTree(ctx context.Context, dir *remote.Directory) (*remoteTree, error) {
	rt := &remoteTree{
		perm:     make(map[string]uuid.UUID),
		nodes:    make(map[uuid.UUID]model.RemoteNode),
		children: make(map[uuid.UUID][]uuid.UUID),
	}
	err := dir.View(ctx, func(tx *remote.ReadTx) error {
		rt.version = tx.Version()
		root, err := tx.LookupTag(remote.TagTypeRoot)
		if err != nil {
			return err
		}
		rt.root = root.ID
		for _, tag := range []string{remote.TagMain, remote.TagOther, remote.TagTrash} {
			n, err := tx.LookupTag(tag)
			if err != nil {
				return err
			}
			rt.perm[tag] = n.ID
		}
		stack := []uuid.UUID{root.ID}
		rt.nodes[root.ID] = root
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			kids, err := tx.Children(id)
			if err != nil {
				return err
			}
			ids := make([]uuid.UUID, 0, len(kids))
			for _, k := range kids {
				rt.nodes[k.ID] = k
				ids = append(ids, k.ID)
				stack = append(stack, k.ID)
			}
			rt.children[id] = ids
		}
		return nil
	})
	return rt, err
}

// userCount returns the number of untagged, non-separator nodes.
func (rt *remoteTree) userCount() int {
	n := 0
	for _, rn := range rt.nodes {
		if rn.ServerTag == "" && rn.Payload.Special != model.SpecialSeparator {
			n++
		}
	}
	return n
}
