// Package service exposes validated operations over a note tree.
package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/and161185/notesync/internal/errs"
	"github.com/and161185/notesync/internal/model"
	"github.com/and161185/notesync/internal/notes"
)

// NoteService defines the user-facing operations over one note tree.
type NoteService interface {
	// AddFolder creates a folder under parentID; index < 0 appends.
	AddFolder(ctx context.Context, parentID int64, index int, title string) (*notes.Node, error)
	// AddNote creates a note under parentID; index < 0 appends.
	AddNote(ctx context.Context, parentID int64, index int, title, url, content string) (*notes.Node, error)
	// Update changes the set fields of a node in one grouped change.
	Update(ctx context.Context, id int64, upd NodeUpdate) error
	// Move places a node under parentID at index; index < 0 appends.
	Move(ctx context.Context, id, parentID int64, index int) error
	// Remove moves a node to the trash, or deletes it when already trashed.
	Remove(ctx context.Context, id int64) error
	// Restore moves a trashed node back to the end of main.
	Restore(ctx context.Context, id int64) error
	// EmptyTrash deletes everything in the trash and returns the count of top-level entries removed.
	EmptyTrash(ctx context.Context) (int, error)
	// Search returns nodes outside the trash whose title, content or URL contains query.
	Search(ctx context.Context, query string, limit int) ([]*notes.Node, error)
	// GetSubtree returns a detached copy of the node and its descendants.
	GetSubtree(ctx context.Context, id int64) (*model.Entry, error)
}

// NodeUpdate lists the fields to change; nil fields stay as they are.
type NodeUpdate struct {
	Title   *string
	URL     *string
	Content *string
}

type NoteServiceImpl struct {
	m        *notes.Model
	log      *zap.Logger
	maxLimit int
}

var _ NoteService = (*NoteServiceImpl)(nil)

// NewNoteService constructs NoteService with a search result cap.
func NewNoteService(m *notes.Model, maxLimit int, log *zap.Logger) *NoteServiceImpl {
	if maxLimit <= 0 {
		maxLimit = 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &NoteServiceImpl{m: m, log: log, maxLimit: maxLimit}
}

func (s *NoteServiceImpl) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.m.Loaded() {
		return errs.ErrNotLoaded
	}
	return nil
}

func (s *NoteServiceImpl) node(id int64) (*notes.Node, error) {
	n := s.m.Node(id)
	if n == nil {
		return nil, fmt.Errorf("node %d: %w", id, errs.ErrNotFound)
	}
	return n, nil
}

func (s *NoteServiceImpl) folder(id int64, index int) (*notes.Node, int, error) {
	p, err := s.node(id)
	if err != nil {
		return nil, 0, err
	}
	if index < 0 {
		index = p.ChildCount()
	}
	return p, index, nil
}

func (s *NoteServiceImpl) inTrash(n *notes.Node) bool {
	return s.m.HasAncestor(n, s.m.Trash())
}

// AddFolder validates the title and delegates to the model.
func (s *NoteServiceImpl) AddFolder(ctx context.Context, parentID int64, index int, title string) (*notes.Node, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("validation: empty folder title: %w", errs.ErrInvalidArgument)
	}
	p, index, err := s.folder(parentID, index)
	if err != nil {
		return nil, err
	}
	return s.m.AddFolder(p, index, title)
}

// AddNote requires a title or a URL.
func (s *NoteServiceImpl) AddNote(ctx context.Context, parentID int64, index int, title, url, content string) (*notes.Node, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(title) == "" && url == "" {
		return nil, fmt.Errorf("validation: note needs a title or url: %w", errs.ErrInvalidArgument)
	}
	p, index, err := s.folder(parentID, index)
	if err != nil {
		return nil, err
	}
	return s.m.AddNote(p, index, title, url, content)
}

// Update applies upd inside one grouped change so undo sees a single step.
func (s *NoteServiceImpl) Update(ctx context.Context, id int64, upd NodeUpdate) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	n, err := s.node(id)
	if err != nil {
		return err
	}
	if upd.URL != nil && n.IsFolder() {
		return fmt.Errorf("validation: url on folder %d: %w", id, errs.ErrInvalidArgument)
	}
	s.m.BeginGroupedChanges()
	defer s.m.EndGroupedChanges()
	if upd.Title != nil {
		if err := s.m.SetTitle(n, *upd.Title); err != nil {
			return err
		}
	}
	if upd.URL != nil {
		if err := s.m.SetURL(n, *upd.URL); err != nil {
			return err
		}
	}
	if upd.Content != nil {
		if err := s.m.SetContent(n, *upd.Content); err != nil {
			return err
		}
	}
	return nil
}

// Move delegates to the model after resolving ids.
func (s *NoteServiceImpl) Move(ctx context.Context, id, parentID int64, index int) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	n, err := s.node(id)
	if err != nil {
		return err
	}
	p, index, err := s.folder(parentID, index)
	if err != nil {
		return err
	}
	return s.m.Move(n, p, index)
}

// Remove trashes n; a node already in the trash is deleted for good.
func (s *NoteServiceImpl) Remove(ctx context.Context, id int64) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	n, err := s.node(id)
	if err != nil {
		return err
	}
	if n.IsPermanent() {
		return errs.ErrPermanentNode
	}
	if s.inTrash(n) {
		s.log.Debug("deleting trashed node", zap.Int64("id", id))
		return s.m.Remove(n)
	}
	trash := s.m.Trash()
	return s.m.Move(n, trash, trash.ChildCount())
}

// Restore moves a trashed node to the end of main.
func (s *NoteServiceImpl) Restore(ctx context.Context, id int64) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	n, err := s.node(id)
	if err != nil {
		return err
	}
	if n.IsPermanent() || !s.inTrash(n) {
		return fmt.Errorf("validation: node %d not in trash: %w", id, errs.ErrInvalidArgument)
	}
	main := s.m.Main()
	return s.m.Move(n, main, main.ChildCount())
}

// EmptyTrash removes the trash contents inside one grouped change.
func (s *NoteServiceImpl) EmptyTrash(ctx context.Context) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	trash := s.m.Trash()
	s.m.BeginGroupedChanges()
	defer s.m.EndGroupedChanges()
	removed := 0
	for trash.ChildCount() > 0 {
		if err := s.m.Remove(s.m.Child(trash, 0)); err != nil {
			return removed, err
		}
		removed++
	}
	s.log.Info("trash emptied", zap.Int("removed", removed))
	return removed, nil
}

// Search matches case-insensitively in tree order. limit <= 0 or above the
// cap means the cap.
func (s *NoteServiceImpl) Search(ctx context.Context, query string, limit int) ([]*notes.Node, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, fmt.Errorf("validation: empty query: %w", errs.ErrInvalidArgument)
	}
	if limit <= 0 || limit > s.maxLimit {
		limit = s.maxLimit
	}
	var out []*notes.Node
	s.m.Walk(s.m.Root(), func(n *notes.Node) bool {
		if len(out) >= limit || n == s.m.Trash() {
			return false
		}
		if !n.IsPermanent() && matches(n, q) {
			out = append(out, n)
		}
		return true
	})
	return out, nil
}

func matches(n *notes.Node, q string) bool {
	return strings.Contains(strings.ToLower(n.Title()), q) ||
		strings.Contains(strings.ToLower(n.Content()), q) ||
		strings.Contains(strings.ToLower(n.URL()), q)
}

// GetSubtree fetches a detached copy of the node.
func (s *NoteServiceImpl) GetSubtree(ctx context.Context, id int64) (*model.Entry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	n, err := s.node(id)
	if err != nil {
		return nil, err
	}
	return s.m.Entry(n), nil
}
