// Package persist stores the note tree as a single JSON file.
package persist

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/and161185/notesync/internal/model"
	"github.com/and161185/notesync/internal/notes"
)

// FormatVersion is the value of the top-level "version" field.
const FormatVersion = 1

// ErrFormat is returned for documents that are not valid note files.
var ErrFormat = errors.New("invalid notes file")

type fileDoc struct {
	Checksum    string    `json:"checksum"`
	Roots       fileRoots `json:"roots"`
	SyncVersion string    `json:"sync_transaction_version,omitempty"`
	Version     int       `json:"version"`
}

type fileRoots struct {
	Main  *fileNode `json:"main"`
	Other *fileNode `json:"other"`
	Trash *fileNode `json:"trash"`
}

type fileNode struct {
	ID          string           `json:"id"`
	Type        string           `json:"type"`
	Title       string           `json:"title"`
	URL         string           `json:"url,omitempty"`
	Content     string           `json:"content,omitempty"`
	DateAdded   string           `json:"date_added,omitempty"`
	Attachments []fileAttachment `json:"attachments,omitempty"`
	Children    []*fileNode      `json:"children,omitempty"`
	SyncVersion string           `json:"sync_transaction_version,omitempty"`
}

type fileAttachment struct {
	Checksum    string `json:"checksum"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data,omitempty"`
}

// Encode serializes a snapshot. Output is deterministic for equal snapshots.
func Encode(s *notes.Snapshot) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("encode: nil snapshot: %w", ErrFormat)
	}
	doc := fileDoc{
		Roots: fileRoots{
			Main:  encodeEntry(s.Main, model.KindFolder),
			Other: encodeEntry(s.Other, model.KindFolder),
			Trash: encodeEntry(s.Trash, model.KindTrash),
		},
		SyncVersion: encodeVersion(s.SyncVersion),
		Version:     FormatVersion,
	}
	doc.Checksum = checksumRoots(&doc.Roots)
	out, err := json.MarshalIndent(&doc, "", "   ")
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return out, nil
}

func encodeEntry(e *model.Entry, kind model.Kind) *fileNode {
	if e == nil {
		e = &model.Entry{Kind: kind, SyncVersion: model.InvalidVersion}
	}
	n := &fileNode{
		ID:          strconv.FormatInt(e.ID, 10),
		Type:        kind.String(),
		Title:       e.Title,
		URL:         e.URL,
		Content:     e.Content,
		DateAdded:   encodeTime(e.CreatedAt),
		SyncVersion: encodeVersion(e.SyncVersion),
	}
	for _, a := range e.Attachments {
		n.Attachments = append(n.Attachments, fileAttachment{Checksum: a.Checksum, ContentType: a.ContentType, Data: a.Data})
	}
	for _, c := range e.Children {
		n.Children = append(n.Children, encodeEntry(c, c.Kind))
	}
	return n
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMicro(), 10)
}

func encodeVersion(v int64) string {
	if v == model.InvalidVersion {
		return ""
	}
	return strconv.FormatInt(v, 10)
}

// Decode parses a notes file. Missing, malformed or duplicate ids are
// reassigned depth-first starting at 1, and the result reports it.
func Decode(data []byte) (*notes.LoadDetails, error) {
	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode: %v: %w", err, ErrFormat)
	}
	if doc.Version != FormatVersion {
		return nil, fmt.Errorf("decode: version %d: %w", doc.Version, ErrFormat)
	}
	rootVer, err := decodeVersion(doc.SyncVersion)
	if err != nil {
		return nil, err
	}

	d := &notes.LoadDetails{
		SyncVersion:      rootVer,
		StoredChecksum:   doc.Checksum,
		ComputedChecksum: checksumRoots(&doc.Roots),
	}
	dec := &decoder{seen: make(map[int64]bool)}
	if d.Main, err = dec.entry(doc.Roots.Main, model.KindFolder); err != nil {
		return nil, err
	}
	if d.Other, err = dec.entry(doc.Roots.Other, model.KindFolder); err != nil {
		return nil, err
	}
	if d.Trash, err = dec.entry(doc.Roots.Trash, model.KindTrash); err != nil {
		return nil, err
	}
	d.MaxID = dec.maxID
	if dec.badIDs {
		d.MaxID = reassignIDs(d.Main, d.Other, d.Trash)
		d.IDsReassigned = true
	}
	return d, nil
}

type decoder struct {
	seen   map[int64]bool
	maxID  int64
	badIDs bool
}

// entry converts n; a nil root becomes nil (an empty permanent node).
func (dec *decoder) entry(n *fileNode, forced model.Kind) (*model.Entry, error) {
	if n == nil {
		return nil, nil
	}
	kind := forced
	if kind == 0 {
		k, ok := model.ParseKind(n.Type)
		if !ok || k == model.KindTrash {
			return nil, fmt.Errorf("decode: node %q type %q: %w", n.ID, n.Type, ErrFormat)
		}
		kind = k
	}
	e := &model.Entry{
		Kind:    kind,
		Title:   n.Title,
		URL:     n.URL,
		Content: n.Content,
	}

	id, err := strconv.ParseInt(n.ID, 10, 64)
	if err != nil || id <= notes.RootID || dec.seen[id] {
		dec.badIDs = true
	} else {
		dec.seen[id] = true
		e.ID = id
		if id > dec.maxID {
			dec.maxID = id
		}
	}

	if n.DateAdded != "" {
		us, err := strconv.ParseInt(n.DateAdded, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode: node %q date_added: %w", n.ID, ErrFormat)
		}
		e.CreatedAt = time.UnixMicro(us)
	}
	if e.SyncVersion, err = decodeVersion(n.SyncVersion); err != nil {
		return nil, err
	}
	for _, a := range n.Attachments {
		sum := a.Checksum
		if sum == "" && a.Data != nil {
			sum = model.Checksum(a.Data)
		}
		e.Attachments = append(e.Attachments, model.Attachment{Checksum: sum, ContentType: a.ContentType, Data: a.Data})
	}
	if len(n.Children) > 0 && !kind.IsFolder() {
		return nil, fmt.Errorf("decode: note %q has children: %w", n.ID, ErrFormat)
	}
	for _, c := range n.Children {
		ce, err := dec.entry(c, 0)
		if err != nil {
			return nil, err
		}
		if ce != nil {
			e.Children = append(e.Children, ce)
		}
	}
	return e, nil
}

func decodeVersion(s string) (int64, error) {
	if s == "" {
		return model.InvalidVersion, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode: sync version %q: %w", s, ErrFormat)
	}
	return v, nil
}

// reassignIDs numbers every entry depth-first from 1 and returns the last id.
func reassignIDs(roots ...*model.Entry) int64 {
	var next int64
	for _, r := range roots {
		r.Walk(func(e *model.Entry) bool {
			next++
			e.ID = next
			return true
		})
	}
	return next
}

// checksumRoots digests the file fields of every node depth-first. Permanent
// nodes missing from the document contribute nothing.
func checksumRoots(r *fileRoots) string {
	h, _ := blake2b.New256(nil)
	for _, n := range []*fileNode{r.Main, r.Other, r.Trash} {
		checksumNode(h, n)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func checksumNode(h hash.Hash, n *fileNode) {
	if n == nil {
		return
	}
	for _, f := range []string{n.ID, n.Type, n.Title, n.URL, n.Content, n.DateAdded} {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	for _, a := range n.Attachments {
		h.Write([]byte(a.Checksum))
		h.Write([]byte{0})
	}
	for _, c := range n.Children {
		checksumNode(h, c)
	}
	h.Write([]byte{1})
}
