// Package model defines value types shared by the tree, persistence and sync layers.
package model

import (
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Kind is the closed set of node kinds.
type Kind int

const (
	KindNote Kind = iota + 1
	KindFolder
	KindTrash // the trash permanent node
)

func (k Kind) String() string {
	switch k {
	case KindNote:
		return "note"
	case KindFolder:
		return "folder"
	case KindTrash:
		return "trash"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String; ok is false for unknown names.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "note":
		return KindNote, true
	case "folder":
		return KindFolder, true
	case "trash":
		return KindTrash, true
	default:
		return 0, false
	}
}

// IsFolder reports whether nodes of this kind may own children.
func (k Kind) IsFolder() bool { return k == KindFolder || k == KindTrash }

// Attachment is a checksum-addressable blob attached to a note.
// Data may be nil when only the reference is known (remote side).
type Attachment struct {
	Checksum    string // hex blake2b-256 of Data
	ContentType string
	Data        []byte
}

// NewAttachment computes the checksum for data.
func NewAttachment(contentType string, data []byte) Attachment {
	return Attachment{Checksum: Checksum(data), ContentType: contentType, Data: data}
}

// Ref returns the attachment without its blob.
func (a Attachment) Ref() Attachment {
	return Attachment{Checksum: a.Checksum, ContentType: a.ContentType}
}

// Checksum returns the hex blake2b-256 digest of data.
func Checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SameAttachmentRefs compares checksums and content types, ignoring blobs.
func SameAttachmentRefs(a, b []Attachment) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Checksum != b[i].Checksum || a[i].ContentType != b[i].ContentType {
			return false
		}
	}
	return true
}

// Entry is a detached, serializable copy of a node and its subtree.
type Entry struct {
	ID          int64
	Kind        Kind
	Title       string
	Content     string
	URL         string
	CreatedAt   time.Time
	Attachments []Attachment
	SyncVersion int64 // InvalidVersion when never synced
	Children    []*Entry
}

// InvalidVersion marks an unset transaction version.
const InvalidVersion int64 = -1

// Walk visits e and its descendants in depth-first pre-order.
// Returning false from fn skips the subtree below that entry.
func (e *Entry) Walk(fn func(*Entry) bool) {
	if e == nil {
		return
	}
	if !fn(e) {
		return
	}
	for _, c := range e.Children {
		c.Walk(fn)
	}
}

// Count returns the number of entries in the subtree, e included.
func (e *Entry) Count() int {
	n := 0
	e.Walk(func(*Entry) bool { n++; return true })
	return n
}
