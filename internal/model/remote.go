package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Special marks remote nodes with a meaning beyond note/folder.
type Special int

const (
	SpecialNone Special = iota
	SpecialTrash
	SpecialSeparator // has no local counterpart
)

// RemotePayload is the note data carried by a remote node. Attachments hold
// references only; blobs are fetched out of band.
type RemotePayload struct {
	URL         string       `json:"url,omitempty"`
	Content     string       `json:"content,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Special     Special      `json:"special,omitempty"`
}

// RemoteNode is one node of the synchronization directory.
type RemoteNode struct {
	ID         uuid.UUID
	ParentID   uuid.UUID // uuid.Nil for the type root
	Position   int       // index among siblings
	IsFolder   bool
	Title      string
	Payload    RemotePayload
	ExternalID int64 // id of the local counterpart, 0 when unassociated
	ServerTag  string
	Version    int64
}

// Tombstone records a remote deletion the local side has not applied yet.
type Tombstone struct {
	RemoteID   uuid.UUID
	ExternalID int64
	IsFolder   bool
	Title      string
	Payload    RemotePayload
}

// DirectoryCommit is the durable delta of one directory transaction.
// BaseVersion == Version for commits that only touch the delete journal.
type DirectoryCommit struct {
	BaseVersion int64
	Version     int64
	Upserts     []RemoteNode
	Deletes     []uuid.UUID
	Journal     []Tombstone
	Purged      []uuid.UUID
}

// DirectoryState is a full directory as stored.
type DirectoryState struct {
	Version int64
	Nodes   []RemoteNode
	Journal []Tombstone
}
