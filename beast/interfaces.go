package beast

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store lookups for rows that do not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyGone classifies a delete response saying the resource no longer
// exists on the server. Callers treat it as success.
var ErrAlreadyGone = errors.New("already gone")

// A Store provides the durable, local side of the engine: messages, their
// secondary indices, full-text search, and the pending-write, pending-file
// and action-spec bookkeeping tables. A Store has no knowledge of the
// network. Implementations must apply multi-row mutations atomically; a
// failed mutation leaves the prior state intact.
type Store interface {
	// UpsertMessage replaces the message row keyed by msg.ID and rebuilds
	// its secondary-index and search entries.
	UpsertMessage(ctx context.Context, msg Message) error
	// DeleteMessage removes the message row and cascades over every
	// secondary index, search entry and file attachment referencing it.
	DeleteMessage(ctx context.Context, messageID string) error
	// RekeyMessage moves the row keyed oldID under msg.ID, rewriting its
	// secondary-index and search entries in place. Search-result recency
	// ordering survives the identity change.
	RekeyMessage(ctx context.Context, oldID string, msg Message) error
	Message(ctx context.Context, messageID string) (Message, error)
	// Messages returns up to limit messages of a channel with display date
	// before the given time (zero time = newest), newest first, plus the
	// cursor over the returned rows. Unsent rows are returned but their
	// synthetic IDs never feed the cursor's ID bounds.
	Messages(ctx context.Context, channelID string, before time.Time, limit int) (MessageBatch, error)
	UnsentMessages(ctx context.Context, channelID string) ([]Message, error)
	// GlobalMaxID returns the numerically largest message ID across every
	// channel, unsent rows included, or 0 for an empty store.
	GlobalMaxID(ctx context.Context) (int64, error)

	MessagesByHashtag(ctx context.Context, name string, before time.Time, limit int) ([]Message, error)
	MessagesByLocation(ctx context.Context, loc DisplayLocation, before time.Time, limit int) ([]Message, error)
	MessagesByAnnotationType(ctx context.Context, annotationType string, before time.Time, limit int) ([]Message, error)
	SearchMessages(ctx context.Context, query string) ([]Message, error)
	SearchLocations(ctx context.Context, query string) ([]Message, error)

	InsertPendingDeletion(ctx context.Context, pd PendingDeletion) error
	PendingDeletions(ctx context.Context, channelID string) ([]PendingDeletion, error)
	DeletePendingDeletion(ctx context.Context, messageID string) error

	InsertPendingFile(ctx context.Context, f PendingFile) error
	PendingFile(ctx context.Context, id string) (PendingFile, error)
	DeletePendingFile(ctx context.Context, id string) error

	InsertFileAttachment(ctx context.Context, att FileAttachment) error
	FileAttachments(ctx context.Context, messageID string) ([]FileAttachment, error)
	AttachmentsForFile(ctx context.Context, pendingFileID string) ([]FileAttachment, error)
	DeleteFileAttachment(ctx context.Context, pendingFileID, messageID string) error

	InsertActionSpec(ctx context.Context, spec ActionSpec) error
	// ActionSpecs returns the specs of an action channel ordered by target
	// display date descending.
	ActionSpecs(ctx context.Context, actionChannelID string, before time.Time, limit int) ([]ActionSpec, error)
	ActionSpecsTargeting(ctx context.Context, targetMessageID string) ([]ActionSpec, error)
	DeleteActionSpec(ctx context.Context, actionChannelID, targetMessageID string) error
	// RetargetActionSpecs rewrites the target-message ID of every spec
	// referencing oldID, in place, and returns the rewritten specs.
	RetargetActionSpecs(ctx context.Context, oldID, newID string) ([]ActionSpec, error)
	// RepointActionSpecs rewrites the action-message ID of every spec whose
	// action message was remapped from oldID.
	RepointActionSpecs(ctx context.Context, oldID, newID string) error
}

// A Cache is the in-memory, per-channel projection owned by a Manager:
// an ordered (newest display date first) message list, the unsent set, and
// the set of IDs excluded by fetch filters. It must be rebuildable from the
// Store at any time; the Manager serializes all mutating access.
type Cache interface {
	// Messages returns up to limit cached messages, newest first.
	// limit <= 0 returns all of them.
	Messages(channelID string, limit int) []Message
	// Put inserts or replaces one message at its display-date position,
	// with a fast path for the newest-message case.
	Put(msg Message)
	// Append adds an older page to the back of the channel's list.
	Append(channelID string, msgs []Message)
	Delete(channelID, messageID string)
	// ReplaceID swaps the entry keyed oldID for msg under msg.ID, dropping
	// oldID from the unsent set.
	ReplaceID(channelID, oldID string, msg Message)
	Unsent(channelID string) []Message
	HasUnsent(channelID string) bool
	Exclude(channelID string, msg Message)
	Excluded(channelID string) []string
	Reset(channelID string)
}

// FetchParams narrows a remote fetch to one side of the cursor. At most one
// of SinceID and BeforeID is set.
type FetchParams struct {
	SinceID  string
	BeforeID string
	Count    int
}

// A RemoteBatch is one page of a remote fetch: the messages in server order
// (newest first) plus the server-reported ID bounds and more-pages flag.
type RemoteBatch struct {
	Messages []Message
	MinID    string
	MaxID    string
	More     bool
}

// A ChannelClient talks to the remote message service. Implementations
// surface transient failures as errors and map already-deleted responses to
// ErrAlreadyGone; they never retry on their own.
type ChannelClient interface {
	GetMessages(ctx context.Context, channelID string, p FetchParams) (RemoteBatch, error)
	CreateMessage(ctx context.Context, channelID string, d Draft) (Message, error)
	DeleteMessage(ctx context.Context, channelID, messageID string, deleteFiles bool) error
}

// A FileUploader pushes a local file to the remote service and returns its
// server handle.
type FileUploader interface {
	UploadFile(ctx context.Context, f PendingFile) (FileHandle, error)
}
