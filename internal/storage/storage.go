// Package storage defines the interface for logbook storage backends.
package storage

import (
	"context"

	"github.com/untoldecay/elogd/internal/types"
)

// Storage is the persistence interface of the logbook core. All
// writes run inside a single database transaction per operation, and
// nothing is ever deleted: "delete" archives the row.
type Storage interface {
	// Logbooks
	CreateLogbook(ctx context.Context, logbook *types.Logbook) error
	GetLogbook(ctx context.Context, id int64) (*types.Logbook, error)
	// ListLogbooks returns the non-archived children of parentID, or
	// the top-level logbooks when parentID is nil.
	ListLogbooks(ctx context.Context, parentID *int64) ([]*types.Logbook, error)
	// UpdateLogbook applies updates (keyed by API field name), records
	// a change with the pre-image of the differing fields, and returns
	// the new state. Reparenting is checked for cycles.
	UpdateLogbook(ctx context.Context, id int64, updates map[string]any, meta types.ChangeMeta) (*types.Logbook, error)
	GetLogbookChanges(ctx context.Context, id int64) ([]*types.Change, error)
	// GetLogbookRevision reconstructs revision n as a plain field map.
	// n equal to the change count returns the current state.
	GetLogbookRevision(ctx context.Context, id int64, n int) (map[string]any, error)

	// Entries
	CreateEntry(ctx context.Context, entry *types.Entry) error
	GetEntry(ctx context.Context, id int64) (*types.Entry, error)
	// GetThreadRoot walks the follows chain up to the thread root.
	GetThreadRoot(ctx context.Context, id int64) (*types.Entry, error)
	// UpdateEntry enforces the edit protocol: revisionN must match the
	// stored change count (ErrStaleRevision otherwise), and an active
	// lock owned by another IP blocks the edit (LockedError). A lock
	// owned by meta.IP is cancelled by a successful edit.
	UpdateEntry(ctx context.Context, id int64, updates map[string]any, revisionN int, meta types.ChangeMeta) (*types.Entry, error)
	GetEntryChanges(ctx context.Context, id int64) ([]*types.Change, error)
	GetEntryRevision(ctx context.Context, id int64, n int) (map[string]any, error)
	CountEntryChanges(ctx context.Context, id int64) (int, error)
	// NextEntry and PreviousEntry navigate thread roots of one logbook
	// ordered by (coalesce(last_changed_at, created_at), id).
	NextEntry(ctx context.Context, entry *types.Entry) (*types.Entry, error)
	PreviousEntry(ctx context.Context, entry *types.Entry) (*types.Entry, error)
	// GetEntryFollowups lists the non-archived followups of an entry,
	// oldest first.
	GetEntryFollowups(ctx context.Context, entryID int64) ([]*types.Entry, error)

	// Locks
	// GetLock returns the active lock on the entry, or ErrNotFound.
	GetLock(ctx context.Context, entryID int64) (*types.Lock, error)
	// AcquireLock acquires a lock for ip. It is idempotent for the
	// current owner; a foreign active lock yields LockedError unless
	// steal is set, in which case the old lock is cancelled and a new
	// one created.
	AcquireLock(ctx context.Context, entryID int64, ip string, steal bool) (*types.Lock, error)
	CancelLock(ctx context.Context, lockID int64, ip string) (*types.Lock, error)

	// Search
	SearchEntries(ctx context.Context, filter types.SearchFilter) ([]*types.SearchResult, error)
	CountEntries(ctx context.Context, filter types.SearchFilter) (int, error)
	EntryHistogram(ctx context.Context, logbookID int64) ([]types.HistogramBin, error)

	// Attachments
	CreateAttachment(ctx context.Context, attachment *types.Attachment) error
	GetAttachment(ctx context.Context, id int64) (*types.Attachment, error)
	GetAttachmentByPath(ctx context.Context, path string) (*types.Attachment, error)
	// GetEntryAttachments lists the non-archived attachments of an
	// entry, filtered on the embedded flag.
	GetEntryAttachments(ctx context.Context, entryID int64, embedded bool) ([]*types.Attachment, error)
	BindAttachment(ctx context.Context, attachmentID, entryID int64) error
	ArchiveAttachment(ctx context.Context, id int64) error

	// Lifecycle
	Close() error
	Path() string
}
