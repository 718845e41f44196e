// Package types defines the core entities of the logbook service:
// logbooks, entries, changes, locks and attachments.
package types

import (
	"time"
)

// DefaultContentType is used for entry content and logbook templates
// unless the client says otherwise.
const DefaultContentType = "text/html; charset=UTF-8"

// Priority levels for entries. Priority is a sort key that takes
// precedence over timestamps:
//
//	0   = normal
//	100 = pinned    - sorted before normal entries in the same logbook
//	200 = important - sorted before pinned, and also shown when searching
//	                  descendant logbooks
const (
	PriorityNormal    = 0
	PriorityPinned    = 100
	PriorityImportant = 200
)

// AttributeType enumerates the value types a logbook may declare for
// its entry attributes.
type AttributeType string

const (
	AttributeText        AttributeType = "text"
	AttributeNumber      AttributeType = "number"
	AttributeBoolean     AttributeType = "boolean"
	AttributeOption      AttributeType = "option"
	AttributeMultiOption AttributeType = "multioption"
)

// IsValid reports whether t is a known attribute type.
func (t AttributeType) IsValid() bool {
	switch t {
	case AttributeText, AttributeNumber, AttributeBoolean,
		AttributeOption, AttributeMultiOption:
		return true
	}
	return false
}

// AttributeSpec declares one attribute that entries in a logbook may
// (or, if Required, must) carry. Options is only meaningful for the
// option and multioption types.
type AttributeSpec struct {
	Name     string        `json:"name"`
	Type     AttributeType `json:"type"`
	Required bool          `json:"required,omitempty"`
	Options  []string      `json:"options,omitempty"`
}

// HasOption reports whether value is one of the declared options.
func (a AttributeSpec) HasOption(value string) bool {
	for _, opt := range a.Options {
		if opt == value {
			return true
		}
	}
	return false
}

// Author identifies one author of an entry. Only the name is
// mandatory; login and email come from the user directory when the
// client used autocomplete.
type Author struct {
	Name  string `json:"name"`
	Login string `json:"login,omitempty"`
	Email string `json:"email,omitempty"`
}

// Logbook is a collection of entries, and (possibly) other logbooks.
// It also declares the attribute schema its entries obey.
type Logbook struct {
	ID                  int64
	Name                string
	Description         string
	Template            string
	TemplateContentType string
	ParentID            *int64
	Attributes          []AttributeSpec
	Metadata            map[string]any
	Archived            bool
	CreatedAt           time.Time
	LastChangedAt       *time.Time
}

// Attribute returns the spec declared under the given name.
func (l *Logbook) Attribute(name string) (AttributeSpec, bool) {
	for _, spec := range l.Attributes {
		if spec.Name == name {
			return spec, true
		}
	}
	return AttributeSpec{}, false
}

// RequiredAttributes returns the names of all required attributes.
func (l *Logbook) RequiredAttributes() []string {
	var required []string
	for _, spec := range l.Attributes {
		if spec.Required {
			required = append(required, spec.Name)
		}
	}
	return required
}

// Entry is one post in a logbook. A non-nil FollowsID makes the entry
// a followup of another entry in the same logbook.
type Entry struct {
	ID            int64
	LogbookID     int64
	Title         string
	Authors       []Author
	Content       string
	ContentType   string
	Metadata      map[string]any
	Attributes    map[string]any
	Priority      int
	CreatedAt     time.Time
	LastChangedAt *time.Time
	FollowsID     *int64
	Archived      bool
}

// Timestamp returns the last changed time, falling back to the
// creation time. This is the canonical sort key for entries.
func (e *Entry) Timestamp() time.Time {
	if e.LastChangedAt != nil {
		return *e.LastChangedAt
	}
	return e.CreatedAt
}

// Change records one mutation of a logbook or an entry.
//
// The nomenclature is that a *revision* is what an entity looked like
// at a given point in time, while a *change* happens at a specific
// time and takes us from one revision to the next. What is stored in
// Changed is the *old* value of each field that differed, so only the
// fields that actually changed need storing.
type Change struct {
	ID            int64
	SubjectID     int64
	Changed       map[string]any
	Timestamp     time.Time
	ChangeAuthors []Author
	ChangeComment string
	ChangeIP      string
}

// ChangeMeta carries the caller-supplied context for one mutation.
type ChangeMeta struct {
	Authors []Author
	Comment string
	IP      string
	// Timestamp overrides the change time when set; used by imports
	// that need to preserve the original modification times.
	Timestamp *time.Time
}

// Lock is a temporary advisory edit lock on an entry, owned by the IP
// that acquired it. Locks are persistent rows, not in-process mutexes:
// they survive restarts and are visible across replicas. At most one
// lock per entry is active at any given time.
type Lock struct {
	ID            int64
	EntryID       int64
	CreatedAt     time.Time
	ExpiresAt     time.Time
	OwnedByIP     string
	CancelledAt   *time.Time
	CancelledByIP string
}

// Active reports whether the lock is still in force at the given time.
func (l *Lock) Active(now time.Time) bool {
	return l.CancelledAt == nil && l.ExpiresAt.After(now)
}

// Attachment records metadata about one stored file. The file itself
// lives in the blob tree; only its path is kept here. Embedded
// attachments were extracted from inline data: URIs in entry content.
type Attachment struct {
	ID          int64
	EntryID     *int64
	Filename    string
	Timestamp   time.Time
	Path        string
	ContentType string
	Embedded    bool
	Metadata    map[string]any
	Archived    bool
}

// SearchFilter describes one entry search. All fields are optional;
// the zero value matches every non-archived entry in every
// non-archived logbook, collapsed to thread roots.
type SearchFilter struct {
	// Logbook scopes the search to one logbook; nil means global.
	Logbook *int64
	// ChildLogbooks includes all descendants of Logbook, plus
	// important (priority > 100) entries from its ancestors.
	ChildLogbooks bool
	// Archived includes archived entries.
	Archived bool

	// Regex filters. Any non-empty text filter switches the search
	// from thread grouping to matching individual followups.
	ContentFilter    string
	TitleFilter      string
	AuthorFilter     string
	AttachmentFilter string

	// AttributeFilter and MetadataFilter are (name, value) pairs
	// matched as substrings of the JSON-encoded value, which also
	// covers multioption membership.
	AttributeFilter [][2]string
	MetadataFilter  [][2]string

	// From and Until bound the thread-latest timestamp.
	From  *time.Time
	Until *time.Time

	// Followups returns matching followups individually instead of
	// collapsing to thread roots.
	Followups bool

	// SortByTimestamp sorts by the thread-latest timestamp rather than
	// creation time. Priority leads the ordering either way.
	SortByTimestamp bool

	N      int
	Offset int
}

// TextFilterActive reports whether any of the free-text filters is
// set, in which case grouping to thread roots is disabled.
func (f *SearchFilter) TextFilterActive() bool {
	return f.ContentFilter != "" || f.TitleFilter != "" ||
		f.AuthorFilter != "" || f.AttachmentFilter != "" ||
		len(f.AttributeFilter) > 0 || len(f.MetadataFilter) > 0
}

// SearchResult is one row of a search: a thread root (or, when text
// filters are active, an individual matching entry) together with
// aggregated thread information.
type SearchResult struct {
	Entry
	// NFollowups is the number of non-archived followups in the thread.
	NFollowups int
	// ThreadTimestamp is the latest modification time across the root
	// and its non-archived followups.
	ThreadTimestamp time.Time
	// FollowupAuthors is the union of the followups' author sets.
	FollowupAuthors []Author
}

// HistogramBin is one day of the per-logbook entry histogram.
type HistogramBin struct {
	Date    string `json:"date"`
	FirstID int64  `json:"id"`
	Count   int    `json:"count"`
}

// User is one entry of the external user directory. The service does
// not authenticate users; the directory only backs author
// autocompletion.
type User struct {
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}
