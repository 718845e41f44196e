package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/untoldecay/elogd/internal/types"
)

// testEnv provides a test environment with common setup and helpers.
// Use newTestEnv(t) to create one with automatic cleanup.
type testEnv struct {
	t     *testing.T
	Store *Store
	Ctx   context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return &testEnv{
		t:     t,
		Store: newTestStore(t, ""),
		Ctx:   context.Background(),
	}
}

func newTestStore(t *testing.T, dbPath string, opts ...Option) *Store {
	t.Helper()

	if dbPath == "" {
		dbPath = filepath.Join(t.TempDir(), "test.db")
	}

	store, err := New(context.Background(), dbPath, opts...)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		if cerr := store.Close(); cerr != nil {
			t.Fatalf("failed to close test database: %v", cerr)
		}
	})
	return store
}

// CreateLogbook creates a logbook with the given name and defaults.
func (e *testEnv) CreateLogbook(name string) *types.Logbook {
	e.t.Helper()
	return e.CreateLogbookWith(&types.Logbook{Name: name})
}

// CreateChildLogbook creates a logbook below the given parent.
func (e *testEnv) CreateChildLogbook(name string, parentID int64) *types.Logbook {
	e.t.Helper()
	return e.CreateLogbookWith(&types.Logbook{Name: name, ParentID: &parentID})
}

func (e *testEnv) CreateLogbookWith(lb *types.Logbook) *types.Logbook {
	e.t.Helper()
	if err := e.Store.CreateLogbook(e.Ctx, lb); err != nil {
		e.t.Fatalf("CreateLogbook(%q) failed: %v", lb.Name, err)
	}
	return lb
}

// CreateEntry creates an entry with the given title in the logbook.
func (e *testEnv) CreateEntry(logbookID int64, title string) *types.Entry {
	e.t.Helper()
	return e.CreateEntryWith(&types.Entry{
		LogbookID: logbookID,
		Title:     title,
		Authors:   []types.Author{{Name: "Test Author", Login: "test"}},
		Content:   "<p>" + title + "</p>",
	})
}

// CreateFollowup creates a followup to the given entry.
func (e *testEnv) CreateFollowup(entry *types.Entry, title string) *types.Entry {
	e.t.Helper()
	return e.CreateEntryWith(&types.Entry{
		LogbookID: entry.LogbookID,
		Title:     title,
		Authors:   []types.Author{{Name: "Followup Author", Login: "followup"}},
		Content:   "<p>" + title + "</p>",
		FollowsID: &entry.ID,
	})
}

func (e *testEnv) CreateEntryWith(entry *types.Entry) *types.Entry {
	e.t.Helper()
	if err := e.Store.CreateEntry(e.Ctx, entry); err != nil {
		e.t.Fatalf("CreateEntry(%q) failed: %v", entry.Title, err)
	}
	return entry
}

// UpdateEntry applies updates at the entry's current revision.
func (e *testEnv) UpdateEntry(id int64, updates map[string]any, ip string) *types.Entry {
	e.t.Helper()
	n, err := e.Store.CountEntryChanges(e.Ctx, id)
	if err != nil {
		e.t.Fatalf("CountEntryChanges(%d) failed: %v", id, err)
	}
	entry, err := e.Store.UpdateEntry(e.Ctx, id, updates, n, types.ChangeMeta{IP: ip})
	if err != nil {
		e.t.Fatalf("UpdateEntry(%d) failed: %v", id, err)
	}
	return entry
}
