package sqlite

import (
	"errors"
	"testing"

	"github.com/untoldecay/elogd/internal/types"
)

func TestCreateAttachment(t *testing.T) {
	env := newTestEnv(t)
	lb := env.CreateLogbook("Ops")
	entry := env.CreateEntry(lb.ID, "with file")

	a := &types.Attachment{
		EntryID:     &entry.ID,
		Filename:    "screenshot.png",
		Path:        "2024/05/01/1714550400-screenshot.png",
		ContentType: "image/png",
		Metadata:    map[string]any{"size": []any{float64(640), float64(480)}},
	}
	if err := env.Store.CreateAttachment(env.Ctx, a); err != nil {
		t.Fatalf("CreateAttachment failed: %v", err)
	}
	if a.ID == 0 {
		t.Error("attachment ID should be set")
	}

	got, err := env.Store.GetAttachment(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAttachment failed: %v", err)
	}
	if got.Filename != "screenshot.png" || got.Path != a.Path {
		t.Errorf("attachment = %+v", got)
	}

	byPath, err := env.Store.GetAttachmentByPath(env.Ctx, a.Path)
	if err != nil {
		t.Fatalf("GetAttachmentByPath failed: %v", err)
	}
	if byPath.ID != a.ID {
		t.Errorf("GetAttachmentByPath returned %d, want %d", byPath.ID, a.ID)
	}
}

func TestBindAttachment(t *testing.T) {
	env := newTestEnv(t)
	lb := env.CreateLogbook("Ops")
	entry := env.CreateEntry(lb.ID, "late binding")

	// An upload may arrive before the entry it belongs to exists.
	a := &types.Attachment{
		Filename: "data.csv",
		Path:     "2024/05/01/1714550400-data.csv",
	}
	if err := env.Store.CreateAttachment(env.Ctx, a); err != nil {
		t.Fatalf("CreateAttachment failed: %v", err)
	}
	if a.EntryID != nil {
		t.Fatal("attachment should start unbound")
	}

	if err := env.Store.BindAttachment(env.Ctx, a.ID, entry.ID); err != nil {
		t.Fatalf("BindAttachment failed: %v", err)
	}
	got, err := env.Store.GetAttachment(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAttachment failed: %v", err)
	}
	if got.EntryID == nil || *got.EntryID != entry.ID {
		t.Errorf("EntryID = %v, want %d", got.EntryID, entry.ID)
	}
}

func TestGetEntryAttachments(t *testing.T) {
	env := newTestEnv(t)
	lb := env.CreateLogbook("Ops")
	entry := env.CreateEntry(lb.ID, "gallery")

	plain := &types.Attachment{EntryID: &entry.ID, Filename: "doc.pdf", Path: "p/doc.pdf"}
	inline := &types.Attachment{EntryID: &entry.ID, Filename: "inline-1.png", Path: "p/inline-1.png", Embedded: true}
	for _, a := range []*types.Attachment{plain, inline} {
		if err := env.Store.CreateAttachment(env.Ctx, a); err != nil {
			t.Fatalf("CreateAttachment failed: %v", err)
		}
	}

	regular, err := env.Store.GetEntryAttachments(env.Ctx, entry.ID, false)
	if err != nil {
		t.Fatalf("GetEntryAttachments failed: %v", err)
	}
	if len(regular) != 1 || regular[0].ID != plain.ID {
		t.Errorf("regular attachments = %+v", regular)
	}

	embedded, err := env.Store.GetEntryAttachments(env.Ctx, entry.ID, true)
	if err != nil {
		t.Fatalf("GetEntryAttachments failed: %v", err)
	}
	if len(embedded) != 1 || embedded[0].ID != inline.ID {
		t.Errorf("embedded attachments = %+v", embedded)
	}
}

func TestArchiveAttachment(t *testing.T) {
	env := newTestEnv(t)
	lb := env.CreateLogbook("Ops")
	entry := env.CreateEntry(lb.ID, "shrinking")

	a := &types.Attachment{EntryID: &entry.ID, Filename: "old.txt", Path: "p/old.txt"}
	if err := env.Store.CreateAttachment(env.Ctx, a); err != nil {
		t.Fatalf("CreateAttachment failed: %v", err)
	}

	if err := env.Store.ArchiveAttachment(env.Ctx, a.ID); err != nil {
		t.Fatalf("ArchiveAttachment failed: %v", err)
	}

	// Hidden from listings and path lookups, still loadable by ID.
	list, err := env.Store.GetEntryAttachments(env.Ctx, entry.ID, false)
	if err != nil {
		t.Fatalf("GetEntryAttachments failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("archived attachment still listed: %+v", list)
	}
	if _, err := env.Store.GetAttachmentByPath(env.Ctx, a.Path); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("archived attachment should not resolve by path, got %v", err)
	}
	if _, err := env.Store.GetAttachment(env.Ctx, a.ID); err != nil {
		t.Errorf("archived attachment should still load by ID: %v", err)
	}

	if err := env.Store.ArchiveAttachment(env.Ctx, 9999); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("archiving a missing attachment should be ErrNotFound, got %v", err)
	}
}
