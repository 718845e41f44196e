package users

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const passwdSample = `root:x:0:0:root:/root:/bin/bash
daemon:x:1:1:daemon:/usr/sbin:/usr/sbin/nologin
# a comment
aampere:x:1001:1001:Alice Ampere,room 42,555-1234:/home/aampere:/bin/bash
bbar:x:1002:1002:Bob Bar:/home/bbar:/bin/zsh
short:bad:line
`

func writePasswd(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "passwd")
	if err := os.WriteFile(path, []byte(passwdSample), 0o644); err != nil {
		t.Fatalf("failed to write passwd fixture: %v", err)
	}
	return path
}

func TestPasswdSearchByName(t *testing.T) {
	dir := &Passwd{Path: writePasswd(t)}

	users, err := dir.Search(context.Background(), "ampere")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("got %d users, want 1", len(users))
	}
	if users[0].Login != "aampere" {
		t.Errorf("Login = %q", users[0].Login)
	}
	// Only the name part of the gecos field, not the room or phone.
	if users[0].Name != "Alice Ampere" {
		t.Errorf("Name = %q", users[0].Name)
	}
}

func TestPasswdSearchByLogin(t *testing.T) {
	dir := &Passwd{Path: writePasswd(t)}

	users, err := dir.Search(context.Background(), "bbar")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(users) != 1 || users[0].Name != "Bob Bar" {
		t.Fatalf("users = %+v", users)
	}
}

func TestPasswdSearchCaseInsensitive(t *testing.T) {
	dir := &Passwd{Path: writePasswd(t)}

	users, err := dir.Search(context.Background(), "ALICE")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("got %d users, want 1", len(users))
	}
}

func TestPasswdSearchEmptyQueryListsAll(t *testing.T) {
	dir := &Passwd{Path: writePasswd(t)}

	users, err := dir.Search(context.Background(), "")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	// Four well-formed lines; the comment and the short line skip.
	if len(users) != 4 {
		t.Fatalf("got %d users, want 4", len(users))
	}
}

func TestNullDirectory(t *testing.T) {
	users, err := Null{}.Search(context.Background(), "anyone")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if users != nil {
		t.Errorf("Null directory should find nobody, got %+v", users)
	}
}
