package sqlite

const schema = `
-- Logbooks table
CREATE TABLE IF NOT EXISTS logbook (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    template TEXT NOT NULL DEFAULT '',
    template_content_type TEXT NOT NULL DEFAULT 'text/html; charset=UTF-8',
    parent_id INTEGER REFERENCES logbook(id),
    attributes TEXT NOT NULL DEFAULT '[]',
    metadata TEXT NOT NULL DEFAULT '{}',
    archived INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    last_changed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_logbook_parent ON logbook(parent_id);

-- Logbook change log (audit trail; stores the pre-image of the
-- fields that differed, as JSON)
CREATE TABLE IF NOT EXISTS logbookchange (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    logbook_id INTEGER NOT NULL REFERENCES logbook(id),
    changed TEXT NOT NULL DEFAULT '{}',
    timestamp DATETIME NOT NULL,
    change_authors TEXT,
    change_comment TEXT,
    change_ip TEXT
);

CREATE INDEX IF NOT EXISTS idx_logbookchange_logbook ON logbookchange(logbook_id);

-- Entries table
CREATE TABLE IF NOT EXISTS entry (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    logbook_id INTEGER NOT NULL REFERENCES logbook(id),
    title TEXT,
    authors TEXT NOT NULL DEFAULT '[]',
    content TEXT,
    content_type TEXT NOT NULL DEFAULT 'text/html; charset=UTF-8',
    metadata TEXT NOT NULL DEFAULT '{}',
    attributes TEXT NOT NULL DEFAULT '{}',
    priority INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    last_changed_at DATETIME,
    follows_id INTEGER REFERENCES entry(id),
    archived INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_entry_logbook ON entry(logbook_id);
CREATE INDEX IF NOT EXISTS idx_entry_follows ON entry(follows_id);
CREATE INDEX IF NOT EXISTS idx_entry_created_at ON entry(created_at);
CREATE INDEX IF NOT EXISTS idx_entry_priority ON entry(priority);

-- Entry change log
CREATE TABLE IF NOT EXISTS entrychange (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    entry_id INTEGER NOT NULL REFERENCES entry(id),
    changed TEXT NOT NULL DEFAULT '{}',
    timestamp DATETIME NOT NULL,
    change_authors TEXT,
    change_comment TEXT,
    change_ip TEXT
);

CREATE INDEX IF NOT EXISTS idx_entrychange_entry ON entrychange(entry_id);

-- Advisory edit locks. A lock is active while cancelled_at is null
-- and expires_at lies in the future; expiry is passive, expired rows
-- just stop matching.
CREATE TABLE IF NOT EXISTS entrylock (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    entry_id INTEGER NOT NULL REFERENCES entry(id),
    created_at DATETIME NOT NULL,
    expires_at DATETIME NOT NULL,
    owned_by_ip TEXT NOT NULL,
    cancelled_at DATETIME,
    cancelled_by_ip TEXT
);

CREATE INDEX IF NOT EXISTS idx_entrylock_entry ON entrylock(entry_id, expires_at);

-- Attachment metadata; the file itself lives in the blob tree under
-- the recorded path.
CREATE TABLE IF NOT EXISTS attachment (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    entry_id INTEGER REFERENCES entry(id),
    filename TEXT,
    timestamp DATETIME NOT NULL,
    path TEXT NOT NULL,
    content_type TEXT,
    embedded INTEGER NOT NULL DEFAULT 0,
    metadata TEXT,
    archived INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_attachment_entry ON attachment(entry_id);
CREATE INDEX IF NOT EXISTS idx_attachment_path ON attachment(path);
`
