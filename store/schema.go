package store

// Schema contains the complete DDL for the collaboration tables.
const Schema = `
-- Projects: the relational mirror of each collaborative document
CREATE TABLE IF NOT EXISTS projects (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    owner_id   TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

-- Slides: ordered rows per project; elements and saved layouts ride as JSON
CREATE TABLE IF NOT EXISTS slides (
    id               TEXT PRIMARY KEY,
    project_id       TEXT NOT NULL,
    title            TEXT NOT NULL,
    content          TEXT NOT NULL DEFAULT '',
    template         TEXT NOT NULL DEFAULT 'blank',
    background_color TEXT NOT NULL DEFAULT '#ffffff',
    text_color       TEXT NOT NULL DEFAULT '#000000',
    slide_order      INTEGER NOT NULL,
    image_url        TEXT NOT NULL DEFAULT '',
    elements         TEXT NOT NULL DEFAULT '[]',
    saved_content    TEXT NOT NULL DEFAULT '{}',
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_slides_project ON slides(project_id, slide_order);

-- Share sessions: one row per collaboration room, snapshot is the
-- authoritative document state
CREATE TABLE IF NOT EXISTS share_sessions (
    room_id    TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    owner_id   TEXT,
    role       TEXT NOT NULL DEFAULT 'edit',
    snapshot   BLOB,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    expires_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_sessions_project ON share_sessions(project_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON share_sessions(expires_at) WHERE expires_at IS NOT NULL;
`
