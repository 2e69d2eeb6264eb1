package database

// schema contains all table definitions. Each statement is idempotent (CREATE IF NOT EXISTS).
const schema = `
CREATE TABLE IF NOT EXISTS connection_events (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    scope     TEXT    NOT NULL,
    server    TEXT    NOT NULL DEFAULT '',
    provider  TEXT    NOT NULL DEFAULT '',
    address   TEXT    NOT NULL DEFAULT '',
    code      TEXT    NOT NULL,
    detail    TEXT    NOT NULL DEFAULT '',
    timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_connection_events_ts
    ON connection_events (timestamp);
`
