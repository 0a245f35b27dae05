package kv

const Schema = `
CREATE TABLE IF NOT EXISTS documents (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	version INTEGER NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
