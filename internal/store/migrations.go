package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/mailbox-sync/internal/mailbox"
)

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		);

		CREATE TABLE IF NOT EXISTS items (
			kind            INTEGER NOT NULL,
			id              TEXT    NOT NULL,
			conversation_id TEXT    NOT NULL DEFAULT '',
			subject         TEXT    NOT NULL DEFAULT '',
			sender          TEXT    NOT NULL DEFAULT '',
			time            INTEGER NOT NULL DEFAULT 0,
			sort_order      INTEGER NOT NULL DEFAULT 0,
			size            INTEGER NOT NULL DEFAULT 0,
			unread          INTEGER NOT NULL DEFAULT 0,
			num_messages    INTEGER NOT NULL DEFAULT 0,
			num_attachments INTEGER NOT NULL DEFAULT 0,
			pinned          INTEGER NOT NULL DEFAULT 0,
			updated_at      INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (kind, id)
		);

		CREATE TABLE IF NOT EXISTS item_labels (
			kind      INTEGER NOT NULL,
			item_id   TEXT    NOT NULL,
			label_id  TEXT    NOT NULL,
			exclusive INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (kind, item_id, label_id)
		);
		CREATE INDEX IF NOT EXISTS idx_item_labels_label ON item_labels(label_id, kind);

		CREATE TABLE IF NOT EXISTS labels (
			id         TEXT PRIMARY KEY,
			name       TEXT    NOT NULL DEFAULT '',
			type       INTEGER NOT NULL DEFAULT 1,
			color      TEXT    NOT NULL DEFAULT '',
			sort_order INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS counters (
			label_id   TEXT    NOT NULL,
			kind       INTEGER NOT NULL,
			total      INTEGER NOT NULL DEFAULT 0,
			unread     INTEGER NOT NULL DEFAULT 0,
			state      INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (label_id, kind)
		);

		INSERT INTO schema_version (version) VALUES (1);
		`,
	},
}

// runMigrations applies outstanding migrations in order and seeds the
// system labels.
func runMigrations(db *sqlx.DB) error {
	currentVersion := 0

	var tableCount int
	err := db.Get(&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		if err := db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	for _, l := range mailbox.SystemLabels() {
		_, err := db.Exec(
			`INSERT OR IGNORE INTO labels (id, name, type, color, sort_order) VALUES (?, ?, ?, '', 0)`,
			string(l.ID), l.Name, int(l.Type))
		if err != nil {
			return fmt.Errorf("seeding system label %s: %w", l.ID, err)
		}
	}
	return nil
}
