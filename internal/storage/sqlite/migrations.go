package sqlite

import "database/sql"

const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS progress (
    student_id         TEXT NOT NULL,
    assignment_id      TEXT NOT NULL,
    status             TEXT NOT NULL DEFAULT 'pending'
                       CHECK(status IN ('pending','inProgress','completed')),
    updated_at         DATETIME NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (student_id, assignment_id)
);

CREATE INDEX IF NOT EXISTS idx_progress_status ON progress(status);
CREATE INDEX IF NOT EXISTS idx_progress_updated ON progress(updated_at DESC);

CREATE TABLE IF NOT EXISTS submissions (
    id            TEXT PRIMARY KEY,
    student_id    TEXT NOT NULL,
    assignment_id TEXT NOT NULL,
    mode          TEXT NOT NULL CHECK(mode IN ('blocks','text')),
    source        TEXT NOT NULL DEFAULT '',
    passed        INTEGER NOT NULL DEFAULT 0,
    passed_count  INTEGER NOT NULL DEFAULT 0,
    total         INTEGER NOT NULL DEFAULT 0,
    results       TEXT NOT NULL DEFAULT '[]',
    created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_submissions_student ON submissions(student_id, assignment_id);
CREATE INDEX IF NOT EXISTS idx_submissions_created ON submissions(created_at DESC);
`

func runMigrations(db *sql.DB) error {
	var current int
	row := db.QueryRow("SELECT version FROM schema_version LIMIT 1")
	if err := row.Scan(&current); err != nil {
		// Table doesn't exist or is empty
		current = 0
	}

	if current >= schemaVersion {
		return nil
	}

	if current < 1 {
		if _, err := db.Exec(schemaV1); err != nil {
			return err
		}
	}

	_, err := db.Exec(`
		DELETE FROM schema_version;
		INSERT INTO schema_version (version) VALUES (?);
	`, schemaVersion)
	return err
}
