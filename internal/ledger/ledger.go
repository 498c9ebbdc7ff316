// Package ledger implements the meeting ledger: a single-file SQLite store
// that tracks every discovered meeting through the pipeline.
//
// The ledger is the pipeline's source of truth for progress. Each meeting
// row carries a status from the stage state machine; stage workers claim
// work by reading pending statuses, write their artifacts to disk first, and
// only then advance the status, so an interrupted run resumes exactly where
// it stopped. All writes go through one *sql.DB with WAL enabled, which is
// sufficient for the handful of concurrent workers a batch run uses.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Status is a meeting's position in the pipeline state machine.
type Status string

const (
	StatusDiscovered   Status = "discovered"
	StatusDownloading  Status = "downloading"
	StatusDownloaded   Status = "downloaded"
	StatusTranscribing Status = "transcribing"
	StatusTranscribed  Status = "transcribed"
	StatusValidating   Status = "validating"
	StatusValidated    Status = "validated"
	StatusAnalyzing    Status = "analyzing"
	StatusAnalyzed     Status = "analyzed"
	StatusFailed       Status = "failed"
	StatusSkipped      Status = "skipped"
)

// IsValid reports whether s is a recognised status.
func (s Status) IsValid() bool {
	switch s {
	case StatusDiscovered, StatusDownloading, StatusDownloaded,
		StatusTranscribing, StatusTranscribed, StatusValidating,
		StatusValidated, StatusAnalyzing, StatusAnalyzed,
		StatusFailed, StatusSkipped:
		return true
	}
	return false
}

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("ledger: not found")

	// ErrAlreadyExists is returned by inserts that hit a primary key.
	ErrAlreadyExists = errors.New("ledger: already exists")

	// ErrStatusConflict is returned by AdvanceStatus when the meeting is not
	// in the expected source status, meaning another worker got there first.
	ErrStatusConflict = errors.New("ledger: status conflict")
)

const schema = `
CREATE TABLE IF NOT EXISTS meetings (
	clip_id          INTEGER PRIMARY KEY,
	title            TEXT NOT NULL,
	meeting_date     TEXT,
	meeting_type     TEXT,
	video_url        TEXT,
	duration_seconds INTEGER NOT NULL DEFAULT 0,
	discovered_at    TEXT NOT NULL,
	status           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agenda_items (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	clip_id          INTEGER NOT NULL REFERENCES meetings(clip_id),
	item_number      TEXT,
	title            TEXT NOT NULL,
	start_seconds    INTEGER NOT NULL,
	end_seconds      INTEGER,
	presenter        TEXT,
	granicus_item_id TEXT
);

CREATE TABLE IF NOT EXISTS transcripts (
	clip_id                 INTEGER PRIMARY KEY REFERENCES meetings(clip_id),
	full_text               TEXT NOT NULL,
	word_timestamps         TEXT NOT NULL,
	transcribed_at          TEXT NOT NULL,
	model_used              TEXT NOT NULL,
	processing_time_seconds REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS transcription_validation (
	clip_id             INTEGER PRIMARY KEY REFERENCES meetings(clip_id),
	large_v3_text       TEXT,
	medium_text         TEXT,
	merged_text         TEXT,
	wer_score           REAL NOT NULL DEFAULT 0,
	divergent_segments  TEXT,
	tier1_scores        TEXT,
	tier2_scores        TEXT,
	validation_issues   TEXT,
	validated_at        TEXT NOT NULL,
	human_review_needed INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS segments (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	clip_id        INTEGER NOT NULL REFERENCES meetings(clip_id),
	agenda_item_id INTEGER REFERENCES agenda_items(id),
	title          TEXT,
	start_seconds  REAL NOT NULL,
	end_seconds    REAL NOT NULL,
	text           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS analysis (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	clip_id           INTEGER NOT NULL REFERENCES meetings(clip_id),
	agenda_item_id    INTEGER,
	segment_ordinal   INTEGER NOT NULL DEFAULT 0,
	analysis_type     TEXT NOT NULL,
	result            TEXT NOT NULL,
	analyzed_at       TEXT NOT NULL,
	model_used        TEXT,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	UNIQUE (clip_id, analysis_type, segment_ordinal)
);

CREATE TABLE IF NOT EXISTS processing_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	clip_id    INTEGER NOT NULL,
	stage      TEXT NOT NULL,
	status     TEXT NOT NULL,
	message    TEXT,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_meetings_status ON meetings(status);
CREATE INDEX IF NOT EXISTS idx_meetings_date ON meetings(meeting_date);
CREATE INDEX IF NOT EXISTS idx_agenda_clip ON agenda_items(clip_id);
CREATE INDEX IF NOT EXISTS idx_segments_clip ON segments(clip_id);
CREATE INDEX IF NOT EXISTS idx_analysis_clip ON analysis(clip_id);
CREATE INDEX IF NOT EXISTS idx_log_clip ON processing_log(clip_id);
`

// Store is a handle to an open meeting ledger. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the ledger database at path and applies
// the schema. WAL mode and a busy timeout keep concurrent stage workers from
// tripping over each other.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("ledger: path must not be empty")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %q: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// now returns the current UTC time formatted for storage.
func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
