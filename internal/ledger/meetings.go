package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Meeting is one row in the meetings table.
type Meeting struct {
	// ClipID is the platform's clip identifier and the primary key.
	ClipID int

	// Title is the page title recorded at discovery.
	Title string

	// MeetingDate is the meeting date in ISO form ("2025-06-03"), or empty
	// when no date could be parsed from the title.
	MeetingDate string

	// MeetingType classifies the meeting (e.g., "City Council").
	MeetingType string

	// VideoURL is the stream address, when the platform exposed one.
	VideoURL string

	// DurationSeconds is the recording length, 0 when unknown.
	DurationSeconds int

	// DiscoveredAt is when discovery first recorded this meeting (RFC 3339).
	DiscoveredAt string

	// Status is the meeting's position in the pipeline.
	Status Status
}

const meetingColumns = "clip_id, title, meeting_date, meeting_type, video_url, duration_seconds, discovered_at, status"

func scanMeeting(row interface{ Scan(...any) error }) (*Meeting, error) {
	var m Meeting
	var date, mtype, url sql.NullString
	err := row.Scan(&m.ClipID, &m.Title, &date, &mtype, &url, &m.DurationSeconds, &m.DiscoveredAt, &m.Status)
	if err != nil {
		return nil, err
	}
	m.MeetingDate = date.String
	m.MeetingType = mtype.String
	m.VideoURL = url.String
	return &m, nil
}

// InsertMeeting records a newly discovered meeting with status "discovered".
// Returns ErrAlreadyExists when the clip ID is already in the ledger.
func (s *Store) InsertMeeting(m *Meeting) error {
	status := m.Status
	if status == "" {
		status = StatusDiscovered
	}
	discoveredAt := m.DiscoveredAt
	if discoveredAt == "" {
		discoveredAt = now()
	}
	_, err := s.db.Exec(
		`INSERT INTO meetings (`+meetingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ClipID, m.Title, nullable(m.MeetingDate), nullable(m.MeetingType),
		nullable(m.VideoURL), m.DurationSeconds, discoveredAt, status,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("ledger: meeting %d: %w", m.ClipID, ErrAlreadyExists)
		}
		return fmt.Errorf("ledger: insert meeting %d: %w", m.ClipID, err)
	}
	return nil
}

// Meeting returns the meeting with the given clip ID.
func (s *Store) Meeting(clipID int) (*Meeting, error) {
	row := s.db.QueryRow(`SELECT `+meetingColumns+` FROM meetings WHERE clip_id = ?`, clipID)
	m, err := scanMeeting(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger: meeting %d: %w", clipID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get meeting %d: %w", clipID, err)
	}
	return m, nil
}

// ListByStatus returns all meetings in the given status, most recent meeting
// date first.
func (s *Store) ListByStatus(status Status) ([]*Meeting, error) {
	rows, err := s.db.Query(
		`SELECT `+meetingColumns+` FROM meetings WHERE status = ? ORDER BY meeting_date DESC, clip_id DESC`,
		status,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: list by status %q: %w", status, err)
	}
	defer rows.Close()
	return collectMeetings(rows)
}

// NextPending returns up to limit meetings in the given status, oldest
// meeting date first, so backfills process history in order.
func (s *Store) NextPending(status Status, limit int) ([]*Meeting, error) {
	rows, err := s.db.Query(
		`SELECT `+meetingColumns+` FROM meetings WHERE status = ? ORDER BY meeting_date ASC, clip_id ASC LIMIT ?`,
		status, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: next pending %q: %w", status, err)
	}
	defer rows.Close()
	return collectMeetings(rows)
}

func collectMeetings(rows *sql.Rows) ([]*Meeting, error) {
	var meetings []*Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan meeting: %w", err)
		}
		meetings = append(meetings, m)
	}
	return meetings, rows.Err()
}

// UpdateStatus sets a meeting's status unconditionally.
func (s *Store) UpdateStatus(clipID int, status Status) error {
	res, err := s.db.Exec(`UPDATE meetings SET status = ? WHERE clip_id = ?`, status, clipID)
	if err != nil {
		return fmt.Errorf("ledger: update status of %d: %w", clipID, err)
	}
	return requireRow(res, clipID)
}

// AdvanceStatus moves a meeting from one status to the next with a
// compare-and-set, so two workers cannot both claim the same meeting.
// Returns ErrStatusConflict when the meeting is not in the expected status
// and ErrNotFound when it does not exist at all.
func (s *Store) AdvanceStatus(clipID int, from, to Status) error {
	res, err := s.db.Exec(
		`UPDATE meetings SET status = ? WHERE clip_id = ? AND status = ?`,
		to, clipID, from,
	)
	if err != nil {
		return fmt.Errorf("ledger: advance status of %d: %w", clipID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: advance status of %d: %w", clipID, err)
	}
	if n == 0 {
		if _, err := s.Meeting(clipID); err != nil {
			return err
		}
		return fmt.Errorf("ledger: meeting %d is not %q: %w", clipID, from, ErrStatusConflict)
	}
	return nil
}

// UpdateVideoURL fills in the stream address of a meeting that was
// discovered without one. An existing URL is left untouched.
func (s *Store) UpdateVideoURL(clipID int, videoURL string) error {
	res, err := s.db.Exec(
		`UPDATE meetings SET video_url = ? WHERE clip_id = ? AND (video_url IS NULL OR video_url = '')`,
		videoURL, clipID,
	)
	if err != nil {
		return fmt.Errorf("ledger: update video URL of %d: %w", clipID, err)
	}
	// Zero rows affected means the URL was already set; that is fine.
	_ = res
	return nil
}

// UpdateDuration records the recording length learned from the audio probe.
func (s *Store) UpdateDuration(clipID, durationSeconds int) error {
	res, err := s.db.Exec(
		`UPDATE meetings SET duration_seconds = ? WHERE clip_id = ?`,
		durationSeconds, clipID,
	)
	if err != nil {
		return fmt.Errorf("ledger: update duration of %d: %w", clipID, err)
	}
	return requireRow(res, clipID)
}

// CountsByStatus returns the number of meetings in each status.
func (s *Store) CountsByStatus() (map[Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM meetings GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("ledger: counts by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("ledger: scan status count: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

func requireRow(res sql.Result, clipID int) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: rows affected for %d: %w", clipID, err)
	}
	if n == 0 {
		return fmt.Errorf("ledger: meeting %d: %w", clipID, ErrNotFound)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueViolation reports whether err is a SQLite unique constraint
// failure. modernc.org/sqlite does not export a typed error for this, so the
// message is matched.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
