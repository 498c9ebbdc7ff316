package ledger

import (
	"database/sql"
	"fmt"
)

// AgendaItem is one row in the agenda_items table: an agenda marker the
// platform published for a meeting.
type AgendaItem struct {
	ID     int64
	ClipID int

	// ItemNumber is the agenda numbering as published (e.g., "2.1").
	ItemNumber string

	// Title is the item title, truncated at discovery time.
	Title string

	// StartSeconds is the offset of the item in the recording.
	StartSeconds int

	// EndSeconds is the offset where the next item begins; nil for the last
	// item, whose end is derived during segmentation.
	EndSeconds *int

	// Presenter is the person presenting the item, when the agenda names
	// one. The platform does not expose this; it is filled in manually or
	// by a minutes importer, and speaker attribution uses it as evidence.
	Presenter string

	// GranicusItemID is the platform's own marker identifier, when exposed.
	GranicusItemID string
}

// ReplaceAgendaItems replaces all agenda items for a meeting in one
// transaction. Re-discovery of a clip refreshes the full list.
func (s *Store) ReplaceAgendaItems(clipID int, items []AgendaItem) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("ledger: begin agenda replace for %d: %w", clipID, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM agenda_items WHERE clip_id = ?`, clipID); err != nil {
		return fmt.Errorf("ledger: clear agenda items for %d: %w", clipID, err)
	}
	for _, item := range items {
		var end any
		if item.EndSeconds != nil {
			end = *item.EndSeconds
		}
		_, err := tx.Exec(`
			INSERT INTO agenda_items (clip_id, item_number, title, start_seconds, end_seconds, presenter, granicus_item_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			clipID, nullable(item.ItemNumber), item.Title, item.StartSeconds, end,
			nullable(item.Presenter), nullable(item.GranicusItemID),
		)
		if err != nil {
			return fmt.Errorf("ledger: insert agenda item for %d: %w", clipID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit agenda replace for %d: %w", clipID, err)
	}
	return nil
}

// AgendaItems returns a meeting's agenda items in recording order.
func (s *Store) AgendaItems(clipID int) ([]AgendaItem, error) {
	rows, err := s.db.Query(`
		SELECT id, clip_id, item_number, title, start_seconds, end_seconds, presenter, granicus_item_id
		FROM agenda_items WHERE clip_id = ? ORDER BY start_seconds ASC, id ASC`, clipID)
	if err != nil {
		return nil, fmt.Errorf("ledger: agenda items for %d: %w", clipID, err)
	}
	defer rows.Close()

	var items []AgendaItem
	for rows.Next() {
		var item AgendaItem
		var number, presenter, granicusID sql.NullString
		var end sql.NullInt64
		if err := rows.Scan(&item.ID, &item.ClipID, &number, &item.Title, &item.StartSeconds, &end, &presenter, &granicusID); err != nil {
			return nil, fmt.Errorf("ledger: scan agenda item: %w", err)
		}
		item.ItemNumber = number.String
		item.Presenter = presenter.String
		item.GranicusItemID = granicusID.String
		if end.Valid {
			e := int(end.Int64)
			item.EndSeconds = &e
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Segment is one row in the segments table: a stretch of transcript aligned
// to (at most) one agenda item.
type Segment struct {
	ID     int64
	ClipID int

	// AgendaItemID links to the agenda item this segment covers; nil for
	// synthetic segments of meetings without agenda markers.
	AgendaItemID *int64

	// Title is the agenda item title carried alongside for convenience.
	Title string

	// StartSeconds and EndSeconds bound the segment in the recording.
	StartSeconds float64
	EndSeconds   float64

	// Text is the transcript text assigned to this segment.
	Text string
}

// ReplaceSegments replaces all transcript segments for a meeting in one
// transaction.
func (s *Store) ReplaceSegments(clipID int, segments []Segment) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("ledger: begin segment replace for %d: %w", clipID, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM segments WHERE clip_id = ?`, clipID); err != nil {
		return fmt.Errorf("ledger: clear segments for %d: %w", clipID, err)
	}
	for _, seg := range segments {
		var itemID any
		if seg.AgendaItemID != nil {
			itemID = *seg.AgendaItemID
		}
		_, err := tx.Exec(`
			INSERT INTO segments (clip_id, agenda_item_id, title, start_seconds, end_seconds, text)
			VALUES (?, ?, ?, ?, ?, ?)`,
			clipID, itemID, nullable(seg.Title), seg.StartSeconds, seg.EndSeconds, seg.Text,
		)
		if err != nil {
			return fmt.Errorf("ledger: insert segment for %d: %w", clipID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit segment replace for %d: %w", clipID, err)
	}
	return nil
}

// Segments returns a meeting's transcript segments in recording order.
func (s *Store) Segments(clipID int) ([]Segment, error) {
	rows, err := s.db.Query(`
		SELECT id, clip_id, agenda_item_id, title, start_seconds, end_seconds, text
		FROM segments WHERE clip_id = ? ORDER BY start_seconds ASC, id ASC`, clipID)
	if err != nil {
		return nil, fmt.Errorf("ledger: segments for %d: %w", clipID, err)
	}
	defer rows.Close()

	var segments []Segment
	for rows.Next() {
		var seg Segment
		var itemID sql.NullInt64
		var title sql.NullString
		if err := rows.Scan(&seg.ID, &seg.ClipID, &itemID, &title, &seg.StartSeconds, &seg.EndSeconds, &seg.Text); err != nil {
			return nil, fmt.Errorf("ledger: scan segment: %w", err)
		}
		seg.Title = title.String
		if itemID.Valid {
			id := itemID.Int64
			seg.AgendaItemID = &id
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}
