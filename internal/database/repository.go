package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	_ "github.com/mattn/go-sqlite3"

	"github.com/euacreations/airwave/internal/models"
)

// Repository is the EPG program store. Rows are keyed by
// (frequency, channel_service_id, start_time); the parser writes them, the
// XMLTV and JSON endpoints read them concurrently.
type Repository struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS programs (
	frequency          TEXT    NOT NULL,
	channel_service_id TEXT    NOT NULL,
	start_time         INTEGER NOT NULL,
	end_time           INTEGER NOT NULL,
	title              TEXT    NOT NULL,
	description        TEXT    NOT NULL DEFAULT '',
	event_id           INTEGER NOT NULL DEFAULT 0,
	source_id          INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (frequency, channel_service_id, start_time)
);
CREATE INDEX IF NOT EXISTS idx_programs_end_time ON programs (end_time);
`

func NewRepository(path string) (*Repository, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite serialises writers; a single connection avoids SQLITE_BUSY
	// between the parser and the HTTP readers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

// UpsertProgram inserts or refreshes one EPG row. Re-announcements overwrite
// end time, title, event id and source id; the description survives unless
// the new row actually carries one, so an extended-text update is never
// clobbered by a later bare event table.
func (r *Repository) UpsertProgram(ctx context.Context, p *models.Program) error {
	if !p.Valid() {
		return fmt.Errorf("invalid program row %q@%d", p.Title, p.StartTime)
	}

	query := `INSERT INTO programs
		(frequency, channel_service_id, start_time, end_time, title, description, event_id, source_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (frequency, channel_service_id, start_time) DO UPDATE SET
		end_time = excluded.end_time,
		title = excluded.title,
		event_id = excluded.event_id,
		source_id = excluded.source_id,
		description = CASE WHEN excluded.description != ''
			THEN excluded.description ELSE programs.description END`

	_, err := r.db.ExecContext(ctx, query,
		p.Frequency,
		p.ChannelServiceID,
		p.StartTime,
		p.EndTime,
		p.Title,
		p.Description,
		p.EventID,
		p.SourceID,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert program: %w", err)
	}
	return nil
}

// UpdateDescription attaches extended text to an already announced event.
// It never inserts; a description with no matching event id is a no-op.
func (r *Repository) UpdateDescription(ctx context.Context, frequency, channelServiceID string, eventID int, description string) error {
	query := `UPDATE programs SET description = ?
		WHERE frequency = ? AND channel_service_id = ? AND event_id = ?`

	_, err := r.db.ExecContext(ctx, query, description, frequency, channelServiceID, eventID)
	if err != nil {
		return fmt.Errorf("failed to update description: %w", err)
	}
	return nil
}

// SelectActive returns every program that has not yet ended, ordered for the
// XMLTV document.
func (r *Repository) SelectActive(ctx context.Context, now int64) ([]*models.Program, error) {
	query := `SELECT frequency, channel_service_id, start_time, end_time,
		title, description, event_id, source_id
		FROM programs
		WHERE end_time > ?
		ORDER BY channel_service_id, start_time`

	return r.selectPrograms(ctx, query, now)
}

// SelectWindow returns programs overlapping [start, end).
func (r *Repository) SelectWindow(ctx context.Context, start, end int64) ([]*models.Program, error) {
	query := `SELECT frequency, channel_service_id, start_time, end_time,
		title, description, event_id, source_id
		FROM programs
		WHERE end_time > ? AND start_time < ?
		ORDER BY channel_service_id, start_time`

	return r.selectPrograms(ctx, query, start, end)
}

// SelectNowPlaying returns the program on air right now for each channel.
func (r *Repository) SelectNowPlaying(ctx context.Context, now int64) ([]*models.Program, error) {
	query := `SELECT frequency, channel_service_id, start_time, end_time,
		title, description, event_id, source_id
		FROM programs
		WHERE start_time <= ? AND end_time > ?
		ORDER BY channel_service_id`

	return r.selectPrograms(ctx, query, now, now)
}

func (r *Repository) selectPrograms(ctx context.Context, query string, args ...any) ([]*models.Program, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query programs: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("Error closing rows: %v", err)
		}
	}()

	var programs []*models.Program

	for rows.Next() {
		var p models.Program
		if err := rows.Scan(
			&p.Frequency,
			&p.ChannelServiceID,
			&p.StartTime,
			&p.EndTime,
			&p.Title,
			&p.Description,
			&p.EventID,
			&p.SourceID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan program: %w", err)
		}
		programs = append(programs, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return programs, nil
}
