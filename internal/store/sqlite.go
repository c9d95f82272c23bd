// Package store persists relay rooms in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"icinema/internal/protocol"
	"icinema/internal/rooms"
)

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id                      INTEGER PRIMARY KEY AUTOINCREMENT,
	name                    TEXT NOT NULL,
	created_at              TIMESTAMP NOT NULL,
	video_url               TEXT NOT NULL DEFAULT '',
	video_duration          REAL,
	last_operation_type     TEXT NOT NULL DEFAULT '',
	last_operation_time     TIMESTAMP,
	last_operation_progress REAL NOT NULL DEFAULT 0,
	last_operation_user     INTEGER
)`

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return db, nil
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) rooms.Store {
	return &Repository{db: db}
}

func (r *Repository) CreateRoom(ctx context.Context, name string, createdAt time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, "INSERT INTO rooms (name, created_at) VALUES (?, ?)", name, createdAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert room '%s': %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read room id: %w", err)
	}
	return id, nil
}

func (r *Repository) SaveRoom(ctx context.Context, rec rooms.Record) error {
	query := `
		UPDATE rooms SET
			video_url = ?, video_duration = ?,
			last_operation_type = ?, last_operation_time = ?,
			last_operation_progress = ?, last_operation_user = ?
		WHERE id = ?`
	var opTime sql.NullTime
	if !rec.LastOperationTime.IsZero() {
		opTime = sql.NullTime{Time: rec.LastOperationTime, Valid: true}
	}
	res, err := r.db.ExecContext(ctx, query,
		rec.VideoURL, nullFloat(rec.VideoDuration),
		string(rec.LastOperationType), opTime,
		rec.LastOperationProgress, nullInt(rec.LastOperationUser),
		rec.ID)
	if err != nil {
		return fmt.Errorf("failed to update room %d: %w", rec.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return rooms.ErrRoomNotFound
	}
	return nil
}

func (r *Repository) ListRooms(ctx context.Context) ([]rooms.Record, error) {
	query := `
		SELECT id, name, created_at, video_url, video_duration,
		       last_operation_type, last_operation_time, last_operation_progress, last_operation_user
		FROM rooms ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query rooms: %w", err)
	}
	defer rows.Close()

	var results []rooms.Record
	for rows.Next() {
		var (
			rec      rooms.Record
			op       string
			duration sql.NullFloat64
			opTime   sql.NullTime
			user     sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.CreatedAt, &rec.VideoURL, &duration,
			&op, &opTime, &rec.LastOperationProgress, &user); err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		rec.LastOperationType = protocol.Operation(op)
		if duration.Valid {
			d := duration.Float64
			rec.VideoDuration = &d
		}
		if opTime.Valid {
			rec.LastOperationTime = opTime.Time.UTC()
		}
		if user.Valid {
			u := user.Int64
			rec.LastOperationUser = &u
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over rooms: %w", err)
	}
	return results, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
