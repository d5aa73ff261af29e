package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/listsync/internal/model"
)

// SyncLog journals settled mutations.
type SyncLog struct {
	db *sql.DB
}

func NewSyncLog(db *sql.DB) *SyncLog {
	return &SyncLog{db: db}
}

func (s *SyncLog) Record(ctx context.Context, rec model.SyncRecord) (*model.SyncRecord, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_log (kind, entity_keys, outcome, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.Kind, strings.Join(rec.EntityKeys, ","), string(rec.Outcome), rec.Detail, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("record sync entry: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}
	rec.ID = id
	return &rec, nil
}

// Recent returns up to limit entries, newest first.
func (s *SyncLog) Recent(ctx context.Context, limit int) ([]model.SyncRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, entity_keys, outcome, detail, created_at
		 FROM sync_log ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list sync entries: %w", err)
	}
	defer rows.Close()

	var out []model.SyncRecord
	for rows.Next() {
		var rec model.SyncRecord
		var keys, outcome string
		if err := rows.Scan(&rec.ID, &rec.Kind, &keys, &outcome, &rec.Detail, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sync entry: %w", err)
		}
		if keys != "" {
			rec.EntityKeys = strings.Split(keys, ",")
		}
		rec.Outcome = model.SyncOutcome(outcome)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes entries created before cutoff and returns how many went.
func (s *SyncLog) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sync_log WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune sync log: %w", err)
	}
	return result.RowsAffected()
}

func (s *SyncLog) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_log`); err != nil {
		return fmt.Errorf("clear sync log: %w", err)
	}
	return nil
}
