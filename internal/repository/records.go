package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ratings-tracker/internal/config"
	"ratings-tracker/internal/constants"
	"ratings-tracker/internal/domain"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
)

// Page is one bounded batch of scanned records. An empty Next means the scan is complete.
type Page struct {
	Items []domain.StoredRecord
	Next  string
}

// RecordRepository keeps one row per tracked player: the normalized key and the
// compressed history blob.
type RecordRepository struct {
	db     *sql.DB
	table  string
	logger zerolog.Logger

	scanQuery   string
	getQuery    string
	putQuery    string
	createQuery string
	countQuery  string
}

func NewRecordRepository(sqlDB *sql.DB, cfg *config.Config, logger zerolog.Logger) *RecordRepository {
	t, col := cfg.UserStatsTable, constants.StatsAttribute
	return &RecordRepository{
		db:     sqlDB,
		table:  t,
		logger: logger,

		scanQuery: fmt.Sprintf(`SELECT user_id, %s FROM %s WHERE user_id > ? ORDER BY user_id LIMIT ?`, col, t),
		getQuery:  fmt.Sprintf(`SELECT user_id, %s FROM %s WHERE user_id = ?`, col, t),
		putQuery: fmt.Sprintf(`INSERT INTO %s (user_id, %s, created_at, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET %s = excluded.%s, updated_at = excluded.updated_at`, t, col, col, col),
		createQuery: fmt.Sprintf(`INSERT INTO %s (user_id, %s, created_at, updated_at) VALUES (?, ?, ?, ?)`, t, col),
		countQuery:  fmt.Sprintf(`SELECT COUNT(*) FROM %s`, t),
	}
}

// Scan returns up to pageSize records whose key sorts after cursor. Pass "" to start.
// The returned cursor is opaque to callers; resuming with it continues exactly after
// the last item of this page.
func (r *RecordRepository) Scan(ctx context.Context, cursor string, pageSize int) (Page, error) {
	if pageSize <= 0 {
		return Page{}, fmt.Errorf("page size must be positive, got %d", pageSize)
	}

	rows, err := r.db.QueryContext(ctx, r.scanQuery, cursor, pageSize+1)
	if err != nil {
		return Page{}, fmt.Errorf("failed to scan %s: %w", r.table, err)
	}
	defer rows.Close()

	items := make([]domain.StoredRecord, 0, pageSize)
	more := false
	for rows.Next() {
		if len(items) == pageSize {
			more = true
			break
		}
		var rec domain.StoredRecord
		if err := rows.Scan(&rec.Key, &rec.Payload); err != nil {
			return Page{}, fmt.Errorf("failed to read scanned row: %w", err)
		}
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("failed to iterate %s: %w", r.table, err)
	}

	page := Page{Items: items}
	if more {
		page.Next = items[len(items)-1].Key
	}

	r.logger.Debug().
		Str("cursor", cursor).
		Int("items", len(items)).
		Str("next", page.Next).
		Msg("scanned page")

	return page, nil
}

func (r *RecordRepository) Get(ctx context.Context, key string) (domain.StoredRecord, error) {
	var rec domain.StoredRecord
	err := r.db.QueryRowContext(ctx, r.getQuery, key).Scan(&rec.Key, &rec.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StoredRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.StoredRecord{}, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return rec, nil
}

// Put overwrites the record stored under rec.Key, creating it when absent.
func (r *RecordRepository) Put(ctx context.Context, rec domain.StoredRecord) error {
	now := time.Now().Unix()
	if _, err := r.db.ExecContext(ctx, r.putQuery, rec.Key, rec.Payload, now, now); err != nil {
		return fmt.Errorf("failed to put %s: %w", rec.Key, err)
	}
	return nil
}

// Create inserts a new record and fails with ErrAlreadyExists when the key is taken.
func (r *RecordRepository) Create(ctx context.Context, rec domain.StoredRecord) error {
	now := time.Now().Unix()
	_, err := r.db.ExecContext(ctx, r.createQuery, rec.Key, rec.Payload, now, now)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", rec.Key, err)
	}
	return nil
}

func (r *RecordRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, r.countQuery).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", r.table, err)
	}
	return n, nil
}
