// Package duckdb persists the generation history.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/gongysh2004/cogview4-server/internal/core/domain"
	"github.com/gongysh2004/cogview4-server/internal/core/ports"
)

// Repository records one row per finished generation request.
type Repository struct {
	db *sql.DB
}

var _ ports.HistoryRepository = (*Repository)(nil)

// NewRepository opens the database and runs migrations.
func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping duckdb: %w", err)
	}

	repo := &Repository{db: db}
	if err := repo.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate duckdb: %w", err)
	}
	return repo, nil
}

func (r *Repository) migrate() error {
	_, err := r.db.Exec(`CREATE TABLE IF NOT EXISTS generations (
		request_id TEXT PRIMARY KEY,
		prompt TEXT NOT NULL,
		negative_prompt TEXT NOT NULL DEFAULT '',
		size TEXT NOT NULL,
		seed BIGINT,
		stream BOOLEAN NOT NULL DEFAULT FALSE,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		duration_ms BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);`)
	return err
}

// SaveRecord inserts (or replaces) the record for a finished request.
func (r *Repository) SaveRecord(ctx context.Context, rec domain.GenerationRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO generations
		(request_id, prompt, negative_prompt, size, seed, stream, status, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.Prompt, rec.NegativePrompt, rec.Size, rec.Seed,
		rec.Stream, rec.Status, rec.Error, rec.DurationMs, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save generation record: %w", err)
	}
	return nil
}

// ListRecords returns the most recent records, newest first.
func (r *Repository) ListRecords(ctx context.Context, limit int) ([]domain.GenerationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT request_id, prompt, negative_prompt, size, seed, stream, status, error, duration_ms, created_at
		FROM generations ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list generation records: %w", err)
	}
	defer rows.Close()

	var records []domain.GenerationRecord
	for rows.Next() {
		var rec domain.GenerationRecord
		var seed sql.NullInt64
		if err := rows.Scan(&rec.RequestID, &rec.Prompt, &rec.NegativePrompt, &rec.Size,
			&seed, &rec.Stream, &rec.Status, &rec.Error, &rec.DurationMs, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan generation record: %w", err)
		}
		if seed.Valid {
			rec.Seed = seed.Int64
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close releases the database handle.
func (r *Repository) Close() error {
	return r.db.Close()
}
