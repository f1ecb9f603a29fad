package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kudamusoni/chatbot-api-sub001/internal/storage"
)

// InsertComparable stores one comparable listing for a client catalog.
func (s *Store) InsertComparable(ctx context.Context, cmp storage.Comparable) (storage.Comparable, error) {
	if err := ctx.Err(); err != nil {
		return storage.Comparable{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Comparable{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(cmp.ClientID) == "" {
		return storage.Comparable{}, fmt.Errorf("client id is required")
	}
	if strings.TrimSpace(cmp.Category) == "" {
		return storage.Comparable{}, fmt.Errorf("category is required")
	}
	if cmp.ID == "" {
		cmp.ID = uuid.NewString()
	}
	if cmp.CreatedAt.IsZero() {
		cmp.CreatedAt = time.Now().UTC()
	}
	cmp.CreatedAt = fromMillis(toMillis(cmp.CreatedAt))
	if _, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO comparables (id, client_id, category, title, price, year, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cmp.ID,
		cmp.ClientID,
		cmp.Category,
		cmp.Title,
		cmp.Price,
		cmp.Year,
		string(cmp.Source),
		toMillis(cmp.CreatedAt),
	); err != nil {
		return storage.Comparable{}, fmt.Errorf("insert comparable: %w", err)
	}
	return cmp, nil
}

// ListComparables returns a client's catalog, optionally filtered by category.
func (s *Store) ListComparables(ctx context.Context, clientID, category string) ([]storage.Comparable, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	query := `SELECT id, client_id, category, title, price, year, source, created_at
	          FROM comparables WHERE client_id = ?`
	args := []any{clientID}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list comparables: %w", err)
	}
	defer rows.Close()

	var out []storage.Comparable
	for rows.Next() {
		var (
			cmp       storage.Comparable
			source    string
			createdAt int64
		)
		if err := rows.Scan(&cmp.ID, &cmp.ClientID, &cmp.Category, &cmp.Title, &cmp.Price, &cmp.Year, &source, &createdAt); err != nil {
			return nil, fmt.Errorf("scan comparable: %w", err)
		}
		cmp.Source = storage.ComparableSource(source)
		cmp.CreatedAt = fromMillis(createdAt)
		out = append(out, cmp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comparables: %w", err)
	}
	return out, nil
}
