package cache

import (
	"context"
	"fmt"
	"zerotrace/internal/model"
)

// Count returns the number of rows, placeholders included.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// CountPlaceholders returns the number of placeholder rows for dialogHash.
func (s *Store) CountPlaceholders(ctx context.Context, dialogHash string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE dialog_hash = ? AND type = ?;`,
		dialogHash, int(model.MessageLoad)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count placeholders: %w", err)
	}
	return n, nil
}
