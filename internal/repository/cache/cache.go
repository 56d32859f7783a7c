package cache

import (
	"context"
	"database/sql"
	"fmt"
	"zerotrace/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the local message cache. The sync engine's ingest task is its
// only writer.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the sqlite file at path and migrates it.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the messages table and its indexes. It is idempotent.
func (s *Store) Migrate() error {
	const stmt = `
CREATE TABLE IF NOT EXISTS messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  sender TEXT NOT NULL,
  data BLOB NOT NULL,
  type INTEGER NOT NULL,
  timestamp REAL NOT NULL,
  dialog_hash TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dialog_type ON messages (dialog_hash, type);
CREATE INDEX IF NOT EXISTS idx_timestamp ON messages (timestamp);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("migrate cache: %w", err)
	}
	return nil
}

// UpsertPlaceholders marks each dialog as syncing. A dialog that already has
// a placeholder row gets its timestamp refreshed instead of a second row.
func (s *Store) UpsertPlaceholders(ctx context.Context, dialogs []string, ts float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, d := range dialogs {
		var id int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM messages WHERE dialog_hash = ? AND type = ? LIMIT 1;`,
			d, int(model.MessageLoad)).Scan(&id)

		switch {
		case err == sql.ErrNoRows:
			_, err = tx.ExecContext(ctx,
				`INSERT INTO messages (sender, data, type, timestamp, dialog_hash) VALUES ('', x'', ?, ?, ?);`,
				int(model.MessageLoad), ts, d)
		case err == nil:
			_, err = tx.ExecContext(ctx,
				`UPDATE messages SET timestamp = ? WHERE id = ?;`, ts, id)
		}
		if err != nil {
			return fmt.Errorf("upsert placeholder: %w", err)
		}
	}
	return tx.Commit()
}

// CommitBatch removes every placeholder and inserts records in a single
// transaction, so a reader sees either the whole batch or none of it.
func (s *Store) CommitBatch(ctx context.Context, records []model.CacheRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE type = ?;`, int(model.MessageLoad)); err != nil {
		return fmt.Errorf("delete placeholders: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (sender, data, type, timestamp, dialog_hash) VALUES (?, ?, ?, ?, ?);`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if r.Type == model.MessageLoad {
			return fmt.Errorf("placeholder row in batch for dialog %s", r.DialogHash)
		}
		data := r.Data
		if data == nil {
			data = []byte{}
		}
		if _, err := stmt.ExecContext(ctx, r.Sender, data, int(r.Type), r.Timestamp, r.DialogHash); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return tx.Commit()
}

// ClearPlaceholders drops placeholder rows left behind by an aborted batch.
func (s *Store) ClearPlaceholders(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE type = ?;`, int(model.MessageLoad))
	if err != nil {
		return fmt.Errorf("delete placeholders: %w", err)
	}
	return nil
}

// Since returns message rows with timestamp > after, plus every current
// placeholder row, ordered by timestamp ascending. An empty dialogHash
// spans all dialogs.
func (s *Store) Since(ctx context.Context, dialogHash string, after float64) ([]model.CacheRecord, error) {
	const q = `
SELECT id, sender, data, type, timestamp, dialog_hash
FROM messages
WHERE (timestamp > ? OR type = ?) AND (? = '' OR dialog_hash = ?)
ORDER BY timestamp ASC, id ASC;
`
	rows, err := s.db.QueryContext(ctx, q, after, int(model.MessageLoad), dialogHash, dialogHash)
	if err != nil {
		return nil, fmt.Errorf("select messages since: %w", err)
	}
	defer rows.Close()

	var out []model.CacheRecord
	for rows.Next() {
		var (
			r       model.CacheRecord
			msgType int
		)
		if err := rows.Scan(&r.ID, &r.Sender, &r.Data, &msgType, &r.Timestamp, &r.DialogHash); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		r.Type = model.MessageType(msgType)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// MaxTimestamp returns the newest message timestamp, ignoring placeholders,
// or 0 for an empty cache.
func (s *Store) MaxTimestamp(ctx context.Context) (float64, error) {
	var ts sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(timestamp) FROM messages WHERE type != ?;`, int(model.MessageLoad)).Scan(&ts)
	if err != nil {
		return 0, fmt.Errorf("select max timestamp: %w", err)
	}
	return ts.Float64, nil
}
