package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/statesync/pkg/tree"
)

type SQLite struct {
	database *sql.DB
	storeID  string
}

// OpenSQLite opens the database at path and makes sure the stores table exists.
func OpenSQLite(ctx context.Context, path string, storeID string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS stores (
    	id text not null primary key,
        content text
		)`,
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create stores table: %w", err)
	}
	slog.Info("Ensured initial tables exist", "path", path)
	return &SQLite{database: db, storeID: storeID}, nil
}

func (s *SQLite) Save(ctx context.Context, root *tree.Object) error {
	content, err := encode(root)
	if err != nil {
		return err
	}
	if _, err := s.database.ExecContext(ctx,
		`INSERT OR IGNORE INTO stores (id, content) VALUES (?, ?)`, s.storeID, content,
	); err != nil {
		return fmt.Errorf("failed to insert store: %w", err)
	}
	if _, err := s.database.ExecContext(ctx,
		`UPDATE stores SET content = ? WHERE id = ? AND content != ?`, content, s.storeID, content,
	); err != nil {
		return fmt.Errorf("failed to update store: %w", err)
	}
	return nil
}

func (s *SQLite) Load(ctx context.Context) (*tree.Object, error) {
	var content string
	err := s.database.QueryRowContext(ctx, `SELECT content FROM stores WHERE id = ?`, s.storeID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	return decode(content)
}

func (s *SQLite) Close() error {
	return s.database.Close()
}
