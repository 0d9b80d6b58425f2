package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/astromechza/statesync/pkg/tree"
)

type Postgres struct {
	pool    *pgxpool.Pool
	storeID string
}

// OpenPostgres connects a pool to url and makes sure the stores table exists.
func OpenPostgres(ctx context.Context, url string, storeID string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if _, err := pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS stores (
		id text not null primary key,
		content text
		)`,
	); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create stores table: %w", err)
	}
	return &Postgres{pool: pool, storeID: storeID}, nil
}

func (p *Postgres) Save(ctx context.Context, root *tree.Object) error {
	content, err := encode(root)
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx,
		`INSERT INTO stores (id, content) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET content = excluded.content
		WHERE stores.content IS DISTINCT FROM excluded.content`,
		p.storeID, content,
	); err != nil {
		return fmt.Errorf("failed to upsert store: %w", err)
	}
	return nil
}

func (p *Postgres) Load(ctx context.Context) (*tree.Object, error) {
	var content string
	err := p.pool.QueryRow(ctx, `SELECT content FROM stores WHERE id = $1`, p.storeID).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	return decode(content)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
