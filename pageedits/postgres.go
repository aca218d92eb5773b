package pageedits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hazyhaar/liveedit/autosave"
	"github.com/hazyhaar/liveedit/idgen"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS page_edits (
    id               TEXT PRIMARY KEY,
    user_id          TEXT NOT NULL,
    page_id          TEXT NOT NULL,
    element_id       TEXT NOT NULL,
    edit_type        TEXT NOT NULL,
    original_content JSONB NOT NULL DEFAULT '{}'::jsonb,
    edited_content   JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at       BIGINT NOT NULL,
    updated_at       BIGINT NOT NULL,
    UNIQUE (user_id, page_id, element_id)
);
CREATE INDEX IF NOT EXISTS idx_page_edits_page ON page_edits(user_id, page_id, created_at);
`

const pgColumns = `id, user_id, page_id, element_id, edit_type, original_content, edited_content, created_at, updated_at`

// PGStore is a Store on a pgx connection pool.
type PGStore struct {
	pool  *pgxpool.Pool
	newID idgen.Generator
}

// OpenPG connects to url, applies the schema and returns the store. Close
// closes the pool.
func OpenPG(ctx context.Context, url string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("pageedits: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pageedits: ping: %w", err)
	}
	s, err := NewPGStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPGStore applies the schema on pool and returns the store.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool) (*PGStore, error) {
	// Without arguments pgx uses the simple protocol, which accepts
	// several statements in one call.
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		return nil, fmt.Errorf("pageedits schema: %w", err)
	}
	return &PGStore{pool: pool, newID: idgen.Prefixed("edt_", idgen.Default)}, nil
}

func (s *PGStore) Save(ctx context.Context, e Edit) (Edit, error) {
	if err := e.Validate(); err != nil {
		return Edit{}, err
	}
	orig, err := json.Marshal(e.OriginalContent)
	if err != nil {
		return Edit{}, fmt.Errorf("pageedits: encode original: %w", err)
	}
	edited, err := json.Marshal(e.EditedContent)
	if err != nil {
		return Edit{}, fmt.Errorf("pageedits: encode edited: %w", err)
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO page_edits (id, user_id, page_id, element_id, edit_type, original_content, edited_content, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb,
		         (extract(epoch from now()) * 1000)::bigint, (extract(epoch from now()) * 1000)::bigint)
		 ON CONFLICT (user_id, page_id, element_id) DO UPDATE SET
		   edit_type = excluded.edit_type,
		   original_content = excluded.original_content,
		   edited_content = excluded.edited_content,
		   updated_at = excluded.updated_at
		 RETURNING `+pgColumns,
		s.newID(), e.UserID, e.PageID, e.ElementID, string(e.EditType), string(orig), string(edited),
	)
	out, err := scanPG(row)
	if err != nil {
		return Edit{}, fmt.Errorf("pageedits: save: %w", err)
	}
	return out, nil
}

func (s *PGStore) List(ctx context.Context, userID, pageID string) ([]Edit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgColumns+` FROM page_edits WHERE user_id = $1 AND page_id = $2 ORDER BY created_at, id`,
		userID, pageID,
	)
	if err != nil {
		return nil, fmt.Errorf("pageedits: list: %w", err)
	}
	defer rows.Close()

	edits := []Edit{}
	for rows.Next() {
		e, err := scanPG(rows)
		if err != nil {
			return nil, err
		}
		edits = append(edits, e)
	}
	return edits, rows.Err()
}

func (s *PGStore) Delete(ctx context.Context, userID, pageID, elementID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM page_edits WHERE user_id = $1 AND page_id = $2 AND element_id = $3`,
		userID, pageID, elementID,
	)
	if err != nil {
		return fmt.Errorf("pageedits: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPG(row pgx.Row) (Edit, error) {
	var e Edit
	var typ string
	var orig, edited []byte
	if err := row.Scan(&e.ID, &e.UserID, &e.PageID, &e.ElementID, &typ, &orig, &edited, &e.CreatedAt, &e.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Edit{}, ErrNotFound
		}
		return Edit{}, err
	}
	e.EditType = autosave.EditType(typ)
	if err := decodeContent(orig, &e.OriginalContent); err != nil {
		return Edit{}, err
	}
	if err := decodeContent(edited, &e.EditedContent); err != nil {
		return Edit{}, err
	}
	return e, nil
}
