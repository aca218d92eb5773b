package pageedits

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/liveedit/autosave"
	"github.com/hazyhaar/liveedit/dbopen"
	"github.com/hazyhaar/liveedit/idgen"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS page_edits (
    id               TEXT PRIMARY KEY,
    user_id          TEXT NOT NULL,
    page_id          TEXT NOT NULL,
    element_id       TEXT NOT NULL,
    edit_type        TEXT NOT NULL,
    original_content TEXT NOT NULL DEFAULT '{}',
    edited_content   TEXT NOT NULL DEFAULT '{}',
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,
    UNIQUE (user_id, page_id, element_id)
);
CREATE INDEX IF NOT EXISTS idx_page_edits_page ON page_edits(user_id, page_id, created_at);
`

// SQLiteStore is a Store on database/sql with the modernc SQLite driver.
type SQLiteStore struct {
	db    *sql.DB
	newID idgen.Generator
	now   func() time.Time
}

// NewSQLiteStore applies the schema to db and returns the store. The
// caller keeps ownership of db; Close does not close it.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pageedits: DB is required")
	}
	for _, stmt := range strings.Split(sqliteSchema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("pageedits schema: %w", err)
		}
	}
	return &SQLiteStore{db: db, newID: idgen.Prefixed("edt_", idgen.Default), now: time.Now}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, e Edit) (Edit, error) {
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
	now := s.now().UnixMilli()

	_, err = dbopen.Exec(ctx, s.db,
		`INSERT INTO page_edits (id, user_id, page_id, element_id, edit_type, original_content, edited_content, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, page_id, element_id) DO UPDATE SET
		   edit_type = excluded.edit_type,
		   original_content = excluded.original_content,
		   edited_content = excluded.edited_content,
		   updated_at = excluded.updated_at`,
		s.newID(), e.UserID, e.PageID, e.ElementID, string(e.EditType), string(orig), string(edited), now, now,
	)
	if err != nil {
		return Edit{}, fmt.Errorf("pageedits: save: %w", err)
	}
	return s.get(ctx, e.UserID, e.PageID, e.ElementID)
}

func (s *SQLiteStore) get(ctx context.Context, userID, pageID, elementID string) (Edit, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, page_id, element_id, edit_type, original_content, edited_content, created_at, updated_at
		 FROM page_edits WHERE user_id = ? AND page_id = ? AND element_id = ?`,
		userID, pageID, elementID,
	)
	e, err := scanEdit(row)
	if err == sql.ErrNoRows {
		return Edit{}, ErrNotFound
	}
	return e, err
}

func (s *SQLiteStore) List(ctx context.Context, userID, pageID string) ([]Edit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, page_id, element_id, edit_type, original_content, edited_content, created_at, updated_at
		 FROM page_edits WHERE user_id = ? AND page_id = ? ORDER BY created_at, id`,
		userID, pageID,
	)
	if err != nil {
		return nil, fmt.Errorf("pageedits: list: %w", err)
	}
	defer rows.Close()

	edits := []Edit{}
	for rows.Next() {
		e, err := scanEdit(rows)
		if err != nil {
			return nil, err
		}
		edits = append(edits, e)
	}
	return edits, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, userID, pageID, elementID string) error {
	res, err := dbopen.Exec(ctx, s.db,
		`DELETE FROM page_edits WHERE user_id = ? AND page_id = ? AND element_id = ?`,
		userID, pageID, elementID,
	)
	if err != nil {
		return fmt.Errorf("pageedits: delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Close() error { return nil }

type scanner interface {
	Scan(dest ...any) error
}

func scanEdit(sc scanner) (Edit, error) {
	var e Edit
	var typ, orig, edited string
	if err := sc.Scan(&e.ID, &e.UserID, &e.PageID, &e.ElementID, &typ, &orig, &edited, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return Edit{}, err
	}
	e.EditType = autosave.EditType(typ)
	if err := decodeContent([]byte(orig), &e.OriginalContent); err != nil {
		return Edit{}, err
	}
	if err := decodeContent([]byte(edited), &e.EditedContent); err != nil {
		return Edit{}, err
	}
	return e, nil
}
