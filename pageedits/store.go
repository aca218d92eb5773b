// Package pageedits stores autosaved element edits per user and page and
// serves them over HTTP.
//
// An edit is keyed by (user, page, element): saving the same element again
// replaces the previous row. Two Store implementations are provided, SQLite
// for single-node deployments and Postgres for shared ones.
//
// Usage:
//
//	db, _ := dbopen.Open("data/liveedit.db", dbopen.WithMkdirAll())
//	store, _ := pageedits.NewSQLiteStore(db)
//	srv, _ := pageedits.NewServer(pageedits.Config{Store: store, Secret: secret, Logger: logger})
//	r.Mount("/api", srv.Handler())
package pageedits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/liveedit/autosave"
	"github.com/hazyhaar/liveedit/safe"
)

// ErrNotFound is returned when no edit matches.
var ErrNotFound = errors.New("pageedits: not found")

// Edit is a stored element edit.
type Edit struct {
	ID              string            `json:"id"`
	UserID          string            `json:"userId"`
	PageID          string            `json:"pageId"`
	ElementID       string            `json:"elementId"`
	EditType        autosave.EditType `json:"editType"`
	OriginalContent autosave.Content  `json:"originalContent"`
	EditedContent   autosave.Content  `json:"editedContent"`
	CreatedAt       int64             `json:"createdAt"` // unix ms
	UpdatedAt       int64             `json:"updatedAt"` // unix ms
}

// Store persists edits.
type Store interface {
	// Save inserts or replaces the edit of (UserID, PageID, ElementID) and
	// returns the stored row.
	Save(ctx context.Context, e Edit) (Edit, error)
	// List returns the edits of one user on one page, oldest first.
	List(ctx context.Context, userID, pageID string) ([]Edit, error)
	// Delete removes one edit. Missing rows give ErrNotFound.
	Delete(ctx context.Context, userID, pageID, elementID string) error
	Close() error
}

// Validate checks the keys and content shape of e.
func (e Edit) Validate() error {
	if e.UserID == "" {
		return fmt.Errorf("pageedits: user is required")
	}
	if err := safe.ValidateIdentifier(e.PageID); err != nil {
		return fmt.Errorf("pageedits: page id: %w", err)
	}
	if err := safe.ValidateIdentifier(e.ElementID); err != nil {
		return fmt.Errorf("pageedits: element id: %w", err)
	}
	switch e.EditType {
	case autosave.EditText, autosave.EditImage:
	default:
		return fmt.Errorf("pageedits: unknown edit type %q", e.EditType)
	}
	if e.EditedContent == nil {
		return fmt.Errorf("pageedits: edited content is required")
	}
	return nil
}

func decodeContent(raw []byte, dst *autosave.Content) error {
	if len(raw) == 0 {
		*dst = autosave.Content{}
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("pageedits: decode content: %w", err)
	}
	return nil
}
