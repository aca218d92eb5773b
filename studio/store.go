package studio

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hazyhaar/liveedit/dbopen"
	"github.com/hazyhaar/liveedit/pageedits"
)

// OpenStore opens the page-edit store selected by cfg.DB. The returned
// function releases it.
func OpenStore(ctx context.Context, cfg DBConfig) (pageedits.Store, func() error, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := pageedits.OpenPG(ctx, cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "sqlite":
		db, err := dbopen.Open(cfg.Path, dbopen.WithMkdirAll())
		if err != nil {
			return nil, nil, fmt.Errorf("studio: open %s: %w", cfg.Path, err)
		}
		s, err := pageedits.NewSQLiteStore(db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return s, closeBoth(s, db), nil
	default:
		return nil, nil, fmt.Errorf("studio: unsupported db driver %q", cfg.Driver)
	}
}

func closeBoth(s pageedits.Store, db *sql.DB) func() error {
	return func() error {
		s.Close()
		return db.Close()
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonErr(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}
