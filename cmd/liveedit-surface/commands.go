package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hazyhaar/liveedit/editor"
	"github.com/hazyhaar/liveedit/sitetree"
)

// execLine runs one stdin command against surf. It reports whether the
// session should end.
func execLine(ctx context.Context, surf *editor.Surface, line string, out io.Writer) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	switch cmd := fields[0]; cmd {
	case "edit":
		if len(fields) < 3 {
			return false, fmt.Errorf("usage: edit <path> <value>")
		}
		rest := strings.TrimSpace(strings.TrimSpace(line)[len("edit"):])
		raw := strings.TrimSpace(rest[len(fields[1]):])
		return false, surf.EditInPlace(ctx, fields[1], parseValue(raw), "")

	case "delete":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: delete <path>")
		}
		return false, surf.DeleteInPlace(ctx, fields[1], "", "user")

	case "undo":
		surf.Undo(ctx)
	case "redo":
		surf.Redo(ctx)

	case "status":
		ok, _ := surf.Authenticated(ctx)
		hu := surf.History()
		fmt.Fprintf(out, "authenticated=%t canUndo=%t canRedo=%t size=%d\n", ok, hu.CanUndo, hu.CanRedo, hu.HistorySize)

	case "show":
		if len(fields) == 1 {
			fmt.Fprintf(out, "%s\n", surf.Markup())
			return false, nil
		}
		v, found, err := sitetree.Resolve(surf.Tree(), fields[1])
		if err != nil {
			return false, err
		}
		if !found {
			return false, fmt.Errorf("%s: not found", fields[1])
		}
		data, _ := json.Marshal(v)
		fmt.Fprintf(out, "%s\n", data)

	case "quit", "exit":
		return true, nil

	default:
		return false, fmt.Errorf("unknown command %q", cmd)
	}
	return false, nil
}

// parseValue reads JSON when it can (numbers, booleans, objects, quoted
// strings) and falls back to the raw text.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}
