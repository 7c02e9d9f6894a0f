package main

import (
	"context"
	"fmt"
)

// SourceObjects holds the views and triggers of a log. Only tables are
// merged; these are reported so nobody expects them in the warehouse.
type SourceObjects struct {
	Views    []string
	Triggers []string
}

func (s *sqliteSource) sourceObjects(ctx context.Context) (*SourceObjects, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT type, name FROM sqlite_master WHERE type IN ('view', 'trigger') ORDER BY type, name")
	if err != nil {
		return nil, fmt.Errorf("list source objects: %w", err)
	}
	defer rows.Close()

	objs := &SourceObjects{}
	for rows.Next() {
		var kind, name string
		if err := rows.Scan(&kind, &name); err != nil {
			return nil, fmt.Errorf("list source objects: %w", err)
		}
		if kind == "view" {
			objs.Views = append(objs.Views, name)
		} else {
			objs.Triggers = append(objs.Triggers, name)
		}
	}
	return objs, rows.Err()
}

// sourceObjectWarnings returns a summary line followed by one line per object.
func sourceObjectWarnings(objs *SourceObjects) []string {
	if objs == nil || len(objs.Views)+len(objs.Triggers) == 0 {
		return nil
	}
	out := []string{fmt.Sprintf("log has %d views, %d triggers; they stay in the source", len(objs.Views), len(objs.Triggers))}
	for _, v := range objs.Views {
		out = append(out, "  view "+v)
	}
	for _, t := range objs.Triggers {
		out = append(out, "  trigger "+t)
	}
	return out
}
