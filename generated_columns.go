package main

import (
	"fmt"
	"strings"
)

// isGeneratedColumn reports whether a column clause declares a SQLite
// generated column.
func isGeneratedColumn(part string) bool {
	upper := strings.ToUpper(part)
	return strings.Contains(upper, " GENERATED ALWAYS ") || strings.Contains(upper, " AS (")
}

func collectGeneratedColumnWarnings(table, stmt string) []string {
	open := strings.IndexByte(stmt, '(')
	end := strings.LastIndexByte(stmt, ')')
	if open < 0 || end <= open {
		return nil
	}

	var warnings []string
	for _, part := range splitTopLevel(stmt[open+1:end], ',') {
		part = strings.TrimSpace(part)
		if !isGeneratedColumn(part) {
			continue
		}
		name, _ := splitColumnName(part)
		warnings = append(warnings, fmt.Sprintf(
			"generated column %s.%s will be materialized as plain data; generation expression is not recreated",
			table, name,
		))
	}
	return warnings
}
