package main

import (
	"fmt"
	"strings"
)

// knownTargetTypes are the base type names each warehouse accepts as is.
var knownTargetTypes = map[string]map[string]bool{
	"postgres": setOf("bigint", "integer", "smallint", "float", "real", "double precision",
		"numeric", "decimal", "text", "varchar", "character varying", "char", "character",
		"boolean", "timestamp", "timestamptz", "date", "time", "bytea", "geometry",
		"json", "jsonb", "uuid"),
	"mssql": setOf("bigint", "int", "smallint", "tinyint", "float", "real", "numeric",
		"decimal", "nvarchar", "varchar", "nchar", "char", "text", "ntext", "bit",
		"datetime", "datetime2", "date", "time", "varbinary", "geometry", "uniqueidentifier"),
}

func setOf(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// baseTypeName lowercases a column type and drops its parameters.
func baseTypeName(t string) string {
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = t[:i]
	}
	return strings.ToLower(strings.TrimSpace(t))
}

// collectUnsupportedTypeWarnings lists mapped columns whose type the
// warehouse may not know; they pass through unmapped.
func collectUnsupportedTypeWarnings(d Dialect, mapped TableDefinition) []string {
	known := knownTargetTypes[d.Name()]
	var warnings []string
	for _, col := range mapped.Columns {
		if !known[baseTypeName(col.Type)] {
			warnings = append(warnings, fmt.Sprintf("%s.%s (%s): type has no %s mapping and is passed through unchanged",
				mapped.Name, col.Name, col.Type, d.Name()))
		}
	}
	return warnings
}
