package main

import (
	"fmt"
	"strings"
)

// typeRule rewrites one column type token inside a canonical CREATE statement.
// The token is matched right after anchor + " " and must end at a type
// boundary, so INT never rewrites the prefix of INTERVAL.
type typeRule struct {
	anchor string
	from   string
	to     string
}

func rule(from, to string) typeRule { return typeRule{anchor: `"`, from: from, to: to} }

// Rules are applied in order; longer tokens sit before their prefixes.
var postgresTypeRules = []typeRule{
	rule("SMALLINT", "bigint"),
	rule("smallint", "bigint"),
	rule("INTEGER", "bigint"),
	rule("integer", "bigint"),
	rule("INT", "bigint"),
	rule("int", "bigint"),
	rule("DOUBLE PRECISION", "float"),
	rule("double precision", "float"),
	rule("DOUBLE", "float"),
	rule("double", "float"),
	rule("FLOAT", "float"),
	rule("DATETIME", "timestamp"),
	rule("datetime", "timestamp"),
	rule("BLOB", "bytea"),
	rule("blob", "bytea"),
}

var mssqlTypeRules = []typeRule{
	rule("SMALLINT", "bigint"),
	rule("smallint", "bigint"),
	rule("INTEGER", "bigint"),
	rule("integer", "bigint"),
	rule("INT", "bigint"),
	rule("int", "bigint"),
	rule("DOUBLE PRECISION", "float"),
	rule("double precision", "float"),
	rule("DOUBLE", "float"),
	rule("double", "float"),
	rule("FLOAT", "float"),
	rule("TEXT", "nvarchar(max)"),
	rule("text", "nvarchar(max)"),
	rule("BLOB", "varbinary(MAX)"),
	rule("blob", "varbinary(MAX)"),
}

// geometryRules rewrite BLOB geometry columns; they run before the generic BLOB rule.
func geometryRules(columns []string) []typeRule {
	var rules []typeRule
	for _, c := range columns {
		anchor := `"` + c + `"`
		rules = append(rules,
			typeRule{anchor: anchor, from: "BLOB", to: "geometry"},
			typeRule{anchor: anchor, from: "blob", to: "geometry"},
		)
	}
	return rules
}

// applyTypeRules runs every rule over stmt in order.
func applyTypeRules(stmt string, rules []typeRule) string {
	for _, r := range rules {
		stmt = replaceTypeToken(stmt, r)
	}
	return stmt
}

func replaceTypeToken(stmt string, r typeRule) string {
	needle := r.anchor + " " + r.from
	var b strings.Builder
	rest := stmt
	for {
		i := strings.Index(rest, needle)
		if i < 0 {
			b.WriteString(rest)
			return b.String()
		}
		end := i + len(needle)
		if end < len(rest) && !isTypeBoundary(rest[end]) {
			b.WriteString(rest[:end])
			rest = rest[end:]
			continue
		}
		b.WriteString(rest[:i])
		b.WriteString(r.anchor + " " + r.to)
		rest = rest[end:]
	}
}

func isTypeBoundary(c byte) bool {
	switch c {
	case ',', ')', ' ', '(', ';':
		return true
	}
	return false
}

// mapTableDefinition maps a source definition to the target's column types.
// Untyped columns take the dialect's default text type.
func mapTableDefinition(d Dialect, def TableDefinition, geometryColumns []string) (TableDefinition, error) {
	src := TableDefinition{Name: def.Name, Columns: make([]ColumnDef, len(def.Columns))}
	for i, c := range def.Columns {
		if strings.TrimSpace(c.Type) == "" {
			c.Type = d.DefaultTextType()
		}
		src.Columns[i] = c
	}
	mapped := d.MapStatement(canonicalCreate(src), geometryColumns)
	out, err := parseTableDefinition(def.Name, mapped)
	if err != nil {
		return TableDefinition{}, fmt.Errorf("map types: %w", err)
	}
	if len(out.Columns) != len(def.Columns) {
		return TableDefinition{}, fmt.Errorf("map types for %s: column count changed from %d to %d", def.Name, len(def.Columns), len(out.Columns))
	}
	return out, nil
}

// isDatetimeType reports whether a source column holds SQLite date-time text.
func isDatetimeType(t string) bool {
	return strings.EqualFold(strings.TrimSpace(t), "datetime")
}

// isBlobType reports whether a source column type is a SQLite BLOB.
func isBlobType(t string) bool {
	return strings.EqualFold(strings.TrimSpace(t), "blob")
}
