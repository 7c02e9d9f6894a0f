package main

import (
	"fmt"
	"strings"
)

// pgReservedWords are PostgreSQL reserved words that must be quoted as identifiers.
var pgReservedWords = map[string]bool{
	"all": true, "analyse": true, "analyze": true, "and": true, "any": true,
	"array": true, "as": true, "asc": true, "authorization": true, "between": true,
	"binary": true, "both": true, "case": true, "cast": true, "check": true,
	"collate": true, "column": true, "constraint": true, "create": true, "cross": true,
	"current_date": true, "current_role": true, "current_time": true,
	"current_timestamp": true, "current_user": true, "default": true, "deferrable": true,
	"desc": true, "distinct": true, "do": true, "else": true, "end": true, "except": true,
	"false": true, "fetch": true, "for": true, "foreign": true, "freeze": true,
	"from": true, "full": true, "grant": true, "group": true, "having": true,
	"ilike": true, "in": true, "initially": true, "inner": true, "intersect": true,
	"into": true, "is": true, "isnull": true, "join": true, "lateral": true,
	"leading": true, "left": true, "like": true, "limit": true, "localtime": true,
	"localtimestamp": true, "natural": true, "not": true, "notnull": true, "null": true,
	"offset": true, "on": true, "only": true, "or": true, "order": true, "outer": true,
	"overlaps": true, "placing": true, "primary": true, "references": true,
	"returning": true, "right": true, "select": true, "session_user": true,
	"similar": true, "some": true, "symmetric": true, "table": true, "then": true,
	"to": true, "trailing": true, "true": true, "union": true, "unique": true,
	"user": true, "using": true, "variadic": true, "verbose": true, "when": true,
	"where": true, "window": true, "with": true, "time": true,
}

// pgNeedsQuoting reports whether a PG identifier needs quoting beyond
// reserved-word checks (e.g. contains hyphens, spaces, uppercase, etc.).
func pgNeedsQuoting(name string) bool {
	for i, r := range name {
		if r >= 'a' && r <= 'z' || r == '_' {
			continue
		}
		if i > 0 && (r >= '0' && r <= '9' || r == '$') {
			continue
		}
		return true
	}
	return false
}

// pgIdent returns a PG-safe identifier, quoting reserved words and names
// that contain characters invalid in unquoted identifiers.
func pgIdent(name string) string {
	if name == "" || pgReservedWords[name] || pgNeedsQuoting(name) {
		return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
	}
	return name
}

// mssqlIdent bracket-quotes a SQL Server identifier.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// sqliteIdent double-quotes a SQLite identifier.
func sqliteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// tableConstraintWords start table-level constraints inside a column clause.
var tableConstraintWords = map[string]bool{
	"PRIMARY": true, "UNIQUE": true, "FOREIGN": true, "CONSTRAINT": true, "CHECK": true,
}

// columnConstraintWords end the type part of a column definition.
var columnConstraintWords = map[string]bool{
	"PRIMARY": true, "NOT": true, "NULL": true, "DEFAULT": true, "UNIQUE": true,
	"REFERENCES": true, "CHECK": true, "COLLATE": true, "CONSTRAINT": true,
	"GENERATED": true, "AS": true, "AUTOINCREMENT": true,
}

// parseTableDefinition extracts the ordered (name, type) pairs from a
// CREATE TABLE statement. Column constraints are dropped; only the type
// words are kept.
func parseTableDefinition(table, stmt string) (TableDefinition, error) {
	open := strings.IndexByte(stmt, '(')
	end := strings.LastIndexByte(stmt, ')')
	if open < 0 || end <= open {
		return TableDefinition{}, fmt.Errorf("table %s: no column clause in %q", table, stmt)
	}

	def := TableDefinition{Name: table}
	for _, part := range splitTopLevel(stmt[open+1:end], ',') {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if first, _, _ := strings.Cut(part, " "); tableConstraintWords[strings.ToUpper(first)] {
			continue
		}
		name, rest := splitColumnName(part)
		if name == "" {
			return TableDefinition{}, fmt.Errorf("table %s: cannot parse column %q", table, part)
		}
		def.Columns = append(def.Columns, ColumnDef{Name: name, Type: columnTypeOnly(rest)})
	}
	if len(def.Columns) == 0 {
		return TableDefinition{}, fmt.Errorf("table %s: no columns in %q", table, stmt)
	}
	return def, nil
}

// splitColumnName splits `"name" TYPE ...` (or an unquoted name) into name and remainder.
func splitColumnName(part string) (string, string) {
	if part == "" {
		return "", ""
	}
	var closer byte
	switch part[0] {
	case '"':
		closer = '"'
	case '`':
		closer = '`'
	case '[':
		closer = ']'
	}
	if closer != 0 {
		i := strings.IndexByte(part[1:], closer)
		if i < 0 {
			return "", ""
		}
		return part[1 : i+1], strings.TrimSpace(part[i+2:])
	}
	name, rest, _ := strings.Cut(part, " ")
	return name, strings.TrimSpace(rest)
}

func columnTypeOnly(rest string) string {
	var words []string
	for _, w := range strings.Fields(rest) {
		if columnConstraintWords[strings.ToUpper(w)] {
			break
		}
		words = append(words, w)
	}
	return strings.Join(words, " ")
}

// splitTopLevel splits s on sep, ignoring separators nested in parentheses or quotes.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
		case '[':
			quote = ']'
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case sep:
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

// canonicalCreate renders a definition in the quoted one-line form the type
// mapper's substitutions are written against.
func canonicalCreate(def TableDefinition) string {
	var b strings.Builder
	fmt.Fprintf(&b, `CREATE TABLE "%s" (`, def.Name)
	for i, c := range def.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, `"%s" %s`, c.Name, c.Type)
	}
	b.WriteString(");")
	return b.String()
}
