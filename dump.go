package main

import (
	"bufio"
	"fmt"
	"io"
	"iter"
	"strings"
)

// StatementKind classifies a statement emitted by the dump parser.
type StatementKind int

const (
	StmtCreateTable StatementKind = iota + 1
	StmtCommit
)

func (k StatementKind) String() string {
	switch k {
	case StmtCreateTable:
		return "create-table"
	case StmtCommit:
		return "commit"
	default:
		return fmt.Sprintf("StatementKind(%d)", int(k))
	}
}

// DumpStatement is one logical statement of a schema dump.
type DumpStatement struct {
	Kind  StatementKind
	Table string
	SQL   string
	// Synthetic marks the commit emitted at end of input.
	Synthetic bool
}

const (
	createTablePrefix   = "CREATE TABLE "
	createIfNotExists   = "CREATE TABLE IF NOT EXISTS "
	insertPrefix        = "INSERT INTO"
	commitLine          = "COMMIT;"
	statementTerminator = ";"
)

// bookkeepingTables are producer-internal tables that never reach the warehouse.
var bookkeepingTables = map[string]bool{
	"android_metadata": true,
	"sqlite_sequence":  true,
}

// tableFilter decides which CREATE TABLE statements the parser emits.
type tableFilter struct {
	exclude map[string]bool
	only    map[string]bool // nil when no inclusion list is active
	always  string          // always included, even with an inclusion list
}

func newTableFilter(exclude, only []string, always string) tableFilter {
	f := tableFilter{exclude: make(map[string]bool), always: always}
	for _, t := range exclude {
		if t = strings.TrimSpace(t); t != "" {
			f.exclude[t] = true
		}
	}
	for _, t := range only {
		if t = strings.TrimSpace(t); t != "" {
			if f.only == nil {
				f.only = make(map[string]bool)
			}
			f.only[t] = true
		}
	}
	return f
}

func (f tableFilter) excluded(table string) bool {
	if bookkeepingTables[table] || f.exclude[table] {
		return true
	}
	if f.only != nil && table != f.always && !f.only[table] {
		return true
	}
	return false
}

// dumpParser turns a line-oriented schema dump into classified statements.
type dumpParser struct {
	filter tableFilter
}

type parserState int

const (
	stateIdle parserState = iota
	stateAccumulatingCreate
)

// Statements lazily parses r. Iteration stops at the first error. A commit
// statement is always yielded once more at end of input.
func (p *dumpParser) Statements(r io.Reader) iter.Seq2[DumpStatement, error] {
	return func(yield func(DumpStatement, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), 64<<20)

		state := stateIdle
		var buf []string
		var pendingTable string
		skipPending := false

		for sc.Scan() {
			raw := sc.Text()
			line := strings.TrimSpace(raw)

			if state == stateAccumulatingCreate {
				buf = append(buf, line)
				if !strings.HasSuffix(line, statementTerminator) {
					continue
				}
				state = stateIdle
				stmt := strings.Join(buf, " ")
				buf = nil
				if skipPending {
					continue
				}
				if !yield(DumpStatement{Kind: StmtCreateTable, Table: pendingTable, SQL: stmt}, nil) {
					return
				}
				continue
			}

			switch {
			case strings.HasPrefix(line, createTablePrefix):
				line = normalizeCreate(line)
				table := tableNameFromCreate(line)
				if table == "" {
					yield(DumpStatement{}, fmt.Errorf("cannot extract table name from %q", line))
					return
				}
				skip := p.filter.excluded(table)
				if !strings.HasSuffix(line, statementTerminator) {
					state = stateAccumulatingCreate
					buf = []string{line}
					pendingTable = table
					skipPending = skip
					continue
				}
				if skip {
					continue
				}
				if !yield(DumpStatement{Kind: StmtCreateTable, Table: table, SQL: line}, nil) {
					return
				}
			case strings.HasPrefix(line, commitLine):
				if !yield(DumpStatement{Kind: StmtCommit, SQL: commitLine}, nil) {
					return
				}
			case strings.HasPrefix(line, insertPrefix):
				yield(DumpStatement{}, fmt.Errorf("%w: INSERT found in schema dump; row data is loaded through bulk row-files only", ErrUnsupportedOperation))
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(DumpStatement{}, fmt.Errorf("read dump: %w", err))
			return
		}
		if state == stateAccumulatingCreate {
			yield(DumpStatement{}, fmt.Errorf("unterminated CREATE TABLE statement for %s", pendingTable))
			return
		}
		yield(DumpStatement{Kind: StmtCommit, SQL: commitLine, Synthetic: true}, nil)
	}
}

// normalizeCreate rewrites the "IF NOT EXISTS" form left behind by earlier
// self-merges back to the plain form.
func normalizeCreate(line string) string {
	if strings.HasPrefix(line, createIfNotExists) {
		return createTablePrefix + strings.TrimPrefix(line, createIfNotExists)
	}
	return line
}

// tableNameFromCreate returns the third whitespace token of a CREATE TABLE
// line with quoting stripped.
func tableNameFromCreate(line string) string {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return ""
	}
	name := fields[2]
	if i := strings.IndexByte(name, '('); i >= 0 {
		name = name[:i]
	}
	return unquoteIdent(name)
}

func unquoteIdent(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		switch {
		case s[0] == '"' && s[len(s)-1] == '"',
			s[0] == '`' && s[len(s)-1] == '`',
			s[0] == '[' && s[len(s)-1] == ']':
			return s[1 : len(s)-1]
		}
	}
	return strings.Trim(s, "\"`[]")
}
