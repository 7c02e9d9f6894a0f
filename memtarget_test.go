package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// memTarget is an in-memory warehouse that understands the statements the
// postgres dialect emits. Transactions stage their effects until commit.
type memTarget struct {
	registryTable string
	tables        map[string]*memTable
	registry      map[int64]string
	committed     []string
	begins        int
	// failCopy makes the bulk load of that table fail.
	failCopy string
	// failExec makes every statement containing it fail.
	failExec string
}

type memTable struct {
	columns []ColumnDef
	rows    map[int64]int
}

func newMemTarget() *memTarget {
	return &memTarget{
		registryTable: "log_registry",
		tables:        make(map[string]*memTable),
		registry:      make(map[int64]string),
	}
}

var (
	memCreateRe    = regexp.MustCompile(`^CREATE TABLE (IF NOT EXISTS )?(\S+)\.(\S+) \(`)
	memPartitionRe = regexp.MustCompile(`^CREATE TABLE IF NOT EXISTS (\S+)\.(\S+) PARTITION OF (\S+)\.(\S+) `)
	memAlterRe     = regexp.MustCompile(`(?s)^ALTER TABLE (\S+)\.(\S+) (.*)$`)
	memInsertRe    = regexp.MustCompile(`^INSERT INTO (\S+)\.(\S+) \(log_hash, source_name, app_version\) VALUES \((-?\d+), '((?:[^']|'')*)'`)
	memDeleteRe    = regexp.MustCompile(`^DELETE FROM (\S+)\.(\S+) WHERE (\S+) = (-?\d+)$`)
	memCopyRe      = regexp.MustCompile(`^COPY (\S+)\.(\S+) \((.*)\) FROM STDIN`)
)

func memName(s string) string { return strings.Trim(s, `"`) }

func (t *memTarget) rowCount(table string, identity int64) int {
	if tbl, ok := t.tables[table]; ok {
		return tbl.rows[identity]
	}
	return 0
}

func (t *memTarget) totalRows() int {
	n := 0
	for _, tbl := range t.tables {
		for _, c := range tbl.rows {
			n += c
		}
	}
	return n
}

// plan validates sql against committed state and returns its deferred effect.
func (t *memTarget) plan(sql string) (func(), int64, error) {
	if t.failExec != "" && strings.Contains(sql, t.failExec) {
		return nil, 0, fmt.Errorf("injected failure for %q", t.failExec)
	}
	noop := func() {}

	if m := memPartitionRe.FindStringSubmatch(sql); m != nil {
		name, parent := memName(m[2]), memName(m[4])
		p, ok := t.tables[parent]
		if !ok {
			return nil, 0, fmt.Errorf("relation %q does not exist", parent)
		}
		if _, ok := t.tables[name]; ok {
			return noop, 0, nil
		}
		cols := append([]ColumnDef(nil), p.columns...)
		return func() { t.tables[name] = &memTable{columns: cols, rows: map[int64]int{}} }, 0, nil
	}

	if m := memCreateRe.FindStringSubmatch(sql); m != nil {
		name := memName(m[3])
		if _, ok := t.tables[name]; ok {
			if m[1] != "" {
				return noop, 0, nil
			}
			return nil, 0, fmt.Errorf("relation %q already exists", name)
		}
		body := sql
		if i := strings.Index(body, ") PARTITION BY "); i >= 0 {
			body = body[:i+1]
		}
		def, err := parseTableDefinition(name, body)
		if err != nil {
			return nil, 0, err
		}
		for i := range def.Columns {
			def.Columns[i].Name = memName(def.Columns[i].Name)
		}
		return func() { t.tables[name] = &memTable{columns: def.Columns, rows: map[int64]int{}} }, 0, nil
	}

	if m := memAlterRe.FindStringSubmatch(sql); m != nil {
		name := memName(m[2])
		tbl, ok := t.tables[name]
		if !ok {
			return nil, 0, fmt.Errorf("relation %q does not exist", name)
		}
		var add []ColumnDef
		for _, part := range strings.Split(strings.TrimPrefix(m[3], "ADD COLUMN "), ", ADD COLUMN ") {
			col, rest := splitColumnName(strings.TrimSpace(part))
			if (TableDefinition{Columns: tbl.columns}).HasColumn(col) {
				return nil, 0, fmt.Errorf("column %q of relation %q already exists", col, name)
			}
			add = append(add, ColumnDef{Name: col, Type: columnTypeOnly(rest)})
		}
		return func() { tbl.columns = append(tbl.columns, add...) }, 0, nil
	}

	if m := memInsertRe.FindStringSubmatch(sql); m != nil {
		id, _ := strconv.ParseInt(m[3], 10, 64)
		if _, ok := t.registry[id]; ok {
			return nil, 0, errors.New("duplicate key value violates unique constraint")
		}
		source := strings.ReplaceAll(m[4], "''", "'")
		return func() { t.registry[id] = source }, 1, nil
	}

	if m := memDeleteRe.FindStringSubmatch(sql); m != nil {
		name := memName(m[2])
		id, _ := strconv.ParseInt(m[4], 10, 64)
		if name == t.registryTable {
			if _, ok := t.registry[id]; !ok {
				return noop, 0, nil
			}
			return func() { delete(t.registry, id) }, 1, nil
		}
		tbl, ok := t.tables[name]
		if !ok {
			return nil, 0, fmt.Errorf("relation %q does not exist", name)
		}
		n := tbl.rows[id]
		return func() { delete(tbl.rows, id) }, int64(n), nil
	}

	return noop, 0, nil
}

func (t *memTarget) Exec(_ context.Context, sql string, _ ...any) (int64, error) {
	effect, n, err := t.plan(sql)
	if err != nil {
		return 0, err
	}
	effect()
	t.committed = append(t.committed, sql)
	return n, nil
}

func (t *memTarget) RowExists(_ context.Context, query string, args ...any) (bool, error) {
	if !strings.Contains(query, t.registryTable) || len(args) != 1 {
		return false, fmt.Errorf("memTarget: unsupported query %q", query)
	}
	id, ok := args[0].(int64)
	if !ok {
		return false, fmt.Errorf("memTarget: identity arg is %T", args[0])
	}
	_, found := t.registry[id]
	return found, nil
}

func (t *memTarget) QueryRemoteColumns(_ context.Context, _, table string) (RemoteColumnSet, error) {
	set := RemoteColumnSet{Table: table}
	if tbl, ok := t.tables[table]; ok {
		set.Columns = append(set.Columns, tbl.columns...)
	}
	return set, nil
}

func (t *memTarget) TableExists(_ context.Context, _, table string) (bool, error) {
	_, ok := t.tables[table]
	return ok, nil
}

func (t *memTarget) Begin(context.Context) (TargetTx, error) {
	t.begins++
	return &memTx{t: t}, nil
}

func (t *memTarget) Close(context.Context) error { return nil }

type memTx struct {
	t       *memTarget
	effects []func()
	stmts   []string
	done    bool
}

func (tx *memTx) Exec(_ context.Context, sql string, _ ...any) (int64, error) {
	if tx.done {
		return 0, errors.New("tx is closed")
	}
	effect, n, err := tx.t.plan(sql)
	if err != nil {
		return 0, err
	}
	tx.effects = append(tx.effects, effect)
	tx.stmts = append(tx.stmts, sql)
	return n, nil
}

func (tx *memTx) CopyFrom(_ context.Context, sql, path string) (int64, error) {
	m := memCopyRe.FindStringSubmatch(sql)
	if m == nil {
		return 0, fmt.Errorf("memTarget: not a COPY statement: %q", sql)
	}
	name := memName(m[2])
	if name == tx.t.failCopy {
		return 0, fmt.Errorf("injected COPY failure for %s", name)
	}
	tbl, ok := tx.t.tables[name]
	if !ok {
		return 0, fmt.Errorf("relation %q does not exist", name)
	}
	idIdx := -1
	for i, c := range strings.Split(m[3], ", ") {
		if memName(c) == "log_hash" {
			idIdx = i
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return 0, err
	}
	counts := make(map[int64]int)
	for _, rec := range records {
		var id int64
		if idIdx >= 0 {
			id, _ = strconv.ParseInt(rec[idIdx], 10, 64)
		}
		counts[id]++
	}
	tx.effects = append(tx.effects, func() {
		for id, n := range counts {
			tbl.rows[id] += n
		}
	})
	tx.stmts = append(tx.stmts, sql)
	return int64(len(records)), nil
}

func (tx *memTx) Commit(context.Context) error {
	if tx.done {
		return errors.New("tx is closed")
	}
	tx.done = true
	for _, e := range tx.effects {
		e()
	}
	tx.t.committed = append(tx.t.committed, tx.stmts...)
	return nil
}

func (tx *memTx) Rollback(context.Context) error {
	tx.done = true
	return nil
}
