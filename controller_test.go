package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const testIdentity int64 = 4242

func testMergeConfig(t *testing.T) *MergeConfig {
	t.Helper()
	cfg := defaultMergeConfig()
	cfg.Target = TargetConfig{Type: "postgres", DSN: "postgres://warehouse"}
	cfg.WorkDir = t.TempDir()
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	return &cfg
}

// fieldLogDB is a small log: one identity row, a table carrying the
// identity column and one that does not.
func fieldLogDB(t *testing.T, identity string) string {
	t.Helper()
	return newSourceDB(t,
		`CREATE TABLE logs (log_hash INTEGER, log_app_version TEXT, log_start_time DATETIME)`,
		`INSERT INTO logs VALUES (`+identity+`, '3.1.0', '2024-05-14 10:00:00')`,
		`CREATE TABLE events ("time" DATETIME, value INTEGER, log_hash INTEGER)`,
		`INSERT INTO events VALUES ('2024-05-14 10:00:01', 1, `+identity+`), ('2024-05-14 10:00:02', 2, `+identity+`)`,
		`CREATE TABLE cells (name TEXT, rssi INTEGER)`,
		`INSERT INTO cells VALUES ('a', -70), ('b', -80), ('c', -90)`,
	)
}

func runTestPass(t *testing.T, cfg *MergeConfig, mode Mode, src string, target Target) (*PassResult, error) {
	t.Helper()
	res := &PassResult{Mode: mode, StartedAt: time.Now()}
	err := runPass(context.Background(), cfg, mode, src, target, res)
	finishResult(res, err)
	return res, err
}

func assertLogRows(t *testing.T, mem *memTarget, identity int64, want map[string]int) {
	t.Helper()
	for table, n := range want {
		if got := mem.rowCount(table, identity); got != n {
			t.Errorf("%s rows for %d = %d, want %d", table, identity, got, n)
		}
	}
}

func TestRunPass_Merge(t *testing.T) {
	cfg := testMergeConfig(t)
	mem := newMemTarget()
	src := fieldLogDB(t, "4242")

	res, err := runTestPass(t, cfg, ModeMerge, src, mem)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if res.Status != statusSuccess || res.Identity != testIdentity {
		t.Fatalf("result = %+v", res)
	}
	assertLogRows(t, mem, testIdentity, map[string]int{"logs": 1, "events": 2, "cells": 3})
	if got := mem.registry[testIdentity]; got != "source.db" {
		t.Errorf("registry source = %q, want source.db", got)
	}

	cells := mem.tables["cells"]
	if cells == nil || !(TableDefinition{Columns: cells.columns}).HasColumn("log_hash") {
		t.Fatalf("cells should carry the injected identity column: %+v", cells)
	}
	if got := cells.columns[1].Type; got != "bigint" {
		t.Errorf("cells.rssi type = %q, want bigint", got)
	}
	if got := mem.tables["events"].columns[0].Type; got != "timestamp" {
		t.Errorf("events.time type = %q, want timestamp", got)
	}
	if len(res.Tables) != 3 {
		t.Errorf("outcomes = %+v, want 3 tables", res.Tables)
	}
}

func TestRunPass_MergeIsIdempotent(t *testing.T) {
	cfg := testMergeConfig(t)
	mem := newMemTarget()
	src := fieldLogDB(t, "4242")

	if _, err := runTestPass(t, cfg, ModeMerge, src, mem); err != nil {
		t.Fatalf("first merge: %v", err)
	}
	before := mem.totalRows()

	res, err := runTestPass(t, cfg, ModeMerge, src, mem)
	if !errors.Is(err, ErrAlreadyMerged) {
		t.Fatalf("second merge error = %v, want ErrAlreadyMerged", err)
	}
	if res.Status != statusAlreadyMerged {
		t.Errorf("status = %q, want %q", res.Status, statusAlreadyMerged)
	}
	if after := mem.totalRows(); after != before {
		t.Fatalf("rows changed on repeated merge: %d -> %d", before, after)
	}
}

func TestRunPass_UnmergeInvertsMerge(t *testing.T) {
	cfg := testMergeConfig(t)
	mem := newMemTarget()
	src := fieldLogDB(t, "4242")
	other := fieldLogDB(t, "7")

	if _, err := runTestPass(t, cfg, ModeMerge, other, mem); err != nil {
		t.Fatalf("merge other: %v", err)
	}
	if _, err := runTestPass(t, cfg, ModeMerge, src, mem); err != nil {
		t.Fatalf("merge: %v", err)
	}

	res, err := runTestPass(t, cfg, ModeUnmerge, src, mem)
	if err != nil {
		t.Fatalf("unmerge: %v", err)
	}
	if res.Status != statusSuccess {
		t.Errorf("status = %q", res.Status)
	}
	assertLogRows(t, mem, testIdentity, map[string]int{"logs": 0, "events": 0, "cells": 0})
	assertLogRows(t, mem, 7, map[string]int{"logs": 1, "events": 2, "cells": 3})
	if _, ok := mem.registry[testIdentity]; ok {
		t.Error("identity still registered after unmerge")
	}
	if _, ok := mem.registry[7]; !ok {
		t.Error("other log lost its registry entry")
	}

	if _, err := runTestPass(t, cfg, ModeUnmerge, src, mem); !errors.Is(err, ErrNotMerged) {
		t.Fatalf("second unmerge error = %v, want ErrNotMerged", err)
	}

	if _, err := runTestPass(t, cfg, ModeMerge, src, mem); err != nil {
		t.Fatalf("re-merge: %v", err)
	}
	assertLogRows(t, mem, testIdentity, map[string]int{"logs": 1, "events": 2, "cells": 3})
}

func TestRunPass_UnmergeWithoutRegistry(t *testing.T) {
	cfg := testMergeConfig(t)
	mem := newMemTarget()

	_, err := runTestPass(t, cfg, ModeUnmerge, fieldLogDB(t, "4242"), mem)
	if !errors.Is(err, ErrNotMerged) {
		t.Fatalf("unmerge error = %v, want ErrNotMerged", err)
	}
	if len(mem.committed) != 0 {
		t.Fatalf("unmerge of unknown log changed the warehouse: %v", mem.committed)
	}
}

func TestRunPass_ZeroIdentityBeforeAnyDDL(t *testing.T) {
	cfg := testMergeConfig(t)
	mem := newMemTarget()

	res, err := runTestPass(t, cfg, ModeMerge, fieldLogDB(t, "0"), mem)
	if !errors.Is(err, ErrZeroIdentity) {
		t.Fatalf("error = %v, want ErrZeroIdentity", err)
	}
	if res.Status != statusFailed {
		t.Errorf("status = %q, want %q", res.Status, statusFailed)
	}
	if mem.begins != 0 || len(mem.committed) != 0 {
		t.Fatalf("warehouse touched before identity check: begins=%d committed=%v", mem.begins, mem.committed)
	}
}

func TestRunPass_MinAppVersion(t *testing.T) {
	cfg := testMergeConfig(t)
	cfg.MinAppVersion = "3.2.0"
	mem := newMemTarget()

	_, err := runTestPass(t, cfg, ModeMerge, fieldLogDB(t, "4242"), mem)
	if !errors.Is(err, ErrAppVersionTooOld) {
		t.Fatalf("error = %v, want ErrAppVersionTooOld", err)
	}
	if mem.begins != 0 {
		t.Fatalf("warehouse touched for a rejected log")
	}
}

func TestRunPass_FlushIsAtomic(t *testing.T) {
	cfg := testMergeConfig(t)
	mem := newMemTarget()
	mem.failCopy = "cells"
	src := fieldLogDB(t, "4242")

	if _, err := runTestPass(t, cfg, ModeMerge, src, mem); err == nil {
		t.Fatal("merge with failing load should fail")
	}
	if mem.totalRows() != 0 {
		t.Fatalf("rows visible after failed flush: %d", mem.totalRows())
	}
	if len(mem.registry) != 0 {
		t.Fatalf("registry written after failed flush: %v", mem.registry)
	}

	mem.failCopy = ""
	if _, err := runTestPass(t, cfg, ModeMerge, src, mem); err != nil {
		t.Fatalf("retry merge: %v", err)
	}
	assertLogRows(t, mem, testIdentity, map[string]int{"logs": 1, "events": 2, "cells": 3})
}

func TestRunPass_NoTables(t *testing.T) {
	cfg := testMergeConfig(t)
	cfg.ExcludeTables = []string{"logs", "events", "cells"}

	_, err := runTestPass(t, cfg, ModeMerge, fieldLogDB(t, "4242"), newMemTarget())
	if err == nil || !strings.Contains(err.Error(), "no tables") {
		t.Fatalf("error = %v, want no tables", err)
	}
}

func TestRunPass_HooksRunBeforeRegistry(t *testing.T) {
	cfg := testMergeConfig(t)
	hook := filepath.Join(t.TempDir(), "after.sql")
	if err := os.WriteFile(hook, []byte("UPDATE {{schema}}.events SET value = 0;\nANALYZE {{schema}}.events;\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Hooks.AfterMerge = []string{hook}
	mem := newMemTarget()

	if _, err := runTestPass(t, cfg, ModeMerge, fieldLogDB(t, "4242"), mem); err != nil {
		t.Fatalf("merge: %v", err)
	}
	update := slices.Index(mem.committed, "UPDATE public.events SET value = 0")
	analyze := slices.Index(mem.committed, "ANALYZE public.events")
	insert := slices.IndexFunc(mem.committed, func(s string) bool { return strings.HasPrefix(s, "INSERT INTO public.log_registry") })
	if update < 0 || analyze < 0 || insert < 0 {
		t.Fatalf("committed = %v", mem.committed)
	}
	if !(update < analyze && analyze < insert) {
		t.Errorf("order update=%d analyze=%d insert=%d, want hooks before registry", update, analyze, insert)
	}
}

func TestRunPass_ContentIdentity(t *testing.T) {
	cfg := testMergeConfig(t)
	cfg.Source.IdentityMode = "content"
	mem := newMemTarget()
	src := fieldLogDB(t, "4242")

	want, err := contentIdentity(src)
	if err != nil {
		t.Fatal(err)
	}
	res, err := runTestPass(t, cfg, ModeMerge, src, mem)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if res.Identity != want {
		t.Fatalf("identity = %d, want content hash %d", res.Identity, want)
	}
	if _, ok := mem.registry[want]; !ok {
		t.Errorf("registry missing content identity")
	}
	assertLogRows(t, mem, want, map[string]int{"logs": 1, "events": 2, "cells": 3})
}

func TestRunPass_SkipEmptyAndVersionGatedTables(t *testing.T) {
	cfg := testMergeConfig(t)
	cfg.SkipEmptyTables = true
	cfg.TableMinAppVersion = map[string]string{"cells": "4.0.0"}
	mem := newMemTarget()
	src := newSourceDB(t,
		`CREATE TABLE logs (log_hash INTEGER, log_app_version TEXT)`,
		`INSERT INTO logs VALUES (4242, '3.1.0')`,
		`CREATE TABLE empty_one (v INTEGER)`,
		`CREATE TABLE cells (name TEXT)`,
		`INSERT INTO cells VALUES ('a')`,
	)

	res, err := runTestPass(t, cfg, ModeMerge, src, mem)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if _, ok := mem.tables["empty_one"]; ok {
		t.Error("empty table created despite skip_empty_tables")
	}
	if _, ok := mem.tables["cells"]; ok {
		t.Error("version-gated table created")
	}
	skipped := map[string]string{}
	for _, o := range res.Tables {
		skipped[o.Table] = o.Skipped
	}
	if skipped["empty_one"] != "empty" {
		t.Errorf("empty_one outcome = %q", skipped["empty_one"])
	}
	if !strings.Contains(skipped["cells"], "4.0.0") {
		t.Errorf("cells outcome = %q", skipped["cells"])
	}
}

func TestExecuteBuffer_ConcurrentRegistration(t *testing.T) {
	mem := newMemTarget()
	mem.registry[testIdentity] = "elsewhere.db"
	reg := &registry{dialect: postgresDialect{}, schema: "public", table: "log_registry"}

	pass := &PassContext{Mode: ModeMerge, Identity: testIdentity, Dialect: postgresDialect{}, Target: mem}
	pass.Buffer.Append(Statement("events", "UPDATE public.events SET value = 1"))
	pass.Buffer.Append(reg.insertItem(testIdentity, "source.db", ""))

	err := executeBuffer(context.Background(), pass)
	if !errors.Is(err, ErrAlreadyMerged) {
		t.Fatalf("error = %v, want ErrAlreadyMerged", err)
	}
	if len(mem.committed) != 0 {
		t.Fatalf("statements committed despite conflict: %v", mem.committed)
	}
}

func TestExecuteBuffer_ConcurrentUnregistration(t *testing.T) {
	mem := newMemTarget()
	reg := &registry{dialect: postgresDialect{}, schema: "public", table: "log_registry"}

	pass := &PassContext{Mode: ModeUnmerge, Identity: testIdentity, Dialect: postgresDialect{}, Target: mem}
	pass.Buffer.Append(reg.deleteItem(testIdentity))

	if err := executeBuffer(context.Background(), pass); !errors.Is(err, ErrNotMerged) {
		t.Fatalf("error = %v, want ErrNotMerged", err)
	}
}

func TestFinishResult(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"success", nil, statusSuccess},
		{"already merged", errors.Join(errors.New("log_hash 1"), ErrAlreadyMerged), statusAlreadyMerged},
		{"not merged", ErrNotMerged, statusNotMerged},
		{"failure", errors.New("boom"), statusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := &PassResult{}
			finishResult(res, tt.err)
			if res.Status != tt.want {
				t.Errorf("Status = %q, want %q", res.Status, tt.want)
			}
			if (tt.err != nil) != (res.Error != "") {
				t.Errorf("Error = %q for err %v", res.Error, tt.err)
			}
			if res.FinishedAt.IsZero() {
				t.Error("FinishedAt not set")
			}
		})
	}
}

func TestPassStateString(t *testing.T) {
	if got := stateIdentityChecked.String(); got != "identity-checked" {
		t.Errorf("String() = %q", got)
	}
	if got := passState(99).String(); got != "passState(99)" {
		t.Errorf("String() = %q", got)
	}
}

func TestMakePassDir(t *testing.T) {
	cfg := testMergeConfig(t)
	dir, root, cleanup, err := makePassDir(cfg)
	if err != nil {
		t.Fatalf("makePassDir: %v", err)
	}
	if root != cfg.WorkDir || filepath.Dir(dir) != root {
		t.Fatalf("dir = %q root = %q, want under %q", dir, root, cfg.WorkDir)
	}
	cleanup()
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("pass dir not removed: %v", err)
	}

	cfg.KeepWorkDir = true
	dir, _, cleanup, err = makePassDir(cfg)
	if err != nil {
		t.Fatal(err)
	}
	cleanup()
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("keep_work_dir removed pass dir: %v", err)
	}
}

func TestRunStatements(t *testing.T) {
	tests := []struct {
		name        string
		dump        string
		wantTables  []string
		wantCommits int
		wantErr     error
	}{
		{
			name:        "commit then synthetic commit",
			dump:        "CREATE TABLE a (v INTEGER);\nCREATE TABLE b (v INTEGER);\nCOMMIT;\n",
			wantTables:  []string{"a", "b"},
			wantCommits: 1,
		},
		{
			name:        "table after commit",
			dump:        "CREATE TABLE a (v INTEGER);\nCOMMIT;\nCREATE TABLE b (v INTEGER);\nCOMMIT;\n",
			wantTables:  []string{"a"},
			wantCommits: 1,
			wantErr:     ErrUnsupportedOperation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pass := &PassContext{SourceName: "source.db"}
			var tables []string
			commits := 0
			p := &dumpParser{}
			err := runStatements(p.Statements(strings.NewReader(tt.dump)), pass,
				func(stmt DumpStatement) error {
					tables = append(tables, stmt.Table)
					return nil
				},
				func() error {
					commits++
					pass.flushed = true
					return nil
				},
			)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("runStatements: %v", err)
			}
			if !slices.Equal(tables, tt.wantTables) || commits != tt.wantCommits {
				t.Errorf("tables = %v commits = %d, want %v and %d", tables, commits, tt.wantTables, tt.wantCommits)
			}
		})
	}
}

func TestRunStatements_NoTables(t *testing.T) {
	pass := &PassContext{SourceName: "source.db"}
	p := &dumpParser{}
	err := runStatements(p.Statements(strings.NewReader("COMMIT;\n")), pass,
		func(DumpStatement) error { return nil },
		func() error { t.Fatal("flush without tables"); return nil },
	)
	if err == nil || !strings.Contains(err.Error(), "no tables") {
		t.Fatalf("err = %v, want no tables", err)
	}
}
