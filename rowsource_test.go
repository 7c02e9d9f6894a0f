package main

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestRowWriters(t *testing.T) {
	tests := []struct {
		name   string
		format RowFormat
		rows   [][]string
		want   string
	}{
		{
			name:   "csv quotes separators",
			format: postgresDialect{}.RowFormat(),
			rows:   [][]string{{"1", "a,b", ""}, {"2", "say \"hi\"", "line\nbreak"}},
			want:   "1,\"a,b\",\n2,\"say \"\"hi\"\"\",\"line\nbreak\"\n",
		},
		{
			name:   "delimited strips separators",
			format: mssqlDialect{}.RowFormat(),
			rows:   [][]string{{"1", "a\tb", ""}, {"2", "x\r\ny", "z"}},
			want:   "1\ta b\t|\n2\tx  y\tz|\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			bw := bufio.NewWriter(&buf)
			w := newRowWriter(bw, tt.format)
			for _, r := range tt.rows {
				if err := w.Write(r); err != nil {
					t.Fatal(err)
				}
			}
			if err := w.Flush(); err != nil {
				t.Fatal(err)
			}
			if buf.String() != tt.want {
				t.Errorf("output = %q, want %q", buf.String(), tt.want)
			}
		})
	}
}

func TestDumpTable(t *testing.T) {
	path := newSourceDB(t,
		`CREATE TABLE cells (name TEXT, rssi INTEGER, ratio REAL)`,
		`INSERT INTO cells VALUES ('a', -70, 0.5), (NULL, NULL, NULL), ('', 3, 1)`,
	)
	src := openTestSource(t, path)
	out := filepath.Join(t.TempDir(), "cells.rows")

	var seen int
	req := DumpRequest{
		Table:   "cells",
		Columns: []RowColumn{{Name: "name", Expr: `"name"`}, {Name: "rssi", Expr: `"rssi"`}, {Name: "log_hash", Expr: "8"}},
		Path:    out,
		Format:  postgresDialect{}.RowFormat(),
		Record:  func([]string) { seen++ },
	}
	if err := src.DumpTable(context.Background(), req); err != nil {
		t.Fatalf("DumpTable: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	want := "a,-70,8\n,,8\n,3,8\n"
	if string(data) != want {
		t.Errorf("row-file = %q, want %q", data, want)
	}
	if seen != 3 {
		t.Errorf("Record called %d times, want 3", seen)
	}
}

func TestDumpTable_BadTable(t *testing.T) {
	src := openTestSource(t, newSourceDB(t, `CREATE TABLE cells (name TEXT)`))
	req := DumpRequest{
		Table:   "missing",
		Columns: []RowColumn{{Name: "name", Expr: `"name"`}},
		Path:    filepath.Join(t.TempDir(), "missing.rows"),
		Format:  postgresDialect{}.RowFormat(),
	}
	if err := src.DumpTable(context.Background(), req); err == nil {
		t.Fatal("expected error for missing table")
	}
}

func TestDumpTable_ReadErrorKeepsWholeRows(t *testing.T) {
	// abs() of the smallest integer fails on the last row, after more than
	// the write buffer has been produced.
	path := newSourceDB(t,
		`CREATE TABLE wide (v INTEGER)`,
		`INSERT INTO wide VALUES (1), (2), (3), (4), (5), (-9223372036854775807 - 1)`,
	)
	src := openTestSource(t, path)
	out := filepath.Join(t.TempDir(), "wide.rows")

	req := DumpRequest{
		Table:   "wide",
		Columns: []RowColumn{{Name: "pad", Expr: "hex(zeroblob(150000))"}, {Name: "v", Expr: `abs("v")`}},
		Path:    out,
		Format:  postgresDialect{}.RowFormat(),
	}
	err := src.DumpTable(context.Background(), req)
	if err == nil || !strings.Contains(err.Error(), "overflow") {
		t.Fatalf("DumpTable err = %v, want integer overflow", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(string(data), "\n") {
		t.Fatalf("row-file ends mid-row (%d bytes)", len(data))
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d rows, want the 5 read before the error", len(lines))
	}
	for i, l := range lines {
		pad, v, ok := strings.Cut(l, ",")
		if !ok || len(pad) != 300000 || v != strconv.Itoa(i+1) {
			t.Errorf("row %d malformed: %d-byte pad, v=%q", i, len(pad), v)
		}
	}
}
