package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strings"
)

// rowWriter writes records in a dialect's row-file shape.
type rowWriter interface {
	Write(fields []string) error
	Flush() error
}

type csvRowWriter struct{ w *csv.Writer }

func (c csvRowWriter) Write(fields []string) error { return c.w.Write(fields) }

func (c csvRowWriter) Flush() error {
	c.w.Flush()
	return c.w.Error()
}

// delimitedRowWriter writes separator-joined records. Values never contain
// separators: tabs and line breaks are replaced by spaces.
type delimitedRowWriter struct {
	w      *bufio.Writer
	format RowFormat
}

var delimitedValueCleaner = strings.NewReplacer("\t", " ", "\r", " ", "\n", " ")

func (d delimitedRowWriter) Write(fields []string) error {
	for i, f := range fields {
		if i > 0 {
			if _, err := d.w.WriteString(d.format.FieldSep); err != nil {
				return err
			}
		}
		if _, err := d.w.WriteString(delimitedValueCleaner.Replace(f)); err != nil {
			return err
		}
	}
	_, err := d.w.WriteString(d.format.RowSep)
	return err
}

func (d delimitedRowWriter) Flush() error { return d.w.Flush() }

func newRowWriter(bw *bufio.Writer, format RowFormat) rowWriter {
	if format.CSV {
		cw := csv.NewWriter(bw)
		if format.FieldSep != "" {
			cw.Comma = rune(format.FieldSep[0])
		}
		return csvRowWriter{w: cw}
	}
	return delimitedRowWriter{w: bw, format: format}
}

// DumpTable selects req.Columns from the source table and writes them to
// req.Path. NULL values become empty fields.
func (s *sqliteSource) DumpTable(ctx context.Context, req DumpRequest) error {
	exprs := make([]string, len(req.Columns))
	for i, c := range req.Columns {
		exprs[i] = c.Expr
	}
	q := fmt.Sprintf("SELECT %s FROM %s", strings.Join(exprs, ", "), sqliteIdent(req.Table))

	f, err := os.Create(req.Path)
	if err != nil {
		return fmt.Errorf("create row-file: %w", err)
	}
	defer f.Close()

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return fmt.Errorf("select %s: %w\nSQL: %s", req.Table, err, q)
	}
	defer rows.Close()

	w := newRowWriter(bufio.NewWriterSize(f, 1<<20), req.Format)
	// Whole records are flushed even when reading stops early, so the file
	// always ends on a row boundary.
	if err := writeRows(rows, w, req); err != nil {
		if ferr := w.Flush(); ferr != nil {
			err = errors.Join(err, fmt.Errorf("write row-file: %w", ferr))
		}
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write row-file: %w", err)
	}
	return f.Close()
}

func writeRows(rows *sql.Rows, w rowWriter, req DumpRequest) error {
	vals := make([]sql.NullString, len(req.Columns))
	ptrs := make([]any, len(vals))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	fields := make([]string, len(vals))
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("scan %s: %w", req.Table, err)
		}
		for i, v := range vals {
			fields[i] = v.String
		}
		if req.Record != nil {
			req.Record(fields)
		}
		if err := w.Write(fields); err != nil {
			return fmt.Errorf("write row-file: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read %s: %w", req.Table, err)
	}
	return nil
}
