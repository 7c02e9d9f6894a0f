package main

import "context"

// RowSource writes one table's rows into a row-file.
type RowSource interface {
	DumpTable(ctx context.Context, req DumpRequest) error
}

// RowColumn is one output field: the SQLite expression producing it.
type RowColumn struct {
	Name string
	Expr string
}

// DumpRequest asks a RowSource for one table's row-file.
type DumpRequest struct {
	Table   string
	Columns []RowColumn
	Path    string
	Format  RowFormat
	// Record, when set, may rewrite each record's fields before they are written.
	Record func(fields []string)
}
