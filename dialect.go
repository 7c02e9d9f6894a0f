package main

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// RowFormat describes how a dialect's bulk path expects row-files to look.
type RowFormat struct {
	FieldSep string
	RowSep   string
	// CSV rows quote fields per RFC 4180; otherwise separators are stripped from values.
	CSV bool
	// FormatFile reports whether the bulk statement needs a companion format file.
	FormatFile bool
}

// Dialect holds everything that differs between warehouse engines: type
// mapping, quoting, DDL text, bulk statements, geometry encoding and error
// classification.
type Dialect interface {
	Name() string
	Ident(name string) string
	Table(schema, table string) string
	Placeholder(n int) string

	MapStatement(stmt string, geometryColumns []string) string
	DefaultTextType() string

	CreateTable(schema string, def TableDefinition, partitionBy string) string
	AddColumns(schema, table string, cols []ColumnDef) string
	CreateIndex(schema, table, column string) string
	DeleteByIdentity(schema, table, column string, id int64) string
	RegistryDDL(schema, table string) string

	RowFormat() RowFormat
	// BinaryExpr renders a SQLite BLOB column q as the row-file text the
	// bulk path reads back into the binary type.
	BinaryExpr(q string) string
	BulkStatement(schema, table string, columns []string, dataPath, formatPath string) string
	GeometryPrefix(order binary.ByteOrder, srid uint32) ([]byte, binary.ByteOrder)

	IsAlreadyExists(err error) bool
	IsUniqueViolation(err error) bool
}

func newDialect(targetType string) (Dialect, error) {
	switch targetType {
	case "postgres":
		return postgresDialect{}, nil
	case "mssql":
		return mssqlDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported target type %q", targetType)
	}
}

// alreadyExistsFragments are matched when a driver error carries no usable code.
var alreadyExistsFragments = []string{
	"already exists",
	"there is already an object named",
	"column names in each table must be unique",
	"pg_type_typname_nsp_index",
}

func messageSaysExists(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, f := range alreadyExistsFragments {
		if strings.Contains(msg, f) {
			return true
		}
	}
	return false
}

// matchesAllowList reports whether err's text contains any allow-listed fragment.
func matchesAllowList(err error, allow []string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, a := range allow {
		if a != "" && strings.Contains(msg, strings.ToLower(a)) {
			return true
		}
	}
	return false
}

func columnDefs(d Dialect, cols []ColumnDef) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = d.Ident(c.Name) + " " + c.Type
	}
	return out
}
