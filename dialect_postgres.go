package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL SQLSTATE codes that mean a concurrent pass created the object first.
const (
	pgDuplicateTable    = "42P07"
	pgDuplicateColumn   = "42701"
	pgDuplicateSchema   = "42P06"
	pgDuplicateObject   = "42710"
	pgUniqueViolation   = "23505"
	pgTypeNameIndexName = "pg_type_typname_nsp_index"
)

// ewkbPointWithSRID is the EWKB geometry type of a point carrying an SRID.
const ewkbPointWithSRID uint32 = 0x20000001

type postgresDialect struct{}

func (postgresDialect) Name() string             { return "postgres" }
func (postgresDialect) Ident(name string) string { return pgIdent(name) }
func (postgresDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }
func (postgresDialect) DefaultTextType() string  { return "text" }

func (postgresDialect) Table(schema, table string) string {
	return pgIdent(schema) + "." + pgIdent(table)
}

func (postgresDialect) MapStatement(stmt string, geometryColumns []string) string {
	stmt = applyTypeRules(stmt, geometryRules(geometryColumns))
	return applyTypeRules(stmt, postgresTypeRules)
}

func (d postgresDialect) CreateTable(schema string, def TableDefinition, partitionBy string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n  %s\n)", d.Table(schema, def.Name), strings.Join(columnDefs(d, def.Columns), ",\n  "))
	if partitionBy != "" {
		b.WriteString(" PARTITION BY ")
		b.WriteString(partitionBy)
	}
	return b.String()
}

func (d postgresDialect) AddColumns(schema, table string, cols []ColumnDef) string {
	adds := make([]string, len(cols))
	for i, c := range columnDefs(d, cols) {
		adds[i] = "ADD COLUMN " + c
	}
	return fmt.Sprintf("ALTER TABLE %s %s", d.Table(schema, table), strings.Join(adds, ", "))
}

func (d postgresDialect) CreateIndex(schema, table, column string) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		pgIdent(indexName(table, column)), d.Table(schema, table), pgIdent(column))
}

func (d postgresDialect) DeleteByIdentity(schema, table, column string, id int64) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = %d", d.Table(schema, table), pgIdent(column), id)
}

func (d postgresDialect) RegistryDDL(schema, table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  log_hash bigint PRIMARY KEY,
  source_name text NOT NULL,
  app_version text,
  merged_at timestamptz NOT NULL DEFAULT now()
)`, d.Table(schema, table))
}

func (postgresDialect) RowFormat() RowFormat {
	return RowFormat{FieldSep: ",", RowSep: "\n", CSV: true}
}

// BinaryExpr emits bytea hex input (\xDEADBEEF). Bare hex would be read in
// escape format and stored as text bytes.
func (postgresDialect) BinaryExpr(q string) string {
	return fmt.Sprintf(`CASE WHEN %s IS NULL THEN NULL ELSE '\x' || hex(%s) END`, q, q)
}

func (d postgresDialect) BulkStatement(schema, table string, columns []string, _, _ string) string {
	return fmt.Sprintf("COPY %s (%s) FROM STDIN WITH (FORMAT csv, NULL '')", d.Table(schema, table), quotedColumnList(d, columns))
}

// GeometryPrefix returns the EWKB point header. Coordinates follow in the
// source byte order.
func (postgresDialect) GeometryPrefix(order binary.ByteOrder, srid uint32) ([]byte, binary.ByteOrder) {
	p := make([]byte, 9)
	if order == binary.LittleEndian {
		p[0] = 0x01
	}
	order.PutUint32(p[1:5], ewkbPointWithSRID)
	order.PutUint32(p[5:9], srid)
	return p, order
}

func (postgresDialect) IsAlreadyExists(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgDuplicateTable, pgDuplicateColumn, pgDuplicateSchema, pgDuplicateObject:
			return true
		case pgUniqueViolation:
			return pgErr.ConstraintName == pgTypeNameIndexName
		}
		return false
	}
	return messageSaysExists(err)
}

func (postgresDialect) IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return strings.Contains(strings.ToLower(errString(err)), "duplicate key")
}

// indexName builds the identity index name, kept under PostgreSQL's 63-byte limit.
func indexName(table, column string) string {
	name := "idx_" + table + "_" + column
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
