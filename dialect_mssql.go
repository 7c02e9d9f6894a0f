package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"
)

// SQL Server error numbers that mean a concurrent pass created the object first.
const (
	mssqlObjectExists    = 2714
	mssqlDuplicateColumn = 2705
	mssqlIndexExists     = 1913
	mssqlUniqueIndex     = 2601
	mssqlUniqueKey       = 2627
)

// Native SQL Server geometry header: version 1, flags "valid + single point".
const (
	mssqlGeometryVersion    = 0x01
	mssqlGeometryPointFlags = 0x0C
)

type mssqlDialect struct{}

func (mssqlDialect) Name() string             { return "mssql" }
func (mssqlDialect) Ident(name string) string { return mssqlIdent(name) }
func (mssqlDialect) Placeholder(n int) string { return fmt.Sprintf("@p%d", n) }
func (mssqlDialect) DefaultTextType() string  { return "nvarchar(max)" }

func (mssqlDialect) Table(schema, table string) string {
	return mssqlIdent(schema) + "." + mssqlIdent(table)
}

func (mssqlDialect) MapStatement(stmt string, geometryColumns []string) string {
	stmt = applyTypeRules(stmt, geometryRules(geometryColumns))
	return applyTypeRules(stmt, mssqlTypeRules)
}

func (d mssqlDialect) CreateTable(schema string, def TableDefinition, _ string) string {
	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", d.Table(schema, def.Name), strings.Join(columnDefs(d, def.Columns), ",\n  "))
}

// AddColumns uses T-SQL's single ADD with a column list.
func (d mssqlDialect) AddColumns(schema, table string, cols []ColumnDef) string {
	return fmt.Sprintf("ALTER TABLE %s ADD %s", d.Table(schema, table), strings.Join(columnDefs(d, cols), ", "))
}

func (d mssqlDialect) CreateIndex(schema, table, column string) string {
	name := indexName(table, column)
	return fmt.Sprintf("IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'%s' AND object_id = OBJECT_ID(N'%s')) CREATE INDEX %s ON %s (%s)",
		escapeLiteral(name), escapeLiteral(d.Table(schema, table)), mssqlIdent(name), d.Table(schema, table), mssqlIdent(column))
}

func (d mssqlDialect) DeleteByIdentity(schema, table, column string, id int64) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = %d", d.Table(schema, table), mssqlIdent(column), id)
}

func (d mssqlDialect) RegistryDDL(schema, table string) string {
	return fmt.Sprintf(`IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s (
  log_hash bigint NOT NULL PRIMARY KEY,
  source_name nvarchar(1024) NOT NULL,
  app_version nvarchar(64) NULL,
  merged_at datetime2 NOT NULL DEFAULT SYSUTCDATETIME()
)`, escapeLiteral(d.Table(schema, table)), d.Table(schema, table))
}

func (mssqlDialect) RowFormat() RowFormat {
	return RowFormat{FieldSep: "\t", RowSep: "|\n", FormatFile: true}
}

// BinaryExpr emits plain hex; BULK INSERT converts SQLCHAR hex into varbinary.
func (mssqlDialect) BinaryExpr(q string) string { return fmt.Sprintf("hex(%s)", q) }

func (d mssqlDialect) BulkStatement(schema, table string, _ []string, dataPath, formatPath string) string {
	return fmt.Sprintf("BULK INSERT %s FROM '%s' WITH (FORMATFILE = '%s')",
		d.Table(schema, table), escapeLiteral(dataPath), escapeLiteral(formatPath))
}

// GeometryPrefix returns the native point header. SQL Server always stores
// little-endian.
func (mssqlDialect) GeometryPrefix(_ binary.ByteOrder, srid uint32) ([]byte, binary.ByteOrder) {
	p := binary.LittleEndian.AppendUint32(make([]byte, 0, 6), srid)
	p = append(p, mssqlGeometryVersion, mssqlGeometryPointFlags)
	return p, binary.LittleEndian
}

func (mssqlDialect) IsAlreadyExists(err error) bool {
	if n, ok := mssqlErrorNumber(err); ok {
		switch n {
		case mssqlObjectExists, mssqlDuplicateColumn, mssqlIndexExists:
			return true
		}
		return false
	}
	return messageSaysExists(err)
}

func (mssqlDialect) IsUniqueViolation(err error) bool {
	if n, ok := mssqlErrorNumber(err); ok {
		return n == mssqlUniqueIndex || n == mssqlUniqueKey
	}
	return strings.Contains(strings.ToLower(errString(err)), "duplicate key")
}

func mssqlErrorNumber(err error) (int32, bool) {
	var msErr mssql.Error
	if errors.As(err, &msErr) {
		return msErr.SQLErrorNumber(), true
	}
	return 0, false
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
