package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Format file constants for SQL Server bcp/BULK INSERT (version 11.0 = SQL Server 2012).
const (
	formatFileVersion  = "11.0"
	formatHostDataType = "SQLCHAR"
)

// bulkLoader turns reconciled tables into bulk-load execution items.
type bulkLoader struct {
	dialect Dialect
	source  RowSource
	cfg     *MergeConfig
	schema  string
	// dir receives this pass's row-files; rootDir is the directory
	// server_bulk_dir stands for.
	dir            string
	rootDir        string
	identityColumn string
}

// load dumps the table's rows and returns the bulk-load item. ok is false
// when the table has no rows.
func (b *bulkLoader) load(ctx context.Context, res Reconciled, pass *PassContext) (ExecutionItem, bool, error) {
	start := time.Now()
	defer pass.time(res.Table, "dump", start)

	format := b.dialect.RowFormat()
	rowFile := filepath.Join(b.dir, res.Table+".rows")
	req := DumpRequest{
		Table:   res.Table,
		Columns: b.rowColumns(res, pass.Identity),
		Path:    rowFile,
		Format:  format,
	}
	if b.hasGeometry(res) {
		req.Record = func(fields []string) { translateGeometryRecord(b.dialect, fields) }
	}

	if err := b.source.DumpTable(ctx, req); err != nil {
		log.Warn().Err(err).Str("table", res.Table).Msg("  row dump failed; loading what was written")
	}
	info, err := os.Stat(rowFile)
	if err != nil || info.Size() == 0 {
		log.Debug().Str("table", res.Table).Msg("  empty row-file, nothing to load")
		return ExecutionItem{}, false, nil
	}

	if !format.FormatFile {
		sql := b.dialect.BulkStatement(b.schema, res.Table, res.Columns, "", "")
		return BulkLoad(res.Table, sql, rowFile), true, nil
	}

	fmtFile := filepath.Join(b.dir, res.Table+".fmt")
	if err := writeFormatFile(fmtFile, res.Columns, res.RemoteOrdinals); err != nil {
		return ExecutionItem{}, false, err
	}
	sql := b.dialect.BulkStatement(b.schema, res.Table, res.Columns, b.serverPath(rowFile), b.serverPath(fmtFile))
	return BulkLoad(res.Table, sql, rowFile), true, nil
}

// rowColumns builds the SELECT expression for each effective column.
func (b *bulkLoader) rowColumns(res Reconciled, identity int64) []RowColumn {
	sourceTypes := make(map[string]string, len(res.Source.Columns))
	for _, c := range res.Source.Columns {
		sourceTypes[c.Name] = c.Type
	}

	cols := make([]RowColumn, len(res.Columns))
	for i, name := range res.Columns {
		cols[i] = RowColumn{Name: name, Expr: b.columnExpr(res, name, sourceTypes[name], identity)}
	}
	return cols
}

func (b *bulkLoader) columnExpr(res Reconciled, name, sourceType string, identity int64) string {
	// In content mode the source's own identity values are not the log's.
	if name == b.identityColumn && (res.IdentityInjected || b.cfg.Source.IdentityMode == "content") {
		return strconv.FormatInt(identity, 10)
	}
	q := sqliteIdent(name)
	switch {
	case isDatetimeType(sourceType):
		return fmt.Sprintf("CASE WHEN datetime(%s) IS NULL THEN NULL ELSE %s END", q, q)
	case b.cfg.castFor(res.Table, name) == "integer":
		return fmt.Sprintf("CAST(%s AS INTEGER)", q)
	case b.cfg.castFor(res.Table, name) == "real":
		return fmt.Sprintf("CAST(%s AS REAL)", q)
	case b.cfg.isGeometryColumn(name):
		return fmt.Sprintf("hex(%s)", q)
	case isBlobType(sourceType):
		return b.dialect.BinaryExpr(q)
	}
	return q
}

func (b *bulkLoader) hasGeometry(res Reconciled) bool {
	for _, c := range res.Columns {
		if b.cfg.isGeometryColumn(c) {
			return true
		}
	}
	return false
}

// serverPath maps a work-dir path to the path the database server sees.
func (b *bulkLoader) serverPath(local string) string {
	dir := b.cfg.Target.ServerBulkDir
	if dir == "" {
		return local
	}
	rel, err := filepath.Rel(b.rootDir, local)
	if err != nil {
		return local
	}
	sep := "/"
	if strings.Contains(dir, `\`) {
		sep = `\`
	}
	return strings.TrimRight(dir, `/\`) + sep + strings.ReplaceAll(filepath.ToSlash(rel), "/", sep)
}

// writeFormatFile writes a non-XML format file mapping host field i to the
// server column ordinal of columns[i].
func writeFormatFile(path string, columns []string, remoteOrdinals map[string]int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create format file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "%s\n%d\n", formatFileVersion, len(columns))
	for i, col := range columns {
		ord, ok := remoteOrdinals[col]
		if !ok {
			return fmt.Errorf("format file: column %q has no server ordinal", col)
		}
		terminator := `\t`
		if i == len(columns)-1 {
			terminator = `|\n`
		}
		fmt.Fprintf(w, "%d\t%s\t0\t0\t\"%s\"\t%d\t\"%s\"\t\"\"\n", i+1, formatHostDataType, terminator, ord, col)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write format file: %w", err)
	}
	return f.Close()
}
