package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// sqliteSource is a read-only handle on one per-device log database.
type sqliteSource struct {
	db   *sql.DB
	path string
}

func openSource(path string) (*sqliteSource, error) {
	uri, err := sqliteReadOnlyURI(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return &sqliteSource{db: db, path: path}, nil
}

func (s *sqliteSource) Close() error { return s.db.Close() }

// --- DSN handling ---

func sqliteReadOnlyURI(dsn string) (string, error) {
	// Reject in-memory databases
	if dsn == ":memory:" || dsn == "file::memory:" ||
		strings.Contains(dsn, "mode=memory") {
		return "", fmt.Errorf("in-memory SQLite databases are not supported (each sql.Open gets a separate DB)")
	}

	if !strings.HasPrefix(dsn, "file:") {
		// Plain file path → file URI with read-only mode
		return "file:" + dsn + "?mode=ro", nil
	}

	// URI form: add or override mode=ro
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse sqlite URI: %w", err)
	}
	q := u.Query()
	q.Set("mode", "ro")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// --- Schema dump ---

// WriteSchemaDump writes the CREATE TABLE part of a ".dump" of the source:
// statements as stored in sqlite_master, wrapped in one transaction.
func (s *sqliteSource) WriteSchemaDump(ctx context.Context, w io.Writer) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT sql FROM sqlite_master WHERE type='table' AND sql IS NOT NULL AND name NOT LIKE 'sqlite_%' ORDER BY rowid")
	if err != nil {
		return fmt.Errorf("read sqlite_master: %w", err)
	}
	defer rows.Close()

	if _, err := io.WriteString(w, "BEGIN TRANSACTION;\n"); err != nil {
		return err
	}
	for rows.Next() {
		var stmt string
		if err := rows.Scan(&stmt); err != nil {
			return err
		}
		if _, err := io.WriteString(w, strings.TrimRight(stmt, "; \n")+";\n"); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_, err = io.WriteString(w, "COMMIT;\n")
	return err
}

// --- Log metadata ---

// logMetadata is what the source log says about itself.
type logMetadata struct {
	Identity   int64
	AppVersion string
	StartTime  time.Time
}

// readLogMetadata reads the identity, producer version and start time from
// the identity table. Missing optional columns leave their fields empty.
func (s *sqliteSource) readLogMetadata(ctx context.Context, src SourceConfig) (logMetadata, error) {
	var meta logMetadata
	cols, err := s.columnNames(ctx, src.IdentityTable)
	if err != nil {
		return meta, err
	}
	if src.IdentityMode == "column" {
		if len(cols) == 0 {
			return meta, fmt.Errorf("identity table %q not found in source", src.IdentityTable)
		}
		if !cols[src.IdentityColumn] {
			return meta, fmt.Errorf("identity column %s.%s not found in source", src.IdentityTable, src.IdentityColumn)
		}
		q := fmt.Sprintf("SELECT COALESCE(%s, 0) FROM %s LIMIT 1", sqliteIdent(src.IdentityColumn), sqliteIdent(src.IdentityTable))
		if err := s.db.QueryRowContext(ctx, q).Scan(&meta.Identity); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return meta, fmt.Errorf("read log identity: %w", err)
		}
	}

	if src.AppVersionColumn != "" && cols[src.AppVersionColumn] {
		var v sql.NullString
		q := fmt.Sprintf("SELECT %s FROM %s LIMIT 1", sqliteIdent(src.AppVersionColumn), sqliteIdent(src.IdentityTable))
		if err := s.db.QueryRowContext(ctx, q).Scan(&v); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return meta, fmt.Errorf("read app version: %w", err)
		}
		meta.AppVersion = v.String
	}

	if src.StartTimeColumn != "" && cols[src.StartTimeColumn] {
		var v sql.NullString
		q := fmt.Sprintf("SELECT CAST(%s AS TEXT) FROM %s LIMIT 1", sqliteIdent(src.StartTimeColumn), sqliteIdent(src.IdentityTable))
		if err := s.db.QueryRowContext(ctx, q).Scan(&v); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return meta, fmt.Errorf("read start time: %w", err)
		}
		if t, ok := parseLogTime(v.String); ok {
			meta.StartTime = t
		} else if v.String != "" {
			log.Debug().Str("value", v.String).Msg("unparsable log start time")
		}
	}
	return meta, nil
}

// logTimeLayouts are the text forms SQLite date-time columns are written in.
var logTimeLayouts = []string{
	"2006-01-02 15:04:05.000",
	time.DateTime,
	time.RFC3339Nano,
	time.DateOnly,
}

// parseLogTime accepts SQLite date-time text or a Unix timestamp in
// milliseconds.
func parseLogTime(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range logTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC(), true
	}
	return time.Time{}, false
}

func (s *sqliteSource) columnNames(ctx context.Context, table string) (map[string]bool, error) {
	var names []string
	q := "SELECT name FROM pragma_table_info(?)"
	if err := collectStringRows(ctx, s.db, q, &names, table); err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set, nil
}

// rowCount returns the number of rows in table.
func (s *sqliteSource) rowCount(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+sqliteIdent(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// collectStringRows appends the single string column of every result row to out.
func collectStringRows(ctx context.Context, db *sql.DB, query string, out *[]string, args ...any) error {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return err
		}
		*out = append(*out, v)
	}
	return rows.Err()
}
