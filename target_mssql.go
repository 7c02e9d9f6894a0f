package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// mssqlTarget uses the "sqlserver" driver registered by go-mssqldb. It pins
// one connection so the whole pass runs on a single session.
type mssqlTarget struct {
	db   *sql.DB
	conn *sql.Conn
}

func connectMSSQL(ctx context.Context, dsn string) (*mssqlTarget, error) {
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mssql: %w", err)
	}
	db.SetMaxOpenConns(1)
	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect mssql: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		db.Close()
		return nil, fmt.Errorf("ping mssql: %w", err)
	}
	return &mssqlTarget{db: db, conn: conn}, nil
}

func (t *mssqlTarget) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res), nil
}

func (t *mssqlTarget) RowExists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := t.conn.QueryRowContext(ctx, "SELECT TOP 1 1 FROM ("+query+") q", args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *mssqlTarget) QueryRemoteColumns(ctx context.Context, schema, table string) (RemoteColumnSet, error) {
	rows, err := t.conn.QueryContext(ctx, `
		SELECT COLUMN_NAME, DATA_TYPE
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2
		ORDER BY ORDINAL_POSITION`, schema, table)
	if err != nil {
		return RemoteColumnSet{}, fmt.Errorf("query columns of %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	set := RemoteColumnSet{Table: table}
	for rows.Next() {
		var c ColumnDef
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return RemoteColumnSet{}, err
		}
		set.Columns = append(set.Columns, c)
	}
	return set, rows.Err()
}

func (t *mssqlTarget) TableExists(ctx context.Context, schema, table string) (bool, error) {
	var exists bool
	err := t.conn.QueryRowContext(ctx,
		"SELECT CAST(CASE WHEN OBJECT_ID(@p1, N'U') IS NULL THEN 0 ELSE 1 END AS bit)",
		mssqlIdent(schema)+"."+mssqlIdent(table)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check table %s.%s: %w", schema, table, err)
	}
	return exists, nil
}

func (t *mssqlTarget) Begin(ctx context.Context) (TargetTx, error) {
	tx, err := t.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &mssqlTx{tx: tx}, nil
}

func (t *mssqlTarget) Close(context.Context) error {
	return errors.Join(t.conn.Close(), t.db.Close())
}

type mssqlTx struct {
	tx *sql.Tx
}

func (m *mssqlTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := m.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res), nil
}

// CopyFrom runs BULK INSERT; the server reads the row-file itself, so path
// only names it in errors.
func (m *mssqlTx) CopyFrom(ctx context.Context, query, path string) (int64, error) {
	res, err := m.tx.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("bulk insert %s: %w", path, err)
	}
	return rowsAffected(res), nil
}

func (m *mssqlTx) Commit(context.Context) error   { return m.tx.Commit() }
func (m *mssqlTx) Rollback(context.Context) error { return m.tx.Rollback() }

func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}
