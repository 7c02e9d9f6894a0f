package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
)

type postgresTarget struct {
	conn *pgx.Conn
}

func connectPostgres(ctx context.Context, dsn string) (*postgresTarget, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &postgresTarget{conn: conn}, nil
}

func (t *postgresTarget) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := t.conn.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *postgresTarget) RowExists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := t.conn.QueryRow(ctx, "SELECT 1 FROM ("+query+") q LIMIT 1", args...).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *postgresTarget) QueryRemoteColumns(ctx context.Context, schema, table string) (RemoteColumnSet, error) {
	rows, err := t.conn.Query(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, schema, table)
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

func (t *postgresTarget) TableExists(ctx context.Context, schema, table string) (bool, error) {
	var exists bool
	err := t.conn.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", pgIdent(schema)+"."+pgIdent(table)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check table %s.%s: %w", schema, table, err)
	}
	return exists, nil
}

func (t *postgresTarget) Begin(ctx context.Context) (TargetTx, error) {
	tx, err := t.conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &postgresTx{tx: tx}, nil
}

func (t *postgresTarget) Close(ctx context.Context) error {
	return t.conn.Close(ctx)
}

type postgresTx struct {
	tx pgx.Tx
}

func (p *postgresTx) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := p.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CopyFrom streams the CSV row-file through the COPY protocol on the
// transaction's connection.
func (p *postgresTx) CopyFrom(ctx context.Context, sql, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open row-file: %w", err)
	}
	defer f.Close()
	tag, err := p.tx.Conn().PgConn().CopyFrom(ctx, f, sql)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *postgresTx) Commit(ctx context.Context) error   { return p.tx.Commit(ctx) }
func (p *postgresTx) Rollback(ctx context.Context) error { return p.tx.Rollback(ctx) }
