package main

import (
	"context"
	"fmt"
)

// Target is one warehouse connection, owned by a single pass.
type Target interface {
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	// RowExists reports whether query returns at least one row.
	RowExists(ctx context.Context, query string, args ...any) (bool, error)
	QueryRemoteColumns(ctx context.Context, schema, table string) (RemoteColumnSet, error)
	TableExists(ctx context.Context, schema, table string) (bool, error)
	Begin(ctx context.Context) (TargetTx, error)
	Close(ctx context.Context) error
}

// TargetTx is an open warehouse transaction.
type TargetTx interface {
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	// CopyFrom runs a bulk-load statement whose data source is the row-file at path.
	CopyFrom(ctx context.Context, sql, path string) (int64, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// openTarget connects to the configured warehouse.
func openTarget(ctx context.Context, cfg TargetConfig) (Target, error) {
	switch cfg.Type {
	case "postgres":
		t, err := connectPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "mssql":
		t, err := connectMSSQL(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported target type %q", cfg.Type)
	}
}
