package main

import (
	"context"
	"fmt"
)

// createSchemaSQL returns idempotent DDL creating the target schema.
func createSchemaSQL(d Dialect, schema string) string {
	if d.Name() == "mssql" {
		return fmt.Sprintf("IF SCHEMA_ID(N'%s') IS NULL EXEC(N'CREATE SCHEMA %s')",
			escapeLiteral(schema), escapeLiteral(mssqlIdent(schema)))
	}
	return fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgIdent(schema))
}

// prepareTargetSchema makes sure the warehouse schema exists. Other loaders
// may be creating it at the same time.
func prepareTargetSchema(ctx context.Context, exec *retryExecutor, d Dialect, schema string) error {
	if err := exec.Exec(ctx, createSchemaSQL(d, schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	return nil
}
