package main

import (
	"context"
	"fmt"
)

// registry tracks which logs are merged, keyed by log identity.
type registry struct {
	target  Target
	dialect Dialect
	exec    *retryExecutor
	schema  string
	table   string
}

// ensure creates the registry table; concurrent creators are tolerated.
func (r *registry) ensure(ctx context.Context) error {
	if err := r.exec.Exec(ctx, r.dialect.RegistryDDL(r.schema, r.table)); err != nil {
		return fmt.Errorf("ensure registry %s: %w", r.table, err)
	}
	return nil
}

// contains reports whether identity is registered. A missing registry table
// means nothing is merged.
func (r *registry) contains(ctx context.Context, identity int64) (bool, error) {
	exists, err := r.target.TableExists(ctx, r.schema, r.table)
	if err != nil || !exists {
		return false, err
	}
	q := fmt.Sprintf("SELECT log_hash FROM %s WHERE log_hash = %s", r.dialect.Table(r.schema, r.table), r.dialect.Placeholder(1))
	found, err := r.target.RowExists(ctx, q, identity)
	if err != nil {
		return false, fmt.Errorf("check registry: %w", err)
	}
	return found, nil
}

func (r *registry) insertItem(identity int64, sourceName, appVersion string) ExecutionItem {
	version := "NULL"
	if appVersion != "" {
		version = "'" + escapeLiteral(appVersion) + "'"
	}
	q := fmt.Sprintf("INSERT INTO %s (log_hash, source_name, app_version) VALUES (%d, '%s', %s)",
		r.dialect.Table(r.schema, r.table), identity, escapeLiteral(sourceName), version)
	return RegistryStatement(r.table, q)
}

func (r *registry) deleteItem(identity int64) ExecutionItem {
	return RegistryStatement(r.table, r.dialect.DeleteByIdentity(r.schema, r.table, "log_hash", identity))
}
