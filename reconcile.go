package main

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
)

// spatialBookkeepingTables are SpatiaLite metadata tables that never merge.
var spatialBookkeepingTables = map[string]bool{
	"spatial_ref_sys":        true,
	"geometry_columns":       true,
	"views_geometry_columns": true,
	"virts_geometry_columns": true,
	"spatialite_history":     true,
	"sql_statements_log":     true,
}

// Reconciled is the outcome of bringing one warehouse table in line with a
// source table definition.
type Reconciled struct {
	Table string
	// Source is the source definition after geometry stripping, with source types.
	Source TableDefinition
	// Mapped carries target types and the identity column.
	Mapped TableDefinition
	// Columns is the effective row-file column order.
	Columns []string
	// RemoteOrdinals maps a column to its 1-based ordinal in the warehouse table.
	RemoteOrdinals map[string]int
	// IdentityInjected is set when the source table lacks the identity column.
	IdentityInjected bool
	Created          bool
	Altered          int
	Skipped          bool
	SkipReason       string
}

// reconciler creates or alters warehouse tables to accept source rows.
type reconciler struct {
	target         Target
	dialect        Dialect
	exec           *retryExecutor
	partitions     *partitioner
	schema         string
	identityColumn string
	cfg            *MergeConfig
}

// skipReason returns why table never reaches the warehouse for this log, or "".
func (r *reconciler) skipReason(table, appVersion string) string {
	if spatialBookkeepingTables[table] {
		return "spatial bookkeeping table"
	}
	if minVersion := r.cfg.TableMinAppVersion[table]; minVersion != "" && !appVersionAtLeast(appVersion, minVersion) {
		return fmt.Sprintf("requires app version %s, log has %q", minVersion, appVersion)
	}
	return ""
}

// prepareSource drops geometry columns outside geom_only_in_tables.
func (r *reconciler) prepareSource(def TableDefinition) TableDefinition {
	if len(r.cfg.GeomOnlyInTables) == 0 || slices.Contains(r.cfg.GeomOnlyInTables, def.Name) {
		return def
	}
	out := TableDefinition{Name: def.Name}
	for _, c := range def.Columns {
		if !r.cfg.isGeometryColumn(c.Name) {
			out.Columns = append(out.Columns, c)
		}
	}
	return out
}

// reconcile ensures the warehouse table for def exists with every local
// column, creating partitions for this log when the table is partitioned.
func (r *reconciler) reconcile(ctx context.Context, def TableDefinition, pass *PassContext) (Reconciled, error) {
	res := Reconciled{Table: def.Name}
	if reason := r.skipReason(def.Name, pass.AppVersion); reason != "" {
		res.Skipped = true
		res.SkipReason = reason
		return res, nil
	}

	res.Source = r.prepareSource(def)
	if len(res.Source.Columns) == 0 {
		res.Skipped = true
		res.SkipReason = "no columns left after geometry filtering"
		return res, nil
	}
	mapped, err := mapTableDefinition(r.dialect, res.Source, r.cfg.GeometryColumns)
	if err != nil {
		return res, err
	}
	for _, w := range collectUnsupportedTypeWarnings(r.dialect, mapped) {
		log.Warn().Msgf("  %s", w)
	}
	if !mapped.HasColumn(r.identityColumn) {
		mapped.Columns = append(mapped.Columns, ColumnDef{Name: r.identityColumn, Type: "bigint"})
		res.IdentityInjected = true
	}
	res.Mapped = mapped

	start := time.Now()
	ddl := r.dialect.CreateTable(r.schema, mapped, r.partitions.clause(mapped))
	err = r.createOnce(ctx, ddl)
	switch {
	case err == nil:
		log.Info().Str("table", def.Name).Msgf("  created %s.%s", r.schema, def.Name)
		res.Created = true
		res.Columns = mapped.ColumnNames()
		res.RemoteOrdinals = ordinals(res.Columns)
	case r.dialect.IsAlreadyExists(err):
		if err := r.alignExisting(ctx, &res); err != nil {
			return res, err
		}
	default:
		return res, fmt.Errorf("create table %s: %w\nSQL: %s", def.Name, err, ddl)
	}
	pass.time(def.Name, "reconcile", start)

	for _, step := range postCreateSteps {
		if err := step.fn(ctx, r, res, pass); err != nil {
			return res, fmt.Errorf("%s %s: %w", def.Name, step.name, err)
		}
	}
	return res, nil
}

// createOnce runs the CREATE in its own transaction so a failure cannot
// poison the session.
func (r *reconciler) createOnce(ctx context.Context, ddl string) error {
	tx, err := r.target.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, ddl); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// alignExisting adds local columns missing remotely and fixes the effective
// column order to the remote one.
func (r *reconciler) alignExisting(ctx context.Context, res *Reconciled) error {
	remote, err := r.target.QueryRemoteColumns(ctx, r.schema, res.Table)
	if err != nil {
		return err
	}
	log.Debug().Str("table", res.Table).Strs("remote", remote.Names()).Msg("    remote columns")
	// An ALTER that collides with a concurrent loader's column is rolled
	// back whole, so the delta is recomputed after every attempt.
	rounds := max(r.exec.maxAttempts, 1)
	for round := 1; ; round++ {
		delta := missingInRemote(res.Mapped, remote)
		if len(delta) == 0 {
			break
		}
		if round > rounds {
			return fmt.Errorf("alter table %s: columns still missing after %d ALTERs: %v", res.Table, rounds, TableDefinition{Columns: delta}.ColumnNames())
		}
		alter := r.dialect.AddColumns(r.schema, res.Table, delta)
		log.Info().Str("table", res.Table).Int("columns", len(delta)).Msgf("  altering %s.%s", r.schema, res.Table)
		if err := r.exec.Exec(ctx, alter); err != nil {
			return fmt.Errorf("alter table %s: %w", res.Table, err)
		}
		if res.Altered == 0 {
			res.Altered = len(delta)
		}
		if remote, err = r.target.QueryRemoteColumns(ctx, r.schema, res.Table); err != nil {
			return err
		}
	}
	res.Columns, res.RemoteOrdinals = effectiveOrder(res.Mapped, remote)
	return nil
}

// effectiveOrder restricts the remote column order to columns the local
// definition has.
func effectiveOrder(local TableDefinition, remote RemoteColumnSet) ([]string, map[string]int) {
	var cols []string
	ords := make(map[string]int)
	for i, c := range remote.Columns {
		if local.HasColumn(c.Name) {
			cols = append(cols, c.Name)
			ords[c.Name] = i + 1
		}
	}
	return cols, ords
}

func ordinals(cols []string) map[string]int {
	m := make(map[string]int, len(cols))
	for i, c := range cols {
		m[c] = i + 1
	}
	return m
}
