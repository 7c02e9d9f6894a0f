package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// postCreateStep runs after a table has been created or aligned.
type postCreateStep struct {
	name string
	fn   func(context.Context, *reconciler, Reconciled, *PassContext) error
}

// postCreateSteps run in order for every reconciled table:
// 1. partitions for this log, 2. identity index.
var postCreateSteps = []postCreateStep{
	{"partitions", ensurePartitions},
	{"identity index", ensureIdentityIndex},
}

func ensurePartitions(ctx context.Context, r *reconciler, res Reconciled, pass *PassContext) error {
	if !r.partitions.applies(res.Mapped) {
		return nil
	}
	return r.partitions.ensure(ctx, res.Table, pass.Identity, pass.LogTime)
}

// ensureIdentityIndex keeps unmerge deletes off full scans.
func ensureIdentityIndex(ctx context.Context, r *reconciler, res Reconciled, _ *PassContext) error {
	if !r.cfg.IndexIdentityColumn {
		return nil
	}
	q := r.dialect.CreateIndex(r.schema, res.Table, r.identityColumn)
	if err := r.exec.Exec(ctx, q); err != nil {
		return fmt.Errorf("%s: %w\nSQL: %s", indexName(res.Table, r.identityColumn), err, q)
	}
	log.Debug().Str("table", res.Table).Msg("    identity index ensured")
	return nil
}

// execSQL runs a single statement inside tx and adds SQL context to errors.
func execSQL(ctx context.Context, tx TargetTx, desc, query string) (int64, error) {
	n, err := tx.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("%s: %w\nSQL: %s", desc, err, query)
	}
	return n, nil
}

// quotedColumnList joins column names with the dialect's quoting.
func quotedColumnList(d Dialect, cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.Ident(c)
	}
	return strings.Join(quoted, ", ")
}
