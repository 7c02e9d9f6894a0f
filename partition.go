package main

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zeebo/xxh3"
)

// notPartitionedFragment is raised when a partition is attached to a table
// that an older setup created without partitioning; rows then go to the
// plain table and the partition is not needed.
const notPartitionedFragment = "is not partitioned"

// partitioner declares and creates PostgreSQL partitions keyed on the log
// identity or on the month of the log.
type partitioner struct {
	cfg            PartitionConfig
	schema         string
	identityColumn string
	target         Target
	exec           *retryExecutor
}

func (p *partitioner) enabled() bool {
	return p != nil && p.cfg.Mode != "" && p.cfg.Mode != "none"
}

// keyColumn is the column the partitioned table is split on.
func (p *partitioner) keyColumn() string {
	if p.cfg.Mode == "month" {
		return p.cfg.Column
	}
	return p.identityColumn
}

// applies reports whether def should be created as a partitioned table.
func (p *partitioner) applies(def TableDefinition) bool {
	if !p.enabled() {
		return false
	}
	if len(p.cfg.Tables) > 0 && !slices.Contains(p.cfg.Tables, def.Name) {
		return false
	}
	return def.HasColumn(p.keyColumn())
}

// clause returns the PARTITION BY clause for def, or "".
func (p *partitioner) clause(def TableDefinition) string {
	if !p.applies(def) {
		return ""
	}
	if p.cfg.Mode == "month" {
		return "RANGE (" + pgIdent(p.keyColumn()) + ")"
	}
	return "LIST (" + pgIdent(p.keyColumn()) + ")"
}

type partitionSpec struct {
	name   string
	bounds string
}

// partitionsFor lists the partitions a log needs: one for its identity, or
// the month of logTime plus the adjacent months.
func (p *partitioner) partitionsFor(table string, identity int64, logTime time.Time) []partitionSpec {
	if p.cfg.Mode == "month" {
		start := time.Date(logTime.Year(), logTime.Month(), 1, 0, 0, 0, 0, time.UTC)
		var specs []partitionSpec
		for _, offset := range []int{-1, 0, 1} {
			from := start.AddDate(0, offset, 0)
			to := from.AddDate(0, 1, 0)
			specs = append(specs, partitionSpec{
				name:   partitionName(table, fmt.Sprintf("_%04d_%02d", from.Year(), int(from.Month()))),
				bounds: fmt.Sprintf("FROM ('%s') TO ('%s')", from.Format(time.DateOnly), to.Format(time.DateOnly)),
			})
		}
		return specs
	}
	return []partitionSpec{{
		name:   identityPartitionName(table, identity),
		bounds: fmt.Sprintf("IN (%d)", identity),
	}}
}

// identityPartitionName names a per-log partition; '-' is not valid unquoted
// so negative hashes use 'm'.
func identityPartitionName(table string, identity int64) string {
	return partitionName(table, "_"+strings.ReplaceAll(strconv.FormatInt(identity, 10), "-", "m"))
}

// maxIdentLen is PostgreSQL's NAMEDATALEN-1; longer names are truncated.
const maxIdentLen = 63

// partitionName joins table and suffix within maxIdentLen. Long table names
// are cut and tagged with a hash of the full name so the key suffix survives
// and distinct tables stay distinct.
func partitionName(table, suffix string) string {
	if len(table)+len(suffix) <= maxIdentLen {
		return table + suffix
	}
	tag := fmt.Sprintf("_%08x", uint32(xxh3.HashString(table)))
	return table[:maxIdentLen-len(suffix)-len(tag)] + tag + suffix
}

// ensure creates any missing partitions of table for this log.
func (p *partitioner) ensure(ctx context.Context, table string, identity int64, logTime time.Time) error {
	for _, spec := range p.partitionsFor(table, identity, logTime) {
		exists, err := p.target.TableExists(ctx, p.schema, spec.name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.%s PARTITION OF %s.%s FOR VALUES %s",
			pgIdent(p.schema), pgIdent(spec.name), pgIdent(p.schema), pgIdent(table), spec.bounds)
		log.Debug().Str("partition", spec.name).Msg("    creating partition")
		if err := p.exec.Exec(ctx, ddl, notPartitionedFragment); err != nil {
			return fmt.Errorf("create partition %s: %w", spec.name, err)
		}
	}
	return nil
}
