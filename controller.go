package main

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// Pass statuses reported in PassResult.Status.
const (
	statusSuccess       = "success"
	statusAlreadyMerged = "already_merged"
	statusNotMerged     = "not_merged"
	statusFailed        = "failed"
)

type passState int

const (
	stateIdlePass passState = iota
	stateConnected
	stateIdentityChecked
	stateReconciling
	stateExecuting
	stateCommitted
	stateAborted
)

func (s passState) String() string {
	switch s {
	case stateIdlePass:
		return "idle"
	case stateConnected:
		return "connected"
	case stateIdentityChecked:
		return "identity-checked"
	case stateReconciling:
		return "reconciling"
	case stateExecuting:
		return "executing"
	case stateCommitted:
		return "committed"
	case stateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("passState(%d)", int(s))
	}
}

// PassContext is everything one merge or unmerge pass owns.
type PassContext struct {
	Mode       Mode
	SourceName string
	Identity   int64
	AppVersion string
	// LogTime anchors month partitions; it falls back to the pass start.
	LogTime time.Time
	Dialect Dialect
	Target  Target
	Buffer  ExecutionBuffer

	state    passState
	flushed  bool
	tables   int
	outcomes []TableOutcome
	timings  []TableTiming
}

func (p *PassContext) time(table, phase string, start time.Time) {
	p.timings = append(p.timings, TableTiming{Table: table, Phase: phase, Duration: time.Since(start)})
}

func (p *PassContext) setState(s passState) {
	log.Debug().Stringer("from", p.state).Stringer("to", s).Msg("pass state")
	p.state = s
}

func (p *PassContext) outcome(o TableOutcome) { p.outcomes = append(p.outcomes, o) }

// Run merges or unmerges one log bundle (or bare database) into the
// configured warehouse and reports the result to the configured sinks.
func Run(ctx context.Context, cfg *MergeConfig, mode Mode, sourcePath string) (*PassResult, error) {
	sinks := reportSinks(cfg.Report)
	defer closeSinks(sinks)

	res := &PassResult{Mode: mode, Source: filepath.Base(sourcePath), StartedAt: time.Now()}
	target, err := openTarget(ctx, cfg.Target)
	if err == nil {
		defer target.Close(context.WithoutCancel(ctx))
		err = runPass(ctx, cfg, mode, sourcePath, target, res)
	}
	finishResult(res, err)
	publishReport(ctx, sinks, res)
	return res, err
}

func finishResult(res *PassResult, err error) {
	res.FinishedAt = time.Now()
	switch {
	case err == nil:
		res.Status = statusSuccess
	case errors.Is(err, ErrAlreadyMerged):
		res.Status = statusAlreadyMerged
	case errors.Is(err, ErrNotMerged):
		res.Status = statusNotMerged
	default:
		res.Status = statusFailed
	}
	if err != nil {
		res.Error = err.Error()
	}
}

// runPass drives one pass over an already-connected target.
func runPass(ctx context.Context, cfg *MergeConfig, mode Mode, sourcePath string, target Target, res *PassResult) error {
	dialect, err := newDialect(cfg.Target.Type)
	if err != nil {
		return err
	}
	pass := &PassContext{
		Mode:       mode,
		SourceName: filepath.Base(sourcePath),
		Dialect:    dialect,
		Target:     target,
		LogTime:    res.StartedAt,
	}
	pass.setState(stateConnected)
	defer func() {
		res.Identity = pass.Identity
		res.Tables = pass.outcomes
		res.Timings = pass.timings
		if pass.state != stateCommitted {
			pass.setState(stateAborted)
		}
	}()

	passDir, rootDir, cleanup, err := makePassDir(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	dbPath, err := extractBundle(sourcePath, cfg.Source.BundleDBName, passDir)
	if err != nil {
		return err
	}
	src, err := openSource(dbPath)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := checkIdentity(ctx, cfg, src, dbPath, pass); err != nil {
		return err
	}
	pass.setState(stateIdentityChecked)
	log.Info().Str("mode", string(mode)).Int64("log_hash", pass.Identity).Str("app_version", pass.AppVersion).
		Msgf("%s %s", mode, pass.SourceName)

	if objs, err := src.sourceObjects(ctx); err == nil {
		for _, w := range sourceObjectWarnings(objs) {
			log.Warn().Msgf("  %s", w)
		}
	}

	exec := newRetryExecutor(target, dialect, cfg.Retry)
	reg := &registry{target: target, dialect: dialect, exec: exec, schema: cfg.Schema, table: cfg.RegistryTable}
	identityColumn := cfg.Source.IdentityColumn

	switch mode {
	case ModeMerge:
		if err := prepareTargetSchema(ctx, exec, dialect, cfg.Schema); err != nil {
			return err
		}
		if err := reg.ensure(ctx); err != nil {
			return err
		}
		found, err := reg.contains(ctx, pass.Identity)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("log_hash %d: %w", pass.Identity, ErrAlreadyMerged)
		}
	case ModeUnmerge:
		found, err := reg.contains(ctx, pass.Identity)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("log_hash %d: %w", pass.Identity, ErrNotMerged)
		}
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}

	dumpPath := filepath.Join(passDir, "schema.sql")
	if err := writeSchemaDumpFile(ctx, src, dumpPath); err != nil {
		return err
	}
	dump, err := os.Open(dumpPath)
	if err != nil {
		return fmt.Errorf("open schema dump: %w", err)
	}
	defer dump.Close()

	rec := &reconciler{
		target:         target,
		dialect:        dialect,
		exec:           exec,
		schema:         cfg.Schema,
		identityColumn: identityColumn,
		cfg:            cfg,
	}
	if cfg.Partition.Mode != "none" {
		rec.partitions = &partitioner{
			cfg:            cfg.Partition,
			schema:         cfg.Schema,
			identityColumn: identityColumn,
			target:         target,
			exec:           exec,
		}
	}
	loader := &bulkLoader{
		dialect:        dialect,
		source:         src,
		cfg:            cfg,
		schema:         cfg.Schema,
		dir:            passDir,
		rootDir:        rootDir,
		identityColumn: identityColumn,
	}

	parser := &dumpParser{filter: newTableFilter(cfg.ExcludeTables, cfg.OnlyTables, cfg.Source.IdentityTable)}
	pass.setState(stateReconciling)
	return runStatements(parser.Statements(dump), pass,
		func(stmt DumpStatement) error { return handleTable(ctx, cfg, stmt, pass, src, rec, loader) },
		func() error { return flush(ctx, cfg, pass, reg) },
	)
}

// runStatements dispatches parsed dump statements. The buffer is flushed on
// the first commit; a table after it would never be flushed and fails the pass.
func runStatements(stmts iter.Seq2[DumpStatement, error], pass *PassContext, onTable func(DumpStatement) error, onCommit func() error) error {
	for stmt, err := range stmts {
		if err != nil {
			return err
		}
		switch stmt.Kind {
		case StmtCreateTable:
			if pass.flushed {
				return fmt.Errorf("table %s follows COMMIT in dump of %s: %w", stmt.Table, pass.SourceName, ErrUnsupportedOperation)
			}
			pass.tables++
			if err := onTable(stmt); err != nil {
				return err
			}
		case StmtCommit:
			if pass.flushed {
				continue
			}
			if pass.tables == 0 {
				return fmt.Errorf("no tables in dump of %s", pass.SourceName)
			}
			if err := onCommit(); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkIdentity resolves the log identity and producer version and rejects
// logs that must not be processed. It runs before any DDL.
func checkIdentity(ctx context.Context, cfg *MergeConfig, src *sqliteSource, dbPath string, pass *PassContext) error {
	meta, err := src.readLogMetadata(ctx, cfg.Source)
	if err != nil {
		return err
	}
	pass.AppVersion = meta.AppVersion
	if !meta.StartTime.IsZero() {
		pass.LogTime = meta.StartTime
	}
	pass.Identity = meta.Identity
	if cfg.Source.IdentityMode == "content" {
		if pass.Identity, err = contentIdentity(dbPath); err != nil {
			return err
		}
	}
	if pass.Identity == 0 {
		return fmt.Errorf("%s: %w", pass.SourceName, ErrZeroIdentity)
	}
	if cfg.MinAppVersion != "" && !appVersionAtLeast(meta.AppVersion, cfg.MinAppVersion) {
		return fmt.Errorf("%s: app version %q below %s: %w", pass.SourceName, meta.AppVersion, cfg.MinAppVersion, ErrAppVersionTooOld)
	}
	return nil
}

// handleTable queues the work for one source table.
func handleTable(ctx context.Context, cfg *MergeConfig, stmt DumpStatement, pass *PassContext, src *sqliteSource, rec *reconciler, loader *bulkLoader) error {
	def, err := parseTableDefinition(stmt.Table, stmt.SQL)
	if err != nil {
		return err
	}
	for _, w := range collectGeneratedColumnWarnings(def.Name, stmt.SQL) {
		log.Warn().Msgf("  %s", w)
	}

	if pass.Mode == ModeUnmerge {
		return queueDelete(ctx, cfg, def.Name, pass)
	}

	if cfg.SkipEmptyTables {
		n, err := src.rowCount(ctx, def.Name)
		if err != nil {
			return err
		}
		if n == 0 {
			pass.outcome(TableOutcome{Table: def.Name, Skipped: "empty"})
			return nil
		}
	}

	r, err := rec.reconcile(ctx, def, pass)
	if err != nil {
		return err
	}
	if r.Skipped {
		log.Info().Str("table", def.Name).Str("reason", r.SkipReason).Msg("  skipped")
		pass.outcome(TableOutcome{Table: def.Name, Skipped: r.SkipReason})
		return nil
	}
	item, ok, err := loader.load(ctx, r, pass)
	if err != nil {
		return err
	}
	if ok {
		pass.Buffer.Append(item)
	}
	pass.outcome(TableOutcome{Table: def.Name, Created: r.Created, Altered: r.Altered, Loaded: ok})
	return nil
}

// queueDelete removes this log's rows from table when the warehouse has the
// table and the table carries the identity column.
func queueDelete(ctx context.Context, cfg *MergeConfig, table string, pass *PassContext) error {
	exists, err := pass.Target.TableExists(ctx, cfg.Schema, table)
	if err != nil {
		return err
	}
	if !exists {
		pass.outcome(TableOutcome{Table: table, Skipped: "not in warehouse"})
		return nil
	}
	remote, err := pass.Target.QueryRemoteColumns(ctx, cfg.Schema, table)
	if err != nil {
		return err
	}
	if !(TableDefinition{Columns: remote.Columns}).HasColumn(cfg.Source.IdentityColumn) {
		pass.outcome(TableOutcome{Table: table, Skipped: "no identity column"})
		return nil
	}
	pass.Buffer.Append(Statement(table, pass.Dialect.DeleteByIdentity(cfg.Schema, table, cfg.Source.IdentityColumn, pass.Identity)))
	pass.outcome(TableOutcome{Table: table, Deleted: true})
	return nil
}

// flush appends hooks and the registry change, then runs the whole buffer in
// one transaction. It runs at most once per pass.
func flush(ctx context.Context, cfg *MergeConfig, pass *PassContext, reg *registry) error {
	pass.flushed = true
	pass.setState(stateExecuting)

	files, phase := cfg.Hooks.AfterMerge, "after_merge"
	if pass.Mode == ModeUnmerge {
		files, phase = cfg.Hooks.AfterUnmerge, "after_unmerge"
	}
	hooks, err := hookItems(cfg, files, phase)
	if err != nil {
		return err
	}
	pass.Buffer.Append(hooks...)
	if pass.Mode == ModeMerge {
		pass.Buffer.Append(reg.insertItem(pass.Identity, pass.SourceName, pass.AppVersion))
	} else {
		pass.Buffer.Append(reg.deleteItem(pass.Identity))
	}

	log.Info().Int("items", pass.Buffer.Len()).Msg("  executing batch")
	if err := executeBuffer(ctx, pass); err != nil {
		return err
	}
	pass.Buffer.Reset()
	pass.setState(stateCommitted)
	return nil
}

func executeBuffer(ctx context.Context, pass *PassContext) error {
	tx, err := pass.Target.Begin(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	for _, item := range pass.Buffer.Items() {
		start := time.Now()
		switch item.Kind {
		case ItemBulkLoad:
			n, err := tx.CopyFrom(ctx, item.SQL, item.RowFile)
			if err != nil {
				return fmt.Errorf("load %s: %w\nSQL: %s", item.Table, err, item.SQL)
			}
			log.Debug().Str("table", item.Table).Int64("rows", n).Msg("    loaded")
			pass.time(item.Table, "load", start)
		case ItemRegistry:
			n, err := tx.Exec(ctx, item.SQL)
			if err != nil {
				if pass.Mode == ModeMerge && pass.Dialect.IsUniqueViolation(err) {
					return fmt.Errorf("log_hash %d registered concurrently: %w", pass.Identity, ErrAlreadyMerged)
				}
				return fmt.Errorf("registry %s: %w\nSQL: %s", item.Table, err, item.SQL)
			}
			if pass.Mode == ModeUnmerge && n == 0 {
				return fmt.Errorf("log_hash %d unregistered concurrently: %w", pass.Identity, ErrNotMerged)
			}
		default:
			if _, err := execSQL(ctx, tx, item.Table, item.SQL); err != nil {
				return err
			}
			pass.time(item.Table, "exec", start)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

func writeSchemaDumpFile(ctx context.Context, src *sqliteSource, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create schema dump: %w", err)
	}
	if err := src.WriteSchemaDump(ctx, f); err != nil {
		f.Close()
		return fmt.Errorf("schema dump: %w", err)
	}
	return f.Close()
}

// makePassDir creates this pass's working directory under work_dir (or the
// system temp dir) and returns it with the root it lives in.
func makePassDir(cfg *MergeConfig) (dir, root string, cleanup func(), err error) {
	root = cfg.WorkDir
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", "", nil, fmt.Errorf("create work dir: %w", err)
	}
	dir, err = os.MkdirTemp(root, "logferry-*")
	if err != nil {
		return "", "", nil, fmt.Errorf("create pass dir: %w", err)
	}
	cleanup = func() {
		if cfg.KeepWorkDir {
			log.Info().Str("dir", dir).Msg("keeping work dir")
			return
		}
		os.RemoveAll(dir)
	}
	return dir, root, cleanup, nil
}
