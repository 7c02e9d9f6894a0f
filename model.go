package main

import (
	"errors"
	"time"
)

// Mode selects whether a pass adds a log to the warehouse or removes it.
type Mode string

const (
	ModeMerge   Mode = "merge"
	ModeUnmerge Mode = "unmerge"
)

var (
	// ErrAlreadyMerged is returned when a merge finds the log identity in the registry.
	ErrAlreadyMerged = errors.New("log already merged")
	// ErrNotMerged is returned when an unmerge cannot find the log identity in the registry.
	ErrNotMerged = errors.New("log not merged")
	// ErrZeroIdentity is returned when the source log reports identity 0.
	ErrZeroIdentity = errors.New("log identity is zero")
	// ErrUnsupportedOperation is returned when the dump contains row data.
	ErrUnsupportedOperation = errors.New("unsupported operation")
	// ErrAppVersionTooOld is returned when the producing app is below min_app_version.
	ErrAppVersionTooOld = errors.New("log producer version too old")
)

// ColumnDef is one column of a table definition: its name and its type text.
type ColumnDef struct {
	Name string
	Type string
}

// TableDefinition is one CREATE TABLE statement from the source dump.
// Column order is the positional layout of the table's row-file.
type TableDefinition struct {
	Name    string
	Columns []ColumnDef
}

// ColumnNames returns the column names in declared order.
func (t TableDefinition) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// HasColumn reports whether the table declares a column with the given name.
func (t TableDefinition) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// RemoteColumnSet is a live snapshot of a warehouse table's columns in ordinal order.
type RemoteColumnSet struct {
	Table   string
	Columns []ColumnDef
}

// Names returns the remote column names in ordinal order.
func (r RemoteColumnSet) Names() []string {
	names := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		names[i] = c.Name
	}
	return names
}

// missingInRemote returns the local columns absent from remote, in local order.
func missingInRemote(local TableDefinition, remote RemoteColumnSet) []ColumnDef {
	have := make(map[string]bool, len(remote.Columns))
	for _, c := range remote.Columns {
		have[c.Name] = true
	}
	var missing []ColumnDef
	for _, c := range local.Columns {
		if !have[c.Name] {
			missing = append(missing, c)
		}
	}
	return missing
}

// ItemKind tags an ExecutionItem.
type ItemKind int

const (
	ItemStatement ItemKind = iota
	ItemBulkLoad
	// ItemRegistry records or removes the log in the registry table.
	ItemRegistry
)

// ExecutionItem is one step of the flush transaction. BulkLoad items stream
// RowFile as the data source of SQL.
type ExecutionItem struct {
	Kind    ItemKind
	Table   string
	SQL     string
	RowFile string
}

// Statement builds a plain statement item.
func Statement(table, sql string) ExecutionItem {
	return ExecutionItem{Kind: ItemStatement, Table: table, SQL: sql}
}

// BulkLoad builds a bulk-load item.
func BulkLoad(table, sql, rowFile string) ExecutionItem {
	return ExecutionItem{Kind: ItemBulkLoad, Table: table, SQL: sql, RowFile: rowFile}
}

// RegistryStatement builds the registry insert or delete of a pass.
func RegistryStatement(table, sql string) ExecutionItem {
	return ExecutionItem{Kind: ItemRegistry, Table: table, SQL: sql}
}

// ExecutionBuffer is the ordered batch flushed once per pass.
type ExecutionBuffer struct {
	items []ExecutionItem
}

func (b *ExecutionBuffer) Append(items ...ExecutionItem) { b.items = append(b.items, items...) }
func (b *ExecutionBuffer) Items() []ExecutionItem      { return b.items }
func (b *ExecutionBuffer) Len() int                     { return len(b.items) }
func (b *ExecutionBuffer) Reset()                       { b.items = nil }

// TableTiming records how long one phase took for one table.
type TableTiming struct {
	Table    string        `json:"table"`
	Phase    string        `json:"phase"`
	Duration time.Duration `json:"duration_ns"`
}

// TableOutcome summarizes what a pass did with one source table.
type TableOutcome struct {
	Table   string `json:"table"`
	Created bool   `json:"created,omitempty"`
	Altered int    `json:"altered,omitempty"`
	Skipped string `json:"skipped,omitempty"`
	Loaded  bool   `json:"loaded,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// PassResult is what Run reports for one merge or unmerge pass.
type PassResult struct {
	Mode       Mode           `json:"mode"`
	Source     string         `json:"source"`
	Identity   int64          `json:"log_hash"`
	Status     string         `json:"status"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Tables     []TableOutcome `json:"tables"`
	Timings    []TableTiming  `json:"timings"`
}
