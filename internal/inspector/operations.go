package inspector

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/HapticTide/iOS-DebugProbe/internal/apierr"
)

// QueryTimeout is the §4.5/§5 wall-clock budget for execute_query and
// search_in_database. context cancellation drives mattn/go-sqlite3's own
// interrupt path, which is the watchdog §4.5 describes.
const QueryTimeout = 10 * time.Second

// MaxRows caps execute_query's result set.
const MaxRows = 1000

// maxPageSize / minPageSize clamp fetch_table_page's pageSize.
const (
	minPageSize = 1
	maxPageSize = 500
)

// busyTimeoutMs is applied to every per-call connection.
const busyTimeoutMs = 5000

// Inspector executes read-only operations against registered databases.
type Inspector struct {
	registry *Registry
}

// New constructs an Inspector over registry.
func New(registry *Registry) *Inspector {
	return &Inspector{registry: registry}
}

// openReadOnly opens a fresh, read-only, no-shared-cache connection for a
// single operation, applying the busy timeout and — when the descriptor is
// encrypted — the encryption key sequence. Callers must Close the returned
// handle.
func (insp *Inspector) openReadOnly(ctx context.Context, d Descriptor) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&cache=private&_busy_timeout=%d", d.Path, busyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	db.SetMaxOpenConns(1)

	if d.IsEncrypted {
		kp, _ := insp.registry.KeyProviderFor(d.ID)
		if err := applyEncryption(ctx, db, kp, d); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

// DatabaseSummary is one entry of list_databases' result.
type DatabaseSummary struct {
	ID               string           `json:"id"`
	DisplayName      string           `json:"displayName"`
	SizeBytes        int64            `json:"sizeBytes"`
	TableCount       int              `json:"tableCount"`
	EncryptionStatus EncryptionStatus `json:"encryptionStatus"`
}

// ListDatabases reports every registered descriptor's size (stat, never
// requires opening), a table count (best-effort open), and encryption
// status.
func (insp *Inspector) ListDatabases(ctx context.Context) []DatabaseSummary {
	descs := insp.registry.All()
	out := make([]DatabaseSummary, 0, len(descs))
	for _, d := range descs {
		summary := DatabaseSummary{ID: d.ID, DisplayName: d.DisplayName}
		if fi, err := os.Stat(d.Path); err == nil {
			summary.SizeBytes = fi.Size()
		}

		if d.IsSensitive {
			summary.EncryptionStatus = EncryptionLocked
			out = append(out, summary)
			continue
		}

		db, err := insp.openReadOnly(ctx, d)
		if err != nil {
			summary.TableCount = 0
			if d.IsEncrypted {
				summary.EncryptionStatus = EncryptionLocked
			}
			out = append(out, summary)
			continue
		}
		var count int
		row := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'`)
		if err := row.Scan(&count); err == nil {
			summary.TableCount = count
		}
		db.Close()

		switch {
		case d.IsEncrypted:
			summary.EncryptionStatus = EncryptionUnlocked
		default:
			summary.EncryptionStatus = EncryptionNone
		}
		out = append(out, summary)
	}
	return out
}

// ListTables returns every user table's name, via sqlite_master.
func (insp *Inspector) ListTables(ctx context.Context, dbID string) ([]string, error) {
	d, ok := insp.registry.Get(dbID)
	if !ok {
		return nil, apierr.DatabaseNotFound(dbID)
	}
	if d.IsSensitive {
		return nil, apierr.AccessDenied("database is marked sensitive")
	}
	db, err := insp.openReadOnly(ctx, d)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, apierr.Internal(err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// ColumnInfo is one row of PRAGMA table_info.
type ColumnInfo struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	NotNull      bool   `json:"notNull"`
	DefaultValue *string `json:"defaultValue,omitempty"`
	PrimaryKey   bool   `json:"primaryKey"`
}

// DescribeTable runs PRAGMA table_info(table) after validating table is
// itself a legal bare identifier and actually exists.
func (insp *Inspector) DescribeTable(ctx context.Context, dbID, table string) ([]ColumnInfo, error) {
	d, db, err := insp.openForTable(ctx, dbID, table)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	_ = d

	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quoteIdentifier(table)))
	if err != nil {
		return nil, apierr.Internal(err)
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, apierr.Internal(err)
		}
		col := ColumnInfo{Name: name, Type: ctype, NotNull: notNull != 0, PrimaryKey: pk != 0}
		if dflt.Valid {
			col.DefaultValue = &dflt.String
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

// openForTable validates dbID/table and opens a connection, factored out
// of every operation that takes a table name.
func (insp *Inspector) openForTable(ctx context.Context, dbID, table string) (Descriptor, *sql.DB, error) {
	d, ok := insp.registry.Get(dbID)
	if !ok {
		return Descriptor{}, nil, apierr.DatabaseNotFound(dbID)
	}
	if d.IsSensitive {
		return Descriptor{}, nil, apierr.AccessDenied("database is marked sensitive")
	}
	if err := validateIdentifier(table); err != nil {
		return Descriptor{}, nil, err
	}
	db, err := insp.openReadOnly(ctx, d)
	if err != nil {
		return Descriptor{}, nil, err
	}
	if !insp.tableExists(ctx, db, table) {
		db.Close()
		return Descriptor{}, nil, apierr.TableNotFound(table)
	}
	return d, db, nil
}

func (insp *Inspector) tableExists(ctx context.Context, db *sql.DB, table string) bool {
	var name string
	err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&name)
	return err == nil
}

// TablePage is fetch_table_page's result.
type TablePage struct {
	Rows       []map[string]any `json:"rows"`
	Page       int              `json:"page"`
	PageSize   int              `json:"pageSize"`
	TotalRows  int              `json:"totalRows"`
}

// FetchTablePage returns a paginated, ordered slice of table's rows. Every
// row carries an implicit _rowid column. When targetRowID is non-nil, page
// is recomputed so the returned page contains that rowid.
func (insp *Inspector) FetchTablePage(ctx context.Context, dbID, table string, page, pageSize int, orderBy string, ascending bool, targetRowID *int64) (TablePage, error) {
	_, db, err := insp.openForTable(ctx, dbID, table)
	if err != nil {
		return TablePage{}, err
	}
	defer db.Close()

	if pageSize < minPageSize {
		pageSize = minPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	if page < 1 {
		page = 1
	}

	orderClause := "rowid"
	if orderBy != "" {
		if err := validateIdentifier(orderBy); err != nil {
			return TablePage{}, err
		}
		orderClause = quoteIdentifier(orderBy)
	}
	direction := "ASC"
	if !ascending {
		direction = "DESC"
	}

	if targetRowID != nil {
		resolvedPage, err := insp.resolveTargetPage(ctx, db, table, orderBy, orderClause, ascending, pageSize, *targetRowID)
		if err != nil {
			return TablePage{}, err
		}
		page = resolvedPage
	}

	var total int
	if err := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteIdentifier(table))).Scan(&total); err != nil {
		return TablePage{}, apierr.Internal(err)
	}

	offset := (page - 1) * pageSize
	query := fmt.Sprintf(
		`SELECT rowid AS _rowid, * FROM %s ORDER BY %s %s LIMIT ? OFFSET ?`,
		quoteIdentifier(table), orderClause, direction,
	)
	rows, err := db.QueryContext(ctx, query, pageSize, offset)
	if err != nil {
		return TablePage{}, apierr.Internal(err)
	}
	defer rows.Close()

	result, err := scanRows(rows)
	if err != nil {
		return TablePage{}, err
	}
	return TablePage{Rows: result, Page: page, PageSize: pageSize, TotalRows: total}, nil
}

// resolveTargetPage computes the absolute row ordinal of targetRowID,
// preferring ROW_NUMBER() OVER (...) and falling back to a COUNT(*)
// comparison when no order clause is meaningful or window functions are
// unavailable, per §4.5.
func (insp *Inspector) resolveTargetPage(ctx context.Context, db *sql.DB, table, orderBy, orderClause string, ascending bool, pageSize int, targetRowID int64) (int, error) {
	direction := "ASC"
	if !ascending {
		direction = "DESC"
	}

	windowQuery := fmt.Sprintf(`
		SELECT ordinal FROM (
			SELECT rowid AS rid, ROW_NUMBER() OVER (ORDER BY %s %s) AS ordinal FROM %s
		) WHERE rid = ?`, orderClause, direction, quoteIdentifier(table))

	var ordinal int
	err := db.QueryRowContext(ctx, windowQuery, targetRowID).Scan(&ordinal)
	if err == nil {
		return ((ordinal - 1) / pageSize) + 1, nil
	}

	// Fallback: only valid when the default rowid order applies — an
	// explicit orderBy with a non-rowid column can't be approximated this
	// way, so absence of window-function support then surfaces as an
	// InvalidQuery rather than a silently wrong page.
	if orderBy != "" {
		return 0, apierr.InvalidQuery("targetRowId pagination requires window function support when orderBy is set")
	}
	var ordinalFallback int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE rowid <= ?`, quoteIdentifier(table))
	if err := db.QueryRowContext(ctx, countQuery, targetRowID).Scan(&ordinalFallback); err != nil {
		return 0, apierr.Internal(err)
	}
	return ((ordinalFallback - 1) / pageSize) + 1, nil
}

// ExecuteQuery runs a validated read-only SELECT with the 10s timeout and
// 1000-row cap.
func (insp *Inspector) ExecuteQuery(ctx context.Context, dbID, query string) ([]map[string]any, error) {
	if err := validateSelectOnly(query); err != nil {
		return nil, err
	}
	d, ok := insp.registry.Get(dbID)
	if !ok {
		return nil, apierr.DatabaseNotFound(dbID)
	}
	if d.IsSensitive {
		return nil, apierr.AccessDenied("database is marked sensitive")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, QueryTimeout)
	defer cancel()

	db, err := insp.openReadOnly(timeoutCtx, d)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(timeoutCtx, query)
	if err != nil {
		if timeoutCtx.Err() != nil {
			return nil, apierr.Timeout("execute_query")
		}
		return nil, apierr.InvalidQuery(err.Error())
	}
	defer rows.Close()

	result, err := scanRowsCapped(rows, MaxRows)
	if err != nil {
		if timeoutCtx.Err() != nil {
			return nil, apierr.Timeout("execute_query")
		}
		return nil, err
	}
	return result, nil
}

// SearchResult is one table's worth of search_in_database hits.
type SearchResult struct {
	Table      string           `json:"table"`
	MatchCount int              `json:"matchCount"`
	Rows       []map[string]any `json:"rows"`
	RowIDs     []int64          `json:"rowIds"`
}

// textLikeTypes are the column affinities treated as text for
// search_in_database, plus untyped columns by default.
var textLikeTypes = map[string]bool{
	"TEXT": true, "CHAR": true, "CLOB": true, "VARCHAR": true, "STRING": true, "": true,
}

// SearchInDatabase scans every user table's text-typed columns for
// keyword, returning up to maxResultsPerTable preview rows plus every
// matching rowid, sorted by matchCount descending.
func (insp *Inspector) SearchInDatabase(ctx context.Context, dbID, keyword string, maxResultsPerTable int) ([]SearchResult, error) {
	d, ok := insp.registry.Get(dbID)
	if !ok {
		return nil, apierr.DatabaseNotFound(dbID)
	}
	if d.IsSensitive {
		return nil, apierr.AccessDenied("database is marked sensitive")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, QueryTimeout)
	defer cancel()

	db, err := insp.openReadOnly(timeoutCtx, d)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	tables, err := insp.listTablesOnConn(timeoutCtx, db)
	if err != nil {
		return nil, err
	}

	escaped := escapeLikeKeyword(keyword)
	var results []SearchResult
	for _, table := range tables {
		textCols, err := insp.textColumns(timeoutCtx, db, table)
		if err != nil || len(textCols) == 0 {
			continue
		}

		var clauses []string
		for _, col := range textCols {
			clauses = append(clauses, fmt.Sprintf(`%s LIKE '%%' || ? || '%%' ESCAPE '\'`, quoteIdentifier(col)))
		}
		whereClause := strings.Join(clauses, " OR ")
		args := make([]any, len(textCols))
		for i := range textCols {
			args[i] = escaped
		}

		var matchCount int
		countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s`, quoteIdentifier(table), whereClause)
		if err := db.QueryRowContext(timeoutCtx, countQuery, args...).Scan(&matchCount); err != nil || matchCount == 0 {
			continue
		}

		previewQuery := fmt.Sprintf(`SELECT rowid AS _rowid, * FROM %s WHERE %s LIMIT ?`, quoteIdentifier(table), whereClause)
		previewArgs := append(append([]any{}, args...), maxResultsPerTable)
		rows, err := db.QueryContext(timeoutCtx, previewQuery, previewArgs...)
		if err != nil {
			continue
		}
		preview, err := scanRows(rows)
		rows.Close()
		if err != nil {
			continue
		}

		rowIDQuery := fmt.Sprintf(`SELECT rowid FROM %s WHERE %s`, quoteIdentifier(table), whereClause)
		idRows, err := db.QueryContext(timeoutCtx, rowIDQuery, args...)
		var rowIDs []int64
		if err == nil {
			for idRows.Next() {
				var id int64
				if idRows.Scan(&id) == nil {
					rowIDs = append(rowIDs, id)
				}
			}
			idRows.Close()
		}

		results = append(results, SearchResult{Table: table, MatchCount: matchCount, Rows: preview, RowIDs: rowIDs})
	}

	// Sort by matchCount descending (stable insertion sort; table counts
	// are small).
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j-1].MatchCount < results[j].MatchCount; j-- {
			results[j-1], results[j] = results[j], results[j-1]
		}
	}
	if timeoutCtx.Err() != nil {
		return nil, apierr.Timeout("search_in_database")
	}
	return results, nil
}

// FetchRowsByRowIDs returns the rows for an explicit rowid set, subject to
// the same identifier validation and bound-parameter discipline as
// fetch_table_page. Supplemented operation per SPEC_FULL.md §4.5.
func (insp *Inspector) FetchRowsByRowIDs(ctx context.Context, dbID, table string, rowIDs []int64) ([]map[string]any, error) {
	_, db, err := insp.openForTable(ctx, dbID, table)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	if len(rowIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(rowIDs)), ",")
	args := make([]any, len(rowIDs))
	for i, id := range rowIDs {
		args[i] = id
	}

	query := fmt.Sprintf(`SELECT rowid AS _rowid, * FROM %s WHERE rowid IN (%s)`, quoteIdentifier(table), placeholders)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (insp *Inspector) listTablesOnConn(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	defer rows.Close()
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}
	return tables, rows.Err()
}

func (insp *Inspector) textColumns(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quoteIdentifier(table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			continue
		}
		if textLikeTypes[strings.ToUpper(ctype)] {
			cols = append(cols, name)
		}
	}
	return cols, rows.Err()
}

// scanRows reads every remaining row into a generic map, uncapped.
func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	return scanRowsCapped(rows, -1)
}

// scanRowsCapped reads up to limit rows (no cap when limit < 0).
func scanRowsCapped(rows *sql.Rows, limit int) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, apierr.Internal(err)
	}

	var out []map[string]any
	for rows.Next() {
		if limit >= 0 && len(out) >= limit {
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, apierr.Internal(err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
