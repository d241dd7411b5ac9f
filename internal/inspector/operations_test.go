package inspector

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/HapticTide/iOS-DebugProbe/internal/apierr"
)

// newTestDatabase creates a real on-disk SQLite file (operations.go opens a
// fresh connection per call, so ":memory:" would not persist across them)
// seeded with a users table.
func newTestDatabase(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "app.sqlite")

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, email TEXT, age INTEGER)`)
	require.NoError(t, err)

	for i := 1; i <= 25; i++ {
		_, err := db.Exec(`INSERT INTO users (name, email, age) VALUES (?, ?, ?)`,
			"user"+string(rune('a'+i%26)), "user@example.com", 20+i)
		require.NoError(t, err)
	}
	_, err = db.Exec(`INSERT INTO users (name, email, age) VALUES ('findme', 'special@example.com', 99)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO users (name, email, age) VALUES (?, 'obrien@example.com', 41)`, "O'Brien")
	require.NoError(t, err)

	return path
}

func newTestRegistry(t *testing.T, path string) *Registry {
	reg := NewRegistry()
	reg.Register(Descriptor{ID: "app", DisplayName: "App DB", Kind: "sqlite", Path: path}, nil)
	return reg
}

func TestListDatabasesReportsSizeAndTableCount(t *testing.T) {
	path := newTestDatabase(t)
	insp := New(newTestRegistry(t, path))

	summaries := insp.ListDatabases(context.Background())
	require.Len(t, summaries, 1)
	require.Equal(t, "app", summaries[0].ID)
	require.Equal(t, 1, summaries[0].TableCount)
	require.Greater(t, summaries[0].SizeBytes, int64(0))
	require.Equal(t, EncryptionNone, summaries[0].EncryptionStatus)
}

func TestListDatabasesHidesSensitiveTableCount(t *testing.T) {
	path := newTestDatabase(t)
	reg := NewRegistry()
	reg.Register(Descriptor{ID: "app", Path: path, IsSensitive: true}, nil)
	insp := New(reg)

	summaries := insp.ListDatabases(context.Background())
	require.Equal(t, EncryptionLocked, summaries[0].EncryptionStatus)
	require.Zero(t, summaries[0].TableCount)
}

func TestListTablesReturnsUserTablesOnly(t *testing.T) {
	path := newTestDatabase(t)
	insp := New(newTestRegistry(t, path))

	tables, err := insp.ListTables(context.Background(), "app")
	require.NoError(t, err)
	require.Equal(t, []string{"users"}, tables)
}

func TestListTablesUnknownDatabase(t *testing.T) {
	insp := New(NewRegistry())
	_, err := insp.ListTables(context.Background(), "missing")
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	require.Equal(t, apierr.CodeDatabaseNotFound, apiErr.Code)
}

func TestDescribeTableReturnsColumns(t *testing.T) {
	path := newTestDatabase(t)
	insp := New(newTestRegistry(t, path))

	cols, err := insp.DescribeTable(context.Background(), "app", "users")
	require.NoError(t, err)
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	require.Equal(t, []string{"id", "name", "email", "age"}, names)
	require.True(t, cols[0].PrimaryKey)
}

func TestDescribeTableRejectsBadIdentifier(t *testing.T) {
	path := newTestDatabase(t)
	insp := New(newTestRegistry(t, path))

	_, err := insp.DescribeTable(context.Background(), "app", "users; DROP TABLE users")
	require.Error(t, err)
}

func TestDescribeTableRejectsUnknownTable(t *testing.T) {
	path := newTestDatabase(t)
	insp := New(newTestRegistry(t, path))

	_, err := insp.DescribeTable(context.Background(), "app", "ghost")
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	require.Equal(t, apierr.CodeTableNotFound, apiErr.Code)
}

func TestFetchTablePagePaginates(t *testing.T) {
	path := newTestDatabase(t)
	insp := New(newTestRegistry(t, path))

	page, err := insp.FetchTablePage(context.Background(), "app", "users", 1, 10, "", true, nil)
	require.NoError(t, err)
	require.Equal(t, 27, page.TotalRows)
	require.Len(t, page.Rows, 10)
	require.Equal(t, 10, page.PageSize)
	require.Contains(t, page.Rows[0], "_rowid")
}

func TestFetchTablePageClampsPageSize(t *testing.T) {
	path := newTestDatabase(t)
	insp := New(newTestRegistry(t, path))

	page, err := insp.FetchTablePage(context.Background(), "app", "users", 1, 10000, "", true, nil)
	require.NoError(t, err)
	require.Equal(t, 500, page.PageSize)

	page, err = insp.FetchTablePage(context.Background(), "app", "users", 1, 0, "", true, nil)
	require.NoError(t, err)
	require.Equal(t, 1, page.PageSize)
}

func TestFetchTablePageTargetRowIDResolvesPage(t *testing.T) {
	path := newTestDatabase(t)
	insp := New(newTestRegistry(t, path))

	target := int64(23)
	page, err := insp.FetchTablePage(context.Background(), "app", "users", 1, 10, "", true, &target)
	require.NoError(t, err)
	require.Equal(t, 3, page.Page)

	var found bool
	for _, row := range page.Rows {
		if id, ok := row["_rowid"].(int64); ok && id == target {
			found = true
		}
	}
	require.True(t, found)
}

func TestExecuteQueryReturnsRows(t *testing.T) {
	path := newTestDatabase(t)
	insp := New(newTestRegistry(t, path))

	rows, err := insp.ExecuteQuery(context.Background(), "app", "SELECT id, name FROM users WHERE age > 40")
	require.NoError(t, err)
	require.NotEmpty(t, rows)
}

func TestExecuteQueryRejectsNonSelect(t *testing.T) {
	path := newTestDatabase(t)
	insp := New(newTestRegistry(t, path))

	_, err := insp.ExecuteQuery(context.Background(), "app", "DELETE FROM users")
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	require.Equal(t, apierr.CodeInvalidQuery, apiErr.Code)
}

func TestExecuteQueryRejectsDenylistedKeywordDisguisedAsSelect(t *testing.T) {
	path := newTestDatabase(t)
	insp := New(newTestRegistry(t, path))

	_, err := insp.ExecuteQuery(context.Background(), "app", "SELECT 1; DROP TABLE users;")
	require.Error(t, err)
}

func TestExecuteQueryCapsRowCount(t *testing.T) {
	path := newTestDatabase(t)

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE big (n INTEGER)`)
	require.NoError(t, err)
	for i := 0; i < MaxRows+50; i++ {
		_, err := db.Exec(`INSERT INTO big (n) VALUES (?)`, i)
		require.NoError(t, err)
	}
	db.Close()

	insp := New(newTestRegistry(t, path))
	rows, err := insp.ExecuteQuery(context.Background(), "app", "SELECT n FROM big")
	require.NoError(t, err)
	require.Len(t, rows, MaxRows)
}

func TestSearchInDatabaseFindsMatchAcrossTextColumns(t *testing.T) {
	path := newTestDatabase(t)
	insp := New(newTestRegistry(t, path))

	results, err := insp.SearchInDatabase(context.Background(), "app", "special@example", 50)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "users", results[0].Table)
	require.Equal(t, 1, results[0].MatchCount)
	require.NotEmpty(t, results[0].RowIDs)
}

func TestSearchInDatabaseMatchesLiteralApostrophe(t *testing.T) {
	path := newTestDatabase(t)
	insp := New(newTestRegistry(t, path))

	results, err := insp.SearchInDatabase(context.Background(), "app", "O'Brien", 50)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, 1, results[0].MatchCount)
}

func TestSearchInDatabaseEscapesWildcards(t *testing.T) {
	path := newTestDatabase(t)
	insp := New(newTestRegistry(t, path))

	results, err := insp.SearchInDatabase(context.Background(), "app", "%", 50)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestFetchRowsByRowIDsReturnsExactSet(t *testing.T) {
	path := newTestDatabase(t)
	insp := New(newTestRegistry(t, path))

	rows, err := insp.FetchRowsByRowIDs(context.Background(), "app", "users", []int64{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, rows, 3)
}

func TestFetchRowsByRowIDsEmptySetReturnsNil(t *testing.T) {
	path := newTestDatabase(t)
	insp := New(newTestRegistry(t, path))

	rows, err := insp.FetchRowsByRowIDs(context.Background(), "app", "users", nil)
	require.NoError(t, err)
	require.Nil(t, rows)
}
