package dbplugin

import (
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/HapticTide/iOS-DebugProbe/internal/inspector"
	"github.com/HapticTide/iOS-DebugProbe/internal/kernel"
)

func newTestPlugin(t *testing.T) *Plugin {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.sqlite")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO notes (body) VALUES ('hello world')`)
	require.NoError(t, err)
	db.Close()

	p := New()
	require.NoError(t, p.Init(&kernel.Context{}))
	require.NoError(t, p.Start())
	p.RegisterDatabase(inspector.Descriptor{ID: "app", DisplayName: "App", Path: path}, nil)
	return p
}

func sendDBCommand(t *testing.T, p *Plugin, dbCmd dbCommand) kernel.CommandResponse {
	t.Helper()
	payload, err := json.Marshal(dbCmd)
	require.NoError(t, err)
	return p.HandleCommand(kernel.Command{PluginID: PluginID, CommandID: "c1", CommandType: "db_command", Payload: payload})
}

func TestListDatabasesViaCommand(t *testing.T) {
	p := newTestPlugin(t)
	resp := sendDBCommand(t, p, dbCommand{Kind: "listDatabases"})
	require.True(t, resp.Success)
	var out []inspector.DatabaseSummary
	require.NoError(t, json.Unmarshal(resp.Payload, &out))
	require.Len(t, out, 1)
}

func TestFetchTablePageViaCommand(t *testing.T) {
	p := newTestPlugin(t)
	resp := sendDBCommand(t, p, dbCommand{Kind: "fetchTablePage", DBID: "app", Table: "notes", Page: 1, PageSize: 10, Ascending: true})
	require.True(t, resp.Success)
	var page inspector.TablePage
	require.NoError(t, json.Unmarshal(resp.Payload, &page))
	require.Equal(t, 1, page.TotalRows)
}

func TestUnknownDatabaseSurfacesAsFailure(t *testing.T) {
	p := newTestPlugin(t)
	resp := sendDBCommand(t, p, dbCommand{Kind: "listTables", DBID: "ghost"})
	require.False(t, resp.Success)
	require.Contains(t, resp.ErrorMessage, "ghost")
}

func TestUnknownCommandKindFails(t *testing.T) {
	p := newTestPlugin(t)
	resp := sendDBCommand(t, p, dbCommand{Kind: "bogus", DBID: "app"})
	require.False(t, resp.Success)
}
