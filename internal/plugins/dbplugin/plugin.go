// Package dbplugin is the built-in plugin wrapping the SQLite inspector:
// it registers host databases and answers db_command requests routed from
// the Hub.
package dbplugin

import (
	"context"
	"encoding/json"

	"github.com/HapticTide/iOS-DebugProbe/internal/apierr"
	"github.com/HapticTide/iOS-DebugProbe/internal/inspector"
	"github.com/HapticTide/iOS-DebugProbe/internal/kernel"
)

const (
	PluginID   = "database"
	pluginName = "Database Inspector"
	version    = "1.0.0"
)

// Plugin implements kernel.Plugin over an inspector.Inspector. The host
// registers its databases via RegisterDatabase before or after start; the
// Hub never registers a database directly.
type Plugin struct {
	kernel.BasePlugin

	registry *inspector.Registry
	insp     *inspector.Inspector
	state    kernel.State
}

func New() *Plugin {
	registry := inspector.NewRegistry()
	return &Plugin{
		registry: registry,
		insp:     inspector.New(registry),
		state:    kernel.StateUninitialized,
	}
}

func (p *Plugin) ID() string             { return PluginID }
func (p *Plugin) DisplayName() string    { return pluginName }
func (p *Plugin) Version() string        { return version }
func (p *Plugin) Dependencies() []string { return nil }

func (p *Plugin) Init(ctx *kernel.Context) error { return nil }

func (p *Plugin) Start() error {
	p.Enabled = true
	p.state = kernel.StateRunning
	return nil
}

func (p *Plugin) Stop() error {
	p.Enabled = false
	p.state = kernel.StateStopped
	return nil
}

func (p *Plugin) Pause() error {
	p.Enabled = false
	p.state = kernel.StatePaused
	return nil
}

func (p *Plugin) Resume() error {
	p.Enabled = true
	p.state = kernel.StateRunning
	return nil
}

// RegisterDatabase exposes a host database to inspection.
func (p *Plugin) RegisterDatabase(d inspector.Descriptor, keyProvider inspector.KeyProvider) {
	p.registry.Register(d, keyProvider)
}

// dbCommand mirrors §6's DBCommand shape: one kind selects which inspector
// operation runs, with every operation's parameters folded into a single
// optional struct.
type dbCommand struct {
	Kind               string  `json:"kind"`
	DBID               string  `json:"dbId"`
	Table              string  `json:"table,omitempty"`
	Page               int     `json:"page,omitempty"`
	PageSize           int     `json:"pageSize,omitempty"`
	OrderBy            string  `json:"orderBy,omitempty"`
	Ascending          bool    `json:"ascending,omitempty"`
	TargetRowID        *int64  `json:"targetRowId,omitempty"`
	SQL                string  `json:"sql,omitempty"`
	Keyword            string  `json:"keyword,omitempty"`
	MaxResultsPerTable int     `json:"maxResultsPerTable,omitempty"`
	RowIDs             []int64 `json:"rowIds,omitempty"`
}

func (p *Plugin) HandleCommand(cmd kernel.Command) kernel.CommandResponse {
	if resp, ok := p.HandleBaseCommand(cmd, p.state); ok {
		return resp
	}
	if cmd.CommandType != "db_command" {
		return fail(cmd, apierr.InvalidConfiguration("unknown command type: "+cmd.CommandType))
	}

	var dbCmd dbCommand
	if err := json.Unmarshal(cmd.Payload, &dbCmd); err != nil {
		return fail(cmd, apierr.InvalidConfiguration("malformed db_command payload"))
	}
	if dbCmd.MaxResultsPerTable <= 0 {
		dbCmd.MaxResultsPerTable = 20
	}

	ctx := context.Background()
	switch dbCmd.Kind {
	case "listDatabases":
		return succeed(cmd, p.insp.ListDatabases(ctx))
	case "listTables":
		tables, err := p.insp.ListTables(ctx, dbCmd.DBID)
		if err != nil {
			return fail(cmd, err)
		}
		return succeed(cmd, tables)
	case "describeTable":
		cols, err := p.insp.DescribeTable(ctx, dbCmd.DBID, dbCmd.Table)
		if err != nil {
			return fail(cmd, err)
		}
		return succeed(cmd, cols)
	case "fetchTablePage":
		page, err := p.insp.FetchTablePage(ctx, dbCmd.DBID, dbCmd.Table, dbCmd.Page, dbCmd.PageSize, dbCmd.OrderBy, dbCmd.Ascending, dbCmd.TargetRowID)
		if err != nil {
			return fail(cmd, err)
		}
		return succeed(cmd, page)
	case "executeQuery":
		rows, err := p.insp.ExecuteQuery(ctx, dbCmd.DBID, dbCmd.SQL)
		if err != nil {
			return fail(cmd, err)
		}
		return succeed(cmd, rows)
	case "searchDatabase":
		results, err := p.insp.SearchInDatabase(ctx, dbCmd.DBID, dbCmd.Keyword, dbCmd.MaxResultsPerTable)
		if err != nil {
			return fail(cmd, err)
		}
		return succeed(cmd, results)
	case "fetchRowsByRowIds":
		rows, err := p.insp.FetchRowsByRowIDs(ctx, dbCmd.DBID, dbCmd.Table, dbCmd.RowIDs)
		if err != nil {
			return fail(cmd, err)
		}
		return succeed(cmd, rows)
	default:
		return fail(cmd, apierr.InvalidQuery("unknown db_command kind: "+dbCmd.Kind))
	}
}

func succeed(cmd kernel.Command, v any) kernel.CommandResponse {
	payload, err := json.Marshal(v)
	if err != nil {
		return fail(cmd, apierr.Internal(err))
	}
	return kernel.CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: true, Payload: payload}
}

func fail(cmd kernel.Command, err error) kernel.CommandResponse {
	return kernel.CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: false, ErrorMessage: err.Error()}
}
