// Package pagetimingplugin is the built-in plugin wrapping the page-timing
// recorder: it answers the mark_page_* / add_marker command surface the
// host's navigation instrumentation drives.
package pagetimingplugin

import (
	"encoding/json"

	"github.com/HapticTide/iOS-DebugProbe/internal/apierr"
	"github.com/HapticTide/iOS-DebugProbe/internal/kernel"
	"github.com/HapticTide/iOS-DebugProbe/internal/pagetiming"
)

const (
	PluginID   = "page_timing"
	pluginName = "Page Timing"
	version    = "1.0.0"
)

// Plugin implements kernel.Plugin over a pagetiming.Recorder.
type Plugin struct {
	kernel.BasePlugin

	recorder *pagetiming.Recorder
	state    kernel.State
}

func New() *Plugin {
	return &Plugin{state: kernel.StateUninitialized}
}

func (p *Plugin) ID() string             { return PluginID }
func (p *Plugin) DisplayName() string    { return pluginName }
func (p *Plugin) Version() string        { return version }
func (p *Plugin) Dependencies() []string { return nil }

func (p *Plugin) Init(ctx *kernel.Context) error {
	p.recorder = pagetiming.New(ctx.Bus)
	return nil
}

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

type visitPayload struct {
	VisitID      string `json:"visitId"`
	PageID       string `json:"pageId,omitempty"`
	PageName     string `json:"pageName,omitempty"`
	Route        string `json:"route,omitempty"`
	IsColdStart  bool   `json:"isColdStart,omitempty"`
	IsPush       bool   `json:"isPush,omitempty"`
	ParentPageID string `json:"parentPageId,omitempty"`
	Name         string `json:"name,omitempty"` // add_marker's marker name
}

func (p *Plugin) HandleCommand(cmd kernel.Command) kernel.CommandResponse {
	if resp, ok := p.HandleBaseCommand(cmd, p.state); ok {
		return resp
	}
	if !p.Enabled {
		return kernel.CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: false, ErrorMessage: apierr.InvalidConfiguration("plugin is not running").Error()}
	}

	var payload visitPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return kernel.CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: false, ErrorMessage: apierr.InvalidConfiguration("malformed page-timing command payload").Error()}
	}
	if payload.VisitID == "" {
		return kernel.CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: false, ErrorMessage: apierr.InvalidConfiguration("visitId is required").Error()}
	}

	switch cmd.CommandType {
	case "mark_page_start":
		p.recorder.StartPage(payload.VisitID, payload.PageID, payload.PageName, payload.Route, payload.IsColdStart, payload.IsPush, payload.ParentPageID)
	case "mark_page_first_layout":
		p.recorder.MarkFirstLayout(payload.VisitID)
	case "mark_page_appear":
		p.recorder.MarkAppear(payload.VisitID)
	case "add_marker":
		if payload.Name == "" {
			return kernel.CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: false, ErrorMessage: apierr.InvalidConfiguration("add_marker requires a name").Error()}
		}
		p.recorder.AddMarker(payload.VisitID, payload.Name)
	case "mark_page_end":
		p.recorder.End(payload.VisitID)
	default:
		return kernel.CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: false, ErrorMessage: apierr.InvalidConfiguration("unknown command type: " + cmd.CommandType).Error()}
	}
	return kernel.CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: true}
}
