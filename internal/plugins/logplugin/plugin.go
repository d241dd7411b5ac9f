// Package logplugin is the built-in capture plugin for log records: both
// host-originated log calls the capture shim forwards, and the agent's own
// internal zerolog diagnostics, mirrored through a zerolog.Hook so a
// developer watching the Hub sees agent-side problems too.
package logplugin

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/HapticTide/iOS-DebugProbe/internal/apierr"
	"github.com/HapticTide/iOS-DebugProbe/internal/events"
	"github.com/HapticTide/iOS-DebugProbe/internal/kernel"
	"github.com/HapticTide/iOS-DebugProbe/internal/logging"
)

const (
	PluginID   = "log"
	pluginName = "Log Capture"
	version    = "1.0.0"
)

// Plugin implements kernel.Plugin for log capture.
type Plugin struct {
	kernel.BasePlugin

	ctx      *kernel.Context
	state    kernel.State
	minLevel int32 // events.LogLevel, guarded with atomic ops

	// forwarding guards re-entrancy: a LogEvent publish that itself logs an
	// error (e.g. a failed bus handler) must not be re-mirrored, or a
	// broken downstream handler could wedge the process in a log loop.
	forwarding atomic.Bool
}

func New() *Plugin {
	p := &Plugin{state: kernel.StateUninitialized}
	p.minLevel = int32(events.LevelVerbose)
	return p
}

func (p *Plugin) ID() string             { return PluginID }
func (p *Plugin) DisplayName() string    { return pluginName }
func (p *Plugin) Version() string        { return version }
func (p *Plugin) Dependencies() []string { return nil }

// Init installs a zerolog hook on the shared agent logger so the agent's
// own internal diagnostics flow into the Hub as LogEvents alongside
// host-captured ones.
func (p *Plugin) Init(ctx *kernel.Context) error {
	p.ctx = ctx
	logging.Log = logging.Log.Hook(zerologHook{plugin: p})
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

// CaptureLog is the capture shim's entry point for a host-originated log
// record.
func (p *Plugin) CaptureLog(level events.LogLevel, source, subsystem, category, thread, file, function string, line int, message string, tags map[string]string, traceID string) {
	if !p.Enabled || int32(level) < atomic.LoadInt32(&p.minLevel) {
		return
	}
	p.ctx.EmitEvent(events.KindLog, events.LogEvent{
		Envelope:  events.Envelope{ID: uuid.NewString(), Kind: events.KindLog, Timestamp: time.Now()},
		Level:     level,
		Source:    source,
		Subsystem: subsystem,
		Category:  category,
		Thread:    thread,
		File:      file,
		Function:  function,
		Line:      line,
		Message:   message,
		Tags:      tags,
		TraceID:   traceID,
	})
}

// zerologHook mirrors the agent's own internal logger output into LogEvents.
type zerologHook struct {
	plugin *Plugin
}

func (h zerologHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	p := h.plugin
	if !p.Enabled || p.ctx == nil {
		return
	}
	if level == zerolog.NoLevel || level < zerolog.TraceLevel {
		return
	}
	if !p.forwarding.CompareAndSwap(false, true) {
		return
	}
	defer p.forwarding.Store(false)

	mapped := fromZerologLevel(level)
	if int32(mapped) < atomic.LoadInt32(&p.minLevel) {
		return
	}
	p.ctx.EmitEvent(events.KindLog, events.LogEvent{
		Envelope:  events.Envelope{ID: uuid.NewString(), Kind: events.KindLog, Timestamp: time.Now()},
		Level:     mapped,
		Source:    "agent",
		Subsystem: "internal",
		Message:   msg,
	})
}

func fromZerologLevel(level zerolog.Level) events.LogLevel {
	switch level {
	case zerolog.TraceLevel:
		return events.LevelVerbose
	case zerolog.DebugLevel:
		return events.LevelDebug
	case zerolog.InfoLevel:
		return events.LevelInfo
	case zerolog.WarnLevel:
		return events.LevelWarning
	default:
		return events.LevelError
	}
}

type setLevelPayload struct {
	Level string `json:"level"`
}

// HandleCommand answers the baseline verbs plus set_level, which raises or
// lowers the minimum level forwarded to the Hub.
func (p *Plugin) HandleCommand(cmd kernel.Command) kernel.CommandResponse {
	if resp, ok := p.HandleBaseCommand(cmd, p.state); ok {
		return resp
	}
	if cmd.CommandType != "set_level" {
		return kernel.CommandResponse{
			PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: false,
			ErrorMessage: apierr.InvalidConfiguration("unknown command type: " + cmd.CommandType).Error(),
		}
	}

	var payload setLevelPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return kernel.CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: false, ErrorMessage: apierr.InvalidConfiguration("malformed set_level payload").Error()}
	}
	level, ok := parseLevel(payload.Level)
	if !ok {
		return kernel.CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: false, ErrorMessage: apierr.InvalidConfiguration("unknown level: " + payload.Level).Error()}
	}
	atomic.StoreInt32(&p.minLevel, int32(level))
	return kernel.CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: true}
}

func parseLevel(s string) (events.LogLevel, bool) {
	switch s {
	case "verbose":
		return events.LevelVerbose, true
	case "debug":
		return events.LevelDebug, true
	case "info":
		return events.LevelInfo, true
	case "warning":
		return events.LevelWarning, true
	case "error":
		return events.LevelError, true
	default:
		return 0, false
	}
}
