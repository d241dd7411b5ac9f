// Package statsplugin is the built-in plugin that periodically snapshots
// process health (goroutine count, heap usage, event throughput, bridge
// queue depth) and answers host-triggered capture_performance measurements.
//
// It has no dependencies on any other plugin and is always registered last
// in the built-in set, so its first scheduled tick observes every other
// plugin already running.
package statsplugin

import (
	"encoding/json"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/HapticTide/iOS-DebugProbe/internal/apierr"
	"github.com/HapticTide/iOS-DebugProbe/internal/events"
	"github.com/HapticTide/iOS-DebugProbe/internal/kernel"
	"github.com/HapticTide/iOS-DebugProbe/internal/logging"
)

const (
	PluginID   = "stats"
	pluginName = "Stats"
	version    = "1.0.0"

	defaultInterval = 30 * time.Second
)

// QueueDepthFunc reports the bridge's current outbound queue depth. The
// plugin doesn't hold a reference to the bridge client directly; the host
// wires this in (see Plugin.SetQueueDepthFunc) so the plugin stays testable
// without a live connection.
type QueueDepthFunc func() int

// Plugin implements kernel.Plugin over a cron-scheduled snapshot job.
type Plugin struct {
	kernel.BasePlugin

	bus        *events.Bus
	interval   time.Duration
	queueDepth QueueDepthFunc

	cron    *cron.Cron
	entryID cron.EntryID
	state   kernel.State
}

func New() *Plugin {
	return &Plugin{
		interval: defaultInterval,
		state:    kernel.StateUninitialized,
	}
}

func (p *Plugin) ID() string             { return PluginID }
func (p *Plugin) DisplayName() string    { return pluginName }
func (p *Plugin) Version() string        { return version }
func (p *Plugin) Dependencies() []string { return nil }

// SetInterval overrides the default 30s snapshot cadence. Must be called
// before Start.
func (p *Plugin) SetInterval(d time.Duration) {
	if d > 0 {
		p.interval = d
	}
}

// SetQueueDepthFunc wires the bridge's queue-depth accessor. Optional; a nil
// func reports a depth of 0.
func (p *Plugin) SetQueueDepthFunc(fn QueueDepthFunc) {
	p.queueDepth = fn
}

func (p *Plugin) Init(ctx *kernel.Context) error {
	p.bus = ctx.Bus
	return nil
}

func (p *Plugin) Start() error {
	p.cron = cron.New()
	id, err := p.cron.AddFunc("@every "+p.interval.String(), p.snapshot)
	if err != nil {
		return apierr.InvalidConfiguration("invalid stats interval: " + err.Error())
	}
	p.entryID = id
	p.cron.Start()

	p.Enabled = true
	p.state = kernel.StateRunning
	return nil
}

func (p *Plugin) Stop() error {
	if p.cron != nil {
		<-p.cron.Stop().Done()
		p.cron = nil
	}
	p.Enabled = false
	p.state = kernel.StateStopped
	return nil
}

func (p *Plugin) Pause() error {
	if p.cron != nil {
		p.cron.Remove(p.entryID)
	}
	p.Enabled = false
	p.state = kernel.StatePaused
	return nil
}

func (p *Plugin) Resume() error {
	if p.cron != nil {
		id, err := p.cron.AddFunc("@every "+p.interval.String(), p.snapshot)
		if err == nil {
			p.entryID = id
		}
	}
	p.Enabled = true
	p.state = kernel.StateRunning
	return nil
}

// snapshot is the cron callback. Panics here would otherwise kill the whole
// cron goroutine and silence every future tick, so it recovers and logs
// rather than propagating.
func (p *Plugin) snapshot() {
	defer func() {
		if r := recover(); r != nil {
			logging.For("stats").Error().Interface("panic", r).Msg("snapshot panicked, skipping tick")
		}
	}()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	depth := 0
	if p.queueDepth != nil {
		depth = p.queueDepth()
	}

	p.bus.Publish(events.KindStats, events.StatsEvent{
		Envelope:       events.Envelope{ID: uuid.NewString(), Kind: events.KindStats, Timestamp: time.Now()},
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: mem.HeapAlloc,
		EventsEmitted:  p.bus.EventsEmitted(),
		QueueDepth:     depth,
	})
}

type performancePayload struct {
	Label      string `json:"label"`
	DurationMs int64  `json:"durationMs"`
}

func (p *Plugin) HandleCommand(cmd kernel.Command) kernel.CommandResponse {
	if resp, ok := p.HandleBaseCommand(cmd, p.state); ok {
		return resp
	}
	if !p.Enabled {
		return kernel.CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: false, ErrorMessage: apierr.InvalidConfiguration("plugin is not running").Error()}
	}
	if cmd.CommandType != "capture_performance" {
		return kernel.CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: false, ErrorMessage: apierr.InvalidConfiguration("unknown command type: " + cmd.CommandType).Error()}
	}

	var payload performancePayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return kernel.CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: false, ErrorMessage: apierr.InvalidConfiguration("malformed capture_performance payload").Error()}
	}
	if payload.Label == "" {
		return kernel.CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: false, ErrorMessage: apierr.InvalidConfiguration("label is required").Error()}
	}

	p.bus.Publish(events.KindPerformance, events.PerformanceEvent{
		Envelope:   events.Envelope{ID: uuid.NewString(), Kind: events.KindPerformance, Timestamp: time.Now()},
		Label:      payload.Label,
		DurationMs: payload.DurationMs,
	})
	return kernel.CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: true}
}
