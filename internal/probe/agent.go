// Package probe assembles the kernel, the bridge client, the event bus and
// the built-in plugin set into the single embeddable object a host app
// constructs: Agent. It owns the wiring other packages only described in
// isolation (kernel <-> bridge, bridge <-> plugins, config <-> both).
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/HapticTide/iOS-DebugProbe/internal/bridge"
	"github.com/HapticTide/iOS-DebugProbe/internal/config"
	"github.com/HapticTide/iOS-DebugProbe/internal/deviceinfo"
	"github.com/HapticTide/iOS-DebugProbe/internal/events"
	"github.com/HapticTide/iOS-DebugProbe/internal/inspector"
	"github.com/HapticTide/iOS-DebugProbe/internal/kernel"
	"github.com/HapticTide/iOS-DebugProbe/internal/logging"
	"github.com/HapticTide/iOS-DebugProbe/internal/plugins/dbplugin"
	"github.com/HapticTide/iOS-DebugProbe/internal/plugins/httpplugin"
	"github.com/HapticTide/iOS-DebugProbe/internal/plugins/logplugin"
	"github.com/HapticTide/iOS-DebugProbe/internal/plugins/pagetimingplugin"
	"github.com/HapticTide/iOS-DebugProbe/internal/plugins/statsplugin"
	"github.com/HapticTide/iOS-DebugProbe/internal/plugins/wsplugin"
)

// bridgeSinkOwner is the Bus.Install owner tag for the agent's own
// capture-to-queue handler, so Stop can Uninstall it the same way a
// plugin's own handlers are removed.
const bridgeSinkOwner = "bridge-sink"

// bridgeSinkKinds is every event.Kind a capture plugin can publish, each of
// which must reach the outbound queue for the Hub to ever see it.
var bridgeSinkKinds = []events.Kind{
	events.KindHTTP,
	events.KindLog,
	events.KindWebSocket,
	events.KindPageTiming,
	events.KindStats,
	events.KindPerformance,
}

// Agent is the host-facing facade: one value per process, constructed once
// at app launch. It owns the kernel, the event bus, the bridge client and
// the outbound queue store, and exposes the handful of operations a host
// app actually calls (start, stop, register a database, open an HTTP
// transport, reconfigure at runtime).
type Agent struct {
	cfg    config.Config
	device deviceinfo.DeviceInfo

	bus    *events.Bus
	kernel *kernel.Kernel
	client *bridge.Client
	store  bridge.QueueStore

	HTTP       *httpplugin.Plugin
	WebSocket  *wsplugin.Plugin
	Log        *logplugin.Plugin
	Database   *dbplugin.Plugin
	PageTiming *pagetimingplugin.Plugin
	Stats      *statsplugin.Plugin

	diagnostics *Diagnostics
	cancel      context.CancelFunc

	prefs         config.PreferencesStore
	sinkInstalled bool
}

// New builds an Agent from a resolved Config and the host's DeviceInfo, but
// does not start anything — call Start to bring the kernel and bridge
// connection up.
func New(cfg config.Config, device deviceinfo.DeviceInfo) (*Agent, error) {
	bus := events.NewBus()
	k := kernel.New(bus)

	a := &Agent{
		cfg:        cfg,
		device:     device,
		bus:        bus,
		kernel:     k,
		HTTP:       httpplugin.New(),
		WebSocket:  wsplugin.New(),
		Log:        logplugin.New(),
		Database:   dbplugin.New(),
		PageTiming: pagetimingplugin.New(),
		Stats:      statsplugin.New(),
	}
	a.Stats.SetInterval(cfg.StatsInterval)

	// The kernel topologically sorts by Dependencies(); none of the
	// built-ins declares any, so start order (and the order GetPluginInfos
	// reports) is registration order, and stats comes last because it is
	// registered last.
	for _, p := range []kernel.Plugin{a.HTTP, a.WebSocket, a.Log, a.Database, a.PageTiming, a.Stats} {
		if err := k.Register(p); err != nil {
			return nil, fmt.Errorf("probe: registering %s: %w", p.ID(), err)
		}
	}

	store, err := newQueueStore(cfg)
	if err != nil {
		return nil, err
	}
	a.store = store

	client := bridge.NewClient(bridge.ClientConfig{
		URL:                fmt.Sprintf("ws://%s:%d/debug-bridge", cfg.HubHost, cfg.HubPort),
		Token:              cfg.Token,
		Device:             device,
		Plugins:            k.AdvertisedPlugins(),
		QueueBatchSize:     cfg.QueueBatchSize,
		QueueFlushInterval: cfg.QueueFlushInterval,
	}, store, k)
	a.client = client

	k.OnCommandResponse(func(resp kernel.CommandResponse) {
		if err := client.SendCommandResponse(resp); err != nil {
			logging.For("probe").Warn().Err(err).Msg("failed to deliver asynchronous command response")
		}
	})
	k.OnBreakpointHit(func(requestID string, payload []byte) {
		if err := client.SendBreakpointHit(requestID, payload); err != nil {
			logging.For("probe").Warn().Err(err).Str("requestId", requestID).Msg("breakpoint_hit delivery failed; developer may resume from a stale suspend")
		}
	})
	client.OnResumeBreakpoint = func(rb bridge.ResumeBreakpointPayload) {
		a.HTTP.ResumeFromBridge(rb.RequestID, rb.Action, rb.ModifiedRequest, rb.ModifiedResponse)
	}

	a.Stats.SetQueueDepthFunc(func() int {
		n, err := store.Depth(context.Background())
		if err != nil {
			return 0
		}
		return n
	})

	return a, nil
}

// Start brings the kernel's plugins up and begins the bridge connect loop
// on its own goroutine. Returns once every plugin has started; the bridge
// connection itself continues asynchronously (it retries with backoff and
// never blocks this call).
func (a *Agent) Start() error {
	a.installBridgeSink()
	if err := a.kernel.StartAll(a.device); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.client.Run(ctx)

	if a.cfg.DiagnosticsPort != 0 {
		a.diagnostics = NewDiagnostics(a, a.cfg.DiagnosticsPort)
		a.diagnostics.Start()
	}
	return nil
}

// Stop tears down the bridge connection and every plugin, in that order so
// in-flight sends have a chance to flush before their source plugin stops
// producing events into a closing bus.
func (a *Agent) Stop() {
	if a.diagnostics != nil {
		a.diagnostics.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.client.Stop()
	a.kernel.StopAll()
	a.bus.Uninstall(bridgeSinkOwner)
	a.sinkInstalled = false
	if err := a.store.Close(); err != nil {
		logging.For("probe").Warn().Err(err).Msg("failed to close outbound queue store")
	}
}

// installBridgeSink wires the one handler that actually feeds the outbound
// queue: every capture plugin publishes onto the bus by Kind, but
// publishing alone never reaches the Hub — something has to serialize the
// event and hand it to the bridge client's durable queue. Without this,
// the bridge's flush loop only ever drains an empty queue.
func (a *Agent) installBridgeSink() {
	if a.sinkInstalled {
		return
	}
	a.sinkInstalled = true
	for _, kind := range bridgeSinkKinds {
		a.bus.Install(bridgeSinkOwner, kind, func(evt any) {
			payload, err := json.Marshal(evt)
			if err != nil {
				logging.For("probe").Warn().Err(err).Msg("failed to marshal event for outbound queue")
				return
			}
			if err := a.client.Enqueue(payload); err != nil {
				logging.For("probe").Warn().Err(err).Msg("failed to enqueue event for the Hub")
			}
		})
	}
}

// RegisterDatabase exposes a host SQLite database to the database plugin.
func (a *Agent) RegisterDatabase(d inspector.Descriptor, keyProvider inspector.KeyProvider) {
	a.Database.RegisterDatabase(d, keyProvider)
}

// SetPluginEnabled toggles one plugin without restarting the agent. When a
// preferences store was attached via UsePreferences, the new state is also
// persisted so it survives the next launch.
func (a *Agent) SetPluginEnabled(id string, enabled bool) error {
	if err := a.kernel.SetPluginEnabled(id, enabled); err != nil {
		return err
	}
	if a.prefs != nil {
		if err := a.prefs.Set(config.PluginEnabledKey(id), strconv.FormatBool(enabled)); err != nil {
			logging.For("probe").Warn().Err(err).Str("plugin", id).Msg("failed to persist plugin enabled flag")
		}
	}
	return nil
}

// UsePreferences attaches the host's preferences store to the agent. It
// recognizes a re-supplied token against whatever hash is already on
// record (logging, not failing, on mismatch — a changed token is a normal
// re-pairing, not an error), persists the current connection settings and
// token hash, and restores any previously-persisted per-plugin enabled
// flags. Call after Start: SetPluginEnabled only acts on a plugin that is
// Running, Paused or Stopped, so a flag restored before StartAll has no
// effect; after it, restoring a disabled flag pauses a plugin StartAll just
// started.
func (a *Agent) UsePreferences(store config.PreferencesStore) error {
	a.prefs = store

	if !config.TokenMatchesStored(store, a.cfg.Token) {
		logging.For("probe").Info().Msg("pairing token changed since last launch; updating stored hash")
	}
	if err := config.PersistToken(store, a.cfg.Token); err != nil {
		return err
	}
	if err := config.SavePreferences(store, a.cfg); err != nil {
		return err
	}

	for _, info := range a.kernel.GetPluginInfos() {
		v, ok := store.Get(config.PluginEnabledKey(info.ID))
		if !ok {
			continue
		}
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			continue
		}
		if err := a.kernel.SetPluginEnabled(info.ID, enabled); err != nil {
			logging.For("probe").Warn().Err(err).Str("plugin", info.ID).Msg("failed to restore persisted plugin enabled flag")
		}
	}
	return nil
}

// Status returns a snapshot used by the diagnostics HTTP endpoint and by
// host UI that wants to show pairing/connection state.
func (a *Agent) Status() Status {
	infos := a.kernel.GetPluginInfos()
	plugins := make([]PluginStatus, 0, len(infos))
	for _, info := range infos {
		plugins = append(plugins, PluginStatus{
			ID:          info.ID,
			DisplayName: info.DisplayName,
			Version:     info.Version,
			State:       string(info.State),
		})
	}
	depth, _ := a.store.Depth(context.Background())
	return Status{
		ConnectionState: string(a.client.State()),
		QueueDepth:      depth,
		QueueDropped:    a.store.DroppedTotal(),
		Plugins:         plugins,
		CheckedAt:       time.Now(),
	}
}

// Status is the JSON shape served by the local diagnostics endpoint.
type Status struct {
	ConnectionState string         `json:"connectionState"`
	QueueDepth      int            `json:"queueDepth"`
	QueueDropped    int64          `json:"queueDropped"`
	Plugins         []PluginStatus `json:"plugins"`
	CheckedAt       time.Time      `json:"checkedAt"`
}

// PluginStatus is one entry of Status.Plugins.
type PluginStatus struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Version     string `json:"version"`
	State       string `json:"state"`
}

func newQueueStore(cfg config.Config) (bridge.QueueStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("probe: creating data dir: %w", err)
	}
	return bridge.NewSQLiteQueueStore(cfg.QueuePath(), cfg.QueueCapacity)
}
