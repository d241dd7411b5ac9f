package kernel

import (
	"sync"

	"github.com/HapticTide/iOS-DebugProbe/internal/apierr"
	"github.com/HapticTide/iOS-DebugProbe/internal/deviceinfo"
	"github.com/HapticTide/iOS-DebugProbe/internal/events"
	"github.com/HapticTide/iOS-DebugProbe/internal/logging"
)

// entry bundles a registered plugin with its kernel-owned state and a
// dedicated mutex that serializes that single plugin's lifecycle verbs, per
// §4.1's "per-plugin queue" thread-safety rule.
type entry struct {
	plugin Plugin
	mu     sync.Mutex
	state  State
}

// Kernel is the dependency-ordered, state-machined plugin container. The
// registry map and registration-order slice are guarded by mu; each
// plugin's own lifecycle transitions are additionally serialized by its
// entry's own mutex, so two starts of different plugins can proceed
// concurrently while two starts of the *same* plugin cannot overlap.
type Kernel struct {
	mu          sync.Mutex
	registry    map[string]*entry
	regOrder    []string
	started     bool
	startOrder  []string

	bus    *events.Bus
	device deviceinfo.DeviceInfo

	onCommandResponse func(CommandResponse)
	onBreakpointHit   func(requestID string, payload []byte)
}

// New constructs an empty Kernel sharing the given event bus.
func New(bus *events.Bus) *Kernel {
	return &Kernel{
		registry: make(map[string]*entry),
		bus:      bus,
	}
}

// OnCommandResponse sets the sink every plugin's CommandResponse is handed
// to (normally the bridge). Must be called before StartAll.
func (k *Kernel) OnCommandResponse(fn func(CommandResponse)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.onCommandResponse = fn
}

// OnBreakpointHit sets the sink every plugin's breakpoint_hit notification
// is handed to (normally the bridge). Must be called before StartAll.
func (k *Kernel) OnBreakpointHit(fn func(requestID string, payload []byte)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.onBreakpointHit = fn
}

// Register adds plugin to the kernel. Legal only before StartAll.
func (k *Kernel) Register(plugin Plugin) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		return apierr.InvalidConfiguration("cannot register a plugin after start_all")
	}
	id := plugin.ID()
	if _, exists := k.registry[id]; exists {
		return apierr.DuplicatePluginId(id)
	}
	k.registry[id] = &entry{plugin: plugin, state: StateUninitialized}
	k.regOrder = append(k.regOrder, id)
	return nil
}

// pluginsSnapshot returns a plain id→Plugin map for the order computation,
// called with mu held.
func (k *Kernel) pluginsSnapshot() map[string]Plugin {
	out := make(map[string]Plugin, len(k.registry))
	for id, e := range k.registry {
		out[id] = e.plugin
	}
	return out
}

// StartAll computes the dependency order and sequentially Init+Start every
// plugin. Fails fast on the first error, leaving already-started plugins
// running. A second call while already started is a no-op.
func (k *Kernel) StartAll(device deviceinfo.DeviceInfo) error {
	k.mu.Lock()
	if k.started {
		logging.For("kernel").Warn().Msg("start_all called while already running; ignoring")
		k.mu.Unlock()
		return nil
	}
	order, err := startOrder(k.pluginsSnapshot(), k.regOrder)
	if err != nil {
		k.mu.Unlock()
		return err
	}
	k.device = device
	k.startOrder = order
	entries := make([]*entry, len(order))
	for i, id := range order {
		entries[i] = k.registry[id]
	}
	onResp := k.onCommandResponse
	onBP := k.onBreakpointHit
	bus := k.bus
	k.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		ctx := &Context{
			Device:  device,
			Bus:     bus,
			Config:  make(map[string][]byte),
			emitCmd: onResp,
			emitBP:  onBP,
		}
		e.state = StateStarting
		if err := e.plugin.Init(ctx); err != nil {
			e.state = StateError
			e.mu.Unlock()
			return apierr.StartFailed(e.plugin.ID(), err)
		}
		if err := e.plugin.Start(); err != nil {
			e.state = StateError
			e.mu.Unlock()
			return apierr.StartFailed(e.plugin.ID(), err)
		}
		e.state = StateRunning
		e.mu.Unlock()
	}

	k.mu.Lock()
	k.started = true
	k.mu.Unlock()
	return nil
}

// StopAll stops every plugin in reverse start order, swallowing per-plugin
// errors (best-effort teardown), then clears the started flag.
func (k *Kernel) StopAll() {
	k.mu.Lock()
	order := reverse(k.startOrder)
	entries := make([]*entry, 0, len(order))
	for _, id := range order {
		entries = append(entries, k.registry[id])
	}
	k.mu.Unlock()

	log := logging.For("kernel")
	for _, e := range entries {
		e.mu.Lock()
		if e.state == StateRunning || e.state == StatePaused || e.state == StateStarting {
			e.state = StateStopping
			if err := e.plugin.Stop(); err != nil {
				log.Warn().Str("plugin", e.plugin.ID()).Err(err).Msg("plugin stop returned an error; continuing teardown")
			}
		}
		e.state = StateStopped
		e.mu.Unlock()
	}

	k.mu.Lock()
	k.started = false
	k.mu.Unlock()
}

// PauseAll pauses every running plugin, forward start order.
func (k *Kernel) PauseAll() {
	k.mu.Lock()
	order := append([]string(nil), k.startOrder...)
	k.mu.Unlock()

	for _, id := range order {
		e := k.registry[id]
		e.mu.Lock()
		if e.state == StateRunning {
			if err := e.plugin.Pause(); err == nil {
				e.state = StatePaused
			}
		}
		e.mu.Unlock()
	}
}

// ResumeAll resumes every paused plugin, forward start order.
func (k *Kernel) ResumeAll() {
	k.mu.Lock()
	order := append([]string(nil), k.startOrder...)
	k.mu.Unlock()

	for _, id := range order {
		e := k.registry[id]
		e.mu.Lock()
		if e.state == StatePaused {
			if err := e.plugin.Resume(); err == nil {
				e.state = StateRunning
			}
		}
		e.mu.Unlock()
	}
}

// SetPluginEnabled toggles a single plugin: enabling resumes from paused or
// starts from stopped; disabling pauses a running plugin. It never drives a
// plugin to Stopped, so its configuration (rules, etc.) survives the
// toggle — that's a separate, host-persisted preference.
func (k *Kernel) SetPluginEnabled(id string, enabled bool) error {
	k.mu.Lock()
	e, ok := k.registry[id]
	k.mu.Unlock()
	if !ok {
		return apierr.PluginNotFound(id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if enabled {
		switch e.state {
		case StatePaused:
			if err := e.plugin.Resume(); err != nil {
				return err
			}
			e.state = StateRunning
		case StateStopped:
			if err := e.plugin.Start(); err != nil {
				e.state = StateError
				return apierr.StartFailed(id, err)
			}
			e.state = StateRunning
		}
		return nil
	}
	if e.state == StateRunning {
		if err := e.plugin.Pause(); err != nil {
			return err
		}
		e.state = StatePaused
	}
	return nil
}

// RouteCommand dispatches cmd to the plugin named by cmd.PluginID.
func (k *Kernel) RouteCommand(cmd Command) CommandResponse {
	k.mu.Lock()
	e, ok := k.registry[cmd.PluginID]
	k.mu.Unlock()
	if !ok {
		return CommandResponse{
			PluginID:     cmd.PluginID,
			CommandID:    cmd.CommandID,
			Success:      false,
			ErrorMessage: apierr.PluginNotFound(cmd.PluginID).Error(),
		}
	}
	return e.plugin.HandleCommand(cmd)
}

// GetPluginInfos snapshots every registered plugin's public state.
func (k *Kernel) GetPluginInfos() []Info {
	k.mu.Lock()
	defer k.mu.Unlock()
	infos := make([]Info, 0, len(k.regOrder))
	for _, id := range k.regOrder {
		e := k.registry[id]
		e.mu.Lock()
		infos = append(infos, Info{
			ID:           e.plugin.ID(),
			DisplayName:  e.plugin.DisplayName(),
			Version:      e.plugin.Version(),
			State:        e.state,
			Dependencies: e.plugin.Dependencies(),
		})
		e.mu.Unlock()
	}
	return infos
}

// AdvertisedPlugins renders the id/displayName/version triples sent during
// bridge registration, in registration order.
func (k *Kernel) AdvertisedPlugins() []deviceinfo.PluginSummary {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]deviceinfo.PluginSummary, 0, len(k.regOrder))
	for _, id := range k.regOrder {
		e := k.registry[id]
		out = append(out, deviceinfo.PluginSummary{
			ID:          e.plugin.ID(),
			DisplayName: e.plugin.DisplayName(),
			Version:     e.plugin.Version(),
		})
	}
	return out
}
