// Package kernel implements the plugin lifecycle container: registration,
// dependency-ordered start/stop, state machine transitions, and command
// routing.
package kernel

import (
	"github.com/HapticTide/iOS-DebugProbe/internal/deviceinfo"
	"github.com/HapticTide/iOS-DebugProbe/internal/events"
)

// State is a plugin's position in its lifecycle state machine.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateStopped       State = "stopped"
	StateStarting      State = "starting"
	StateRunning       State = "running"
	StatePaused        State = "paused"
	StateStopping      State = "stopping"
	StateError         State = "error"
)

// Command is one inbound plugin_command frame routed to a plugin.
type Command struct {
	PluginID    string
	CommandID   string
	CommandType string
	Payload     []byte
}

// CommandResponse is what a plugin hands back for a routed Command; the
// bridge serializes it as a plugin_command_response frame with the same
// CommandID.
type CommandResponse struct {
	PluginID     string
	CommandID    string
	Success      bool
	Payload      []byte
	ErrorMessage string
}

// Context is handed to every plugin at Init. It carries the immutable
// device record, a per-plugin key-value config cell, and the two one-way
// emitters a plugin uses to talk back out: events and command responses.
// Its lifetime equals the kernel's running lifetime.
type Context struct {
	Device  deviceinfo.DeviceInfo
	Bus     *events.Bus
	Config  map[string][]byte
	emitCmd func(CommandResponse)
	emitBP  func(requestID string, payload []byte)
}

// EmitEvent publishes evt under kind through the shared bus, equivalent to
// a plugin handing an artifact downstream.
func (c *Context) EmitEvent(kind events.Kind, evt any) {
	c.Bus.Publish(kind, evt)
}

// EmitCommandResponse hands resp back to the kernel's command router /
// bridge without the plugin needing a direct reference to either.
func (c *Context) EmitCommandResponse(resp CommandResponse) {
	if c.emitCmd != nil {
		c.emitCmd(resp)
	}
}

// EmitBreakpointHit forwards a matched breakpoint's snapshot to the bridge
// as a breakpoint_hit frame, without the plugin needing a direct reference
// to the bridge client.
func (c *Context) EmitBreakpointHit(requestID string, payload []byte) {
	if c.emitBP != nil {
		c.emitBP(requestID, payload)
	}
}

// Plugin is the interface every capture/intervention module implements.
// Id must be unique within a Kernel; Dependencies names other plugin ids
// that must be started first.
type Plugin interface {
	ID() string
	DisplayName() string
	Version() string
	Dependencies() []string

	// Init is called once, before the first Start, with the shared
	// Context. Implementations install their EventBus handlers here.
	Init(ctx *Context) error
	// Start transitions the plugin into Running. Called after Init, and
	// again (without a second Init) when SetPluginEnabled re-enables a
	// Stopped plugin; a Paused plugin is brought back with Resume instead.
	Start() error
	// Stop transitions the plugin into Stopped, removing its EventBus
	// handlers. Errors are logged, not propagated (best-effort teardown).
	Stop() error
	// Pause suspends processing without tearing down EventBus handlers.
	Pause() error
	// Resume reverses Pause.
	Resume() error

	// HandleCommand processes a routed Command and returns the response
	// to emit. Plugins that accept no commands still implement the
	// baseline {enable, disable, get_status} verbs via BasePlugin.
	HandleCommand(cmd Command) CommandResponse
}

// Info is the public snapshot returned by Kernel.GetPluginInfos.
type Info struct {
	ID           string
	DisplayName  string
	Version      string
	State        State
	Dependencies []string
}
