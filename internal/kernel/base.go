package kernel

import "encoding/json"

// BasePlugin supplies the baseline enable/disable/get_status command
// handling every plugin must accept, and default no-op lifecycle hooks
// for plugins that don't need one of the verbs. Embed it and override what
// differs, following the same embeddable-defaults convention the kernel's
// concrete plugins use throughout.
type BasePlugin struct {
	Enabled bool
}

// HandleBaseCommand answers {enable, disable, get_status}; returns ok=false
// when cmd.CommandType is none of those, so the embedding plugin can fall
// through to its own handling.
func (b *BasePlugin) HandleBaseCommand(cmd Command, state State) (CommandResponse, bool) {
	switch cmd.CommandType {
	case "enable":
		b.Enabled = true
		return CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: true}, true
	case "disable":
		b.Enabled = false
		return CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: true}, true
	case "get_status":
		payload, _ := json.Marshal(map[string]any{"enabled": b.Enabled, "state": state})
		return CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: true, Payload: payload}, true
	default:
		return CommandResponse{}, false
	}
}

// Pause is the default no-op Pause implementation.
func (b *BasePlugin) Pause() error { return nil }

// Resume is the default no-op Resume implementation.
func (b *BasePlugin) Resume() error { return nil }
