package pagetimingplugin

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/HapticTide/iOS-DebugProbe/internal/events"
	"github.com/HapticTide/iOS-DebugProbe/internal/kernel"
)

func newTestPlugin(t *testing.T) (*Plugin, *[]events.PageTimingEvent) {
	bus := events.NewBus()
	var captured []events.PageTimingEvent
	bus.Install("test", events.KindPageTiming, func(evt any) {
		captured = append(captured, evt.(events.PageTimingEvent))
	})
	p := New()
	require.NoError(t, p.Init(&kernel.Context{Bus: bus}))
	require.NoError(t, p.Start())
	return p, &captured
}

func send(t *testing.T, p *Plugin, commandType string, payload visitPayload) kernel.CommandResponse {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return p.HandleCommand(kernel.Command{PluginID: PluginID, CommandID: "c1", CommandType: commandType, Payload: body})
}

func TestFullVisitLifecycleEmitsOneEvent(t *testing.T) {
	p, captured := newTestPlugin(t)
	require.True(t, send(t, p, "mark_page_start", visitPayload{VisitID: "v1", PageID: "p1", PageName: "Home"}).Success)
	require.True(t, send(t, p, "mark_page_first_layout", visitPayload{VisitID: "v1"}).Success)
	require.True(t, send(t, p, "mark_page_appear", visitPayload{VisitID: "v1"}).Success)
	require.True(t, send(t, p, "add_marker", visitPayload{VisitID: "v1", Name: "loaded"}).Success)
	require.True(t, send(t, p, "mark_page_end", visitPayload{VisitID: "v1"}).Success)
	require.Len(t, *captured, 1)
	require.Equal(t, []string{"loaded"}, (*captured)[0].Markers)
}

func TestMissingVisitIDFails(t *testing.T) {
	p, _ := newTestPlugin(t)
	resp := send(t, p, "mark_page_start", visitPayload{PageID: "p1"})
	require.False(t, resp.Success)
}
