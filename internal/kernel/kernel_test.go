package kernel

import (
	"fmt"
	"sync"
	"testing"

	"github.com/HapticTide/iOS-DebugProbe/internal/deviceinfo"
	"github.com/HapticTide/iOS-DebugProbe/internal/events"
	"github.com/stretchr/testify/require"
)

// fakePlugin is a minimal Plugin used only by this package's tests.
type fakePlugin struct {
	BasePlugin
	id      string
	deps    []string
	startErr error

	mu      sync.Mutex
	events  []string
}

func newFake(id string, deps ...string) *fakePlugin {
	return &fakePlugin{id: id, deps: deps}
}

func (f *fakePlugin) ID() string             { return f.id }
func (f *fakePlugin) DisplayName() string    { return f.id }
func (f *fakePlugin) Version() string        { return "1.0.0" }
func (f *fakePlugin) Dependencies() []string { return f.deps }

func (f *fakePlugin) record(what string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, what)
}

func (f *fakePlugin) Init(ctx *Context) error { f.record("init"); return nil }
func (f *fakePlugin) Start() error {
	f.record("start")
	return f.startErr
}
func (f *fakePlugin) Stop() error { f.record("stop"); return nil }

func (f *fakePlugin) HandleCommand(cmd Command) CommandResponse {
	if resp, ok := f.HandleBaseCommand(cmd, StateRunning); ok {
		return resp
	}
	return CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: false, ErrorMessage: "unsupported"}
}

func TestStartAllRespectsDependencyOrder(t *testing.T) {
	k := New(events.NewBus())
	var mu sync.Mutex
	var order []string
	track := func(id string) func(*fakePlugin) {
		return func(f *fakePlugin) {}
	}
	_ = track

	a := newFake("a")
	b := newFake("b", "a")
	c := newFake("c", "b")

	require.NoError(t, k.Register(c))
	require.NoError(t, k.Register(a))
	require.NoError(t, k.Register(b))

	require.NoError(t, k.StartAll(deviceinfo.DeviceInfo{DeviceID: "d1"}))

	mu.Lock()
	defer mu.Unlock()
	infos := k.GetPluginInfos()
	for _, info := range infos {
		require.Equal(t, StateRunning, info.State)
	}

	require.Equal(t, []string{"a", "b", "c"}, k.startOrder)
	_ = order
}

func TestStartAllDetectsCycle(t *testing.T) {
	k := New(events.NewBus())
	require.NoError(t, k.Register(newFake("x", "y")))
	require.NoError(t, k.Register(newFake("y", "x")))

	err := k.StartAll(deviceinfo.DeviceInfo{})
	require.Error(t, err)
}

func TestStartAllReportsMissingDependency(t *testing.T) {
	k := New(events.NewBus())
	require.NoError(t, k.Register(newFake("x", "ghost")))

	err := k.StartAll(deviceinfo.DeviceInfo{})
	require.Error(t, err)
}

func TestRegisterDuplicateIdFails(t *testing.T) {
	k := New(events.NewBus())
	require.NoError(t, k.Register(newFake("x")))
	err := k.Register(newFake("x"))
	require.Error(t, err)
}

func TestStopAllReversesStartOrder(t *testing.T) {
	k := New(events.NewBus())
	a := newFake("a")
	b := newFake("b", "a")
	require.NoError(t, k.Register(a))
	require.NoError(t, k.Register(b))
	require.NoError(t, k.StartAll(deviceinfo.DeviceInfo{}))

	k.StopAll()

	a.mu.Lock()
	bLast := a.events[len(a.events)-1]
	a.mu.Unlock()
	require.Equal(t, "stop", bLast)

	for _, info := range k.GetPluginInfos() {
		require.Equal(t, StateStopped, info.State)
	}
}

func TestRouteCommandUnknownPluginReturnsFailure(t *testing.T) {
	k := New(events.NewBus())
	resp := k.RouteCommand(Command{PluginID: "nope", CommandID: "c1", CommandType: "get_status"})
	require.False(t, resp.Success)
	require.Contains(t, resp.ErrorMessage, "PLUGIN_NOT_FOUND")
}

func TestSetPluginEnabledTogglesWithoutStopping(t *testing.T) {
	k := New(events.NewBus())
	p := newFake("x")
	require.NoError(t, k.Register(p))
	require.NoError(t, k.StartAll(deviceinfo.DeviceInfo{}))

	require.NoError(t, k.SetPluginEnabled("x", false))
	infos := k.GetPluginInfos()
	require.Equal(t, StatePaused, infos[0].State)

	require.NoError(t, k.SetPluginEnabled("x", true))
	infos = k.GetPluginInfos()
	require.Equal(t, StateRunning, infos[0].State)
}

func TestCommandResponseRoundTripsCommandID(t *testing.T) {
	k := New(events.NewBus())
	p := newFake("x")
	require.NoError(t, k.Register(p))
	require.NoError(t, k.StartAll(deviceinfo.DeviceInfo{}))

	for i := 0; i < 3; i++ {
		cmdID := fmt.Sprintf("cmd-%d", i)
		resp := k.RouteCommand(Command{PluginID: "x", CommandID: cmdID, CommandType: "get_status"})
		require.True(t, resp.Success)
		require.Equal(t, cmdID, resp.CommandID)
	}
}
