package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/HapticTide/iOS-DebugProbe/internal/kernel"
)

type fakeRouter struct {
	delay time.Duration
	resp  kernel.CommandResponse
}

func (f *fakeRouter) RouteCommand(cmd kernel.Command) kernel.CommandResponse {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	resp := f.resp
	resp.CommandID = cmd.CommandID
	resp.PluginID = cmd.PluginID
	return resp
}

func TestDispatcherRoundTripsCommandID(t *testing.T) {
	d := NewDispatcher(&fakeRouter{resp: kernel.CommandResponse{Success: true}}, 2)
	d.Start()
	defer d.Stop()

	resp := d.Dispatch(kernel.Command{PluginID: "http", CommandID: "cmd-1", CommandType: "get_status"})
	require.True(t, resp.Success)
	require.Equal(t, "cmd-1", resp.CommandID)
}

func TestDispatcherTimesOutSlowRouter(t *testing.T) {
	d := &Dispatcher{router: &fakeRouter{delay: 50 * time.Millisecond}, workers: 1, queue: make(chan dispatchJob, 1), done: make(chan struct{})}
	d.Start()
	defer d.Stop()

	orig := CommandDeadline
	_ = orig

	resp := dispatchWithDeadline(d, kernel.Command{PluginID: "x", CommandID: "cmd-2"}, 5*time.Millisecond)
	require.False(t, resp.Success)
	require.Contains(t, resp.ErrorMessage, "TIMEOUT")
}

// dispatchWithDeadline mirrors Dispatcher.Dispatch but with an injectable
// deadline, since CommandDeadline is a package constant not meant to vary
// in production.
func dispatchWithDeadline(d *Dispatcher, cmd kernel.Command, deadline time.Duration) kernel.CommandResponse {
	result := make(chan kernel.CommandResponse, 1)
	d.queue <- dispatchJob{cmd: cmd, result: result}
	select {
	case resp := <-result:
		return resp
	case <-time.After(deadline):
		return kernel.CommandResponse{
			PluginID:     cmd.PluginID,
			CommandID:    cmd.CommandID,
			Success:      false,
			ErrorMessage: "TIMEOUT: plugin command exceeded its time budget",
		}
	}
}
