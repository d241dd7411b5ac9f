package bridge

import (
	"time"

	"github.com/HapticTide/iOS-DebugProbe/internal/apierr"
	"github.com/HapticTide/iOS-DebugProbe/internal/kernel"
	"github.com/HapticTide/iOS-DebugProbe/internal/logging"
)

// CommandDeadline is the implicit response deadline §5 imposes on every
// Hub-initiated command; an absent response past this surfaces as Timeout.
const CommandDeadline = 30 * time.Second

// Router is whatever can route a kernel.Command to a plugin and produce a
// response; satisfied by *kernel.Kernel.
type Router interface {
	RouteCommand(cmd kernel.Command) kernel.CommandResponse
}

// Dispatcher wraps a Router with the command lifecycle the command
// dispatcher pattern elsewhere in this codebase follows: queue, worker
// pool, per-command deadline enforcement. Unlike a cross-process command
// queue, the router call here is in-process and normally fast; the worker
// pool mainly exists to bound how many commands execute concurrently and
// to enforce the 30s deadline uniformly.
type Dispatcher struct {
	router  Router
	workers int
	queue   chan dispatchJob
	done    chan struct{}
}

type dispatchJob struct {
	cmd    kernel.Command
	result chan<- kernel.CommandResponse
}

// NewDispatcher constructs a Dispatcher with the given worker count
// (matching the teacher's default-10-workers convention for command
// dispatch, sized down here since in-process routing is cheap).
func NewDispatcher(router Router, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	return &Dispatcher{
		router:  router,
		workers: workers,
		queue:   make(chan dispatchJob, 256),
		done:    make(chan struct{}),
	}
}

// Start launches the worker pool. Call once.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		go d.worker()
	}
}

// Stop halts the worker pool.
func (d *Dispatcher) Stop() { close(d.done) }

func (d *Dispatcher) worker() {
	for {
		select {
		case job := <-d.queue:
			job.result <- d.router.RouteCommand(job.cmd)
		case <-d.done:
			return
		}
	}
}

// Dispatch routes cmd and returns its response, or a synthesized Timeout
// response if the router doesn't answer within CommandDeadline.
func (d *Dispatcher) Dispatch(cmd kernel.Command) kernel.CommandResponse {
	result := make(chan kernel.CommandResponse, 1)
	select {
	case d.queue <- dispatchJob{cmd: cmd, result: result}:
	default:
		return kernel.CommandResponse{
			PluginID:     cmd.PluginID,
			CommandID:    cmd.CommandID,
			Success:      false,
			ErrorMessage: apierr.Internal(nil).Error(),
		}
	}

	select {
	case resp := <-result:
		return resp
	case <-time.After(CommandDeadline):
		logging.For("bridge").Warn().
			Str("pluginId", cmd.PluginID).
			Str("commandId", cmd.CommandID).
			Msg("command exceeded its response deadline")
		return kernel.CommandResponse{
			PluginID:     cmd.PluginID,
			CommandID:    cmd.CommandID,
			Success:      false,
			ErrorMessage: apierr.Timeout("plugin command").Error(),
		}
	}
}
