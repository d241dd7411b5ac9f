package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/HapticTide/iOS-DebugProbe/internal/deviceinfo"
	"github.com/HapticTide/iOS-DebugProbe/internal/kernel"
	"github.com/HapticTide/iOS-DebugProbe/internal/logging"
)

// sdkVersion is advertised in every registration handshake.
const sdkVersion = "1.0.0"

// ClientConfig configures one Client instance.
type ClientConfig struct {
	URL                string // e.g. ws://127.0.0.1:9527/debug-bridge
	Token              string
	Device             deviceinfo.DeviceInfo
	Plugins            []deviceinfo.PluginSummary
	QueueBatchSize     int
	QueueFlushInterval time.Duration
}

// Client maintains the single duplex connection to the Hub described by
// §4.4: the state machine, registration, outbound queue, reconnect
// backoff, and inbound command dispatch.
type Client struct {
	cfg          ClientConfig
	appSessionID string

	sm      *StateMachine
	backoff *Backoff
	store   QueueStore
	dispatcher *Dispatcher

	mu       sync.Mutex
	conn     *websocket.Conn
	stopOnce sync.Once
	stopCh   chan struct{}

	// OnResumeBreakpoint, when set, is invoked for every resume_breakpoint
	// frame received. Wired by the agent facade to the breakpoint rule
	// engine's waiter table.
	OnResumeBreakpoint func(ResumeBreakpointPayload)
}

// NewClient constructs a Client. store is the QueueStore backing at-least-
// once delivery; router dispatches inbound plugin_command frames to the
// kernel.
func NewClient(cfg ClientConfig, store QueueStore, router Router) *Client {
	if cfg.QueueBatchSize <= 0 {
		cfg.QueueBatchSize = 20
	}
	if cfg.QueueFlushInterval <= 0 {
		cfg.QueueFlushInterval = 200 * time.Millisecond
	}
	return &Client{
		cfg:          cfg,
		appSessionID: uuid.NewString(),
		sm:           NewStateMachine(),
		backoff:      NewBackoff(),
		store:        store,
		dispatcher:   NewDispatcher(router, 4),
		stopCh:       make(chan struct{}),
	}
}

// State returns the current connection state, used by the diagnostics
// endpoint and tests.
func (c *Client) State() ConnState { return c.sm.Current() }

// OnTransition exposes the underlying state machine's subscription hook.
func (c *Client) OnTransition(fn func(from, to ConnState)) { c.sm.OnTransition(fn) }

// Run drives the connect/register/flush/reconnect loop until ctx is
// cancelled or Stop is called. Intended to run on its own goroutine — the
// single worker executing bridge I/O and its reconnect timer per §5.
func (c *Client) Run(ctx context.Context) {
	c.dispatcher.Start()
	defer c.dispatcher.Stop()

	c.sm.Fire("start")
	for {
		select {
		case <-ctx.Done():
			c.teardown()
			return
		case <-c.stopCh:
			c.teardown()
			return
		default:
		}

		if err := c.connectAndServe(ctx); err != nil {
			logging.For("bridge").Warn().Err(err).Msg("bridge connection attempt failed")
			c.sm.Fire("socket-error")
		}

		delay := c.backoff.Next()
		select {
		case <-time.After(delay):
			// A dropped registered connection lands in Disconnected, where
			// backoff-elapsed is not a legal move; start re-enters Connecting.
			if _, ok := c.sm.Fire("backoff-elapsed"); !ok {
				c.sm.Fire("start")
			}
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		}
	}
}

// Stop tears down the connection and ends Run's loop.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Client) teardown() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.sm.Fire("stop")
}

// connectAndServe dials, registers, and serves a single connection's
// lifetime: a reader goroutine for inbound frames and a flush loop for the
// outbound queue, both torn down together on any failure.
func (c *Client) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("bridge: dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.sm.Fire("socket-open")

	if err := c.register(conn); err != nil {
		conn.Close()
		return err
	}
	c.backoff.Reset()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go c.readLoop(connCtx, conn, errCh)
	go c.flushLoop(connCtx, conn, errCh)

	select {
	case err := <-errCh:
		conn.Close()
		c.sm.Fire("socket-closed")
		return err
	case <-connCtx.Done():
		conn.Close()
		return nil
	}
}

func (c *Client) register(conn *websocket.Conn) error {
	frame, err := encode(FrameRegisterDevice, RegisterDevicePayload{
		DeviceInfo:   c.cfg.Device,
		Token:        c.cfg.Token,
		AppSessionID: c.appSessionID,
		SDKVersion:   sdkVersion,
		Plugins:      c.cfg.Plugins,
	})
	if err != nil {
		return fmt.Errorf("bridge: encoding register_device: %w", err)
	}
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("bridge: sending register_device: %w", err)
	}

	var resp Frame
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("bridge: reading registration reply: %w", err)
	}
	switch resp.Type {
	case FrameRegisterAck:
		c.sm.Fire("register-accepted")
		return nil
	case FrameRegisterReject:
		var reject RegisterRejectPayload
		_ = json.Unmarshal(resp.Payload, &reject)
		c.sm.Fire("register-rejected")
		return fmt.Errorf("bridge: registration rejected: %s", reject.Reason)
	default:
		c.sm.Fire("register-rejected")
		return fmt.Errorf("bridge: unexpected registration reply type %q", resp.Type)
	}
}

// readLoop handles inbound plugin_command / resume_breakpoint frames.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, errCh chan<- error) {
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			select {
			case errCh <- fmt.Errorf("bridge: read: %w", err):
			default:
			}
			return
		}

		switch frame.Type {
		case FramePluginCommand:
			var cmd PluginCommandPayload
			if err := json.Unmarshal(frame.Payload, &cmd); err != nil {
				continue
			}
			go c.handleCommand(conn, cmd)
		case FrameEventsAck:
			var ack EventsAckPayload
			if err := json.Unmarshal(frame.Payload, &ack); err == nil {
				c.ackBatch(ack.BatchID)
			}
		case FrameResumeBreakpoint:
			if c.OnResumeBreakpoint != nil {
				var rb ResumeBreakpointPayload
				if err := json.Unmarshal(frame.Payload, &rb); err == nil {
					c.OnResumeBreakpoint(rb)
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (c *Client) handleCommand(conn *websocket.Conn, cmd PluginCommandPayload) {
	resp := c.dispatcher.Dispatch(kernel.Command{
		PluginID:    cmd.PluginID,
		CommandID:   cmd.CommandID,
		CommandType: cmd.CommandType,
		Payload:     cmd.Payload,
	})
	frame, err := encode(FramePluginCommandResp, PluginCommandResponsePayload{
		PluginID:     resp.PluginID,
		CommandID:    resp.CommandID,
		Success:      resp.Success,
		Payload:      resp.Payload,
		ErrorMessage: resp.ErrorMessage,
	})
	if err != nil {
		return
	}
	c.writeJSON(conn, frame)
}

// batchMemo maps every sent, not yet acked batchId to the highest Seq in
// that batch, so EventsAck can purge the queue through that Seq.
var batchMemo sync.Map

func (c *Client) ackBatch(batchID string) {
	v, ok := batchMemo.Load(batchID)
	if !ok {
		return
	}
	batchMemo.Delete(batchID)
	through := v.(int64)
	if err := c.store.Ack(context.Background(), through); err != nil {
		logging.For("bridge").Warn().Err(err).Msg("failed to ack delivered batch")
	}
}

// flushLoop sends at most one batch, of up to QueueBatchSize of the oldest
// queued events, each time QueueFlushInterval elapses. Only the ticker
// triggers a flush; events accumulating in the queue do not trigger an
// earlier one.
func (c *Client) flushLoop(ctx context.Context, conn *websocket.Conn, errCh chan<- error) {
	ticker := time.NewTicker(c.cfg.QueueFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.flushOnce(ctx, conn); err != nil {
				select {
				case errCh <- err:
				default:
				}
				return
			}
		}
	}
}

func (c *Client) flushOnce(ctx context.Context, conn *websocket.Conn) error {
	entries, err := c.store.Oldest(ctx, c.cfg.QueueBatchSize)
	if err != nil || len(entries) == 0 {
		return err
	}

	batchID := uuid.NewString()
	raw := make([]json.RawMessage, len(entries))
	var maxSeq int64
	for i, e := range entries {
		raw[i] = json.RawMessage(e.Payload)
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}
	batchMemo.Store(batchID, maxSeq)

	frame, err := encode(FrameEventsBatch, EventsBatchPayload{BatchID: batchID, Events: raw})
	if err != nil {
		return fmt.Errorf("bridge: encoding events_batch: %w", err)
	}
	return c.writeJSON(conn, frame)
}

func (c *Client) writeJSON(conn *websocket.Conn, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("bridge: write: %w", err)
	}
	return nil
}

// Enqueue appends a serialized event to the outbound queue. Called by the
// agent facade every time the EventBus publishes something bridge-bound.
func (c *Client) Enqueue(payload []byte) error {
	_, err := c.store.Enqueue(context.Background(), payload)
	return err
}

// SendBreakpointHit writes a breakpoint_hit frame on the live connection,
// if any. Unlike outbound events, breakpoint hits are not queued: a
// developer suspended on a breakpoint is, by construction, only useful
// while the Hub is actually connected to resolve it.
func (c *Client) SendBreakpointHit(requestID string, request json.RawMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("bridge: cannot send breakpoint_hit while disconnected")
	}
	frame, err := encode(FrameBreakpointHit, BreakpointHitPayload{RequestID: requestID, Request: request})
	if err != nil {
		return fmt.Errorf("bridge: encoding breakpoint_hit: %w", err)
	}
	return c.writeJSON(conn, frame)
}

// SendCommandResponse writes a plugin_command_response frame directly on
// the live connection. The synchronous request/response path (handleCommand)
// never calls this; it exists for the kernel's asynchronous
// OnCommandResponse hook, for a plugin whose answer to a routed command
// isn't ready by the time its HandleCommand call returns.
func (c *Client) SendCommandResponse(resp kernel.CommandResponse) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("bridge: cannot send plugin_command_response while disconnected")
	}
	frame, err := encode(FramePluginCommandResp, PluginCommandResponsePayload{
		PluginID:     resp.PluginID,
		CommandID:    resp.CommandID,
		Success:      resp.Success,
		Payload:      resp.Payload,
		ErrorMessage: resp.ErrorMessage,
	})
	if err != nil {
		return fmt.Errorf("bridge: encoding plugin_command_response: %w", err)
	}
	return c.writeJSON(conn, frame)
}
