package bridge

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/HapticTide/iOS-DebugProbe/internal/deviceinfo"
	"github.com/HapticTide/iOS-DebugProbe/internal/kernel"
)

// fakeHub is a minimal gin+gorilla/websocket server standing in for the
// Hub, used only to exercise the bridge client's registration and batch
// flush behavior end to end.
type fakeHub struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	received chan EventsBatchPayload
}

func newFakeHub(t *testing.T) *fakeHub {
	gin.SetMode(gin.TestMode)
	h := &fakeHub{received: make(chan EventsBatchPayload, 16)}
	r := gin.New()
	r.GET("/debug-bridge", func(c *gin.Context) {
		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		require.NoError(t, err)
		defer conn.Close()

		var reg Frame
		if err := conn.ReadJSON(&reg); err != nil {
			return
		}
		ackFrame, _ := encode(FrameRegisterAck, struct{}{})
		if err := conn.WriteJSON(ackFrame); err != nil {
			return
		}

		for {
			var frame Frame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Type == FrameEventsBatch {
				var batch EventsBatchPayload
				json.Unmarshal(frame.Payload, &batch)
				h.received <- batch
				ack, _ := encode(FrameEventsAck, EventsAckPayload{BatchID: batch.BatchID})
				conn.WriteJSON(ack)
			}
		}
	})
	h.srv = httptest.NewServer(r)
	return h
}

func (h *fakeHub) wsURL() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/debug-bridge"
}

func (h *fakeHub) Close() { h.srv.Close() }

type noopRouter struct{}

func (noopRouter) RouteCommand(cmd kernel.Command) kernel.CommandResponse {
	return kernel.CommandResponse{PluginID: cmd.PluginID, CommandID: cmd.CommandID, Success: true}
}

func TestClientRegistersAndFlushesQueuedEvents(t *testing.T) {
	hub := newFakeHub(t)
	defer hub.Close()

	store, err := NewSQLiteQueueStore(":memory:", 100)
	require.NoError(t, err)
	defer store.Close()
	_, err = store.Enqueue(context.Background(), []byte(`{"hello":"world"}`))
	require.NoError(t, err)

	client := NewClient(ClientConfig{
		URL:                hub.wsURL(),
		Device:             deviceinfo.DeviceInfo{DeviceID: "d1"},
		QueueBatchSize:      20,
		QueueFlushInterval:  20 * time.Millisecond,
	}, store, noopRouter{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	select {
	case batch := <-hub.received:
		require.Len(t, batch.Events, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("hub never received an events_batch frame")
	}

	require.Eventually(t, func() bool {
		return client.State() == StateRegistered
	}, time.Second, 10*time.Millisecond)
}
