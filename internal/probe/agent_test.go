package probe

import (
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/HapticTide/iOS-DebugProbe/internal/bridge"
	"github.com/HapticTide/iOS-DebugProbe/internal/config"
	"github.com/HapticTide/iOS-DebugProbe/internal/deviceinfo"
	"github.com/HapticTide/iOS-DebugProbe/internal/events"
)

func newTestAgent(t *testing.T) *Agent {
	cfg := config.Default()
	cfg.HubPort = 19527 // nothing listens here; Start must not block on it
	cfg.DataDir = t.TempDir()
	cfg.DiagnosticsPort = 0

	device := deviceinfo.DeviceInfo{DeviceID: "test-device", OSName: "iOS", AppBundleID: "com.example.app"}
	a, err := New(cfg, device)
	require.NoError(t, err)
	return a
}

func TestNewWiresAllBuiltinPlugins(t *testing.T) {
	a := newTestAgent(t)
	require.NoError(t, a.Start())
	t.Cleanup(a.Stop)

	status := a.Status()
	ids := make(map[string]bool, len(status.Plugins))
	for _, p := range status.Plugins {
		ids[p.ID] = true
	}
	for _, want := range []string{"http", "websocket", "log", "database", "page_timing", "stats"} {
		require.True(t, ids[want], "expected plugin %q to be registered", want)
	}
}

func TestStatsPluginIsRegisteredLast(t *testing.T) {
	a := newTestAgent(t)
	require.NoError(t, a.Start())
	t.Cleanup(a.Stop)

	status := a.Status()
	require.Equal(t, "stats", status.Plugins[len(status.Plugins)-1].ID)
}

func TestStatusReportsQueueDepthZeroWhenIdle(t *testing.T) {
	a := newTestAgent(t)
	require.NoError(t, a.Start())
	t.Cleanup(a.Stop)

	require.Equal(t, 0, a.Status().QueueDepth)
}

func TestQueuePathLivesUnderDataDir(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = "/tmp/example-data-dir"
	require.Equal(t, filepath.Join("/tmp/example-data-dir", "outbound-queue.sqlite"), cfg.QueuePath())
}

type memPrefs map[string]string

func (m memPrefs) Get(key string) (string, bool) { v, ok := m[key]; return v, ok }
func (m memPrefs) Set(key, value string) error   { m[key] = value; return nil }

func TestUsePreferencesPersistsSettingsAndTokenHash(t *testing.T) {
	a := newTestAgent(t)
	a.cfg.Token = "sekrit"
	require.NoError(t, a.Start())
	t.Cleanup(a.Stop)

	store := memPrefs{}
	require.NoError(t, a.UsePreferences(store))

	host, ok := store.Get(config.HubHostPreferenceKey)
	require.True(t, ok)
	require.Equal(t, a.cfg.HubHost, host)

	hash, ok := store.Get(config.TokenPreferenceKey)
	require.True(t, ok)
	require.NotEqual(t, "sekrit", hash)
	require.True(t, config.TokenMatchesStored(store, "sekrit"))
}

func TestUsePreferencesRestoresPersistedPluginEnabledFlag(t *testing.T) {
	a := newTestAgent(t)
	require.NoError(t, a.Start())
	t.Cleanup(a.Stop)

	store := memPrefs{config.PluginEnabledKey("stats"): "false"}
	require.NoError(t, a.UsePreferences(store))

	for _, p := range a.Status().Plugins {
		if p.ID == "stats" {
			require.Equal(t, "paused", p.State)
		}
	}
}

// fakeHub is a minimal gin+gorilla/websocket stand-in for the Hub, used
// only to observe that a published event actually reaches an events_batch
// frame rather than sitting in a never-drained queue.
type fakeHub struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	received chan bridge.EventsBatchPayload
}

func newFakeHub(t *testing.T) *fakeHub {
	gin.SetMode(gin.TestMode)
	h := &fakeHub{received: make(chan bridge.EventsBatchPayload, 16)}
	r := gin.New()
	r.GET("/debug-bridge", func(c *gin.Context) {
		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		require.NoError(t, err)
		defer conn.Close()

		var reg bridge.Frame
		if err := conn.ReadJSON(&reg); err != nil {
			return
		}
		require.NoError(t, conn.WriteJSON(bridge.Frame{Type: bridge.FrameRegisterAck}))

		for {
			var frame bridge.Frame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Type == bridge.FrameEventsBatch {
				var batch bridge.EventsBatchPayload
				json.Unmarshal(frame.Payload, &batch)
				h.received <- batch
				ackPayload, _ := json.Marshal(bridge.EventsAckPayload{BatchID: batch.BatchID})
				conn.WriteJSON(bridge.Frame{Type: bridge.FrameEventsAck, Payload: ackPayload})
			}
		}
	})
	h.srv = httptest.NewServer(r)
	return h
}

func (h *fakeHub) Close() { h.srv.Close() }

func TestPublishedEventReachesTheHubAsAnEventsBatch(t *testing.T) {
	hub := newFakeHub(t)
	defer hub.Close()

	u, err := url.Parse(hub.srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	cfg := config.Default()
	cfg.HubHost = u.Hostname()
	cfg.HubPort = port
	cfg.DataDir = t.TempDir()
	cfg.DiagnosticsPort = 0
	cfg.QueueFlushInterval = 20 * time.Millisecond

	device := deviceinfo.DeviceInfo{DeviceID: "test-device", OSName: "iOS", AppBundleID: "com.example.app"}
	a, err := New(cfg, device)
	require.NoError(t, err)
	require.NoError(t, a.Start())
	t.Cleanup(a.Stop)

	a.bus.Publish(events.KindHTTP, events.HTTPEvent{
		Envelope: events.Envelope{ID: "evt-1", Kind: events.KindHTTP},
		Request:  events.HTTPRequest{Method: "GET", URL: "https://example.com"},
	})

	select {
	case batch := <-hub.received:
		require.Len(t, batch.Events, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("hub never received an events_batch frame for the published event")
	}
}
