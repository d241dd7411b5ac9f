package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/HapticTide/iOS-DebugProbe/internal/logging"
)

// Diagnostics is the loopback-only debug surface the probe serves when
// Config.DiagnosticsPort is non-zero: a single GET /debug-probe/status
// endpoint reporting connection state, queue depth and per-plugin state as
// JSON, for a developer curling their own device or simulator while the
// Hub itself is unreachable.
type Diagnostics struct {
	agent  *Agent
	server *http.Server
}

// NewDiagnostics builds (but does not start) the diagnostics server bound
// to 127.0.0.1:port.
func NewDiagnostics(agent *Agent, port int) *Diagnostics {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.GET("/debug-probe/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, agent.Status())
	})

	return &Diagnostics{
		agent: agent,
		server: &http.Server{
			Addr:              fmt.Sprintf("127.0.0.1:%d", port),
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start begins serving in the background. A bind failure (e.g. the port is
// already in use) is logged, not returned — the diagnostics endpoint is a
// convenience, never load-bearing for the bridge connection itself.
func (d *Diagnostics) Start() {
	ln, err := net.Listen("tcp", d.server.Addr)
	if err != nil {
		logging.For("probe").Warn().Err(err).Str("addr", d.server.Addr).Msg("diagnostics endpoint failed to bind; continuing without it")
		return
	}
	go func() {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.For("probe").Warn().Err(err).Msg("diagnostics server exited")
		}
	}()
}

// Stop shuts the diagnostics server down, if it was started.
func (d *Diagnostics) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = d.server.Shutdown(ctx)
}
