package api

import (
	"context"

	"github.com/cozy-creator/caption-server/internal/app"
	"github.com/cozy-creator/caption-server/internal/session"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StreamCaptions upgrades the request to a WebSocket and serves the streaming
// caption protocol until the connection ends.
func StreamCaptions(c *gin.Context) {
	app := c.MustGet("app").(*app.App)
	cfg := app.Config()

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		app.Logger.Error("websocket upgrade failed",
			zap.String("remote_addr", c.Request.RemoteAddr),
			zap.Error(err),
		)
		return
	}
	conn.SetReadLimit(cfg.WSReadLimit())

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	stop := context.AfterFunc(app.Context(), cancel)
	defer stop()

	s := session.New(conn, app.Captioner(), session.Options{
		RemoteAddr:  c.Request.RemoteAddr,
		UserAgent:   c.Request.UserAgent(),
		PingTimeout: cfg.PingTimeout,
	}, app.Logger)

	if err := s.Serve(ctx); err != nil {
		app.Logger.Debug("session ended with error", zap.String("session_id", s.ID), zap.Error(err))
	}
}
