package server

import (
	"github.com/cozy-creator/caption-server/internal/api"
	"github.com/cozy-creator/caption-server/internal/app"

	"github.com/gin-gonic/gin"
)

func (s *Server) SetupRoutes(app *app.App) {
	s.ginEngine.GET("/healthz", api.Healthz)
	s.ginEngine.GET("/readyz", handlerWrapper(app, api.Readyz))

	s.ginEngine.GET("/", api.UploadForm)
	s.ginEngine.POST("/caption", handlerWrapper(app, api.CaptionImage))
	s.ginEngine.GET("/ws", handlerWrapper(app, api.StreamCaptions))
}

func handlerWrapper(app *app.App, f func(c *gin.Context)) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.Set("app", app)
		f(ctx)
	}
}
