package api

import (
	"net/http"

	"github.com/cozy-creator/caption-server/internal/app"
	"github.com/cozy-creator/caption-server/internal/types"

	"github.com/gin-gonic/gin"
)

func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readyz reports whether the model files are already in the local cache.
// The server still answers caption requests when they are not; the first
// request downloads them.
func Readyz(c *gin.Context) {
	app := c.MustGet("app").(*app.App)
	ref := app.ModelRef()

	state := app.ModelState()
	status := http.StatusOK
	if state != types.ModelStateReady {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":   state,
		"model":    ref.ID,
		"revision": ref.Revision,
	})
}
