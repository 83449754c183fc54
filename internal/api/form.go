package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const uploadForm = `<!doctype html>
<html>
  <head>
    <title>Image captioning</title>
  </head>
  <body>
    <form action="/caption" method="post" enctype="multipart/form-data">
      <label>
        Upload file:
        <input type="file" name="file" accept="image/*" multiple>
      </label>
      <input type="submit" value="Caption">
    </form>
  </body>
</html>
`

// UploadForm serves a minimal page posting an image to /caption.
func UploadForm(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(uploadForm))
}
